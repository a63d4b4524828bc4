package crds

import (
	"gossipnet/internal/identity"
	"gossipnet/internal/wire"
)

// CompressedSlots is a bitmap run: bit i covers slot First+i, Num bits
// are meaningful.
type CompressedSlots struct {
	First uint64
	Num   uint64
	Bits  []byte
}

// EpochSlots is one ring entry of a node's recently completed slots.
// A node cycles Index through the ring as entries fill up.
type EpochSlots struct {
	Index     uint8
	From      identity.Pubkey
	Slots     []CompressedSlots
	Wallclock uint64
}

func NewEpochSlots(index uint8, from identity.Pubkey, now uint64) EpochSlots {
	return EpochSlots{Index: index, From: from, Wallclock: now}
}

func (e *EpochSlots) kind() CrdsKind { return KindEpochSlots }

func (e *EpochSlots) sanitize() error {
	if e.Index >= MaxEpochSlots {
		return ErrBadIndex
	}
	for _, seg := range e.Slots {
		if seg.Num > uint64(len(seg.Bits))*8 {
			return ErrBadIndex
		}
	}
	return nil
}

func (e *EpochSlots) encodePayload(w *wire.Writer) {
	w.U8(e.Index)
	w.Raw(e.From[:])
	w.U64(uint64(len(e.Slots)))
	for _, seg := range e.Slots {
		w.U64(seg.First)
		w.U64(seg.Num)
		w.VarBytes(seg.Bits)
	}
	w.U64(e.Wallclock)
}

func decodeEpochSlots(r *wire.Reader) EpochSlots {
	var d EpochSlots
	d.Index = r.U8()
	r.RawInto(d.From[:])
	n := r.Len(24)
	for i := 0; i < n; i++ {
		var seg CompressedSlots
		seg.First = r.U64()
		seg.Num = r.U64()
		seg.Bits = r.VarBytes()
		if seg.Num > uint64(len(seg.Bits))*8 {
			r.FailCorrupt()
			return d
		}
		d.Slots = append(d.Slots, seg)
	}
	d.Wallclock = r.U64()
	return d
}

// A fresh segment costs first + num + length prefix + one bitmap byte.
const newSegmentCost = 25

func (e *EpochSlots) payloadSize() int {
	n := 1 + identity.PubkeySize + 8 + 8
	for i := range e.Slots {
		n += 24 + len(e.Slots[i].Bits)
	}
	return n
}

// Fill adds slots in order until the encoded payload would exceed
// maxSize, and returns how many were added. Callers hand the remainder
// to the next ring entry.
func (e *EpochSlots) Fill(slots []uint64, now uint64, maxSize int) int {
	e.Wallclock = now
	for i, s := range slots {
		if !e.addSlot(s, maxSize) {
			return i
		}
	}
	return len(slots)
}

func (e *EpochSlots) addSlot(slot uint64, maxSize int) bool {
	if n := len(e.Slots); n > 0 {
		seg := &e.Slots[n-1]
		if slot >= seg.First {
			off := slot - seg.First
			need := int(off/8) + 1
			grow := need - len(seg.Bits)
			// Extend the open segment while that stays cheaper than a
			// new one; wide gaps start over at the next slot.
			if grow < newSegmentCost {
				if grow > 0 {
					if e.payloadSize()+grow > maxSize {
						return false
					}
					seg.Bits = append(seg.Bits, make([]byte, grow)...)
				}
				seg.Bits[off/8] |= 1 << (off % 8)
				if off+1 > seg.Num {
					seg.Num = off + 1
				}
				return true
			}
		}
	}
	if e.payloadSize()+newSegmentCost > maxSize {
		return false
	}
	e.Slots = append(e.Slots, CompressedSlots{First: slot, Num: 1, Bits: []byte{1}})
	return true
}

// Clone returns a copy whose bitmaps can be mutated independently.
func (e *EpochSlots) Clone() EpochSlots {
	out := EpochSlots{Index: e.Index, From: e.From, Wallclock: e.Wallclock}
	out.Slots = make([]CompressedSlots, len(e.Slots))
	for i, seg := range e.Slots {
		out.Slots[i] = CompressedSlots{
			First: seg.First,
			Num:   seg.Num,
			Bits:  append([]byte(nil), seg.Bits...),
		}
	}
	return out
}

// ToSlots expands every slot at or above min.
func (e *EpochSlots) ToSlots(min uint64) []uint64 {
	var out []uint64
	for _, seg := range e.Slots {
		max := seg.Num
		if b := uint64(len(seg.Bits)) * 8; max > b {
			max = b
		}
		for i := uint64(0); i < max; i++ {
			if seg.Bits[i/8]&(1<<(i%8)) == 0 {
				continue
			}
			if s := seg.First + i; s >= min {
				out = append(out, s)
			}
		}
	}
	return out
}
