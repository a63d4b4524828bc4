package crds

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"

	"gossipnet/internal/identity"
	"gossipnet/internal/wire"
)

const (
	// MaxWallclock bounds how far into the future a record's wallclock
	// may claim to be, in milliseconds since the unix epoch.
	MaxWallclock = 1_000_000_000_000_000

	// MaxVotes is the number of vote slots a node may occupy.
	MaxVotes = 32

	// MaxEpochSlots is the number of epoch slots ring entries per node.
	MaxEpochSlots = 255
)

var (
	ErrBadWallclock = errors.New("wallclock out of bounds")
	ErrBadIndex     = errors.New("index out of bounds")
)

// Timestamp is the gossip wallclock: milliseconds since the unix epoch.
func Timestamp() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Hash is the SHA3-256 digest of an encoded CrdsValue.
type Hash [32]byte

func (h Hash) String() string {
	return identity.Pubkey(h).String()
}

// U64Prefix returns the first 8 bytes of the hash as a little-endian
// u64, the key pull filters use to partition the value space.
func (h Hash) U64Prefix() uint64 {
	return binary.LittleEndian.Uint64(h[:8])
}

// CrdsKind discriminates record kinds. The numeric values are the wire
// discriminants.
type CrdsKind uint32

const (
	KindContactInfo CrdsKind = iota
	KindVote
	KindLowestSlot
	KindSnapshotHashes
	KindAccountsHashes
	KindEpochSlots
	KindLegacyVersion
	KindVersion
)

func (k CrdsKind) String() string {
	switch k {
	case KindContactInfo:
		return "ContactInfo"
	case KindVote:
		return "Vote"
	case KindLowestSlot:
		return "LowestSlot"
	case KindSnapshotHashes:
		return "SnapshotHashes"
	case KindAccountsHashes:
		return "AccountsHashes"
	case KindEpochSlots:
		return "EpochSlots"
	case KindLegacyVersion:
		return "LegacyVersion"
	case KindVersion:
		return "Version"
	default:
		return fmt.Sprintf("CrdsKind(%d)", uint32(k))
	}
}

// Label identifies the table slot a record occupies: one per (kind,
// index, origin). Insert replaces whatever holds the same label.
type Label struct {
	Kind  CrdsKind
	Index uint8
	Key   identity.Pubkey
}

func (l Label) String() string {
	switch l.Kind {
	case KindVote, KindEpochSlots:
		return fmt.Sprintf("%s(%d, %s)", l.Kind, l.Index, l.Key)
	default:
		return fmt.Sprintf("%s(%s)", l.Kind, l.Key)
	}
}

// CrdsData is one of the record kinds. The set is closed.
type CrdsData interface {
	kind() CrdsKind
	encodePayload(w *wire.Writer)
	sanitize() error
}

// Vote carries an opaque, already-signed vote transaction.
type Vote struct {
	Index       uint8
	From        identity.Pubkey
	Transaction []byte
	Wallclock   uint64
}

func (v *Vote) kind() CrdsKind { return KindVote }

func (v *Vote) encodePayload(w *wire.Writer) {
	w.U8(v.Index)
	w.Raw(v.From[:])
	w.VarBytes(v.Transaction)
	w.U64(v.Wallclock)
}

func (v *Vote) sanitize() error {
	if v.Index >= MaxVotes {
		return ErrBadIndex
	}
	return nil
}

// LowestSlot advertises the lowest slot a node still serves for repair.
// The index is vestigial and must be zero.
type LowestSlot struct {
	Index     uint8
	From      identity.Pubkey
	Root      uint64
	Lowest    uint64
	Slots     []uint64
	Wallclock uint64
}

func (l *LowestSlot) kind() CrdsKind { return KindLowestSlot }

func (l *LowestSlot) encodePayload(w *wire.Writer) {
	w.U8(l.Index)
	w.Raw(l.From[:])
	w.U64(l.Root)
	w.U64(l.Lowest)
	w.U64(uint64(len(l.Slots)))
	for _, s := range l.Slots {
		w.U64(s)
	}
	w.U64(l.Wallclock)
}

func (l *LowestSlot) sanitize() error {
	if l.Index != 0 {
		return ErrBadIndex
	}
	return nil
}

// SlotHash pairs a slot with the hash of its state.
type SlotHash struct {
	Slot uint64
	Hash Hash
}

// SnapshotHashes advertises the snapshots a node can serve.
type SnapshotHashes struct {
	From      identity.Pubkey
	Hashes    []SlotHash
	Wallclock uint64
}

func (s *SnapshotHashes) kind() CrdsKind { return KindSnapshotHashes }

func (s *SnapshotHashes) encodePayload(w *wire.Writer) {
	w.Raw(s.From[:])
	w.U64(uint64(len(s.Hashes)))
	for _, h := range s.Hashes {
		w.U64(h.Slot)
		w.Raw(h.Hash[:])
	}
	w.U64(s.Wallclock)
}

func (s *SnapshotHashes) sanitize() error { return nil }

// AccountsHashes advertises accounts-state hashes; same payload shape as
// SnapshotHashes under its own label.
type AccountsHashes SnapshotHashes

func (a *AccountsHashes) kind() CrdsKind { return KindAccountsHashes }

func (a *AccountsHashes) encodePayload(w *wire.Writer) {
	(*SnapshotHashes)(a).encodePayload(w)
}

func (a *AccountsHashes) sanitize() error { return nil }

// Version advertises the software version a node runs.
type Version struct {
	From      identity.Pubkey
	Wallclock uint64
	Major     uint16
	Minor     uint16
	Patch     uint16
	Commit    *uint32
}

func (v *Version) kind() CrdsKind { return KindVersion }

func (v *Version) encodePayload(w *wire.Writer) {
	w.Raw(v.From[:])
	w.U64(v.Wallclock)
	w.U16(v.Major)
	w.U16(v.Minor)
	w.U16(v.Patch)
	if v.Commit != nil {
		w.U8(1)
		w.U32(*v.Commit)
	} else {
		w.U8(0)
	}
}

func (v *Version) sanitize() error { return nil }

func (v *Version) String() string {
	if v.Commit != nil {
		return fmt.Sprintf("%d.%d.%d %x", v.Major, v.Minor, v.Patch, *v.Commit)
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// LegacyVersion is the pre-commit-hash version record kept for old peers.
type LegacyVersion struct {
	From      identity.Pubkey
	Wallclock uint64
	Major     uint16
	Minor     uint16
	Patch     uint16
}

func (v *LegacyVersion) kind() CrdsKind { return KindLegacyVersion }

func (v *LegacyVersion) encodePayload(w *wire.Writer) {
	w.Raw(v.From[:])
	w.U64(v.Wallclock)
	w.U16(v.Major)
	w.U16(v.Minor)
	w.U16(v.Patch)
}

func (v *LegacyVersion) sanitize() error { return nil }

func (c *ContactInfo) kind() CrdsKind { return KindContactInfo }

func (c *ContactInfo) encodePayload(w *wire.Writer) { c.encode(w) }

func (c *ContactInfo) sanitize() error { return nil }

// CrdsValue is a signed record: the signature covers the encoded data.
type CrdsValue struct {
	Signature identity.Signature
	Data      CrdsData
}

// NewSignedValue wraps data in a value signed by kp. The data's origin
// pubkey must be kp's pubkey or Verify will fail on the receiving side.
func NewSignedValue(data CrdsData, kp *identity.Keypair) CrdsValue {
	v := CrdsValue{Data: data}
	v.Sign(kp)
	return v
}

func (v *CrdsValue) Sign(kp *identity.Keypair) {
	v.Signature = kp.Sign(encodeData(v.Data))
}

// Verify checks the signature against the origin pubkey embedded in the
// data.
func (v *CrdsValue) Verify() bool {
	return identity.Verify(v.Pubkey(), encodeData(v.Data), v.Signature)
}

// Pubkey returns the origin identity of the record.
func (v *CrdsValue) Pubkey() identity.Pubkey {
	switch d := v.Data.(type) {
	case *ContactInfo:
		return d.ID
	case *Vote:
		return d.From
	case *LowestSlot:
		return d.From
	case *SnapshotHashes:
		return d.From
	case *AccountsHashes:
		return d.From
	case *EpochSlots:
		return d.From
	case *LegacyVersion:
		return d.From
	case *Version:
		return d.From
	default:
		return identity.Pubkey{}
	}
}

// Wallclock returns the record's claimed creation time in ms.
func (v *CrdsValue) Wallclock() uint64 {
	switch d := v.Data.(type) {
	case *ContactInfo:
		return d.Wallclock
	case *Vote:
		return d.Wallclock
	case *LowestSlot:
		return d.Wallclock
	case *SnapshotHashes:
		return d.Wallclock
	case *AccountsHashes:
		return d.Wallclock
	case *EpochSlots:
		return d.Wallclock
	case *LegacyVersion:
		return d.Wallclock
	case *Version:
		return d.Wallclock
	default:
		return 0
	}
}

// Label returns the table slot this value occupies.
func (v *CrdsValue) Label() Label {
	l := Label{Kind: v.Data.kind(), Key: v.Pubkey()}
	switch d := v.Data.(type) {
	case *Vote:
		l.Index = d.Index
	case *EpochSlots:
		l.Index = d.Index
	case *LowestSlot:
		l.Index = d.Index
	}
	return l
}

// Sanitize validates the bounds a well-formed record must satisfy.
// Values from the network are sanitized before signatures are checked.
func (v *CrdsValue) Sanitize() error {
	if v.Wallclock() >= MaxWallclock {
		return ErrBadWallclock
	}
	return v.Data.sanitize()
}

func encodeData(d CrdsData) []byte {
	w := wire.NewWriter()
	w.U32(uint32(d.kind()))
	d.encodePayload(w)
	return w.Bytes()
}

// EncodeTo appends the full wire form, signature first.
func (v *CrdsValue) EncodeTo(w *wire.Writer) {
	w.Raw(v.Signature[:])
	w.U32(uint32(v.Data.kind()))
	v.Data.encodePayload(w)
}

func (v *CrdsValue) Encode() []byte {
	w := wire.NewWriter()
	v.EncodeTo(w)
	return w.Bytes()
}

// Hash digests the full encoded value, signature included.
func (v *CrdsValue) Hash() Hash {
	return Hash(sha3.Sum256(v.Encode()))
}

// Size is the encoded length in bytes.
func (v *CrdsValue) Size() uint64 {
	return uint64(len(v.Encode()))
}

// DecodeValue reads one value; check r.Err() after.
func DecodeValue(r *wire.Reader) CrdsValue {
	var v CrdsValue
	r.RawInto(v.Signature[:])
	kind := CrdsKind(r.U32())
	if r.Err() != nil {
		return v
	}
	switch kind {
	case KindContactInfo:
		c := decodeContactInfo(r)
		v.Data = &c
	case KindVote:
		d := &Vote{}
		d.Index = r.U8()
		r.RawInto(d.From[:])
		d.Transaction = r.VarBytes()
		d.Wallclock = r.U64()
		v.Data = d
	case KindLowestSlot:
		d := &LowestSlot{}
		d.Index = r.U8()
		r.RawInto(d.From[:])
		d.Root = r.U64()
		d.Lowest = r.U64()
		n := r.Len(8)
		for i := 0; i < n; i++ {
			d.Slots = append(d.Slots, r.U64())
		}
		d.Wallclock = r.U64()
		v.Data = d
	case KindSnapshotHashes:
		d := decodeSnapshotHashes(r)
		v.Data = &d
	case KindAccountsHashes:
		d := AccountsHashes(decodeSnapshotHashes(r))
		v.Data = &d
	case KindEpochSlots:
		d := decodeEpochSlots(r)
		v.Data = &d
	case KindLegacyVersion:
		d := &LegacyVersion{}
		r.RawInto(d.From[:])
		d.Wallclock = r.U64()
		d.Major = r.U16()
		d.Minor = r.U16()
		d.Patch = r.U16()
		v.Data = d
	case KindVersion:
		d := &Version{}
		r.RawInto(d.From[:])
		d.Wallclock = r.U64()
		d.Major = r.U16()
		d.Minor = r.U16()
		d.Patch = r.U16()
		if r.Bool() {
			c := r.U32()
			d.Commit = &c
		}
		v.Data = d
	default:
		r.FailCorrupt()
	}
	return v
}

func decodeSnapshotHashes(r *wire.Reader) SnapshotHashes {
	var d SnapshotHashes
	r.RawInto(d.From[:])
	n := r.Len(40)
	for i := 0; i < n; i++ {
		var h SlotHash
		h.Slot = r.U64()
		r.RawInto(h.Hash[:])
		d.Hashes = append(d.Hashes, h)
	}
	d.Wallclock = r.U64()
	return d
}
