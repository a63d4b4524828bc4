package proto

import (
	"gossipnet/internal/crds"
	"gossipnet/internal/identity"
	"gossipnet/internal/wire"
)

// PruneData tells Destination to stop relaying values originating at
// the listed pubkeys through the sender. It is signed by the pruning
// node so a relay cannot forge suppression on another node's behalf,
// and names its destination so it cannot be replayed at a third party.
type PruneData struct {
	Pubkey      identity.Pubkey
	Prunes      []identity.Pubkey
	Signature   identity.Signature
	Destination identity.Pubkey
	Wallclock   uint64
}

// NewPruneData builds and signs a prune of the given origins, addressed
// to destination.
func NewPruneData(kp *identity.Keypair, prunes []identity.Pubkey, destination identity.Pubkey, wallclock uint64) PruneData {
	d := PruneData{
		Pubkey:      kp.Pubkey(),
		Prunes:      prunes,
		Destination: destination,
		Wallclock:   wallclock,
	}
	d.Signature = kp.Sign(d.signedData())
	return d
}

// signedData covers every field except the signature itself.
func (d *PruneData) signedData() []byte {
	w := wire.NewWriter()
	w.Raw(d.Pubkey[:])
	w.U64(uint64(len(d.Prunes)))
	for i := range d.Prunes {
		w.Raw(d.Prunes[i][:])
	}
	w.Raw(d.Destination[:])
	w.U64(d.Wallclock)
	return w.Bytes()
}

func (d *PruneData) Verify() bool {
	return identity.Verify(d.Pubkey, d.signedData(), d.Signature)
}

func (d *PruneData) Sanitize() error {
	if d.Wallclock >= crds.MaxWallclock {
		return crds.ErrBadWallclock
	}
	return nil
}

func (d *PruneData) encodeTo(w *wire.Writer) {
	w.Raw(d.Pubkey[:])
	w.U64(uint64(len(d.Prunes)))
	for i := range d.Prunes {
		w.Raw(d.Prunes[i][:])
	}
	w.Raw(d.Signature[:])
	w.Raw(d.Destination[:])
	w.U64(d.Wallclock)
}

func decodePruneData(r *wire.Reader) PruneData {
	var d PruneData
	r.RawInto(d.Pubkey[:])
	n := r.Len(identity.PubkeySize)
	for i := 0; i < n; i++ {
		var pk identity.Pubkey
		r.RawInto(pk[:])
		d.Prunes = append(d.Prunes, pk)
	}
	r.RawInto(d.Signature[:])
	r.RawInto(d.Destination[:])
	d.Wallclock = r.U64()
	return d
}
