package crds

import (
	"fmt"
	"net/netip"

	"gossipnet/internal/identity"
	"gossipnet/internal/wire"
)

// ContactInfo is the reachability record every node publishes for itself:
// one socket address per plane plus the shred version partition tag.
// Field order is the wire order.
type ContactInfo struct {
	ID           identity.Pubkey
	Gossip       netip.AddrPort
	TVU          netip.AddrPort
	TVUForwards  netip.AddrPort
	Repair       netip.AddrPort
	TPU          netip.AddrPort
	TPUForwards  netip.AddrPort
	RPCBanks     netip.AddrPort
	RPC          netip.AddrPort
	RPCPubsub    netip.AddrPort
	ServeRepair  netip.AddrPort
	Wallclock    uint64
	ShredVersion uint16
}

// Default port layout for localhost test nodes.
const (
	localhostGossipPort = 1234
	localhostRPCPort    = 8899
)

func NewLocalhostContactInfo(id identity.Pubkey, wallclock uint64) ContactInfo {
	lo := netip.AddrFrom4([4]byte{127, 0, 0, 1})
	port := func(p uint16) netip.AddrPort { return netip.AddrPortFrom(lo, p) }
	return ContactInfo{
		ID:          id,
		Gossip:      port(localhostGossipPort),
		TVU:         port(localhostGossipPort + 1),
		TVUForwards: port(localhostGossipPort + 2),
		Repair:      port(localhostGossipPort + 3),
		TPU:         port(localhostGossipPort + 4),
		TPUForwards: port(localhostGossipPort + 5),
		ServeRepair: port(localhostGossipPort + 6),
		RPC:         port(localhostRPCPort),
		RPCPubsub:   port(localhostRPCPort + 1),
		RPCBanks:    port(localhostRPCPort + 2),
		Wallclock:   wallclock,
	}
}

// NewGossipEntrypoint builds the placeholder record for a bootstrap peer
// known only by its gossip address. The identity stays zero until the
// entrypoint's own ContactInfo arrives over gossip.
func NewGossipEntrypoint(gossip netip.AddrPort) ContactInfo {
	return ContactInfo{Gossip: gossip, Wallclock: Timestamp()}
}

// IsValidAddress reports whether addr is a usable target: a specified,
// non-multicast IP with a nonzero port.
func IsValidAddress(addr netip.AddrPort) bool {
	if !addr.IsValid() || addr.Port() == 0 {
		return false
	}
	ip := addr.Addr()
	return !ip.IsUnspecified() && !ip.IsMulticast()
}

// ValidClientFacingAddr returns the (rpc, tpu) pair when both are
// reachable, for client construction.
func (c *ContactInfo) ValidClientFacingAddr() (rpc, tpu netip.AddrPort, ok bool) {
	if !IsValidAddress(c.RPC) || !IsValidAddress(c.TPU) {
		return netip.AddrPort{}, netip.AddrPort{}, false
	}
	return c.RPC, c.TPU, true
}

func (c *ContactInfo) String() string {
	return fmt.Sprintf("%s gossip=%s tvu=%s shred_version=%d", c.ID, c.Gossip, c.TVU, c.ShredVersion)
}

const (
	addrTagV4 = 0
	addrTagV6 = 1
)

func encodeAddrPort(w *wire.Writer, addr netip.AddrPort) {
	ip := addr.Addr()
	if ip.Is4() || !ip.IsValid() {
		w.U32(addrTagV4)
		b := ip.As4()
		w.Raw(b[:])
	} else {
		w.U32(addrTagV6)
		b := ip.As16()
		w.Raw(b[:])
	}
	w.U16(addr.Port())
}

func decodeAddrPort(r *wire.Reader) netip.AddrPort {
	tag := r.U32()
	var ip netip.Addr
	switch tag {
	case addrTagV4:
		var b [4]byte
		r.RawInto(b[:])
		ip = netip.AddrFrom4(b)
	case addrTagV6:
		var b [16]byte
		r.RawInto(b[:])
		ip = netip.AddrFrom16(b)
	default:
		r.FailCorrupt()
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ip, r.U16())
}

func (c *ContactInfo) encode(w *wire.Writer) {
	w.Raw(c.ID[:])
	for _, addr := range []netip.AddrPort{
		c.Gossip, c.TVU, c.TVUForwards, c.Repair, c.TPU,
		c.TPUForwards, c.RPCBanks, c.RPC, c.RPCPubsub, c.ServeRepair,
	} {
		encodeAddrPort(w, addr)
	}
	w.U64(c.Wallclock)
	w.U16(c.ShredVersion)
}

func decodeContactInfo(r *wire.Reader) ContactInfo {
	var c ContactInfo
	r.RawInto(c.ID[:])
	for _, dst := range []*netip.AddrPort{
		&c.Gossip, &c.TVU, &c.TVUForwards, &c.Repair, &c.TPU,
		&c.TPUForwards, &c.RPCBanks, &c.RPC, &c.RPCPubsub, &c.ServeRepair,
	} {
		*dst = decodeAddrPort(r)
	}
	c.Wallclock = r.U64()
	c.ShredVersion = r.U16()
	return c
}
