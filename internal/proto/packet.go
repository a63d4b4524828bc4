// Package proto defines the datagram protocol spoken on the gossip
// socket: packet framing, the six message variants, the signed prune
// payload, and the packing of crds values into datagram-sized chunks.
package proto

import "net/netip"

const (
	// PacketDataSize is the payload budget of one datagram: the 1280
	// byte IPv6 minimum MTU less 40 bytes IPv6 and 8 bytes UDP header.
	PacketDataSize = 1232

	// MaxProtocolHeaderSize is the worst-case fixed overhead any
	// variant places before its crds values: discriminant, sender,
	// vector length, and pull-request filter framing.
	MaxProtocolHeaderSize = 214

	// MaxProtocolPayloadSize is what remains for crds values in one
	// packet after the worst-case header.
	MaxProtocolPayloadSize = PacketDataSize - MaxProtocolHeaderSize
)

// Packet is one datagram plus the peer address it came from or is
// bound for.
type Packet struct {
	Data [PacketDataSize]byte
	Size int
	Addr netip.AddrPort
}

// Bytes is the valid portion of the payload buffer.
func (p *Packet) Bytes() []byte {
	return p.Data[:p.Size]
}

// Reset clears the packet for reuse without releasing the buffer.
func (p *Packet) Reset() {
	p.Size = 0
	p.Addr = netip.AddrPort{}
}

// NewPacket copies b into a packet addressed to addr. ok is false when
// b exceeds the datagram budget.
func NewPacket(b []byte, addr netip.AddrPort) (Packet, bool) {
	var p Packet
	if len(b) > PacketDataSize {
		return p, false
	}
	p.Size = copy(p.Data[:], b)
	p.Addr = addr
	return p, true
}

// PacketBatch groups packets that traveled through a channel together
// so per-send overhead is paid once per batch rather than per packet.
type PacketBatch []Packet
