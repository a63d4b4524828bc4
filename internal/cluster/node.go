package cluster

import (
	"fmt"
	"net"
	"net/netip"

	"gossipnet/internal/crds"
	"gossipnet/internal/identity"
	"gossipnet/internal/netutil"
)

// ValidatorPortRange is where a node's service sockets land when no
// explicit port is configured.
var ValidatorPortRange = netutil.PortRange{Lo: 8000, Hi: 10_000}

// Sockets are the bound UDP sockets of one node, matching the
// addresses its contact info advertises.
type Sockets struct {
	Gossip      *net.UDPConn
	TVU         *net.UDPConn
	TVUForwards *net.UDPConn
	Repair      *net.UDPConn
	TPU         *net.UDPConn
	TPUForwards *net.UDPConn
	ServeRepair *net.UDPConn
	Broadcast   *net.UDPConn
	Retransmit  *net.UDPConn
}

// Close releases every bound socket.
func (s *Sockets) Close() {
	for _, conn := range []*net.UDPConn{
		s.Gossip, s.TVU, s.TVUForwards, s.Repair, s.TPU,
		s.TPUForwards, s.ServeRepair, s.Broadcast, s.Retransmit,
	} {
		if conn != nil {
			conn.Close()
		}
	}
}

// Node couples a contact info with the sockets backing its addresses.
type Node struct {
	Info    crds.ContactInfo
	Sockets Sockets
}

// NewLocalhostNode binds every service socket on a kernel-assigned
// loopback port. Used by tests and single-machine clusters.
func NewLocalhostNode(id identity.Pubkey) (*Node, error) {
	loop := netip.MustParseAddr("127.0.0.1")
	bind := func() (*net.UDPConn, netip.AddrPort, error) {
		conn, err := netutil.BindTo(netip.AddrPortFrom(loop, 0))
		if err != nil {
			return nil, netip.AddrPort{}, err
		}
		return conn, netutil.AddrPort(conn), nil
	}

	var node Node
	var err error
	var gossip, tvu, tvuFwd, repair, tpu, tpuFwd, serveRepair netip.AddrPort
	if node.Sockets.Gossip, gossip, err = bind(); err != nil {
		return nil, err
	}
	if node.Sockets.TVU, tvu, err = bind(); err != nil {
		node.Sockets.Close()
		return nil, err
	}
	if node.Sockets.TVUForwards, tvuFwd, err = bind(); err != nil {
		node.Sockets.Close()
		return nil, err
	}
	if node.Sockets.Repair, repair, err = bind(); err != nil {
		node.Sockets.Close()
		return nil, err
	}
	if node.Sockets.TPU, tpu, err = bind(); err != nil {
		node.Sockets.Close()
		return nil, err
	}
	if node.Sockets.TPUForwards, tpuFwd, err = bind(); err != nil {
		node.Sockets.Close()
		return nil, err
	}
	if node.Sockets.ServeRepair, serveRepair, err = bind(); err != nil {
		node.Sockets.Close()
		return nil, err
	}
	if node.Sockets.Broadcast, _, err = bind(); err != nil {
		node.Sockets.Close()
		return nil, err
	}
	if node.Sockets.Retransmit, _, err = bind(); err != nil {
		node.Sockets.Close()
		return nil, err
	}

	node.Info = crds.ContactInfo{
		ID:           id,
		Gossip:       gossip,
		TVU:          tvu,
		TVUForwards:  tvuFwd,
		Repair:       repair,
		TPU:          tpu,
		TPUForwards:  tpuFwd,
		ServeRepair:  serveRepair,
		RPC:          netip.AddrPortFrom(loop, rpcPort(gossip.Port())),
		RPCPubsub:    netip.AddrPortFrom(loop, rpcPubsubPort(gossip.Port())),
		Wallclock:    crds.Timestamp(),
		ShredVersion: 0,
	}
	return &node, nil
}

// RPC ports are advertised alongside gossip but served elsewhere, so
// they are derived rather than bound here.
func rpcPort(gossipPort uint16) uint16       { return gossipPort + 1 }
func rpcPubsubPort(gossipPort uint16) uint16 { return gossipPort + 2 }

// NewNodeWithExternalIP binds every service socket on bindIP within
// the port range and advertises them at the gossip address's IP. The
// gossip socket takes the exact port of gossipAddr when nonzero.
func NewNodeWithExternalIP(id identity.Pubkey, gossipAddr netip.AddrPort, r netutil.PortRange, bindIP netip.Addr, shredVersion uint16) (*Node, error) {
	advertise := gossipAddr.Addr()
	if !advertise.IsValid() {
		return nil, fmt.Errorf("invalid gossip address %s", gossipAddr)
	}

	var node Node
	var err error
	var gossipPort uint16
	if port := gossipAddr.Port(); port != 0 {
		node.Sockets.Gossip, err = netutil.BindTo(netip.AddrPortFrom(bindIP, port))
		gossipPort = port
	} else {
		node.Sockets.Gossip, gossipPort, err = netutil.BindInRange(bindIP, r)
	}
	if err != nil {
		return nil, err
	}

	bind := func() (*net.UDPConn, uint16, error) {
		return netutil.BindInRange(bindIP, r)
	}
	var tvu, tvuFwd, repair, tpu, tpuFwd, serveRepair uint16
	if node.Sockets.TVU, tvu, err = bind(); err != nil {
		node.Sockets.Close()
		return nil, err
	}
	if node.Sockets.TVUForwards, tvuFwd, err = bind(); err != nil {
		node.Sockets.Close()
		return nil, err
	}
	if node.Sockets.Repair, repair, err = bind(); err != nil {
		node.Sockets.Close()
		return nil, err
	}
	if node.Sockets.TPU, tpu, err = bind(); err != nil {
		node.Sockets.Close()
		return nil, err
	}
	if node.Sockets.TPUForwards, tpuFwd, err = bind(); err != nil {
		node.Sockets.Close()
		return nil, err
	}
	if node.Sockets.ServeRepair, serveRepair, err = bind(); err != nil {
		node.Sockets.Close()
		return nil, err
	}
	if node.Sockets.Broadcast, _, err = bind(); err != nil {
		node.Sockets.Close()
		return nil, err
	}
	if node.Sockets.Retransmit, _, err = bind(); err != nil {
		node.Sockets.Close()
		return nil, err
	}

	node.Info = crds.ContactInfo{
		ID:           id,
		Gossip:       netip.AddrPortFrom(advertise, gossipPort),
		TVU:          netip.AddrPortFrom(advertise, tvu),
		TVUForwards:  netip.AddrPortFrom(advertise, tvuFwd),
		Repair:       netip.AddrPortFrom(advertise, repair),
		TPU:          netip.AddrPortFrom(advertise, tpu),
		TPUForwards:  netip.AddrPortFrom(advertise, tpuFwd),
		ServeRepair:  netip.AddrPortFrom(advertise, serveRepair),
		Wallclock:    crds.Timestamp(),
		ShredVersion: shredVersion,
	}
	return &node, nil
}

// GossipNode binds just a gossip socket and advertises the given
// address, for nodes that relay gossip without serving data planes.
func GossipNode(id identity.Pubkey, gossipAddr netip.AddrPort, shredVersion uint16) (crds.ContactInfo, *net.UDPConn, error) {
	bindIP := netip.IPv4Unspecified()
	var conn *net.UDPConn
	var err error
	port := gossipAddr.Port()
	if port != 0 {
		conn, err = netutil.BindTo(netip.AddrPortFrom(bindIP, port))
	} else {
		conn, port, err = netutil.BindInRange(bindIP, ValidatorPortRange)
	}
	if err != nil {
		return crds.ContactInfo{}, nil, err
	}
	info := crds.ContactInfo{
		ID:           id,
		Gossip:       netip.AddrPortFrom(gossipAddr.Addr(), port),
		Wallclock:    crds.Timestamp(),
		ShredVersion: shredVersion,
	}
	return info, conn, nil
}

// SpyNode binds a gossip socket on an ephemeral port and advertises a
// loopback address, so the node can observe the cluster without
// becoming a routable peer.
func SpyNode(id identity.Pubkey, shredVersion uint16) (crds.ContactInfo, *net.UDPConn, error) {
	conn, port, err := netutil.BindInRange(netip.IPv4Unspecified(), ValidatorPortRange)
	if err != nil {
		return crds.ContactInfo{}, nil, err
	}
	info := crds.ContactInfo{
		ID:           id,
		Gossip:       netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port),
		Wallclock:    crds.Timestamp(),
		ShredVersion: shredVersion,
	}
	return info, conn, nil
}
