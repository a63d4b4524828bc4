// Package netutil binds the UDP sockets a node's services listen on.
package netutil

import (
	"fmt"
	"net"
	"net/netip"
)

// PortRange is a half-open [Lo, Hi) interval of candidate ports.
type PortRange struct {
	Lo uint16
	Hi uint16
}

func (r PortRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Lo, r.Hi)
}

// BindTo opens a UDP socket on the exact address. Port 0 asks the
// kernel for any free port.
func BindTo(addr netip.AddrPort) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	return conn, nil
}

// BindInRange opens a UDP socket on ip at the first free port in the
// range and reports which port it got.
func BindInRange(ip netip.Addr, r PortRange) (*net.UDPConn, uint16, error) {
	for port := r.Lo; port < r.Hi; port++ {
		conn, err := BindTo(netip.AddrPortFrom(ip, port))
		if err != nil {
			continue
		}
		return conn, port, nil
	}
	return nil, 0, fmt.Errorf("no free udp port on %s in %s", ip, r)
}

// AddrPort is the socket's bound local address.
func AddrPort(conn *net.UDPConn) netip.AddrPort {
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	return addr.AddrPort()
}
