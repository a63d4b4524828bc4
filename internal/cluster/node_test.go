package cluster

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gossipnet/internal/crds"
	"gossipnet/internal/identity"
	"gossipnet/internal/netutil"
)

func TestNewLocalhostNode(t *testing.T) {
	id := identity.RandomPubkey()
	node, err := NewLocalhostNode(id)
	require.NoError(t, err)
	defer node.Sockets.Close()

	info := node.Info
	assert.Equal(t, id, info.ID)
	assert.Equal(t, uint16(0), info.ShredVersion)
	assert.False(t, IsSpyNode(&info))

	assert.Equal(t, netutil.AddrPort(node.Sockets.Gossip), info.Gossip)
	assert.Equal(t, netutil.AddrPort(node.Sockets.TVU), info.TVU)
	assert.Equal(t, netutil.AddrPort(node.Sockets.TPU), info.TPU)
	assert.Equal(t, netutil.AddrPort(node.Sockets.ServeRepair), info.ServeRepair)
	assert.True(t, info.Gossip.Addr().IsLoopback())
	assert.True(t, info.TVU.Addr().IsLoopback())

	// RPC ports ride alongside gossip rather than being bound here.
	assert.Equal(t, info.Gossip.Port()+1, info.RPC.Port())
	assert.Equal(t, info.Gossip.Port()+2, info.RPCPubsub.Port())
}

func TestGossipNode(t *testing.T) {
	id := identity.RandomPubkey()
	info, conn, err := GossipNode(id, netip.MustParseAddrPort("127.0.0.1:0"), 5)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, id, info.ID)
	assert.Equal(t, uint16(5), info.ShredVersion)
	assert.True(t, info.Gossip.Addr().IsLoopback())
	assert.GreaterOrEqual(t, info.Gossip.Port(), ValidatorPortRange.Lo)
	assert.Less(t, info.Gossip.Port(), ValidatorPortRange.Hi)
	assert.True(t, IsSpyNode(&info))
}

func TestSpyNode(t *testing.T) {
	id := identity.RandomPubkey()
	info, conn, err := SpyNode(id, 7)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, id, info.ID)
	assert.Equal(t, uint16(7), info.ShredVersion)
	assert.True(t, info.Gossip.Addr().IsLoopback())
	assert.GreaterOrEqual(t, info.Gossip.Port(), ValidatorPortRange.Lo)
	assert.True(t, IsSpyNode(&info))
	assert.True(t, crds.IsValidAddress(info.Gossip))
}
