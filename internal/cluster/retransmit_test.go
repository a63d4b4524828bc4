package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gossipnet/internal/identity"
)

func TestRetransmitTargetsAloneHasNoPeers(t *testing.T) {
	ci, _ := newTestNode(t)
	neighbors, children := ci.RetransmitTargets(nil, 3, [32]byte{})
	assert.Empty(t, neighbors)
	assert.Empty(t, children)
}

func TestRetransmitTargetsBoundedAndDeterministic(t *testing.T) {
	ci, _ := newTestNode(t)
	stakes := make(map[identity.Pubkey]uint64)
	for i := 0; i < 20; i++ {
		info, _ := localhostPeer(t, 0)
		ci.InsertInfo(info)
		stakes[info.ID] = uint64(1 + i*10)
	}
	const fanout = 3
	seed := [32]byte{7}

	neighbors, children := ci.RetransmitTargets(stakes, fanout, seed)
	assert.LessOrEqual(t, len(neighbors), fanout-1)
	assert.LessOrEqual(t, len(children), fanout)
	for _, n := range neighbors {
		assert.NotEqual(t, ci.ID(), n.ID)
	}

	// Same seed, same tree; a different seed reshuffles eventually.
	again, againChildren := ci.RetransmitTargets(stakes, fanout, seed)
	require.Equal(t, neighbors, again)
	require.Equal(t, children, againChildren)

	same := true
	for b := byte(1); b < 16 && same; b++ {
		other, otherChildren := ci.RetransmitTargets(stakes, fanout, [32]byte{7, b})
		if len(other) != len(neighbors) || len(otherChildren) != len(children) {
			same = false
			break
		}
		for i := range other {
			if other[i].ID != neighbors[i].ID {
				same = false
				break
			}
		}
	}
	assert.False(t, same)
}
