package dataplane

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gossipnet/internal/crds"
	"gossipnet/internal/identity"
)

func TestDescribeLayerCounts(t *testing.T) {
	cases := []struct {
		nodes, fanout int
		layers        int
		indices       []int
	}{
		{0, 200, 0, nil},
		{1, 200, 1, []int{0, 1}},
		{3, 2, 2, []int{0, 2, 3}},
		{10, 2, 3, []int{0, 2, 6, 10}},
		{100, 10, 2, []int{0, 10, 100}},
		{103, 13, 2, []int{0, 13, 103}},
		{111, 10, 3, []int{0, 10, 110, 111}},
		{10_000, 10, 4, []int{0, 10, 110, 1110, 10_000}},
		{500_000, 200, 3, []int{0, 200, 40_200, 500_000}},
	}
	for _, tc := range cases {
		layers, indices := Describe(tc.nodes, tc.fanout)
		assert.Equal(t, tc.layers, layers, "nodes=%d fanout=%d", tc.nodes, tc.fanout)
		assert.Equal(t, tc.indices, indices, "nodes=%d fanout=%d", tc.nodes, tc.fanout)
	}
}

func TestLocalizeLayers(t *testing.T) {
	_, indices := Describe(10_000, 10)

	for _, ix := range []int{0, 5} {
		loc := Localize(indices, 10, ix)
		assert.Equal(t, 0, loc.LayerIx)
		assert.Equal(t, [2]int{0, 10}, loc.NeighborBounds)
		require.True(t, loc.HasNextLayer)
		assert.Equal(t, [2]int{10, 110}, loc.NextLayerBounds)
	}
	for _, ix := range []int{10, 109} {
		loc := Localize(indices, 10, ix)
		assert.Equal(t, 1, loc.LayerIx)
		require.True(t, loc.HasNextLayer)
		assert.Equal(t, [2]int{110, 1110}, loc.NextLayerBounds)
	}

	loc := Localize(indices, 10, 1110)
	assert.Equal(t, 3, loc.LayerIx)
	assert.False(t, loc.HasNextLayer)
	assert.Empty(t, loc.NextLayerPeers)
}

func TestLocalizeStriding(t *testing.T) {
	_, indices := Describe(10_000, 10)

	loc := Localize(indices, 10, 201)
	assert.Equal(t, 2, loc.LayerIx)
	assert.Equal(t, [2]int{200, 210}, loc.NeighborBounds)
	require.True(t, loc.HasNextLayer)
	want := []int{2011, 2021, 2031, 2041, 2051, 2061, 2071, 2081, 2091, 2101}
	assert.Equal(t, want, loc.NextLayerPeers)
}

func TestSiblingsCoverBlockWithoutOverlap(t *testing.T) {
	fanout := 10
	_, indices := Describe(10_000, fanout)

	// Every member of the neighborhood at 200..210 must cover a
	// disjoint slice of the hood's fanout^2 block, and the union must
	// be exactly that block.
	seen := make(map[int]int)
	for ix := 200; ix < 210; ix++ {
		loc := Localize(indices, fanout, ix)
		require.Len(t, loc.NextLayerPeers, fanout)
		for _, peer := range loc.NextLayerPeers {
			_, dup := seen[peer]
			require.False(t, dup, "peer %d covered twice", peer)
			seen[peer] = ix
		}
	}
	assert.Len(t, seen, fanout*fanout)
	for peer := 2010; peer < 2110; peer++ {
		_, ok := seen[peer]
		assert.True(t, ok, "peer %d uncovered", peer)
	}
}

func TestFullTreeCoverage(t *testing.T) {
	nodes, fanout := 25_000, 10
	_, indices := Describe(nodes, fanout)

	// Seed with layer 0 (fed directly by the broadcaster), then walk
	// forwarding sets. Every index must end up reachable, and no index
	// may be claimed by parents from two different neighborhoods.
	reached := make([]bool, nodes)
	parentHood := make(map[int][2]int)
	frontier := make([]int, 0, fanout)
	for i := 0; i < fanout && i < nodes; i++ {
		reached[i] = true
		frontier = append(frontier, i)
	}
	for len(frontier) > 0 {
		var next []int
		for _, ix := range frontier {
			loc := Localize(indices, fanout, ix)
			for _, child := range loc.NextLayerPeers {
				if child >= nodes {
					continue
				}
				hood := [2]int{loc.NeighborBounds[0], loc.NeighborBounds[1]}
				if prev, ok := parentHood[child]; ok {
					require.Equal(t, prev, hood, "child %d claimed by two hoods", child)
					continue
				}
				parentHood[child] = hood
				reached[child] = true
				next = append(next, child)
			}
		}
		frontier = next
	}
	for ix, ok := range reached {
		require.True(t, ok, "index %d unreachable", ix)
	}
}

func TestComputeRetransmitPeers(t *testing.T) {
	// 10 nodes at fanout 2 lay out as [0,2,6,10].
	neighbors, children := ComputeRetransmitPeers(2, 0, 10)
	assert.Equal(t, []int{0, 1}, neighbors)
	assert.Equal(t, []int{2, 4}, children)

	neighbors, children = ComputeRetransmitPeers(2, 1, 10)
	assert.Equal(t, []int{0, 1}, neighbors)
	assert.Equal(t, []int{3, 5}, children)

	neighbors, children = ComputeRetransmitPeers(2, 2, 10)
	assert.Equal(t, []int{2, 3}, neighbors)
	assert.Equal(t, []int{6, 8}, children)

	// Hood 1 of layer 1 points past the partial last layer; its
	// children all fall out of range.
	neighbors, children = ComputeRetransmitPeers(2, 4, 10)
	assert.Equal(t, []int{4, 5}, neighbors)
	assert.Empty(t, children)

	// Last layer: neighborhood only.
	neighbors, children = ComputeRetransmitPeers(2, 9, 10)
	assert.Equal(t, []int{8, 9}, neighbors)
	assert.Empty(t, children)

	// Single layer: everyone is a neighbor.
	neighbors, children = ComputeRetransmitPeers(10, 3, 7)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, neighbors)
	assert.Empty(t, children)
}

func testPeers(n int) []*crds.ContactInfo {
	peers := make([]*crds.ContactInfo, n)
	for i := range peers {
		ci := crds.NewLocalhostContactInfo(identity.RandomPubkey(), 1)
		peers[i] = &ci
	}
	return peers
}

func TestSortedStakesWithIndexFloor(t *testing.T) {
	peers := testPeers(5)
	stakes := map[identity.Pubkey]uint64{
		peers[1].ID: 1000,
		peers[3].ID: 0,
	}
	ranked := SortedStakesWithIndex(peers, stakes)
	require.Len(t, ranked, len(peers))
	assert.Equal(t, StakeIndex{Stake: 1000, Index: 1}, ranked[0])
	for _, si := range ranked {
		assert.GreaterOrEqual(t, si.Stake, uint64(1), "index %d", si.Index)
	}
}

func TestSortedStakesDeterministicTieBreak(t *testing.T) {
	peers := testPeers(8)
	stakes := map[identity.Pubkey]uint64{}
	first := SortedStakesWithIndex(peers, stakes)
	second := SortedStakesWithIndex(peers, stakes)
	assert.Equal(t, first, second)

	// All stakes equal: order falls back to pubkey, descending, so
	// every node computes the same base ranking.
	for i := 1; i < len(first); i++ {
		a := peers[first[i-1].Index].ID
		b := peers[first[i].Index].ID
		assert.Equal(t, 1, bytesCompare(a, b), "position %d", i)
	}
}

func bytesCompare(a, b identity.Pubkey) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] > b[i] {
				return 1
			}
			return -1
		}
	}
	return 0
}

func TestStakeWeightedShuffleDeterministic(t *testing.T) {
	peers := testPeers(6)
	stakes := map[identity.Pubkey]uint64{peers[0].ID: 50, peers[2].ID: 900}
	ranked := SortedStakesWithIndex(peers, stakes)

	seed := [32]byte{42}
	a := StakeWeightedShuffle(ranked, seed)
	b := StakeWeightedShuffle(ranked, seed)
	assert.Equal(t, a, b)

	// Still a permutation of the ranking.
	seen := make(map[int]bool)
	for _, si := range a {
		assert.False(t, seen[si.Index])
		seen[si.Index] = true
	}
	assert.Len(t, seen, len(peers))
}

func TestShufflePeersAndIndexFindsSelf(t *testing.T) {
	peers := testPeers(9)
	ranked := SortedStakesWithIndex(peers, nil)
	self := peers[4].ID
	pos, shuffled := ShufflePeersAndIndex(self, peers, ranked, [32]byte{7})
	require.Len(t, shuffled, len(peers))
	assert.Equal(t, self, peers[shuffled[pos].Index].ID)
}
