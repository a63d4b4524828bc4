// Package dataplane computes the layered broadcast tree used to fan
// large data out across the cluster with bounded per-node out-degree.
// Everything here is a pure function of (node count, fanout, index):
// every node derives the same tree independently, no message carries it.
package dataplane

import (
	"sort"

	"gossipnet/internal/crds"
	"gossipnet/internal/identity"
	"gossipnet/internal/shuffle"
)

// Locality is one node's view of the tree: its layer, the neighborhood
// it rebroadcasts to directly, and the next-layer indices it forwards
// to.
type Locality struct {
	LayerIx         int
	LayerBounds     [2]int
	NeighborBounds  [2]int
	NextLayerBounds [2]int
	HasNextLayer    bool
	NextLayerPeers  []int
}

// Describe returns the number of layers needed to cover nodes at the
// given fanout and the start index of each layer (with a trailing end
// sentinel). Layer 0 holds up to fanout nodes, layer k holds up to
// fanout^(k+1).
func Describe(nodes, fanout int) (int, []int) {
	if nodes == 0 {
		return 0, nil
	}
	if nodes <= fanout {
		return 1, []int{0, nodes}
	}
	layerIndices := []int{0, fanout}
	remaining := nodes - fanout
	numLayers := 1
	capacity := fanout * fanout
	for remaining > 0 {
		numLayers++
		if remaining > capacity {
			end := layerIndices[len(layerIndices)-1]
			layerIndices = append(layerIndices, end+capacity)
			remaining -= capacity
			capacity *= fanout
		} else {
			layerIndices = append(layerIndices, nodes)
			break
		}
	}
	return numLayers, layerIndices
}

// nextLayerPeers strides the hood's fanout^2 next-layer block so that
// sibling nodes cover disjoint index sets.
func nextLayerPeers(index, hoodIx, start, fanout int) []int {
	blockStart := start + hoodIx*fanout*fanout
	offset := index % fanout
	peers := make([]int, 0, fanout)
	for ix := 0; ix < fanout; ix++ {
		peers = append(peers, blockStart+offset+ix*fanout)
	}
	return peers
}

// Localize finds which layer index falls in and derives its
// neighborhood and forwarding set. layerIndices comes from Describe.
func Localize(layerIndices []int, fanout, index int) Locality {
	for layer := 0; layer+1 < len(layerIndices); layer++ {
		if loc, ok := localizeItem(layerIndices, fanout, index, layer); ok {
			return loc
		}
	}
	return Locality{}
}

func localizeItem(layerIndices []int, fanout, index, layer int) (Locality, bool) {
	end := len(layerIndices) - 2
	layerStart := layerIndices[layer]
	layerEnd := layerIndices[layer+1]
	if index < layerStart || index >= layerEnd {
		return Locality{}, false
	}
	hoodIx := (index - layerStart) / fanout
	loc := Locality{
		LayerIx:     layer,
		LayerBounds: [2]int{layerStart, layerEnd},
	}
	if layer == 0 {
		loc.NeighborBounds = loc.LayerBounds
	} else {
		loc.NeighborBounds = [2]int{
			layerStart + hoodIx*fanout,
			layerStart + (hoodIx+1)*fanout,
		}
	}
	if layer < end {
		loc.NextLayerBounds = [2]int{layerIndices[layer+1], layerIndices[layer+2]}
		loc.HasNextLayer = true
		loc.NextLayerPeers = nextLayerPeers(index, hoodIx, layerIndices[layer+1], fanout)
	}
	return loc, true
}

// ComputeRetransmitPeers resolves one node's neighborhood and children
// as positions into the stake-ordered peer list. Out-of-range children
// in a partial last layer are dropped.
func ComputeRetransmitPeers(fanout, myIndex, nodes int) (neighbors, children []int) {
	numLayers, layerIndices := Describe(nodes, fanout)
	if numLayers <= 1 {
		for i := 0; i < nodes; i++ {
			neighbors = append(neighbors, i)
		}
		return neighbors, nil
	}
	loc := Localize(layerIndices, fanout, myIndex)
	hi := loc.NeighborBounds[1]
	if hi > nodes {
		hi = nodes
	}
	for i := loc.NeighborBounds[0]; i < hi; i++ {
		neighbors = append(neighbors, i)
	}
	for _, ix := range loc.NextLayerPeers {
		if ix < nodes {
			children = append(children, ix)
		}
	}
	return neighbors, children
}

// StakeIndex pairs a peer's weight with its position in the peer list.
type StakeIndex struct {
	Stake uint64
	Index int
}

// SortedStakesWithIndex ranks peers by stake descending with a floor of
// 1, ties broken by pubkey so the order is identical on every node.
func SortedStakesWithIndex(peers []*crds.ContactInfo, stakes map[identity.Pubkey]uint64) []StakeIndex {
	out := make([]StakeIndex, len(peers))
	for i, p := range peers {
		stake := stakes[p.ID]
		if stake == 0 {
			stake = 1
		}
		out[i] = StakeIndex{Stake: stake, Index: i}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Stake != b.Stake {
			return a.Stake > b.Stake
		}
		pa, pb := peers[a.Index].ID, peers[b.Index].ID
		for k := range pa {
			if pa[k] != pb[k] {
				return pa[k] > pb[k]
			}
		}
		return false
	})
	return out
}

// StakeWeightedShuffle permutes a stake ranking with the round seed so
// layer 0 rotates between rounds while staying deterministic per seed.
func StakeWeightedShuffle(stakesAndIndex []StakeIndex, seed [32]byte) []StakeIndex {
	weights := make([]uint64, len(stakesAndIndex))
	for i, si := range stakesAndIndex {
		weights[i] = si.Stake
	}
	order := shuffle.WeightedShuffle(weights, seed)
	out := make([]StakeIndex, len(order))
	for i, ix := range order {
		out[i] = stakesAndIndex[ix]
	}
	return out
}

// ShufflePeersAndIndex shuffles the ranking and locates self in the
// result. Returns the position of id in the shuffled order.
func ShufflePeersAndIndex(id identity.Pubkey, peers []*crds.ContactInfo, stakesAndIndex []StakeIndex, seed [32]byte) (int, []StakeIndex) {
	shuffled := StakeWeightedShuffle(stakesAndIndex, seed)
	for i, si := range shuffled {
		if peers[si.Index].ID == id {
			return i, shuffled
		}
	}
	return 0, shuffled
}
