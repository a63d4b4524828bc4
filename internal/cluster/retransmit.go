package cluster

import (
	"gossipnet/internal/crds"
	"gossipnet/internal/dataplane"
	"gossipnet/internal/identity"
)

// DataPlaneFanout is the default broadcast-tree out-degree.
const DataPlaneFanout = 200

// RetransmitTargets resolves this node's position in the broadcast tree
// for one dissemination round: the neighborhood it rebroadcasts to and
// the next-layer children it forwards to. The seed must be derived from
// the round's slot and leader so every node computes the same tree.
func (ci *ClusterInfo) RetransmitTargets(stakes map[identity.Pubkey]uint64, fanout int, seed [32]byte) (neighbors, children []crds.ContactInfo) {
	self := ci.MyContactInfo()
	peers := ci.RetransmitPeers()
	nodes := make([]*crds.ContactInfo, 0, len(peers)+1)
	nodes = append(nodes, &self)
	for i := range peers {
		nodes = append(nodes, &peers[i])
	}
	ranked := dataplane.SortedStakesWithIndex(nodes, stakes)
	myIndex, shuffled := dataplane.ShufflePeersAndIndex(self.ID, nodes, ranked, seed)
	neighborIx, childIx := dataplane.ComputeRetransmitPeers(fanout, myIndex, len(shuffled))
	for _, ix := range neighborIx {
		if ix == myIndex {
			continue
		}
		neighbors = append(neighbors, *nodes[shuffled[ix].Index])
	}
	for _, ix := range childIx {
		children = append(children, *nodes[shuffled[ix].Index])
	}
	return neighbors, children
}
