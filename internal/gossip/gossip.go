// Package gossip implements epidemic reconciliation over a crds table:
// a push side that fans new values out to a rotating active set with
// prune-based duplicate suppression, and a pull side that fills gaps
// with bloom-filtered anti-entropy requests.
package gossip

import (
	"errors"
	"math"
	"math/rand"

	"gossipnet/internal/crds"
	"gossipnet/internal/identity"
)

var (
	ErrNoPeers               = errors.New("no peers to gossip with")
	ErrPushMessageTimeout    = errors.New("push message outside wallclock window")
	ErrPushMessageOldVersion = errors.New("push message older than stored version")
	ErrPruneMessageTimeout   = errors.New("prune message expired")
	ErrBadPruneDestination   = errors.New("prune message destined for another node")
)

const maxWeight = float64(1<<16 - 2)

// stake maps a raw balance to a selection weight: square root, capped,
// floored at 1 so unstaked peers still get picked.
func stake(pk identity.Pubkey, stakes map[identity.Pubkey]uint64) float64 {
	bal := float64(stakes[pk])
	if max := float64(^uint32(0)); bal > max {
		bal = max
	}
	s := math.Sqrt(bal)
	if s < 1 {
		return 1
	}
	return s
}

// weight scales stake by how long since the peer was last selected, so
// unattended peers climb until picked.
func weight(since uint32, stake float64) float64 {
	w := float64(since) * stake
	if w > maxWeight {
		return maxWeight
	}
	if w < 1 {
		return 1
	}
	return w
}

// CrdsGossip owns the table plus both reconciliation sides. Not safe
// for concurrent use; the engine wraps it in a single RWMutex.
type CrdsGossip struct {
	Crds         *crds.Crds
	ID           identity.Pubkey
	ShredVersion uint16
	Push         *Push
	Pull         *Pull
}

func NewCrdsGossip(id identity.Pubkey) *CrdsGossip {
	return &CrdsGossip{
		Crds: crds.NewCrds(),
		ID:   id,
		Push: NewPush(),
		Pull: NewPull(),
	}
}

func (g *CrdsGossip) SetShredVersion(v uint16) {
	g.ShredVersion = v
}

// ProcessPushMessage inserts pushed values and returns the origins of
// values that updated the table (candidates for route pruning), plus
// drop counts by reason.
func (g *CrdsGossip) ProcessPushMessage(from identity.Pubkey, values []crds.CrdsValue, now uint64) (origins []identity.Pubkey, numOld, numTimeout int) {
	for _, v := range values {
		origin := v.Pubkey()
		evicted, err := g.Push.ProcessPushMessage(g.Crds, from, v, now)
		switch {
		case errors.Is(err, ErrPushMessageTimeout):
			numTimeout++
		case errors.Is(err, ErrPushMessageOldVersion):
			numOld++
		case err == nil:
			if evicted != nil {
				g.Pull.RecordOldHash(evicted.ValueHash, now)
			}
			origins = append(origins, origin)
		}
	}
	return origins, numOld, numTimeout
}

// PruneReceivedCache resolves redundant ingress routes for the given
// origins. Returns peer -> origins that peer should stop relaying.
func (g *CrdsGossip) PruneReceivedCache(origins []identity.Pubkey, stakes map[identity.Pubkey]uint64, rng *rand.Rand) map[identity.Pubkey][]identity.Pubkey {
	out := make(map[identity.Pubkey][]identity.Pubkey)
	for _, origin := range origins {
		for _, peer := range g.Push.PruneReceivedCache(g.ID, origin, stakes, rng) {
			out[peer] = append(out[peer], origin)
		}
	}
	return out
}

// NewPushMessages drains queued values into per-peer batches.
func (g *CrdsGossip) NewPushMessages(now uint64) map[identity.Pubkey][]crds.CrdsValue {
	return g.Push.NewPushMessages(g.Crds, now)
}

// QueuePushValue inserts a locally authored value and queues it for
// push. Stale self-values are dropped silently.
func (g *CrdsGossip) QueuePushValue(v crds.CrdsValue, now uint64) {
	evicted, err := g.Crds.Insert(v, now)
	if err != nil {
		return
	}
	if evicted != nil {
		g.Pull.RecordOldHash(evicted.ValueHash, now)
	}
	g.Push.QueueValue(&v)
}

// ProcessPruneMsg applies a prune instruction addressed to this node.
func (g *CrdsGossip) ProcessPruneMsg(peer, destination identity.Pubkey, origins []identity.Pubkey, wallclock, now uint64) error {
	if now > wallclock+PruneMsgTimeoutMs {
		return ErrPruneMessageTimeout
	}
	if destination != g.ID {
		return ErrBadPruneDestination
	}
	g.Push.ProcessPruneMsg(g.ID, peer, origins)
	return nil
}

// RefreshPushActiveSet rotates the push active set against the current
// peer population.
func (g *CrdsGossip) RefreshPushActiveSet(now uint64, stakes map[identity.Pubkey]uint64, rng *rand.Rand) {
	networkSize := len(g.Crds.ContactInfos())
	g.Push.RefreshPushActiveSet(g.Crds, g.ID, g.ShredVersion, now, stakes, networkSize, NumActive, rng)
}

// NewPullRequest picks a pull target and builds its filters.
func (g *CrdsGossip) NewPullRequest(now uint64, stakes map[identity.Pubkey]uint64, bloomSize int, rng *rand.Rand) (*crds.ContactInfo, []*CrdsFilter, error) {
	return g.Pull.NewPullRequest(g.Crds, g.ID, g.ShredVersion, now, stakes, bloomSize, rng)
}

func (g *CrdsGossip) MarkPullRequestCreationTime(from identity.Pubkey, now uint64) {
	g.Pull.MarkPullRequestCreationTime(from, now)
}

func (g *CrdsGossip) ProcessPullRequests(callers []crds.CrdsValue, now uint64) {
	g.Pull.ProcessPullRequests(g.Crds, callers, now)
}

func (g *CrdsGossip) GeneratePullResponses(requests []FilterRequest, now uint64, rng *rand.Rand) [][]crds.CrdsValue {
	return g.Pull.GeneratePullResponses(g.Crds, requests, now, rng)
}

func (g *CrdsGossip) FilterPullResponses(timeouts map[identity.Pubkey]uint64, responses []crds.CrdsValue, now uint64) (fresh, expired []crds.CrdsValue, droppedTimeout int) {
	return g.Pull.FilterPullResponses(g.Crds, timeouts, responses, now)
}

func (g *CrdsGossip) ProcessPullResponses(from identity.Pubkey, fresh, expired []crds.CrdsValue, now uint64) int {
	return g.Pull.ProcessPullResponses(g.Crds, from, fresh, expired, now)
}

func (g *CrdsGossip) MakeTimeouts(stakes map[identity.Pubkey]uint64, epochMs uint64) map[identity.Pubkey]uint64 {
	return g.Pull.MakeTimeouts(g.ID, stakes, epochMs)
}

// Purge drops expired table entries and ages out bookkeeping. Returns
// the number of table entries removed.
func (g *CrdsGossip) Purge(now uint64, timeouts map[identity.Pubkey]uint64) int {
	removed := 0
	if now > PullCrdsTimeoutMs {
		removed = g.Pull.PurgeActive(g.Crds, now, timeouts)
	}
	if now > purgedRetentionMultiple*PullCrdsTimeoutMs {
		g.Pull.PurgePurged(now - purgedRetentionMultiple*PullCrdsTimeoutMs)
	}
	if now > PushMsgTimeoutMs {
		g.Push.PurgeOldReceivedCache(now - PushMsgTimeoutMs)
	}
	g.Push.PruneOldPendingPushMessages(g.Crds, now)
	return removed
}
