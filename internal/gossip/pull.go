package gossip

import (
	"math/rand"

	"gossipnet/internal/crds"
	"gossipnet/internal/identity"
	"gossipnet/internal/shuffle"
)

const (
	// PullCrdsTimeoutMs is the fallback freshness window: values older
	// than this (and callers claiming clocks further out than this)
	// are excluded from pull reconciliation.
	PullCrdsTimeoutMs = 15_000

	// Purged value hashes are remembered for a few timeouts so they
	// keep appearing in our filters and are not immediately pulled
	// back.
	purgedRetentionMultiple = 5
)

type purgedHash struct {
	hash crds.Hash
	ts   uint64
}

// Pull runs the anti-entropy side: it builds filter-bearing requests
// for one peer per round and reconciles the responses.
type Pull struct {
	requestTimes map[identity.Pubkey]uint64
	purged       []purgedHash
}

func NewPull() *Pull {
	return &Pull{requestTimes: make(map[identity.Pubkey]uint64)}
}

// FilterRequest is one decoded pull request: who asked, and the bloom
// of what they already have.
type FilterRequest struct {
	Caller crds.CrdsValue
	Filter *CrdsFilter
}

func (p *Pull) pullOptions(table *crds.Crds, selfID identity.Pubkey, selfShred uint16, now uint64, stakes map[identity.Pubkey]uint64) ([]float64, []*crds.ContactInfo) {
	var weights []float64
	var peers []*crds.ContactInfo
	for _, info := range table.ContactInfos() {
		if info.ID == selfID || !crds.IsValidAddress(info.Gossip) {
			continue
		}
		if selfShred != 0 && info.ShredVersion != 0 && info.ShredVersion != selfShred {
			continue
		}
		req := p.requestTimes[info.ID]
		if req > now {
			req = now
		}
		since := uint32((now - req) / 1024)
		weights = append(weights, weight(since, stake(info.ID, stakes)))
		peers = append(peers, info)
	}
	return weights, peers
}

// NewPullRequest picks one eligible peer, stake-and-staleness weighted,
// and builds the full filter set to send it. Returns ErrNoPeers when
// the table has no one to ask.
func (p *Pull) NewPullRequest(table *crds.Crds, selfID identity.Pubkey, selfShred uint16, now uint64, stakes map[identity.Pubkey]uint64, bloomSize int, rng *rand.Rand) (*crds.ContactInfo, []*CrdsFilter, error) {
	weights, peers := p.pullOptions(table, selfID, selfShred, now, stakes)
	if len(peers) == 0 {
		return nil, nil, ErrNoPeers
	}
	ix := shuffle.SampleWeighted(rng, weights)
	if ix < 0 {
		return nil, nil, ErrNoPeers
	}
	return peers[ix], p.BuildFilters(table, bloomSize), nil
}

// BuildFilters covers the whole table plus recently purged hashes with
// a complete filter set.
func (p *Pull) BuildFilters(table *crds.Crds, bloomSize int) []*CrdsFilter {
	values := table.Values()
	filters := NewFilterSet(len(values)+len(p.purged), bloomSize)
	for _, v := range values {
		for _, f := range filters {
			f.Add(v.ValueHash)
		}
	}
	for _, ph := range p.purged {
		for _, f := range filters {
			f.Add(ph.hash)
		}
	}
	return filters
}

// MarkPullRequestCreationTime records when we last asked a peer, which
// de-weights it for the next rounds.
func (p *Pull) MarkPullRequestCreationTime(from identity.Pubkey, now uint64) {
	if now > p.requestTimes[from] {
		p.requestTimes[from] = now
	}
}

// RecordOldHash remembers an evicted value's hash so filters keep
// advertising it.
func (p *Pull) RecordOldHash(h crds.Hash, now uint64) {
	p.purged = append(p.purged, purgedHash{hash: h, ts: now})
}

// ProcessPullRequests inserts the callers' own contact records and
// refreshes their liveness.
func (p *Pull) ProcessPullRequests(table *crds.Crds, callers []crds.CrdsValue, now uint64) {
	for _, caller := range callers {
		owner := caller.Pubkey()
		if evicted, err := table.Insert(caller, now); err == nil && evicted != nil {
			p.RecordOldHash(evicted.ValueHash, now)
		}
		table.UpdateRecordTimestamp(owner, now)
	}
}

// GeneratePullResponses answers each request with the values the caller
// is missing, bounded to the mutual freshness window. A small random
// jitter widens the caller-wallclock cutoff so marginally newer values
// still propagate.
func (p *Pull) GeneratePullResponses(table *crds.Crds, requests []FilterRequest, now uint64, rng *rand.Rand) [][]crds.CrdsValue {
	jitter := uint64(rng.Int63n(PullCrdsTimeoutMs / 4))
	future := now + PullCrdsTimeoutMs
	past := uint64(0)
	if now > PullCrdsTimeoutMs {
		past = now - PullCrdsTimeoutMs
	}
	var recent []*crds.VersionedValue
	for _, v := range table.Values() {
		wc := v.Value.Wallclock()
		if wc < future && wc >= past {
			recent = append(recent, v)
		}
	}
	out := make([][]crds.CrdsValue, len(requests))
	for i, req := range requests {
		callerClock := req.Caller.Wallclock()
		if callerClock >= future || callerClock < past {
			continue
		}
		cutoff := callerClock + jitter
		var resp []crds.CrdsValue
		for _, v := range recent {
			if req.Filter.Contains(v.ValueHash) {
				continue
			}
			if v.Value.Wallclock() > cutoff {
				continue
			}
			resp = append(resp, v.Value)
		}
		out[i] = resp
	}
	return out
}

// FilterPullResponses splits a response by freshness: values inside
// their origin's timeout window, expired values whose origin we still
// track (admitted, but left to expire), and a count of values dropped
// outright.
func (p *Pull) FilterPullResponses(table *crds.Crds, timeouts map[identity.Pubkey]uint64, responses []crds.CrdsValue, now uint64) (fresh, expired []crds.CrdsValue, droppedTimeout int) {
	def := timeouts[identity.Pubkey{}]
	for _, r := range responses {
		owner := r.Pubkey()
		timeout, ok := timeouts[owner]
		if !ok {
			timeout = def
		}
		if now <= r.Wallclock()+timeout {
			fresh = append(fresh, r)
			continue
		}
		if table.GetContactInfo(owner) != nil {
			expired = append(expired, r)
		} else {
			droppedTimeout++
		}
	}
	return fresh, expired, droppedTimeout
}

// ProcessPullResponses inserts the surviving values. Fresh values also
// refresh their origin's liveness; expired ones are inserted without a
// refresh so the next purge pass reaps them unless renewed. A failed
// (stale) insert records the value's hash so filters advertise it and
// peers stop offering it back. Returns the number of failed inserts.
func (p *Pull) ProcessPullResponses(table *crds.Crds, from identity.Pubkey, fresh, expired []crds.CrdsValue, now uint64) int {
	failed := 0
	for _, r := range fresh {
		owner := r.Pubkey()
		evicted, err := table.Insert(r, now)
		if err != nil {
			failed++
			p.RecordOldHash(r.Hash(), now)
			continue
		}
		if evicted != nil {
			p.RecordOldHash(evicted.ValueHash, now)
		}
		table.UpdateRecordTimestamp(owner, now)
	}
	for _, r := range expired {
		evicted, err := table.Insert(r, 0)
		if err != nil {
			failed++
			p.RecordOldHash(r.Hash(), now)
			continue
		}
		if evicted != nil {
			p.RecordOldHash(evicted.ValueHash, now)
		}
	}
	table.UpdateRecordTimestamp(from, now)
	return failed
}

// MakeTimeouts derives per-origin purge timeouts: staked nodes live a
// full epoch, self never expires, everyone else gets the fixed default.
func (p *Pull) MakeTimeouts(selfID identity.Pubkey, stakes map[identity.Pubkey]uint64, epochMs uint64) map[identity.Pubkey]uint64 {
	timeouts := make(map[identity.Pubkey]uint64, len(stakes)+2)
	for pk, stake := range stakes {
		if stake > 0 {
			timeouts[pk] = epochMs
		}
	}
	timeouts[selfID] = ^uint64(0)
	timeouts[identity.Pubkey{}] = PullCrdsTimeoutMs
	return timeouts
}

// PurgeActive removes entries that outlived their timeout and remembers
// their hashes. Returns how many were removed.
func (p *Pull) PurgeActive(table *crds.Crds, now uint64, timeouts map[identity.Pubkey]uint64) int {
	labels := table.FindOldLabels(now, timeouts)
	for _, label := range labels {
		if removed := table.Remove(label); removed != nil {
			p.RecordOldHash(removed.ValueHash, now)
		}
	}
	return len(labels)
}

// PurgePurged forgets purged hashes recorded before minTs.
func (p *Pull) PurgePurged(minTs uint64) {
	kept := p.purged[:0]
	for _, ph := range p.purged {
		if ph.ts > minTs {
			kept = append(kept, ph)
		}
	}
	p.purged = kept
}
