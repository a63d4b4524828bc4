package gossip

import (
	"encoding/binary"
	"math"
	"math/rand"

	"github.com/bits-and-blooms/bloom/v3"

	"gossipnet/internal/crds"
	"gossipnet/internal/identity"
	"gossipnet/internal/shuffle"
)

const (
	// NumActive bounds the rotating set of peers this node pushes to.
	NumActive = 30

	// PushFanout is how many active peers receive each pushed value.
	PushFanout = 6

	// PushMsgTimeoutMs rejects pushed values whose wallclock is too far
	// from local time in either direction.
	PushMsgTimeoutMs = 30_000

	// PruneMsgTimeoutMs bounds how old a prune message may be.
	PruneMsgTimeoutMs = 500

	// Pruning keeps enough ingress routes to cover this share of the
	// smaller of (self stake, origin stake), and never fewer than
	// pruneMinIngressNodes routes.
	pruneStakeThresholdPct = 0.15
	pruneMinIngressNodes   = 3

	// Per-round byte ceiling across all peers in NewPushMessages.
	pushMaxBytes = 64 * 1232

	// Prune blooms track at least this many origins per active peer.
	pruneBloomItems   = 500
	pruneBloomMaxBits = 1024 * 8 * 4
)

type activeEntry struct {
	peer   identity.Pubkey
	pruned *bloom.BloomFilter
}

type receivedEntry struct {
	pruned bool
	ts     uint64
}

// Push runs the epidemic side: values accepted from pushes are queued
// and re-pushed to a rotating stake-weighted active set, with per-peer
// prune blooms suppressing redundant routes per origin.
type Push struct {
	active        []activeEntry
	activeIx      map[identity.Pubkey]int
	pushMessages  map[crds.Label]crds.Hash
	receivedCache map[identity.Pubkey]map[identity.Pubkey]receivedEntry
	maxBytes      int
}

func NewPush() *Push {
	return &Push{
		activeIx:      make(map[identity.Pubkey]int),
		pushMessages:  make(map[crds.Label]crds.Hash),
		receivedCache: make(map[identity.Pubkey]map[identity.Pubkey]receivedEntry),
		maxBytes:      pushMaxBytes,
	}
}

func (p *Push) ActiveSetLen() int {
	return len(p.active)
}

// QueueValue queues a locally authored value for the next push round.
// The value must already be in the table.
func (p *Push) QueueValue(v *crds.CrdsValue) {
	p.pushMessages[v.Label()] = v.Hash()
}

// ProcessPushMessage records the ingress route and inserts the value.
// Returns the evicted entry, or an error when the value's wallclock is
// outside the window or the table already holds a newer version.
func (p *Push) ProcessPushMessage(table *crds.Crds, from identity.Pubkey, value crds.CrdsValue, now uint64) (*crds.VersionedValue, error) {
	wc := value.Wallclock()
	if wc > now+PushMsgTimeoutMs || wc+PushMsgTimeoutMs < now {
		return nil, ErrPushMessageTimeout
	}
	label := value.Label()
	origin := value.Pubkey()
	routes, ok := p.receivedCache[origin]
	if !ok {
		routes = make(map[identity.Pubkey]receivedEntry)
		p.receivedCache[origin] = routes
	}
	e := routes[from]
	e.ts = now
	routes[from] = e

	hash := value.Hash()
	evicted, err := table.Insert(value, now)
	if err != nil {
		return nil, ErrPushMessageOldVersion
	}
	p.pushMessages[label] = hash
	return evicted, nil
}

// NewPushMessages drains the pending queue into per-peer value lists,
// skipping peers whose prune bloom already covers the value's origin.
// Each origin maps to a consistent slot range in the active set so the
// propagation tree per origin stays stable between rounds.
func (p *Push) NewPushMessages(table *crds.Crds, now uint64) map[identity.Pubkey][]crds.CrdsValue {
	out := make(map[identity.Pubkey][]crds.CrdsValue)
	if len(p.active) == 0 {
		return out
	}
	totalBytes := 0
	var values []crds.CrdsValue
	for label, hash := range p.pushMessages {
		entry := table.Get(label)
		if entry == nil || entry.ValueHash != hash {
			continue
		}
		wc := entry.Value.Wallclock()
		if wc > now || wc+PushMsgTimeoutMs < now {
			continue
		}
		totalBytes += int(entry.Value.Size())
		if totalBytes > p.maxBytes {
			break
		}
		values = append(values, entry.Value)
	}
	for _, v := range values {
		origin := v.Pubkey()
		start := int(binary.LittleEndian.Uint64(origin[:8]) % uint64(len(p.active)))
		fanout := PushFanout
		if fanout > len(p.active) {
			fanout = len(p.active)
		}
		for i := 0; i < fanout; i++ {
			entry := &p.active[(start+i)%len(p.active)]
			if entry.pruned.Test(origin[:]) {
				continue
			}
			out[entry.peer] = append(out[entry.peer], v)
		}
		delete(p.pushMessages, v.Label())
	}
	return out
}

func newPruneBloom(networkSize int) *bloom.BloomFilter {
	items := pruneBloomItems
	if networkSize > items {
		items = networkSize
	}
	m, k := bloom.EstimateParameters(uint(items), filterFalseRate)
	if m > pruneBloomMaxBits {
		m = pruneBloomMaxBits
	}
	return bloom.New(m, k)
}

func (p *Push) pushOptions(table *crds.Crds, selfID identity.Pubkey, selfShred uint16, now uint64, stakes map[identity.Pubkey]uint64) ([]float64, []*crds.ContactInfo) {
	var weights []float64
	var peers []*crds.ContactInfo
	for _, v := range table.Values() {
		info, ok := v.Value.Data.(*crds.ContactInfo)
		if !ok {
			continue
		}
		if info.ID == selfID || !crds.IsValidAddress(info.Gossip) {
			continue
		}
		if selfShred != 0 && info.ShredVersion != 0 && info.ShredVersion != selfShred {
			continue
		}
		last := v.LocalTimestamp
		if last > now {
			last = now
		}
		since := uint32((now - last) / 1024)
		weights = append(weights, weight(since, stake(info.ID, stakes)))
		peers = append(peers, info)
	}
	return weights, peers
}

func computeNeed(numActive, activeLen, ratio int) int {
	need := numActive - activeLen + activeLen/ratio
	if need > numActive {
		return numActive
	}
	return need
}

// RefreshPushActiveSet rotates 1/ratio of the active set out and
// replaces it with a stake-weighted draw over current peers. Each new
// peer's prune bloom starts seeded with the peer itself so its own
// values are never pushed back at it.
func (p *Push) RefreshPushActiveSet(table *crds.Crds, selfID identity.Pubkey, selfShred uint16, now uint64, stakes map[identity.Pubkey]uint64, networkSize, ratio int, rng *rand.Rand) {
	need := computeNeed(NumActive, len(p.active), ratio)
	if need == 0 {
		return
	}
	weightsF, peers := p.pushOptions(table, selfID, selfShred, now, stakes)
	if len(peers) == 0 {
		return
	}
	weights := make([]uint64, len(weightsF))
	for i, w := range weightsF {
		weights[i] = uint64(w * 100)
	}
	var seed [32]byte
	rng.Read(seed[:])

	newItems := make(map[identity.Pubkey]*bloom.BloomFilter)
	for _, ix := range shuffle.WeightedShuffle(weights, seed) {
		if len(newItems) >= need {
			break
		}
		item := peers[ix]
		if _, ok := p.activeIx[item.ID]; ok {
			continue
		}
		if _, ok := newItems[item.ID]; ok {
			continue
		}
		b := newPruneBloom(networkSize)
		b.Add(item.ID[:])
		newItems[item.ID] = b
	}

	drop := len(p.active) / ratio
	if drop > 0 {
		keys := make([]identity.Pubkey, len(p.active))
		for i, e := range p.active {
			keys[i] = e.peer
		}
		rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
		for _, k := range keys[:drop] {
			p.removeActive(k)
		}
	}
	for pk, b := range newItems {
		if len(p.active) >= NumActive {
			break
		}
		p.activeIx[pk] = len(p.active)
		p.active = append(p.active, activeEntry{peer: pk, pruned: b})
	}
}

func (p *Push) removeActive(pk identity.Pubkey) {
	ix, ok := p.activeIx[pk]
	if !ok {
		return
	}
	last := len(p.active) - 1
	if ix != last {
		p.active[ix] = p.active[last]
		p.activeIx[p.active[ix].peer] = ix
	}
	p.active = p.active[:last]
	delete(p.activeIx, pk)
}

func pruneStakeThreshold(selfStake, originStake uint64) uint64 {
	min := selfStake
	if originStake < min {
		min = originStake
	}
	t := uint64(math.Round(pruneStakeThresholdPct * float64(min)))
	if t < 1 {
		return 1
	}
	return t
}

// PruneReceivedCache picks which ingress routes for origin to prune:
// it keeps a stake-weighted sample of routes covering the prune
// threshold (and at least the minimum route count), prunes the rest,
// and returns the pruned peers for outbound prune messages.
func (p *Push) PruneReceivedCache(selfID, origin identity.Pubkey, stakes map[identity.Pubkey]uint64, rng *rand.Rand) []identity.Pubkey {
	routes := p.receivedCache[origin]
	if len(routes) == 0 {
		return nil
	}
	var totalStake uint64
	for from, e := range routes {
		if !e.pruned {
			totalStake += stakes[from]
		}
	}
	threshold := pruneStakeThreshold(stakes[selfID], stakes[origin])
	if totalStake < threshold {
		return nil
	}

	type stakedPeer struct {
		pk    identity.Pubkey
		stake uint64
	}
	var staked []stakedPeer
	for from, e := range routes {
		if e.pruned {
			continue
		}
		if s := stakes[from]; s > 0 {
			staked = append(staked, stakedPeer{pk: from, stake: s})
		}
	}
	weights := make([]uint64, len(staked))
	for i, sp := range staked {
		weights[i] = sp.stake
	}
	var seed [32]byte
	rng.Read(seed[:])

	keep := map[identity.Pubkey]bool{origin: true}
	var stakeSum uint64
	for _, ix := range shuffle.WeightedShuffle(weights, seed) {
		sp := staked[ix]
		if sp.pk == origin {
			continue
		}
		keep[sp.pk] = true
		stakeSum += sp.stake
		if stakeSum >= threshold && len(keep) >= pruneMinIngressNodes {
			break
		}
	}

	var pruned []identity.Pubkey
	for from, e := range routes {
		if keep[from] {
			continue
		}
		e.pruned = true
		routes[from] = e
		pruned = append(pruned, from)
	}
	return pruned
}

// ProcessPruneMsg marks origins as pruned for peer: future pushes of
// those origins' values skip that peer.
func (p *Push) ProcessPruneMsg(selfID, peer identity.Pubkey, origins []identity.Pubkey) {
	ix, ok := p.activeIx[peer]
	if !ok {
		return
	}
	for _, origin := range origins {
		if origin == selfID {
			continue
		}
		p.active[ix].pruned.Add(origin[:])
	}
}

// PurgeOldReceivedCache forgets ingress routes not seen since minTime.
func (p *Push) PurgeOldReceivedCache(minTime uint64) {
	for origin, routes := range p.receivedCache {
		for from, e := range routes {
			if e.ts <= minTime {
				delete(routes, from)
			}
		}
		if len(routes) == 0 {
			delete(p.receivedCache, origin)
		}
	}
}

// PruneOldPendingPushMessages drops queued pushes whose backing value
// is gone, replaced, or expired.
func (p *Push) PruneOldPendingPushMessages(table *crds.Crds, now uint64) {
	for label, hash := range p.pushMessages {
		entry := table.Get(label)
		if entry == nil || entry.ValueHash != hash || entry.Value.Wallclock()+PushMsgTimeoutMs < now {
			delete(p.pushMessages, label)
		}
	}
}
