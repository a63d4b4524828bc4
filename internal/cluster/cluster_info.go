// Package cluster runs the gossip control plane: a ClusterInfo holding
// the node's view of its peers, the engine loops that exchange protocol
// messages over UDP, and the service bundling both behind a handle.
package cluster

import (
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"gossipnet/internal/budget"
	"gossipnet/internal/crds"
	"gossipnet/internal/gossip"
	"gossipnet/internal/identity"
	"gossipnet/internal/pingpong"
	"gossipnet/internal/proto"
)

const (
	// Address-ownership proofs stay valid this long before a pair must
	// re-verify, and the cache holds this many (pubkey, addr) pairs.
	pingCacheTTL      = 1280 * time.Second
	pingCacheCapacity = 65536

	// MaxSnapshotHashes bounds one snapshot-hashes record so it cannot
	// outgrow a packet.
	MaxSnapshotHashes = 16

	// One epoch-slots ring entry must encode within a packet alongside
	// the value framing (signature plus kind tag).
	maxEpochSlotsPayload = proto.MaxProtocolPayloadSize - identity.SignatureSize - 4

	// Ballpark epoch length in slots, used only to judge whether the
	// epoch-slots ring still covers a full epoch.
	slotsPerEpoch = 432_000
)

// StakesProvider supplies the stake distribution weighting peer
// selection and the epoch length scaling purge timeouts. Implementations
// must be safe for concurrent use; both loops query it every round.
type StakesProvider interface {
	Stakes() map[identity.Pubkey]uint64
	EpochDurationMs() uint64
}

// StaticStakes is a fixed stake table.
type StaticStakes struct {
	Nodes   map[identity.Pubkey]uint64
	EpochMs uint64
}

func (s *StaticStakes) Stakes() map[identity.Pubkey]uint64 { return s.Nodes }

func (s *StaticStakes) EpochDurationMs() uint64 {
	if s.EpochMs == 0 {
		return gossip.PullCrdsTimeoutMs
	}
	return s.EpochMs
}

// ClusterInfo is the node's live view of the cluster: the replicated
// table with both reconciliation sides, the node's own advertised
// record, and the caches gating who it will talk to.
type ClusterInfo struct {
	mu     sync.RWMutex
	gossip *gossip.CrdsGossip
	rng    *rand.Rand

	keypair *identity.Keypair

	contactMu sync.RWMutex
	myContact crds.ContactInfo

	entrypointMu sync.Mutex
	entrypoint   *crds.ContactInfo

	pingMu    sync.Mutex
	pingCache *pingpong.Cache

	// pingGateEnabled gates pull-request service on a proven source
	// address. Disabled, every caller passes but challenges are still
	// issued, so the cache stays warm for re-enabling.
	pingGateEnabled atomic.Bool

	outboundBudget *budget.DataBudget
	stats          GossipStats
	log            *logrus.Entry
}

// New builds a ClusterInfo advertising contact, signed by kp. The
// node's own record is inserted and queued for push immediately.
func New(contact crds.ContactInfo, kp *identity.Keypair) (*ClusterInfo, error) {
	if contact.ID != kp.Pubkey() {
		return nil, fmt.Errorf("contact info identity %s does not match keypair %s", contact.ID, kp.Pubkey())
	}
	cache, err := pingpong.NewCache(pingCacheTTL, pingCacheCapacity)
	if err != nil {
		return nil, err
	}
	ci := &ClusterInfo{
		gossip:         gossip.NewCrdsGossip(contact.ID),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		keypair:        kp,
		myContact:      contact,
		pingCache:      cache,
		outboundBudget: budget.New(),
		log:            logrus.WithField("node", contact.ID),
	}
	ci.gossip.SetShredVersion(contact.ShredVersion)
	ci.pingGateEnabled.Store(true)
	ci.InsertSelf()
	ci.PushSelf(nil)
	return ci, nil
}

// SetPingGate toggles enforcement of the pull-request address check.
func (ci *ClusterInfo) SetPingGate(enabled bool) {
	ci.pingGateEnabled.Store(enabled)
}

func (ci *ClusterInfo) ID() identity.Pubkey {
	return ci.keypair.Pubkey()
}

// Stats exposes the engine counters, for periodic submission and
// external collectors.
func (ci *ClusterInfo) Stats() *GossipStats {
	return &ci.stats
}

// MyContactInfo returns a copy of the node's own advertised record.
func (ci *ClusterInfo) MyContactInfo() crds.ContactInfo {
	ci.contactMu.RLock()
	defer ci.contactMu.RUnlock()
	return ci.myContact
}

func (ci *ClusterInfo) MyShredVersion() uint16 {
	ci.contactMu.RLock()
	defer ci.contactMu.RUnlock()
	return ci.myContact.ShredVersion
}

// UpdateContactInfo edits the node's own record in place and republishes
// it. The identity must not change.
func (ci *ClusterInfo) UpdateContactInfo(modify func(*crds.ContactInfo)) error {
	ci.contactMu.Lock()
	id := ci.myContact.ID
	modify(&ci.myContact)
	changed := ci.myContact.ID != id
	ci.contactMu.Unlock()
	if changed {
		return fmt.Errorf("contact info update must keep identity %s", id)
	}
	ci.InsertSelf()
	return nil
}

// InsertSelf stores the node's own signed record in the table.
func (ci *ClusterInfo) InsertSelf() {
	info := ci.MyContactInfo()
	value := crds.NewSignedValue(&info, ci.keypair)
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.gossip.Crds.Insert(value, crds.Timestamp())
}

// PushSelf refreshes the node's own record, queues it for push, and
// rotates the push active set against the current peers.
func (ci *ClusterInfo) PushSelf(stakes map[identity.Pubkey]uint64) {
	now := crds.Timestamp()
	ci.contactMu.Lock()
	ci.myContact.Wallclock = now
	info := ci.myContact
	ci.contactMu.Unlock()
	value := crds.NewSignedValue(&info, ci.keypair)
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.gossip.RefreshPushActiveSet(now, stakes, ci.rng)
	ci.gossip.QueuePushValue(value, now)
}

// InsertInfo seeds the table with a known peer's record. The value is
// signed locally, so it holds only until the peer publishes its own.
func (ci *ClusterInfo) InsertInfo(info crds.ContactInfo) {
	value := crds.NewSignedValue(&info, ci.keypair)
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.gossip.Crds.Insert(value, crds.Timestamp())
}

// SetEntrypoint names the bootstrap peer to pull from until the cluster
// is discovered.
func (ci *ClusterInfo) SetEntrypoint(entrypoint crds.ContactInfo) {
	ci.entrypointMu.Lock()
	defer ci.entrypointMu.Unlock()
	ci.entrypoint = &entrypoint
}

// Entrypoint returns the configured bootstrap peer, if any.
func (ci *ClusterInfo) Entrypoint() (crds.ContactInfo, bool) {
	ci.entrypointMu.Lock()
	defer ci.entrypointMu.Unlock()
	if ci.entrypoint == nil {
		return crds.ContactInfo{}, false
	}
	return *ci.entrypoint, true
}

// LookupContactInfo returns the stored record for pk.
func (ci *ClusterInfo) LookupContactInfo(pk identity.Pubkey) (crds.ContactInfo, bool) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	if info := ci.gossip.Crds.GetContactInfo(pk); info != nil {
		return *info, true
	}
	return crds.ContactInfo{}, false
}

// LookupContactInfoByGossipAddr finds the record advertising addr.
func (ci *ClusterInfo) LookupContactInfoByGossipAddr(addr netip.AddrPort) (crds.ContactInfo, bool) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	for _, info := range ci.gossip.Crds.ContactInfos() {
		if info.Gossip == addr {
			return *info, true
		}
	}
	return crds.ContactInfo{}, false
}

func (ci *ClusterInfo) shredVersionOf(pk identity.Pubkey) uint16 {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	if info := ci.gossip.Crds.GetContactInfo(pk); info != nil {
		return info.ShredVersion
	}
	return 0
}

// adoptShredVersion takes over the shred version of an entrypoint once
// its record has been pulled, so a freshly started node joins the right
// partition.
func (ci *ClusterInfo) adoptShredVersion(entrypoint crds.ContactInfo) {
	ci.log.Infof("setting shred version to %d from entrypoint %s", entrypoint.ShredVersion, entrypoint.ID)
	ci.contactMu.Lock()
	ci.myContact.ShredVersion = entrypoint.ShredVersion
	ci.contactMu.Unlock()
	ci.mu.Lock()
	ci.gossip.SetShredVersion(entrypoint.ShredVersion)
	ci.mu.Unlock()
	ci.InsertSelf()
	ci.SetEntrypoint(entrypoint)
}

// PushMessage queues an already-signed value for the next push round.
func (ci *ClusterInfo) PushMessage(value crds.CrdsValue) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.gossip.QueuePushValue(value, crds.Timestamp())
}

// PushLowestSlot advertises the lowest slot this node still serves, if
// it moved up.
func (ci *ClusterInfo) PushLowestSlot(min uint64) {
	now := crds.Timestamp()
	selfID := ci.ID()
	ci.mu.Lock()
	defer ci.mu.Unlock()
	last := uint64(0)
	if v := ci.gossip.Crds.Lookup(crds.Label{Kind: crds.KindLowestSlot, Key: selfID}); v != nil {
		if ls, ok := v.Data.(*crds.LowestSlot); ok {
			last = ls.Lowest
		}
	}
	if min <= last {
		return
	}
	value := crds.NewSignedValue(&crds.LowestSlot{
		From:      selfID,
		Lowest:    min,
		Wallclock: now,
	}, ci.keypair)
	ci.gossip.QueuePushValue(value, now)
}

// PushSnapshotHashes advertises the snapshots this node can serve.
func (ci *ClusterInfo) PushSnapshotHashes(hashes []crds.SlotHash) {
	if len(hashes) > MaxSnapshotHashes {
		ci.log.Warnf("snapshot hashes too large, ignored: %d", len(hashes))
		return
	}
	value := crds.NewSignedValue(&crds.SnapshotHashes{
		From:      ci.ID(),
		Hashes:    hashes,
		Wallclock: crds.Timestamp(),
	}, ci.keypair)
	ci.PushMessage(value)
}

// PushAccountsHashes advertises accounts-state hashes.
func (ci *ClusterInfo) PushAccountsHashes(hashes []crds.SlotHash) {
	if len(hashes) > MaxSnapshotHashes {
		ci.log.Warnf("accounts hashes too large, ignored: %d", len(hashes))
		return
	}
	value := crds.NewSignedValue(&crds.AccountsHashes{
		From:      ci.ID(),
		Hashes:    hashes,
		Wallclock: crds.Timestamp(),
	}, ci.keypair)
	ci.PushMessage(value)
}

// PushVote publishes a vote transaction under one of the node's vote
// slots. towerIndex is the vote's depth in the caller's tower and picks
// which slot is overwritten once all are taken.
func (ci *ClusterInfo) PushVote(towerIndex int, transaction []byte) {
	now := crds.Timestamp()
	selfID := ci.ID()
	ci.mu.Lock()
	defer ci.mu.Unlock()
	var current []*crds.CrdsValue
	for ix := 0; ix < crds.MaxVotes; ix++ {
		label := crds.Label{Kind: crds.KindVote, Index: uint8(ix), Key: selfID}
		if v := ci.gossip.Crds.Lookup(label); v != nil {
			current = append(current, v)
		}
	}
	vote := &crds.Vote{
		Index:       computeVoteIndex(towerIndex, current),
		From:        selfID,
		Transaction: transaction,
		Wallclock:   now,
	}
	ci.gossip.QueuePushValue(crds.NewSignedValue(vote, ci.keypair), now)
	ci.stats.pushVoteCount.Add(1)
}

// SendVoteToTPU sends a serialized vote transaction straight to a TPU
// address over conn, bypassing gossip.
func (ci *ClusterInfo) SendVoteToTPU(conn *net.UDPConn, transaction []byte, tpu netip.AddrPort) error {
	if !crds.IsValidAddress(tpu) {
		return fmt.Errorf("invalid tpu address %s", tpu)
	}
	_, err := conn.WriteToUDPAddrPort(transaction, tpu)
	return err
}

// computeVoteIndex picks the slot for a new vote: the lowest free one,
// else the occupied slot matching the tower position, with the oldest
// vote evicted when the tower itself is full.
func computeVoteIndex(towerIndex int, votes []*crds.CrdsValue) uint8 {
	used := make(map[uint8]bool, len(votes))
	for _, v := range votes {
		used[v.Label().Index] = true
	}
	for ix := 0; ix < crds.MaxVotes; ix++ {
		if !used[uint8(ix)] {
			return uint8(ix)
		}
	}
	sort.Slice(votes, func(i, j int) bool {
		return votes[i].Wallclock() < votes[j].Wallclock()
	})
	if towerIndex+1 >= len(votes) {
		return votes[0].Label().Index
	}
	return votes[towerIndex].Label().Index
}

func (ci *ClusterInfo) lookupEpochSlots(ix uint8, now uint64) crds.EpochSlots {
	label := crds.Label{Kind: crds.KindEpochSlots, Index: ix, Key: ci.ID()}
	if v := ci.gossip.Crds.Lookup(label); v != nil {
		if es, ok := v.Data.(*crds.EpochSlots); ok {
			return es.Clone()
		}
	}
	return crds.NewEpochSlots(ix, ci.ID(), now)
}

// PushEpochSlots publishes completed slots across the node's ring of
// epoch-slots records, continuing from the freshest entry and rotating
// to the next index as entries fill.
func (ci *ClusterInfo) PushEpochSlots(update []uint64) {
	if len(update) == 0 {
		return
	}
	start := time.Now()
	ci.mu.Lock()
	defer ci.mu.Unlock()
	type ringEntry struct {
		wallclock uint64
		first     uint64
		index     uint8
	}
	var current []ringEntry
	for ix := 0; ix < crds.MaxEpochSlots; ix++ {
		label := crds.Label{Kind: crds.KindEpochSlots, Index: uint8(ix), Key: ci.ID()}
		v := ci.gossip.Crds.Lookup(label)
		if v == nil {
			continue
		}
		es, ok := v.Data.(*crds.EpochSlots)
		if !ok || len(es.Slots) == 0 {
			continue
		}
		current = append(current, ringEntry{es.Wallclock, es.Slots[0].First, uint8(ix)})
	}
	addMeasure(&ci.stats.epochSlotsLookupUs, start)
	sort.Slice(current, func(i, j int) bool {
		a, b := current[i], current[j]
		if a.wallclock != b.wallclock {
			return a.wallclock < b.wallclock
		}
		if a.first != b.first {
			return a.first < b.first
		}
		return a.index < b.index
	})
	maxSlot := uint64(0)
	for _, s := range update {
		if s > maxSlot {
			maxSlot = s
		}
	}
	minSlot := maxSlot
	for _, e := range current {
		if e.first < minSlot {
			minSlot = e.first
		}
	}
	if len(current) >= crds.MaxEpochSlots && maxSlot-minSlot < slotsPerEpoch {
		ci.log.Warnf("epoch slots ring covers only %d slots across %d entries", maxSlot-minSlot, len(current))
	}
	epochSlotIndex := 0
	if n := len(current); n > 0 {
		epochSlotIndex = int(current[n-1].index)
	}
	reset := false
	num := 0
	for num < len(update) {
		ix := uint8(epochSlotIndex % crds.MaxEpochSlots)
		now := crds.Timestamp()
		var slots crds.EpochSlots
		if reset {
			slots = crds.NewEpochSlots(ix, ci.ID(), now)
		} else {
			slots = ci.lookupEpochSlots(ix, now)
		}
		n := slots.Fill(update[num:], now, maxEpochSlotsPayload)
		if n > 0 {
			ci.gossip.QueuePushValue(crds.NewSignedValue(&slots, ci.keypair), now)
			ci.stats.epochSlotsPushCount.Add(1)
		}
		num += n
		if num < len(update) {
			epochSlotIndex++
			reset = true
		}
	}
}

// GetVotes returns vote transactions inserted after the since cursor,
// their table labels, and the new cursor.
func (ci *ClusterInfo) GetVotes(since uint64) ([]crds.Label, [][]byte, uint64) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	maxTs := since
	var labels []crds.Label
	var txs [][]byte
	for _, e := range ci.gossip.Crds.Values() {
		if e.InsertTimestamp <= since {
			continue
		}
		if e.InsertTimestamp > maxTs {
			maxTs = e.InsertTimestamp
		}
		if vote, ok := e.Value.Data.(*crds.Vote); ok {
			labels = append(labels, e.Value.Label())
			txs = append(txs, vote.Transaction)
		}
	}
	return labels, txs, maxTs
}

// GetEpochSlotsSince returns epoch-slots records inserted after the
// since cursor (0 for all) and the new cursor.
func (ci *ClusterInfo) GetEpochSlotsSince(since uint64) ([]crds.EpochSlots, uint64) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	maxTs := since
	var out []crds.EpochSlots
	for _, e := range ci.gossip.Crds.Values() {
		if e.InsertTimestamp <= since && since != 0 {
			continue
		}
		es, ok := e.Value.Data.(*crds.EpochSlots)
		if !ok {
			continue
		}
		if e.InsertTimestamp > maxTs {
			maxTs = e.InsertTimestamp
		}
		out = append(out, es.Clone())
	}
	return out, maxTs
}

// NodeSlotHash attributes one advertised state hash to its node.
type NodeSlotHash struct {
	ID   identity.Pubkey
	Hash crds.Hash
}

// GetSnapshotHash returns every node advertising a snapshot of slot,
// with the hash it claims.
func (ci *ClusterInfo) GetSnapshotHash(slot uint64) []NodeSlotHash {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	var out []NodeSlotHash
	for _, e := range ci.gossip.Crds.Values() {
		sh, ok := e.Value.Data.(*crds.SnapshotHashes)
		if !ok {
			continue
		}
		for _, h := range sh.Hashes {
			if h.Slot == slot {
				out = append(out, NodeSlotHash{ID: sh.From, Hash: h.Hash})
				break
			}
		}
	}
	return out
}

// GetSnapshotHashesForNode returns the snapshots pk advertises.
func (ci *ClusterInfo) GetSnapshotHashesForNode(pk identity.Pubkey) ([]crds.SlotHash, bool) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	v := ci.gossip.Crds.Lookup(crds.Label{Kind: crds.KindSnapshotHashes, Key: pk})
	if v == nil {
		return nil, false
	}
	sh, ok := v.Data.(*crds.SnapshotHashes)
	if !ok {
		return nil, false
	}
	return append([]crds.SlotHash(nil), sh.Hashes...), true
}

// GetAccountsHashesForNode returns the accounts hashes pk advertises.
func (ci *ClusterInfo) GetAccountsHashesForNode(pk identity.Pubkey) ([]crds.SlotHash, bool) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	v := ci.gossip.Crds.Lookup(crds.Label{Kind: crds.KindAccountsHashes, Key: pk})
	if v == nil {
		return nil, false
	}
	ah, ok := v.Data.(*crds.AccountsHashes)
	if !ok {
		return nil, false
	}
	return append([]crds.SlotHash(nil), ah.Hashes...), true
}

// GetLowestSlotForNode returns the lowest slot pk still serves.
func (ci *ClusterInfo) GetLowestSlotForNode(pk identity.Pubkey) (uint64, bool) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	v := ci.gossip.Crds.Lookup(crds.Label{Kind: crds.KindLowestSlot, Key: pk})
	if v == nil {
		return 0, false
	}
	ls, ok := v.Data.(*crds.LowestSlot)
	if !ok {
		return 0, false
	}
	return ls.Lowest, true
}

// GetNodeVersion returns the software version pk advertises, falling
// back to the legacy record for old peers.
func (ci *ClusterInfo) GetNodeVersion(pk identity.Pubkey) *crds.Version {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	if v := ci.gossip.Crds.Lookup(crds.Label{Kind: crds.KindVersion, Key: pk}); v != nil {
		if ver, ok := v.Data.(*crds.Version); ok {
			out := *ver
			return &out
		}
	}
	if v := ci.gossip.Crds.Lookup(crds.Label{Kind: crds.KindLegacyVersion, Key: pk}); v != nil {
		if ver, ok := v.Data.(*crds.LegacyVersion); ok {
			return &crds.Version{
				From:      ver.From,
				Wallclock: ver.Wallclock,
				Major:     ver.Major,
				Minor:     ver.Minor,
				Patch:     ver.Patch,
			}
		}
	}
	return nil
}

// PeerInfo pairs a peer's record with the local time we last heard
// anything about it.
type PeerInfo struct {
	Info        crds.ContactInfo
	LastUpdated uint64
}

// AllPeers snapshots every known node, spies included.
func (ci *ClusterInfo) AllPeers() []PeerInfo {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	var out []PeerInfo
	for _, e := range ci.gossip.Crds.Values() {
		if info, ok := e.Value.Data.(*crds.ContactInfo); ok {
			out = append(out, PeerInfo{Info: *info, LastUpdated: e.LocalTimestamp})
		}
	}
	return out
}

func (ci *ClusterInfo) peersWhere(keep func(*crds.ContactInfo) bool) []crds.ContactInfo {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	var out []crds.ContactInfo
	for _, info := range ci.gossip.Crds.ContactInfos() {
		if keep(info) {
			out = append(out, *info)
		}
	}
	return out
}

// AllRPCPeers returns the nodes serving RPC, any shred version.
func (ci *ClusterInfo) AllRPCPeers() []crds.ContactInfo {
	selfID := ci.ID()
	return ci.peersWhere(func(info *crds.ContactInfo) bool {
		return info.ID != selfID && crds.IsValidAddress(info.RPC)
	})
}

// GossipPeers returns the nodes reachable over gossip. Shred version is
// not considered; spy nodes never set one.
func (ci *ClusterInfo) GossipPeers() []crds.ContactInfo {
	selfID := ci.ID()
	return ci.peersWhere(func(info *crds.ContactInfo) bool {
		return info.ID != selfID && crds.IsValidAddress(info.Gossip)
	})
}

// AllTVUPeers returns the nodes serving the data plane, any shred
// version.
func (ci *ClusterInfo) AllTVUPeers() []crds.ContactInfo {
	selfID := ci.ID()
	return ci.peersWhere(func(info *crds.ContactInfo) bool {
		return info.ID != selfID && crds.IsValidAddress(info.TVU)
	})
}

// TVUPeers returns the data-plane nodes on this node's shred version.
func (ci *ClusterInfo) TVUPeers() []crds.ContactInfo {
	selfID := ci.ID()
	shred := ci.MyShredVersion()
	return ci.peersWhere(func(info *crds.ContactInfo) bool {
		return info.ID != selfID &&
			info.ShredVersion == shred &&
			crds.IsValidAddress(info.TVU)
	})
}

// RetransmitPeers returns the nodes eligible for the retransmit tree.
func (ci *ClusterInfo) RetransmitPeers() []crds.ContactInfo {
	selfID := ci.ID()
	shred := ci.MyShredVersion()
	return ci.peersWhere(func(info *crds.ContactInfo) bool {
		return info.ID != selfID &&
			info.ShredVersion == shred &&
			crds.IsValidAddress(info.TVU) &&
			crds.IsValidAddress(info.TVUForwards)
	})
}

// RepairPeers returns the nodes likely able to serve a repair of slot.
func (ci *ClusterInfo) RepairPeers(slot uint64) []crds.ContactInfo {
	var out []crds.ContactInfo
	for _, info := range ci.TVUPeers() {
		if !crds.IsValidAddress(info.ServeRepair) {
			continue
		}
		if lowest, ok := ci.GetLowestSlotForNode(info.ID); ok && lowest > slot {
			continue
		}
		out = append(out, info)
	}
	return out
}

// TPUPeers returns the nodes accepting transactions.
func (ci *ClusterInfo) TPUPeers() []crds.ContactInfo {
	selfID := ci.ID()
	return ci.peersWhere(func(info *crds.ContactInfo) bool {
		return info.ID != selfID && crds.IsValidAddress(info.TPU)
	})
}

// IsSpyNode reports whether a record belongs to an observer that cannot
// serve any plane of the cluster.
func IsSpyNode(info *crds.ContactInfo) bool {
	return !crds.IsValidAddress(info.TPU) ||
		!crds.IsValidAddress(info.Gossip) ||
		!crds.IsValidAddress(info.TVU)
}

func addrCell(defaultIP netip.Addr, addr netip.AddrPort) string {
	if !crds.IsValidAddress(addr) {
		return "none"
	}
	if addr.Addr() == defaultIP {
		return strconv.Itoa(int(addr.Port()))
	}
	return addr.String()
}

func saturatingAge(now, then uint64) uint64 {
	if then > now {
		return 0
	}
	return now - then
}

// ContactInfoTrace renders the known cluster as a table, one row per
// node on this node's shred version.
func (ci *ClusterInfo) ContactInfoTrace() string {
	now := crds.Timestamp()
	myID := ci.ID()
	myShred := ci.MyShredVersion()
	spies, differentShred := 0, 0
	var rows strings.Builder
	numRows := 0
	for _, peer := range ci.AllPeers() {
		node := peer.Info
		if IsSpyNode(&node) {
			spies++
		}
		if myShred != 0 && node.ShredVersion != 0 && node.ShredVersion != myShred {
			differentShred++
			continue
		}
		version := "-"
		if v := ci.GetNodeVersion(node.ID); v != nil {
			version = v.String()
		}
		me := ""
		if node.ID == myID {
			me = "me"
		}
		ip := node.Gossip.Addr()
		ipCell := "none"
		if crds.IsValidAddress(node.Gossip) {
			ipCell = ip.String()
		}
		fmt.Fprintf(&rows, "%-15s %-2s| %5d | %-44s |%9s| %-5s| %-5s| %-5s| %-5s| %-5s| %-5s| %-5s| %d\n",
			ipCell, me, saturatingAge(now, peer.LastUpdated), node.ID, version,
			addrCell(ip, node.Gossip), addrCell(ip, node.TPU), addrCell(ip, node.TPUForwards),
			addrCell(ip, node.TVU), addrCell(ip, node.TVUForwards), addrCell(ip, node.Repair),
			addrCell(ip, node.ServeRepair), node.ShredVersion)
		numRows++
	}
	var b strings.Builder
	b.WriteString("IP Address      |Age(ms)| Node identifier                              | Version |Gossip| TPU  |TPUfwd| TVU  |TVUfwd|Repair|ServeR|ShredVer\n")
	b.WriteString("----------------+-------+----------------------------------------------+---------+------+------+------+------+------+------+------+--------\n")
	b.WriteString(rows.String())
	validators := numRows - spies
	if validators < 0 {
		validators = 0
	}
	fmt.Fprintf(&b, "Nodes: %d", validators)
	if spies > 0 {
		fmt.Fprintf(&b, "\nSpies: %d", spies)
	}
	if differentShred > 0 {
		fmt.Fprintf(&b, "\nNodes with different shred version: %d", differentShred)
	}
	return b.String()
}

// RPCInfoTrace renders the RPC-serving nodes as a table.
func (ci *ClusterInfo) RPCInfoTrace() string {
	now := crds.Timestamp()
	myID := ci.ID()
	myShred := ci.MyShredVersion()
	var rows strings.Builder
	numRows := 0
	for _, peer := range ci.AllPeers() {
		node := peer.Info
		if !crds.IsValidAddress(node.RPC) {
			continue
		}
		if myShred != 0 && node.ShredVersion != 0 && node.ShredVersion != myShred {
			continue
		}
		version := "-"
		if v := ci.GetNodeVersion(node.ID); v != nil {
			version = v.String()
		}
		me := ""
		if node.ID == myID {
			me = "me"
		}
		ip := node.RPC.Addr()
		fmt.Fprintf(&rows, "%-15s %-2s| %5d | %-44s |%9s| %-5s| %-5s| %-5s| %d\n",
			ip, me, saturatingAge(now, peer.LastUpdated), node.ID, version,
			addrCell(ip, node.RPC), addrCell(ip, node.RPCPubsub), addrCell(ip, node.RPCBanks),
			node.ShredVersion)
		numRows++
	}
	var b strings.Builder
	b.WriteString("RPC Address     |Age(ms)| Node identifier                              | Version | RPC  |PubSub| Banks|ShredVer\n")
	b.WriteString("----------------+-------+----------------------------------------------+---------+------+------+------+--------\n")
	b.WriteString(rows.String())
	fmt.Fprintf(&b, "RPC Enabled Nodes: %d", numRows)
	return b.String()
}
