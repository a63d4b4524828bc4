package cluster

import (
	"errors"
	"math/rand"
	"net/netip"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"gossipnet/internal/crds"
	"gossipnet/internal/gossip"
	"gossipnet/internal/identity"
	"gossipnet/internal/logutil"
	"gossipnet/internal/pingpong"
	"gossipnet/internal/proto"
	"gossipnet/internal/shuffle"
	"gossipnet/internal/streamer"
	"gossipnet/internal/wire"
)

const (
	// GossipSleepMillis paces the request-generation loop; every round
	// targets this period.
	GossipSleepMillis = 100

	// MaxGossipTraffic caps how many packets one listen round drains
	// from the receiver, roughly 128MB of datagrams.
	MaxGossipTraffic = 128_000_000 / proto.PacketDataSize

	// maxVerifyWorkers bounds signature-verification parallelism.
	maxVerifyWorkers = 8

	// Pull responses are metered: every interval the budget grows by
	// bytesPerInterval per staked node, up to maxBudgetMultiple
	// intervals worth.
	budgetIntervalMs       = 100
	budgetBytesPerInterval = 5000
	budgetMaxMultiple      = 5

	listenRecvTimeout    = time.Second
	statsSubmitInterval  = 2 * time.Second
	contactTraceInterval = 10 * time.Second
)

// Software version advertised over gossip at startup.
const (
	versionMajor = 1
	versionMinor = 0
	versionPatch = 0
)

// addressedMessage is one verified inbound message with its sender's
// socket address.
type addressedMessage struct {
	addr netip.AddrPort
	msg  proto.Message
}

// gossipRequest is one outbound message with its destination.
type gossipRequest struct {
	addr netip.AddrPort
	msg  proto.Message
}

// RunGossip drives the request side: every round it sends push messages
// to the active set, pull requests on alternating rounds, purges
// expired values, and republishes the node's own record. Runs until
// exit is set.
func (ci *ClusterInfo) RunGossip(provider StakesProvider, responses chan<- proto.PacketBatch, pool *streamer.BatchPool, exit *atomic.Bool) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ci.PushMessage(crds.NewSignedValue(&crds.Version{
		From:      ci.ID(),
		Wallclock: crds.Timestamp(),
		Major:     versionMajor,
		Minor:     versionMinor,
		Patch:     versionPatch,
	}, ci.keypair))
	lastPush := crds.Timestamp()
	lastTrace := time.Now()
	generatePulls := true
	adoptShred := ci.MyShredVersion() == 0
	for !exit.Load() {
		start := time.Now()
		if time.Since(lastTrace) > contactTraceInterval {
			lastTrace = time.Now()
			if logrus.IsLevelEnabled(logrus.TraceLevel) {
				ci.log.Tracef("\n%s\n\n%s", ci.ContactInfoTrace(), ci.RPCInfoTrace())
			}
		}
		stakes := provider.Stakes()
		batch := ci.generateGossipRequests(stakes, generatePulls, rng, pool)
		if len(batch) > 0 {
			ci.stats.packetsSentGossipRequests.Add(uint64(len(batch)))
		}
		sendBatch(batch, responses, pool)
		if exit.Load() {
			return
		}
		ci.handlePurge(provider, stakes)
		if adoptShred {
			adoptShred = ci.handleAdoptShredVersion()
		}
		now := crds.Timestamp()
		if now-lastPush > gossip.PullCrdsTimeoutMs/2 {
			ci.PushSelf(stakes)
			lastPush = now
		}
		if sleep := GossipSleepMillis*time.Millisecond - time.Since(start); sleep > 0 {
			time.Sleep(sleep)
		}
		generatePulls = !generatePulls
	}
}

func (ci *ClusterInfo) generateGossipRequests(stakes map[identity.Pubkey]uint64, generatePulls bool, rng *rand.Rand, pool *streamer.BatchPool) proto.PacketBatch {
	var reqs []gossipRequest
	if generatePulls {
		reqs = ci.newPullRequests(stakes, rng)
	}
	reqs = append(reqs, ci.newPushRequests()...)
	batch := pool.Get()
	for _, r := range reqs {
		pkt, ok := proto.NewPacket(proto.Encode(r.msg), r.addr)
		if !ok {
			ci.stats.packetsOversize.Add(1)
			continue
		}
		batch = append(batch, pkt)
	}
	return batch
}

// pullPlan is one pull request before packetization: the peer it
// targets and the filter it carries.
type pullPlan struct {
	peer   identity.Pubkey
	addr   netip.AddrPort
	filter *gossip.CrdsFilter
}

func (ci *ClusterInfo) newPullRequests(stakes map[identity.Pubkey]uint64, rng *rand.Rand) []gossipRequest {
	now := crds.Timestamp()
	start := time.Now()
	ci.mu.RLock()
	peer, filters, err := ci.gossip.NewPullRequest(now, stakes, gossip.MaxBloomSize, rng)
	self := ci.gossip.Crds.Lookup(crds.Label{Kind: crds.KindContactInfo, Key: ci.ID()})
	ci.mu.RUnlock()
	addMeasure(&ci.stats.newPullRequests, start)
	if self == nil {
		return nil
	}
	var plans []pullPlan
	if err == nil {
		for _, f := range filters {
			plans = append(plans, pullPlan{peer: peer.ID, addr: peer.Gossip, filter: f})
		}
	}
	plans = ci.appendEntrypointToPulls(now, plans)
	ci.stats.newPullRequestsCount.Add(uint64(len(plans)))
	// At most two distinct peers here: the sampled one and possibly
	// the entrypoint.
	start = time.Now()
	marked := make(map[identity.Pubkey]bool, 2)
	ci.mu.Lock()
	for _, p := range plans {
		if !marked[p.peer] {
			marked[p.peer] = true
			ci.gossip.MarkPullRequestCreationTime(p.peer, now)
		}
	}
	ci.mu.Unlock()
	addMeasure(&ci.stats.markPullRequestUs, start)
	out := make([]gossipRequest, 0, len(plans))
	for _, p := range plans {
		out = append(out, gossipRequest{addr: p.addr, msg: &proto.PullRequest{Filter: p.filter, Caller: *self}})
	}
	return out
}

// appendEntrypointToPulls adds pull requests for the configured
// entrypoint: always while no other peer is known, and every half
// timeout after that until the entrypoint shows up in the table itself.
func (ci *ClusterInfo) appendEntrypointToPulls(now uint64, plans []pullPlan) []pullPlan {
	ci.entrypointMu.Lock()
	var entrypoint crds.ContactInfo
	pull := false
	if ci.entrypoint != nil {
		if len(plans) == 0 {
			pull = true
		} else if now-ci.entrypoint.Wallclock > gossip.PullCrdsTimeoutMs/2 {
			ci.entrypoint.Wallclock = now
			_, found := ci.LookupContactInfoByGossipAddr(ci.entrypoint.Gossip)
			pull = !found
		}
		entrypoint = *ci.entrypoint
	}
	ci.entrypointMu.Unlock()
	if !pull {
		return plans
	}
	ci.stats.entrypointPulls.Add(1)
	ci.mu.RLock()
	filters := ci.gossip.Pull.BuildFilters(ci.gossip.Crds, gossip.MaxBloomSize)
	ci.mu.RUnlock()
	for _, f := range filters {
		plans = append(plans, pullPlan{peer: entrypoint.ID, addr: entrypoint.Gossip, filter: f})
	}
	return plans
}

func (ci *ClusterInfo) newPushRequests() []gossipRequest {
	now := crds.Timestamp()
	start := time.Now()
	ci.mu.Lock()
	pushes := ci.gossip.NewPushMessages(now)
	ci.mu.Unlock()
	addMeasure(&ci.stats.newPushRequests, start)
	selfID := ci.ID()
	var out []gossipRequest
	for peer, values := range pushes {
		info, ok := ci.LookupContactInfo(peer)
		if !ok {
			continue
		}
		for _, chunk := range proto.SplitGossipMessages(values) {
			out = append(out, gossipRequest{addr: info.Gossip, msg: &proto.PushMessage{From: selfID, Values: chunk}})
		}
	}
	ci.stats.newPushRequestsNum.Add(uint64(len(out)))
	return out
}

// handlePurge drops table values older than their origin's timeout. The
// timeout tracks the epoch so long-lived values survive a full stake
// cycle.
func (ci *ClusterInfo) handlePurge(provider StakesProvider, stakes map[identity.Pubkey]uint64) {
	timeout := provider.EpochDurationMs()
	if timeout == 0 {
		timeout = gossip.PullCrdsTimeoutMs
	}
	now := crds.Timestamp()
	start := time.Now()
	ci.mu.Lock()
	timeouts := ci.gossip.MakeTimeouts(stakes, timeout)
	purged := ci.gossip.Purge(now, timeouts)
	ci.mu.Unlock()
	addMeasure(&ci.stats.purgeUs, start)
	ci.stats.purgeCount.Add(uint64(purged))
}

// handleAdoptShredVersion watches for the entrypoint's own record and
// takes over its shred version once it arrives. Returns false when
// there is nothing left to adopt.
func (ci *ClusterInfo) handleAdoptShredVersion() bool {
	if ci.MyShredVersion() != 0 {
		return false
	}
	entrypoint, ok := ci.Entrypoint()
	if !ok {
		return true
	}
	found, ok := ci.LookupContactInfoByGossipAddr(entrypoint.Gossip)
	if !ok {
		ci.log.Info("unable to adopt entrypoint's shred version")
		return true
	}
	if found.ShredVersion == 0 {
		return true
	}
	ci.adoptShredVersion(found)
	return false
}

// RunListen drives the response side: it drains inbound packet batches,
// verifies them, and dispatches each variant to its handler. Runs until
// exit is set or the requests channel closes.
func (ci *ClusterInfo) RunListen(provider StakesProvider, requests <-chan proto.PacketBatch, responses chan<- proto.PacketBatch, pool *streamer.BatchPool, exit *atomic.Bool) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	lastStats := time.Now()
	for !exit.Load() {
		batches, open := ci.gatherBatches(requests, pool)
		if len(batches) > 0 {
			msgs := ci.verifyPackets(batches)
			for _, b := range batches {
				pool.Put(b)
			}
			if len(msgs) > 0 {
				ci.processPackets(msgs, provider.Stakes(), provider.EpochDurationMs(), rng, responses, pool)
			}
		}
		if !open {
			return
		}
		if time.Since(lastStats) > statsSubmitInterval {
			lastStats = time.Now()
			ci.submitStats()
		}
	}
}

// gatherBatches blocks for up to a second on the first batch, then
// drains whatever else is queued without blocking. Past the traffic cap
// the backlog is received anyway and dropped, keeping the oldest
// batches.
func (ci *ClusterInfo) gatherBatches(requests <-chan proto.PacketBatch, pool *streamer.BatchPool) ([]proto.PacketBatch, bool) {
	var batches []proto.PacketBatch
	packets := 0
	select {
	case batch, ok := <-requests:
		if !ok {
			return nil, false
		}
		packets = len(batch)
		batches = append(batches, batch)
	case <-time.After(listenRecvTimeout):
		return nil, true
	}
	for {
		select {
		case batch, ok := <-requests:
			if !ok {
				return batches, false
			}
			if packets >= MaxGossipTraffic {
				pool.Put(batch)
				continue
			}
			packets += len(batch)
			batches = append(batches, batch)
		default:
			if packets >= MaxGossipTraffic {
				logutil.Warnf("gossip-overflow", time.Second, "too much gossip traffic, ignoring some messages (requests=%d, max requests=%d)", packets, MaxGossipTraffic)
			}
			return batches, true
		}
	}
}

func (ci *ClusterInfo) submitStats() {
	ci.mu.RLock()
	tableSize := ci.gossip.Crds.Len()
	numNodes := len(ci.gossip.Crds.ContactInfos())
	ci.mu.RUnlock()
	ci.stats.Submit(ci.log.WithFields(logrus.Fields{
		"table_size": tableSize,
		"num_nodes":  numNodes,
	}))
}

// verifyPackets decodes, sanitizes, and signature-checks a round of
// inbound batches across a small worker pool, preserving arrival order.
func (ci *ClusterInfo) verifyPackets(batches []proto.PacketBatch) []addressedMessage {
	defer addMeasure(&ci.stats.verifyPacketsUs, time.Now())
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	if total == 0 {
		return nil
	}
	ci.stats.packetsReceivedCount.Add(uint64(total))
	packets := make([]*proto.Packet, 0, total)
	for _, b := range batches {
		for i := range b {
			packets = append(packets, &b[i])
		}
	}
	results := make([]proto.Message, len(packets))
	workers := runtime.GOMAXPROCS(0)
	if workers > maxVerifyWorkers {
		workers = maxVerifyWorkers
	}
	if workers > len(packets) {
		workers = len(packets)
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < len(packets); i += workers {
				results[i] = ci.verifyPacket(packets[i])
			}
		}(w)
	}
	wg.Wait()
	out := make([]addressedMessage, 0, len(packets))
	for i, msg := range results {
		if msg == nil {
			continue
		}
		out = append(out, addressedMessage{addr: packets[i].Addr, msg: msg})
	}
	ci.stats.packetsReceivedVerified.Add(uint64(len(out)))
	ci.stats.packetsDroppedCount.Add(uint64(total - len(out)))
	return out
}

func (ci *ClusterInfo) verifyPacket(p *proto.Packet) proto.Message {
	msg, err := proto.Decode(p.Bytes())
	if err != nil {
		if errors.Is(err, wire.ErrOversize) {
			ci.stats.packetsOversize.Add(1)
		} else {
			ci.stats.packetsMalformed.Add(1)
		}
		return nil
	}
	if err := proto.Sanitize(msg); err != nil {
		ci.stats.packetsMalformed.Add(1)
		return nil
	}
	kind := msg.Kind()
	verified, failed := proto.Verify(msg)
	if failed > 0 {
		ci.countVerifyFail(kind, uint64(failed))
	}
	return verified
}

func (ci *ClusterInfo) countVerifyFail(kind proto.MsgKind, n uint64) {
	switch kind {
	case proto.MsgPullRequest:
		ci.stats.verifyFailPullRequest.Add(n)
	case proto.MsgPullResponse:
		ci.stats.verifyFailPullResponse.Add(n)
	case proto.MsgPushMessage:
		ci.stats.verifyFailPushMessage.Add(n)
	case proto.MsgPruneMessage:
		ci.stats.verifyFailPruneMessage.Add(n)
	case proto.MsgPing:
		ci.stats.verifyFailPing.Add(n)
	case proto.MsgPong:
		ci.stats.verifyFailPong.Add(n)
	}
}

// processPackets splits a verified round by variant and runs the
// handlers. Pings and prunes go first so fresh pongs and pruned active
// sets shape the rest of the round; pull requests go last since they
// fan out the most traffic.
func (ci *ClusterInfo) processPackets(msgs []addressedMessage, stakes map[identity.Pubkey]uint64, epochMs uint64, rng *rand.Rand, responses chan<- proto.PacketBatch, pool *streamer.BatchPool) {
	defer addMeasure(&ci.stats.processPacketsUs, time.Now())
	var pings, prunes, pushes, pullResponses, pongs, pullRequests []addressedMessage
	for _, m := range msgs {
		switch m.msg.(type) {
		case *proto.PingMessage:
			pings = append(pings, m)
		case *proto.PruneMessage:
			prunes = append(prunes, m)
		case *proto.PushMessage:
			pushes = append(pushes, m)
		case *proto.PullResponse:
			pullResponses = append(pullResponses, m)
		case *proto.PongMessage:
			pongs = append(pongs, m)
		case *proto.PullRequest:
			pullRequests = append(pullRequests, m)
		}
	}
	ci.handleBatchPingMessages(pings, responses, pool)
	ci.handleBatchPruneMessages(prunes)
	ci.handleBatchPushMessages(pushes, stakes, rng, responses, pool)
	ci.handleBatchPullResponses(pullResponses, stakes, epochMs)
	ci.handleBatchPongMessages(pongs)
	ci.handleBatchPullRequests(pullRequests, stakes, rng, responses, pool)
}

// sendBatch hands packets to the responder, returning empty batches to
// the pool.
func sendBatch(batch proto.PacketBatch, responses chan<- proto.PacketBatch, pool *streamer.BatchPool) {
	if len(batch) == 0 {
		pool.Put(batch)
		return
	}
	responses <- batch
}

func (ci *ClusterInfo) handleBatchPingMessages(pings []addressedMessage, responses chan<- proto.PacketBatch, pool *streamer.BatchPool) {
	if len(pings) == 0 {
		return
	}
	ci.stats.pingCount.Add(uint64(len(pings)))
	batch := pool.Get()
	for _, m := range pings {
		ping := m.msg.(*proto.PingMessage).Ping
		pong := pingpong.NewPong(&ping, ci.keypair)
		if pkt, ok := proto.NewPacket(proto.Encode(&proto.PongMessage{Pong: pong}), m.addr); ok {
			batch = append(batch, pkt)
		}
	}
	ci.stats.packetsSentPongMessages.Add(uint64(len(batch)))
	sendBatch(batch, responses, pool)
}

func (ci *ClusterInfo) handleBatchPongMessages(pongs []addressedMessage) {
	if len(pongs) == 0 {
		return
	}
	ci.stats.pongCount.Add(uint64(len(pongs)))
	now := time.Now()
	ci.pingMu.Lock()
	defer ci.pingMu.Unlock()
	for _, m := range pongs {
		pong := m.msg.(*proto.PongMessage).Pong
		ci.pingCache.Add(&pong, m.addr, now)
	}
}

func (ci *ClusterInfo) handleBatchPruneMessages(prunes []addressedMessage) {
	if len(prunes) == 0 {
		return
	}
	defer addMeasure(&ci.stats.processPruneUs, time.Now())
	ci.stats.pruneMessageCount.Add(uint64(len(prunes)))
	var total uint64
	for _, m := range prunes {
		total += uint64(len(m.msg.(*proto.PruneMessage).Data.Prunes))
	}
	ci.stats.pruneMessageLen.Add(total)
	now := crds.Timestamp()
	ci.mu.Lock()
	defer ci.mu.Unlock()
	for _, m := range prunes {
		pm := m.msg.(*proto.PruneMessage)
		err := ci.gossip.ProcessPruneMsg(pm.From, pm.Data.Destination, pm.Data.Prunes, pm.Data.Wallclock, now)
		switch {
		case errors.Is(err, gossip.ErrPruneMessageTimeout):
			ci.stats.pruneMessageTimeout.Add(1)
		case errors.Is(err, gossip.ErrBadPruneDestination):
			ci.stats.badPruneDestination.Add(1)
		}
	}
}

func (ci *ClusterInfo) handleBatchPushMessages(pushes []addressedMessage, stakes map[identity.Pubkey]uint64, rng *rand.Rand, responses chan<- proto.PacketBatch, pool *streamer.BatchPool) {
	for _, m := range pushes {
		pm := m.msg.(*proto.PushMessage)
		if batch, ok := ci.handlePushMessage(pm.From, pm.Values, stakes, rng, pool); ok {
			responses <- batch
		}
	}
}

// handlePushMessage merges one push into the table and answers with
// prune messages for origins the sender wasted effort relaying, plus a
// round of this node's own pushes.
func (ci *ClusterInfo) handlePushMessage(from identity.Pubkey, values []crds.CrdsValue, stakes map[identity.Pubkey]uint64, rng *rand.Rand, pool *streamer.BatchPool) (proto.PacketBatch, bool) {
	ci.stats.pushMessageCount.Add(1)
	ci.stats.pushMessageValueCount.Add(uint64(len(values)))
	kept := filterValuesByShredVersion(values, from, ci.MyShredVersion(), ci.shredVersionOf(from))
	ci.stats.skipPushShredVersion.Add(uint64(len(values) - len(kept)))
	if len(kept) == 0 {
		return nil, false
	}
	start := time.Now()
	ci.mu.Lock()
	origins, _, _ := ci.gossip.ProcessPushMessage(from, kept, crds.Timestamp())
	ci.mu.Unlock()
	addMeasure(&ci.stats.processPushUs, start)
	ci.stats.processPushSuccess.Add(uint64(len(origins)))
	if len(origins) == 0 {
		return nil, false
	}
	start = time.Now()
	ci.mu.Lock()
	prunes := ci.gossip.PruneReceivedCache(origins, stakes, rng)
	ci.mu.Unlock()
	addMeasure(&ci.stats.pruneReceivedCacheUs, start)
	selfID := ci.ID()
	wallclock := crds.Timestamp()
	batch := pool.Get()
	for peer, origins := range prunes {
		info, ok := ci.LookupContactInfo(peer)
		if !ok || !crds.IsValidAddress(info.Gossip) {
			continue
		}
		data := proto.NewPruneData(ci.keypair, origins, peer, wallclock)
		pkt, ok := proto.NewPacket(proto.Encode(&proto.PruneMessage{From: selfID, Data: data}), info.Gossip)
		if !ok {
			ci.stats.packetsOversize.Add(1)
			continue
		}
		batch = append(batch, pkt)
	}
	if len(batch) == 0 {
		pool.Put(batch)
		return nil, false
	}
	ci.stats.packetsSentPruneMessages.Add(uint64(len(batch)))
	ci.stats.pushResponseCount.Add(uint64(len(batch)))
	pushed := 0
	for _, r := range ci.newPushRequests() {
		if r.addr.Addr().IsUnspecified() || r.addr.Port() == 0 {
			continue
		}
		pkt, ok := proto.NewPacket(proto.Encode(r.msg), r.addr)
		if !ok {
			ci.stats.packetsOversize.Add(1)
			continue
		}
		batch = append(batch, pkt)
		pushed++
	}
	ci.stats.packetsSentPushMessages.Add(uint64(pushed))
	return batch, true
}

func (ci *ClusterInfo) handleBatchPullResponses(msgs []addressedMessage, stakes map[identity.Pubkey]uint64, epochMs uint64) {
	if len(msgs) == 0 {
		return
	}
	// Fold consecutive responses from the same sender into one pass
	// over the table.
	bySender := make(map[identity.Pubkey][]crds.CrdsValue)
	var order []identity.Pubkey
	for _, m := range msgs {
		pr := m.msg.(*proto.PullResponse)
		if _, seen := bySender[pr.From]; !seen {
			order = append(order, pr.From)
		}
		bySender[pr.From] = append(bySender[pr.From], pr.Values...)
	}
	ci.mu.RLock()
	timeouts := ci.gossip.MakeTimeouts(stakes, epochMs)
	ci.mu.RUnlock()
	for _, from := range order {
		ci.handlePullResponse(from, bySender[from], timeouts)
	}
}

func (ci *ClusterInfo) handlePullResponse(from identity.Pubkey, values []crds.CrdsValue, timeouts map[identity.Pubkey]uint64) {
	defer addMeasure(&ci.stats.processPullResponseUs, time.Now())
	total := len(values)
	values = filterValuesByShredVersion(values, from, ci.MyShredVersion(), ci.shredVersionOf(from))
	ci.stats.skipPullShredVersion.Add(uint64(total - len(values)))
	ci.stats.processPullResponseCount.Add(1)
	ci.stats.processPullResponseLen.Add(uint64(len(values)))
	if len(values) == 0 {
		return
	}
	now := crds.Timestamp()
	ci.mu.Lock()
	defer ci.mu.Unlock()
	fresh, expired, droppedTimeout := ci.gossip.FilterPullResponses(timeouts, values, now)
	ci.stats.pullResponseFailTimeout.Add(uint64(droppedTimeout))
	if len(fresh) == 0 && len(expired) == 0 {
		return
	}
	failed := ci.gossip.ProcessPullResponses(from, fresh, expired, now)
	ci.stats.pullResponseFailInsert.Add(uint64(failed))
	ci.stats.pullResponseSuccess.Add(uint64(len(fresh) - failed))
}

// pullRequest is one decoded pull request bound to the address it
// arrived from. Responses and pings both go back to that address, not
// to the caller's advertised gossip socket.
type pullRequest struct {
	from   netip.AddrPort
	caller crds.CrdsValue
	filter *gossip.CrdsFilter
}

func (ci *ClusterInfo) handleBatchPullRequests(msgs []addressedMessage, stakes map[identity.Pubkey]uint64, rng *rand.Rand, responses chan<- proto.PacketBatch, pool *streamer.BatchPool) {
	if len(msgs) == 0 {
		return
	}
	ci.stats.pullRequestsCount.Add(uint64(len(msgs)))
	selfID := ci.ID()
	selfShred := ci.MyShredVersion()
	requests := make([]pullRequest, 0, len(msgs))
	for _, m := range msgs {
		pr := m.msg.(*proto.PullRequest)
		info, ok := pr.Caller.Data.(*crds.ContactInfo)
		if !ok {
			continue
		}
		if info.ID == selfID {
			ci.log.Warn("pull request ignored, I'm talking to myself")
			continue
		}
		if selfShred != 0 && info.ShredVersion != 0 && info.ShredVersion != selfShred {
			ci.stats.skipPullShredVersion.Add(1)
			continue
		}
		requests = append(requests, pullRequest{from: m.addr, caller: pr.Caller, filter: pr.Filter})
	}
	if len(requests) == 0 {
		return
	}
	ci.handlePullRequests(requests, stakes, rng, responses, pool)
}

// handlePullRequests merges the callers into the table, gates each
// caller on a proven address, and streams back the values their filters
// miss, one value per packet, until the data budget runs out.
func (ci *ClusterInfo) handlePullRequests(requests []pullRequest, stakes map[identity.Pubkey]uint64, rng *rand.Rand, responses chan<- proto.PacketBatch, pool *streamer.BatchPool) {
	now := crds.Timestamp()
	callers := make([]crds.CrdsValue, len(requests))
	for i, r := range requests {
		callers[i] = r.caller
	}
	start := time.Now()
	ci.mu.Lock()
	ci.gossip.ProcessPullRequests(callers, now)
	ci.mu.Unlock()
	addMeasure(&ci.stats.processPullRequestsUs, start)
	ci.updateDataBudget(uint64(len(stakes)))
	batch := pool.Get()
	requests = ci.checkPullRequests(requests, &batch)
	ci.stats.packetsSentPingMessages.Add(uint64(len(batch)))
	filters := make([]gossip.FilterRequest, len(requests))
	for i, r := range requests {
		filters[i] = gossip.FilterRequest{Caller: r.caller, Filter: r.filter}
	}
	start = time.Now()
	ci.mu.RLock()
	sets := ci.gossip.GeneratePullResponses(filters, now, rng)
	ci.mu.RUnlock()
	addMeasure(&ci.stats.generatePullResponsesUs, start)

	// Score each value: responses to staked callers first, so the
	// budget starves spray-and-pray callers before validators.
	type responseScore struct {
		set   int
		value int
		score uint64
	}
	var scored []responseScore
	for i, values := range sets {
		if len(values) == 0 {
			continue
		}
		score := uint64(1)
		if _, staked := stakes[values[0].Pubkey()]; staked {
			score = 2
		}
		for j := range values {
			scored = append(scored, responseScore{set: i, value: j, score: score})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score < scored[j].score })
	weights := make([]uint64, len(scored))
	for i, s := range scored {
		weights[i] = s.score
	}
	var seed [32]byte
	for i := range seed {
		seed[i] = 48
	}
	selfID := ci.ID()
	sent := 0
	for _, ix := range shuffle.WeightedShuffle(weights, seed) {
		s := scored[ix]
		value := sets[s.set][s.value]
		pkt, ok := proto.NewPacket(proto.Encode(&proto.PullResponse{From: selfID, Values: []crds.CrdsValue{value}}), requests[s.set].from)
		if !ok {
			ci.stats.packetsOversize.Add(1)
			continue
		}
		if !ci.outboundBudget.Take(uint64(pkt.Size)) {
			break
		}
		batch = append(batch, pkt)
		sent++
	}
	ci.stats.pullResponsesSent.Add(uint64(sent))
	ci.stats.pullResponsesDroppedBudget.Add(uint64(len(scored) - sent))
	ci.stats.packetsSentPullResponses.Add(uint64(sent))
	sendBatch(batch, responses, pool)
}

// checkPullRequests keeps the requests whose caller has proven it owns
// the source address, issuing fresh pings into batch for the ones that
// have not. The check is memoized per (caller, address) within a round.
// With the ping gate disabled everything is kept, but the challenges
// still go out.
func (ci *ClusterInfo) checkPullRequests(requests []pullRequest, batch *proto.PacketBatch) []pullRequest {
	type pingKey struct {
		node identity.Pubkey
		addr netip.AddrPort
	}
	now := time.Now()
	gate := ci.pingGateEnabled.Load()
	seen := make(map[pingKey]bool, len(requests))
	pingf := func() pingpong.Ping { return pingpong.NewPing(ci.keypair) }
	kept := requests[:0]
	ci.pingMu.Lock()
	defer ci.pingMu.Unlock()
	for _, r := range requests {
		if !crds.IsValidAddress(r.from) {
			continue
		}
		key := pingKey{node: r.caller.Pubkey(), addr: r.from}
		passed, cached := seen[key]
		if !cached {
			var ping *pingpong.Ping
			passed, ping = ci.pingCache.Check(now, key.node, key.addr, pingf)
			if ping != nil {
				if pkt, ok := proto.NewPacket(proto.Encode(&proto.PingMessage{Ping: *ping}), r.from); ok {
					*batch = append(*batch, pkt)
				}
			}
			if !passed {
				ci.stats.pullRequestPingPongFailed.Add(1)
			}
			seen[key] = passed
		}
		if passed || !gate {
			kept = append(kept, r)
		}
	}
	return kept
}

// updateDataBudget grants this interval's pull-response bytes, scaled
// by how many nodes are staked.
func (ci *ClusterInfo) updateDataBudget(numStaked uint64) {
	if numStaked < 2 {
		numStaked = 2
	}
	ci.outboundBudget.Update(crds.Timestamp(), budgetIntervalMs, func(bytes uint64) uint64 {
		grant := bytes + numStaked*budgetBytesPerInterval
		if max := budgetMaxMultiple * numStaked * budgetBytesPerInterval; grant > max {
			grant = max
		}
		return grant
	})
}

// filterValuesByShredVersion drops values relayed across a shred
// version boundary, keeping only the sender's own contact info so the
// node behind it stays discoverable.
func filterValuesByShredVersion(values []crds.CrdsValue, from identity.Pubkey, selfShred, senderShred uint16) []crds.CrdsValue {
	if selfShred == 0 || senderShred == selfShred {
		return values
	}
	kept := values[:0]
	for _, v := range values {
		if info, ok := v.Data.(*crds.ContactInfo); ok && info.ID == from {
			kept = append(kept, v)
		}
	}
	return kept
}
