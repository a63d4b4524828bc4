package cluster

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// GossipStats counts engine work. Counters are cumulative; Submit logs
// the delta since the previous call so steady-state rates are readable
// straight from the log.
type GossipStats struct {
	entrypointPulls            atomic.Uint64
	newPullRequests            atomic.Uint64
	newPullRequestsCount       atomic.Uint64
	markPullRequestUs          atomic.Uint64
	newPushRequests            atomic.Uint64
	newPushRequestsNum         atomic.Uint64
	pushMessageCount           atomic.Uint64
	pushMessageValueCount      atomic.Uint64
	pushResponseCount          atomic.Uint64
	processPushUs              atomic.Uint64
	processPushSuccess         atomic.Uint64
	pruneReceivedCacheUs       atomic.Uint64
	pruneMessageCount          atomic.Uint64
	pruneMessageLen            atomic.Uint64
	pruneMessageTimeout        atomic.Uint64
	badPruneDestination        atomic.Uint64
	processPruneUs             atomic.Uint64
	pullRequestsCount          atomic.Uint64
	generatePullResponsesUs    atomic.Uint64
	processPullRequestsUs      atomic.Uint64
	pullRequestPingPongFailed  atomic.Uint64
	pullResponsesSent          atomic.Uint64
	pullResponsesDroppedBudget atomic.Uint64
	processPullResponseUs      atomic.Uint64
	processPullResponseCount   atomic.Uint64
	processPullResponseLen     atomic.Uint64
	pullResponseFailInsert     atomic.Uint64
	pullResponseFailTimeout    atomic.Uint64
	pullResponseSuccess        atomic.Uint64
	skipPullShredVersion       atomic.Uint64
	skipPushShredVersion       atomic.Uint64
	pingCount                  atomic.Uint64
	pongCount                  atomic.Uint64
	purgeUs                    atomic.Uint64
	purgeCount                 atomic.Uint64
	epochSlotsLookupUs         atomic.Uint64
	epochSlotsPushCount        atomic.Uint64
	pushVoteCount              atomic.Uint64
	packetsReceivedCount       atomic.Uint64
	packetsReceivedVerified    atomic.Uint64
	packetsDroppedCount        atomic.Uint64
	packetsMalformed           atomic.Uint64
	packetsOversize            atomic.Uint64
	packetsSentGossipRequests  atomic.Uint64
	packetsSentPullResponses   atomic.Uint64
	packetsSentPruneMessages   atomic.Uint64
	packetsSentPushMessages    atomic.Uint64
	packetsSentPingMessages    atomic.Uint64
	packetsSentPongMessages    atomic.Uint64
	verifyFailPullRequest      atomic.Uint64
	verifyFailPullResponse     atomic.Uint64
	verifyFailPushMessage      atomic.Uint64
	verifyFailPruneMessage     atomic.Uint64
	verifyFailPing             atomic.Uint64
	verifyFailPong             atomic.Uint64
	verifyPacketsUs            atomic.Uint64
	processPacketsUs           atomic.Uint64

	last map[string]uint64
}

// addMeasure charges the elapsed time since start to a timing counter,
// in microseconds.
func addMeasure(counter *atomic.Uint64, start time.Time) {
	counter.Add(uint64(time.Since(start).Microseconds()))
}

// Snapshot is the current cumulative counter values, keyed by metric
// name.
func (s *GossipStats) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"entrypoint_pulls":              s.entrypointPulls.Load(),
		"new_pull_requests_us":          s.newPullRequests.Load(),
		"new_pull_requests_count":       s.newPullRequestsCount.Load(),
		"mark_pull_request_us":          s.markPullRequestUs.Load(),
		"new_push_requests_us":          s.newPushRequests.Load(),
		"new_push_requests_num":         s.newPushRequestsNum.Load(),
		"push_message_count":            s.pushMessageCount.Load(),
		"push_message_value_count":      s.pushMessageValueCount.Load(),
		"push_response_count":           s.pushResponseCount.Load(),
		"process_push_us":               s.processPushUs.Load(),
		"process_push_success":          s.processPushSuccess.Load(),
		"prune_received_cache_us":       s.pruneReceivedCacheUs.Load(),
		"prune_message_count":           s.pruneMessageCount.Load(),
		"prune_message_len":             s.pruneMessageLen.Load(),
		"prune_message_timeout":         s.pruneMessageTimeout.Load(),
		"bad_prune_destination":         s.badPruneDestination.Load(),
		"process_prune_us":              s.processPruneUs.Load(),
		"pull_requests_count":           s.pullRequestsCount.Load(),
		"generate_pull_responses_us":    s.generatePullResponsesUs.Load(),
		"process_pull_requests_us":      s.processPullRequestsUs.Load(),
		"pull_request_ping_pong_failed": s.pullRequestPingPongFailed.Load(),
		"pull_responses_sent":           s.pullResponsesSent.Load(),
		"pull_responses_dropped_budget": s.pullResponsesDroppedBudget.Load(),
		"process_pull_response_us":      s.processPullResponseUs.Load(),
		"process_pull_response_count":   s.processPullResponseCount.Load(),
		"process_pull_response_len":     s.processPullResponseLen.Load(),
		"pull_response_fail_insert":     s.pullResponseFailInsert.Load(),
		"pull_response_fail_timeout":    s.pullResponseFailTimeout.Load(),
		"pull_response_success":         s.pullResponseSuccess.Load(),
		"skip_pull_shred_version":       s.skipPullShredVersion.Load(),
		"skip_push_shred_version":       s.skipPushShredVersion.Load(),
		"ping_count":                    s.pingCount.Load(),
		"pong_count":                    s.pongCount.Load(),
		"purge_us":                      s.purgeUs.Load(),
		"purge_count":                   s.purgeCount.Load(),
		"epoch_slots_lookup_us":         s.epochSlotsLookupUs.Load(),
		"epoch_slots_push_count":        s.epochSlotsPushCount.Load(),
		"push_vote_count":               s.pushVoteCount.Load(),
		"packets_received_count":        s.packetsReceivedCount.Load(),
		"packets_received_verified":     s.packetsReceivedVerified.Load(),
		"packets_dropped_count":         s.packetsDroppedCount.Load(),
		"packets_malformed":             s.packetsMalformed.Load(),
		"packets_oversize":              s.packetsOversize.Load(),
		"packets_sent_gossip_requests":  s.packetsSentGossipRequests.Load(),
		"packets_sent_pull_responses":   s.packetsSentPullResponses.Load(),
		"packets_sent_prune_messages":   s.packetsSentPruneMessages.Load(),
		"packets_sent_push_messages":    s.packetsSentPushMessages.Load(),
		"packets_sent_ping_messages":    s.packetsSentPingMessages.Load(),
		"packets_sent_pong_messages":    s.packetsSentPongMessages.Load(),
		"verify_fail_pull_request":      s.verifyFailPullRequest.Load(),
		"verify_fail_pull_response":     s.verifyFailPullResponse.Load(),
		"verify_fail_push_message":      s.verifyFailPushMessage.Load(),
		"verify_fail_prune_message":     s.verifyFailPruneMessage.Load(),
		"verify_fail_ping":              s.verifyFailPing.Load(),
		"verify_fail_pong":              s.verifyFailPong.Load(),
		"verify_packets_us":             s.verifyPacketsUs.Load(),
		"process_packets_us":            s.processPacketsUs.Load(),
	}
}

// Submit logs counter deltas since the previous Submit. Only the
// engine's listen loop calls this, so last needs no lock.
func (s *GossipStats) Submit(log *logrus.Entry) {
	snap := s.Snapshot()
	fields := make(logrus.Fields, len(snap))
	for name, v := range snap {
		if delta := v - s.last[name]; delta != 0 {
			fields[name] = delta
		}
	}
	s.last = snap
	if len(fields) > 0 {
		log.WithFields(fields).Debug("gossip stats")
	}
}
