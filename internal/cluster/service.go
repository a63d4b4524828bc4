package cluster

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"gossipnet/internal/crds"
	"gossipnet/internal/identity"
	"gossipnet/internal/netutil"
	"gossipnet/internal/proto"
	"gossipnet/internal/streamer"
)

// gossipChannelDepth buffers batches between the socket goroutines and
// the engine loops. The receiver drops batches once this backs up for
// a full send timeout, so depth trades memory against burst tolerance.
const gossipChannelDepth = 1024

// GossipService owns the four goroutines serving one gossip socket:
// receiver, responder, the listen loop, and the request loop.
type GossipService struct {
	// Net counts socket-level traffic for this service.
	Net *streamer.Stats

	exit      *atomic.Bool
	responses chan proto.PacketBatch
	closeOnce sync.Once
	loopWg    sync.WaitGroup
	ioWg      sync.WaitGroup
}

// NewGossipService starts gossip on conn. The exit flag is shared with
// the caller so one flag can stop several services; Close sets it and
// waits.
func NewGossipService(ci *ClusterInfo, provider StakesProvider, conn *net.UDPConn, exit *atomic.Bool) *GossipService {
	pool := streamer.NewBatchPool()
	requests := make(chan proto.PacketBatch, gossipChannelDepth)
	gs := &GossipService{
		Net:       &streamer.Stats{},
		exit:      exit,
		responses: make(chan proto.PacketBatch, gossipChannelDepth),
	}
	ci.log.Tracef("gossip service listening on %s", netutil.AddrPort(conn))
	gs.ioWg.Add(2)
	go func() {
		defer gs.ioWg.Done()
		streamer.Receive(conn, exit, requests, pool, gs.Net)
		close(requests)
	}()
	go func() {
		defer gs.ioWg.Done()
		streamer.Respond(conn, gs.responses, pool, gs.Net)
	}()
	gs.loopWg.Add(2)
	go func() {
		defer gs.loopWg.Done()
		ci.RunListen(provider, requests, gs.responses, pool, exit)
	}()
	go func() {
		defer gs.loopWg.Done()
		ci.RunGossip(provider, gs.responses, pool, exit)
	}()
	return gs
}

// Join waits for the service goroutines. The exit flag must already be
// set or Join blocks until it is.
func (gs *GossipService) Join() {
	gs.loopWg.Wait()
	gs.closeOnce.Do(func() { close(gs.responses) })
	gs.ioWg.Wait()
}

// Close signals exit and waits for the goroutines to drain.
func (gs *GossipService) Close() {
	gs.exit.Store(true)
	gs.Join()
}

// DiscoverOptions controls a discovery run. Zero values disable the
// matching criteria they belong to.
type DiscoverOptions struct {
	// Entrypoint is the gossip address to bootstrap from.
	Entrypoint netip.AddrPort

	// NumNodes stops discovery once this many distinct validators are
	// visible.
	NumNodes int

	// Timeout gives up after this long. Zero keeps looking until the
	// criteria match.
	Timeout time.Duration

	// FindPubkey and FindGossipAddr stop discovery once a node with
	// that identity or gossip address shows up.
	FindPubkey     identity.Pubkey
	FindGossipAddr netip.AddrPort

	// GossipAddr binds and advertises a routable gossip socket instead
	// of running as a spy.
	GossipAddr   netip.AddrPort
	ShredVersion uint16
}

// ErrDiscoverFailed reports a discovery run that timed out without
// seeing a single validator.
var ErrDiscoverFailed = errors.New("discover failed")

// Discover runs a temporary gossip node until the requested peers are
// visible, tears it down, and returns everything it saw: all peers
// first, validators second.
func Discover(opts DiscoverOptions) ([]crds.ContactInfo, []crds.ContactInfo, error) {
	kp := identity.NewKeypair()
	var (
		info crds.ContactInfo
		conn *net.UDPConn
		err  error
	)
	if opts.GossipAddr.IsValid() {
		info, conn, err = GossipNode(kp.Pubkey(), opts.GossipAddr, opts.ShredVersion)
	} else {
		info, conn, err = SpyNode(kp.Pubkey(), opts.ShredVersion)
	}
	if err != nil {
		return nil, nil, err
	}
	defer conn.Close()
	ci, err := New(info, kp)
	if err != nil {
		return nil, nil, err
	}
	if opts.Entrypoint.IsValid() {
		ci.SetEntrypoint(crds.NewGossipEntrypoint(opts.Entrypoint))
		ci.log.Infof("entrypoint: %s", opts.Entrypoint)
	}
	ci.log.Infof("node id: %s", ci.ID())
	if opts.GossipAddr.IsValid() {
		ci.log.Infof("gossip address: %s", opts.GossipAddr)
	}
	exit := &atomic.Bool{}
	gs := NewGossipService(ci, &StaticStakes{}, conn, exit)
	met, elapsed, tvuPeers, allPeers := spyLoop(ci, opts)
	exit.Store(true)
	gs.Join()
	switch {
	case met:
		ci.log.Infof("discover success in %.1fs...\n%s", elapsed.Seconds(), ci.ContactInfoTrace())
		return allPeers, tvuPeers, nil
	case len(tvuPeers) > 0:
		ci.log.Infof("discover failed to match criteria by timeout...\n%s", ci.ContactInfoTrace())
		return allPeers, tvuPeers, nil
	}
	ci.log.Infof("discover failed...\n%s", ci.ContactInfoTrace())
	return nil, nil, ErrDiscoverFailed
}

// DiscoverCluster waits until numNodes validators are visible through
// the entrypoint and returns them.
func DiscoverCluster(entrypoint netip.AddrPort, numNodes int) ([]crds.ContactInfo, error) {
	_, validators, err := Discover(DiscoverOptions{
		Entrypoint: entrypoint,
		NumNodes:   numNodes,
		Timeout:    30 * time.Second,
	})
	return validators, err
}

func spyLoop(ci *ClusterInfo, opts DiscoverOptions) (bool, time.Duration, []crds.ContactInfo, []crds.ContactInfo) {
	start := time.Now()
	searching := opts.FindPubkey != (identity.Pubkey{}) || opts.FindGossipAddr.IsValid()
	var (
		met      bool
		allPeers []crds.ContactInfo
		tvuPeers []crds.ContactInfo
	)
	for i := 1; !met; i++ {
		if opts.Timeout > 0 && time.Since(start) >= opts.Timeout {
			break
		}
		allPeers = allPeers[:0]
		for _, p := range ci.AllPeers() {
			allPeers = append(allPeers, p.Info)
		}
		tvuPeers = ci.AllTVUPeers()
		found := false
		for _, p := range allPeers {
			if opts.FindPubkey != (identity.Pubkey{}) && p.ID == opts.FindPubkey {
				found = true
			}
			if opts.FindGossipAddr.IsValid() && p.Gossip == opts.FindGossipAddr {
				found = true
			}
		}
		if opts.NumNodes > 0 {
			if countDistinctPeers(tvuPeers) >= opts.NumNodes && (found || !searching) {
				met = true
			}
		} else if found {
			met = true
		}
		if i%20 == 0 {
			ci.log.Infof("discovering...\n%s", ci.ContactInfoTrace())
		}
		time.Sleep(GossipSleepMillis * time.Millisecond)
	}
	return met, time.Since(start), tvuPeers, allPeers
}

func countDistinctPeers(peers []crds.ContactInfo) int {
	seen := make(map[identity.Pubkey]struct{}, len(peers))
	for _, p := range peers {
		seen[p.ID] = struct{}{}
	}
	return len(seen)
}
