package gossip

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gossipnet/internal/crds"
	"gossipnet/internal/identity"
)

func refreshActiveSet(g *CrdsGossip, now uint64, stakes map[identity.Pubkey]uint64, rng *rand.Rand) {
	g.Push.RefreshPushActiveSet(g.Crds, g.ID, g.ShredVersion, now, stakes, g.Crds.Len(), 1, rng)
}

func TestProcessPushMessageWallclockWindow(t *testing.T) {
	g := NewCrdsGossip(identity.RandomPubkey())
	from := identity.RandomPubkey()
	now := uint64(1_000_000)
	kp := identity.NewKeypair()

	tooNew := crds.NewLocalhostContactInfo(kp.Pubkey(), now+2*PushMsgTimeoutMs)
	_, err := g.Push.ProcessPushMessage(g.Crds, from, crds.NewSignedValue(&tooNew, kp), now)
	assert.ErrorIs(t, err, ErrPushMessageTimeout)

	tooOld := crds.NewLocalhostContactInfo(kp.Pubkey(), now-2*PushMsgTimeoutMs)
	_, err = g.Push.ProcessPushMessage(g.Crds, from, crds.NewSignedValue(&tooOld, kp), now)
	assert.ErrorIs(t, err, ErrPushMessageTimeout)

	fresh := crds.NewLocalhostContactInfo(kp.Pubkey(), now-10)
	_, err = g.Push.ProcessPushMessage(g.Crds, from, crds.NewSignedValue(&fresh, kp), now)
	require.NoError(t, err)
	assert.NotNil(t, g.Crds.GetContactInfo(kp.Pubkey()))
}

func TestProcessPushMessageOldVersion(t *testing.T) {
	g := NewCrdsGossip(identity.RandomPubkey())
	from := identity.RandomPubkey()
	now := uint64(1_000_000)
	kp := identity.NewKeypair()

	newer := crds.NewLocalhostContactInfo(kp.Pubkey(), now-10)
	_, err := g.Push.ProcessPushMessage(g.Crds, from, crds.NewSignedValue(&newer, kp), now)
	require.NoError(t, err)

	older := crds.NewLocalhostContactInfo(kp.Pubkey(), now-20)
	_, err = g.Push.ProcessPushMessage(g.Crds, from, crds.NewSignedValue(&older, kp), now)
	assert.ErrorIs(t, err, ErrPushMessageOldVersion)

	stored := g.Crds.GetContactInfo(kp.Pubkey())
	require.NotNil(t, stored)
	assert.Equal(t, now-10, stored.Wallclock)
}

func TestNewPushMessagesFanOutAndDrain(t *testing.T) {
	self := identity.NewKeypair()
	g := NewCrdsGossip(self.Pubkey())
	now := uint64(1_000_000)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 3; i++ {
		insertContact(t, g.Crds, 0, now, now)
	}
	refreshActiveSet(g, now, nil, rng)
	require.Equal(t, 3, g.Push.ActiveSetLen())

	ci := crds.NewLocalhostContactInfo(self.Pubkey(), now)
	g.QueuePushValue(crds.NewSignedValue(&ci, self), now)

	pushes := g.NewPushMessages(now)
	require.NotEmpty(t, pushes)
	total := 0
	for peer, values := range pushes {
		assert.NotEqual(t, self.Pubkey(), peer)
		require.Len(t, values, 1)
		assert.Equal(t, self.Pubkey(), values[0].Pubkey())
		total++
	}
	assert.LessOrEqual(t, total, PushFanout)

	// The queue drained; a second round pushes nothing.
	assert.Empty(t, g.NewPushMessages(now))
}

func TestNewPushMessagesSkipsReplacedValue(t *testing.T) {
	self := identity.NewKeypair()
	g := NewCrdsGossip(self.Pubkey())
	now := uint64(1_000_000)
	rng := rand.New(rand.NewSource(2))
	insertContact(t, g.Crds, 0, now, now)
	refreshActiveSet(g, now, nil, rng)

	stale := crds.NewLocalhostContactInfo(self.Pubkey(), now-1)
	g.QueuePushValue(crds.NewSignedValue(&stale, self), now)
	replacement := crds.NewLocalhostContactInfo(self.Pubkey(), now)
	g.QueuePushValue(crds.NewSignedValue(&replacement, self), now)

	pushes := g.NewPushMessages(now)
	require.Len(t, pushes, 1)
	for _, values := range pushes {
		require.Len(t, values, 1)
		info, ok := values[0].Data.(*crds.ContactInfo)
		require.True(t, ok)
		assert.Equal(t, now, info.Wallclock)
	}
}

func TestProcessPruneMsgSuppressesOrigin(t *testing.T) {
	self := identity.NewKeypair()
	g := NewCrdsGossip(self.Pubkey())
	now := uint64(1_000_000)
	rng := rand.New(rand.NewSource(3))
	peer := insertContact(t, g.Crds, 0, now, now)
	refreshActiveSet(g, now, nil, rng)
	require.Equal(t, 1, g.Push.ActiveSetLen())

	origin := identity.NewKeypair()
	first := crds.NewLocalhostContactInfo(origin.Pubkey(), now-2)
	_, err := g.Push.ProcessPushMessage(g.Crds, peer.Pubkey(), crds.NewSignedValue(&first, origin), now)
	require.NoError(t, err)
	pushes := g.NewPushMessages(now)
	require.Len(t, pushes[peer.Pubkey()], 1)

	require.NoError(t, g.ProcessPruneMsg(peer.Pubkey(), self.Pubkey(), []identity.Pubkey{origin.Pubkey()}, now, now))

	second := crds.NewLocalhostContactInfo(origin.Pubkey(), now-1)
	_, err = g.Push.ProcessPushMessage(g.Crds, peer.Pubkey(), crds.NewSignedValue(&second, origin), now)
	require.NoError(t, err)
	assert.Empty(t, g.NewPushMessages(now))
}

func TestProcessPruneMsgErrors(t *testing.T) {
	self := identity.RandomPubkey()
	g := NewCrdsGossip(self)
	now := uint64(1_000_000)

	err := g.ProcessPruneMsg(identity.RandomPubkey(), self, nil, now-2*PruneMsgTimeoutMs, now)
	assert.ErrorIs(t, err, ErrPruneMessageTimeout)

	err = g.ProcessPruneMsg(identity.RandomPubkey(), identity.RandomPubkey(), nil, now, now)
	assert.ErrorIs(t, err, ErrBadPruneDestination)
}

func TestPruneReceivedCacheKeepsMinimumRoutes(t *testing.T) {
	self := identity.NewKeypair()
	g := NewCrdsGossip(self.Pubkey())
	now := uint64(1_000_000)
	rng := rand.New(rand.NewSource(4))

	origin := identity.NewKeypair()
	stakes := map[identity.Pubkey]uint64{
		self.Pubkey():   1_000,
		origin.Pubkey(): 1_000,
	}
	var relays []identity.Pubkey
	for i := 0; i < 8; i++ {
		kp := identity.NewKeypair()
		relays = append(relays, kp.Pubkey())
		stakes[kp.Pubkey()] = 1_000
	}
	for i, relay := range relays {
		originCI := crds.NewLocalhostContactInfo(origin.Pubkey(), now+uint64(i))
		g.Push.ProcessPushMessage(g.Crds, relay, crds.NewSignedValue(&originCI, origin), now)
	}

	// The keep set counts the origin itself, so two routes survive and
	// the rest are pruned.
	pruned := g.Push.PruneReceivedCache(self.Pubkey(), origin.Pubkey(), stakes, rng)
	require.Len(t, pruned, len(relays)-(pruneMinIngressNodes-1))

	// Pruned routes stay out of the keep set on later passes.
	again := g.Push.PruneReceivedCache(self.Pubkey(), origin.Pubkey(), stakes, rng)
	assert.ElementsMatch(t, pruned, again)
}

func TestPruneReceivedCacheBelowThreshold(t *testing.T) {
	self := identity.NewKeypair()
	g := NewCrdsGossip(self.Pubkey())
	now := uint64(1_000_000)
	rng := rand.New(rand.NewSource(5))

	// One unstaked route: total route stake misses the threshold, so
	// nothing is pruned.
	origin := identity.NewKeypair()
	originCI := crds.NewLocalhostContactInfo(origin.Pubkey(), now)
	relay := identity.RandomPubkey()
	g.Push.ProcessPushMessage(g.Crds, relay, crds.NewSignedValue(&originCI, origin), now)

	stakes := map[identity.Pubkey]uint64{self.Pubkey(): 1_000, origin.Pubkey(): 1_000}
	assert.Empty(t, g.Push.PruneReceivedCache(self.Pubkey(), origin.Pubkey(), stakes, rng))
}

func TestRefreshPushActiveSetFilters(t *testing.T) {
	self := identity.NewKeypair()
	g := NewCrdsGossip(self.Pubkey())
	g.SetShredVersion(7)
	now := uint64(1_000_000)
	rng := rand.New(rand.NewSource(6))

	selfCI := crds.NewLocalhostContactInfo(self.Pubkey(), now)
	selfCI.ShredVersion = 7
	_, err := g.Crds.Insert(crds.NewSignedValue(&selfCI, self), now)
	require.NoError(t, err)
	matching := insertContact(t, g.Crds, 7, now, now)
	unversioned := insertContact(t, g.Crds, 0, now, now)
	insertContact(t, g.Crds, 9, now, now)

	g.RefreshPushActiveSet(now, nil, rng)
	assert.Equal(t, 2, g.Push.ActiveSetLen())
	eligible := map[identity.Pubkey]bool{matching.Pubkey(): true, unversioned.Pubkey(): true}
	for _, e := range g.Push.active {
		assert.True(t, eligible[e.peer])
	}
}

func TestRefreshPushActiveSetRotates(t *testing.T) {
	self := identity.NewKeypair()
	g := NewCrdsGossip(self.Pubkey())
	now := uint64(1_000_000)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2*NumActive; i++ {
		insertContact(t, g.Crds, 0, now, now)
	}

	g.RefreshPushActiveSet(now, nil, rng)
	require.Equal(t, NumActive, g.Push.ActiveSetLen())
	before := make(map[identity.Pubkey]bool)
	for _, e := range g.Push.active {
		before[e.peer] = true
	}

	// NumActive-sized ratio rotation swaps part of the set out.
	g.Push.RefreshPushActiveSet(g.Crds, g.ID, 0, now, nil, g.Crds.Len(), 2, rng)
	assert.Equal(t, NumActive, g.Push.ActiveSetLen())
	rotated := 0
	for _, e := range g.Push.active {
		if !before[e.peer] {
			rotated++
		}
	}
	assert.Greater(t, rotated, 0)
}

func TestPurgeOldReceivedCache(t *testing.T) {
	g := NewCrdsGossip(identity.RandomPubkey())
	now := uint64(1_000_000)
	origin := identity.NewKeypair()
	originCI := crds.NewLocalhostContactInfo(origin.Pubkey(), now)
	g.Push.ProcessPushMessage(g.Crds, identity.RandomPubkey(), crds.NewSignedValue(&originCI, origin), now)
	require.Len(t, g.Push.receivedCache, 1)

	g.Push.PurgeOldReceivedCache(now - 1)
	assert.Len(t, g.Push.receivedCache, 1)
	g.Push.PurgeOldReceivedCache(now)
	assert.Empty(t, g.Push.receivedCache)
}

func TestPruneOldPendingPushMessages(t *testing.T) {
	self := identity.NewKeypair()
	g := NewCrdsGossip(self.Pubkey())
	now := uint64(1_000_000)

	ci := crds.NewLocalhostContactInfo(self.Pubkey(), now)
	g.QueuePushValue(crds.NewSignedValue(&ci, self), now)
	require.Len(t, g.Push.pushMessages, 1)

	g.Push.PruneOldPendingPushMessages(g.Crds, now)
	assert.Len(t, g.Push.pushMessages, 1)
	g.Push.PruneOldPendingPushMessages(g.Crds, now+2*PushMsgTimeoutMs)
	assert.Empty(t, g.Push.pushMessages)
}
