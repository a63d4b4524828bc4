package pingpong

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gossipnet/internal/identity"
	"gossipnet/internal/wire"
)

func testAddr(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port)
}

func TestPingPongVerify(t *testing.T) {
	us := identity.NewKeypair()
	them := identity.NewKeypair()

	ping := NewPing(us)
	assert.True(t, ping.Verify())

	pong := NewPong(&ping, them)
	assert.True(t, pong.Verify())
	assert.Equal(t, HashToken(ping.Token), pong.Hash)

	pong.Hash[0] ^= 1
	assert.False(t, pong.Verify())
}

func TestPingPongWireRoundTrip(t *testing.T) {
	kp := identity.NewKeypair()
	ping := NewPing(kp)
	w := wire.NewWriter()
	ping.EncodeTo(w)
	r := wire.NewReader(w.Bytes())
	got := DecodePing(r)
	require.NoError(t, r.Err())
	assert.Equal(t, ping, got)
	assert.True(t, got.Verify())

	pong := NewPong(&ping, kp)
	w = wire.NewWriter()
	pong.EncodeTo(w)
	r = wire.NewReader(w.Bytes())
	gotPong := DecodePong(r)
	require.NoError(t, r.Err())
	assert.Equal(t, pong, gotPong)
	assert.True(t, gotPong.Verify())
}

func TestCheckLifecycle(t *testing.T) {
	us := identity.NewKeypair()
	them := identity.NewKeypair()
	cache, err := NewCache(time.Minute, 16)
	require.NoError(t, err)

	now := time.Now()
	addr := testAddr(8001)
	pingf := func() Ping { return NewPing(us) }

	// Never pinged: fails, and a challenge goes out.
	passed, ping := cache.Check(now, them.Pubkey(), addr, pingf)
	assert.False(t, passed)
	require.NotNil(t, ping)

	// Still unverified, but rate limited: no second challenge yet.
	passed, dup := cache.Check(now.Add(time.Millisecond), them.Pubkey(), addr, pingf)
	assert.False(t, passed)
	assert.Nil(t, dup)

	// Matching pong flips the pair to passing.
	pong := NewPong(ping, them)
	require.True(t, cache.Add(&pong, addr, now))
	passed, _ = cache.Check(now.Add(time.Second), them.Pubkey(), addr, pingf)
	assert.True(t, passed)

	// Same pubkey from another address is still unverified.
	passed, _ = cache.Check(now.Add(time.Second), them.Pubkey(), testAddr(8002), pingf)
	assert.False(t, passed)

	// Expiry: fails again after the ttl, and a refresh ping goes out
	// once 3/4 of the ttl has elapsed.
	passed, refresh := cache.Check(now.Add(46*time.Second), them.Pubkey(), addr, pingf)
	assert.True(t, passed)
	assert.NotNil(t, refresh)
	passed, _ = cache.Check(now.Add(2*time.Minute), them.Pubkey(), addr, pingf)
	assert.False(t, passed)
}

func TestAddRejectsUnsolicitedPong(t *testing.T) {
	us := identity.NewKeypair()
	them := identity.NewKeypair()
	cache, err := NewCache(time.Minute, 16)
	require.NoError(t, err)

	now := time.Now()
	addr := testAddr(8001)

	// No outstanding challenge at all.
	ping := NewPing(us)
	pong := NewPong(&ping, them)
	assert.False(t, cache.Add(&pong, addr, now))

	// Challenge outstanding but the echo is for a different token.
	_, sent := cache.Check(now, them.Pubkey(), addr, func() Ping { return NewPing(us) })
	require.NotNil(t, sent)
	stale := NewPong(&ping, them)
	assert.False(t, cache.Add(&stale, addr, now))

	// Bad signature on an otherwise correct echo.
	good := NewPong(sent, them)
	good.Signature[0] ^= 1
	assert.False(t, cache.Add(&good, addr, now))

	// The genuine echo still works.
	good = NewPong(sent, them)
	assert.True(t, cache.Add(&good, addr, now))
}

func TestCacheCapacityEvictsOldest(t *testing.T) {
	us := identity.NewKeypair()
	cache, err := NewCache(time.Minute, 2)
	require.NoError(t, err)

	now := time.Now()
	peers := make([]*identity.Keypair, 3)
	for i := range peers {
		peers[i] = identity.NewKeypair()
		addr := testAddr(uint16(9000 + i))
		_, ping := cache.Check(now, peers[i].Pubkey(), addr, func() Ping { return NewPing(us) })
		require.NotNil(t, ping, "peer %d", i)
		pong := NewPong(ping, peers[i])
		require.True(t, cache.Add(&pong, addr, now))
	}

	// Capacity 2: the first pair was evicted, the last two still pass.
	passed, _ := cache.Check(now, peers[0].Pubkey(), testAddr(9000), func() Ping { return NewPing(us) })
	assert.False(t, passed)
	for i := 1; i < 3; i++ {
		passed, _ := cache.Check(now, peers[i].Pubkey(), testAddr(uint16(9000+i)), func() Ping { return NewPing(us) })
		assert.True(t, passed, fmt.Sprintf("peer %d", i))
	}
}

func TestNewCacheRejectsBadCapacity(t *testing.T) {
	_, err := NewCache(time.Minute, 0)
	assert.Error(t, err)
}
