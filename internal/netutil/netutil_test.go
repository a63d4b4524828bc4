package netutil

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindToKernelPort(t *testing.T) {
	conn, err := BindTo(netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	defer conn.Close()

	got := AddrPort(conn)
	assert.True(t, got.Addr().IsLoopback())
	assert.NotZero(t, got.Port())
}

func TestBindInRange(t *testing.T) {
	ip := netip.MustParseAddr("127.0.0.1")
	r := PortRange{Lo: 20_000, Hi: 20_100}

	first, port1, err := BindInRange(ip, r)
	require.NoError(t, err)
	defer first.Close()
	assert.GreaterOrEqual(t, port1, r.Lo)
	assert.Less(t, port1, r.Hi)

	// The occupied port is skipped.
	second, port2, err := BindInRange(ip, r)
	require.NoError(t, err)
	defer second.Close()
	assert.NotEqual(t, port1, port2)
}

func TestBindInRangeExhausted(t *testing.T) {
	ip := netip.MustParseAddr("127.0.0.1")
	r := PortRange{Lo: 20_200, Hi: 20_202}

	a, _, err := BindInRange(ip, r)
	require.NoError(t, err)
	defer a.Close()
	b, _, err := BindInRange(ip, r)
	require.NoError(t, err)
	defer b.Close()

	_, _, err = BindInRange(ip, r)
	assert.Error(t, err)
}
