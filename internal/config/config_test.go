package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gossipnet/internal/identity"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestInitConfigDefaults(t *testing.T) {
	viper.Reset()
	require.NoError(t, InitConfig(""))

	cfg := Get()
	assert.Equal(t, "0.0.0.0", cfg.BindAddr)
	assert.Equal(t, uint16(0), cfg.GossipPort)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Spy)
	assert.False(t, cfg.Exporter.Enable)
	assert.Equal(t, ":9100", cfg.Exporter.Address)
}

func TestInitConfigFromFile(t *testing.T) {
	viper.Reset()
	path := writeFile(t, "gossip.yaml", `
bind_addr: 127.0.0.1
gossip_port: 8005
shred_version: 3
spy: true
entrypoint: 10.0.0.1:8001
log:
  level: debug
exporter:
  enable: true
  address: ":9200"
`)
	require.NoError(t, InitConfig(path))

	cfg := Get()
	assert.Equal(t, "127.0.0.1", cfg.BindAddr)
	assert.Equal(t, uint16(8005), cfg.GossipPort)
	assert.Equal(t, uint16(3), cfg.ShredVersion)
	assert.True(t, cfg.Spy)
	assert.Equal(t, "10.0.0.1:8001", cfg.Entrypoint)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Exporter.Enable)
	assert.Equal(t, ":9200", cfg.Exporter.Address)
}

func TestInitConfigEnvOverride(t *testing.T) {
	viper.Reset()
	t.Setenv("GOSSIP_SHRED_VERSION", "7")
	t.Setenv("GOSSIP_LOG_LEVEL", "trace")
	require.NoError(t, InitConfig(""))

	cfg := Get()
	assert.Equal(t, uint16(7), cfg.ShredVersion)
	assert.Equal(t, "trace", cfg.Log.Level)
}

func TestInitConfigClampsBadAddrs(t *testing.T) {
	viper.Reset()
	path := writeFile(t, "gossip.yaml", `
bind_addr: not-an-ip
gossip_host: also-bad
pprof_debug:
  enable: true
  address: ""
`)
	require.NoError(t, InitConfig(path))

	cfg := Get()
	assert.Equal(t, "0.0.0.0", cfg.BindAddr)
	assert.Empty(t, cfg.GossipHost)
	assert.Equal(t, "127.0.0.1:6060", cfg.PprofDebug.Address)
}

func TestInitConfigMissingFile(t *testing.T) {
	viper.Reset()
	assert.Error(t, InitConfig(filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestLoadStakes(t *testing.T) {
	kp := identity.NewKeypair()
	path := writeFile(t, "stakes.json", fmt.Sprintf(
		`{"epoch_ms": 5000, "nodes": {"%s": 100}}`, kp.Pubkey()))

	stakes, err := LoadStakes(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), stakes.EpochMs)
	assert.Equal(t, uint64(100), stakes.Nodes[kp.Pubkey()])
}

func TestLoadStakesRejectsBadPubkey(t *testing.T) {
	path := writeFile(t, "stakes.json", `{"nodes": {"!!": 1}}`)
	_, err := LoadStakes(path)
	assert.Error(t, err)
}
