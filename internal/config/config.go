// Package config loads daemon settings from a file and GOSSIP_*
// environment variables through viper.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/viper"

	"gossipnet/internal/cluster"
	"gossipnet/internal/identity"
	"gossipnet/internal/monitor"
)

const envPrefix = "GOSSIP"

type Config struct {
	// Identity is the keypair file path. Empty means ephemeral.
	Identity string `mapstructure:"identity"`

	// BindAddr is the IP the gossip socket binds. GossipHost, when
	// set, is advertised instead of the bind address.
	BindAddr   string `mapstructure:"bind_addr"`
	GossipHost string `mapstructure:"gossip_host"`

	// GossipPort 0 picks a port from the validator range.
	GossipPort   uint16 `mapstructure:"gossip_port"`
	ShredVersion uint16 `mapstructure:"shred_version"`

	// Entrypoint is the gossip address of a cluster seed node.
	Entrypoint string `mapstructure:"entrypoint"`

	// Spy nodes join gossip without advertising data-plane sockets.
	Spy bool `mapstructure:"spy"`

	// PingGate, when off, serves pull requests from unproven addresses
	// while still issuing challenges. A staged-rollout switch.
	PingGate bool `mapstructure:"ping_gate"`

	Log        LogConf              `mapstructure:"log"`
	Stakes     StakesConf           `mapstructure:"stakes"`
	Exporter   monitor.ExporterConf `mapstructure:"exporter"`
	PprofDebug PprofConf            `mapstructure:"pprof_debug"`
}

type LogConf struct {
	Level string `mapstructure:"level"`
}

type PprofConf struct {
	Enable  bool   `mapstructure:"enable"`
	Address string `mapstructure:"address"`

	// AllowPublic permits non-loopback pprof binds.
	AllowPublic bool `mapstructure:"allow_public"`
}

// StakesConf locates the JSON stake table. The table cannot live in
// the viper config: viper lowercases nested map keys, which corrupts
// base58 pubkeys.
type StakesConf struct {
	File string `mapstructure:"file"`
}

type stakesFile struct {
	EpochMs uint64            `json:"epoch_ms"`
	Nodes   map[string]uint64 `json:"nodes"`
}

// LoadStakes reads a stake table file: {"epoch_ms": 0, "nodes":
// {"<base58 pubkey>": stake}}.
func LoadStakes(path string) (*cluster.StaticStakes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f stakesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("stakes file %s: %w", path, err)
	}
	nodes := make(map[identity.Pubkey]uint64, len(f.Nodes))
	for key, stake := range f.Nodes {
		pk, err := identity.PubkeyFromBase58(key)
		if err != nil {
			return nil, fmt.Errorf("stakes node %q: %w", key, err)
		}
		nodes[pk] = stake
	}
	return &cluster.StaticStakes{Nodes: nodes, EpochMs: f.EpochMs}, nil
}

func Default() *Config {
	return &Config{
		BindAddr: "0.0.0.0",
		PingGate: true,
		Log:      LogConf{Level: "info"},
		Exporter: monitor.ExporterConf{Address: ":9100"},
		PprofDebug: PprofConf{
			Address: "127.0.0.1:6060",
		},
	}
}

var defaultConfig = Default()

// InitConfig reads the optional config file at path, applies GOSSIP_*
// environment overrides, and installs the result for Get.
func InitConfig(path string) error {
	def := Default()
	viper.SetDefault("identity", def.Identity)
	viper.SetDefault("bind_addr", def.BindAddr)
	viper.SetDefault("gossip_host", def.GossipHost)
	viper.SetDefault("gossip_port", def.GossipPort)
	viper.SetDefault("shred_version", def.ShredVersion)
	viper.SetDefault("entrypoint", def.Entrypoint)
	viper.SetDefault("spy", def.Spy)
	viper.SetDefault("ping_gate", def.PingGate)
	viper.SetDefault("log.level", def.Log.Level)
	viper.SetDefault("stakes.file", def.Stakes.File)
	viper.SetDefault("exporter.enable", def.Exporter.Enable)
	viper.SetDefault("exporter.address", def.Exporter.Address)
	viper.SetDefault("pprof_debug.enable", def.PprofDebug.Enable)
	viper.SetDefault("pprof_debug.address", def.PprofDebug.Address)
	viper.SetDefault("pprof_debug.allow_public", def.PprofDebug.AllowPublic)

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return err
		}
	}

	cfg := new(Config)
	if err := viper.Unmarshal(cfg); err != nil {
		return err
	}
	clamp(cfg)
	defaultConfig = cfg
	return nil
}

func Get() *Config {
	return defaultConfig
}

func clamp(cfg *Config) {
	if net.ParseIP(cfg.BindAddr) == nil {
		cfg.BindAddr = "0.0.0.0"
	}
	if cfg.GossipHost != "" && net.ParseIP(cfg.GossipHost) == nil {
		cfg.GossipHost = ""
	}
	if cfg.Exporter.Enable && cfg.Exporter.Address == "" {
		cfg.Exporter.Address = ":9100"
	}
	if cfg.PprofDebug.Enable && cfg.PprofDebug.Address == "" {
		cfg.PprofDebug.Address = "127.0.0.1:6060"
	}
}
