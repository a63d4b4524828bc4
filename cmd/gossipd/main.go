package main

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gossipnet/internal/cluster"
	"gossipnet/internal/config"
	"gossipnet/internal/crds"
	"gossipnet/internal/identity"
	"gossipnet/internal/monitor"
	"gossipnet/internal/netutil"
	"gossipnet/internal/pprofutil"
)

// Set at build time.
var (
	BuildDate    string
	BuildVersion string
)

func main() {
	app := cli.NewApp()
	app.Name = "gossipd"
	app.Usage = "validator gossip node"
	app.Version = BuildVersion
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config,c",
			Usage: "config file path",
		},
		cli.StringFlag{
			Name:  "log,l",
			Usage: "log level: trace,debug,info,warning,error",
			Value: "info",
		},
		cli.StringFlag{
			Name:  "identity,i",
			Usage: "keypair file, generated when absent",
		},
		cli.UintFlag{
			Name:  "gossip-port,p",
			Usage: "gossip UDP port, 0 picks one from the validator range",
		},
		cli.StringFlag{
			Name:  "gossip-host",
			Usage: "IP to advertise for the gossip socket",
		},
		cli.StringFlag{
			Name:  "entrypoint,e",
			Usage: "gossip address of a cluster seed node (host:port)",
		},
		cli.UintFlag{
			Name:  "shred-version",
			Usage: "cluster shred version, 0 adopts the entrypoint's",
		},
		cli.BoolFlag{
			Name:  "spy",
			Usage: "join gossip without advertising data-plane sockets",
		},
	}
	app.Before = initConfig
	app.Action = start
	if err := app.Run(os.Args); err != nil {
		logrus.Errorf("failed to run application: %v", err)
		os.Exit(1)
	}
}

// initConfig layers settings: config file, then GOSSIP_* environment,
// then command-line flags.
func initConfig(c *cli.Context) error {
	_ = godotenv.Load()

	lv, err := logrus.ParseLevel(c.String("log"))
	if err != nil {
		return err
	}
	logrus.SetLevel(lv)

	if err := config.InitConfig(c.String("config")); err != nil {
		return err
	}
	cfg := config.Get()
	if c.IsSet("identity") {
		cfg.Identity = c.String("identity")
	}
	if c.IsSet("gossip-port") {
		cfg.GossipPort = uint16(c.Uint("gossip-port"))
	}
	if c.IsSet("gossip-host") {
		cfg.GossipHost = c.String("gossip-host")
	}
	if c.IsSet("entrypoint") {
		cfg.Entrypoint = c.String("entrypoint")
	}
	if c.IsSet("shred-version") {
		cfg.ShredVersion = uint16(c.Uint("shred-version"))
	}
	if c.IsSet("spy") {
		cfg.Spy = true
	}
	return nil
}

func start(c *cli.Context) error {
	cfg := config.Get()

	kp, err := loadIdentity(cfg.Identity)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	var (
		node *cluster.Node
		info crds.ContactInfo
		conn *net.UDPConn
	)
	if cfg.Spy {
		info, conn, err = cluster.SpyNode(kp.Pubkey(), cfg.ShredVersion)
		if err != nil {
			return err
		}
	} else {
		node, err = bindNode(cfg, kp.Pubkey())
		if err != nil {
			return err
		}
		info, conn = node.Info, node.Sockets.Gossip
	}

	ci, err := cluster.New(info, kp)
	if err != nil {
		return err
	}
	ci.SetPingGate(cfg.PingGate)
	if cfg.Entrypoint != "" {
		addr, err := netip.ParseAddrPort(cfg.Entrypoint)
		if err != nil {
			return fmt.Errorf("entrypoint %q: %w", cfg.Entrypoint, err)
		}
		ci.SetEntrypoint(crds.NewGossipEntrypoint(addr))
	}

	stakes := &cluster.StaticStakes{}
	if cfg.Stakes.File != "" {
		stakes, err = config.LoadStakes(cfg.Stakes.File)
		if err != nil {
			return err
		}
		logrus.Infof("loaded %d staked nodes", len(stakes.Nodes))
	}

	exit := new(atomic.Bool)
	svc := cluster.NewGossipService(ci, stakes, conn, exit)

	if cfg.Exporter.Enable {
		collectors := []prometheus.Collector{
			monitor.NewStatsExporter("engine", ci.Stats()),
			monitor.NewStatsExporter("streamer", svc.Net),
			monitor.NewGaugeFunc("crds", "num_nodes", "Distinct nodes in the contact table.",
				func() float64 { return float64(len(ci.AllPeers())) }),
		}
		go func() {
			if err := monitor.RunPrometheusExporter(&cfg.Exporter, collectors...); err != nil {
				logrus.WithError(err).Error("prometheus exporter failed")
			}
		}()
	}
	if cfg.PprofDebug.Enable {
		if err := pprofutil.Start(cfg.PprofDebug.Address, cfg.PprofDebug.AllowPublic); err != nil {
			return err
		}
	}

	logrus.Infof("gossip listening on %s (node %s, shred version %d)",
		netutil.AddrPort(conn), kp.Pubkey(), cfg.ShredVersion)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for sig := range sigs {
		switch sig {
		case syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT:
			logrus.Info("received shutdown signal, stopping gossip")
			svc.Close()
			if node != nil {
				node.Sockets.Close()
			} else {
				conn.Close()
			}
			return nil
		case syscall.SIGHUP:
			fmt.Println(ci.ContactInfoTrace())
		}
	}
	return nil
}

// bindNode binds the full validator socket set per the config.
func bindNode(cfg *config.Config, id identity.Pubkey) (*cluster.Node, error) {
	bindIP, err := netip.ParseAddr(cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("bind_addr %q: %w", cfg.BindAddr, err)
	}
	advertise := bindIP
	if cfg.GossipHost != "" {
		advertise, err = netip.ParseAddr(cfg.GossipHost)
		if err != nil {
			return nil, fmt.Errorf("gossip_host %q: %w", cfg.GossipHost, err)
		}
	} else if bindIP.IsUnspecified() {
		advertise = netip.MustParseAddr("127.0.0.1")
	}
	gossipAddr := netip.AddrPortFrom(advertise, cfg.GossipPort)
	return cluster.NewNodeWithExternalIP(id, gossipAddr, cluster.ValidatorPortRange, bindIP, cfg.ShredVersion)
}

// loadIdentity reads the keypair file, generating and saving a fresh
// one when the file does not exist. An empty path means ephemeral.
func loadIdentity(path string) (*identity.Keypair, error) {
	if path == "" {
		return identity.NewKeypair(), nil
	}
	kp, err := identity.LoadKeypair(path)
	if errors.Is(err, os.ErrNotExist) {
		kp = identity.NewKeypair()
		if err := identity.SaveKeypair(path, kp); err != nil {
			return nil, err
		}
		logrus.Infof("generated new identity at %s", path)
		return kp, nil
	}
	return kp, err
}
