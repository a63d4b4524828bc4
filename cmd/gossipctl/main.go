package main

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gossipnet/internal/cluster"
	"gossipnet/internal/identity"
)

func main() {
	app := cli.NewApp()
	app.Name = "gossipctl"
	app.Usage = "observe a running gossip cluster"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log,l",
			Usage: "log level: trace,debug,info,warning,error",
			Value: "info",
		},
	}
	app.Before = func(c *cli.Context) error {
		lv, err := logrus.ParseLevel(c.GlobalString("log"))
		if err != nil {
			return err
		}
		logrus.SetLevel(lv)
		return nil
	}

	discoverFlags := []cli.Flag{
		cli.StringFlag{
			Name:  "entrypoint,e",
			Usage: "gossip address of a cluster seed node (host:port)",
		},
		cli.IntFlag{
			Name:  "num-nodes,n",
			Usage: "stop once this many validators are visible",
		},
		cli.DurationFlag{
			Name:  "timeout,t",
			Usage: "give up after this long",
			Value: 60 * time.Second,
		},
		cli.UintFlag{
			Name:  "shred-version",
			Usage: "cluster shred version",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "spy",
			Usage: "run a spy node until the requested peers are visible",
			Flags: append(discoverFlags,
				cli.StringFlag{
					Name:  "pubkey",
					Usage: "stop once this node identity is visible",
				},
				cli.StringFlag{
					Name:  "gossip-addr",
					Usage: "stop once this gossip address is visible",
				},
				cli.StringFlag{
					Name:  "gossip-host",
					Usage: "IP to bind and advertise instead of spying",
				},
				cli.UintFlag{
					Name:  "gossip-port,p",
					Usage: "port for the advertised gossip socket",
				},
			),
			Action: runSpy,
		},
		{
			Name:   "rpc-url",
			Usage:  "discover a node with client-facing RPC and print its URL",
			Flags:  discoverFlags,
			Action: runRPCURL,
		},
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Errorf("failed to run application: %v", err)
		os.Exit(1)
	}
}

// discoverOptions translates the shared command flags.
func discoverOptions(c *cli.Context) (cluster.DiscoverOptions, error) {
	opts := cluster.DiscoverOptions{
		NumNodes:     c.Int("num-nodes"),
		Timeout:      c.Duration("timeout"),
		ShredVersion: uint16(c.Uint("shred-version")),
	}
	if ep := c.String("entrypoint"); ep != "" {
		addr, err := netip.ParseAddrPort(ep)
		if err != nil {
			return opts, fmt.Errorf("entrypoint %q: %w", ep, err)
		}
		opts.Entrypoint = addr
	}
	return opts, nil
}

func runSpy(c *cli.Context) error {
	opts, err := discoverOptions(c)
	if err != nil {
		return err
	}
	if pk := c.String("pubkey"); pk != "" {
		id, err := identity.PubkeyFromBase58(pk)
		if err != nil {
			return fmt.Errorf("pubkey %q: %w", pk, err)
		}
		opts.FindPubkey = id
	}
	if ga := c.String("gossip-addr"); ga != "" {
		addr, err := netip.ParseAddrPort(ga)
		if err != nil {
			return fmt.Errorf("gossip-addr %q: %w", ga, err)
		}
		opts.FindGossipAddr = addr
	}
	if host, port := c.String("gossip-host"), c.Uint("gossip-port"); host != "" || port != 0 {
		if host == "" {
			host = "127.0.0.1"
		}
		ip, err := netip.ParseAddr(host)
		if err != nil {
			return fmt.Errorf("gossip-host %q: %w", host, err)
		}
		opts.GossipAddr = netip.AddrPortFrom(ip, uint16(port))
	}
	if opts.NumNodes == 0 && opts.FindPubkey.IsZero() && !opts.FindGossipAddr.IsValid() {
		opts.NumNodes = 1
	}

	peers, validators, err := cluster.Discover(opts)
	if err != nil {
		return err
	}
	for _, v := range validators {
		fmt.Printf("%s gossip=%s tvu=%s\n", v.ID, v.Gossip, v.TVU)
	}
	fmt.Printf("%d peers, %d validators\n", len(peers), len(validators))
	return nil
}

func runRPCURL(c *cli.Context) error {
	opts, err := discoverOptions(c)
	if err != nil {
		return err
	}
	if opts.NumNodes == 0 {
		opts.NumNodes = 1
	}
	peers, _, err := cluster.Discover(opts)
	if err != nil {
		return err
	}
	for i := range peers {
		if rpc, _, ok := peers[i].ValidClientFacingAddr(); ok {
			fmt.Printf("http://%s\n", rpc)
			return nil
		}
	}
	return fmt.Errorf("no RPC-enabled nodes found")
}
