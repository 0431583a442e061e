package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"raft-election/internal/election"
	"raft-election/internal/logging"
	"raft-election/internal/metrics"
	"raft-election/internal/pubsub"
	"raft-election/internal/status"
	"raft-election/internal/transport"
)

func main() {
	nodes := flag.Int("nodes", 0, "Total number of nodes in the cluster")
	index := flag.Int("index", -1, "Index of this node, in [0, nodes)")
	kind := flag.String("transport", "udp", "Transport: udp or grpc")
	host := flag.String("host", "", "Run every node on this host with ports laid out from -port; empty resolves peers by node name")
	port := flag.Int("port", 8000, "Protocol port, or the base port when -host is set")
	ballotPort := flag.Int("ballot-port", 8001, "Ballot port when peers are resolved by node name (udp only)")
	unit := flag.Duration("unit", time.Second, "Time unit for election timeouts, heartbeats and stalls")
	seed := flag.Int64("seed", 0, "Seed for timeouts and stalls (0 seeds from the clock)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	statusAddr := flag.String("status", "", "Address of the HTTP status endpoint (empty disables it)")
	noStall := flag.Bool("no-stall", false, "Disable simulated leader stalls")
	metricsOut := flag.String("metrics-out", "", "Write a JSON metrics report here on shutdown (optional)")
	flag.Parse()

	if *nodes < 1 || *index < 0 || *index >= *nodes {
		fmt.Fprintln(os.Stderr, "usage: node -nodes N -index I [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	logger, err := logging.New(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(logger, options{
		nodes:      *nodes,
		index:      *index,
		kind:       *kind,
		host:       *host,
		port:       *port,
		ballotPort: *ballotPort,
		unit:       *unit,
		seed:       *seed,
		statusAddr: *statusAddr,
		noStall:    *noStall,
		metricsOut: *metricsOut,
	}); err != nil {
		logger.Fatalf("node failed: %v", err)
	}
}

type options struct {
	nodes, index     int
	kind, host       string
	port, ballotPort int
	unit             time.Duration
	seed             int64
	statusAddr       string
	noStall          bool
	metricsOut       string
}

func run(logger *logrus.Logger, opts options) error {
	name := transport.NodeName(opts.index)

	t, err := newTransport(name, opts, logger)
	if err != nil {
		return err
	}

	m := metrics.NewMetrics()
	bus := pubsub.NewPubSub(logger)
	defer bus.GracefulShutdown()

	cfg := election.DefaultConfigWithUnit(opts.unit)
	cfg.TotalNodes = opts.nodes
	cfg.SelfIndex = opts.index
	cfg.Seed = opts.seed
	cfg.Logger = logger
	cfg.Metrics = m
	cfg.Events = bus
	if opts.noStall {
		cfg.StallOneIn = 0
	}

	node, err := election.New(cfg, t)
	if err != nil {
		return err
	}

	roles := make(chan *pubsub.Event[election.RoleChangedPayload], 16)
	pubsub.Subscribe(bus, election.RoleChanged, roles, pubsub.SubscriptionOptions{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Infof("Starting %s (%d nodes, %s transport, unit %v)", name, opts.nodes, opts.kind, opts.unit)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Run(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case e, ok := <-roles:
				if !ok {
					return nil
				}
				p := e.Payload
				logger.WithField(logging.FieldNode, p.Node).WithField(logging.FieldTerm, p.Term).
					Infof("%s -> %s", p.From, p.To)
			}
		}
	})
	if opts.statusAddr != "" {
		srv := status.NewServer(node, m, opts.nodes, logger)
		g.Go(func() error { return srv.ListenAndServe(gctx, opts.statusAddr) })
	}

	err = g.Wait()
	logger.Info("Shutting down...")

	report := m.GetReport(opts.nodes)
	report.PrintReport(os.Stdout)
	if opts.metricsOut != "" {
		if saveErr := report.SaveJSON(opts.metricsOut); saveErr != nil {
			logger.Warnf("failed to save metrics: %v", saveErr)
		}
	}
	return err
}

func newTransport(name string, opts options, logger logrus.FieldLogger) (transport.Transport, error) {
	switch opts.kind {
	case "udp":
		if opts.host != "" {
			registry := transport.LocalRegistry(opts.host, opts.port, opts.nodes)
			bind, _ := registry.Lookup(name)
			return transport.NewUDPTransport(name, bind, registry, logger), nil
		}
		bind := transport.Endpoints{
			Protocol: net.JoinHostPort("", strconv.Itoa(opts.port)),
			Ballots:  net.JoinHostPort("", strconv.Itoa(opts.ballotPort)),
		}
		resolver := transport.HostResolver{ProtocolPort: opts.port, BallotPort: opts.ballotPort}
		return transport.NewUDPTransport(name, bind, resolver, logger), nil

	case "grpc":
		var registry *transport.Registry
		if opts.host != "" {
			registry = transport.LocalRegistry(opts.host, opts.port, opts.nodes)
		} else {
			registry = transport.NewRegistry(nil)
			for i := 0; i < opts.nodes; i++ {
				peer := transport.NodeName(i)
				addr := net.JoinHostPort(peer, strconv.Itoa(opts.port))
				registry.Set(peer, transport.Endpoints{Protocol: addr, Ballots: addr})
			}
		}
		bind := net.JoinHostPort("", strconv.Itoa(opts.port))
		if opts.host != "" {
			ep, _ := registry.Lookup(name)
			bind = ep.Protocol
		}
		return transport.NewGRPCTransport(name, bind, registry, logger), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", opts.kind)
	}
}
