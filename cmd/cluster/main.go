package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"raft-election/internal/election"
	"raft-election/internal/logging"
	"raft-election/internal/metrics"
	"raft-election/internal/pubsub"
	"raft-election/internal/transport"
)

func main() {
	clusterSize := flag.Int("nodes", 5, "Number of nodes in the cluster")
	duration := flag.Duration("duration", 10*time.Second, "How long to run the simulation")
	unit := flag.Duration("unit", 100*time.Millisecond, "Time unit for election timeouts, heartbeats and stalls")
	loss := flag.Float64("loss", 0.05, "Probability that a message is lost")
	maxDelay := flag.Duration("delay", 10*time.Millisecond, "Maximum message delay")
	seed := flag.Int64("seed", 1, "Seed for the network and the nodes")
	partition := flag.Bool("partition", true, "Isolate the leader for a third of the run")
	logLevel := flag.String("log-level", "warn", "Log level for node output")
	outputFile := flag.String("output", "", "Output JSON file for metrics (optional)")
	flag.Parse()

	if *clusterSize < 1 {
		log.Fatal("Cluster size must be at least 1")
	}

	logger, err := logging.New(*logLevel)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("========================================")
	fmt.Println("LEADER ELECTION SIMULATION")
	fmt.Println("========================================")
	fmt.Printf("Nodes: %d  Unit: %v  Loss: %.0f%%  Delay: 0-%v\n", *clusterSize, *unit, *loss*100, *maxDelay)
	fmt.Println("========================================")
	fmt.Println()

	network := transport.NewMemoryNetwork(
		transport.WithLoss(*loss),
		transport.WithDelay(0, *maxDelay),
		transport.WithSeed(*seed),
	)
	sharedMetrics := metrics.NewMetrics()
	bus := pubsub.NewPubSub(logger)

	var nodes []*election.Node
	for i := 0; i < *clusterSize; i++ {
		cfg := election.DefaultConfigWithUnit(*unit)
		cfg.TotalNodes = *clusterSize
		cfg.SelfIndex = i
		cfg.Seed = *seed + int64(i)
		cfg.Logger = logger
		cfg.Metrics = sharedMetrics
		cfg.Events = bus

		n, err := election.New(cfg, network.Join(transport.NodeName(i)))
		if err != nil {
			log.Fatalf("Failed to create node %d: %v", i, err)
		}
		nodes = append(nodes, n)
	}

	tl := newTimeline()
	roles := make(chan *pubsub.Event[election.RoleChangedPayload], 256)
	stalls := make(chan *pubsub.Event[election.StallPayload], 64)
	pubsub.Subscribe(bus, election.RoleChanged, roles, pubsub.SubscriptionOptions{IsBlocking: true})
	pubsub.Subscribe(bus, election.LeaderStalled, stalls, pubsub.SubscriptionOptions{IsBlocking: true})
	collected := tl.collect(roles, stalls)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		g.Go(func() error { return n.Run(gctx) })
	}
	if *partition {
		g.Go(func() error {
			partitionLeader(gctx, network, nodes, *duration, tl)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Printf("Simulation stopped: %v", err)
	}
	bus.GracefulShutdown()
	<-collected

	fmt.Println("========================================")
	fmt.Println("TIMELINE")
	fmt.Println("========================================")
	tl.print()
	fmt.Println()

	fmt.Println("========================================")
	fmt.Println("FINAL STATE")
	fmt.Println("========================================")
	for _, n := range nodes {
		st := n.Status()
		fmt.Printf("  %-6s %-9s term=%-4d leader=%s\n", st.Name, st.Role, st.Term, st.Leader)
	}
	fmt.Println()

	report := sharedMetrics.GetReport(*clusterSize)
	report.PrintReport(os.Stdout)
	fmt.Printf("  Network delivered %d, dropped %d\n", network.Delivered(), network.Dropped())

	if *outputFile != "" {
		if err := report.SaveJSON(*outputFile); err != nil {
			log.Printf("Failed to save metrics: %v", err)
		} else {
			fmt.Printf("\n✓ Metrics saved to %s\n", *outputFile)
		}
	}
}

// partitionLeader isolates whoever leads at a third of the run and heals it at two thirds.
func partitionLeader(ctx context.Context, network *transport.MemoryNetwork, nodes []*election.Node, total time.Duration, tl *timeline) {
	third := total / 3
	if !sleep(ctx, third) {
		return
	}

	var isolated string
	for _, n := range nodes {
		if n.Status().Role == election.Leader {
			isolated = n.Name()
			break
		}
	}
	if isolated == "" {
		tl.note("no leader to isolate")
		return
	}

	network.Isolate(isolated)
	tl.note(fmt.Sprintf("isolated %s", isolated))
	if !sleep(ctx, third) {
		return
	}
	network.Heal(isolated)
	tl.note(fmt.Sprintf("healed %s", isolated))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type entry struct {
	at   time.Time
	text string
	tint *color.Color
}

// timeline gathers events from every node in arrival order.
type timeline struct {
	start   time.Time
	mu      sync.Mutex
	entries []entry
}

func newTimeline() *timeline {
	return &timeline{start: time.Now()}
}

func (t *timeline) add(text string, tint *color.Color) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry{at: time.Now(), text: text, tint: tint})
}

func (t *timeline) note(text string) {
	t.add("*** "+text, color.New(color.FgMagenta, color.Bold))
}

// collect reads both subscriptions until the bus closes them. The returned channel closes when it is done.
func (t *timeline) collect(roles <-chan *pubsub.Event[election.RoleChangedPayload], stalls <-chan *pubsub.Event[election.StallPayload]) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for roles != nil || stalls != nil {
			select {
			case e, ok := <-roles:
				if !ok {
					roles = nil
					continue
				}
				p := e.Payload
				tint := color.New(color.FgWhite)
				switch p.To {
				case election.Leader:
					tint = color.New(color.FgGreen, color.Bold)
				case election.Candidate:
					tint = color.New(color.FgYellow)
				}
				t.add(fmt.Sprintf("%-6s term %-4d %s -> %s", p.Node, p.Term, p.From, p.To), tint)
			case e, ok := <-stalls:
				if !ok {
					stalls = nil
					continue
				}
				p := e.Payload
				t.add(fmt.Sprintf("%-6s term %-4d stalled for %v", p.Node, p.Term, p.Duration), color.New(color.FgRed))
			}
		}
	}()
	return done
}

func (t *timeline) print() {
	t.mu.Lock()
	defer t.mu.Unlock()

	sort.SliceStable(t.entries, func(i, j int) bool { return t.entries[i].at.Before(t.entries[j].at) })
	for _, e := range t.entries {
		e.tint.Printf("  %8.3fs  %s\n", e.at.Sub(t.start).Seconds(), e.text)
	}
}
