package election

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"raft-election/internal/logging"
	"raft-election/internal/transport"
	"raft-election/internal/wire"
)

// Node is one participant of the election. It runs a dispatcher over its protocol inbox and a heartbeat
// driver, plus one short-lived vote coordinator per candidacy.
type Node struct {
	cfg       Config
	name      string
	peers     []string
	transport transport.Transport

	logger  logrus.FieldLogger
	metrics MetricsCollector
	clock   *clock
	state   *electionState

	// stallCh holds a stall requested through InjectStall for the next heartbeat tick.
	stallCh chan time.Duration
	// ballotMu is held by the coordinator collecting ballots, so a cancelled round cannot consume the
	// ballots of its successor.
	ballotMu sync.Mutex
	running  atomic.Bool
}

// New validates cfg and builds a node that communicates through t. The node owns t from Run onwards.
func New(cfg *Config, t transport.Transport) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	name := transport.NodeName(cfg.SelfIndex)
	peers := make([]string, 0, cfg.TotalNodes-1)
	for i := 0; i < cfg.TotalNodes; i++ {
		if i != cfg.SelfIndex {
			peers = append(peers, transport.NodeName(i))
		}
	}

	var collector MetricsCollector = noopMetrics{}
	if cfg.Metrics != nil {
		collector = cfg.Metrics
	}

	return &Node{
		cfg:       *cfg,
		name:      name,
		peers:     peers,
		transport: t,
		logger:    logging.OrDiscard(cfg.Logger).WithField(logging.FieldNode, name),
		metrics:   collector,
		clock:     newClock(cfg.Seed, cfg.ElectionTimeoutMin, cfg.ElectionTimeoutMax),
		state:     newElectionState(name, cfg.Events),
		stallCh:   make(chan time.Duration, 1),
	}, nil
}

// Name is the node's address under the "Node"+index naming scheme.
func (n *Node) Name() string { return n.name }

// Peers lists every other node of the cluster.
func (n *Node) Peers() []string {
	return append([]string(nil), n.peers...)
}

// Status returns a snapshot of the node's election state.
func (n *Node) Status() Status { return n.state.snapshot() }

// InjectStall makes the next heartbeat tick hold for d instead of broadcasting, as if the leader hung. It has
// no effect until the node leads, and a later call replaces a pending one.
func (n *Node) InjectStall(d time.Duration) {
	for {
		select {
		case n.stallCh <- d:
			return
		default:
		}
		select {
		case <-n.stallCh:
		default:
		}
	}
}

// Run starts the transport and takes part in elections until ctx is cancelled. Peer failures never end Run;
// it returns an error only when the transport cannot start. The transport is closed on return.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	if err := n.transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	defer func() {
		if err := n.transport.Close(); err != nil {
			n.logger.Warnf("[NODE] failed to close transport: %v", err)
		}
	}()

	n.logger.Infof("[NODE] starting as %s with %d peers", Follower, len(n.peers))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.dispatch(gctx, g)
		return nil
	})
	g.Go(func() error {
		n.driveHeartbeats(gctx)
		return nil
	})
	err := g.Wait()

	n.logger.Infof("[NODE] stopped at term %d", n.state.snapshot().Term)
	return err
}

// logFor attaches the term to the node's logger.
func (n *Node) logFor(term uint64) logrus.FieldLogger {
	return n.logger.WithField(logging.FieldTerm, term)
}

// broadcast sends msg to every peer concurrently and waits for all sends. Failures are logged and counted,
// never returned: a lost message is indistinguishable from a late one.
func (n *Node) broadcast(ctx context.Context, ch wire.Channel, msg wire.Message) (sent int) {
	var ok atomic.Int64
	g := errgroup.Group{}
	for _, peer := range n.peers {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
			defer cancel()

			if err := n.transport.Send(sendCtx, peer, ch, msg); err != nil {
				entry := n.logFor(msg.MessageTerm())
				if id, has := roundFrom(ctx); has {
					entry = entry.WithField("round", id)
				}
				entry.Debugf("[NODE] failed to send %s to %s: %v", msg.Kind(), peer, err)
				return err
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load())
}

// sleep waits for d or until ctx is done. It reports false in the latter case.
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
