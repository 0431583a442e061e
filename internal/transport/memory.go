package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"raft-election/internal/wire"
)

// MemoryNetwork connects MemoryTransports in a single process. It can lose, delay and partition traffic to
// exercise the protocol's tolerance of an unreliable network.
type MemoryNetwork struct {
	mu       sync.RWMutex
	nodes    map[string]*MemoryTransport
	isolated map[string]bool

	loss     float64
	minDelay time.Duration
	maxDelay time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// MemoryOption configures a MemoryNetwork.
type MemoryOption func(*MemoryNetwork)

// WithLoss drops each message independently with probability p.
func WithLoss(p float64) MemoryOption {
	return func(n *MemoryNetwork) { n.loss = p }
}

// WithDelay delays each message by a duration drawn uniformly from [lo, hi].
func WithDelay(lo, hi time.Duration) MemoryOption {
	return func(n *MemoryNetwork) {
		n.minDelay = lo
		n.maxDelay = hi
	}
}

// WithSeed makes loss and delay decisions reproducible.
func WithSeed(seed int64) MemoryOption {
	return func(n *MemoryNetwork) { n.rng = rand.New(rand.NewSource(seed)) }
}

// NewMemoryNetwork creates an empty network. Without options it is lossless with zero delay.
func NewMemoryNetwork(opts ...MemoryOption) *MemoryNetwork {
	n := &MemoryNetwork{
		nodes:    make(map[string]*MemoryTransport),
		isolated: make(map[string]bool),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Join attaches a new transport for the named node. Joining an existing name replaces the previous transport.
func (n *MemoryNetwork) Join(name string) *MemoryTransport {
	t := &MemoryTransport{
		name:    name,
		network: n,
		inbox:   newInbox(DefaultInboxSize),
	}

	n.mu.Lock()
	n.nodes[name] = t
	n.mu.Unlock()

	return t
}

// Isolate cuts the named node off: everything it sends or should receive is refused until Heal.
func (n *MemoryNetwork) Isolate(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[name] = true
}

// Heal reconnects a node cut off by Isolate.
func (n *MemoryNetwork) Heal(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.isolated, name)
}

// Delivered is the number of messages that reached an inbox.
func (n *MemoryNetwork) Delivered() uint64 { return n.delivered.Load() }

// Dropped is the number of messages lost to WithLoss or to full inboxes.
func (n *MemoryNetwork) Dropped() uint64 { return n.dropped.Load() }

// sample returns whether the message is lost and how long it is delayed.
func (n *MemoryNetwork) sample() (lost bool, delay time.Duration) {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()

	if n.loss > 0 && n.rng.Float64() < n.loss {
		return true, 0
	}
	delay = n.minDelay
	if span := n.maxDelay - n.minDelay; span > 0 {
		delay += time.Duration(n.rng.Int63n(int64(span) + 1))
	}
	return false, delay
}

func (n *MemoryNetwork) route(from, to string) (*MemoryTransport, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peer, ok := n.nodes[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	if n.isolated[from] || n.isolated[to] || peer.closed.Load() {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, to)
	}
	return peer, nil
}

func (n *MemoryNetwork) deliver(peer *MemoryTransport, env *wire.Envelope) {
	if peer.closed.Load() || !peer.inbox.deliver(env) {
		n.dropped.Add(1)
		return
	}
	n.delivered.Add(1)
}

// MemoryTransport is one node's attachment to a MemoryNetwork.
type MemoryTransport struct {
	name    string
	network *MemoryNetwork
	inbox   *inbox
	closed  atomic.Bool
}

// Start implements Transport. Memory endpoints exist from Join onwards.
func (t *MemoryTransport) Start() error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	return nil
}

// Send implements Transport.
func (t *MemoryTransport) Send(ctx context.Context, to string, ch wire.Channel, msg wire.Message) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	peer, err := t.network.route(t.name, to)
	if err != nil {
		return err
	}

	env := &wire.Envelope{From: t.name, Channel: ch, Msg: msg}
	lost, delay := t.network.sample()
	switch {
	case lost:
		t.network.dropped.Add(1)
	case delay > 0:
		time.AfterFunc(delay, func() { t.network.deliver(peer, env) })
	default:
		t.network.deliver(peer, env)
	}
	return nil
}

// Inbox implements Transport.
func (t *MemoryTransport) Inbox(ch wire.Channel) <-chan *wire.Envelope {
	return t.inbox.channel(ch)
}

// Close implements Transport. Messages in flight towards a closed transport are dropped.
func (t *MemoryTransport) Close() error {
	t.closed.Store(true)
	return nil
}
