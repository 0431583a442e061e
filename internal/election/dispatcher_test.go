package election

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"raft-election/internal/metrics"
	"raft-election/internal/transport"
	"raft-election/internal/wire"
)

const testUnit = 10 * time.Millisecond

func newTestNode(t *testing.T, total, index int, tr transport.Transport) *Node {
	t.Helper()
	cfg := DefaultConfigWithUnit(testUnit)
	cfg.TotalNodes = total
	cfg.SelfIndex = index
	cfg.StallOneIn = 0
	cfg.Seed = int64(index + 1)
	n, err := New(cfg, tr)
	require.NoError(t, err)
	return n
}

func TestNew(t *testing.T) {
	t.Run("names and peers", func(t *testing.T) {
		n := newTestNode(t, 3, 1, newMockTransport())
		assert.Equal(t, "Node1", n.Name())
		assert.Equal(t, []string{"Node0", "Node2"}, n.Peers())
		assert.Equal(t, Follower, n.Status().Role)
	})

	t.Run("rejects nil config", func(t *testing.T) {
		_, err := New(nil, newMockTransport())
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("rejects nil transport", func(t *testing.T) {
		_, err := New(DefaultConfig(), nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.TotalNodes = 0
		_, err := New(cfg, newMockTransport())
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestDispatcher_Heartbeat(t *testing.T) {
	t.Run("follower resets its timer", func(t *testing.T) {
		n := newTestNode(t, 3, 0, newMockTransport())

		reset := n.handle(context.Background(), &wire.Envelope{From: "Node1", Msg: &wire.Heartbeat{Term: 2}})

		assert.True(t, reset)
		st := n.Status()
		assert.Equal(t, uint64(2), st.Term)
		assert.Equal(t, "Node1", st.Leader)
	})

	t.Run("stale heartbeat does not reset", func(t *testing.T) {
		m := metrics.NewMetrics()
		cfg := DefaultConfigWithUnit(testUnit)
		cfg.TotalNodes = 3
		cfg.Metrics = m
		n, err := New(cfg, newMockTransport())
		require.NoError(t, err)
		n.handle(context.Background(), &wire.Envelope{From: "Node1", Msg: &wire.Heartbeat{Term: 5}})

		reset := n.handle(context.Background(), &wire.Envelope{From: "Node2", Msg: &wire.Heartbeat{Term: 4}})

		assert.False(t, reset)
		assert.Equal(t, "Node1", n.Status().Leader)
		assert.Equal(t, uint64(1), m.GetReport(3).StaleDropped)
		assert.Equal(t, uint64(1), m.GetReport(3).HeartbeatsReceived)
	})

	t.Run("ballots on the protocol channel are discarded", func(t *testing.T) {
		n := newTestNode(t, 3, 0, newMockTransport())

		reset := n.handle(context.Background(), &wire.Envelope{From: "Node1", Msg: &wire.Ballot{Granted: true, TermEcho: 1}})

		assert.False(t, reset)
		assert.Equal(t, uint64(0), n.Status().Term)
	})
}

func TestDispatcher_RequestVote(t *testing.T) {
	t.Run("grants once per term on the ballot channel", func(t *testing.T) {
		mt := newMockTransport()
		mt.On("Send", "Node1", wire.Ballots, &wire.Ballot{Granted: true, TermEcho: 1}).Return(nil).Once()
		n := newTestNode(t, 3, 0, mt)

		reset := n.handle(context.Background(), &wire.Envelope{
			From: "Node1", Msg: &wire.RequestVote{Term: 1, CandidateName: "Node1"},
		})
		assert.True(t, reset)

		reset = n.handle(context.Background(), &wire.Envelope{
			From: "Node2", Msg: &wire.RequestVote{Term: 1, CandidateName: "Node2"},
		})
		assert.False(t, reset)

		mt.AssertExpectations(t)
		assert.Empty(t, mt.sentTo("Node2", wire.KindBallot))
		assert.Equal(t, "Node1", n.Status().VotedFor)
	})

	t.Run("falls back to the sender address", func(t *testing.T) {
		mt := newMockTransport()
		mt.On("Send", "Node2", wire.Ballots, mock.Anything).Return(nil).Once()
		n := newTestNode(t, 3, 0, mt)

		n.handle(context.Background(), &wire.Envelope{From: "Node2", Msg: &wire.RequestVote{Term: 1}})

		mt.AssertExpectations(t)
		assert.Equal(t, "Node2", n.Status().VotedFor)
	})

	t.Run("send failure keeps the vote", func(t *testing.T) {
		mt := newMockTransport()
		mt.On("Send", "Node1", wire.Ballots, mock.Anything).Return(transport.ErrPeerUnreachable)
		n := newTestNode(t, 3, 0, mt)

		reset := n.handle(context.Background(), &wire.Envelope{
			From: "Node1", Msg: &wire.RequestVote{Term: 3, CandidateName: "Node1"},
		})

		assert.True(t, reset)
		st := n.Status()
		assert.Equal(t, uint64(3), st.Term)
		assert.Equal(t, uint64(3), st.VotedTerm)
	})

	t.Run("stale request is not answered", func(t *testing.T) {
		mt := newMockTransport()
		n := newTestNode(t, 3, 0, mt)
		n.handle(context.Background(), &wire.Envelope{From: "Node1", Msg: &wire.Heartbeat{Term: 4}})

		reset := n.handle(context.Background(), &wire.Envelope{
			From: "Node2", Msg: &wire.RequestVote{Term: 2, CandidateName: "Node2"},
		})

		assert.False(t, reset)
		mt.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})
}

// runNode starts n and returns a function that stops it and waits for Run to return.
func runNode(t *testing.T, n *Node) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("node did not stop")
		}
	}
}

func TestNode_Run(t *testing.T) {
	t.Run("single node elects itself", func(t *testing.T) {
		mt := newMockTransport()
		mt.On("Start").Return(nil)
		mt.On("Close").Return(nil)
		n := newTestNode(t, 1, 0, mt)

		stop := runNode(t, n)
		assert.Eventually(t, func() bool {
			return n.Status().Role == Leader
		}, time.Second, testUnit)
		stop()

		st := n.Status()
		assert.Equal(t, uint64(1), st.Term)
		assert.Equal(t, "Node0", st.Leader)
		mt.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
		mt.AssertCalled(t, "Close")
	})

	t.Run("wins with a granted ballot then sends heartbeats", func(t *testing.T) {
		mt := newMockTransport()
		mt.On("Start").Return(nil)
		mt.On("Close").Return(nil)
		mt.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil)
		n := newTestNode(t, 3, 0, mt)

		stop := runNode(t, n)
		defer stop()

		answered := make(map[uint64]bool)
		require.Eventually(t, func() bool {
			for _, s := range mt.sentTo("Node1", wire.KindRequestVote) {
				term := s.Msg.MessageTerm()
				if !answered[term] {
					answered[term] = true
					mt.deliver("Node1", &wire.Ballot{Granted: true, TermEcho: term})
				}
			}
			return n.Status().Role == Leader
		}, 2*time.Second, time.Millisecond)

		term := n.Status().Term
		assert.Eventually(t, func() bool {
			for _, s := range mt.sentTo("Node2", wire.KindHeartbeat) {
				if s.Msg.MessageTerm() == term && s.Channel == wire.Protocol {
					return true
				}
			}
			return false
		}, time.Second, testUnit)
	})

	t.Run("denied ballots never elect", func(t *testing.T) {
		mt := newMockTransport()
		mt.On("Start").Return(nil)
		mt.On("Close").Return(nil)
		mt.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil)
		n := newTestNode(t, 3, 0, mt)

		stop := runNode(t, n)
		deadline := time.Now().Add(300 * time.Millisecond)
		answered := make(map[uint64]bool)
		for time.Now().Before(deadline) {
			for _, s := range mt.sentTo("Node1", wire.KindRequestVote) {
				term := s.Msg.MessageTerm()
				if !answered[term] {
					answered[term] = true
					mt.deliver("Node1", &wire.Ballot{Granted: false, TermEcho: term})
					mt.deliver("Node2", &wire.Ballot{Granted: true, TermEcho: term + 100})
				}
			}
			assert.NotEqual(t, Leader, n.Status().Role)
			time.Sleep(time.Millisecond)
		}
		stop()

		assert.NotEmpty(t, answered, "node must have stood for election")
		assert.Empty(t, mt.sentTo("Node2", wire.KindHeartbeat))
	})

	t.Run("second run is rejected", func(t *testing.T) {
		mt := newMockTransport()
		mt.On("Start").Return(nil)
		mt.On("Close").Return(nil)
		n := newTestNode(t, 1, 0, mt)

		stop := runNode(t, n)
		defer stop()
		assert.Eventually(t, func() bool { return n.running.Load() }, time.Second, time.Millisecond)

		assert.ErrorIs(t, n.Run(context.Background()), ErrAlreadyRunning)
	})

	t.Run("transport start failure", func(t *testing.T) {
		startErr := errors.New("bind: address already in use")
		mt := newMockTransport()
		mt.On("Start").Return(startErr)
		n := newTestNode(t, 3, 0, mt)

		err := n.Run(context.Background())

		assert.ErrorIs(t, err, startErr)
		mt.AssertNotCalled(t, "Close")
	})
}

func TestNode_InjectStall(t *testing.T) {
	mt := newMockTransport()
	mt.On("Start").Return(nil)
	mt.On("Close").Return(nil)
	mt.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	m := metrics.NewMetrics()

	cfg := DefaultConfigWithUnit(testUnit)
	cfg.TotalNodes = 3
	cfg.StallOneIn = 0
	cfg.Seed = 1
	cfg.Metrics = m
	n, err := New(cfg, mt)
	require.NoError(t, err)

	// The replaced stall never fires.
	n.InjectStall(time.Hour)
	n.InjectStall(300 * time.Millisecond)

	stop := runNode(t, n)
	defer stop()

	answered := make(map[uint64]bool)
	require.Eventually(t, func() bool {
		for _, s := range mt.sentTo("Node1", wire.KindRequestVote) {
			term := s.Msg.MessageTerm()
			if !answered[term] {
				answered[term] = true
				mt.deliver("Node1", &wire.Ballot{Granted: true, TermEcho: term})
			}
		}
		return n.Status().Role == Leader
	}, 2*time.Second, time.Millisecond)

	assert.Eventually(t, func() bool { return m.GetReport(3).Stalls == 1 }, time.Second, time.Millisecond)
	held := len(mt.sentTo("Node1", wire.KindHeartbeat))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, mt.sentTo("Node1", wire.KindHeartbeat), held, "a stalled leader sends no heartbeats")

	assert.Eventually(t, func() bool {
		return len(mt.sentTo("Node1", wire.KindHeartbeat)) > held
	}, time.Second, testUnit)
	assert.Equal(t, uint64(1), m.GetReport(3).Stalls)
}
