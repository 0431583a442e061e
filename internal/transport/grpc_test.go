package transport

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/serviceconfig"

	"raft-election/internal/wire"
)

func startGRPCPair(t *testing.T) (*GRPCTransport, *GRPCTransport) {
	t.Helper()
	registry := NewRegistry(nil)

	a := NewGRPCTransport("Node0", "127.0.0.1:0", registry, nil)
	b := NewGRPCTransport("Node1", "127.0.0.1:0", registry, nil)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	a.SetPeer("Node1", b.Addr())
	b.SetPeer("Node0", a.Addr())
	return a, b
}

func TestGRPCTransport_Deliver(t *testing.T) {
	a, b := startGRPCPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, "Node1", wire.Protocol, &wire.Heartbeat{Term: 9}))
	env := receive(t, b.Inbox(wire.Protocol), 2*time.Second)
	assert.Equal(t, "Node0", env.From)
	assert.Equal(t, &wire.Heartbeat{Term: 9}, env.Msg)

	require.NoError(t, b.Send(ctx, "Node0", wire.Ballots, &wire.Ballot{Granted: true, TermEcho: 9}))
	env = receive(t, a.Inbox(wire.Ballots), 2*time.Second)
	assert.Equal(t, &wire.Ballot{Granted: true, TermEcho: 9}, env.Msg)
}

func TestGRPCTransport_SendErrors(t *testing.T) {
	t.Run("not started", func(t *testing.T) {
		tr := NewGRPCTransport("Node0", "127.0.0.1:0", NewRegistry(nil), nil)
		assert.ErrorIs(t, tr.Send(context.Background(), "Node1", wire.Protocol, &wire.Heartbeat{}), ErrNotStarted)
	})

	t.Run("unknown peer", func(t *testing.T) {
		a, _ := startGRPCPair(t)
		assert.ErrorIs(t, a.Send(context.Background(), "Node5", wire.Protocol, &wire.Heartbeat{}), ErrUnknownPeer)
	})

	t.Run("peer down", func(t *testing.T) {
		a, b := startGRPCPair(t)
		require.NoError(t, b.Close())

		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, a.Send(ctx, "Node1", wire.Protocol, &wire.Heartbeat{}), ErrPeerUnreachable)
	})

	t.Run("closed", func(t *testing.T) {
		a, _ := startGRPCPair(t)
		require.NoError(t, a.Close())
		assert.ErrorIs(t, a.Send(context.Background(), "Node1", wire.Protocol, &wire.Heartbeat{}), ErrTransportClosed)
	})
}

func TestEnvelopeCodec(t *testing.T) {
	c := envelopeCodec{}
	assert.Equal(t, codecName, c.Name())

	data, err := c.Marshal(&wire.Envelope{From: "Node1", Channel: wire.Ballots, Msg: &wire.Ballot{Granted: true, TermEcho: 2}})
	require.NoError(t, err)

	var env wire.Envelope
	require.NoError(t, c.Unmarshal(data, &env))
	assert.Equal(t, "Node1", env.From)
	assert.Equal(t, wire.Ballots, env.Channel)

	ack, err := c.Marshal(&deliveryAck{})
	require.NoError(t, err)
	assert.Empty(t, ack)
	assert.NoError(t, c.Unmarshal(nil, &deliveryAck{}))

	_, err = c.Marshal("not an envelope")
	assert.Error(t, err)
	assert.Error(t, c.Unmarshal(data, new(string)))
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

// fakeClientConn captures resolver updates.
type fakeClientConn struct {
	resolver.ClientConn
	states []resolver.State
	errs   []error
}

func (f *fakeClientConn) UpdateState(s resolver.State) error {
	f.states = append(f.states, s)
	return nil
}

func (f *fakeClientConn) ReportError(err error) { f.errs = append(f.errs, err) }

func (f *fakeClientConn) ParseServiceConfig(string) *serviceconfig.ParseResult { return nil }

func TestNameBuilder(t *testing.T) {
	registry := NewRegistry(map[string]Endpoints{"Node1": {Protocol: "127.0.0.1:7001"}})
	builder := newNameBuilder(registry)
	assert.Equal(t, "election", builder.Scheme())

	t.Run("resolves registered name", func(t *testing.T) {
		cc := &fakeClientConn{}
		r, err := builder.Build(resolver.Target{URL: *mustParse(t, nameTarget("Node1"))}, cc, resolver.BuildOptions{})
		require.NoError(t, err)
		defer r.Close()

		require.Len(t, cc.states, 1)
		assert.Equal(t, "127.0.0.1:7001", cc.states[0].Addresses[0].Addr)

		builder.Update("Node1", Endpoints{Protocol: "127.0.0.1:7002"})
		require.Len(t, cc.states, 2)
		assert.Equal(t, "127.0.0.1:7002", cc.states[1].Addresses[0].Addr)
	})

	t.Run("reports unknown name", func(t *testing.T) {
		cc := &fakeClientConn{}
		r, err := builder.Build(resolver.Target{URL: *mustParse(t, nameTarget("Node8"))}, cc, resolver.BuildOptions{})
		require.NoError(t, err)
		defer r.Close()

		assert.Empty(t, cc.states)
		require.Len(t, cc.errs, 1)
		assert.ErrorIs(t, cc.errs[0], ErrUnknownPeer)
	})

	t.Run("close unregisters watcher", func(t *testing.T) {
		cc := &fakeClientConn{}
		r, err := builder.Build(resolver.Target{URL: *mustParse(t, nameTarget("Node1"))}, cc, resolver.BuildOptions{})
		require.NoError(t, err)
		r.Close()

		builder.mu.Lock()
		_, watched := builder.watchers["Node1"]
		builder.mu.Unlock()
		assert.False(t, watched)
	})
}
