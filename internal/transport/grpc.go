package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"raft-election/internal/logging"
	"raft-election/internal/wire"
)

const (
	// codecName is negotiated as the gRPC content-subtype ("application/grpc+election-wire").
	codecName = "election-wire"

	deliverMethod = "/election.Election/Deliver"
)

// deliveryAck is the empty reply of Deliver. The reply carries no information; ballots travel as their own
// Deliver call towards the candidate.
type deliveryAck struct{}

// envelopeCodec frames wire envelopes for gRPC.
type envelopeCodec struct{}

func (envelopeCodec) Name() string { return codecName }

func (envelopeCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *wire.Envelope:
		return wire.Marshal(m)
	case *deliveryAck:
		return []byte{}, nil
	default:
		return nil, fmt.Errorf("%s codec: cannot marshal %T", codecName, v)
	}
}

func (envelopeCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *wire.Envelope:
		env, err := wire.Unmarshal(data)
		if err != nil {
			return err
		}
		*m = *env
		return nil
	case *deliveryAck:
		return nil
	default:
		return fmt.Errorf("%s codec: cannot unmarshal into %T", codecName, v)
	}
}

func init() {
	encoding.RegisterCodec(envelopeCodec{})
}

// deliverer is the server side of the Election service.
type deliverer interface {
	Deliver(ctx context.Context, env *wire.Envelope) (*deliveryAck, error)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(deliverer).Deliver(ctx, req.(*wire.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

var electionServiceDesc = grpc.ServiceDesc{
	ServiceName: "election.Election",
	HandlerType: (*deliverer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// GRPCTransport carries envelopes as unary Deliver calls. Both logical channels share one listener; the
// envelope's Channel field routes it to the right inbox on arrival.
type GRPCTransport struct {
	name     string
	bindAddr string
	peers    *nameBuilder
	logger   logrus.FieldLogger

	mu       sync.RWMutex
	server   *grpc.Server
	listener net.Listener
	started  bool
	closed   bool

	// clientsConnPool holds one *grpc.ClientConn per peer name, created on first use.
	clientsConnPool sync.Map
	inbox           *inbox
}

// NewGRPCTransport creates a transport for the named node listening on bindAddr. Peer addresses are looked up
// in registry by their Protocol endpoint.
func NewGRPCTransport(name, bindAddr string, registry *Registry, logger logrus.FieldLogger) *GRPCTransport {
	return &GRPCTransport{
		name:     name,
		bindAddr: bindAddr,
		peers:    newNameBuilder(registry),
		logger:   logging.OrDiscard(logger),
		inbox:    newInbox(DefaultInboxSize),
	}
}

// Start listens on the bind address and serves the Election service in the background.
func (t *GRPCTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if t.started {
		return nil
	}

	lis, err := net.Listen("tcp", t.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.bindAddr, err)
	}

	t.listener = lis
	t.server = grpc.NewServer(grpc.ConnectionTimeout(10 * time.Second))
	t.server.RegisterService(&electionServiceDesc, t)
	t.started = true

	go func(srv *grpc.Server) {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.logger.Errorf("[TRANSPORT] gRPC server for %s stopped: %v", t.name, err)
		}
	}(t.server)

	t.logger.Infof("[TRANSPORT] gRPC listening on %s", lis.Addr())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (t *GRPCTransport) Addr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return t.bindAddr
	}
	return t.listener.Addr().String()
}

// SetPeer registers or updates the address of a peer.
func (t *GRPCTransport) SetPeer(name, addr string) {
	t.peers.Update(name, Endpoints{Protocol: addr, Ballots: addr})
}

// Deliver is the Election service handler.
func (t *GRPCTransport) Deliver(_ context.Context, env *wire.Envelope) (*deliveryAck, error) {
	if env.Msg == nil {
		return nil, wire.ErrMalformed
	}
	if !t.inbox.deliver(env) {
		t.logger.Debugf("[TRANSPORT] %s inbox full, dropped %s", env.Channel, env)
	}
	return &deliveryAck{}, nil
}

func (t *GRPCTransport) getClientConn(peer string) (*grpc.ClientConn, error) {
	if conn, ok := t.clientsConnPool.Load(peer); ok {
		return conn.(*grpc.ClientConn), nil
	}

	if _, ok := t.peers.registry.Lookup(peer); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}

	conn, err := grpc.NewClient(nameTarget(peer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithResolvers(t.peers),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed establishing a gRPC channel to %s: %w", peer, err)
	}

	actual, loaded := t.clientsConnPool.LoadOrStore(peer, conn)
	if loaded {
		// Another sender won the race; keep its connection.
		_ = conn.Close()
	}
	return actual.(*grpc.ClientConn), nil
}

// Send implements Transport.
func (t *GRPCTransport) Send(ctx context.Context, to string, ch wire.Channel, msg wire.Message) error {
	t.mu.RLock()
	started, closed := t.started, t.closed
	t.mu.RUnlock()

	if closed {
		return ErrTransportClosed
	}
	if !started {
		return ErrNotStarted
	}

	conn, err := t.getClientConn(to)
	if err != nil {
		return err
	}

	env := &wire.Envelope{From: t.name, Channel: ch, Msg: msg}
	if err := conn.Invoke(ctx, deliverMethod, env, &deliveryAck{}); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, to, err)
	}
	return nil
}

// Inbox implements Transport.
func (t *GRPCTransport) Inbox(ch wire.Channel) <-chan *wire.Envelope {
	return t.inbox.channel(ch)
}

// Close stops the server and closes every client connection. It is safe to call more than once.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	server := t.server
	t.mu.Unlock()

	if server != nil {
		server.Stop()
	}

	t.clientsConnPool.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				t.logger.Debugf("[TRANSPORT] failed to close connection to %s: %v", key, err)
			}
		}
		t.clientsConnPool.Delete(key)
		return true
	})
	t.logger.Infof("[TRANSPORT] gRPC transport for %s stopped", t.name)
	return nil
}
