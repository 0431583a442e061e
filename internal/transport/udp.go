package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"raft-election/internal/logging"
	"raft-election/internal/wire"
)

// maxDatagram bounds a single encoded envelope. Election messages are a few dozen bytes.
const maxDatagram = 2048

// readPoll is how long a read blocks before re-checking for shutdown.
const readPoll = 100 * time.Millisecond

// UDPTransport sends each envelope as one datagram. Every node binds two sockets, one per logical channel, so
// ballots are collected independently of the protocol listener.
type UDPTransport struct {
	name     string
	bind     Endpoints
	resolver Resolver
	logger   logrus.FieldLogger

	mu      sync.RWMutex
	conns   [2]*net.UDPConn
	started bool
	closed  bool

	inbox      *inbox
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewUDPTransport creates a transport for the named node that listens on bind and reaches peers through resolver.
func NewUDPTransport(name string, bind Endpoints, resolver Resolver, logger logrus.FieldLogger) *UDPTransport {
	return &UDPTransport{
		name:       name,
		bind:       bind,
		resolver:   resolver,
		logger:     logging.OrDiscard(logger),
		inbox:      newInbox(DefaultInboxSize),
		shutdownCh: make(chan struct{}),
	}
}

// Start binds both sockets and starts one reader per socket.
func (t *UDPTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if t.started {
		return nil
	}

	for _, ch := range []wire.Channel{wire.Protocol, wire.Ballots} {
		addr, err := net.ResolveUDPAddr("udp", t.bind.of(ch))
		if err != nil {
			t.closeConnsLocked()
			return fmt.Errorf("failed to resolve %s address: %w", ch, err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			t.closeConnsLocked()
			return fmt.Errorf("failed to listen on %s address %s: %w", ch, addr, err)
		}
		t.conns[ch] = conn
	}

	t.started = true
	for _, ch := range []wire.Channel{wire.Protocol, wire.Ballots} {
		t.wg.Add(1)
		go t.listen(ch, t.conns[ch])
	}

	t.logger.Infof("[TRANSPORT] UDP listening on %s (protocol) and %s (ballots)",
		t.conns[wire.Protocol].LocalAddr(), t.conns[wire.Ballots].LocalAddr())
	return nil
}

func (t *UDPTransport) closeConnsLocked() {
	for i, conn := range t.conns {
		if conn != nil {
			_ = conn.Close()
			t.conns[i] = nil
		}
	}
}

// LocalEndpoints returns the bound addresses, which differ from the configured ones when port 0 was requested.
func (t *UDPTransport) LocalEndpoints() Endpoints {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.started {
		return t.bind
	}
	return Endpoints{
		Protocol: t.conns[wire.Protocol].LocalAddr().String(),
		Ballots:  t.conns[wire.Ballots].LocalAddr().String(),
	}
}

func (t *UDPTransport) listen(ch wire.Channel, conn *net.UDPConn) {
	defer t.wg.Done()

	buffer := make([]byte, maxDatagram)
	for {
		select {
		case <-t.shutdownCh:
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(readPoll)); err != nil {
			t.logger.Debugf("[TRANSPORT] set read deadline on %s: %v", ch, err)
		}

		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-t.shutdownCh:
				return
			default:
				t.logger.Debugf("[TRANSPORT] read on %s: %v", ch, err)
				continue
			}
		}

		env, err := wire.Unmarshal(buffer[:n])
		if err != nil {
			t.logger.Debugf("[TRANSPORT] discarding datagram from %s: %v", addr, err)
			continue
		}
		// The socket a datagram arrived on decides its channel, not the sender's claim.
		env.Channel = ch

		if !t.inbox.deliver(env) {
			t.logger.Debugf("[TRANSPORT] %s inbox full, dropped %s", ch, env)
		}
	}
}

// Send implements Transport.
func (t *UDPTransport) Send(ctx context.Context, to string, ch wire.Channel, msg wire.Message) error {
	t.mu.RLock()
	started, closed, conn := t.started, t.closed, t.conns[wire.Protocol]
	t.mu.RUnlock()

	if closed {
		return ErrTransportClosed
	}
	if !started {
		return ErrNotStarted
	}

	target, err := t.resolver.Resolve(to, ch)
	if err != nil {
		return err
	}
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrPeerUnreachable, target, err)
	}

	data, err := wire.Marshal(&wire.Envelope{From: t.name, Channel: ch, Msg: msg})
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	return nil
}

// Inbox implements Transport.
func (t *UDPTransport) Inbox(ch wire.Channel) <-chan *wire.Envelope {
	return t.inbox.channel(ch)
}

// Close stops the readers and releases both sockets. It is safe to call more than once.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.shutdownCh)
	t.closeConnsLocked()
	t.mu.Unlock()

	t.wg.Wait()
	t.logger.Infof("[TRANSPORT] UDP transport for %s stopped", t.name)
	return nil
}
