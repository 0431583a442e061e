package transport

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"raft-election/internal/wire"
)

var (
	// ErrTransportClosed is returned by Send or Start after Close.
	ErrTransportClosed = errors.New("transport: closed")
	// ErrNotStarted is returned by Send before Start.
	ErrNotStarted = errors.New("transport: not started")
	// ErrUnknownPeer is returned when a node name cannot be resolved to an endpoint.
	ErrUnknownPeer = errors.New("transport: unknown peer")
	// ErrPeerUnreachable is the connection-refused signal: the peer exists but cannot take the message.
	ErrPeerUnreachable = errors.New("transport: peer unreachable")
)

// DefaultInboxSize is the buffer of each inbox. Messages arriving at a full inbox are dropped, the same way a
// saturated socket drops datagrams.
const DefaultInboxSize = 256

// Transport delivers election messages between named nodes. Delivery is fire-and-forget: a nil error from Send
// means the message left this node, not that the peer processed it.
type Transport interface {
	// Start acquires the transport's endpoints. It must be called before Send.
	Start() error
	// Send delivers msg to the named peer on the given channel. It does not block for longer than ctx allows.
	Send(ctx context.Context, to string, ch wire.Channel, msg wire.Message) error
	// Inbox returns the receive side of one of the two logical channels.
	Inbox(ch wire.Channel) <-chan *wire.Envelope
	// Close releases every endpoint acquired by Start.
	Close() error
}

// NodeName is the naming scheme used to address peers: "Node" + index.
func NodeName(index int) string {
	return "Node" + strconv.Itoa(index)
}

// NodeIndex is the inverse of NodeName.
func NodeIndex(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, "Node")
	if !ok || digits == "" {
		return 0, false
	}
	i, err := strconv.Atoi(digits)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// inbox holds the two receive queues of a node.
type inbox struct {
	queues [2]chan *wire.Envelope
}

func newInbox(size int) *inbox {
	return &inbox{queues: [2]chan *wire.Envelope{
		make(chan *wire.Envelope, size),
		make(chan *wire.Envelope, size),
	}}
}

func (i *inbox) channel(ch wire.Channel) chan *wire.Envelope {
	if ch == wire.Ballots {
		return i.queues[1]
	}
	return i.queues[0]
}

// deliver enqueues env without blocking. It reports false when the queue is full and env was dropped.
func (i *inbox) deliver(env *wire.Envelope) bool {
	select {
	case i.channel(env.Channel) <- env:
		return true
	default:
		return false
	}
}
