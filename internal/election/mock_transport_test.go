package election

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"raft-election/internal/transport"
	"raft-election/internal/wire"
)

// sentMessage is one Send observed by mockTransport.
type sentMessage struct {
	To      string
	Channel wire.Channel
	Msg     wire.Message
}

// mockTransport records sends and lets tests push envelopes into the node's inboxes.
type mockTransport struct {
	mock.Mock
	mu      sync.RWMutex
	sent    []sentMessage
	inboxes [2]chan *wire.Envelope
}

var _ transport.Transport = (*mockTransport)(nil)

func newMockTransport() *mockTransport {
	return &mockTransport{
		inboxes: [2]chan *wire.Envelope{
			make(chan *wire.Envelope, transport.DefaultInboxSize),
			make(chan *wire.Envelope, transport.DefaultInboxSize),
		},
	}
}

func (m *mockTransport) Start() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockTransport) Send(_ context.Context, to string, ch wire.Channel, msg wire.Message) error {
	m.mu.Lock()
	m.sent = append(m.sent, sentMessage{To: to, Channel: ch, Msg: msg})
	m.mu.Unlock()
	args := m.Called(to, ch, msg)
	return args.Error(0)
}

func (m *mockTransport) Inbox(ch wire.Channel) <-chan *wire.Envelope {
	return m.inboxes[ch]
}

func (m *mockTransport) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockTransport) deliver(from string, msg wire.Message) {
	ch := wire.Protocol
	if msg.Kind() == wire.KindBallot {
		ch = wire.Ballots
	}
	m.inboxes[ch] <- &wire.Envelope{From: from, Channel: ch, Msg: msg}
}

func (m *mockTransport) getSent() []sentMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]sentMessage, len(m.sent))
	copy(result, m.sent)
	return result
}

func (m *mockTransport) sentTo(to string, kind wire.Kind) []sentMessage {
	var result []sentMessage
	for _, s := range m.getSent() {
		if s.To == to && s.Msg.Kind() == kind {
			result = append(result, s)
		}
	}
	return result
}
