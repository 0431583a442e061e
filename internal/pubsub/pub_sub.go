package pubsub

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"raft-election/internal/logging"
)

// EventType is the type of event subscribers are listening for.
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// If true, the broker blocks to deliver an event to this subscriber's channel when it is full or unbuffered.
	// Delivery is guaranteed, but a slow subscriber stalls the whole bus. Tests that must observe every
	// election outcome use it; everything else should not.
	IsBlocking bool
}

// SubscriberID is returned upon subscribing and is required to unsubscribe.
type SubscriberID uint64

var nextSubscriberID atomic.Uint64

// Event carries a typed payload. Each instantiation is a distinct type, so Event[RoleChanged] and
// Event[ElectionWon] cannot be confused by a subscriber.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{
		Type:    eventType,
		Payload: payload,
	}
}

// subscriber is the type-erased view of a typed channel. The closures capture the chan *Event[T] so that
// subscribers of different payload types share one registry.
type subscriber struct {
	send    func(eventType EventType, payload any) bool
	close   func()
	options SubscriptionOptions
	dropped atomic.Uint64
}

type published struct {
	eventType EventType
	payload   any
}

// PubSubClient is a thread-safe, in-process event bus. Publish enqueues and returns; a single broker goroutine
// fans events out to the subscribers of their type.
type PubSubClient struct {
	mu     sync.RWMutex
	wg     sync.WaitGroup
	logger logrus.FieldLogger

	registry map[EventType]map[SubscriberID]*subscriber

	// publishChan decouples Publish from the broker and lets GracefulShutdown drain in-flight events.
	publishChan chan published

	shuttingDown atomic.Bool
}

// NewPubSub starts a bus. A nil logger discards the bus's own diagnostics.
func NewPubSub(logger logrus.FieldLogger) *PubSubClient {
	p := &PubSubClient{
		logger:      logging.OrDiscard(logger),
		registry:    make(map[EventType]map[SubscriberID]*subscriber),
		publishChan: make(chan published, 128),
	}

	p.wg.Add(1)
	go p.run()

	return p
}

// Subscribe registers ch for events of eventType. The caller owns the channel's buffer size; Unsubscribe and
// GracefulShutdown close it.
//
// Methods cannot declare type parameters, hence a free function taking the client first.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := SubscriberID(nextSubscriberID.Add(1))
	sub := &subscriber{
		options: opts,
		send: func(evType EventType, payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				p.logger.Warnf("[PUBSUB] type mismatch for event %v: expected %T, got %T", evType, *new(T), payload)
				return false
			}

			event := &Event[T]{Type: evType, Payload: typed}
			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		close: func() { close(ch) },
	}

	if _, ok := p.registry[eventType]; !ok {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subscribers, ok := p.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subscribers[id]
	if !ok {
		return
	}

	delete(subscribers, id)
	sub.close()
	if len(subscribers) == 0 {
		delete(p.registry, eventType)
	}
	p.logger.Debugf("[PUBSUB] unsubscribed %d from event type %v", id, eventType)
}

// Dropped returns how many events a non-blocking subscriber missed because its channel was full.
func (p *PubSubClient) Dropped(eventType EventType, id SubscriberID) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if sub, ok := p.registry[eventType][id]; ok {
		return sub.dropped.Load()
	}
	return 0
}

// Publish hands an event to the broker. Events published after shutdown are dropped.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	// Holding the read lock keeps a concurrent shutdown from closing publishChan under this send.
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shuttingDown.Load() {
		p.logger.Debugf("[PUBSUB] dropping event %v: bus is shutting down", event.Type)
		return
	}

	p.publishChan <- published{eventType: event.Type, payload: event.Payload}
}

// GracefulShutdown rejects new events, delivers the buffered ones, closes every subscriber channel and waits
// for the broker to exit. It is idempotent.
func (p *PubSubClient) GracefulShutdown() {
	p.mu.Lock()
	if p.shuttingDown.Load() {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}

	p.shuttingDown.Store(true)
	close(p.publishChan)
	p.mu.Unlock() // the broker takes the read lock while draining

	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for eventType, subscribers := range p.registry {
		for _, sub := range subscribers {
			sub.close()
		}
		delete(p.registry, eventType)
	}
}

func (p *PubSubClient) run() {
	defer p.wg.Done()

	for msg := range p.publishChan {
		p.mu.RLock()
		for id, sub := range p.registry[msg.eventType] {
			if sent := sub.send(msg.eventType, msg.payload); !sent && !sub.options.IsBlocking {
				dropped := sub.dropped.Add(1)
				p.logger.Debugf("[PUBSUB] dropped event %v for subscriber %d (channel full), total dropped: %d",
					msg.eventType, id, dropped)
			}
		}
		p.mu.RUnlock()
	}
}
