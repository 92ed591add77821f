// Package events provides in-process fan-out of orchestrator events to
// subscribers (CLI tails, metrics, logging). Durable history lives in the
// event store; the broker is a live view only.
package events

import (
	"sync"
	"time"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

// Subscriber is a channel that receives published events
type Subscriber chan *types.Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *types.Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a broker with a buffered publish queue.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *types.Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop terminates distribution and closes all subscriber channels.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a new subscriber channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues an event for distribution. Slow consumers never block
// the publisher; the event is dropped for that subscriber instead.
func (b *Broker) Publish(ev *types.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case b.eventCh <- ev:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case <-b.stopCh:
			b.mu.Lock()
			for sub := range b.subscribers {
				delete(b.subscribers, sub)
				close(sub)
			}
			b.mu.Unlock()
			return
		case ev := <-b.eventCh:
			b.mu.RLock()
			for sub := range b.subscribers {
				select {
				case sub <- ev:
				default:
				}
			}
			b.mu.RUnlock()
		}
	}
}
