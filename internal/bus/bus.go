// Package bus is the real-time notification fan-out: ingestion and alert
// events flow to dashboard WebSocket subscribers. Delivery is best-effort;
// a slow subscriber loses its oldest queued events, never blocks a publisher.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/argus-siem/argus/internal/metrics"
)

// Event types pushed to dashboard subscribers.
const (
	TypeIngest      = "ingest"
	TypeAgentStatus = "agent_status"
	TypeNewAlert    = "new_alert"
	TypeNewIncident = "new_incident"
)

// Event is one bus message. Payload carries the type-specific fields.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent stamps an event with an ID and the current time.
func NewEvent(eventType string, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Bus is the publish/subscribe surface. Subscribe returns a receive channel
// and an unsubscribe function; the channel closes on unsubscribe or bus
// shutdown.
type Bus interface {
	Publish(ctx context.Context, event *Event) error
	Subscribe() (<-chan *Event, func())
	Close() error
}

// subscriberQueueLen bounds each subscriber's outbound queue.
const subscriberQueueLen = 256

// LocalBus is the in-process implementation: a registry of subscribers each
// holding a bounded queue. Publish is O(subscribers) with drop-oldest on a
// full queue.
type LocalBus struct {
	mu     sync.Mutex
	subs   map[int]chan *Event
	nextID int
	closed bool
	met    *metrics.Server
}

// NewLocalBus creates the in-process bus. met may be nil in tests.
func NewLocalBus(met *metrics.Server) *LocalBus {
	return &LocalBus{subs: make(map[int]chan *Event), met: met}
}

// Publish fans the event out to every subscriber queue without blocking.
func (b *LocalBus) Publish(_ context.Context, event *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Queue full: evict the oldest so the newest always lands.
			select {
			case <-ch:
				if b.met != nil {
					b.met.BusDropped.Inc()
				}
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
	if b.met != nil {
		b.met.BusPublished.WithLabelValues(event.Type).Inc()
	}
	return nil
}

// Subscribe registers a new bounded subscriber queue.
func (b *LocalBus) Subscribe() (<-chan *Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *Event, subscriberQueueLen)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Close shuts the bus down, closing every subscriber channel.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
