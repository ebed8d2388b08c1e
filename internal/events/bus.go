package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Garl-Protocol/garl/internal/core"
)

// Event is the envelope every reputation event travels in, both on the
// in-process bus and over webhooks.
type Event struct {
	ID        string                 `json:"id"`
	Event     core.EventType         `json:"event"`
	AgentID   string                 `json:"agent_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent builds an envelope with a fresh id and timestamp.
func NewEvent(agentID string, eventType core.EventType, data map[string]interface{}) *Event {
	return &Event{
		ID:        fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Event:     eventType,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is an in-process pub/sub fan-out. Publishing never blocks: slow
// subscribers miss events rather than stalling the pipeline.
type Bus struct {
	mu         sync.RWMutex
	subs       []chan *Event
	logger     *log.Logger
	bufferSize int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		logger:     log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize: 100,
	}
}

// Subscribe returns a channel receiving all published events.
func (b *Bus) Subscribe() chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *Event, b.bufferSize)
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	filtered := b.subs[:0]
	for _, s := range b.subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.subs = filtered
	close(ch)
}

// Publish delivers to every subscriber without blocking.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// subscriber is slow, skip
		}
	}
}

// Emit satisfies the pipeline's event sink.
func (b *Bus) Emit(agentID string, eventType core.EventType, data map[string]interface{}) {
	b.Publish(NewEvent(agentID, eventType, data))
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
