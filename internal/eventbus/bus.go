// Package eventbus fans notification delivery outcomes out to in-process
// listeners, decoupling the outbound pipeline from operational logging.
package eventbus

import (
	"sync"
	"time"
)

// Outcome classifies what happened to one outbound notification.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"  // retries exhausted
	OutcomeDropped Outcome = "dropped" // queue full, never attempted
)

// Event is one delivery outcome. Publish never blocks: a listener that
// falls behind loses events rather than stalling the pipeline.
type Event struct {
	Outcome Outcome
	UserID  int64 // zero for admin-channel messages
	Admin   bool
	Err     string // empty on success
	At      time.Time
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &deliveryBus{subs: map[int]chan Event{}}
}

type deliveryBus struct {
	mu   sync.RWMutex
	next int
	subs map[int]chan Event
}

func (b *deliveryBus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *deliveryBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Publishers send under the read lock, so closing under the
			// write lock cannot race an in-flight send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
