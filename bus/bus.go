// Package bus is the in-process pub/sub that backs the SSE endpoints. Topics
// are keyed by order id. Late joiners replay a short history before receiving
// live events; slow subscribers lose their oldest buffered events rather than
// blocking the publisher.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"gitlab.com/satstall/satstall/build"
	"gitlab.com/satstall/satstall/models/orders"
)

var log = build.AddSubLogger("EBUS")

const (
	// historySize is the number of past events replayed to late joiners.
	historySize = 8
	// subscriberBuffer is each subscriber's channel capacity.
	subscriberBuffer = 16
)

// Event is one committed status transition.
type Event struct {
	OrderID string        `json:"orderId"`
	From    orders.Status `json:"from"`
	To      orders.Status `json:"to"`
	At      time.Time     `json:"at"`
}

type topic struct {
	history []Event
	subs    map[int]chan Event
	nextSub int
}

// Bus fans out order events to SSE subscribers. Safe for concurrent use.
type Bus struct {
	mu      sync.Mutex
	topics  map[string]*topic
	dropped uint64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

// Publish delivers ev to every subscriber of its order and appends it to the
// topic history. Never blocks: a full subscriber buffer loses its oldest
// event.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topics[ev.OrderID]
	if t == nil {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[ev.OrderID] = t
	}

	t.history = append(t.history, ev)
	if len(t.history) > historySize {
		t.history = t.history[len(t.history)-historySize:]
	}

	for _, ch := range t.subs {
		for {
			select {
			case ch <- ev:
			default:
				select {
				case <-ch:
					atomic.AddUint64(&b.dropped, 1)
					log.WithField("order", ev.OrderID).
						Debug("Dropped oldest event for slow subscriber")
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribe returns a channel of events for one order, pre-loaded with the
// topic's recent history, and a cancel func that must be called exactly once.
// The channel is closed by cancel.
func (b *Bus) Subscribe(orderID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topics[orderID]
	if t == nil {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[orderID] = t
	}

	ch := make(chan Event, subscriberBuffer)
	for _, ev := range t.history {
		ch <- ev
	}

	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if tt := b.topics[orderID]; tt != nil {
				delete(tt.subs, id)
				if len(tt.subs) == 0 && len(tt.history) == 0 {
					delete(b.topics, orderID)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Forget drops the topic for a finished order once its subscribers are gone.
// Topics with live subscribers are kept so pending SSE streams still see the
// terminal event.
func (b *Bus) Forget(orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t := b.topics[orderID]; t != nil && len(t.subs) == 0 {
		delete(b.topics, orderID)
	}
}

// Dropped returns the number of events lost to slow subscribers.
func (b *Bus) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}
