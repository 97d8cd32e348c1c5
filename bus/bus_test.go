package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/satstall/satstall/models/orders"
)

func event(orderID string, from, to orders.Status) Event {
	return Event{OrderID: orderID, From: from, To: to, At: time.Now()}
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed before an event arrived")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	b := New()

	ch, cancel := b.Subscribe("ORDER1")
	defer cancel()

	b.Publish(event("ORDER1", orders.PENDING, orders.PAID))
	ev := recv(t, ch)
	assert.Equal(t, orders.PAID, ev.To)

	// events for other orders never cross over
	b.Publish(event("ORDER2", orders.PENDING, orders.FAILED))
	select {
	case ev := <-ch:
		t.Fatalf("got foreign event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeReplaysHistory(t *testing.T) {
	b := New()

	b.Publish(event("ORDER1", orders.PENDING, orders.MEMPOOL))
	b.Publish(event("ORDER1", orders.MEMPOOL, orders.PAID))

	ch, cancel := b.Subscribe("ORDER1")
	defer cancel()

	first := recv(t, ch)
	second := recv(t, ch)
	assert.Equal(t, orders.MEMPOOL, first.To)
	assert.Equal(t, orders.PAID, second.To)
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()

	_, cancel := b.Subscribe("ORDER1")
	defer cancel()

	// nobody drains the subscriber; publishing far past the buffer must
	// still return
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			b.Publish(event("ORDER1", orders.PENDING, orders.MEMPOOL))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	assert.NotZero(t, b.Dropped())
}

func TestCancelClosesChannel(t *testing.T) {
	b := New()

	ch, cancel := b.Subscribe("ORDER1")
	cancel()
	// double cancel is fine
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestForget(t *testing.T) {
	b := New()

	b.Publish(event("ORDER1", orders.PENDING, orders.EXPIRED))
	b.Forget("ORDER1")

	// history is gone after Forget
	ch, cancel := b.Subscribe("ORDER1")
	defer cancel()
	select {
	case ev := <-ch:
		t.Fatalf("expected empty history, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	// Forget with a live subscriber keeps the topic
	b.Forget("ORDER1")
	b.Publish(event("ORDER1", orders.PENDING, orders.PAID))
	assert.Equal(t, orders.PAID, recv(t, ch).To)
}
