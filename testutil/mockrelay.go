package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"gitlab.com/satstall/satstall/nostr"
)

// MockRelay is an in-process Nostr relay good enough for pool tests: it OKs
// every EVENT, answers REQ with the events stored so far followed by EOSE,
// and records everything published to it.
type MockRelay struct {
	Server *httptest.Server

	// RejectAll makes the relay answer every EVENT with ["OK", id, false].
	RejectAll bool

	mu     sync.Mutex
	events []nostr.Event
	conns  []*websocket.Conn
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewMockRelay starts the relay. It is shut down when the test finishes.
func NewMockRelay(t *testing.T) *MockRelay {
	t.Helper()

	r := &MockRelay{}
	r.Server = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.Close)
	return r
}

// URL is the ws:// address of the relay.
func (r *MockRelay) URL() string {
	return "ws" + strings.TrimPrefix(r.Server.URL, "http")
}

// Events returns everything published so far.
func (r *MockRelay) Events() []nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]nostr.Event(nil), r.events...)
}

// Store seeds an event as if a third party had published it earlier.
func (r *MockRelay) Store(ev nostr.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Close drops all connections and stops the server.
func (r *MockRelay) Close() {
	r.mu.Lock()
	for _, c := range r.conns {
		_ = c.Close()
	}
	r.conns = nil
	r.mu.Unlock()
	r.Server.Close()
}

func (r *MockRelay) handle(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conns = append(r.conns, ws)
	r.mu.Unlock()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(frame[0], &kind); err != nil {
			continue
		}

		switch kind {
		case "EVENT":
			var ev nostr.Event
			if err := json.Unmarshal(frame[1], &ev); err != nil {
				continue
			}
			ok := !r.RejectAll
			if ok {
				r.Store(ev)
			}
			r.write(ws, []interface{}{"OK", ev.ID, ok, ""})

		case "REQ":
			var subID string
			if err := json.Unmarshal(frame[1], &subID); err != nil {
				continue
			}
			var filters []nostr.Filter
			for _, rawFilter := range frame[2:] {
				var f nostr.Filter
				if err := json.Unmarshal(rawFilter, &f); err == nil {
					filters = append(filters, f)
				}
			}
			for _, ev := range r.Events() {
				for _, f := range filters {
					if f.Matches(ev) {
						r.write(ws, []interface{}{"EVENT", subID, ev})
						break
					}
				}
			}
			r.write(ws, []interface{}{"EOSE", subID})

		case "CLOSE":
			// nothing to clean up, subscriptions are not tracked
		}
	}
}

func (r *MockRelay) write(ws *websocket.Conn, frame []interface{}) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = ws.WriteMessage(websocket.TextMessage, raw)
}

// RequireEventKinds asserts the relay saw exactly the given kinds, in any
// order.
func (r *MockRelay) RequireEventKinds(t *testing.T, kinds ...int) {
	t.Helper()

	seen := make(map[int]int)
	for _, ev := range r.Events() {
		seen[ev.Kind]++
	}
	want := make(map[int]int)
	for _, k := range kinds {
		want[k]++
	}
	require.Equal(t, want, seen)
}
