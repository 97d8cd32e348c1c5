package relaypool

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gitlab.com/satstall/satstall/async"
	"gitlab.com/satstall/satstall/nostr"
)

type okFrame struct {
	ok  bool
	msg string
}

// relayConn owns one relay: a dial/read loop with per-relay backoff and a
// mutex-guarded writer shared by publishes and subscription management.
type relayConn struct {
	url  string
	pool *Pool

	mu      sync.Mutex
	ws      *websocket.Conn
	pending map[string]chan okFrame // event id -> waiting publish
}

func (c *relayConn) run() {
	defer c.pool.wg.Done()

	backoff := async.NewBackoff(backoffInitial, backoffMax)
	for {
		if c.pool.ctx.Err() != nil {
			return
		}

		ws, err := c.dial()
		if err != nil {
			delay := backoff.Next()
			log.WithError(err).Debugf("Could not connect to %s, retrying in %s", c.url, delay)
			if async.Sleep(c.pool.ctx, delay) != nil {
				return
			}
			continue
		}

		log.Infof("Connected to relay %s", c.url)
		backoff.Reset()

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()

		// Replay open subscriptions onto the fresh connection.
		for _, sub := range c.pool.snapshotSubs() {
			c.sendSubscribe(sub)
		}

		c.readLoop(ws)
		c.closeConn()

		if c.pool.ctx.Err() != nil {
			return
		}
		delay := backoff.Next()
		log.Debugf("Lost relay %s, reconnecting in %s", c.url, delay)
		if async.Sleep(c.pool.ctx, delay) != nil {
			return
		}
	}
}

func (c *relayConn) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.pool.ctx, c.pool.cfg.ConnectTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	return ws, err
}

func (c *relayConn) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(raw)
	}
}

// handleFrame parses one inbound relay frame. Malformed and unknown frames
// are logged and discarded, never fatal.
func (c *relayConn) handleFrame(raw []byte) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) == 0 {
		log.Debugf("Discarding malformed frame from %s", c.url)
		return
	}

	var kind string
	if err := json.Unmarshal(parts[0], &kind); err != nil {
		log.Debugf("Discarding frame with non-string kind from %s", c.url)
		return
	}

	switch kind {
	case "EVENT":
		if len(parts) < 3 {
			return
		}
		var subID string
		var ev nostr.Event
		if json.Unmarshal(parts[1], &subID) != nil || json.Unmarshal(parts[2], &ev) != nil {
			log.Debugf("Discarding malformed EVENT frame from %s", c.url)
			return
		}
		c.pool.dispatchEvent(subID, ev)

	case "OK":
		if len(parts) < 3 {
			return
		}
		var eventID string
		var ok bool
		var msg string
		if json.Unmarshal(parts[1], &eventID) != nil || json.Unmarshal(parts[2], &ok) != nil {
			return
		}
		if len(parts) > 3 {
			_ = json.Unmarshal(parts[3], &msg)
		}
		c.resolvePending(eventID, okFrame{ok: ok, msg: msg})

	case "EOSE":
		if len(parts) < 2 {
			return
		}
		var subID string
		if json.Unmarshal(parts[1], &subID) != nil {
			return
		}
		c.pool.dispatchEose(subID, c.url)

	case "NOTICE":
		var msg string
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &msg)
		}
		log.Debugf("Notice from %s: %s", c.url, msg)

	default:
		log.Debugf("Discarding unknown frame kind %q from %s", kind, c.url)
	}
}

// publish writes the event and waits for the relay's OK, bounded by timeout.
func (c *relayConn) publish(ctx context.Context, ev nostr.Event, timeout time.Duration) Ack {
	start := time.Now()
	ack := func(ok bool, errMsg string) Ack {
		return Ack{
			Relay:     c.url,
			OK:        ok,
			Error:     errMsg,
			LatencyMS: time.Since(start).Milliseconds(),
		}
	}

	frame, err := marshalFrame("EVENT", ev)
	if err != nil {
		return ack(false, err.Error())
	}

	wait := make(chan okFrame, 1)
	c.mu.Lock()
	if c.ws == nil {
		c.mu.Unlock()
		return ack(false, "relay not connected")
	}
	c.pending[ev.ID] = wait
	err = c.ws.WriteMessage(websocket.TextMessage, frame)
	c.mu.Unlock()

	if err != nil {
		c.dropPending(ev.ID)
		return ack(false, err.Error())
	}

	select {
	case res := <-wait:
		if res.ok {
			return ack(true, "")
		}
		return ack(false, res.msg)
	case <-time.After(timeout):
		c.dropPending(ev.ID)
		return ack(false, "timed out waiting for relay ack")
	case <-ctx.Done():
		c.dropPending(ev.ID)
		return ack(false, ctx.Err().Error())
	}
}

func (c *relayConn) resolvePending(eventID string, res okFrame) {
	c.mu.Lock()
	wait := c.pending[eventID]
	delete(c.pending, eventID)
	c.mu.Unlock()
	if wait != nil {
		wait <- res
	}
}

func (c *relayConn) dropPending(eventID string) {
	c.mu.Lock()
	delete(c.pending, eventID)
	c.mu.Unlock()
}

func (c *relayConn) sendSubscribe(sub *subscription) {
	parts := make([]interface{}, 0, len(sub.filters)+2)
	parts = append(parts, "REQ", sub.id)
	for _, f := range sub.filters {
		parts = append(parts, f)
	}
	frame, err := marshalFrame(parts...)
	if err != nil {
		return
	}
	c.write(frame)
}

func (c *relayConn) sendClose(subID string) {
	frame, err := marshalFrame("CLOSE", subID)
	if err != nil {
		return
	}
	c.write(frame)
}

func (c *relayConn) write(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.WithError(err).Debugf("Write to %s failed", c.url)
	}
}

func (c *relayConn) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

func (c *relayConn) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	for id, wait := range c.pending {
		delete(c.pending, id)
		select {
		case wait <- okFrame{ok: false, msg: "connection closed"}:
		default:
		}
	}
}
