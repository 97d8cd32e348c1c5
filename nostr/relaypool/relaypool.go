// Package relaypool maintains persistent WebSocket connections to a set of
// Nostr relays. Publishes fan out with per-relay acks, subscriptions merge
// and dedupe events across relays, and every relay reconnects on its own
// backoff so one bad relay never blocks the rest.
package relaypool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/build"
	"gitlab.com/satstall/satstall/nostr"
)

var log = build.AddSubLogger("RPOL")

const (
	// MaxRelays bounds the configured relay set.
	MaxRelays = 16

	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 10 * time.Second

	backoffInitial = 2 * time.Second
	backoffMax     = 5 * time.Minute

	// dedupeWindow is how many recent event ids the pool remembers.
	dedupeWindow = 512
)

// Ack is one relay's answer to a publish.
type Ack struct {
	Relay     string `json:"relay"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Config for the pool.
type Config struct {
	Relays         []string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

type subscription struct {
	id      string
	filters []nostr.Filter
	onEvent func(nostr.Event)
	onEose  func(relay string)
}

// Pool is safe for concurrent use from the notification and mirror paths.
type Pool struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns []*relayConn
	subs  map[string]*subscription
	seen  *ringSet
}

// New starts one connection loop per configured relay.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if len(cfg.Relays) == 0 {
		return nil, errors.New("relay pool needs at least one relay")
	}
	if len(cfg.Relays) > MaxRelays {
		return nil, errors.Errorf("at most %d relays are supported, got %d",
			MaxRelays, len(cfg.Relays))
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*subscription),
		seen:   newRingSet(dedupeWindow),
	}
	for _, url := range cfg.Relays {
		c := &relayConn{url: url, pool: p, pending: make(map[string]chan okFrame)}
		p.conns = append(p.conns, c)
		p.wg.Add(1)
		go c.run()
	}
	return p, nil
}

// Stop closes every connection and waits for the loops to exit.
func (p *Pool) Stop() {
	p.cancel()
	p.mu.Lock()
	for _, c := range p.conns {
		c.closeConn()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Connected returns how many relays currently have an open connection.
func (p *Pool) Connected() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.conns {
		if c.isConnected() {
			n++
		}
	}
	return n
}

// Relays returns the configured relay URLs.
func (p *Pool) Relays() []string {
	return append([]string(nil), p.cfg.Relays...)
}

// Publish fans the signed event out to the given relays (all configured ones
// when relays is empty) and collects one Ack per relay, waiting at most the
// publish timeout.
func (p *Pool) Publish(ctx context.Context, ev nostr.Event, relays ...string) []Ack {
	targets := p.selectConns(relays)

	acks := make([]Ack, len(targets))
	var wg sync.WaitGroup
	for i, c := range targets {
		wg.Add(1)
		go func(i int, c *relayConn) {
			defer wg.Done()
			acks[i] = c.publish(ctx, ev, p.cfg.PublishTimeout)
		}(i, c)
	}
	wg.Wait()
	return acks
}

// Subscribe opens a merged subscription across all relays. Events are deduped
// by id; onEose fires once per relay that reports end-of-stored-events.
// cancel closes the subscription on every relay.
func (p *Pool) Subscribe(filters []nostr.Filter, onEvent func(nostr.Event), onEose func(relay string)) func() {
	sub := &subscription{
		id:      randomID(),
		filters: filters,
		onEvent: onEvent,
		onEose:  onEose,
	}

	p.mu.Lock()
	p.subs[sub.id] = sub
	conns := append([]*relayConn(nil), p.conns...)
	p.mu.Unlock()

	for _, c := range conns {
		c.sendSubscribe(sub)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, sub.id)
			conns := append([]*relayConn(nil), p.conns...)
			p.mu.Unlock()
			for _, c := range conns {
				c.sendClose(sub.id)
			}
		})
	}
}

// FetchOnce collects matching stored events until every connected relay
// reports EOSE or the timeout elapses.
func (p *Pool) FetchOnce(ctx context.Context, filters []nostr.Filter, timeout time.Duration) []nostr.Event {
	connected := p.Connected()
	if connected == 0 {
		return nil
	}

	var mu sync.Mutex
	var events []nostr.Event
	eoseRelays := make(map[string]bool)
	done := make(chan struct{})

	cancel := p.Subscribe(filters,
		func(ev nostr.Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
		func(relay string) {
			mu.Lock()
			eoseRelays[relay] = true
			n := len(eoseRelays)
			mu.Unlock()
			if n >= connected {
				select {
				case done <- struct{}{}:
				default:
				}
			}
		})
	defer cancel()

	select {
	case <-done:
	case <-time.After(timeout):
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]nostr.Event(nil), events...)
}

func (p *Pool) selectConns(relays []string) []*relayConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(relays) == 0 {
		return append([]*relayConn(nil), p.conns...)
	}
	var out []*relayConn
	for _, c := range p.conns {
		for _, url := range relays {
			if c.url == url {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// dispatchEvent routes an inbound event frame to its subscription, deduped
// across relays.
func (p *Pool) dispatchEvent(subID string, ev nostr.Event) {
	p.mu.Lock()
	sub := p.subs[subID]
	fresh := sub != nil && p.seen.add(subID+":"+ev.ID)
	p.mu.Unlock()

	if !fresh {
		return
	}
	for _, f := range sub.filters {
		if f.Matches(ev) {
			sub.onEvent(ev)
			return
		}
	}
}

func (p *Pool) dispatchEose(subID, relay string) {
	p.mu.Lock()
	sub := p.subs[subID]
	p.mu.Unlock()
	if sub != nil && sub.onEose != nil {
		sub.onEose(relay)
	}
}

func (p *Pool) snapshotSubs() []*subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		out = append(out, sub)
	}
	return out
}

// ringSet remembers the last n keys.
type ringSet struct {
	keys []string
	set  map[string]struct{}
	next int
}

func newRingSet(n int) *ringSet {
	return &ringSet{keys: make([]string, n), set: make(map[string]struct{}, n)}
}

// add returns true when the key was not in the window.
func (r *ringSet) add(key string) bool {
	if _, ok := r.set[key]; ok {
		return false
	}
	if old := r.keys[r.next]; old != "" {
		delete(r.set, old)
	}
	r.keys[r.next] = key
	r.set[key] = struct{}{}
	r.next = (r.next + 1) % len(r.keys)
	return true
}

func randomID() string {
	var raw [8]byte
	_, _ = rand.Read(raw[:])
	return hex.EncodeToString(raw[:])
}

// marshalFrame encodes a relay protocol frame without HTML escaping.
func marshalFrame(parts ...interface{}) ([]byte, error) {
	raw, err := json.Marshal(parts)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode relay frame")
	}
	return raw, nil
}
