// Package watcher runs one reconciliation loop per non-terminal order. Each
// loop merges the driver's push stream, webhook deliveries and a jittered
// polling fallback, feeds every report to the lifecycle machine, and enforces
// the order's absolute payment deadline.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/async"
	"gitlab.com/satstall/satstall/build"
	"gitlab.com/satstall/satstall/bus"
	"gitlab.com/satstall/satstall/db"
	"gitlab.com/satstall/satstall/lifecycle"
	"gitlab.com/satstall/satstall/models/orders"
	"gitlab.com/satstall/satstall/pay"
)

var log = build.AddSubLogger("WTCH")

const (
	lightningPollInterval = 3 * time.Second
	onchainPollInterval   = 5 * time.Second
	maxPollInterval       = time.Minute
	pollJitterFraction    = 0.25

	// expiryGrace is added to the invoice expiry before the watcher gives
	// up and expires the order.
	expiryGrace = 30 * time.Second

	// defaultDeadline bounds watchers for orders whose payment artifact
	// carries no expiry.
	defaultDeadline = time.Hour

	// stopTimeout is how long Stop waits for watchers to release their
	// push subscriptions.
	stopTimeout = 2 * time.Second
)

type watch struct {
	ref     string
	cancel  context.CancelFunc
	updates chan pay.Update
}

// Manager owns all running watchers. At most one watcher exists per order.
type Manager struct {
	database *db.DB
	driver   pay.Driver
	machine  *lifecycle.Machine
	events   *bus.Bus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	byOrder  map[string]*watch
	byRef    map[string]*watch
	stopping bool
}

// NewManager returns a Manager whose watchers live until ctx is done or Stop
// is called.
func NewManager(ctx context.Context, database *db.DB, driver pay.Driver,
	machine *lifecycle.Machine, events *bus.Bus) *Manager {

	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		database: database,
		driver:   driver,
		machine:  machine,
		events:   events,
		ctx:      ctx,
		cancel:   cancel,
		byOrder:  make(map[string]*watch),
		byRef:    make(map[string]*watch),
	}
}

// RespawnAll starts a watcher for every non-terminal order. Called once at
// startup, after the driver is connected.
func (m *Manager) RespawnAll() error {
	list, err := orders.NonTerminal(m.database)
	if err != nil {
		return errors.Wrap(err, "could not list non-terminal orders")
	}
	for _, order := range list {
		m.Watch(order)
	}
	log.Infof("Respawned %d payment watchers", len(list))
	return nil
}

// Watch starts a watcher for the order unless one is already running.
func (m *Manager) Watch(order orders.Order) {
	ref := paymentRef(order)
	if ref == "" {
		log.WithField("order", order.ID).Error("Order has no payment reference, not watching")
		return
	}

	m.mu.Lock()
	if m.stopping || m.byOrder[order.ID] != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	w := &watch{
		ref:     ref,
		cancel:  cancel,
		updates: make(chan pay.Update, 8),
	}
	m.byOrder[order.ID] = w
	m.byRef[ref] = w
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(ctx, order, w)
}

// Deliver routes a verified webhook update into the matching watcher so its
// polling backoff resets. When no watcher is running (terminal race, process
// just restarted) the report is applied to the lifecycle machine directly.
func (m *Manager) Deliver(update pay.Update) error {
	m.mu.Lock()
	w := m.byRef[update.Ref]
	m.mu.Unlock()

	if w != nil {
		select {
		case w.updates <- update:
		default:
			log.WithField("ref", update.Ref).Debug("Watcher update buffer full, dropping webhook copy")
		}
		return nil
	}

	order, err := orderByRef(m.database, update.Ref)
	if err != nil {
		return err
	}
	_, _, err = m.machine.ApplyPayment(order.ID, update.Status)
	return err
}

// Stop cancels every watcher and waits for push subscriptions to be
// released.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		log.Warn("Watchers did not stop in time")
	}
}

// SweepLoop deletes stale PENDING orders that never got paid. Runs until the
// manager context is done.
func (m *Manager) SweepLoop(ttl, every time.Duration) {
	for {
		if async.Sleep(m.ctx, every) != nil {
			return
		}
		pruned, err := orders.PrunePendingOlderThan(m.database, ttl)
		if err != nil {
			log.WithError(err).Error("Pending order sweep failed")
			continue
		}
		if pruned > 0 {
			log.Infof("Swept %d stale pending orders", pruned)
		}
	}
}

func (m *Manager) unregister(orderID string, w *watch) {
	m.mu.Lock()
	delete(m.byOrder, orderID)
	delete(m.byRef, w.ref)
	m.mu.Unlock()
	w.cancel()
	m.wg.Done()
}

func (m *Manager) run(ctx context.Context, order orders.Order, w *watch) {
	defer m.unregister(order.ID, w)

	clog := log.WithField("order", order.ID)

	// One authoritative poll before anything else: a webhook may have
	// settled the order while the process was down.
	if status, err := m.pollOnce(ctx, order.ID, w.ref); err == nil && settled(status) {
		clog.Debug("Order already settled, watcher exiting")
		m.forget(order.ID)
		return
	}

	cancelPush, err := m.driver.SubscribePush(ctx, w.ref, func(u pay.Update) {
		select {
		case w.updates <- u:
		default:
		}
	})
	switch {
	case err == nil:
		defer cancelPush()
	case errors.Is(err, pay.ErrPushUnsupported):
		// Polling and webhooks carry the order alone.
	default:
		clog.WithError(err).Warn("Could not open push subscription, relying on polling")
	}

	base := lightningPollInterval
	if order.PaymentMethod == orders.MethodOnchain {
		base = onchainPollInterval
	}
	backoff := async.NewBackoff(base, maxPollInterval)

	poll := time.NewTimer(async.Jitter(base, pollJitterFraction))
	defer poll.Stop()
	deadline := time.NewTimer(time.Until(watchDeadline(order)))
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case u := <-w.updates:
			changed, fresh, err := m.machine.ApplyPayment(order.ID, u.Status)
			if err != nil {
				clog.WithError(err).Error("Could not apply pushed payment report")
				continue
			}
			if changed {
				backoff.Reset()
			}
			order.Status = fresh.Status
			if !fresh.Status.NeedsWatcher() {
				m.forget(order.ID)
				return
			}

		case <-poll.C:
			status, err := m.pollOnce(ctx, order.ID, w.ref)
			next := backoff.Next()
			switch {
			case err != nil:
				if !pay.IsTransient(err) {
					clog.WithError(err).Error("Status poll failed")
				}
			case settled(status):
				m.forget(order.ID)
				return
			case status != order.Status:
				order.Status = status
				backoff.Reset()
				next = base
			}
			poll.Reset(async.Jitter(next, pollJitterFraction))

		case <-deadline.C:
			// Final authoritative poll, then expire. Only orders with
			// no funds seen may expire: once the payment is confirmed
			// on-chain the loop keeps polling until the provider
			// reports it settled.
			status, err := m.pollOnce(ctx, order.ID, w.ref)
			if err == nil {
				if settled(status) {
					m.forget(order.ID)
					return
				}
				order.Status = status
			}
			if order.Status == orders.CONFIRMED {
				continue
			}
			if _, _, err := m.machine.Expire(order.ID); err != nil {
				clog.WithError(err).Error("Could not expire order past its deadline")
			}
			m.forget(order.ID)
			return
		}
	}
}

// pollOnce asks the driver and applies the answer. Returns the order's status
// after the apply.
func (m *Manager) pollOnce(ctx context.Context, orderID, ref string) (orders.Status, error) {
	opCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	reported, err := m.driver.Status(opCtx, ref)
	if err != nil {
		return "", err
	}
	_, fresh, err := m.machine.ApplyPayment(orderID, reported)
	if err != nil {
		return "", err
	}
	return fresh.Status, nil
}

// settled reports whether the watcher's job is done.
func settled(s orders.Status) bool {
	return !s.NeedsWatcher()
}

func (m *Manager) forget(orderID string) {
	if m.events != nil {
		m.events.Forget(orderID)
	}
}

func watchDeadline(order orders.Order) time.Time {
	if order.InvoiceExpiresAt != nil && !order.InvoiceExpiresAt.IsZero() {
		return order.InvoiceExpiresAt.Add(expiryGrace)
	}
	return order.CreatedAt.Add(defaultDeadline + expiryGrace)
}

func paymentRef(order orders.Order) string {
	if order.PaymentHash != nil && *order.PaymentHash != "" {
		return *order.PaymentHash
	}
	if order.SwapID != nil && *order.SwapID != "" {
		return *order.SwapID
	}
	return ""
}

func orderByRef(d *db.DB, ref string) (orders.Order, error) {
	order, err := orders.GetByPaymentHash(d, ref)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, orders.ErrOrderNotFound) {
		return orders.Order{}, err
	}
	return orders.GetBySwapID(d, ref)
}
