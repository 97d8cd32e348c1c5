// Package lifecycle owns every order's status. All status writes go through
// the Machine here, which enforces the transition graph, publishes committed
// transitions on the event bus and hands customer-visible transitions to the
// notification dispatcher.
package lifecycle

import (
	"time"

	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/build"
	"gitlab.com/satstall/satstall/bus"
	"gitlab.com/satstall/satstall/db"
	"gitlab.com/satstall/satstall/models/orders"
	"gitlab.com/satstall/satstall/pay"
)

var log = build.AddSubLogger("LIFE")

// ErrTransitionNotAllowed means the requested admin transition has no edge in
// the graph, or SHIPPED was requested without fulfillment details.
var ErrTransitionNotAllowed = errors.New("status transition not allowed")

// Dispatcher receives every committed customer-visible transition. Dispatch
// must be idempotent per (order, state, channel) and must never block the
// caller for long: the machine calls it on its own goroutine.
type Dispatcher interface {
	Dispatch(orderID string, state orders.Status)
}

// Machine is the only component that mutates order status.
type Machine struct {
	database   *db.DB
	events     *bus.Bus
	dispatcher Dispatcher
}

// New returns a Machine. dispatcher may be nil to disable notifications.
func New(database *db.DB, events *bus.Bus, dispatcher Dispatcher) *Machine {
	return &Machine{database: database, events: events, dispatcher: dispatcher}
}

// statusFromDriver maps a driver report onto the order status it argues for.
// Driver reports never reach the fulfillment states.
var statusFromDriver = map[pay.Status]orders.Status{
	pay.StatusPending:   orders.PENDING,
	pay.StatusMempool:   orders.MEMPOOL,
	pay.StatusConfirmed: orders.CONFIRMED,
	pay.StatusPaid:      orders.PAID,
	pay.StatusExpired:   orders.EXPIRED,
	pay.StatusFailed:    orders.FAILED,
}

// ApplyPayment applies one driver report to an order. Reports with no edge
// from the order's current status are dropped, not errors: the graph is
// authoritative, drivers are not. Returns whether a transition committed and
// the fresh order either way.
func (m *Machine) ApplyPayment(orderID string, reported pay.Status) (bool, orders.Order, error) {
	target, ok := statusFromDriver[reported]
	if !ok {
		return false, orders.Order{}, errors.Errorf("driver reported unknown status %q", reported)
	}

	if target == orders.PENDING {
		// PENDING is the creation state, there is nothing to move.
		order, err := orders.GetByID(m.database, orderID)
		return false, order, err
	}

	from := orders.PaymentSources(target)
	updated, source, order, err := orders.TransitionStatus(
		m.database, orderID, from, target, orders.TransitionOpts{})
	if err != nil {
		return false, orders.Order{}, err
	}
	if !updated {
		log.WithField("order", orderID).
			Debugf("Dropped driver report %s, order is %s", reported, order.Status)
		return false, order, nil
	}

	m.committed(order, source, target)
	return true, order, nil
}

// AdminSet applies an operator-driven transition. SHIPPED requires courier
// and tracking; they are persisted alongside the status.
func (m *Machine) AdminSet(orderID string, to orders.Status, courier, tracking string) (orders.Order, error) {
	if !to.Valid() {
		return orders.Order{}, errors.Wrapf(ErrTransitionNotAllowed, "unknown status %q", to)
	}

	opts := orders.TransitionOpts{Courier: courier, Tracking: tracking}
	if to == orders.SHIPPED {
		order, err := orders.GetByID(m.database, orderID)
		if err != nil {
			return orders.Order{}, err
		}
		if opts.Courier == "" {
			opts.Courier = order.Courier
		}
		if opts.Tracking == "" {
			opts.Tracking = order.Tracking
		}
		if opts.Courier == "" || opts.Tracking == "" {
			return orders.Order{}, errors.Wrap(ErrTransitionNotAllowed,
				"shipping an order requires courier and tracking")
		}
	}

	from := orders.AdminSources(to)
	if len(from) == 0 {
		return orders.Order{}, errors.Wrapf(ErrTransitionNotAllowed,
			"no admin path leads to %s", to)
	}

	updated, source, order, err := orders.TransitionStatus(m.database, orderID, from, to, opts)
	if err != nil {
		return orders.Order{}, err
	}
	if !updated {
		return order, errors.Wrapf(ErrTransitionNotAllowed,
			"order is %s, cannot move to %s", order.Status, to)
	}

	m.committed(order, source, to)
	return order, nil
}

// Expire moves an order that never saw funds to EXPIRED. A no-op when funds
// arrived in the meantime.
func (m *Machine) Expire(orderID string) (bool, orders.Order, error) {
	from := orders.PaymentSources(orders.EXPIRED)
	updated, source, order, err := orders.TransitionStatus(
		m.database, orderID, from, orders.EXPIRED, orders.TransitionOpts{})
	if err != nil {
		return false, orders.Order{}, err
	}
	if updated {
		m.committed(order, source, orders.EXPIRED)
	}
	return updated, order, nil
}

// notifiable are the customer-visible targets that trigger dispatch.
func notifiable(s orders.Status) bool {
	return s == orders.PAID || s == orders.PREPARATION || s == orders.SHIPPED
}

func (m *Machine) committed(order orders.Order, from, to orders.Status) {
	if m.events != nil {
		m.events.Publish(bus.Event{
			OrderID: order.ID,
			From:    from,
			To:      to,
			At:      time.Now().UTC(),
		})
	}
	if m.dispatcher != nil && notifiable(to) {
		go m.dispatcher.Dispatch(order.ID, to)
	}
}
