package orders

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/db"
)

const orderColumns = `
	id, status, payment_method, provider,
	payment_hash, payment_request, swap_id, onchain_address, onchain_amount_sats, bip21,
	subtotal_sats, shipping_sats, total_sats, items,
	ship_country, ship_name, ship_address1, ship_address2, ship_city, ship_postcode,
	contact_email, contact_telegram, contact_phone, contact_nostr_pubkey, session_id,
	notes, courier, tracking,
	invoice_expires_at, created_at, updated_at`

// Insert validates and persists a new order. The order gets a fresh id when
// none is set, status PENDING and both timestamps set to now.
// Returns ErrDuplicatePaymentRef when the payment hash or swap id is already
// bound to another order.
func Insert(d *db.DB, o Order) (Order, error) {
	if o.ID == "" {
		o.ID = NewID()
	}
	if o.Status == "" {
		o.Status = PENDING
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	if err := o.Validate(); err != nil {
		return Order{}, err
	}

	query := `INSERT INTO orders (` + strings.TrimSpace(orderColumns) + `)
		VALUES (
			:id, :status, :payment_method, :provider,
			:payment_hash, :payment_request, :swap_id, :onchain_address, :onchain_amount_sats, :bip21,
			:subtotal_sats, :shipping_sats, :total_sats, :items,
			:ship_country, :ship_name, :ship_address1, :ship_address2, :ship_city, :ship_postcode,
			:contact_email, :contact_telegram, :contact_phone, :contact_nostr_pubkey, :session_id,
			:notes, :courier, :tracking,
			:invoice_expires_at, :created_at, :updated_at)`

	if _, err := d.NamedExec(query, o); err != nil {
		if isUniqueViolation(err) {
			return Order{}, ErrDuplicatePaymentRef
		}
		return Order{}, errors.Wrap(err, "could not insert order")
	}

	log.WithField("id", o.ID).WithField("method", string(o.PaymentMethod)).
		Info("Inserted new order")
	return o, nil
}

// isUniqueViolation sniffs SQLite's constraint error. modernc.org/sqlite does
// not export a stable error type for this, the message is the contract.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetByID fetches the order with the given id, normalizing its case first.
func GetByID(d *db.DB, id string) (Order, error) {
	var o Order
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`
	if err := d.Get(&o, query, NormalizeID(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, errors.Wrapf(err, "could not get order %s", id)
	}
	return o, nil
}

// GetByPaymentHash fetches the order bound to the given Lightning payment
// hash.
func GetByPaymentHash(d *db.DB, paymentHash string) (Order, error) {
	var o Order
	query := `SELECT ` + orderColumns + ` FROM orders WHERE payment_hash = ?`
	if err := d.Get(&o, query, paymentHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, errors.Wrapf(err, "could not get order by payment hash")
	}
	return o, nil
}

// GetBySwapID fetches the order bound to the given submarine swap.
func GetBySwapID(d *db.DB, swapID string) (Order, error) {
	var o Order
	query := `SELECT ` + orderColumns + ` FROM orders WHERE swap_id = ?`
	if err := d.Get(&o, query, swapID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, errors.Wrapf(err, "could not get order by swap id")
	}
	return o, nil
}

// ListForContact returns the union of orders bound to the given anonymous
// session and orders bound to the given Nostr pubkey, newest first. Either
// argument may be empty.
func ListForContact(d *db.DB, sessionID, nostrPubkey string) ([]Order, error) {
	if sessionID == "" && nostrPubkey == "" {
		return nil, nil
	}
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE (session_id != '' AND session_id = ?)
		   OR (contact_nostr_pubkey != '' AND contact_nostr_pubkey = ?)
		ORDER BY created_at DESC`

	var list []Order
	if err := d.Select(&list, query, sessionID, nostrPubkey); err != nil {
		return nil, errors.Wrap(err, "could not list orders for contact")
	}
	return list, nil
}

// ListByStatus returns orders in the given status, newest first. A nil
// status returns everything.
func ListByStatus(d *db.DB, status *Status, limit, offset int) ([]Order, error) {
	if limit <= 0 {
		limit = 50
	}
	var list []Order
	var err error
	if status == nil {
		query := `SELECT ` + orderColumns + ` FROM orders
			ORDER BY created_at DESC LIMIT ? OFFSET ?`
		err = d.Select(&list, query, limit, offset)
	} else {
		query := `SELECT ` + orderColumns + ` FROM orders WHERE status = ?
			ORDER BY created_at DESC LIMIT ? OFFSET ?`
		err = d.Select(&list, query, *status, limit, offset)
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not list orders")
	}
	return list, nil
}

// NonTerminal returns every order that still needs a payment watcher. Called
// once at startup to respawn watchers.
func NonTerminal(d *db.DB) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status IN (?, ?, ?) ORDER BY created_at ASC`

	var list []Order
	if err := d.Select(&list, query, PENDING, MEMPOOL, CONFIRMED); err != nil {
		return nil, errors.Wrap(err, "could not list non-terminal orders")
	}
	return list, nil
}

// TransitionOpts carries the optional fulfillment fields an admin transition
// to SHIPPED sets alongside the status.
type TransitionOpts struct {
	Courier  string
	Tracking string
}

// TransitionStatus conditionally moves the order to the given status, but
// only when its current status is one of from. This single conditional
// UPDATE is what serializes concurrent reports for the same order: exactly
// one caller wins, everyone else sees updated == false.
//
// On success a row is appended to order_events and the fresh order is
// returned along with the status the order moved away from. The returned
// order is valid in the updated == false case too, so callers can inspect
// what the status actually is.
func TransitionStatus(d *db.DB, id string, from []Status, to Status, opts TransitionOpts) (bool, Status, Order, error) {
	if len(from) == 0 {
		return false, "", Order{}, errors.New("transition needs at least one source status")
	}

	tx, err := d.Beginx()
	if err != nil {
		return false, "", Order{}, errors.Wrap(err, "could not begin transition tx")
	}
	defer func() { _ = tx.Rollback() }()

	id = NormalizeID(id)

	// Read the current status inside the tx so the event row records the
	// true source status even under concurrent attempts.
	var current Status
	if err := tx.Get(&current, `SELECT status FROM orders WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", Order{}, ErrOrderNotFound
		}
		return false, "", Order{}, errors.Wrap(err, "could not read current status")
	}

	query, args, err := sqlx.In(`UPDATE orders
		SET status = ?, updated_at = ?,
			courier = CASE WHEN ? != '' THEN ? ELSE courier END,
			tracking = CASE WHEN ? != '' THEN ? ELSE tracking END
		WHERE id = ? AND status IN (?)`,
		to, time.Now().UTC(),
		opts.Courier, opts.Courier,
		opts.Tracking, opts.Tracking,
		id, from)
	if err != nil {
		return false, "", Order{}, errors.Wrap(err, "could not build transition query")
	}

	res, err := tx.Exec(query, args...)
	if err != nil {
		return false, "", Order{}, errors.Wrap(err, "could not run transition update")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, "", Order{}, errors.Wrap(err, "could not read affected rows")
	}

	updated := rows == 1
	if updated {
		_, err = tx.Exec(`INSERT INTO order_events (id, order_id, from_status, to_status, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), id, current, to, time.Now().UTC())
		if err != nil {
			return false, "", Order{}, errors.Wrap(err, "could not record order event")
		}
	}

	var fresh Order
	if err := tx.Get(&fresh, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id); err != nil {
		return false, "", Order{}, errors.Wrap(err, "could not re-read order after transition")
	}

	if err := tx.Commit(); err != nil {
		return false, "", Order{}, errors.Wrap(err, "could not commit transition")
	}

	if updated {
		log.WithField("id", id).Infof("Order moved %s -> %s", current, to)
	} else {
		log.WithField("id", id).Debugf("Transition to %s skipped, order is %s", to, fresh.Status)
	}
	return updated, current, fresh, nil
}

// GetEvents returns the committed transitions of an order, oldest first.
func GetEvents(d *db.DB, orderID string) ([]Event, error) {
	query := `SELECT id, order_id, from_status, to_status, created_at
		FROM order_events WHERE order_id = ? ORDER BY created_at ASC, id ASC`

	var events []Event
	if err := d.Select(&events, query, NormalizeID(orderID)); err != nil {
		return nil, errors.Wrap(err, "could not get order events")
	}
	return events, nil
}

// DeleteByID removes an order outright. Only used to clean up when the
// payment provider dies mid-create, so no dangling PENDING row without a
// payment artifact survives.
func DeleteByID(d *db.DB, id string) error {
	res, err := d.Exec(`DELETE FROM orders WHERE id = ?`, NormalizeID(id))
	if err != nil {
		return errors.Wrapf(err, "could not delete order %s", id)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// PrunePendingOlderThan deletes PENDING orders created more than ttl ago.
// Abandoned checkouts accumulate otherwise.
func PrunePendingOlderThan(d *db.DB, ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	res, err := d.Exec(`DELETE FROM orders WHERE status = ? AND created_at < ?`,
		PENDING, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "could not prune pending orders")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows > 0 {
		log.Infof("Pruned %d stale pending orders", rows)
	}
	return rows, nil
}
