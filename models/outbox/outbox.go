// Package outbox records which notification side-effects have been started,
// guaranteeing at-most-once dispatch per (order, state, channel).
package outbox

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/build"
	"gitlab.com/satstall/satstall/db"
)

var log = build.AddSubLogger("OBOX")

// Channel identifies a notification transport.
type Channel string

const (
	// ChannelDM is an encrypted Nostr direct message.
	ChannelDM Channel = "dm"
	// ChannelEmail is SMTP.
	ChannelEmail Channel = "email"
)

// Row is one persisted claim.
type Row struct {
	OrderID     string    `db:"order_id"`
	TargetState string    `db:"target_state"`
	Channel     Channel   `db:"channel"`
	ClaimedAt   time.Time `db:"claimed_at"`
	Error       string    `db:"error"`
}

// Claim atomically records that the side-effect for the given tuple is being
// started. Returns true on the first claim; false when someone already owns
// it. The caller that gets true owns the side-effect.
func Claim(d *db.DB, orderID, targetState string, channel Channel) (bool, error) {
	query := `INSERT INTO outbox (order_id, target_state, channel, claimed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (order_id, target_state, channel) DO NOTHING`

	res, err := d.Exec(query, orderID, targetState, channel, time.Now().UTC())
	if err != nil {
		return false, errors.Wrap(err, "could not claim outbox row")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	claimed := rows == 1
	if !claimed {
		log.WithField("order", orderID).WithField("channel", string(channel)).
			Debugf("Notification for %s already claimed", targetState)
	}
	return claimed, nil
}

// RecordError stores the permanent failure of a claimed side-effect. The
// claim stays in place: repairs go through Release and a fresh dispatch.
func RecordError(d *db.DB, orderID, targetState string, channel Channel, dispatchErr error) error {
	msg := strings.TrimSpace(dispatchErr.Error())
	_, err := d.Exec(`UPDATE outbox SET error = ?
		WHERE order_id = ? AND target_state = ? AND channel = ?`,
		msg, orderID, targetState, channel)
	return errors.Wrap(err, "could not record outbox error")
}

// Release deletes the claim so the side-effect can be dispatched again. Only
// the admin resend action calls this.
func Release(d *db.DB, orderID, targetState string, channel Channel) error {
	_, err := d.Exec(`DELETE FROM outbox
		WHERE order_id = ? AND target_state = ? AND channel = ?`,
		orderID, targetState, channel)
	return errors.Wrap(err, "could not release outbox row")
}

// ForOrder lists the claims recorded for one order, used by the admin UI.
func ForOrder(d *db.DB, orderID string) ([]Row, error) {
	var list []Row
	query := `SELECT order_id, target_state, channel, claimed_at, error
		FROM outbox WHERE order_id = ? ORDER BY claimed_at ASC`
	if err := d.Select(&list, query, orderID); err != nil {
		return nil, errors.Wrap(err, "could not list outbox rows")
	}
	return list, nil
}
