// Package carts mirrors the client-side cart per Nostr pubkey so a signed-in
// buyer sees the same cart on any device. Last write wins; the snapshot
// never feeds prices into an order, checkout recomputes those from the
// catalog.
package carts

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/db"
)

// MaxItems bounds the number of lines in a snapshot.
const MaxItems = 24

var (
	// ErrCartNotFound is returned when no snapshot exists for the pubkey.
	ErrCartNotFound = errors.New("cart not found")
	// ErrTooManyItems means the snapshot exceeds MaxItems lines.
	ErrTooManyItems = errors.New("cart has too many items")
	// ErrBadSnapshot means the submitted snapshot is not a JSON array of
	// cart lines.
	ErrBadSnapshot = errors.New("cart snapshot is malformed")
)

// Line is one entry of a snapshot. Only the reference and quantity are
// stored; prices always come from the catalog.
type Line struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"qty"`
}

// Snapshot is the stored cart of one pubkey.
type Snapshot struct {
	NostrPubkey string    `db:"nostr_pubkey" json:"nostrPubkey"`
	Items       string    `db:"items" json:"-"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// Lines decodes the stored items.
func (s Snapshot) Lines() ([]Line, error) {
	var lines []Line
	if err := json.Unmarshal([]byte(s.Items), &lines); err != nil {
		return nil, errors.Wrap(ErrBadSnapshot, err.Error())
	}
	return lines, nil
}

// Get returns the snapshot stored for the given pubkey.
func Get(d *db.DB, nostrPubkey string) (Snapshot, error) {
	var s Snapshot
	query := `SELECT nostr_pubkey, items, updated_at FROM carts WHERE nostr_pubkey = ?`
	if err := d.Get(&s, query, nostrPubkey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, ErrCartNotFound
		}
		return Snapshot{}, errors.Wrap(err, "could not get cart")
	}
	return s, nil
}

// Put validates and stores the snapshot, replacing any previous one.
func Put(d *db.DB, nostrPubkey string, rawItems []byte) (Snapshot, error) {
	if nostrPubkey == "" {
		return Snapshot{}, errors.New("cart needs a nostr pubkey")
	}

	var lines []Line
	if err := json.Unmarshal(rawItems, &lines); err != nil {
		return Snapshot{}, ErrBadSnapshot
	}
	if len(lines) > MaxItems {
		return Snapshot{}, ErrTooManyItems
	}
	for _, line := range lines {
		if line.ProductID == "" || line.Quantity < 1 {
			return Snapshot{}, ErrBadSnapshot
		}
	}

	// Re-encode so the stored form is canonical regardless of what the
	// client sent alongside.
	canonical, err := json.Marshal(lines)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "could not encode cart")
	}

	s := Snapshot{
		NostrPubkey: nostrPubkey,
		Items:       string(canonical),
		UpdatedAt:   time.Now().UTC(),
	}
	query := `INSERT INTO carts (nostr_pubkey, items, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (nostr_pubkey) DO UPDATE SET items = excluded.items, updated_at = excluded.updated_at`
	if _, err := d.Exec(query, s.NostrPubkey, s.Items, s.UpdatedAt); err != nil {
		return Snapshot{}, errors.Wrap(err, "could not store cart")
	}
	return s, nil
}

// Delete drops the snapshot, typically after a successful checkout.
func Delete(d *db.DB, nostrPubkey string) error {
	_, err := d.Exec(`DELETE FROM carts WHERE nostr_pubkey = ?`, nostrPubkey)
	return errors.Wrap(err, "could not delete cart")
}
