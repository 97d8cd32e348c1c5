package mirror

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/db"
	"gitlab.com/satstall/satstall/nostr/relaypool"
)

// Record is the bookkeeping row for one published stall or product event.
type Record struct {
	RecordKey   string    `db:"record_key" json:"recordKey"`
	EventID     string    `db:"event_id" json:"eventId"`
	ContentHash string    `db:"content_hash" json:"contentHash"`
	PublishedAt time.Time `db:"published_at" json:"publishedAt"`
	AcksJSON    string    `db:"acks" json:"-"`
}

// Acks decodes the persisted per-relay ack vector.
func (r Record) Acks() ([]relaypool.Ack, error) {
	var acks []relaypool.Ack
	if err := json.Unmarshal([]byte(r.AcksJSON), &acks); err != nil {
		return nil, errors.Wrap(err, "stored acks are not valid JSON")
	}
	return acks, nil
}

func getRecord(d *db.DB, recordKey string) (*Record, error) {
	var r Record
	query := `SELECT record_key, event_id, content_hash, published_at, acks
		FROM nostr_events WHERE record_key = ?`
	if err := d.Get(&r, query, recordKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "could not load nostr record %s", recordKey)
	}
	return &r, nil
}

func putRecord(d *db.DB, recordKey, eventID, contentHash string, acks []relaypool.Ack) error {
	acksJSON, err := json.Marshal(acks)
	if err != nil {
		return errors.Wrap(err, "could not encode acks")
	}

	query := `INSERT INTO nostr_events (record_key, event_id, content_hash, published_at, acks)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (record_key) DO UPDATE SET
			event_id = excluded.event_id,
			content_hash = excluded.content_hash,
			published_at = excluded.published_at,
			acks = excluded.acks`
	_, err = d.Exec(query, recordKey, eventID, contentHash, time.Now().UTC(), string(acksJSON))
	return errors.Wrapf(err, "could not store nostr record %s", recordKey)
}

// Records lists all bookkeeping rows, for the admin surface.
func Records(d *db.DB) ([]Record, error) {
	var list []Record
	query := `SELECT record_key, event_id, content_hash, published_at, acks
		FROM nostr_events ORDER BY record_key ASC`
	if err := d.Select(&list, query); err != nil {
		return nil, errors.Wrap(err, "could not list nostr records")
	}
	return list, nil
}
