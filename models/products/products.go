// Package products holds the catalog rows that orders snapshot from and the
// Nostr mirror publishes.
package products

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/build"
	"gitlab.com/satstall/satstall/db"
)

var log = build.AddSubLogger("PROD")

// ErrProductNotFound is returned when a product cannot be found.
var ErrProductNotFound = errors.New("product not found")

// StringList serializes to a JSON array column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	raw, err := json.Marshal(l)
	return string(raw), err
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return json.Unmarshal([]byte(v), l)
	case []byte:
		return json.Unmarshal(v, l)
	default:
		return errors.Errorf("cannot scan %T into StringList", src)
	}
}

// SatsByZone maps an upper-cased zone code (ISO country, continent or "ALL")
// to a shipping surcharge in sats. Serializes to a JSON object column.
type SatsByZone map[string]int64

// Value implements driver.Valuer.
func (m SatsByZone) Value() (driver.Value, error) {
	if m == nil {
		m = SatsByZone{}
	}
	raw, err := json.Marshal(m)
	return string(raw), err
}

// Scan implements sql.Scanner.
func (m *SatsByZone) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return json.Unmarshal([]byte(v), m)
	case []byte:
		return json.Unmarshal(v, m)
	default:
		return errors.Errorf("cannot scan %T into SatsByZone", src)
	}
}

// Product is one catalog row.
type Product struct {
	ID          string     `db:"id" json:"id"`
	Title       string     `db:"title" json:"title"`
	Description string     `db:"description" json:"description"`
	PriceSats   int64      `db:"price_sats" json:"priceSats"`
	Images      StringList `db:"images" json:"images"`
	Hashtags    StringList `db:"hashtags" json:"hashtags"`
	Hidden      bool       `db:"hidden" json:"hidden"`
	Shipping    SatsByZone `db:"shipping" json:"shipping"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updatedAt"`
}

const productColumns = `id, title, description, price_sats, images, hashtags,
	hidden, shipping, created_at, updated_at`

// Upsert inserts the product or replaces the existing row with the same id.
func Upsert(d *db.DB, p Product) (Product, error) {
	if strings.TrimSpace(p.ID) == "" {
		return Product{}, errors.New("product id is empty")
	}
	if strings.TrimSpace(p.Title) == "" {
		return Product{}, errors.New("product title is empty")
	}
	if p.PriceSats < 0 {
		return Product{}, errors.New("product price is negative")
	}

	now := time.Now().UTC()
	p.UpdatedAt = now
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	query := `INSERT INTO products (` + productColumns + `)
		VALUES (:id, :title, :description, :price_sats, :images, :hashtags,
			:hidden, :shipping, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			price_sats = excluded.price_sats,
			images = excluded.images,
			hashtags = excluded.hashtags,
			hidden = excluded.hidden,
			shipping = excluded.shipping,
			updated_at = excluded.updated_at`

	if _, err := d.NamedExec(query, p); err != nil {
		return Product{}, errors.Wrapf(err, "could not upsert product %s", p.ID)
	}
	log.WithField("id", p.ID).Debug("Upserted product")
	return p, nil
}

// GetByID fetches a single product.
func GetByID(d *db.DB, id string) (Product, error) {
	var p Product
	query := `SELECT ` + productColumns + ` FROM products WHERE id = ?`
	if err := d.Get(&p, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Product{}, ErrProductNotFound
		}
		return Product{}, errors.Wrapf(err, "could not get product %s", id)
	}
	return p, nil
}

// All returns every product, including hidden ones. Used by the Nostr mirror
// and the admin UI.
func All(d *db.DB) ([]Product, error) {
	var list []Product
	query := `SELECT ` + productColumns + ` FROM products ORDER BY created_at ASC`
	if err := d.Select(&list, query); err != nil {
		return nil, errors.Wrap(err, "could not list products")
	}
	return list, nil
}

// Visible returns the products shown to buyers.
func Visible(d *db.DB) ([]Product, error) {
	var list []Product
	query := `SELECT ` + productColumns + ` FROM products WHERE hidden = 0 ORDER BY created_at ASC`
	if err := d.Select(&list, query); err != nil {
		return nil, errors.Wrap(err, "could not list visible products")
	}
	return list, nil
}

// Delete removes a product from the catalog. Existing orders keep their
// snapshotted titles and prices.
func Delete(d *db.DB, id string) error {
	res, err := d.Exec(`DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "could not delete product %s", id)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrProductNotFound
	}
	return nil
}
