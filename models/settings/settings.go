// Package settings holds the shop's singleton settings document and the
// shipping quote resolver.
package settings

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/build"
	"gitlab.com/satstall/satstall/db"
)

var log = build.AddSubLogger("SETT")

// ZoneAll is the fallback shipping zone matching every destination.
const ZoneAll = "ALL"

// Shipping is the tiered shipping configuration. Resolution order for a
// destination country: explicit zone override, domestic, continent, ALL.
type Shipping struct {
	// HomeCountry is the shop's own ISO-3166-1 alpha-2 country.
	HomeCountry string `json:"homeCountry"`
	// DomesticSats applies when the destination equals HomeCountry.
	DomesticSats int64 `json:"domesticSats"`
	// ContinentSats applies when the destination shares HomeCountry's
	// continent.
	ContinentSats int64 `json:"continentSats"`
	// WorldSats is the ALL fallback, used when WorldEnabled is set.
	WorldSats int64 `json:"worldSats"`
	// WorldEnabled controls whether the shop ships outside the zones
	// configured above. When false, uncovered destinations are rejected.
	WorldEnabled bool `json:"worldEnabled"`
	// Zones maps upper-cased ISO country or continent codes to explicit
	// overrides that win over the tiers above.
	Zones map[string]int64 `json:"zones,omitempty"`
}

// Template is the notification text rendered for one order status.
type Template struct {
	DMBody       string `json:"dmBody"`
	EmailSubject string `json:"emailSubject"`
	EmailBody    string `json:"emailBody"`
}

// Nostr groups the relay mesh parameters.
type Nostr struct {
	Relays          []string `json:"relays"`
	Hashtags        []string `json:"hashtags,omitempty"`
	BlockedPubkeys  []string `json:"blockedPubkeys,omitempty"`
	CommentsEnabled bool     `json:"commentsEnabled"`
	StallDTag       string   `json:"stallDTag,omitempty"`
}

// Settings is the singleton settings document, stored as one JSON blob.
type Settings struct {
	StoreName   string `json:"storeName"`
	Description string `json:"description"`
	Currency    string `json:"currency"`
	LogoURL     string `json:"logoUrl,omitempty"`
	FaviconURL  string `json:"faviconUrl,omitempty"`

	Shipping Shipping `json:"shipping"`
	Nostr    Nostr    `json:"nostr"`

	// Templates keys are order status strings (PAID, PREPARATION, SHIPPED).
	Templates      map[string]Template `json:"templates,omitempty"`
	EmailSignature string              `json:"emailSignature,omitempty"`

	// Theme holds free-form design tokens the front-end interprets.
	Theme map[string]string `json:"theme,omitempty"`
}

// Default returns the settings a fresh shop starts with.
func Default() Settings {
	return Settings{
		StoreName: "satstall",
		Currency:  "SATS",
		Shipping: Shipping{
			HomeCountry:  "US",
			WorldEnabled: true,
		},
		Nostr: Nostr{
			CommentsEnabled: true,
			StallDTag:       "main",
		},
		Templates: map[string]Template{
			"PAID": {
				DMBody:       "Your order {{orderId}} at {{storeName}} is paid. Total: {{totalSats}} sats.",
				EmailSubject: "{{storeName}}: order {{orderId}} paid",
				EmailBody:    "Thank you! We received your payment of {{totalSats}} sats for order {{orderId}}.",
			},
			"PREPARATION": {
				DMBody:       "Your order {{orderId}} is being prepared.",
				EmailSubject: "{{storeName}}: order {{orderId}} in preparation",
				EmailBody:    "Your order {{orderId}} is being prepared for shipping.",
			},
			"SHIPPED": {
				DMBody:       "Your order {{orderId}} shipped via {{courier}}, tracking {{tracking}}.",
				EmailSubject: "{{storeName}}: order {{orderId}} shipped",
				EmailBody:    "Your order {{orderId}} shipped via {{courier}}. Tracking number: {{tracking}}.",
			},
		},
	}
}

// Get loads the settings document, falling back to Default when none has
// been stored yet.
func Get(d *db.DB) (Settings, error) {
	var doc string
	err := d.Get(&doc, `SELECT doc FROM settings WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return Default(), nil
	}
	if err != nil {
		return Settings{}, errors.Wrap(err, "could not load settings")
	}

	var s Settings
	if err := json.Unmarshal([]byte(doc), &s); err != nil {
		return Settings{}, errors.Wrap(err, "stored settings are not valid JSON")
	}
	return s, nil
}

// Put stores the settings document, replacing the previous one.
func Put(d *db.DB, s Settings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "could not encode settings")
	}

	query := `INSERT INTO settings (id, doc, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`
	if _, err := d.Exec(query, string(raw), time.Now().UTC()); err != nil {
		return errors.Wrap(err, "could not store settings")
	}
	log.Info("Stored settings")
	return nil
}
