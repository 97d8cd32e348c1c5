// Package mirror publishes the shop's stall and catalog as
// replaceable-parameterized Nostr events. Each record keeps a content hash in
// the store so unchanged republishes make zero relay calls.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/build"
	"gitlab.com/satstall/satstall/db"
	"gitlab.com/satstall/satstall/models/products"
	"gitlab.com/satstall/satstall/models/settings"
	"gitlab.com/satstall/satstall/nostr"
	"gitlab.com/satstall/satstall/nostr/relaypool"
)

var log = build.AddSubLogger("MIRR")

// defaultStallDTag keys the stall record when settings carry none.
const defaultStallDTag = "main"

// Mirror converts catalog rows to signed events and keeps the relay mesh in
// sync with the store.
type Mirror struct {
	database *db.DB
	pool     *relaypool.Pool
	sk       *btcec.PrivateKey
}

// New returns a Mirror publishing with the given shop key.
func New(database *db.DB, pool *relaypool.Pool, sk *btcec.PrivateKey) *Mirror {
	return &Mirror{database: database, pool: pool, sk: sk}
}

// stallContent is the canonical stall payload.
type stallContent struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Currency    string      `json:"currency"`
	Shipping    []stallZone `json:"shipping"`
}

type stallZone struct {
	Zone string `json:"zone"`
	Sats int64  `json:"sats"`
}

// SyncAll republishes the stall and every visible product, skipping unchanged
// records. Called at startup, after settings or catalog changes, and from the
// admin republish action.
func (m *Mirror) SyncAll(ctx context.Context) error {
	s, err := settings.Get(m.database)
	if err != nil {
		return err
	}
	if err := m.SyncStall(ctx, s); err != nil {
		return err
	}

	list, err := products.Visible(m.database)
	if err != nil {
		return err
	}
	for _, p := range list {
		if err := m.SyncProduct(ctx, p, s); err != nil {
			return err
		}
	}
	return nil
}

// SyncStall publishes the stall record unless its canonical content is
// unchanged.
func (m *Mirror) SyncStall(ctx context.Context, s settings.Settings) error {
	dTag := s.Nostr.StallDTag
	if dTag == "" {
		dTag = defaultStallDTag
	}

	content, err := canonicalJSON(stallContent{
		Name:        s.StoreName,
		Description: s.Description,
		Currency:    s.Currency,
		Shipping:    stallShipping(s.Shipping),
	})
	if err != nil {
		return err
	}

	tags := [][]string{{"d", dTag}}
	return m.publishRecord(ctx, "stall:"+dTag, nostr.KindStall, tags, content)
}

// SyncProduct publishes one product record unless unchanged.
func (m *Mirror) SyncProduct(ctx context.Context, p products.Product, s settings.Settings) error {
	content, err := canonicalJSON(map[string]interface{}{
		"id":          p.ID,
		"name":        p.Title,
		"description": p.Description,
		"price":       p.PriceSats,
		"currency":    "SATS",
		"images":      []string(p.Images),
	})
	if err != nil {
		return err
	}

	tags := [][]string{{"d", p.ID}}
	for _, hashtag := range p.Hashtags {
		tags = append(tags, []string{"t", hashtag})
	}
	for _, hashtag := range s.Nostr.Hashtags {
		tags = append(tags, []string{"t", hashtag})
	}
	for _, image := range p.Images {
		tags = append(tags, []string{"image", image})
	}
	tags = append(tags, []string{"price", strconv.FormatInt(p.PriceSats, 10), "SATS"})

	return m.publishRecord(ctx, "product:"+p.ID, nostr.KindProduct, tags, content)
}

// publishRecord signs and publishes when the content hash differs from the
// bookkeeping row, then persists the new event id, hash and ack vector.
func (m *Mirror) publishRecord(ctx context.Context, recordKey string, kind int, tags [][]string, content string) error {
	hash := contentHash(content, tags)

	stored, err := getRecord(m.database, recordKey)
	if err != nil {
		return err
	}
	if stored != nil && stored.ContentHash == hash {
		log.WithField("record", recordKey).Debug("Content unchanged, skipping publish")
		return nil
	}

	ev := nostr.Event{Kind: kind, Tags: tags, Content: content}
	if err := ev.Sign(m.sk); err != nil {
		return err
	}

	acks := m.pool.Publish(ctx, ev)
	if !anyOK(acks) {
		return errors.Errorf("no relay accepted record %s", recordKey)
	}

	if err := putRecord(m.database, recordKey, ev.ID, hash, acks); err != nil {
		return err
	}
	log.WithField("record", recordKey).Infof("Published event %s to %d relays", ev.ID, len(acks))
	return nil
}

// contentHash commits to the canonical content and tags, so tag-only edits
// (a new hashtag, a new image) republish too.
func contentHash(content string, tags [][]string) string {
	h := sha256.New()
	h.Write([]byte(content))
	for _, tag := range tags {
		for _, v := range tag {
			h.Write([]byte{0})
			h.Write([]byte(v))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func anyOK(acks []relaypool.Ack) bool {
	for _, a := range acks {
		if a.OK {
			return true
		}
	}
	return false
}

func stallShipping(s settings.Shipping) []stallZone {
	zones := []stallZone{}
	if s.DomesticSats > 0 || s.HomeCountry != "" {
		zones = append(zones, stallZone{Zone: s.HomeCountry, Sats: s.DomesticSats})
	}
	if s.ContinentSats > 0 {
		if continent := settings.ContinentOf(s.HomeCountry); continent != "" {
			zones = append(zones, stallZone{Zone: continent, Sats: s.ContinentSats})
		}
	}
	if s.WorldEnabled {
		zones = append(zones, stallZone{Zone: settings.ZoneAll, Sats: s.WorldSats})
	}

	// Map iteration order is random; sort the overrides so the canonical
	// content, and with it the hash, stays stable.
	overrides := make([]string, 0, len(s.Zones))
	for zone := range s.Zones {
		overrides = append(overrides, zone)
	}
	sort.Strings(overrides)
	for _, zone := range overrides {
		zones = append(zones, stallZone{Zone: zone, Sats: s.Zones[zone]})
	}
	return zones
}

func canonicalJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "could not encode canonical content")
	}
	return string(raw), nil
}
