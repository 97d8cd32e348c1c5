package settings

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrDestinationNotCovered means the shop does not ship to the requested
// country.
var ErrDestinationNotCovered = errors.New("shipping destination not covered")

// QuoteLine is one cart line as seen by the shipping resolver. Overrides are
// the product's per-zone surcharges; they apply once per line, independent of
// quantity.
type QuoteLine struct {
	ProductID string
	Quantity  int
	Overrides map[string]int64
}

// Quote is a resolved shipping price for a cart and destination.
type Quote struct {
	Country      string `json:"country"`
	BaseSats     int64  `json:"baseSats"`
	ProductsSats int64  `json:"productsSats"`
	TotalSats    int64  `json:"totalSats"`
	// Zone is the code the base tier resolved through, for display.
	Zone string `json:"zone"`
}

// zoneFor picks the most specific configured surcharge for the destination:
// exact country, then continent, then ALL. The bool reports whether anything
// matched.
func zoneFor(zones map[string]int64, country, continent string) (string, int64, bool) {
	if zones == nil {
		return "", 0, false
	}
	if sats, ok := zones[country]; ok {
		return country, sats, true
	}
	if continent != "" {
		if sats, ok := zones[continent]; ok {
			return continent, sats, true
		}
	}
	if sats, ok := zones[ZoneAll]; ok {
		return ZoneAll, sats, true
	}
	return "", 0, false
}

// ResolveQuote computes the shipping price of a cart headed to country.
// The destination is deduplicated to its upper-cased ISO code; continents are
// derived from the country, never stored. Returns ErrDestinationNotCovered
// when no tier applies and worldwide shipping is off.
func ResolveQuote(sh Shipping, country string, lines []QuoteLine) (Quote, error) {
	dest := strings.ToUpper(strings.TrimSpace(country))
	if len(dest) != 2 {
		return Quote{}, errors.Errorf("bad destination country %q", country)
	}
	home := strings.ToUpper(strings.TrimSpace(sh.HomeCountry))
	destContinent := ContinentOf(dest)

	quote := Quote{Country: dest}

	// Explicit zone overrides win over the tier logic.
	switch zone, sats, ok := zoneFor(sh.Zones, dest, destContinent); {
	case ok:
		quote.Zone = zone
		quote.BaseSats = sats
	case dest == home:
		quote.Zone = home
		quote.BaseSats = sh.DomesticSats
	case destContinent != "" && destContinent == ContinentOf(home):
		quote.Zone = destContinent
		quote.BaseSats = sh.ContinentSats
	case sh.WorldEnabled:
		quote.Zone = ZoneAll
		quote.BaseSats = sh.WorldSats
	default:
		return Quote{}, ErrDestinationNotCovered
	}

	for _, line := range lines {
		if _, sats, ok := zoneFor(line.Overrides, dest, destContinent); ok {
			quote.ProductsSats += sats
		}
	}

	quote.TotalSats = quote.BaseSats + quote.ProductsSats
	return quote, nil
}
