package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tieredShipping() Shipping {
	return Shipping{
		HomeCountry:   "NO",
		DomesticSats:  500,
		ContinentSats: 2000,
		WorldSats:     6000,
		WorldEnabled:  true,
	}
}

func TestResolveQuote(t *testing.T) {
	t.Run("domestic", func(t *testing.T) {
		q, err := ResolveQuote(tieredShipping(), "no", nil)
		require.NoError(t, err)
		assert.Equal(t, "NO", q.Country)
		assert.Equal(t, "NO", q.Zone)
		assert.EqualValues(t, 500, q.TotalSats)
	})

	t.Run("same continent", func(t *testing.T) {
		q, err := ResolveQuote(tieredShipping(), "DE", nil)
		require.NoError(t, err)
		assert.Equal(t, "EU", q.Zone)
		assert.EqualValues(t, 2000, q.TotalSats)
	})

	t.Run("worldwide fallback", func(t *testing.T) {
		q, err := ResolveQuote(tieredShipping(), "JP", nil)
		require.NoError(t, err)
		assert.Equal(t, ZoneAll, q.Zone)
		assert.EqualValues(t, 6000, q.TotalSats)
	})

	t.Run("worldwide off rejects uncovered destinations", func(t *testing.T) {
		sh := tieredShipping()
		sh.WorldEnabled = false
		_, err := ResolveQuote(sh, "JP", nil)
		assert.ErrorIs(t, err, ErrDestinationNotCovered)

		// but the continent tier still applies
		_, err = ResolveQuote(sh, "SE", nil)
		assert.NoError(t, err)
	})

	t.Run("explicit zone override wins over tiers", func(t *testing.T) {
		sh := tieredShipping()
		sh.Zones = map[string]int64{"DE": 100, "AS": 4000}

		q, err := ResolveQuote(sh, "DE", nil)
		require.NoError(t, err)
		assert.Equal(t, "DE", q.Zone)
		assert.EqualValues(t, 100, q.BaseSats)

		// continent-level override catches Japan before the ALL tier
		q, err = ResolveQuote(sh, "JP", nil)
		require.NoError(t, err)
		assert.Equal(t, "AS", q.Zone)
		assert.EqualValues(t, 4000, q.BaseSats)
	})

	t.Run("product surcharges apply once per line", func(t *testing.T) {
		lines := []QuoteLine{
			{ProductID: "bulky", Quantity: 3, Overrides: map[string]int64{ZoneAll: 700}},
			{ProductID: "flat", Quantity: 1},
		}
		q, err := ResolveQuote(tieredShipping(), "NO", lines)
		require.NoError(t, err)
		assert.EqualValues(t, 700, q.ProductsSats, "surcharge is per line, not per unit")
		assert.EqualValues(t, 1200, q.TotalSats)
	})

	t.Run("bad destination", func(t *testing.T) {
		_, err := ResolveQuote(tieredShipping(), "NOR", nil)
		assert.Error(t, err)
	})
}

func TestContinentOf(t *testing.T) {
	assert.Equal(t, "EU", ContinentOf("NO"))
	assert.Equal(t, "AS", ContinentOf("JP"))
	assert.Equal(t, "SA", ContinentOf("AR"))
	assert.Equal(t, "", ContinentOf("XX"))
}
