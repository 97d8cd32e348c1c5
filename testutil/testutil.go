// Package testutil has helpers shared by the package tests: an in-memory
// migrated DB, fake order data and a scriptable payment driver.
package testutil

import (
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"

	"gitlab.com/satstall/satstall/db"
	"gitlab.com/satstall/satstall/models/orders"
)

// OpenTestDB opens a fresh in-memory SQLite database with all migrations
// applied. It is closed when the test finishes.
func OpenTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open(db.DatabaseConfig{File: ":memory:"})
	require.NoError(t, err, "could not open test DB")
	t.Cleanup(func() { _ = database.Close() })

	require.NoError(t, database.MigrateUp(), "could not migrate test DB")
	return database
}

// MockLightningOrder returns a valid unsaved Lightning order with fake
// customer data.
func MockLightningOrder(t *testing.T) orders.Order {
	t.Helper()

	hash := gofakeit.HexUint256()[2:]
	payreq := "lnbcrt500u1" + gofakeit.LetterN(60)
	price := int64(gofakeit.Number(100, 100_000))

	return orders.Order{
		PaymentMethod:  orders.MethodLightning,
		Provider:       "lnd",
		PaymentHash:    &hash,
		PaymentRequest: &payreq,

		SubtotalSats: price,
		ShippingSats: 1000,
		TotalSats:    price + 1000,
		Items: orders.ItemList{{
			ProductID: gofakeit.UUID(),
			Title:     gofakeit.ProductName(),
			PriceSats: price,
			Quantity:  1,
		}},

		ShipCountry:  gofakeit.CountryAbr(),
		ShipName:     gofakeit.Name(),
		ShipAddress1: gofakeit.Street(),
		ShipCity:     gofakeit.City(),
		ShipPostcode: gofakeit.Zip(),

		ContactEmail: gofakeit.Email(),
		SessionID:    gofakeit.UUID(),
	}
}

// MockOnchainOrder returns a valid unsaved on-chain swap order.
func MockOnchainOrder(t *testing.T) orders.Order {
	t.Helper()

	o := MockLightningOrder(t)
	o.PaymentMethod = orders.MethodOnchain
	o.Provider = "swap"
	o.PaymentHash = nil
	o.PaymentRequest = nil

	swapID := gofakeit.UUID()
	address := "bcrt1q" + gofakeit.LetterN(38)
	amount := o.TotalSats
	o.SwapID = &swapID
	o.OnchainAddress = &address
	o.OnchainAmountSats = &amount
	return o
}
