package mirror_test

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/satstall/satstall/db"
	"gitlab.com/satstall/satstall/models/products"
	"gitlab.com/satstall/satstall/models/settings"
	"gitlab.com/satstall/satstall/nostr"
	"gitlab.com/satstall/satstall/nostr/mirror"
	"gitlab.com/satstall/satstall/nostr/relaypool"
	"gitlab.com/satstall/satstall/testutil"
)

func newMirror(t *testing.T) (*mirror.Mirror, *db.DB, *testutil.MockRelay) {
	t.Helper()

	database := testutil.OpenTestDB(t)
	relay := testutil.NewMockRelay(t)

	pool, err := relaypool.New(context.Background(), relaypool.Config{
		Relays: []string{relay.URL()},
	})
	require.NoError(t, err)
	t.Cleanup(pool.Stop)
	require.Eventually(t, func() bool { return pool.Connected() == 1 },
		5*time.Second, 10*time.Millisecond)

	sk, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return mirror.New(database, pool, sk), database, relay
}

func seedCatalog(t *testing.T, database *db.DB) products.Product {
	t.Helper()

	s := settings.Default()
	s.StoreName = "Test Stall"
	s.Description = "socks and more"
	require.NoError(t, settings.Put(database, s))

	p, err := products.Upsert(database, products.Product{
		ID:        "prod-1",
		Title:     "Wool socks",
		PriceSats: 25_000,
		Hashtags:  products.StringList{"socks"},
	})
	require.NoError(t, err)
	return p
}

func TestSyncAll(t *testing.T) {
	m, database, relay := newMirror(t)
	seedCatalog(t, database)

	require.NoError(t, m.SyncAll(context.Background()))
	relay.RequireEventKinds(t, nostr.KindStall, nostr.KindProduct)

	events := relay.Events()
	var stall, product nostr.Event
	for _, ev := range events {
		switch ev.Kind {
		case nostr.KindStall:
			stall = ev
		case nostr.KindProduct:
			product = ev
		}
	}

	assert.True(t, stall.Verify())
	assert.Equal(t, "main", stall.Tag("d"))
	assert.Contains(t, stall.Content, "Test Stall")

	assert.True(t, product.Verify())
	assert.Equal(t, "prod-1", product.Tag("d"))
	assert.Equal(t, "socks", product.Tag("t"))
	assert.Contains(t, product.Content, "Wool socks")

	records, err := mirror.Records(database)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, record := range records {
		acks, err := record.Acks()
		require.NoError(t, err)
		require.Len(t, acks, 1)
		assert.True(t, acks[0].OK)
	}
}

func TestSyncAllSkipsUnchangedRecords(t *testing.T) {
	m, database, relay := newMirror(t)
	seedCatalog(t, database)

	require.NoError(t, m.SyncAll(context.Background()))
	require.Len(t, relay.Events(), 2)

	// nothing changed, nothing may hit the relay
	require.NoError(t, m.SyncAll(context.Background()))
	assert.Len(t, relay.Events(), 2)
}

func TestSyncAllRepublishesOnChange(t *testing.T) {
	m, database, relay := newMirror(t)
	p := seedCatalog(t, database)

	require.NoError(t, m.SyncAll(context.Background()))
	require.Len(t, relay.Events(), 2)

	p.PriceSats = 30_000
	_, err := products.Upsert(database, p)
	require.NoError(t, err)

	require.NoError(t, m.SyncAll(context.Background()))
	relay.RequireEventKinds(t, nostr.KindStall, nostr.KindProduct, nostr.KindProduct)

	records, err := mirror.Records(database)
	require.NoError(t, err)
	require.Len(t, records, 2, "the record row is replaced, not duplicated")
}

func TestSyncAllSkipsHiddenProducts(t *testing.T) {
	m, database, relay := newMirror(t)
	p := seedCatalog(t, database)

	p.Hidden = true
	_, err := products.Upsert(database, p)
	require.NoError(t, err)

	require.NoError(t, m.SyncAll(context.Background()))
	relay.RequireEventKinds(t, nostr.KindStall)
}

func TestSyncAllFailsWhenNoRelayAccepts(t *testing.T) {
	m, _, relay := newMirror(t)
	relay.RejectAll = true

	err := m.SyncAll(context.Background())
	assert.Error(t, err)
}
