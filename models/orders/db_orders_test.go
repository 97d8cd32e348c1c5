package orders_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/satstall/satstall/models/orders"
	"gitlab.com/satstall/satstall/testutil"
)

func TestInsertAndGet(t *testing.T) {
	database := testutil.OpenTestDB(t)

	inserted, err := orders.Insert(database, testutil.MockLightningOrder(t))
	require.NoError(t, err)
	assert.Len(t, inserted.ID, 8)
	assert.Equal(t, orders.PENDING, inserted.Status)
	assert.False(t, inserted.CreatedAt.IsZero())

	t.Run("by id", func(t *testing.T) {
		got, err := orders.GetByID(database, inserted.ID)
		require.NoError(t, err)
		assert.Equal(t, inserted.ID, got.ID)
		assert.Equal(t, inserted.Items, got.Items)
	})

	t.Run("id lookup is case-insensitive", func(t *testing.T) {
		_, err := orders.GetByID(database, " "+inserted.ID+" ")
		assert.NoError(t, err)
	})

	t.Run("by payment hash", func(t *testing.T) {
		got, err := orders.GetByPaymentHash(database, *inserted.PaymentHash)
		require.NoError(t, err)
		assert.Equal(t, inserted.ID, got.ID)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := orders.GetByID(database, "NOPENOPE")
		assert.ErrorIs(t, err, orders.ErrOrderNotFound)
	})
}

func TestInsertRejectsDuplicatePaymentRef(t *testing.T) {
	database := testutil.OpenTestDB(t)

	first := testutil.MockLightningOrder(t)
	_, err := orders.Insert(database, first)
	require.NoError(t, err)

	second := testutil.MockLightningOrder(t)
	second.PaymentHash = first.PaymentHash
	_, err = orders.Insert(database, second)
	assert.ErrorIs(t, err, orders.ErrDuplicatePaymentRef)
}

func TestGetBySwapID(t *testing.T) {
	database := testutil.OpenTestDB(t)

	inserted, err := orders.Insert(database, testutil.MockOnchainOrder(t))
	require.NoError(t, err)

	got, err := orders.GetBySwapID(database, *inserted.SwapID)
	require.NoError(t, err)
	assert.Equal(t, inserted.ID, got.ID)

	_, err = orders.GetBySwapID(database, "missing")
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
}

func TestTransitionStatus(t *testing.T) {
	database := testutil.OpenTestDB(t)

	inserted, err := orders.Insert(database, testutil.MockLightningOrder(t))
	require.NoError(t, err)

	t.Run("happy path commits and records an event", func(t *testing.T) {
		updated, from, fresh, err := orders.TransitionStatus(database,
			inserted.ID, orders.PaymentSources(orders.PAID), orders.PAID,
			orders.TransitionOpts{})
		require.NoError(t, err)
		assert.True(t, updated)
		assert.Equal(t, orders.PENDING, from)
		assert.Equal(t, orders.PAID, fresh.Status)

		events, err := orders.GetEvents(database, inserted.ID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, orders.PENDING, events[0].FromStatus)
		assert.Equal(t, orders.PAID, events[0].ToStatus)
	})

	t.Run("transition without matching source is a no-op", func(t *testing.T) {
		// a late MEMPOOL report must not pull the order out of PAID
		updated, _, fresh, err := orders.TransitionStatus(database,
			inserted.ID, orders.PaymentSources(orders.MEMPOOL), orders.MEMPOOL,
			orders.TransitionOpts{})
		require.NoError(t, err)
		assert.False(t, updated)
		assert.Equal(t, orders.PAID, fresh.Status)

		events, err := orders.GetEvents(database, inserted.ID)
		require.NoError(t, err)
		assert.Len(t, events, 1, "skipped transitions must not add events")
	})

	t.Run("shipping fields ride along", func(t *testing.T) {
		updated, _, fresh, err := orders.TransitionStatus(database,
			inserted.ID, orders.AdminSources(orders.SHIPPED), orders.SHIPPED,
			orders.TransitionOpts{Courier: "DHL", Tracking: "JD0123456789"})
		require.NoError(t, err)
		require.True(t, updated)
		assert.Equal(t, "DHL", fresh.Courier)
		assert.Equal(t, "JD0123456789", fresh.Tracking)
	})

	t.Run("unknown order", func(t *testing.T) {
		_, _, _, err := orders.TransitionStatus(database, "NOPENOPE",
			[]orders.Status{orders.PENDING}, orders.PAID, orders.TransitionOpts{})
		assert.ErrorIs(t, err, orders.ErrOrderNotFound)
	})
}

func TestListForContact(t *testing.T) {
	database := testutil.OpenTestDB(t)

	mine := testutil.MockLightningOrder(t)
	mine.SessionID = "session-a"
	_, err := orders.Insert(database, mine)
	require.NoError(t, err)

	viaNostr := testutil.MockLightningOrder(t)
	viaNostr.SessionID = "session-b"
	viaNostr.ContactNostrPubkey = "f00dbabe"
	_, err = orders.Insert(database, viaNostr)
	require.NoError(t, err)

	other := testutil.MockLightningOrder(t)
	other.SessionID = "session-c"
	_, err = orders.Insert(database, other)
	require.NoError(t, err)

	list, err := orders.ListForContact(database, "session-a", "f00dbabe")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	// empty identifiers never match the whole table
	list, err = orders.ListForContact(database, "", "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestNonTerminal(t *testing.T) {
	database := testutil.OpenTestDB(t)

	pending, err := orders.Insert(database, testutil.MockLightningOrder(t))
	require.NoError(t, err)

	paid, err := orders.Insert(database, testutil.MockLightningOrder(t))
	require.NoError(t, err)
	_, _, _, err = orders.TransitionStatus(database, paid.ID,
		orders.PaymentSources(orders.PAID), orders.PAID, orders.TransitionOpts{})
	require.NoError(t, err)

	list, err := orders.NonTerminal(database)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, pending.ID, list[0].ID)
}

func TestPrunePendingOlderThan(t *testing.T) {
	database := testutil.OpenTestDB(t)

	_, err := orders.Insert(database, testutil.MockLightningOrder(t))
	require.NoError(t, err)

	// a fresh order survives a 24h TTL
	pruned, err := orders.PrunePendingOlderThan(database, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, pruned)

	// and falls to an expired one
	pruned, err = orders.PrunePendingOlderThan(database, -time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	list, err := orders.ListByStatus(database, nil, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}
