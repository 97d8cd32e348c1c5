package carts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/satstall/satstall/testutil"
)

const pubkey = "8f1a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8"

func TestPutAndGet(t *testing.T) {
	database := testutil.OpenTestDB(t)

	raw := []byte(`[{"productId":"prod-1","qty":2},{"productId":"prod-2","qty":1}]`)
	stored, err := Put(database, pubkey, raw)
	require.NoError(t, err)

	got, err := Get(database, pubkey)
	require.NoError(t, err)
	assert.Equal(t, stored.Items, got.Items)

	lines, err := got.Lines()
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "prod-1", lines[0].ProductID)
	assert.Equal(t, 2, lines[0].Quantity)
}

func TestPutReplacesPrevious(t *testing.T) {
	database := testutil.OpenTestDB(t)

	_, err := Put(database, pubkey, []byte(`[{"productId":"old","qty":1}]`))
	require.NoError(t, err)
	_, err = Put(database, pubkey, []byte(`[{"productId":"new","qty":3}]`))
	require.NoError(t, err)

	got, err := Get(database, pubkey)
	require.NoError(t, err)
	lines, err := got.Lines()
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "new", lines[0].ProductID)
}

func TestPutValidation(t *testing.T) {
	database := testutil.OpenTestDB(t)

	t.Run("not a JSON array", func(t *testing.T) {
		_, err := Put(database, pubkey, []byte(`{"productId":"x"}`))
		assert.ErrorIs(t, err, ErrBadSnapshot)
	})

	t.Run("zero quantity", func(t *testing.T) {
		_, err := Put(database, pubkey, []byte(`[{"productId":"x","qty":0}]`))
		assert.ErrorIs(t, err, ErrBadSnapshot)
	})

	t.Run("too many lines", func(t *testing.T) {
		lines := make([]Line, MaxItems+1)
		for i := range lines {
			lines[i] = Line{ProductID: "p", Quantity: 1}
		}
		raw, err := json.Marshal(lines)
		require.NoError(t, err)
		_, err = Put(database, pubkey, raw)
		assert.ErrorIs(t, err, ErrTooManyItems)
	})

	t.Run("needs a pubkey", func(t *testing.T) {
		_, err := Put(database, "", []byte(`[]`))
		assert.Error(t, err)
	})
}

func TestGetMissing(t *testing.T) {
	database := testutil.OpenTestDB(t)
	_, err := Get(database, pubkey)
	assert.ErrorIs(t, err, ErrCartNotFound)
}

func TestDelete(t *testing.T) {
	database := testutil.OpenTestDB(t)

	_, err := Put(database, pubkey, []byte(`[{"productId":"x","qty":1}]`))
	require.NoError(t, err)
	require.NoError(t, Delete(database, pubkey))

	_, err = Get(database, pubkey)
	assert.ErrorIs(t, err, ErrCartNotFound)
}
