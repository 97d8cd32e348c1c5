package products

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/satstall/satstall/testutil"
)

func testProduct(id string) Product {
	return Product{
		ID:        id,
		Title:     "Raw honey 500g",
		PriceSats: 21000,
		Images:    StringList{"https://img.example.com/honey.jpg"},
		Hashtags:  StringList{"honey", "food"},
		Shipping:  SatsByZone{"ALL": 500},
	}
}

func TestUpsert(t *testing.T) {
	database := testutil.OpenTestDB(t)

	p, err := Upsert(database, testProduct("honey"))
	require.NoError(t, err)
	assert.False(t, p.UpdatedAt.IsZero())

	got, err := GetByID(database, "honey")
	require.NoError(t, err)
	assert.Equal(t, "Raw honey 500g", got.Title)
	assert.EqualValues(t, 500, got.Shipping["ALL"])

	// same id updates in place
	p.Title = "Raw honey 250g"
	p.PriceSats = 12000
	_, err = Upsert(database, p)
	require.NoError(t, err)

	got, err = GetByID(database, "honey")
	require.NoError(t, err)
	assert.Equal(t, "Raw honey 250g", got.Title)
	assert.EqualValues(t, 12000, got.PriceSats)

	all, err := All(database)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsertValidation(t *testing.T) {
	database := testutil.OpenTestDB(t)

	_, err := Upsert(database, Product{Title: "no id", PriceSats: 1})
	assert.Error(t, err)

	_, err = Upsert(database, Product{ID: "x", PriceSats: 1})
	assert.Error(t, err, "title is required")

	p := testProduct("neg")
	p.PriceSats = -1
	_, err = Upsert(database, p)
	assert.Error(t, err)
}

func TestVisibleFiltersHidden(t *testing.T) {
	database := testutil.OpenTestDB(t)

	_, err := Upsert(database, testProduct("shown"))
	require.NoError(t, err)

	hidden := testProduct("hidden")
	hidden.Hidden = true
	_, err = Upsert(database, hidden)
	require.NoError(t, err)

	visible, err := Visible(database)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "shown", visible[0].ID)

	all, err := All(database)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDelete(t *testing.T) {
	database := testutil.OpenTestDB(t)

	_, err := Upsert(database, testProduct("gone"))
	require.NoError(t, err)
	require.NoError(t, Delete(database, "gone"))

	_, err = GetByID(database, "gone")
	assert.ErrorIs(t, err, ErrProductNotFound)

	assert.ErrorIs(t, Delete(database, "gone"), ErrProductNotFound)
}
