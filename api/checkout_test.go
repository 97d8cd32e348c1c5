package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/satstall/satstall/models/orders"
	"gitlab.com/satstall/satstall/models/settings"
	"gitlab.com/satstall/satstall/pay"
	"gitlab.com/satstall/satstall/testutil"
)

func checkoutBody(productID string, qty int, method string) gin.H {
	return gin.H{
		"items": []gin.H{{"productId": productID, "qty": qty}},
		"customer": gin.H{
			"name":     "Ola Nordmann",
			"email":    "ola@example.com",
			"country":  "NO",
			"address1": "Storgata 1",
			"city":     "Oslo",
			"postcode": "0155",
		},
		"paymentMethod": method,
	}
}

func TestShippingQuote(t *testing.T) {
	server, database := newTestServer(t, &testutil.MockDriver{})
	seedShipping(t, database)
	seedProduct(t, database, "prod-1", 25_000)

	w := perform(server, jsonRequest(t, http.MethodPost, "/api/checkout/quote", gin.H{
		"items":   []gin.H{{"productId": "prod-1", "qty": 2}},
		"country": "NO",
	}))
	require.Equal(t, http.StatusOK, w.Code)

	var quote struct {
		SubtotalSats int64 `json:"subtotalSats"`
		TotalSats    int64 `json:"totalSats"`
		Shipping     struct {
			TotalSats int64 `json:"totalSats"`
		} `json:"shipping"`
	}
	decodeBody(t, w, &quote)
	assert.EqualValues(t, 50_000, quote.SubtotalSats)
	assert.EqualValues(t, 500, quote.Shipping.TotalSats, "domestic tier applies")
	assert.EqualValues(t, 50_500, quote.TotalSats)
}

func TestShippingQuoteErrors(t *testing.T) {
	server, database := newTestServer(t, &testutil.MockDriver{})
	seedProduct(t, database, "prod-1", 25_000)

	t.Run("unknown product", func(t *testing.T) {
		w := perform(server, jsonRequest(t, http.MethodPost, "/api/checkout/quote", gin.H{
			"items":   []gin.H{{"productId": "ghost", "qty": 1}},
			"country": "NO",
		}))
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "ERR_PRODUCT_NOT_FOUND", errCode(t, w))
	})

	t.Run("uncovered destination", func(t *testing.T) {
		s := settings.Default()
		s.Shipping = settings.Shipping{HomeCountry: "NO", DomesticSats: 500}
		require.NoError(t, settings.Put(database, s))

		w := perform(server, jsonRequest(t, http.MethodPost, "/api/checkout/quote", gin.H{
			"items":   []gin.H{{"productId": "prod-1", "qty": 1}},
			"country": "JP",
		}))
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "ERR_DESTINATION_NOT_COVERED", errCode(t, w))
	})

	t.Run("validation", func(t *testing.T) {
		w := perform(server, jsonRequest(t, http.MethodPost, "/api/checkout/quote", gin.H{
			"items":   []gin.H{{"productId": "prod-1", "qty": 1}},
			"country": "NOR",
		}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCreateInvoiceLightning(t *testing.T) {
	driver := &testutil.MockDriver{}
	server, database := newTestServer(t, driver)
	seedShipping(t, database)
	seedProduct(t, database, "prod-1", 25_000)

	w := perform(server, jsonRequest(t, http.MethodPost,
		"/api/checkout/create-invoice", checkoutBody("prod-1", 2, "lightning")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var response createInvoiceResponse
	decodeBody(t, w, &response)
	order := response.Order

	assert.Equal(t, orders.PENDING, order.Status)
	assert.Equal(t, orders.MethodLightning, order.PaymentMethod)
	assert.EqualValues(t, 50_000, order.SubtotalSats)
	assert.EqualValues(t, 500, order.ShippingSats)
	assert.EqualValues(t, 50_500, order.TotalSats)
	require.NotNil(t, order.PaymentRequest)
	require.NotNil(t, order.PaymentHash)
	require.Len(t, order.ID, 8)

	// the snapshot survives a later catalog change
	stored, err := orders.GetByID(database, order.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	assert.Equal(t, "Wool socks", stored.Items[0].Title)
	assert.EqualValues(t, 25_000, stored.Items[0].PriceSats)
}

func TestCreateInvoiceOnchain(t *testing.T) {
	driver := &testutil.MockDriver{}
	server, database := newTestServer(t, driver)
	seedShipping(t, database)
	seedProduct(t, database, "prod-1", 25_000)
	seedProduct(t, database, "cheap", 100)

	t.Run("ok", func(t *testing.T) {
		w := perform(server, jsonRequest(t, http.MethodPost,
			"/api/checkout/create-invoice", checkoutBody("prod-1", 1, "onchain")))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var response createInvoiceResponse
		decodeBody(t, w, &response)
		assert.Equal(t, orders.MethodOnchain, response.Order.PaymentMethod)
		require.NotNil(t, response.Order.SwapID)
		require.NotNil(t, response.Order.OnchainAddress)
	})

	t.Run("below on-chain floor", func(t *testing.T) {
		w := perform(server, jsonRequest(t, http.MethodPost,
			"/api/checkout/create-invoice", checkoutBody("cheap", 1, "onchain")))
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "ERR_AMOUNT_TOO_SMALL_FOR_ONCHAIN", errCode(t, w))
	})
}

func TestCreateInvoiceValidation(t *testing.T) {
	server, database := newTestServer(t, &testutil.MockDriver{})
	seedShipping(t, database)
	seedProduct(t, database, "prod-1", 25_000)

	t.Run("empty body", func(t *testing.T) {
		w := perform(server, jsonRequest(t, http.MethodPost,
			"/api/checkout/create-invoice", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown payment method", func(t *testing.T) {
		w := perform(server, jsonRequest(t, http.MethodPost,
			"/api/checkout/create-invoice", checkoutBody("prod-1", 1, "cash")))
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "ERR_BAD_REQUEST", errCode(t, w))
	})

	t.Run("no contact channel", func(t *testing.T) {
		body := checkoutBody("prod-1", 1, "lightning")
		body["customer"] = gin.H{"country": "NO"}
		w := perform(server, jsonRequest(t, http.MethodPost,
			"/api/checkout/create-invoice", body))
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "ERR_NO_CONTACT_CHANNEL", errCode(t, w))
	})

	t.Run("zero quantity", func(t *testing.T) {
		body := checkoutBody("prod-1", 0, "lightning")
		w := perform(server, jsonRequest(t, http.MethodPost,
			"/api/checkout/create-invoice", body))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCreateInvoiceValidatesBeforeMinting(t *testing.T) {
	minted := false
	driver := &testutil.MockDriver{
		CreateInvoiceFunc: func(context.Context, int64, string, time.Duration) (pay.Invoice, error) {
			minted = true
			return pay.Invoice{}, errors.New("unreachable")
		},
	}
	server, database := newTestServer(t, driver)
	seedShipping(t, database)
	seedProduct(t, database, "prod-1", 25_000)

	body := checkoutBody("prod-1", 1, "lightning")
	body["customer"] = gin.H{"name": "Ola Nordmann", "country": "NO"}

	w := perform(server, jsonRequest(t, http.MethodPost,
		"/api/checkout/create-invoice", body))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ERR_NO_CONTACT_CHANNEL", errCode(t, w))
	assert.False(t, minted, "an invalid order must not mint a provider invoice")
}

func TestCreateInvoiceProviderDown(t *testing.T) {
	driver := &testutil.MockDriver{
		CreateInvoiceFunc: func(context.Context, int64, string, time.Duration) (pay.Invoice, error) {
			return pay.Invoice{}, pay.Transient(errors.New("connection refused"))
		},
	}
	server, database := newTestServer(t, driver)
	seedShipping(t, database)
	seedProduct(t, database, "prod-1", 25_000)

	w := perform(server, jsonRequest(t, http.MethodPost,
		"/api/checkout/create-invoice", checkoutBody("prod-1", 1, "lightning")))
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "ERR_PROVIDER_UNAVAILABLE", errCode(t, w))

	// no half-created order may linger
	list, err := orders.NonTerminal(database)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestInvoiceStatus(t *testing.T) {
	driver := &testutil.MockDriver{}
	server, database := newTestServer(t, driver)
	seedShipping(t, database)
	seedProduct(t, database, "prod-1", 25_000)

	w := perform(server, jsonRequest(t, http.MethodPost,
		"/api/checkout/create-invoice", checkoutBody("prod-1", 1, "lightning")))
	require.Equal(t, http.StatusOK, w.Code)
	var response createInvoiceResponse
	decodeBody(t, w, &response)

	t.Run("found", func(t *testing.T) {
		w := perform(server, jsonRequest(t, http.MethodGet,
			"/api/invoices/"+*response.Order.PaymentHash+"/status", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var status orders.Order
		decodeBody(t, w, &status)
		assert.Equal(t, response.Order.ID, status.ID)
	})

	t.Run("unknown hash", func(t *testing.T) {
		w := perform(server, jsonRequest(t, http.MethodGet,
			"/api/invoices/deadbeef/status", nil))
		require.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "ERR_ORDER_NOT_FOUND", errCode(t, w))
	})
}

func TestMyOrders(t *testing.T) {
	driver := &testutil.MockDriver{}
	server, database := newTestServer(t, driver)
	seedShipping(t, database)
	seedProduct(t, database, "prod-1", 25_000)

	// checkout issues the session cookie that later scopes /orders/mine
	w := perform(server, jsonRequest(t, http.MethodPost,
		"/api/checkout/create-invoice", checkoutBody("prod-1", 1, "lightning")))
	require.Equal(t, http.StatusOK, w.Code)

	var cookie *http.Cookie
	for _, ck := range w.Result().Cookies() {
		if ck.Name == sessionCookie {
			cookie = ck
		}
	}
	require.NotNil(t, cookie)

	req := jsonRequest(t, http.MethodGet, "/api/orders/mine", nil)
	req.AddCookie(cookie)
	w = perform(server, req)
	require.Equal(t, http.StatusOK, w.Code)

	var mine struct {
		Orders []orders.Order `json:"orders"`
	}
	decodeBody(t, w, &mine)
	assert.Len(t, mine.Orders, 1)

	// a different session sees nothing
	w = perform(server, jsonRequest(t, http.MethodGet, "/api/orders/mine", nil))
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &mine)
	assert.Empty(t, mine.Orders)
}
