package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/satstall/satstall/models/orders"
	"gitlab.com/satstall/satstall/pay"
	"gitlab.com/satstall/satstall/testutil"
)

// webhookDriver verifies by decoding the body directly; a body that is not a
// valid update counts as a bad signature.
func webhookDriver() *testutil.MockDriver {
	return &testutil.MockDriver{
		VerifyFunc: func(header http.Header, body []byte) (pay.Update, error) {
			if header.Get("X-Test-Signature") != "valid" {
				return pay.Update{}, pay.ErrBadSignature
			}
			var update pay.Update
			if err := json.Unmarshal(body, &update); err != nil {
				return pay.Update{}, err
			}
			return update, nil
		},
	}
}

func TestWebhook(t *testing.T) {
	server, database := newTestServer(t, webhookDriver())

	order, err := orders.Insert(database, testutil.MockLightningOrder(t))
	require.NoError(t, err)

	t.Run("unknown provider path", func(t *testing.T) {
		w := perform(server, jsonRequest(t, http.MethodPost,
			"/api/webhooks/stripe", pay.Update{}))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Empty(t, w.Body.String(), "webhook errors carry no body")
	})

	t.Run("bad signature", func(t *testing.T) {
		w := perform(server, jsonRequest(t, http.MethodPost,
			"/api/webhooks/mock", pay.Update{Ref: *order.PaymentHash}))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, w.Body.String())
	})

	t.Run("valid update settles the order", func(t *testing.T) {
		req := jsonRequest(t, http.MethodPost, "/api/webhooks/mock",
			pay.Update{Ref: *order.PaymentHash, Status: pay.StatusPaid})
		req.Header.Set("X-Test-Signature", "valid")
		w := perform(server, req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"ok":true}`, w.Body.String())

		stored, err := orders.GetByID(database, order.ID)
		require.NoError(t, err)
		assert.Equal(t, orders.PAID, stored.Status)
	})

	t.Run("unknown reference is acknowledged", func(t *testing.T) {
		req := jsonRequest(t, http.MethodPost, "/api/webhooks/mock",
			pay.Update{Ref: "no-such-ref", Status: pay.StatusPaid})
		req.Header.Set("X-Test-Signature", "valid")
		w := perform(server, req)
		require.Equal(t, http.StatusOK, w.Code,
			"providers must not retry references we will never know")
		assert.JSONEq(t, `{"ignored":true}`, w.Body.String())
	})
}

func TestWebhookUnsupported(t *testing.T) {
	// the default mock driver has no webhook verification at all
	server, _ := newTestServer(t, &testutil.MockDriver{})

	w := perform(server, jsonRequest(t, http.MethodPost,
		"/api/webhooks/mock", pay.Update{}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
