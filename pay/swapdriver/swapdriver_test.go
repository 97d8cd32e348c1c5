package swapdriver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/satstall/satstall/pay"
)

const secret = "webhook-secret"

func newTestDriver(t *testing.T, handler http.HandlerFunc) *Driver {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	d, err := New(Config{BaseURL: server.URL, WebhookSecret: secret})
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	d, err := New(Config{BaseURL: "https://swaps.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "swap", d.Name())
	assert.False(t, d.Capabilities().Webhook, "no secret, no webhook capability")
	assert.True(t, d.Capabilities().OnchainSwap)
	assert.False(t, d.Capabilities().LightningInvoice)
}

func TestCreateOnchainSwap(t *testing.T) {
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/swaps", r.URL.Path)

		var req createSwapRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.EqualValues(t, 50_000, req.AmountSats)

		_ = json.NewEncoder(w).Encode(swapResponse{
			ID:                 "swap-1",
			Address:            "bcrt1qdeposit",
			ExpectedAmountSats: 50_700,
			TimeoutSeconds:     3600,
			Status:             "swap.created",
		})
	})

	swap, err := d.CreateOnchainSwap(context.Background(), 50_000, "")
	require.NoError(t, err)
	assert.Equal(t, "swap-1", swap.SwapID)
	assert.Equal(t, "bcrt1qdeposit", swap.Address)
	assert.EqualValues(t, 50_700, swap.ExpectedAmountSats)
	// bip21 synthesized when the provider omits it
	assert.Equal(t, "bitcoin:bcrt1qdeposit?amount=0.00050700", swap.Bip21)
	assert.False(t, swap.ExpiresAt.IsZero())
}

func TestCreateOnchainSwapErrors(t *testing.T) {
	t.Run("provider 5xx is transient", func(t *testing.T) {
		d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "backend down", http.StatusBadGateway)
		})
		_, err := d.CreateOnchainSwap(context.Background(), 1000, "")
		assert.True(t, pay.IsTransient(err))
	})

	t.Run("provider 4xx is permanent", func(t *testing.T) {
		d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "amount too small", http.StatusUnprocessableEntity)
		})
		_, err := d.CreateOnchainSwap(context.Background(), 1000, "")
		require.Error(t, err)
		assert.False(t, pay.IsTransient(err))
	})

	t.Run("unreachable provider is transient", func(t *testing.T) {
		d, err := New(Config{BaseURL: "http://127.0.0.1:1"})
		require.NoError(t, err)
		_, err = d.CreateOnchainSwap(context.Background(), 1000, "")
		assert.True(t, pay.IsTransient(err))
	})

	t.Run("zero amount is rejected locally", func(t *testing.T) {
		d, err := New(Config{BaseURL: "http://127.0.0.1:1"})
		require.NoError(t, err)
		_, err = d.CreateOnchainSwap(context.Background(), 0, "")
		assert.Error(t, err)
	})
}

func TestLightningIsUnsupported(t *testing.T) {
	d, err := New(Config{BaseURL: "https://swaps.example.com"})
	require.NoError(t, err)

	_, err = d.CreateLightningInvoice(context.Background(), 1000, "", 0)
	assert.ErrorIs(t, err, pay.ErrUnsupported)

	_, err = d.SubscribePush(context.Background(), "swap-1", nil)
	assert.ErrorIs(t, err, pay.ErrPushUnsupported)
}

func TestStatus(t *testing.T) {
	status := "swap.created"
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/swaps/swap-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(swapResponse{ID: "swap-1", Status: status})
	})

	cases := map[string]pay.Status{
		"swap.created":              pay.StatusPending,
		"transaction.mempool":       pay.StatusMempool,
		"transaction.confirmed":     pay.StatusConfirmed,
		"invoice.settled":           pay.StatusPaid,
		"transaction.claimed":       pay.StatusPaid,
		"swap.expired":              pay.StatusExpired,
		"transaction.lockupFailed":  pay.StatusFailed,
		"swap.refunded":             pay.StatusFailed,
		"something.the.docs.forgot": pay.StatusPending,
	}
	for provider, want := range cases {
		status = provider
		got, err := d.Status(context.Background(), "swap-1")
		require.NoError(t, err, provider)
		assert.Equal(t, want, got, provider)
	}
}

func TestStatusUnknownRef(t *testing.T) {
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	_, err := d.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, pay.ErrUnknownRef)
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhook(t *testing.T) {
	d, err := New(Config{BaseURL: "https://swaps.example.com", WebhookSecret: secret})
	require.NoError(t, err)

	body := []byte(`{"id":"swap-1","status":"transaction.confirmed"}`)

	t.Run("valid signature", func(t *testing.T) {
		header := http.Header{}
		header.Set(SignatureHeader, sign(body))

		update, err := d.VerifyWebhook(header, body)
		require.NoError(t, err)
		assert.Equal(t, "swap-1", update.Ref)
		assert.Equal(t, pay.StatusConfirmed, update.Status)
	})

	t.Run("wrong signature", func(t *testing.T) {
		header := http.Header{}
		header.Set(SignatureHeader, sign([]byte("other body")))

		_, err := d.VerifyWebhook(header, body)
		assert.ErrorIs(t, err, pay.ErrBadSignature)
	})

	t.Run("missing signature", func(t *testing.T) {
		_, err := d.VerifyWebhook(http.Header{}, body)
		assert.ErrorIs(t, err, pay.ErrBadSignature)
	})

	t.Run("no secret configured", func(t *testing.T) {
		bare, err := New(Config{BaseURL: "https://swaps.example.com"})
		require.NoError(t, err)
		_, err = bare.VerifyWebhook(http.Header{}, body)
		assert.ErrorIs(t, err, pay.ErrWebhookUnsupported)
	})

	t.Run("payload without id", func(t *testing.T) {
		empty := []byte(`{"status":"swap.created"}`)
		header := http.Header{}
		header.Set(SignatureHeader, sign(empty))
		_, err := d.VerifyWebhook(header, empty)
		assert.Error(t, err)
	})
}
