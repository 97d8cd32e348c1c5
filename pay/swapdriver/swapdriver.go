// Package swapdriver implements the on-chain payment driver against a
// submarine swap provider's HTTP API. The provider converts an on-chain
// deposit into a Lightning payment to the shop's node; we observe the swap
// lifecycle through polling and HMAC-signed webhooks.
package swapdriver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/build"
	"gitlab.com/satstall/satstall/pay"
)

var log = build.AddSubLogger("SWAP")

// Name is the provider name stored on orders paid through this driver.
const Name = "swap"

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Swap-Signature"

// Config connects the driver to a swap provider.
type Config struct {
	// BaseURL of the provider API, e.g. "https://swaps.example.com".
	BaseURL string
	// WebhookSecret is the shared HMAC key for webhook deliveries.
	WebhookSecret string
	// HTTPClient defaults to a client with a 15 s timeout.
	HTTPClient *http.Client
}

// Driver is a pay.Driver for on-chain submarine swaps.
type Driver struct {
	cfg    Config
	client *http.Client
}

var _ pay.Driver = &Driver{}

// New returns a swap driver for the given provider.
func New(cfg Config) (*Driver, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("swap driver needs a base URL")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Driver{cfg: cfg, client: client}, nil
}

// Name implements pay.Driver.
func (d *Driver) Name() string { return Name }

// Capabilities implements pay.Driver.
func (d *Driver) Capabilities() pay.Capabilities {
	return pay.Capabilities{
		OnchainSwap: true,
		Webhook:     d.cfg.WebhookSecret != "",
	}
}

// CreateLightningInvoice implements pay.Driver. The swap provider only does
// on-chain deposits.
func (d *Driver) CreateLightningInvoice(ctx context.Context, amountSats int64, memo string, expiry time.Duration) (pay.Invoice, error) {
	return pay.Invoice{}, pay.ErrUnsupported
}

type createSwapRequest struct {
	AmountSats   int64  `json:"amountSats"`
	RefundPubkey string `json:"refundPubkey,omitempty"`
}

type swapResponse struct {
	ID                 string `json:"id"`
	Address            string `json:"address"`
	ExpectedAmountSats int64  `json:"expectedAmountSats"`
	Bip21              string `json:"bip21"`
	TimeoutSeconds     int64  `json:"timeoutSeconds"`
	Status             string `json:"status"`
}

// CreateOnchainSwap implements pay.Driver.
func (d *Driver) CreateOnchainSwap(ctx context.Context, amountSats int64, refundPubkey string) (pay.Swap, error) {
	if amountSats <= 0 {
		return pay.Swap{}, errors.Errorf("swap amount %d out of range", amountSats)
	}

	var resp swapResponse
	err := d.post(ctx, "/api/swaps", createSwapRequest{
		AmountSats:   amountSats,
		RefundPubkey: refundPubkey,
	}, &resp)
	if err != nil {
		return pay.Swap{}, err
	}
	if resp.ID == "" || resp.Address == "" {
		return pay.Swap{}, errors.New("swap provider returned an incomplete swap")
	}

	bip21 := resp.Bip21
	if bip21 == "" {
		bip21 = fmt.Sprintf("bitcoin:%s?amount=%.8f",
			resp.Address, float64(resp.ExpectedAmountSats)/1e8)
	}

	log.WithField("swap", resp.ID).Infof("Created swap for %d sats", amountSats)
	return pay.Swap{
		SwapID:             resp.ID,
		Address:            resp.Address,
		ExpectedAmountSats: resp.ExpectedAmountSats,
		Bip21:              bip21,
		ExpiresAt:          time.Now().Add(time.Duration(resp.TimeoutSeconds) * time.Second),
	}, nil
}

// Status implements pay.Driver. ref is the swap id.
func (d *Driver) Status(ctx context.Context, ref string) (pay.Status, error) {
	var resp swapResponse
	if err := d.get(ctx, "/api/swaps/"+ref, &resp); err != nil {
		return "", err
	}
	return mapSwapStatus(resp.Status)
}

// mapSwapStatus translates the provider's lifecycle strings. Unknown strings
// map to PENDING so a provider rollout cannot fail orders.
func mapSwapStatus(s string) (pay.Status, error) {
	switch s {
	case "swap.created":
		return pay.StatusPending, nil
	case "transaction.mempool":
		return pay.StatusMempool, nil
	case "transaction.confirmed":
		return pay.StatusConfirmed, nil
	case "invoice.settled", "transaction.claimed":
		return pay.StatusPaid, nil
	case "swap.expired":
		return pay.StatusExpired, nil
	case "transaction.lockupFailed", "swap.refunded":
		return pay.StatusFailed, nil
	default:
		log.Warnf("Unknown swap status %q, treating as pending", s)
		return pay.StatusPending, nil
	}
}

// SubscribePush implements pay.Driver. The provider pushes via HTTP webhooks
// only.
func (d *Driver) SubscribePush(ctx context.Context, ref string, onUpdate func(pay.Update)) (func(), error) {
	return nil, pay.ErrPushUnsupported
}

type webhookPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// VerifyWebhook implements pay.Driver.
func (d *Driver) VerifyWebhook(header http.Header, body []byte) (pay.Update, error) {
	if d.cfg.WebhookSecret == "" {
		return pay.Update{}, pay.ErrWebhookUnsupported
	}

	gotSig, err := hex.DecodeString(header.Get(SignatureHeader))
	if err != nil {
		return pay.Update{}, pay.ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(d.cfg.WebhookSecret))
	mac.Write(body)
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return pay.Update{}, pay.ErrBadSignature
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return pay.Update{}, errors.Wrap(err, "webhook body is not valid JSON")
	}
	if payload.ID == "" {
		return pay.Update{}, errors.New("webhook body has no swap id")
	}

	status, err := mapSwapStatus(payload.Status)
	if err != nil {
		return pay.Update{}, err
	}
	return pay.Update{Ref: payload.ID, Status: status}, nil
}

func (d *Driver) post(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "could not encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return errors.Wrap(err, "could not build request")
	}
	req.Header.Set("Content-Type", "application/json")
	return d.do(req, out)
}

func (d *Driver) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.BaseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "could not build request")
	}
	return d.do(req, out)
}

func (d *Driver) do(req *http.Request, out interface{}) error {
	resp, err := d.client.Do(req)
	if err != nil {
		return pay.Transient(errors.Wrap(err, "swap provider unreachable"))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return pay.Transient(errors.Wrap(err, "could not read provider response"))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return pay.ErrUnknownRef
	case resp.StatusCode >= 500:
		return pay.Transient(errors.Errorf("swap provider returned %d: %s",
			resp.StatusCode, raw))
	case resp.StatusCode >= 400:
		return errors.Errorf("swap provider refused request with %d: %s",
			resp.StatusCode, raw)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, "provider response is not valid JSON")
	}
	return nil
}
