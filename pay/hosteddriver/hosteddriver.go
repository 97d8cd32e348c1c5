// Package hosteddriver implements the Lightning payment driver against a
// hosted invoicing service (a BTCPay-style processor). The shop never talks
// to a node directly: invoices are minted over the provider's REST API and
// settlement arrives through HMAC-signed webhooks, with polling as backstop.
package hosteddriver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/build"
	"gitlab.com/satstall/satstall/pay"
)

var log = build.AddSubLogger("HOST")

// Name is the provider name stored on orders paid through this driver.
const Name = "hosted"

// SignatureHeader carries "sha256=<hex>" over the raw webhook body.
const SignatureHeader = "BTCPay-Sig"

// Config connects the driver to the hosted processor.
type Config struct {
	// BaseURL of the processor, e.g. "https://pay.example.com".
	BaseURL string
	// APIKey authorizes invoice creation and lookups.
	APIKey string
	// StoreID scopes invoices to the shop's store on the processor.
	StoreID string
	// WebhookSecret is the shared HMAC key for webhook deliveries.
	WebhookSecret string
	// HTTPClient defaults to a client with a 15 s timeout.
	HTTPClient *http.Client
}

// Driver is a pay.Driver for hosted Lightning invoices.
type Driver struct {
	cfg    Config
	client *http.Client
}

var _ pay.Driver = &Driver{}

// New returns a hosted driver for the given processor.
func New(cfg Config) (*Driver, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" || cfg.StoreID == "" {
		return nil, errors.New("hosted driver needs a base URL, API key and store id")
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
		LightningInvoice: true,
		Webhook:          d.cfg.WebhookSecret != "",
	}
}

type createInvoiceRequest struct {
	AmountSats    int64  `json:"amountSats"`
	Memo          string `json:"memo"`
	ExpirySeconds int64  `json:"expirySeconds"`
}

type invoiceResponse struct {
	ID             string `json:"id"`
	PaymentRequest string `json:"paymentRequest"`
	PaymentHash    string `json:"paymentHash"`
	AmountSats     int64  `json:"amountSats"`
	ExpiresAt      int64  `json:"expiresAt"`
	Status         string `json:"status"`
}

// CreateLightningInvoice implements pay.Driver.
func (d *Driver) CreateLightningInvoice(ctx context.Context, amountSats int64, memo string, expiry time.Duration) (pay.Invoice, error) {
	if amountSats <= 0 {
		return pay.Invoice{}, errors.Errorf("invoice amount %d out of range", amountSats)
	}

	var resp invoiceResponse
	err := d.post(ctx, "/api/v1/stores/"+d.cfg.StoreID+"/invoices", createInvoiceRequest{
		AmountSats:    amountSats,
		Memo:          memo,
		ExpirySeconds: int64(expiry.Seconds()),
	}, &resp)
	if err != nil {
		return pay.Invoice{}, err
	}
	if resp.PaymentRequest == "" || resp.PaymentHash == "" {
		return pay.Invoice{}, errors.New("processor returned an incomplete invoice")
	}

	log.WithField("invoice", resp.ID).Infof("Created hosted invoice for %d sats", amountSats)
	return pay.Invoice{
		PaymentRequest: resp.PaymentRequest,
		PaymentHash:    resp.PaymentHash,
		AmountSats:     resp.AmountSats,
		ExpiresAt:      time.Unix(resp.ExpiresAt, 0),
	}, nil
}

// CreateOnchainSwap implements pay.Driver.
func (d *Driver) CreateOnchainSwap(ctx context.Context, amountSats int64, refundPubkey string) (pay.Swap, error) {
	return pay.Swap{}, pay.ErrUnsupported
}

// Status implements pay.Driver. ref is the hex payment hash.
func (d *Driver) Status(ctx context.Context, ref string) (pay.Status, error) {
	var resp invoiceResponse
	path := "/api/v1/stores/" + d.cfg.StoreID + "/invoices/hash/" + ref
	if err := d.get(ctx, path, &resp); err != nil {
		return "", err
	}
	return invoiceStatus(resp.Status), nil
}

// invoiceStatus translates the processor's invoice states. Processing means a
// payment was seen but has not settled, which for Lightning invoices is a
// short-lived window.
func invoiceStatus(s string) pay.Status {
	switch s {
	case "New":
		return pay.StatusPending
	case "Processing":
		return pay.StatusConfirmed
	case "Settled":
		return pay.StatusPaid
	case "Expired":
		return pay.StatusExpired
	case "Invalid":
		return pay.StatusFailed
	default:
		log.Warnf("Unknown invoice status %q, treating as pending", s)
		return pay.StatusPending
	}
}

// SubscribePush implements pay.Driver. The processor pushes via HTTP webhooks
// only.
func (d *Driver) SubscribePush(ctx context.Context, ref string, onUpdate func(pay.Update)) (func(), error) {
	return nil, pay.ErrPushUnsupported
}

type webhookPayload struct {
	Type        string `json:"type"`
	InvoiceID   string `json:"invoiceId"`
	PaymentHash string `json:"paymentHash"`
}

// VerifyWebhook implements pay.Driver.
func (d *Driver) VerifyWebhook(header http.Header, body []byte) (pay.Update, error) {
	if d.cfg.WebhookSecret == "" {
		return pay.Update{}, pay.ErrWebhookUnsupported
	}

	sig := header.Get(SignatureHeader)
	if !strings.HasPrefix(sig, "sha256=") {
		return pay.Update{}, pay.ErrBadSignature
	}
	gotSig, err := hex.DecodeString(strings.TrimPrefix(sig, "sha256="))
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
	if payload.PaymentHash == "" {
		return pay.Update{}, errors.New("webhook body has no payment hash")
	}

	status, ok := webhookStatus(payload.Type)
	if !ok {
		return pay.Update{}, errors.Errorf("unhandled webhook event %q", payload.Type)
	}
	return pay.Update{Ref: payload.PaymentHash, Status: status}, nil
}

func webhookStatus(eventType string) (pay.Status, bool) {
	switch eventType {
	case "InvoiceReceivedPayment":
		return pay.StatusMempool, true
	case "InvoiceProcessing":
		return pay.StatusConfirmed, true
	case "InvoiceSettled":
		return pay.StatusPaid, true
	case "InvoiceExpired":
		return pay.StatusExpired, true
	case "InvoiceInvalid":
		return pay.StatusFailed, true
	default:
		return "", false
	}
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
	req.Header.Set("Authorization", "token "+d.cfg.APIKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return pay.Transient(errors.Wrap(err, "payment processor unreachable"))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return pay.Transient(errors.Wrap(err, "could not read processor response"))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return pay.ErrUnknownRef
	case resp.StatusCode >= 500:
		return pay.Transient(errors.Errorf("processor returned %d: %s",
			resp.StatusCode, raw))
	case resp.StatusCode >= 400:
		return errors.Errorf("processor refused request with %d: %s",
			resp.StatusCode, raw)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, "processor response is not valid JSON")
	}
	return nil
}
