// Package pay defines the payment provider abstraction. A Driver mints
// payment artifacts (Lightning invoices or on-chain swap deposits) and
// reports their lifecycle through polling, an optional push stream and an
// optional webhook.
package pay

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Status is a driver's view of a payment. Within one payment's happy path a
// driver reports these monotonically, but callers must tolerate out-of-order
// reports: the order state machine is authoritative, not the driver.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusMempool   Status = "MEMPOOL"
	StatusConfirmed Status = "CONFIRMED"
	StatusPaid      Status = "PAID"
	StatusExpired   Status = "EXPIRED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further driver report can follow.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusExpired || s == StatusFailed
}

// Capabilities describes what a driver supports. StatusPoll is implied, every
// driver must answer Status.
type Capabilities struct {
	LightningInvoice bool
	OnchainSwap      bool
	PushStream       bool
	Webhook          bool
}

// Invoice is the artifact of CreateLightningInvoice.
type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	AmountSats     int64
	ExpiresAt      time.Time
}

// Swap is the artifact of CreateOnchainSwap. ExpectedAmountSats may exceed
// the order total by the provider's swap fee.
type Swap struct {
	SwapID             string
	Address            string
	ExpectedAmountSats int64
	Bip21              string
	ExpiresAt          time.Time
}

// Update is one status report for a payment reference (payment hash or swap
// id).
type Update struct {
	Ref    string
	Status Status
}

var (
	// ErrUnsupported is returned by create operations the driver does not
	// implement, per its Capabilities.
	ErrUnsupported = errors.New("operation not supported by driver")
	// ErrPushUnsupported is returned by SubscribePush when the provider has
	// no push stream. The watcher falls back to polling alone.
	ErrPushUnsupported = errors.New("driver does not support push streams")
	// ErrWebhookUnsupported is returned by VerifyWebhook when the provider
	// does not deliver webhooks.
	ErrWebhookUnsupported = errors.New("driver does not support webhooks")
	// ErrBadSignature means a webhook delivery failed HMAC verification.
	ErrBadSignature = errors.New("webhook signature verification failed")
	// ErrUnknownRef means the driver does not know the payment reference.
	ErrUnknownRef = errors.New("unknown payment reference")
)

// transientError marks provider failures worth retrying.
type transientError struct{ err error }

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// Transient wraps err as a retryable provider failure (network trouble,
// upstream 5xx).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

// Driver is implemented once per payment provider.
type Driver interface {
	// Name identifies the provider in order rows and webhook routes.
	Name() string

	Capabilities() Capabilities

	// CreateLightningInvoice mints a BOLT11 invoice for the given amount.
	CreateLightningInvoice(ctx context.Context, amountSats int64, memo string, expiry time.Duration) (Invoice, error)

	// CreateOnchainSwap opens a submarine swap paying the shop's node,
	// funded by an on-chain deposit to the returned address.
	CreateOnchainSwap(ctx context.Context, amountSats int64, refundPubkey string) (Swap, error)

	// Status polls the provider for the current state of a payment
	// reference.
	Status(ctx context.Context, ref string) (Status, error)

	// SubscribePush delivers live updates for the given reference until
	// cancel is called or ctx is done. Implementations reconnect on
	// transport errors with exponential backoff capped at one minute.
	// Returns ErrPushUnsupported when the provider has no stream.
	SubscribePush(ctx context.Context, ref string, onUpdate func(Update)) (cancel func(), err error)

	// VerifyWebhook authenticates a webhook delivery and extracts the
	// update it carries. Returns ErrBadSignature on HMAC mismatch and
	// ErrWebhookUnsupported when the provider has no webhooks.
	VerifyWebhook(header http.Header, body []byte) (Update, error)
}
