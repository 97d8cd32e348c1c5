// Package lnddriver implements the Lightning payment driver against a local
// or remote LND node. One shared SubscribeInvoices stream feeds all per-order
// push subscriptions.
package lnddriver

import (
	"context"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/async"
	"gitlab.com/satstall/satstall/build"
	"gitlab.com/satstall/satstall/ln"
	"gitlab.com/satstall/satstall/pay"
)

var log = build.AddSubLogger("LNDD")

// Name is the provider name stored on orders paid through this driver.
const Name = "lnd"

const maxReconnectDelay = time.Minute

// Driver talks to LND. Safe for concurrent use.
type Driver struct {
	lncli ln.InvoiceClient

	mu      sync.Mutex
	subs    map[string]map[int]func(pay.Update) // payment hash -> subscriber set
	nextSub int
	started bool
	ctx     context.Context
}

var _ pay.Driver = &Driver{}

// New returns a Driver using the given LND client. ctx bounds the lifetime
// of the shared invoice stream.
func New(ctx context.Context, lncli ln.InvoiceClient) *Driver {
	return &Driver{
		lncli: lncli,
		subs:  make(map[string]map[int]func(pay.Update)),
		ctx:   ctx,
	}
}

// Name implements pay.Driver.
func (d *Driver) Name() string { return Name }

// Capabilities implements pay.Driver.
func (d *Driver) Capabilities() pay.Capabilities {
	return pay.Capabilities{
		LightningInvoice: true,
		PushStream:       true,
	}
}

// CreateLightningInvoice implements pay.Driver.
func (d *Driver) CreateLightningInvoice(ctx context.Context, amountSats int64, memo string, expiry time.Duration) (pay.Invoice, error) {
	if amountSats <= 0 || amountSats > ln.MaxAmountSatPerInvoice {
		return pay.Invoice{}, errors.Errorf("invoice amount %d out of range", amountSats)
	}

	invoice, err := ln.AddInvoice(ctx, d.lncli, lnrpc.Invoice{
		Value:  amountSats,
		Memo:   memo,
		Expiry: int64(expiry.Seconds()),
	})
	if err != nil {
		return pay.Invoice{}, pay.Transient(err)
	}

	return pay.Invoice{
		PaymentRequest: invoice.PaymentRequest,
		PaymentHash:    hex.EncodeToString(invoice.RHash),
		AmountSats:     invoice.Value,
		ExpiresAt:      time.Unix(invoice.CreationDate, 0).Add(time.Duration(invoice.Expiry) * time.Second),
	}, nil
}

// CreateOnchainSwap implements pay.Driver. LND mints invoices only; on-chain
// checkouts go through the swap driver.
func (d *Driver) CreateOnchainSwap(ctx context.Context, amountSats int64, refundPubkey string) (pay.Swap, error) {
	return pay.Swap{}, pay.ErrUnsupported
}

// Status implements pay.Driver. ref is the hex payment hash.
func (d *Driver) Status(ctx context.Context, ref string) (pay.Status, error) {
	rhash, err := hex.DecodeString(ref)
	if err != nil {
		return "", errors.Wrapf(pay.ErrUnknownRef, "bad payment hash %q", ref)
	}

	invoice, err := d.lncli.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: rhash})
	if err != nil {
		return "", pay.Transient(err)
	}

	return invoiceStatus(invoice), nil
}

func invoiceStatus(invoice *lnrpc.Invoice) pay.Status {
	switch invoice.State {
	case lnrpc.Invoice_SETTLED:
		return pay.StatusPaid
	case lnrpc.Invoice_CANCELED:
		return pay.StatusExpired
	case lnrpc.Invoice_ACCEPTED, lnrpc.Invoice_OPEN:
		expiresAt := time.Unix(invoice.CreationDate, 0).
			Add(time.Duration(invoice.Expiry) * time.Second)
		if time.Now().After(expiresAt) {
			return pay.StatusExpired
		}
		return pay.StatusPending
	default:
		return pay.StatusPending
	}
}

// SubscribePush implements pay.Driver. The first subscription starts the
// shared invoice stream.
func (d *Driver) SubscribePush(ctx context.Context, ref string, onUpdate func(pay.Update)) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		d.started = true
		go d.streamLoop()
	}

	id := d.nextSub
	d.nextSub++
	if d.subs[ref] == nil {
		d.subs[ref] = make(map[int]func(pay.Update))
	}
	d.subs[ref][id] = onUpdate

	cancel := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if set, ok := d.subs[ref]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(d.subs, ref)
			}
		}
	}
	return cancel, nil
}

// VerifyWebhook implements pay.Driver. LND pushes over gRPC, not HTTP.
func (d *Driver) VerifyWebhook(header http.Header, body []byte) (pay.Update, error) {
	return pay.Update{}, pay.ErrWebhookUnsupported
}

// streamLoop keeps one SubscribeInvoices stream open for the driver's whole
// lifetime, reconnecting with exponential backoff on transport errors.
func (d *Driver) streamLoop() {
	backoff := async.NewBackoff(time.Second, maxReconnectDelay)
	for {
		if d.ctx.Err() != nil {
			return
		}

		healthy, err := d.consumeStream()
		if d.ctx.Err() != nil {
			return
		}
		if healthy {
			// the session delivered updates before it broke; start
			// the next reconnect ladder from scratch
			backoff.Reset()
		}
		delay := backoff.Next()
		log.WithError(err).Warnf("Invoice stream broke, reconnecting in %s", delay)
		if async.Sleep(d.ctx, delay) != nil {
			return
		}
	}
}

// consumeStream reads one invoice stream until it breaks. The returned bool
// reports whether the stream delivered at least one update before failing.
func (d *Driver) consumeStream() (bool, error) {
	stream, err := d.lncli.SubscribeInvoices(d.ctx, &lnrpc.InvoiceSubscription{})
	if err != nil {
		return false, errors.Wrap(err, "could not subscribe to invoices")
	}
	log.Debug("Invoice stream open")

	healthy := false
	for {
		invoice, err := stream.Recv()
		if err != nil {
			return healthy, errors.Wrap(err, "invoice stream receive failed")
		}
		healthy = true
		if invoice == nil {
			continue
		}

		hash := hex.EncodeToString(invoice.RHash)
		update := pay.Update{Ref: hash, Status: invoiceStatus(invoice)}

		d.mu.Lock()
		callbacks := make([]func(pay.Update), 0, len(d.subs[hash]))
		for _, cb := range d.subs[hash] {
			callbacks = append(callbacks, cb)
		}
		d.mu.Unlock()

		for _, cb := range callbacks {
			cb(update)
		}
	}
}
