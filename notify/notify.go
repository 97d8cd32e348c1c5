// Package notify dispatches order status notifications to the buyer over
// encrypted Nostr DMs and email. The outbox table guarantees at-most-once
// dispatch per (order, state, channel); permanent failures are recorded on
// the claim and repaired through the admin resend action.
package notify

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/build"
	"gitlab.com/satstall/satstall/db"
	"gitlab.com/satstall/satstall/models/orders"
	"gitlab.com/satstall/satstall/models/outbox"
	"gitlab.com/satstall/satstall/models/settings"
	"gitlab.com/satstall/satstall/nostr"
	"gitlab.com/satstall/satstall/nostr/relaypool"
)

var log = build.AddSubLogger("NTFY")

const dispatchTimeout = 30 * time.Second

// fallbackTemplate covers statuses the operator has not configured.
var fallbackTemplate = settings.Template{
	DMBody:       "Your order {{orderId}} at {{storeName}} is now {{statusLabel}}.",
	EmailSubject: "{{storeName}}: order {{orderId}} is {{statusLabel}}",
	EmailBody:    "Your order {{orderId}} is now {{statusLabel}}.",
}

// Dispatcher fans one committed transition out to the buyer's channels.
// Safe for concurrent use; the lifecycle machine calls Dispatch on its own
// goroutine.
type Dispatcher struct {
	database *db.DB
	pool     *relaypool.Pool
	sender   Sender
	sk       *btcec.PrivateKey
}

// New returns a Dispatcher. pool/sk may be nil to disable DMs, sender may be
// nil to disable email.
func New(database *db.DB, pool *relaypool.Pool, sender Sender, sk *btcec.PrivateKey) *Dispatcher {
	return &Dispatcher{database: database, pool: pool, sender: sender, sk: sk}
}

// Dispatch delivers the notification for one transition. Each channel claims
// its outbox row first; a lost claim means someone else already dispatched.
// Failures after a claim are recorded but never roll the claim back.
func (d *Dispatcher) Dispatch(orderID string, state orders.Status) {
	order, err := orders.GetByID(d.database, orderID)
	if err != nil {
		log.WithError(err).WithField("order", orderID).Error("Could not load order for notification")
		return
	}
	s, err := settings.Get(d.database)
	if err != nil {
		log.WithError(err).Error("Could not load settings for notification")
		return
	}

	tpl, ok := s.Templates[string(state)]
	if !ok {
		tpl = fallbackTemplate
	}
	data := placeholderData(order, s, state)

	d.dispatchDM(order, state, tpl, data)
	d.dispatchEmail(order, state, tpl, data, s.EmailSignature)
}

// Resend releases the outbox claim for one channel and dispatches again.
// Admin repair path for permanently failed notifications.
func (d *Dispatcher) Resend(orderID string, state orders.Status, channel outbox.Channel) error {
	if err := outbox.Release(d.database, orderID, string(state), channel); err != nil {
		return err
	}
	d.Dispatch(orderID, state)
	return nil
}

func (d *Dispatcher) dispatchDM(order orders.Order, state orders.Status, tpl settings.Template, data map[string]string) {
	if order.ContactNostrPubkey == "" || d.pool == nil || d.sk == nil {
		return
	}

	claimed, err := outbox.Claim(d.database, order.ID, string(state), outbox.ChannelDM)
	if err != nil {
		log.WithError(err).WithField("order", order.ID).Error("Could not claim DM outbox row")
		return
	}
	if !claimed {
		return
	}

	clog := log.WithField("order", order.ID)
	if err := d.sendDM(order.ContactNostrPubkey, Render(tpl.DMBody, data)); err != nil {
		clog.WithError(err).Error("DM dispatch failed")
		if recErr := outbox.RecordError(d.database, order.ID, string(state), outbox.ChannelDM, err); recErr != nil {
			clog.WithError(recErr).Error("Could not record DM dispatch error")
		}
		return
	}
	clog.Infof("Sent %s DM", state)
}

func (d *Dispatcher) sendDM(recipientHex, body string) error {
	ev, err := nostr.NewDM(d.sk, recipientHex, body)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	acks := d.pool.Publish(ctx, ev)
	for _, ack := range acks {
		if ack.OK {
			return nil
		}
	}
	return errors.Errorf("no relay accepted the DM (%d tried)", len(acks))
}

func (d *Dispatcher) dispatchEmail(order orders.Order, state orders.Status, tpl settings.Template, data map[string]string, signature string) {
	if order.ContactEmail == "" || d.sender == nil {
		return
	}

	claimed, err := outbox.Claim(d.database, order.ID, string(state), outbox.ChannelEmail)
	if err != nil {
		log.WithError(err).WithField("order", order.ID).Error("Could not claim email outbox row")
		return
	}
	if !claimed {
		return
	}

	subject := Render(tpl.EmailSubject, data)
	body := Render(tpl.EmailBody, data)
	if signature != "" {
		body += "\n\n" + Render(signature, data)
	}

	clog := log.WithField("order", order.ID)
	if err := d.sender.Send(order.ContactEmail, subject, body); err != nil {
		clog.WithError(err).Error("Email dispatch failed")
		if recErr := outbox.RecordError(d.database, order.ID, string(state), outbox.ChannelEmail, err); recErr != nil {
			clog.WithError(recErr).Error("Could not record email dispatch error")
		}
		return
	}
	clog.Infof("Sent %s email", state)
}
