package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/satstall/satstall/db"
	"gitlab.com/satstall/satstall/models/orders"
	"gitlab.com/satstall/satstall/models/outbox"
	"gitlab.com/satstall/satstall/models/settings"
	"gitlab.com/satstall/satstall/nostr"
	"gitlab.com/satstall/satstall/nostr/relaypool"
	"gitlab.com/satstall/satstall/testutil"
)

type sentMail struct {
	to, subject, body string
}

type mockSender struct {
	mu   sync.Mutex
	sent []sentMail
	fail error
}

func (m *mockSender) Send(to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

func (m *mockSender) all() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

func insertOrder(t *testing.T, database *db.DB) orders.Order {
	t.Helper()
	order, err := orders.Insert(database, testutil.MockLightningOrder(t))
	require.NoError(t, err)
	return order
}

func TestDispatchEmail(t *testing.T) {
	database := testutil.OpenTestDB(t)
	sender := &mockSender{}
	dispatcher := New(database, nil, sender, nil)
	order := insertOrder(t, database)

	dispatcher.Dispatch(order.ID, orders.PAID)

	sent := sender.all()
	require.Len(t, sent, 1)
	assert.Equal(t, order.ContactEmail, sent[0].to)
	assert.Contains(t, sent[0].subject, order.ID)
	assert.Contains(t, sent[0].body, orders.PAID.Label())

	// the outbox makes a second dispatch for the same state a no-op
	dispatcher.Dispatch(order.ID, orders.PAID)
	assert.Len(t, sender.all(), 1)

	// a different state is a fresh cell
	dispatcher.Dispatch(order.ID, orders.SHIPPED)
	assert.Len(t, sender.all(), 2)
}

func TestDispatchEmailFailureIsRecorded(t *testing.T) {
	database := testutil.OpenTestDB(t)
	sender := &mockSender{fail: errors.New("smtp said no")}
	dispatcher := New(database, nil, sender, nil)
	order := insertOrder(t, database)

	dispatcher.Dispatch(order.ID, orders.PAID)

	rows, err := outbox.ForOrder(database, order.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, outbox.ChannelEmail, rows[0].Channel)
	assert.Equal(t, "smtp said no", rows[0].Error)

	// the failed claim stays closed, no automatic retry storm
	sender.fail = nil
	dispatcher.Dispatch(order.ID, orders.PAID)
	assert.Empty(t, sender.all())
}

func TestResend(t *testing.T) {
	database := testutil.OpenTestDB(t)
	sender := &mockSender{fail: errors.New("relay down")}
	dispatcher := New(database, nil, sender, nil)
	order := insertOrder(t, database)

	dispatcher.Dispatch(order.ID, orders.PAID)
	require.Empty(t, sender.all())

	sender.fail = nil
	require.NoError(t, dispatcher.Resend(order.ID, orders.PAID, outbox.ChannelEmail))
	assert.Len(t, sender.all(), 1)
}

func TestDispatchSkipsChannelsWithoutDeps(t *testing.T) {
	database := testutil.OpenTestDB(t)
	dispatcher := New(database, nil, nil, nil)
	order := insertOrder(t, database)

	// nothing wired: no claims are burned
	dispatcher.Dispatch(order.ID, orders.PAID)
	rows, err := outbox.ForOrder(database, order.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// wiring up a sender later must still get the notification out
	sender := &mockSender{}
	dispatcher = New(database, nil, sender, nil)
	dispatcher.Dispatch(order.ID, orders.PAID)
	assert.Len(t, sender.all(), 1)
}

func TestDispatchUsesConfiguredTemplate(t *testing.T) {
	database := testutil.OpenTestDB(t)

	s, err := settings.Get(database)
	require.NoError(t, err)
	s.Templates = map[string]settings.Template{
		string(orders.PAID): {
			DMBody:       "paid!",
			EmailSubject: "Payment in for {{orderId}}",
			EmailBody:    "{{customerName}}, we got your {{totalSats}} sats.",
		},
	}
	require.NoError(t, settings.Put(database, s))

	sender := &mockSender{}
	dispatcher := New(database, nil, sender, nil)
	order := insertOrder(t, database)

	dispatcher.Dispatch(order.ID, orders.PAID)

	sent := sender.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "Payment in for "+order.ID, sent[0].subject)
	assert.Contains(t, sent[0].body, order.ShipName)
}

func TestDispatchDM(t *testing.T) {
	database := testutil.OpenTestDB(t)
	relay := testutil.NewMockRelay(t)

	pool, err := relaypool.New(context.Background(), relaypool.Config{
		Relays: []string{relay.URL()},
	})
	require.NoError(t, err)
	t.Cleanup(pool.Stop)
	require.Eventually(t, func() bool { return pool.Connected() == 1 },
		5*time.Second, 10*time.Millisecond)

	shopKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	buyerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	order := testutil.MockLightningOrder(t)
	order.ContactNostrPubkey = nostr.PubkeyHex(buyerKey)
	inserted, err := orders.Insert(database, order)
	require.NoError(t, err)

	dispatcher := New(database, pool, nil, shopKey)
	dispatcher.Dispatch(inserted.ID, orders.PAID)

	events := relay.Events()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, nostr.KindEncryptedDM, ev.Kind)
	assert.Equal(t, nostr.PubkeyHex(buyerKey), ev.Tag("p"))
	assert.True(t, ev.Verify())

	shared, err := nostr.SharedSecret(buyerKey, nostr.PubkeyHex(shopKey))
	require.NoError(t, err)
	plaintext, err := nostr.DecryptDM(shared, ev.Content)
	require.NoError(t, err)
	assert.Contains(t, plaintext, inserted.ID)
	assert.Contains(t, plaintext, orders.PAID.Label())
}
