package testutil

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"gitlab.com/satstall/satstall/pay"
)

// MockDriver is a scriptable pay.Driver. The zero value answers every create
// call with a fresh fake artifact and reports every reference as PENDING;
// tests override the function fields or flip statuses with SetStatus.
type MockDriver struct {
	DriverName string
	Caps       pay.Capabilities

	CreateInvoiceFunc func(ctx context.Context, amountSats int64, memo string, expiry time.Duration) (pay.Invoice, error)
	CreateSwapFunc    func(ctx context.Context, amountSats int64, refundPubkey string) (pay.Swap, error)
	StatusFunc        func(ctx context.Context, ref string) (pay.Status, error)
	SubscribeFunc     func(ctx context.Context, ref string, onUpdate func(pay.Update)) (func(), error)
	VerifyFunc        func(header http.Header, body []byte) (pay.Update, error)

	mu       sync.Mutex
	statuses map[string]pay.Status
}

var _ pay.Driver = &MockDriver{}

func (m *MockDriver) Name() string {
	if m.DriverName == "" {
		return "mock"
	}
	return m.DriverName
}

func (m *MockDriver) Capabilities() pay.Capabilities {
	if m.Caps == (pay.Capabilities{}) {
		return pay.Capabilities{LightningInvoice: true, OnchainSwap: true}
	}
	return m.Caps
}

// SetStatus scripts what Status reports for ref from now on.
func (m *MockDriver) SetStatus(ref string, status pay.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statuses == nil {
		m.statuses = make(map[string]pay.Status)
	}
	m.statuses[ref] = status
}

func (m *MockDriver) CreateLightningInvoice(ctx context.Context, amountSats int64,
	memo string, expiry time.Duration) (pay.Invoice, error) {

	if m.CreateInvoiceFunc != nil {
		return m.CreateInvoiceFunc(ctx, amountSats, memo, expiry)
	}
	return pay.Invoice{
		PaymentRequest: "lnbcrt1" + gofakeit.LetterN(60),
		PaymentHash:    gofakeit.HexUint256()[2:],
		AmountSats:     amountSats,
		ExpiresAt:      time.Now().Add(expiry),
	}, nil
}

func (m *MockDriver) CreateOnchainSwap(ctx context.Context, amountSats int64,
	refundPubkey string) (pay.Swap, error) {

	if m.CreateSwapFunc != nil {
		return m.CreateSwapFunc(ctx, amountSats, refundPubkey)
	}
	address := "bcrt1q" + gofakeit.LetterN(38)
	return pay.Swap{
		SwapID:             gofakeit.UUID(),
		Address:            address,
		ExpectedAmountSats: amountSats,
		Bip21:              "bitcoin:" + address,
		ExpiresAt:          time.Now().Add(time.Hour),
	}, nil
}

func (m *MockDriver) Status(ctx context.Context, ref string) (pay.Status, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, ref)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statuses[ref]; ok {
		return s, nil
	}
	return pay.StatusPending, nil
}

func (m *MockDriver) SubscribePush(ctx context.Context, ref string,
	onUpdate func(pay.Update)) (func(), error) {

	if m.SubscribeFunc != nil {
		return m.SubscribeFunc(ctx, ref, onUpdate)
	}
	return nil, pay.ErrPushUnsupported
}

func (m *MockDriver) VerifyWebhook(header http.Header, body []byte) (pay.Update, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(header, body)
	}
	return pay.Update{}, pay.ErrWebhookUnsupported
}
