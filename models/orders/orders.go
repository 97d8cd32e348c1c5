// Package orders holds the order aggregate, its status graph and all
// database operations touching the orders table.
package orders

import (
	"crypto/rand"
	"database/sql/driver"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/build"
)

var log = build.AddSubLogger("ORDR")

// Status is the lifecycle state of an order. Statuses are stored as their
// string value in the database.
type Status string

const (
	PENDING     Status = "PENDING"
	MEMPOOL     Status = "MEMPOOL"
	CONFIRMED   Status = "CONFIRMED"
	PAID        Status = "PAID"
	PREPARATION Status = "PREPARATION"
	SHIPPED     Status = "SHIPPED"
	EXPIRED     Status = "EXPIRED"
	FAILED      Status = "FAILED"
)

// AllStatuses lists every valid status value.
var AllStatuses = []Status{
	PENDING, MEMPOOL, CONFIRMED, PAID, PREPARATION, SHIPPED, EXPIRED, FAILED,
}

// Label is the status as shown to the buyer.
func (s Status) Label() string {
	if s == PREPARATION {
		return "IN PREPARATION"
	}
	return string(s)
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == SHIPPED || s == EXPIRED || s == FAILED
}

// NeedsWatcher reports whether a payment watcher should be running for an
// order in this status. Once an order is PAID the payment flow is done and
// only admin actions move it further.
func (s Status) NeedsWatcher() bool {
	return s == PENDING || s == MEMPOOL || s == CONFIRMED
}

// paymentTransitions is the part of the status graph the payment watcher is
// allowed to drive. PAID is sticky: nothing here leaves it.
var paymentTransitions = map[Status][]Status{
	PENDING:   {MEMPOOL, CONFIRMED, PAID, EXPIRED, FAILED},
	MEMPOOL:   {CONFIRMED, PAID, EXPIRED, FAILED},
	CONFIRMED: {PAID, FAILED},
}

// adminTransitions is the part of the status graph driven by the shop
// operator. Bidirectional between PAID and PREPARATION; SHIPPED is terminal.
var adminTransitions = map[Status][]Status{
	PAID:        {PREPARATION, SHIPPED},
	PREPARATION: {PAID, SHIPPED},
}

// PaymentSources returns the statuses a payment-driven transition to target
// may come from, or nil if no such edge exists.
func PaymentSources(target Status) []Status {
	return sources(paymentTransitions, target)
}

// AdminSources returns the statuses an admin-driven transition to target may
// come from, or nil if no such edge exists.
func AdminSources(target Status) []Status {
	return sources(adminTransitions, target)
}

func sources(graph map[Status][]Status, target Status) []Status {
	var from []Status
	for src, dsts := range graph {
		for _, dst := range dsts {
			if dst == target {
				from = append(from, src)
			}
		}
	}
	return from
}

// PaymentMethod discriminates how an order is paid.
type PaymentMethod string

const (
	// MethodLightning means the order is bound to a BOLT11 invoice.
	MethodLightning PaymentMethod = "lightning"
	// MethodOnchain means the order is bound to a submarine swap deposit
	// address.
	MethodOnchain PaymentMethod = "onchain"
)

// Item is one cart line, snapshotted at order time. Later catalog edits never
// change it.
type Item struct {
	ProductID string `json:"productId"`
	Title     string `json:"title"`
	PriceSats int64  `json:"priceSats"`
	Quantity  int    `json:"qty"`
}

// ItemList serializes to a JSON column.
type ItemList []Item

// Value implements driver.Valuer.
func (l ItemList) Value() (driver.Value, error) {
	raw, err := json.Marshal(l)
	return string(raw), err
}

// Scan implements sql.Scanner.
func (l *ItemList) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return json.Unmarshal([]byte(v), l)
	case []byte:
		return json.Unmarshal(v, l)
	default:
		return errors.Errorf("cannot scan %T into ItemList", src)
	}
}

// Order is the aggregate root of a purchase.
type Order struct {
	ID            string        `db:"id" json:"id"`
	Status        Status        `db:"status" json:"status"`
	PaymentMethod PaymentMethod `db:"payment_method" json:"paymentMethod"`
	Provider      string        `db:"provider" json:"provider"`

	// Lightning binding
	PaymentHash    *string `db:"payment_hash" json:"paymentHash,omitempty"`
	PaymentRequest *string `db:"payment_request" json:"paymentRequest,omitempty"`

	// On-chain swap binding
	SwapID            *string `db:"swap_id" json:"swapId,omitempty"`
	OnchainAddress    *string `db:"onchain_address" json:"onchainAddress,omitempty"`
	OnchainAmountSats *int64  `db:"onchain_amount_sats" json:"onchainAmountSats,omitempty"`
	Bip21             *string `db:"bip21" json:"bip21,omitempty"`

	SubtotalSats int64    `db:"subtotal_sats" json:"subtotalSats"`
	ShippingSats int64    `db:"shipping_sats" json:"shippingSats"`
	TotalSats    int64    `db:"total_sats" json:"totalSats"`
	Items        ItemList `db:"items" json:"items"`

	ShipCountry  string `db:"ship_country" json:"shipCountry"`
	ShipName     string `db:"ship_name" json:"shipName"`
	ShipAddress1 string `db:"ship_address1" json:"shipAddress1"`
	ShipAddress2 string `db:"ship_address2" json:"shipAddress2"`
	ShipCity     string `db:"ship_city" json:"shipCity"`
	ShipPostcode string `db:"ship_postcode" json:"shipPostcode"`

	ContactEmail       string `db:"contact_email" json:"contactEmail"`
	ContactTelegram    string `db:"contact_telegram" json:"contactTelegram"`
	ContactPhone       string `db:"contact_phone" json:"contactPhone"`
	ContactNostrPubkey string `db:"contact_nostr_pubkey" json:"contactNostrPubkey"`
	SessionID          string `db:"session_id" json:"-"`

	Notes    string `db:"notes" json:"notes"`
	Courier  string `db:"courier" json:"courier"`
	Tracking string `db:"tracking" json:"tracking"`

	InvoiceExpiresAt *time.Time `db:"invoice_expires_at" json:"invoiceExpiresAt,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updatedAt"`
}

// Event is one committed status transition, kept for history and for SSE
// late joiners.
type Event struct {
	ID         string    `db:"id" json:"id"`
	OrderID    string    `db:"order_id" json:"orderId"`
	FromStatus Status    `db:"from_status" json:"from"`
	ToStatus   Status    `db:"to_status" json:"to"`
	CreatedAt  time.Time `db:"created_at" json:"at"`
}

const maxNotesLength = 2048

var (
	// ErrOrderNotFound is returned when an order cannot be found.
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicatePaymentRef means an order with the same payment hash or
	// swap id already exists.
	ErrDuplicatePaymentRef = errors.New("duplicate payment reference")
	// ErrNoContactChannel means the customer supplied no way of reaching
	// them.
	ErrNoContactChannel = errors.New("at least one contact channel is required")
	// ErrNoItems means the order has an empty item list.
	ErrNoItems = errors.New("order has no items")
	// ErrBadCountry means the shipping country is not a two-letter ISO code.
	ErrBadCountry = errors.New("shipping country must be an ISO-3166-1 alpha-2 code")
	// ErrBadAmounts means the sat amounts are negative or inconsistent.
	ErrBadAmounts = errors.New("order amounts are negative or do not add up")
	// ErrNotesTooLong means the free-form notes exceed the cap.
	ErrNotesTooLong = errors.New("order notes are too long")
	// ErrMissingPaymentBinding means the payment artifact fields for the
	// chosen method are incomplete.
	ErrMissingPaymentBinding = errors.New("order is missing its payment binding")
)

// Validate checks the order invariants that hold independently of the
// database. It is called by Insert.
func (o Order) Validate() error {
	if len(o.Items) == 0 {
		return ErrNoItems
	}
	for _, item := range o.Items {
		if item.Quantity < 1 {
			return errors.Wrapf(ErrNoItems, "item %s has quantity %d", item.ProductID, item.Quantity)
		}
		if item.PriceSats < 0 {
			return ErrBadAmounts
		}
	}
	if o.SubtotalSats < 0 || o.ShippingSats < 0 || o.TotalSats < 0 {
		return ErrBadAmounts
	}
	if o.TotalSats != o.SubtotalSats+o.ShippingSats {
		return ErrBadAmounts
	}
	if len(o.ShipCountry) != 2 || !isLetters(o.ShipCountry) {
		return ErrBadCountry
	}
	if o.ContactEmail == "" && o.ContactTelegram == "" &&
		o.ContactNostrPubkey == "" && o.ContactPhone == "" {
		return ErrNoContactChannel
	}
	if len(o.Notes) > maxNotesLength {
		return ErrNotesTooLong
	}
	switch o.PaymentMethod {
	case MethodLightning:
		if o.PaymentHash == nil || *o.PaymentHash == "" {
			return ErrMissingPaymentBinding
		}
	case MethodOnchain:
		if o.SwapID == nil || *o.SwapID == "" ||
			o.OnchainAddress == nil || *o.OnchainAddress == "" {
			return ErrMissingPaymentBinding
		}
	default:
		return errors.Errorf("unknown payment method %q", o.PaymentMethod)
	}
	return nil
}

func isLetters(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// idAlphabet is Crockford base32: no I, L, O or U, so ids survive being read
// over the phone.
const idAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const idLength = 8

// NewID produces a short random order id. Ids are stored upper-cased and
// compared case-insensitively, see NormalizeID.
func NewID() string {
	raw := make([]byte, idLength)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic(err)
	}
	var sb strings.Builder
	for _, b := range raw {
		sb.WriteByte(idAlphabet[int(b)%len(idAlphabet)])
	}
	return sb.String()
}

// NormalizeID maps user-supplied order ids onto their canonical stored form.
func NormalizeID(id string) string {
	up := strings.ToUpper(strings.TrimSpace(id))
	replacer := strings.NewReplacer("I", "1", "L", "1", "O", "0", "U", "V")
	return replacer.Replace(up)
}
