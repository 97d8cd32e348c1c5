package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/api/apierr"
	"gitlab.com/satstall/satstall/models/orders"
	"gitlab.com/satstall/satstall/models/products"
	"gitlab.com/satstall/satstall/models/settings"
	"gitlab.com/satstall/satstall/pay"
)

const (
	driverOpTimeout = 15 * time.Second
	invoiceExpiry   = time.Hour
)

type checkoutItem struct {
	ProductID string `json:"productId" binding:"required"`
	Qty       int    `json:"qty" binding:"required,gte=1"`
}

type checkoutCustomer struct {
	Name        string `json:"name"`
	Email       string `json:"email" binding:"omitempty,email"`
	Telegram    string `json:"telegram"`
	Phone       string `json:"phone"`
	NostrPubkey string `json:"nostrPubkey"`

	Country  string `json:"country" binding:"required,len=2"`
	Address1 string `json:"address1"`
	Address2 string `json:"address2"`
	City     string `json:"city"`
	Postcode string `json:"postcode"`

	Notes string `json:"notes" binding:"max=2048"`
}

type createInvoiceRequest struct {
	Items         []checkoutItem   `json:"items" binding:"required,gte=1"`
	Customer      checkoutCustomer `json:"customer" binding:"required"`
	PaymentMethod string           `json:"paymentMethod" binding:"required"`
}

type createInvoiceResponse struct {
	Order orders.Order `json:"order"`
}

// createInvoice is the checkout endpoint: it freezes the cart into order
// items, resolves shipping, mints the payment artifact with the driver,
// persists the order as PENDING and starts its watcher.
func (r *RestServer) createInvoice() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createInvoiceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(err).SetType(gin.ErrorTypeBind)
			c.Status(http.StatusBadRequest)
			return
		}

		method := orders.PaymentMethod(req.PaymentMethod)
		if method != orders.MethodLightning && method != orders.MethodOnchain {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
			return
		}

		items, quoteLines, subtotal, err := r.freezeItems(req.Items)
		if err != nil {
			if errors.Is(err, products.ErrProductNotFound) {
				apierr.Public(c, http.StatusBadRequest, apierr.ErrProductNotFound)
				return
			}
			_ = c.Error(err)
			return
		}

		s, err := settings.Get(r.database)
		if err != nil {
			_ = c.Error(err)
			return
		}
		quote, err := settings.ResolveQuote(s.Shipping, req.Customer.Country, quoteLines)
		if err != nil {
			if errors.Is(err, settings.ErrDestinationNotCovered) {
				apierr.Public(c, http.StatusBadRequest, apierr.ErrDestinationNotCovered)
				return
			}
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
			return
		}

		order := orders.Order{
			PaymentMethod: method,
			Provider:      r.driver.Name(),
			SubtotalSats:  subtotal,
			ShippingSats:  quote.TotalSats,
			TotalSats:     subtotal + quote.TotalSats,
			Items:         items,

			ShipCountry:  quote.Country,
			ShipName:     req.Customer.Name,
			ShipAddress1: req.Customer.Address1,
			ShipAddress2: req.Customer.Address2,
			ShipCity:     req.Customer.City,
			ShipPostcode: req.Customer.Postcode,

			ContactEmail:       req.Customer.Email,
			ContactTelegram:    req.Customer.Telegram,
			ContactPhone:       req.Customer.Phone,
			ContactNostrPubkey: req.Customer.NostrPubkey,
			SessionID:          currentSession(c).ID,

			Notes: req.Customer.Notes,
		}

		if method == orders.MethodOnchain && order.TotalSats < r.cfg.OnchainMinSats {
			apierr.Public(c, http.StatusBadRequest, apierr.NewPublic(
				"ERR_AMOUNT_TOO_SMALL_FOR_ONCHAIN",
				fmt.Sprintf("on-chain payments need at least %d sats", r.cfg.OnchainMinSats)))
			return
		}

		// Reject invalid orders before minting anything with the
		// provider; the placeholders stand in for the binding fields the
		// driver has not produced yet.
		draft := order
		placeholder := "unminted"
		switch method {
		case orders.MethodLightning:
			draft.PaymentHash = &placeholder
		case orders.MethodOnchain:
			draft.SwapID = &placeholder
			draft.OnchainAddress = &placeholder
		}
		if err := draft.Validate(); err != nil {
			if errors.Is(err, orders.ErrNoContactChannel) {
				apierr.Public(c, http.StatusBadRequest, apierr.ErrNoContactChannel)
				return
			}
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
			return
		}

		// Mint the payment artifact before inserting the row, so a driver
		// failure never leaves a PENDING order without a way to pay it.
		ctx, cancel := context.WithTimeout(c.Request.Context(), driverOpTimeout)
		defer cancel()

		memo := fmt.Sprintf("%s order", s.StoreName)
		switch method {
		case orders.MethodLightning:
			invoice, err := r.driver.CreateLightningInvoice(ctx, order.TotalSats, memo, invoiceExpiry)
			if err != nil {
				r.failCreate(c, err)
				return
			}
			order.PaymentHash = &invoice.PaymentHash
			order.PaymentRequest = &invoice.PaymentRequest
			expiresAt := invoice.ExpiresAt
			order.InvoiceExpiresAt = &expiresAt

		case orders.MethodOnchain:
			swap, err := r.driver.CreateOnchainSwap(ctx, order.TotalSats, "")
			if err != nil {
				r.failCreate(c, err)
				return
			}
			order.SwapID = &swap.SwapID
			order.OnchainAddress = &swap.Address
			order.OnchainAmountSats = &swap.ExpectedAmountSats
			order.Bip21 = &swap.Bip21
			expiresAt := swap.ExpiresAt
			order.InvoiceExpiresAt = &expiresAt
		}

		inserted, err := orders.Insert(r.database, order)
		if err != nil {
			if errors.Is(err, orders.ErrDuplicatePaymentRef) {
				apierr.Public(c, http.StatusConflict, apierr.ErrDuplicatePaymentRef)
				return
			}
			if errors.Is(err, orders.ErrNoContactChannel) {
				apierr.Public(c, http.StatusBadRequest, apierr.ErrNoContactChannel)
				return
			}
			_ = c.Error(err)
			return
		}

		r.watchers.Watch(inserted)

		c.JSON(http.StatusOK, createInvoiceResponse{Order: inserted})
	}
}

// failCreate maps a synchronous driver failure to the error taxonomy:
// transient provider trouble is 502, anything else a 400.
func (r *RestServer) failCreate(c *gin.Context, err error) {
	if pay.IsTransient(err) {
		log.WithError(err).Warn("Payment provider unavailable during checkout")
		apierr.Public(c, http.StatusBadGateway, apierr.ErrProviderUnavailable)
		return
	}
	log.WithError(err).Error("Could not create payment artifact")
	apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
}

// freezeItems snapshots titles and prices from the catalog.
func (r *RestServer) freezeItems(reqItems []checkoutItem) (orders.ItemList, []settings.QuoteLine, int64, error) {
	var items orders.ItemList
	var quoteLines []settings.QuoteLine
	var subtotal int64

	for _, item := range reqItems {
		p, err := products.GetByID(r.database, item.ProductID)
		if err != nil {
			return nil, nil, 0, err
		}
		items = append(items, orders.Item{
			ProductID: p.ID,
			Title:     p.Title,
			PriceSats: p.PriceSats,
			Quantity:  item.Qty,
		})
		quoteLines = append(quoteLines, settings.QuoteLine{
			ProductID: p.ID,
			Quantity:  item.Qty,
			Overrides: p.Shipping,
		})
		subtotal += p.PriceSats * int64(item.Qty)
	}
	return items, quoteLines, subtotal, nil
}

type quoteRequest struct {
	Items   []checkoutItem `json:"items" binding:"required,gte=1"`
	Country string         `json:"country" binding:"required,len=2"`
}

// shippingQuote resolves what shipping would cost without creating anything.
func (r *RestServer) shippingQuote() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req quoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(err).SetType(gin.ErrorTypeBind)
			c.Status(http.StatusBadRequest)
			return
		}

		_, quoteLines, subtotal, err := r.freezeItems(req.Items)
		if err != nil {
			if errors.Is(err, products.ErrProductNotFound) {
				apierr.Public(c, http.StatusBadRequest, apierr.ErrProductNotFound)
				return
			}
			_ = c.Error(err)
			return
		}

		s, err := settings.Get(r.database)
		if err != nil {
			_ = c.Error(err)
			return
		}
		quote, err := settings.ResolveQuote(s.Shipping, req.Country, quoteLines)
		if err != nil {
			if errors.Is(err, settings.ErrDestinationNotCovered) {
				apierr.Public(c, http.StatusBadRequest, apierr.ErrDestinationNotCovered)
				return
			}
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"subtotalSats": subtotal,
			"shipping":     quote,
			"totalSats":    subtotal + quote.TotalSats,
		})
	}
}
