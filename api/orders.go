package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/api/apierr"
	"gitlab.com/satstall/satstall/models/orders"
)

const streamKeepalive = 15 * time.Second

// invoiceStatus returns the order bound to a Lightning payment hash.
func (r *RestServer) invoiceStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := orders.GetByPaymentHash(r.database, c.Param("paymentHash"))
		if err != nil {
			r.orderLookupFailed(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

// swapStatus returns the order bound to an on-chain swap id.
func (r *RestServer) swapStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := orders.GetBySwapID(r.database, c.Param("swapId"))
		if err != nil {
			r.orderLookupFailed(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func (r *RestServer) invoiceStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := orders.GetByPaymentHash(r.database, c.Param("paymentHash"))
		if err != nil {
			r.orderLookupFailed(c, err)
			return
		}
		r.streamOrder(c, order)
	}
}

func (r *RestServer) swapStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := orders.GetBySwapID(r.database, c.Param("swapId"))
		if err != nil {
			r.orderLookupFailed(c, err)
			return
		}
		r.streamOrder(c, order)
	}
}

func (r *RestServer) orderLookupFailed(c *gin.Context, err error) {
	if errors.Is(err, orders.ErrOrderNotFound) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrOrderNotFound)
		return
	}
	_ = c.Error(err)
}

type statusFrame struct {
	OrderID string        `json:"orderId"`
	Status  orders.Status `json:"status"`
	Label   string        `json:"label"`
	At      time.Time     `json:"at"`
}

// streamOrder pushes status changes for one order over SSE. The first frame
// is the persisted status at connect time, every later frame a committed
// transition. The stream ends after a terminal status.
func (r *RestServer) streamOrder(c *gin.Context, order orders.Order) {
	events, cancel := r.events.Subscribe(order.ID)
	defer cancel()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	// the bus replays recent history, so only the event that chains off
	// the frame already sent may go out; everything else is a replay of a
	// transition the snapshot frame already covers
	lastSent := orders.Status("")
	send := func(status orders.Status, at time.Time) {
		lastSent = status
		_ = sse.Encode(c.Writer, sse.Event{
			Event: "status",
			Data: statusFrame{
				OrderID: order.ID,
				Status:  status,
				Label:   status.Label(),
				At:      at,
			},
		})
		c.Writer.Flush()
	}

	send(order.Status, time.Now())
	if order.Status.Terminal() {
		return
	}

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.From != lastSent {
				continue
			}
			send(ev.To, ev.At)
			if ev.To.Terminal() {
				return
			}

		case <-keepalive.C:
			// comment frame, keeps proxies from reaping the connection
			if _, err := c.Writer.WriteString(": keepalive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

// myOrders lists the orders placed under the caller's session cookie, widened
// with any orders bound to the Nostr pubkey the front-end asserts.
func (r *RestServer) myOrders() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := orders.ListForContact(r.database,
			currentSession(c).ID, nostrPubkey(c))
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"orders": list})
	}
}
