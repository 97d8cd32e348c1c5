package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/api/apierr"
	"gitlab.com/satstall/satstall/lifecycle"
	"gitlab.com/satstall/satstall/models/orders"
	"gitlab.com/satstall/satstall/models/outbox"
	"gitlab.com/satstall/satstall/models/settings"
	"gitlab.com/satstall/satstall/nostr/mirror"
)

type adminLoginRequest struct {
	Pin string `json:"pin" binding:"required"`
}

// adminLogin upgrades the caller's session to the admin role when the PIN
// matches.
func (r *RestServer) adminLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req adminLoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(err).SetType(gin.ErrorTypeBind)
			c.Status(http.StatusBadRequest)
			return
		}

		if subtle.ConstantTimeCompare(
			[]byte(req.Pin), []byte(r.cfg.AdminPIN)) != 1 {
			log.Warn("Rejected admin login with wrong PIN")
			apierr.Public(c, http.StatusUnauthorized, apierr.ErrBadAdminPin)
			return
		}

		s := currentSession(c)
		r.setSessionCookie(c, s.ID, roleAdmin)
		c.JSON(http.StatusOK, gin.H{"admin": true})
	}
}

// adminListOrders lists orders newest first, optionally filtered with
// ?status=, paged with ?limit= and ?offset=.
func (r *RestServer) adminListOrders() gin.HandlerFunc {
	return func(c *gin.Context) {
		var status *orders.Status
		if raw := c.Query("status"); raw != "" {
			s := orders.Status(raw)
			if !s.Valid() {
				apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
				return
			}
			status = &s
		}

		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		list, err := orders.ListByStatus(r.database, status, limit, offset)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"orders": list})
	}
}

type setStatusRequest struct {
	Status   string `json:"status" binding:"required"`
	Courier  string `json:"courier"`
	Tracking string `json:"tracking"`
}

// adminSetStatus moves an order along the fulfilment edges of the state
// graph. Payment-driven statuses are rejected here, only the watcher may set
// those.
func (r *RestServer) adminSetStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req setStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(err).SetType(gin.ErrorTypeBind)
			c.Status(http.StatusBadRequest)
			return
		}

		to := orders.Status(req.Status)
		if !to.Valid() {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
			return
		}

		order, err := r.machine.AdminSet(
			orders.NormalizeID(c.Param("id")), to, req.Courier, req.Tracking)
		if err != nil {
			switch {
			case errors.Is(err, orders.ErrOrderNotFound):
				apierr.Public(c, http.StatusNotFound, apierr.ErrOrderNotFound)
			case errors.Is(err, lifecycle.ErrTransitionNotAllowed):
				apierr.Public(c, http.StatusConflict, apierr.ErrTransitionNotAllowed)
			default:
				_ = c.Error(err)
			}
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

type resendRequest struct {
	State   string `json:"state" binding:"required"`
	Channel string `json:"channel" binding:"required"`
}

// adminResendNotification clears the outbox claim for one (order, state,
// channel) cell and dispatches again.
func (r *RestServer) adminResendNotification() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(err).SetType(gin.ErrorTypeBind)
			c.Status(http.StatusBadRequest)
			return
		}

		state := orders.Status(req.State)
		channel := outbox.Channel(req.Channel)
		if !state.Valid() ||
			(channel != outbox.ChannelDM && channel != outbox.ChannelEmail) {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
			return
		}

		orderID := orders.NormalizeID(c.Param("id"))
		if _, err := orders.GetByID(r.database, orderID); err != nil {
			r.orderLookupFailed(c, err)
			return
		}

		if err := r.dispatcher.Resend(orderID, state, channel); err != nil {
			_ = c.Error(err)
			return
		}

		rows, err := outbox.ForOrder(r.database, orderID)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"outbox": rows})
	}
}

// adminOrderEvents returns the append-only status history of one order.
func (r *RestServer) adminOrderEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := orders.NormalizeID(c.Param("id"))
		if _, err := orders.GetByID(r.database, orderID); err != nil {
			r.orderLookupFailed(c, err)
			return
		}

		events, err := orders.GetEvents(r.database, orderID)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}

// adminPutSettings replaces the settings document and resyncs the Nostr
// mirror so stall and product events reflect the new configuration.
func (r *RestServer) adminPutSettings() gin.HandlerFunc {
	return func(c *gin.Context) {
		var s settings.Settings
		if err := c.ShouldBindJSON(&s); err != nil {
			_ = c.Error(err).SetType(gin.ErrorTypeBind)
			c.Status(http.StatusBadRequest)
			return
		}

		if err := settings.Put(r.database, s); err != nil {
			_ = c.Error(err)
			return
		}

		if r.mirror != nil {
			if err := r.mirror.SyncAll(c.Request.Context()); err != nil {
				// settings are saved, the mirror can be retried with a
				// republish
				log.WithError(err).Warn("Mirror sync after settings update failed")
			}
		}
		c.JSON(http.StatusOK, s)
	}
}

// adminRepublish forces a full stall and product resync to the relay mesh.
func (r *RestServer) adminRepublish() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.mirror == nil {
			apierr.Public(c, http.StatusBadRequest, apierr.NewPublic(
				"ERR_NOSTR_DISABLED", "the shop runs without Nostr"))
			return
		}
		if err := r.mirror.SyncAll(c.Request.Context()); err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// adminNostrRecords lists the publish bookkeeping rows of the mirror.
func (r *RestServer) adminNostrRecords() gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := mirror.Records(r.database)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	}
}
