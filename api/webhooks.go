package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/models/orders"
	"gitlab.com/satstall/satstall/pay"
)

// handleWebhook receives push deliveries from the payment provider. The
// provider segment must match the active driver, the signature must verify,
// and the referenced payment must belong to a known order. Deliveries for
// unknown references are acknowledged so the provider stops retrying them.
func (r *RestServer) handleWebhook() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Param("provider") != r.driver.Name() {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}

		update, err := r.driver.VerifyWebhook(c.Request.Header, body)
		if err != nil {
			// no body on signature failures, nothing for an attacker to probe
			if errors.Is(err, pay.ErrBadSignature) ||
				errors.Is(err, pay.ErrWebhookUnsupported) {
				log.WithError(err).WithField("provider", r.driver.Name()).
					Warn("Rejected webhook delivery")
				c.AbortWithStatus(http.StatusUnauthorized)
				return
			}
			log.WithError(err).Warn("Could not parse webhook delivery")
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}

		if err := r.watchers.Deliver(update); err != nil {
			if errors.Is(err, orders.ErrOrderNotFound) {
				log.WithField("ref", update.Ref).Debug(
					"Webhook for unknown payment reference, acknowledging")
				c.JSON(http.StatusOK, gin.H{"ignored": true})
				return
			}
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
