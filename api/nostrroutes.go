package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/api/apierr"
	"gitlab.com/satstall/satstall/models/carts"
	"gitlab.com/satstall/satstall/models/products"
	"gitlab.com/satstall/satstall/models/settings"
	"gitlab.com/satstall/satstall/nostr"
)

// commentProof hands out a short signature binding the shop key to one
// product, so relays running the comment filter can tell shop-sanctioned
// comment events from spam.
func (r *RestServer) commentProof() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.shopKey == nil {
			apierr.Public(c, http.StatusBadRequest, apierr.NewPublic(
				"ERR_NOSTR_DISABLED", "the shop runs without Nostr"))
			return
		}

		s, err := settings.Get(r.database)
		if err != nil {
			_ = c.Error(err)
			return
		}
		if !s.Nostr.CommentsEnabled {
			apierr.Public(c, http.StatusForbidden, apierr.ErrCommentsDisabled)
			return
		}

		productID := c.Query("productId")
		if productID == "" {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
			return
		}
		if _, err := products.GetByID(r.database, productID); err != nil {
			if errors.Is(err, products.ErrProductNotFound) {
				apierr.Public(c, http.StatusNotFound, apierr.ErrProductNotFound)
				return
			}
			_ = c.Error(err)
			return
		}

		proof, err := nostr.IssueCommentProof(r.shopKey, productID, time.Now().Unix())
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"proof":       proof,
			"storePubkey": nostr.PubkeyHex(r.shopKey),
		})
	}
}

// publicSettings exposes the subset of the settings document the storefront
// needs. Shipping internals and notification templates stay private.
func (r *RestServer) publicSettings() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := settings.Get(r.database)
		if err != nil {
			_ = c.Error(err)
			return
		}

		var storePubkey string
		if r.shopKey != nil {
			storePubkey = nostr.PubkeyHex(r.shopKey)
		}

		c.JSON(http.StatusOK, gin.H{
			"storeName":       s.StoreName,
			"description":     s.Description,
			"currency":        s.Currency,
			"logoUrl":         s.LogoURL,
			"faviconUrl":      s.FaviconURL,
			"theme":           s.Theme,
			"relays":          s.Nostr.Relays,
			"commentsEnabled": s.Nostr.CommentsEnabled,
			"storePubkey":     storePubkey,
			"worldShipping":   s.Shipping.WorldEnabled,
			"homeCountry":     s.Shipping.HomeCountry,
		})
	}
}

type cartResponse struct {
	Items     []carts.Line `json:"items"`
	UpdatedAt *time.Time   `json:"updatedAt,omitempty"`
}

// getCart returns the cart snapshot stored for the caller's Nostr pubkey.
// Callers without a pubkey, or without a stored cart, get an empty cart.
func (r *RestServer) getCart() gin.HandlerFunc {
	return func(c *gin.Context) {
		pubkey := nostrPubkey(c)
		if pubkey == "" {
			c.JSON(http.StatusOK, cartResponse{Items: []carts.Line{}})
			return
		}

		snapshot, err := carts.Get(r.database, pubkey)
		if err != nil {
			if errors.Is(err, carts.ErrCartNotFound) {
				c.JSON(http.StatusOK, cartResponse{Items: []carts.Line{}})
				return
			}
			_ = c.Error(err)
			return
		}

		lines, err := snapshot.Lines()
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, cartResponse{
			Items:     lines,
			UpdatedAt: &snapshot.UpdatedAt,
		})
	}
}

// putCart replaces the stored snapshot with the JSON array in the body.
func (r *RestServer) putCart() gin.HandlerFunc {
	return func(c *gin.Context) {
		pubkey := nostrPubkey(c)
		if pubkey == "" {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}

		snapshot, err := carts.Put(r.database, pubkey, body)
		if err != nil {
			switch {
			case errors.Is(err, carts.ErrTooManyItems):
				apierr.Public(c, http.StatusBadRequest, apierr.ErrCartTooLarge)
			case errors.Is(err, carts.ErrBadSnapshot):
				apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
			default:
				_ = c.Error(err)
			}
			return
		}

		lines, err := snapshot.Lines()
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, cartResponse{
			Items:     lines,
			UpdatedAt: &snapshot.UpdatedAt,
		})
	}
}
