package api

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"gitlab.com/satstall/satstall/api/apierr"
)

// sessionCookie identifies anonymous buyers across reloads. Its value is
// "<id>.<role>.<hmac>" where the HMAC covers "<id>.<role>" under the
// session secret, so neither part can be forged.
const sessionCookie = "satstall_session"

const (
	roleBuyer = "buyer"
	roleAdmin = "admin"
)

const sessionMaxAge = 30 * 24 * 60 * 60 // seconds

type session struct {
	ID    string
	Admin bool
}

func (r *RestServer) signSession(id, role string) string {
	payload := id + "." + role
	mac := hmac.New(sha256.New, r.cfg.SessionSecret)
	mac.Write([]byte(payload))
	return payload + "." + hex.EncodeToString(mac.Sum(nil))
}

func (r *RestServer) parseSession(value string) (session, bool) {
	parts := strings.Split(value, ".")
	if len(parts) != 3 {
		return session{}, false
	}
	id, role, sig := parts[0], parts[1], parts[2]
	if role != roleBuyer && role != roleAdmin {
		return session{}, false
	}

	mac := hmac.New(sha256.New, r.cfg.SessionSecret)
	mac.Write([]byte(id + "." + role))
	expected := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return session{}, false
	}
	return session{ID: id, Admin: role == roleAdmin}, true
}

func (r *RestServer) setSessionCookie(c *gin.Context, id, role string) {
	c.SetCookie(sessionCookie, r.signSession(id, role),
		sessionMaxAge, "/", "", false, true)
}

// sessionMiddleware guarantees every request carries a valid session and
// stores it on the context. Invalid or missing cookies get a fresh buyer
// session.
func (r *RestServer) sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if value, err := c.Cookie(sessionCookie); err == nil {
			if s, ok := r.parseSession(value); ok {
				c.Set("session", s)
				c.Next()
				return
			}
		}

		s := session{ID: newSessionID()}
		r.setSessionCookie(c, s.ID, roleBuyer)
		c.Set("session", s)
		c.Next()
	}
}

func currentSession(c *gin.Context) session {
	if v, ok := c.Get("session"); ok {
		if s, ok := v.(session); ok {
			return s
		}
	}
	return session{}
}

// adminRequired guards the admin route group.
func (r *RestServer) adminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !currentSession(c).Admin {
			apierr.Public(c, http.StatusUnauthorized, apierr.ErrAdminOnly)
			return
		}
		c.Next()
	}
}

// nostrPubkey is the buyer's hex pubkey as asserted by the front-end. Used
// to key carts and widen /orders/mine, never for anything security
// sensitive.
func nostrPubkey(c *gin.Context) string {
	return strings.ToLower(strings.TrimSpace(c.GetHeader("X-Nostr-Pubkey")))
}

func newSessionID() string {
	var raw [16]byte
	_, _ = rand.Read(raw[:])
	return hex.EncodeToString(raw[:])
}
