package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/devpool/devpool/internal/logutils"
	"github.com/devpool/devpool/internal/session"
)

const sessionKey = "devpool.session"

// RequestID tags every request with an id for log correlation.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = fmt.Sprintf("%.8s", uuid.New().String())
		}
		c.Header("X-Request-ID", requestID)
		c.Set("requestID", requestID)
		c.Next()
	}
}

// SessionMiddleware resolves the session cookie into a session object on
// the context. An absent or expired session is not an error here; handlers
// that need one enforce it.
func (h *Handler) SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := c.Cookie(h.cookieName)
		if err == nil && id != "" {
			sess, err := h.store.Get(c.Request.Context(), id)
			if err != nil {
				logutils.Log.WithFields(logutils.Fields{"err": err}).Error("session lookup failed")
			} else if sess != nil {
				c.Set(sessionKey, sess)
			}
		}
		c.Next()
	}
}

// RequireUser rejects requests without an authenticated session and
// refreshes the sliding expiry on the ones it lets through.
func (h *Handler) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := h.session(c)
		if sess == nil || sess.User == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if err := h.store.Save(c.Request.Context(), sess); err != nil {
			logutils.Log.WithFields(logutils.Fields{"err": err}).Warn("session refresh failed")
		}
		c.Next()
	}
}

func (h *Handler) session(c *gin.Context) *session.Session {
	v, ok := c.Get(sessionKey)
	if !ok {
		return nil
	}
	sess, ok := v.(*session.Session)
	if !ok {
		return nil
	}
	return sess
}

func (h *Handler) setSessionCookie(c *gin.Context, id string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, id, int(session.TTL.Seconds()), "/", "", h.cookieSecure, true)
}

func (h *Handler) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, "", -1, "/", "", h.cookieSecure, true)
}
