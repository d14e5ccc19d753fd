package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// SessionCookie holds the session token for browser clients.
const SessionCookie = "mss_session"

const userIDKey = "mss.user_id"

// Session configures how session tokens are issued.
type Session struct {
	Secret []byte
	TTL    time.Duration
	Secure bool
}

// SetUserID stores the authenticated user id on the request context.
func SetUserID(c *gin.Context, userID string) {
	c.Set(userIDKey, userID)
}

// UserID returns the authenticated user id, or "" when there is none.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func (s Session) setCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, token, int(s.TTL/time.Second), "/", "", s.Secure, true)
}

func (s Session) clearCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, "", -1, "/", "", s.Secure, true)
}
