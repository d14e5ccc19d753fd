package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/multisourcesearch/mss/internal/auth"
	"github.com/multisourcesearch/mss/internal/drives"
	"github.com/multisourcesearch/mss/internal/server/handler"
)

// CORS returns a Gin middleware that handles Cross-Origin Resource Sharing.
// Credentials are allowed so the dashboard can send the session cookie.
func CORS(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allowed[strings.TrimRight(origin, "/")] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Max-Age", "86400")

			if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
		}

		c.Next()
	}
}

// RequireUser returns a Gin middleware that requires a valid session token,
// taken from a Bearer Authorization header or the session cookie.
func RequireUser(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if h := c.GetHeader("Authorization"); h != "" {
			if !strings.HasPrefix(h, "Bearer ") {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header must use Bearer scheme"})
				return
			}
			token = strings.TrimPrefix(h, "Bearer ")
		} else if cookie, err := c.Cookie(handler.SessionCookie); err == nil {
			token = cookie
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not logged in"})
			return
		}

		userID, err := auth.ParseToken(token, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired session"})
			return
		}
		handler.SetUserID(c, userID)
		c.Next()
	}
}

// RefreshDrives refreshes the signed-in user's expired drive links before
// the handler runs. It never aborts the request.
func RefreshDrives(r *drives.Refresher) gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := handler.UserID(c); userID != "" {
			r.EnsureFresh(c.Request.Context(), userID)
		}
		c.Next()
	}
}
