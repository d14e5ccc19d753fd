package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/multisourcesearch/mss/internal/crypto"
	"github.com/multisourcesearch/mss/internal/drives"
	"github.com/multisourcesearch/mss/internal/provider"
	"github.com/multisourcesearch/mss/internal/server/db"
	"github.com/multisourcesearch/mss/internal/server/handler"
)

// Deps are the long-lived collaborators the routes are built from.
type Deps struct {
	Store    *db.Store
	Cipher   *crypto.Cipher
	Registry *provider.Registry
	Gateway  *drives.Gateway
}

// NewRouter creates and configures the Gin router with all routes.
func NewRouter(cfg *Config, deps Deps) *gin.Engine {
	r := gin.Default()

	if len(cfg.CORSOrigins) > 0 {
		r.Use(CORS(cfg.CORSOrigins))
	}

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	secret := []byte(cfg.SessionSecret)
	sess := handler.Session{Secret: secret, TTL: cfg.SessionTTL, Secure: cfg.SecureCookies()}
	store := deps.Store
	gw := deps.Gateway

	requireUser := RequireUser(secret)
	refresh := RefreshDrives(gw.Refresher())

	v1 := r.Group("/v1")
	{
		// Accounts
		v1.POST("/auth/register", handler.HandleRegister(store, sess))
		v1.POST("/auth/login", handler.HandleLogin(store, sess))
		v1.POST("/auth/logout", handler.HandleLogout(sess))
		v1.GET("/auth/me", requireUser, handler.HandleMe(store))

		// Drive links
		v1.GET("/drives", requireUser, refresh, handler.HandleListDrives(store))
		v1.GET("/drives/:provider/connect", requireUser, handler.HandleConnectDrive(deps.Registry, secret))
		v1.GET("/drives/:provider/callback",
			handler.HandleDriveCallback(store, deps.Registry, deps.Cipher, secret, cfg.FrontendURL))
		v1.DELETE("/drives/:provider", requireUser, handler.HandleDisconnectDrive(store))

		// Images
		images := v1.Group("/images", requireUser)
		images.GET("", refresh, handler.HandleListImages(store))
		images.GET("/search", handler.HandleSearchImages(store))
		images.POST("/upload", handler.HandleUploadImage(store, gw))
		images.PUT("/:id", handler.HandleUpdateImage(store))
		images.DELETE("/:id", handler.HandleDeleteImage(store, gw))
		images.GET("/:id/thumbnail", handler.HandleImageThumbnail(store, gw))
	}

	return r
}
