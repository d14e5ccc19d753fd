package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multisourcesearch/mss/internal/cloud"
	"github.com/multisourcesearch/mss/internal/drives"
	"github.com/multisourcesearch/mss/internal/logx"
	"github.com/multisourcesearch/mss/internal/provider"
	"github.com/multisourcesearch/mss/internal/server/db"
)

type driveResponse struct {
	Provider    string     `json:"provider"`
	Email       *string    `json:"email"`
	Expiry      *time.Time `json:"expiry"`
	ConnectedAt time.Time  `json:"connected_at"`
}

// HandleListDrives handles GET /v1/drives. Runs after the refresh
// middleware, so links that could not be refreshed are already gone.
func HandleListDrives(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := UserID(c)
		links, err := store.FindDriveLinks(userID)
		if err != nil {
			logx.Errorf("FindDriveLinks(%q) error: %v", userID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve drives"})
			return
		}

		out := make([]driveResponse, 0, len(links))
		for _, l := range links {
			out = append(out, driveResponse{
				Provider:    l.Provider,
				Email:       l.Email,
				Expiry:      l.Expiry,
				ConnectedAt: l.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"drives": out})
	}
}

// HandleDisconnectDrive handles DELETE /v1/drives/:provider.
func HandleDisconnectDrive(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, ok := providerParam(c)
		if !ok {
			return
		}
		userID := UserID(c)

		deleted, err := store.DeleteDriveLinkFor(userID, string(name))
		if err != nil {
			logx.Errorf("DeleteDriveLinkFor(%q, %q) error: %v", userID, name, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to disconnect drive"})
			return
		}
		if !deleted {
			c.JSON(http.StatusNotFound, gin.H{"error": string(name) + " drive not linked"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"provider": name, "status": "disconnected"})
	}
}

// driveError writes the response for a gateway failure. Links that are gone
// or unreadable ask the client to reconnect.
func driveError(c *gin.Context, name provider.Name, op string, err error) {
	if drives.NeedsReconnect(err) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  string(name) + " drive not linked",
			"action": "reconnect",
		})
		return
	}
	if errors.Is(err, cloud.ErrUnsupported) {
		c.JSON(http.StatusNotImplemented, gin.H{"error": op + " is not supported for " + string(name)})
		return
	}
	logx.Errorf("%s %s error: %v", name, op, err)
	c.JSON(http.StatusBadGateway, gin.H{"error": op + " failed"})
}
