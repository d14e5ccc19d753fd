package handler

import (
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multisourcesearch/mss/internal/cloud"
	"github.com/multisourcesearch/mss/internal/drives"
	"github.com/multisourcesearch/mss/internal/logx"
	"github.com/multisourcesearch/mss/internal/provider"
	"github.com/multisourcesearch/mss/internal/server/db"
)

const maxUploadSize = 25 << 20

var termSeparators = regexp.MustCompile(`[,\s]+`)

func splitTerms(s string) []string {
	var out []string
	for _, t := range termSeparators.Split(strings.TrimSpace(s), -1) {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// HandleListImages handles GET /v1/images?search=.
func HandleListImages(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := UserID(c)
		images, err := store.ListImages(userID, strings.TrimSpace(c.Query("search")))
		if err != nil {
			logx.Errorf("ListImages(%q) error: %v", userID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch images"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"images": images})
	}
}

// HandleSearchImages handles GET /v1/images/search?q=&and=. Terms are split
// on commas and whitespace and match file names or tags.
func HandleSearchImages(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		terms := splitTerms(c.Query("q"))
		if len(terms) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing query"})
			return
		}
		userID := UserID(c)

		images, err := store.SearchImages(userID, terms, c.Query("and") == "true")
		if err != nil {
			logx.Errorf("SearchImages(%q) error: %v", userID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"images": images})
	}
}

// HandleUploadImage handles POST /v1/images/upload (multipart: file,
// provider, fileName, tags).
func HandleUploadImage(store *db.Store, gw *drives.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

		name, err := provider.ParseName(c.PostForm("provider"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or missing provider"})
			return
		}
		header, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no file uploaded"})
			return
		}

		fileName := strings.TrimSpace(c.PostForm("fileName"))
		if fileName == "" {
			fileName = header.Filename
		}
		mimeType := header.Header.Get("Content-Type")
		if mimeType == "" || mimeType == "application/octet-stream" {
			if byExt := mime.TypeByExtension(filepath.Ext(header.Filename)); byExt != "" {
				mimeType = byExt
			}
		}

		f, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
			return
		}
		defer f.Close()

		userID := UserID(c)
		remote, link, err := gw.Upload(c.Request.Context(), userID, name, cloud.File{
			Name:     fileName,
			MimeType: mimeType,
			Content:  f,
		})
		if err != nil {
			driveError(c, name, "upload", err)
			return
		}

		img := &db.Image{
			UserID:       userID,
			DriveID:      link.ID,
			Provider:     string(name),
			FileID:       remote.ID,
			FileName:     fileName,
			FileURL:      remote.ViewURL,
			ThumbnailURL: remote.ThumbnailURL,
			UploadedAt:   time.Now().UTC(),
		}
		if err := store.CreateImage(img, splitTerms(c.PostForm("tags"))); err != nil {
			logx.Errorf("CreateImage error: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{"success": true, "image": img})
	}
}

type updateImageRequest struct {
	FileName *string   `json:"fileName"`
	Tags     *[]string `json:"tags"`
}

// HandleUpdateImage handles PUT /v1/images/:id.
func HandleUpdateImage(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateImageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.FileName != nil && strings.TrimSpace(*req.FileName) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "fileName must not be empty"})
			return
		}

		var tags []string
		if req.Tags != nil {
			tags = *req.Tags
			if tags == nil {
				tags = []string{}
			}
		}

		userID, id := UserID(c), c.Param("id")
		found, err := store.UpdateImage(userID, id, req.FileName, tags)
		if err != nil {
			logx.Errorf("UpdateImage(%q) error: %v", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "edit failed"})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
			return
		}

		img, err := store.GetImage(userID, id)
		if err != nil || img == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "image": img})
	}
}

// HandleDeleteImage handles DELETE /v1/images/:id. The metadata is removed
// even when the remote file could not be deleted.
func HandleDeleteImage(store *db.Store, gw *drives.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, id := UserID(c), c.Param("id")
		img, err := store.GetImage(userID, id)
		if err != nil {
			logx.Errorf("GetImage(%q) error: %v", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
			return
		}
		if img == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
			return
		}

		remoteDeleted := true
		if name, err := provider.ParseName(img.Provider); err != nil {
			logx.Warnf("unknown provider %q on image %s, skipping drive delete", img.Provider, id)
			remoteDeleted = false
		} else if err := gw.Delete(c.Request.Context(), userID, name, img.FileID); err != nil {
			logx.Warnf("drive delete of image %s failed: %v", id, err)
			remoteDeleted = false
		}

		if _, err := store.DeleteImage(userID, id); err != nil {
			logx.Errorf("DeleteImage(%q) error: %v", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "remote_deleted": remoteDeleted})
	}
}

// HandleImageThumbnail handles GET /v1/images/:id/thumbnail.
func HandleImageThumbnail(store *db.Store, gw *drives.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, id := UserID(c), c.Param("id")
		img, err := store.GetImage(userID, id)
		if err != nil {
			logx.Errorf("GetImage(%q) error: %v", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch thumbnail"})
			return
		}
		if img == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
			return
		}
		name, err := provider.ParseName(img.Provider)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no thumbnail"})
			return
		}

		url, err := gw.Thumbnail(c.Request.Context(), userID, name, img.FileID)
		if err != nil {
			if drives.NeedsReconnect(err) {
				driveError(c, name, "thumbnail", err)
				return
			}
			logx.Warnf("thumbnail lookup for image %s failed, using stored links: %v", id, err)
			url = ""
		}
		if url == "" {
			url = img.ThumbnailURL
		}
		if url == "" {
			url = img.FileURL
		}
		c.JSON(http.StatusOK, gin.H{"thumbnail_url": url})
	}
}
