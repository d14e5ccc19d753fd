package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/multisourcesearch/mss/internal/auth"
	"github.com/multisourcesearch/mss/internal/logx"
	"github.com/multisourcesearch/mss/internal/server/db"
)

const minPasswordLen = 8

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s Session) issue(c *gin.Context, user *db.User, status int, message string) {
	token, err := auth.GenerateToken(user.ID, s.Secret, s.TTL)
	if err != nil {
		logx.Errorf("GenerateToken error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start session"})
		return
	}
	s.setCookie(c, token)
	c.JSON(status, gin.H{"message": message, "user_id": user.ID, "token": token})
}

// HandleRegister handles POST /v1/auth/register.
func HandleRegister(store *db.Store, sess Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(req.Password) < minPasswordLen {
			c.JSON(http.StatusBadRequest, gin.H{"error": "password must be at least 8 characters"})
			return
		}

		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			logx.Errorf("HashPassword error: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
			return
		}

		user := &db.User{
			Username:     strings.TrimSpace(req.Username),
			Email:        strings.ToLower(strings.TrimSpace(req.Email)),
			PasswordHash: hash,
		}
		if err := store.CreateUser(user); err != nil {
			if errors.Is(err, db.ErrUsernameTaken) || errors.Is(err, db.ErrEmailTaken) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			logx.Errorf("CreateUser error: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
			return
		}

		sess.issue(c, user, http.StatusCreated, "registered")
	}
}

// HandleLogin handles POST /v1/auth/login.
func HandleLogin(store *db.Store, sess Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := store.GetUserByEmail(strings.ToLower(strings.TrimSpace(req.Email)))
		if err != nil {
			logx.Errorf("GetUserByEmail error: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		if user == nil || auth.CheckPassword(user.PasswordHash, req.Password) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		sess.issue(c, user, http.StatusOK, "logged in")
	}
}

// HandleLogout handles POST /v1/auth/logout. Tokens are stateless, so this
// only clears the browser cookie.
func HandleLogout(sess Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess.clearCookie(c)
		c.JSON(http.StatusOK, gin.H{"message": "logged out"})
	}
}

// HandleMe handles GET /v1/auth/me.
func HandleMe(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := UserID(c)
		user, err := store.GetUser(userID)
		if err != nil {
			logx.Errorf("GetUser(%q) error: %v", userID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch user"})
			return
		}
		if user == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}

		links, err := store.FindDriveLinks(userID)
		if err != nil {
			logx.Errorf("FindDriveLinks(%q) error: %v", userID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch user"})
			return
		}
		connected := make([]string, 0, len(links))
		for _, l := range links {
			connected = append(connected, l.Provider)
		}

		c.JSON(http.StatusOK, gin.H{
			"id":               user.ID,
			"username":         user.Username,
			"email":            user.Email,
			"connected_drives": connected,
		})
	}
}
