package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multisourcesearch/mss/internal/crypto"
	"github.com/multisourcesearch/mss/internal/logx"
	"github.com/multisourcesearch/mss/internal/provider"
	"github.com/multisourcesearch/mss/internal/server/db"
)

const oauthStateMaxAge = 10 * time.Minute

// makeOAuthState produces an HMAC-signed state: "user_id:timestamp_hex:hmac_hex".
// The provider is part of the MAC so a state can't be replayed on another callback.
func makeOAuthState(userID string, name provider.Name, key []byte) string {
	ts := strconv.FormatInt(time.Now().Unix(), 16)
	return userID + ":" + ts + ":" + stateMAC(userID, ts, name, key)
}

func stateMAC(userID, ts string, name provider.Name, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(string(name) + ":" + userID + ":" + ts))
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyOAuthState verifies and parses the HMAC-signed state, returning the user id.
func verifyOAuthState(state string, name provider.Name, key []byte) (string, error) {
	parts := strings.SplitN(state, ":", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed state")
	}
	userID, tsHex, sigHex := parts[0], parts[1], parts[2]

	if !hmac.Equal([]byte(sigHex), []byte(stateMAC(userID, tsHex, name, key))) {
		return "", fmt.Errorf("invalid state signature")
	}

	tsUnix, err := strconv.ParseInt(tsHex, 16, 64)
	if err != nil {
		return "", fmt.Errorf("invalid timestamp in state")
	}
	if time.Since(time.Unix(tsUnix, 0)) > oauthStateMaxAge {
		return "", fmt.Errorf("state expired")
	}

	return userID, nil
}

func providerParam(c *gin.Context) (provider.Name, bool) {
	name, err := provider.ParseName(c.Param("provider"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
		return "", false
	}
	return name, true
}

// HandleConnectDrive handles GET /v1/drives/:provider/connect.
func HandleConnectDrive(registry *provider.Registry, stateKey []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, ok := providerParam(c)
		if !ok {
			return
		}
		client, err := registry.Client(name)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": string(name) + " is not configured"})
			return
		}

		state := makeOAuthState(UserID(c), name, stateKey)
		c.Redirect(http.StatusFound, client.AuthCodeURL(state))
	}
}

// HandleDriveCallback handles GET /v1/drives/:provider/callback. The user is
// identified by the signed state, not by the session, and the browser is
// sent back to the dashboard in every case.
func HandleDriveCallback(store *db.Store, registry *provider.Registry, cipher *crypto.Cipher, stateKey []byte, frontendURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, ok := providerParam(c)
		if !ok {
			return
		}
		fail := func(format string, args ...any) {
			logx.Warnf("%s callback: "+format, append([]any{name}, args...)...)
			c.Redirect(http.StatusFound, fmt.Sprintf("%s/manageDrives?error=%s_oauth_failed", frontendURL, name))
		}

		if e := c.Query("error"); e != "" {
			fail("provider returned error %q", e)
			return
		}
		code := c.Query("code")
		state := c.Query("state")
		if code == "" || state == "" {
			fail("missing code or state")
			return
		}

		userID, err := verifyOAuthState(state, name, stateKey)
		if err != nil {
			fail("invalid or expired OAuth state: %v", err)
			return
		}

		client, err := registry.Client(name)
		if err != nil {
			fail("%v", err)
			return
		}

		tokens, err := client.Exchange(c.Request.Context(), code)
		if err != nil {
			fail("token exchange failed: %v", err)
			return
		}

		// A missing refresh token on reconnect keeps the stored one.
		existing, err := store.FindDriveLink(userID, string(name))
		if err != nil {
			fail("loading existing link: %v", err)
			return
		}
		if tokens.RefreshToken == "" && existing == nil {
			fail("no refresh_token returned (revoke app access and retry)")
			return
		}

		link := &db.DriveLink{UserID: userID, Provider: string(name)}
		if link.AccessTokenEncrypted, err = cipher.Encrypt(tokens.AccessToken); err != nil {
			fail("encrypting access token: %v", err)
			return
		}
		if tokens.RefreshToken != "" {
			if link.RefreshTokenEncrypted, err = cipher.Encrypt(tokens.RefreshToken); err != nil {
				fail("encrypting refresh token: %v", err)
				return
			}
		} else {
			link.RefreshTokenEncrypted = existing.RefreshTokenEncrypted
		}
		if !tokens.Expiry.IsZero() {
			expiry := tokens.Expiry.UTC()
			link.Expiry = &expiry
		}

		if email, err := client.Identity(c.Request.Context(), tokens.AccessToken); err != nil {
			logx.Warnf("%s identity lookup failed: %v", name, err)
		} else if email != "" {
			link.Email = &email
		}

		if _, err := store.UpsertDriveLink(link); err != nil {
			if errors.Is(err, db.ErrUserNotFound) {
				fail("user %s no longer exists", userID)
				return
			}
			fail("saving drive link: %v", err)
			return
		}

		logx.Infof("%s drive linked for user %s", name, userID)
		c.Redirect(http.StatusFound, frontendURL+"/dashboard")
	}
}
