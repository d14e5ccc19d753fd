package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	goauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/multisourcesearch/mss/internal/version"
)

var defaultIdentityURLs = map[Name]string{
	OneDrive: "https://graph.microsoft.com/v1.0",
	Dropbox:  "https://api.dropboxapi.com",
}

// TokenSet is what a provider returned from a token endpoint.
type TokenSet struct {
	AccessToken string
	// RefreshToken is set only when the provider issued a new one; an empty
	// value means "keep the stored refresh token".
	RefreshToken string
	// Expiry is zero when the response carried no expires_in.
	Expiry time.Time
}

// Client talks to one provider's OAuth2 endpoints.
type Client struct {
	name        Name
	config      *oauth2.Config
	httpClient  *http.Client
	timeout     time.Duration
	identityURL string
}

// NewClient builds a client for name with the given app credentials.
func NewClient(name Name, creds Credentials, opts ...Option) *Client {
	c := &Client{
		name: name,
		config: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURL,
			Endpoint:     endpointFor(name),
			Scopes:       scopes[name],
		},
		timeout:     DefaultTimeout,
		identityURL: defaultIdentityURLs[name],
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	return c
}

// Name returns the provider this client serves.
func (c *Client) Name() Name { return c.name }

func (c *Client) withClient(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient), cancel
}

// AuthCodeURL returns the provider consent page URL for state.
func (c *Client) AuthCodeURL(state string) string {
	switch c.name {
	case Google:
		return c.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	case Dropbox:
		return c.config.AuthCodeURL(state, oauth2.SetAuthURLParam("token_access_type", "offline"))
	default:
		return c.config.AuthCodeURL(state)
	}
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code string) (*TokenSet, error) {
	ctx, cancel := c.withClient(ctx)
	defer cancel()

	tok, err := c.config.Exchange(ctx, code)
	if err != nil {
		return nil, classify(c.name, err)
	}
	return &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// Refresh exchanges refreshToken for a new access token with
// grant_type=refresh_token. Failures are *RefreshError.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, errors.New("provider: empty refresh token")
	}

	ctx, cancel := c.withClient(ctx)
	defer cancel()

	// An empty access token forces the token source to refresh immediately.
	tok, err := c.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classify(c.name, err)
	}

	set := &TokenSet{AccessToken: tok.AccessToken, Expiry: tok.Expiry}
	// x/oauth2 copies the old refresh token into the result when the
	// provider omits it; only a different value is a rotation.
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		set.RefreshToken = tok.RefreshToken
	}
	return set, nil
}

// Identity returns the account email shown for a linked drive.
func (c *Client) Identity(ctx context.Context, accessToken string) (string, error) {
	ctx, cancel := c.withClient(ctx)
	defer cancel()

	switch c.name {
	case Google:
		return c.googleIdentity(ctx, accessToken)
	case OneDrive:
		var me struct {
			Mail              string `json:"mail"`
			UserPrincipalName string `json:"userPrincipalName"`
		}
		if err := c.getJSON(ctx, http.MethodGet, c.identityURL+"/me", accessToken, &me); err != nil {
			return "", err
		}
		if me.Mail != "" {
			return me.Mail, nil
		}
		return me.UserPrincipalName, nil
	case Dropbox:
		var account struct {
			Email string `json:"email"`
		}
		if err := c.getJSON(ctx, http.MethodPost, c.identityURL+"/2/users/get_current_account", accessToken, &account); err != nil {
			return "", err
		}
		return account.Email, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownProvider, c.name)
}

func (c *Client) googleIdentity(ctx context.Context, accessToken string) (string, error) {
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	opts := []option.ClientOption{option.WithHTTPClient(hc), option.WithUserAgent(version.UserAgent())}
	if c.identityURL != "" {
		opts = append(opts, option.WithEndpoint(c.identityURL+"/"))
	}

	svc, err := goauth2.NewService(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("create oauth2 service: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("get google user info: %w", err)
	}
	return info.Email, nil
}

func (c *Client) getJSON(ctx context.Context, method, endpoint, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s identity request: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%s identity request: HTTP %d: %s", c.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s identity response: %w", c.name, err)
	}
	return nil
}

// classify turns an x/oauth2 error into a *RefreshError.
func classify(name Name, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &RefreshError{Provider: name, StatusCode: status, Err: ErrRejected, Cause: err}
	}
	if isNetworkError(err) {
		return &RefreshError{Provider: name, Err: ErrNetwork, Cause: err}
	}
	// 2xx with an unusable body (no access_token, bad JSON).
	return &RefreshError{Provider: name, Err: ErrRejected, Cause: err}
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Body read failures are reported as text by x/oauth2.
	return strings.Contains(err.Error(), "cannot fetch token")
}
