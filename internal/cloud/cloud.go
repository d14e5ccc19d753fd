// Package cloud performs file operations on a user's linked drive with an
// already-fresh access token.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/multisourcesearch/mss/internal/provider"
)

// Sentinel errors for provider file API failures.
var (
	ErrUnsupported  = errors.New("cloud: operation not supported by provider")
	ErrUnauthorized = errors.New("cloud: unauthorized")
	ErrNotFound     = errors.New("cloud: not found")
	ErrServer       = errors.New("cloud: provider error")
)

// APIError carries the HTTP status of a failed file API call.
type APIError struct {
	Provider   provider.Name
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthorized
	case code == http.StatusNotFound:
		return ErrNotFound
	default:
		return ErrServer
	}
}

// File is the content handed to Upload.
type File struct {
	Name     string
	MimeType string
	Content  io.Reader
}

// RemoteFile describes an uploaded file on the provider side.
type RemoteFile struct {
	ID           string
	ViewURL      string
	ThumbnailURL string
}

// Files is the file API of one provider.
type Files interface {
	Upload(ctx context.Context, accessToken string, f File) (*RemoteFile, error)
	Delete(ctx context.Context, accessToken, remoteID string) error
	// Thumbnail returns "" when the provider has no thumbnail for the file.
	Thumbnail(ctx context.Context, accessToken, remoteID string) (string, error)
}

// Options configures the provider file clients.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	// Endpoint overrides, used by tests.
	GoogleEndpoint string
	GraphURL       string
}

// ForProviders returns a file client for every supported provider.
func ForProviders(opts Options) map[provider.Name]Files {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 2 * provider.DefaultTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return map[provider.Name]Files{
		provider.Google:   NewGoogleDrive(opts.HTTPClient, opts.GoogleEndpoint),
		provider.OneDrive: NewOneDrive(opts.HTTPClient, opts.GraphURL, opts.Logger),
		provider.Dropbox:  unsupported{name: provider.Dropbox},
	}
}

// unsupported is the file API of a provider that only supports linking.
type unsupported struct {
	name provider.Name
}

func (u unsupported) Upload(context.Context, string, File) (*RemoteFile, error) {
	return nil, fmt.Errorf("%s upload: %w", u.name, ErrUnsupported)
}

func (u unsupported) Delete(context.Context, string, string) error {
	return fmt.Errorf("%s delete: %w", u.name, ErrUnsupported)
}

func (u unsupported) Thumbnail(context.Context, string, string) (string, error) {
	return "", nil
}
