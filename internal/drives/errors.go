package drives

import (
	"errors"
	"fmt"

	"github.com/multisourcesearch/mss/internal/crypto"
	"github.com/multisourcesearch/mss/internal/provider"
)

// ErrDriveNotLinked is returned by the gateway when the user has no link
// for the provider at action time. Callers should ask for a reconnect.
var ErrDriveNotLinked = errors.New("drive not linked")

// Kind classifies why a link could not be refreshed or used.
type Kind int

const (
	// NoRefreshToken: the stored refresh token is empty.
	NoRefreshToken Kind = iota + 1
	// ProviderRejected: the token endpoint answered with a non-success status.
	ProviderRejected
	// ProviderNetwork: the token endpoint could not be reached in time.
	ProviderNetwork
	// CipherFailure: a stored token could not be decrypted or encrypted.
	CipherFailure
	// ProviderUnavailable: the provider has no client credentials configured.
	ProviderUnavailable
)

func (k Kind) String() string {
	switch k {
	case NoRefreshToken:
		return "no_refresh_token"
	case ProviderRejected:
		return "provider_rejected"
	case ProviderNetwork:
		return "provider_network"
	case CipherFailure:
		return "cipher_failure"
	case ProviderUnavailable:
		return "provider_unavailable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Failure is a tagged refresh or access failure for one drive link.
type Failure struct {
	Kind     Kind
	Provider provider.Name
	// StatusCode is the token endpoint status for ProviderRejected.
	StatusCode int
	Err        error
}

func (f *Failure) Error() string {
	if f.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %v", f.Provider, f.Kind, f.StatusCode, f.Err)
	}
	return fmt.Sprintf("%s: %s: %v", f.Provider, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// classifyRefresh maps a provider client error to a Failure.
func classifyRefresh(name provider.Name, err error) *Failure {
	f := &Failure{Kind: ProviderRejected, Provider: name, Err: err}
	var refreshErr *provider.RefreshError
	if errors.As(err, &refreshErr) {
		f.StatusCode = refreshErr.StatusCode
	}
	switch {
	case errors.Is(err, provider.ErrNetwork):
		f.Kind = ProviderNetwork
	case errors.Is(err, crypto.ErrCipherFailure):
		f.Kind = CipherFailure
	}
	return f
}

// NeedsReconnect reports whether err means the user must link the drive again.
func NeedsReconnect(err error) bool {
	if errors.Is(err, ErrDriveNotLinked) {
		return true
	}
	var f *Failure
	return errors.As(err, &f) && (f.Kind == CipherFailure || f.Kind == NoRefreshToken)
}
