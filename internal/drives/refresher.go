// Package drives keeps a user's linked drives usable: it refreshes expired
// access tokens before requests touch them and drops links that can no longer
// be refreshed.
package drives

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/multisourcesearch/mss/internal/provider"
	"github.com/multisourcesearch/mss/internal/server/db"
)

// LinkStore is the persistence the refresher needs. *db.Store implements it.
type LinkStore interface {
	FindDriveLinks(userID string) ([]db.DriveLink, error)
	FindDriveLink(userID, provider string) (*db.DriveLink, error)
	UpdateDriveLink(id string, upd db.DriveLinkUpdate) (bool, error)
	DeleteDriveLink(id string) (bool, error)
}

// TokenCipher encrypts tokens at rest. *crypto.Cipher implements it.
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// TokenRefresher exchanges a refresh token at a provider token endpoint.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*provider.TokenSet, error)
}

// Clients resolves the token client of a provider.
type Clients func(name provider.Name) (TokenRefresher, error)

// FromRegistry adapts a provider registry to Clients.
func FromRegistry(r *provider.Registry) Clients {
	return func(name provider.Name) (TokenRefresher, error) {
		c, err := r.Client(name)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// FailurePolicy decides what happens to a link whose refresh failed.
type FailurePolicy int

const (
	// DeleteOnFailure removes the link on every refresh failure.
	DeleteOnFailure FailurePolicy = iota
	// KeepOnNetworkError keeps links whose token endpoint was unreachable and
	// retries them on the next request. Other failures still delete.
	KeepOnNetworkError
)

// Action is what a refresh pass did with one link.
type Action string

const (
	ActionFresh     Action = "fresh"
	ActionRefreshed Action = "refreshed"
	ActionDeleted   Action = "deleted"
	ActionKept      Action = "kept"
	ActionSkipped   Action = "skipped"
)

// Outcome reports the result of a refresh pass for one link.
type Outcome struct {
	LinkID   string
	Provider provider.Name
	Action   Action
	Expiry   *time.Time
	Err      error
}

// Refresher refreshes expired drive links.
type Refresher struct {
	store   LinkStore
	clients Clients
	cipher  TokenCipher
	logger  *slog.Logger
	policy  FailurePolicy
	now     func() time.Time

	// flights de-duplicates concurrent refreshes of the same link.
	flights singleflight.Group
}

// Option customizes a Refresher.
type Option func(*Refresher)

func WithLogger(l *slog.Logger) Option {
	return func(r *Refresher) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithPolicy(p FailurePolicy) Option {
	return func(r *Refresher) { r.policy = p }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) { r.now = now }
}

func NewRefresher(store LinkStore, clients Clients, cipher TokenCipher, opts ...Option) *Refresher {
	r := &Refresher{
		store:   store,
		clients: clients,
		cipher:  cipher,
		logger:  slog.Default(),
		policy:  DeleteOnFailure,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureFresh refreshes every expired link of userID. It never fails: link
// failures are handled per the failure policy and store errors are logged.
func (r *Refresher) EnsureFresh(ctx context.Context, userID string) {
	r.RefreshUser(ctx, userID)
}

// RefreshUser is EnsureFresh with a per-link report.
func (r *Refresher) RefreshUser(ctx context.Context, userID string) []Outcome {
	links, err := r.store.FindDriveLinks(userID)
	if err != nil {
		r.logger.Error("loading drive links", slog.String("user", userID), slog.String("error", err.Error()))
		return nil
	}

	out := make([]Outcome, 0, len(links))
	for i := range links {
		link := &links[i]
		if link.UserID != userID {
			continue
		}
		if !r.expired(link) {
			out = append(out, Outcome{
				LinkID:   link.ID,
				Provider: provider.Name(link.Provider),
				Action:   ActionFresh,
				Expiry:   link.Expiry,
			})
			continue
		}
		out = append(out, r.refreshShared(ctx, link))
	}
	return out
}

// expired treats a link without a recorded expiry as fresh.
func (r *Refresher) expired(link *db.DriveLink) bool {
	return link.Expiry != nil && r.now().After(*link.Expiry)
}

// refreshShared runs one refresh per link at a time. A started refresh runs
// to completion even when the caller goes away; the provider client's own
// timeout bounds it.
func (r *Refresher) refreshShared(ctx context.Context, link *db.DriveLink) Outcome {
	detached := context.WithoutCancel(ctx)
	v, _, _ := r.flights.Do(link.ID, func() (any, error) {
		return r.refreshLink(detached, link.UserID, link.Provider), nil
	})
	return v.(Outcome)
}

func (r *Refresher) refreshLink(ctx context.Context, userID, providerName string) Outcome {
	name := provider.Name(providerName)
	log := r.logger.With(slog.String("user", userID), slog.String("provider", providerName))

	// Re-read inside the flight: an earlier flight may already have
	// refreshed or removed the link.
	link, err := r.store.FindDriveLink(userID, providerName)
	if err != nil {
		log.Error("reloading drive link", slog.String("error", err.Error()))
		return Outcome{Provider: name, Action: ActionKept, Err: err}
	}
	if link == nil {
		return Outcome{Provider: name, Action: ActionDeleted}
	}
	if !r.expired(link) {
		return Outcome{LinkID: link.ID, Provider: name, Action: ActionRefreshed, Expiry: link.Expiry}
	}

	upd, fail := r.exchange(ctx, link)
	if fail == nil {
		ok, err := r.store.UpdateDriveLink(link.ID, *upd)
		if err != nil {
			log.Error("saving refreshed tokens", slog.String("error", err.Error()))
			return Outcome{LinkID: link.ID, Provider: name, Action: ActionKept, Err: err}
		}
		if !ok {
			return Outcome{LinkID: link.ID, Provider: name, Action: ActionDeleted}
		}
		expiry := link.Expiry
		if upd.Expiry != nil {
			expiry = upd.Expiry
		}
		log.Debug("drive token refreshed")
		return Outcome{LinkID: link.ID, Provider: name, Action: ActionRefreshed, Expiry: expiry}
	}

	attrs := []any{slog.String("kind", fail.Kind.String()), slog.String("error", fail.Error())}
	if r.keep(fail) {
		log.Warn("drive refresh failed, keeping link", attrs...)
		return Outcome{LinkID: link.ID, Provider: name, Action: r.keptAction(fail), Expiry: link.Expiry, Err: fail}
	}

	log.Warn("drive refresh failed, removing link", attrs...)
	if _, err := r.store.DeleteDriveLink(link.ID); err != nil {
		log.Error("removing drive link", slog.String("error", err.Error()))
		return Outcome{LinkID: link.ID, Provider: name, Action: ActionKept, Err: errors.Join(fail, err)}
	}
	return Outcome{LinkID: link.ID, Provider: name, Action: ActionDeleted, Err: fail}
}

// exchange performs one provider refresh and returns the encrypted update.
func (r *Refresher) exchange(ctx context.Context, link *db.DriveLink) (*db.DriveLinkUpdate, *Failure) {
	name := provider.Name(link.Provider)

	client, err := r.clients(name)
	if err != nil {
		return nil, &Failure{Kind: ProviderUnavailable, Provider: name, Err: err}
	}

	refreshToken, err := r.cipher.Decrypt(link.RefreshTokenEncrypted)
	if err != nil {
		return nil, &Failure{Kind: CipherFailure, Provider: name, Err: fmt.Errorf("decrypting refresh token: %w", err)}
	}
	if refreshToken == "" {
		return nil, &Failure{Kind: NoRefreshToken, Provider: name, Err: errors.New("no refresh token stored")}
	}

	set, err := client.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, classifyRefresh(name, err)
	}

	access, err := r.cipher.Encrypt(set.AccessToken)
	if err != nil {
		return nil, &Failure{Kind: CipherFailure, Provider: name, Err: fmt.Errorf("encrypting access token: %w", err)}
	}
	upd := &db.DriveLinkUpdate{AccessTokenEncrypted: &access}

	if set.RefreshToken != "" {
		rotated, err := r.cipher.Encrypt(set.RefreshToken)
		if err != nil {
			return nil, &Failure{Kind: CipherFailure, Provider: name, Err: fmt.Errorf("encrypting refresh token: %w", err)}
		}
		upd.RefreshTokenEncrypted = &rotated
	}
	if !set.Expiry.IsZero() {
		expiry := set.Expiry.UTC()
		upd.Expiry = &expiry
	}
	return upd, nil
}

func (r *Refresher) keep(f *Failure) bool {
	switch f.Kind {
	case ProviderUnavailable:
		return true
	case ProviderNetwork:
		return r.policy == KeepOnNetworkError
	}
	return false
}

func (r *Refresher) keptAction(f *Failure) Action {
	if f.Kind == ProviderUnavailable {
		return ActionSkipped
	}
	return ActionKept
}
