package drives

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multisourcesearch/mss/internal/crypto"
	"github.com/multisourcesearch/mss/internal/provider"
	"github.com/multisourcesearch/mss/internal/server/db"
)

type fakeClient struct {
	calls   atomic.Int32
	gotRT   atomic.Value
	refresh func(ctx context.Context, rt string) (*provider.TokenSet, error)
}

func (f *fakeClient) Refresh(ctx context.Context, rt string) (*provider.TokenSet, error) {
	f.calls.Add(1)
	f.gotRT.Store(rt)
	return f.refresh(ctx, rt)
}

func returns(set provider.TokenSet) *fakeClient {
	return &fakeClient{refresh: func(context.Context, string) (*provider.TokenSet, error) {
		s := set
		return &s, nil
	}}
}

func fails(err error) *fakeClient {
	return &fakeClient{refresh: func(context.Context, string) (*provider.TokenSet, error) {
		return nil, err
	}}
}

func rejected(name provider.Name, status int) error {
	return &provider.RefreshError{Provider: name, StatusCode: status, Err: provider.ErrRejected, Cause: errors.New("invalid_grant")}
}

func networkDown(name provider.Name) error {
	return &provider.RefreshError{Provider: name, Err: provider.ErrNetwork, Cause: context.DeadlineExceeded}
}

type fixture struct {
	t       *testing.T
	store   *db.Store
	cipher  *crypto.Cipher
	clients map[provider.Name]*fakeClient
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := db.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c, err := crypto.NewCipher("test-encryption-secret")
	require.NoError(t, err)

	return &fixture{
		t:       t,
		store:   store,
		cipher:  c,
		clients: map[provider.Name]*fakeClient{},
		now:     time.Now().UTC(),
	}
}

func (f *fixture) lookup(name provider.Name) (TokenRefresher, error) {
	c, ok := f.clients[name]
	if !ok {
		return nil, provider.ErrNotConfigured
	}
	return c, nil
}

func (f *fixture) refresher(opts ...Option) *Refresher {
	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	return NewRefresher(f.store, f.lookup, f.cipher, opts...)
}

func (f *fixture) user(name string) *db.User {
	f.t.Helper()
	u := &db.User{Username: name, Email: name + "@example.com", PasswordHash: "x"}
	require.NoError(f.t, f.store.CreateUser(u))
	return u
}

func (f *fixture) encrypt(s string) string {
	f.t.Helper()
	out, err := f.cipher.Encrypt(s)
	require.NoError(f.t, err)
	return out
}

func (f *fixture) decrypt(s string) string {
	f.t.Helper()
	out, err := f.cipher.Decrypt(s)
	require.NoError(f.t, err)
	return out
}

// link stores a drive link; a nil expiry means "unknown".
func (f *fixture) link(userID string, name provider.Name, expiry *time.Time, access, refresh string) *db.DriveLink {
	f.t.Helper()
	l, err := f.store.UpsertDriveLink(&db.DriveLink{
		UserID:                userID,
		Provider:              string(name),
		AccessTokenEncrypted:  f.encrypt(access),
		RefreshTokenEncrypted: f.encrypt(refresh),
		Expiry:                expiry,
	})
	require.NoError(f.t, err)
	return l
}

func (f *fixture) find(userID string, name provider.Name) *db.DriveLink {
	f.t.Helper()
	l, err := f.store.FindDriveLink(userID, string(name))
	require.NoError(f.t, err)
	return l
}

func (f *fixture) at(d time.Duration) *time.Time {
	t := f.now.Add(d)
	return &t
}

func TestEnsureFresh_NoLinks(t *testing.T) {
	f := newFixture(t)
	u := f.user("alice")
	f.clients[provider.Google] = returns(provider.TokenSet{AccessToken: "AT2"})

	out := f.refresher().RefreshUser(context.Background(), u.ID)
	assert.Empty(t, out)
	assert.Zero(t, f.clients[provider.Google].calls.Load())
}

func TestEnsureFresh_ExpiryGate(t *testing.T) {
	cases := []struct {
		name      string
		expiry    func(f *fixture) *time.Time
		wantCalls int32
	}{
		{"past", func(f *fixture) *time.Time { return f.at(-time.Minute) }, 1},
		{"future", func(f *fixture) *time.Time { return f.at(time.Minute) }, 0},
		{"unknown", func(f *fixture) *time.Time { return nil }, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			u := f.user("alice")
			client := returns(provider.TokenSet{AccessToken: "AT2", Expiry: f.now.Add(time.Hour)})
			f.clients[provider.Google] = client
			f.link(u.ID, provider.Google, tc.expiry(f), "AT1", "RT1")

			f.refresher().EnsureFresh(context.Background(), u.ID)

			assert.Equal(t, tc.wantCalls, client.calls.Load())
		})
	}
}

func TestEnsureFresh_ScenarioA_RetainsRefreshToken(t *testing.T) {
	f := newFixture(t)
	u := f.user("alice")
	client := returns(provider.TokenSet{AccessToken: "AT2", Expiry: f.now.Add(time.Hour)})
	f.clients[provider.Google] = client
	before := f.link(u.ID, provider.Google, f.at(-time.Hour), "AT1", "RT1")

	out := f.refresher().RefreshUser(context.Background(), u.ID)
	require.Len(t, out, 1)
	assert.Equal(t, ActionRefreshed, out[0].Action)
	assert.NoError(t, out[0].Err)

	after := f.find(u.ID, provider.Google)
	require.NotNil(t, after)
	assert.Equal(t, before.ID, after.ID, "refresh updates the row in place")
	assert.Equal(t, "AT2", f.decrypt(after.AccessTokenEncrypted))
	assert.Equal(t, "RT1", f.decrypt(after.RefreshTokenEncrypted))
	require.NotNil(t, after.Expiry)
	assert.WithinDuration(t, f.now.Add(time.Hour), *after.Expiry, time.Second)
	assert.Equal(t, "RT1", client.gotRT.Load())
}

func TestEnsureFresh_StoresRotatedRefreshToken(t *testing.T) {
	f := newFixture(t)
	u := f.user("alice")
	f.clients[provider.OneDrive] = returns(provider.TokenSet{AccessToken: "AT2", RefreshToken: "RT2", Expiry: f.now.Add(time.Hour)})
	f.link(u.ID, provider.OneDrive, f.at(-time.Second), "AT1", "RT1")

	f.refresher().EnsureFresh(context.Background(), u.ID)

	after := f.find(u.ID, provider.OneDrive)
	require.NotNil(t, after)
	assert.Equal(t, "RT2", f.decrypt(after.RefreshTokenEncrypted))
}

func TestEnsureFresh_KeepsExpiryWhenNotReturned(t *testing.T) {
	f := newFixture(t)
	u := f.user("alice")
	f.clients[provider.Dropbox] = returns(provider.TokenSet{AccessToken: "AT2"})
	old := f.at(-time.Hour)
	f.link(u.ID, provider.Dropbox, old, "AT1", "RT1")

	f.refresher().EnsureFresh(context.Background(), u.ID)

	after := f.find(u.ID, provider.Dropbox)
	require.NotNil(t, after)
	assert.Equal(t, "AT2", f.decrypt(after.AccessTokenEncrypted))
	require.NotNil(t, after.Expiry)
	assert.WithinDuration(t, *old, *after.Expiry, time.Second)
}

func TestEnsureFresh_ScenarioB_RejectedLinkDeleted(t *testing.T) {
	f := newFixture(t)
	u := f.user("alice")
	f.clients[provider.OneDrive] = fails(rejected(provider.OneDrive, http.StatusBadRequest))
	f.link(u.ID, provider.OneDrive, f.at(-time.Hour), "AT1", "RT1")

	r := f.refresher()
	out := r.RefreshUser(context.Background(), u.ID)
	require.Len(t, out, 1)
	assert.Equal(t, ActionDeleted, out[0].Action)

	var fail *Failure
	require.ErrorAs(t, out[0].Err, &fail)
	assert.Equal(t, ProviderRejected, fail.Kind)
	assert.Equal(t, http.StatusBadRequest, fail.StatusCode)

	assert.Nil(t, f.find(u.ID, provider.OneDrive))

	gw := NewGateway(r, nil)
	_, err := gw.WithFreshDrive(context.Background(), u.ID, provider.OneDrive)
	assert.ErrorIs(t, err, ErrDriveNotLinked)
	assert.True(t, NeedsReconnect(err))
}

func TestEnsureFresh_FailureDoesNotStopOtherLinks(t *testing.T) {
	f := newFixture(t)
	u := f.user("alice")
	f.clients[provider.Google] = fails(rejected(provider.Google, http.StatusUnauthorized))
	onedrive := returns(provider.TokenSet{AccessToken: "OD2", Expiry: f.now.Add(time.Hour)})
	f.clients[provider.OneDrive] = onedrive
	f.link(u.ID, provider.Google, f.at(-time.Hour), "G1", "GR1")
	f.link(u.ID, provider.OneDrive, f.at(-time.Hour), "OD1", "ODR1")

	f.refresher().EnsureFresh(context.Background(), u.ID)

	assert.Nil(t, f.find(u.ID, provider.Google))
	od := f.find(u.ID, provider.OneDrive)
	require.NotNil(t, od)
	assert.Equal(t, "OD2", f.decrypt(od.AccessTokenEncrypted))
	assert.Equal(t, int32(1), onedrive.calls.Load())
}

func TestEnsureFresh_ScenarioC_OnlyExpiredRefreshed(t *testing.T) {
	f := newFixture(t)
	u := f.user("alice")
	google := returns(provider.TokenSet{AccessToken: "G2", Expiry: f.now.Add(time.Hour)})
	onedrive := returns(provider.TokenSet{AccessToken: "OD2", Expiry: f.now.Add(time.Hour)})
	f.clients[provider.Google] = google
	f.clients[provider.OneDrive] = onedrive
	f.link(u.ID, provider.Google, f.at(-time.Hour), "G1", "GR1")
	f.link(u.ID, provider.OneDrive, f.at(time.Hour), "OD1", "ODR1")

	out := f.refresher().RefreshUser(context.Background(), u.ID)

	assert.Equal(t, int32(1), google.calls.Load())
	assert.Zero(t, onedrive.calls.Load())

	actions := map[provider.Name]Action{}
	for _, o := range out {
		actions[o.Provider] = o.Action
	}
	assert.Equal(t, map[provider.Name]Action{
		provider.Google:   ActionRefreshed,
		provider.OneDrive: ActionFresh,
	}, actions)
}

func TestEnsureFresh_IsolatedPerUser(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice")
	bob := f.user("bob")
	client := fails(rejected(provider.Google, http.StatusBadRequest))
	f.clients[provider.Google] = client
	f.link(alice.ID, provider.Google, nil, "A1", "AR1")
	f.link(bob.ID, provider.Google, f.at(-time.Hour), "B1", "BR1")

	f.refresher().EnsureFresh(context.Background(), alice.ID)

	assert.Zero(t, client.calls.Load())
	assert.NotNil(t, f.find(bob.ID, provider.Google), "another user's expired link must be untouched")
}

func TestEnsureFresh_UndecryptableRefreshToken(t *testing.T) {
	f := newFixture(t)
	u := f.user("alice")
	client := returns(provider.TokenSet{AccessToken: "AT2"})
	f.clients[provider.Google] = client

	l := f.link(u.ID, provider.Google, f.at(-time.Hour), "AT1", "RT1")
	garbage := "not-a-ciphertext"
	_, err := f.store.UpdateDriveLink(l.ID, db.DriveLinkUpdate{RefreshTokenEncrypted: &garbage})
	require.NoError(t, err)

	out := f.refresher().RefreshUser(context.Background(), u.ID)
	require.Len(t, out, 1)
	assert.Equal(t, ActionDeleted, out[0].Action)

	var fail *Failure
	require.ErrorAs(t, out[0].Err, &fail)
	assert.Equal(t, CipherFailure, fail.Kind)
	assert.ErrorIs(t, out[0].Err, crypto.ErrCipherFailure)
	assert.Zero(t, client.calls.Load())
	assert.Nil(t, f.find(u.ID, provider.Google))
}

func TestEnsureFresh_EmptyRefreshToken(t *testing.T) {
	f := newFixture(t)
	u := f.user("alice")
	f.clients[provider.Google] = returns(provider.TokenSet{AccessToken: "AT2"})
	f.link(u.ID, provider.Google, f.at(-time.Hour), "AT1", "")

	out := f.refresher().RefreshUser(context.Background(), u.ID)
	require.Len(t, out, 1)

	var fail *Failure
	require.ErrorAs(t, out[0].Err, &fail)
	assert.Equal(t, NoRefreshToken, fail.Kind)
	assert.Nil(t, f.find(u.ID, provider.Google))
}

func TestEnsureFresh_NetworkErrorPolicy(t *testing.T) {
	t.Run("default deletes", func(t *testing.T) {
		f := newFixture(t)
		u := f.user("alice")
		f.clients[provider.Google] = fails(networkDown(provider.Google))
		f.link(u.ID, provider.Google, f.at(-time.Hour), "AT1", "RT1")

		f.refresher().EnsureFresh(context.Background(), u.ID)
		assert.Nil(t, f.find(u.ID, provider.Google))
	})

	t.Run("keep on network error", func(t *testing.T) {
		f := newFixture(t)
		u := f.user("alice")
		f.clients[provider.Google] = fails(networkDown(provider.Google))
		f.clients[provider.OneDrive] = fails(rejected(provider.OneDrive, http.StatusBadRequest))
		f.link(u.ID, provider.Google, f.at(-time.Hour), "AT1", "RT1")
		f.link(u.ID, provider.OneDrive, f.at(-time.Hour), "OD1", "ODR1")

		out := f.refresher(WithPolicy(KeepOnNetworkError)).RefreshUser(context.Background(), u.ID)
		require.Len(t, out, 2)

		kept := f.find(u.ID, provider.Google)
		require.NotNil(t, kept)
		assert.Equal(t, "RT1", f.decrypt(kept.RefreshTokenEncrypted))
		assert.Nil(t, f.find(u.ID, provider.OneDrive), "rejections still delete")
	})
}

func TestEnsureFresh_UnconfiguredProviderSkipped(t *testing.T) {
	f := newFixture(t)
	u := f.user("alice")
	f.link(u.ID, provider.Dropbox, f.at(-time.Hour), "AT1", "RT1")

	out := f.refresher().RefreshUser(context.Background(), u.ID)
	require.Len(t, out, 1)
	assert.Equal(t, ActionSkipped, out[0].Action)
	assert.NotNil(t, f.find(u.ID, provider.Dropbox))
}

type brokenStore struct {
	LinkStore
}

func (brokenStore) FindDriveLinks(string) ([]db.DriveLink, error) {
	return nil, errors.New("database is locked")
}

func TestEnsureFresh_StoreErrorIsAbsorbed(t *testing.T) {
	f := newFixture(t)
	r := NewRefresher(brokenStore{}, f.lookup, f.cipher)

	assert.NotPanics(t, func() { r.EnsureFresh(context.Background(), "user-1") })
	assert.Nil(t, r.RefreshUser(context.Background(), "user-1"))
}

func TestEnsureFresh_ConcurrentRefreshIsShared(t *testing.T) {
	f := newFixture(t)
	u := f.user("alice")

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	client := &fakeClient{refresh: func(context.Context, string) (*provider.TokenSet, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return &provider.TokenSet{AccessToken: "AT2", RefreshToken: "RT2", Expiry: f.now.Add(time.Hour)}, nil
	}}
	f.clients[provider.OneDrive] = client
	f.link(u.ID, provider.OneDrive, f.at(-time.Hour), "AT1", "RT1")

	r := f.refresher()
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.EnsureFresh(context.Background(), u.ID)
		}()
	}

	<-started
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), client.calls.Load())
	after := f.find(u.ID, provider.OneDrive)
	require.NotNil(t, after)
	assert.Equal(t, "RT2", f.decrypt(after.RefreshTokenEncrypted))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "provider_rejected", ProviderRejected.String())
	assert.Equal(t, "cipher_failure", CipherFailure.String())
	assert.Equal(t, "kind(0)", Kind(0).String())
}

func TestRefreshUser_CallerCancelDoesNotAbortRefresh(t *testing.T) {
	f := newFixture(t)
	u := f.user("alice")
	f.link(u.ID, provider.OneDrive, f.at(-time.Hour), "AT1", "RT1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"AT2","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(srv.Close)

	client := provider.NewClient(provider.OneDrive,
		provider.Credentials{ClientID: "id", ClientSecret: "secret", RedirectURL: "http://localhost/cb"},
		provider.WithTokenURL(provider.OneDrive, srv.URL),
		provider.WithTimeout(5*time.Second),
	)
	clients := func(provider.Name) (TokenRefresher, error) { return client, nil }
	r := NewRefresher(f.store, clients, f.cipher, WithClock(func() time.Time { return f.now }))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	outcomes := r.RefreshUser(ctx, u.ID)

	require.Len(t, outcomes, 1)
	assert.Equal(t, ActionRefreshed, outcomes[0].Action)
	assert.NoError(t, outcomes[0].Err)

	l := f.find(u.ID, provider.OneDrive)
	require.NotNil(t, l, "link must survive the caller going away")
	assert.Equal(t, "AT2", f.decrypt(l.AccessTokenEncrypted))
	assert.Equal(t, "RT1", f.decrypt(l.RefreshTokenEncrypted))
}
