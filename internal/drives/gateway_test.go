package drives

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multisourcesearch/mss/internal/cloud"
	"github.com/multisourcesearch/mss/internal/provider"
	"github.com/multisourcesearch/mss/internal/server/db"
)

type recordingFiles struct {
	tokens  []string
	content string
}

func (r *recordingFiles) Upload(_ context.Context, token string, f cloud.File) (*cloud.RemoteFile, error) {
	r.tokens = append(r.tokens, token)
	b, _ := io.ReadAll(f.Content)
	r.content = string(b)
	return &cloud.RemoteFile{ID: "remote-1", ViewURL: "https://drive.test/remote-1"}, nil
}

func (r *recordingFiles) Delete(_ context.Context, token, _ string) error {
	r.tokens = append(r.tokens, token)
	return nil
}

func (r *recordingFiles) Thumbnail(_ context.Context, token, id string) (string, error) {
	r.tokens = append(r.tokens, token)
	return "https://drive.test/" + id + "/thumb", nil
}

func TestWithFreshDrive_RefreshesBeforeUse(t *testing.T) {
	f := newFixture(t)
	u := f.user("alice")
	client := returns(provider.TokenSet{AccessToken: "AT2", Expiry: f.now.Add(time.Hour)})
	f.clients[provider.Google] = client
	f.link(u.ID, provider.Google, f.at(-time.Minute), "AT1", "RT1")

	gw := NewGateway(f.refresher(), nil)
	drive, err := gw.WithFreshDrive(context.Background(), u.ID, provider.Google)
	require.NoError(t, err)

	assert.Equal(t, "AT2", drive.AccessToken)
	assert.Equal(t, string(provider.Google), drive.Link.Provider)
	assert.Equal(t, int32(1), client.calls.Load())
}

func TestWithFreshDrive_NotLinked(t *testing.T) {
	f := newFixture(t)
	u := f.user("alice")

	gw := NewGateway(f.refresher(), nil)
	_, err := gw.WithFreshDrive(context.Background(), u.ID, provider.OneDrive)
	assert.ErrorIs(t, err, ErrDriveNotLinked)
}

func TestWithFreshDrive_UnreadableAccessToken(t *testing.T) {
	f := newFixture(t)
	u := f.user("alice")
	l := f.link(u.ID, provider.Google, nil, "AT1", "RT1")
	garbage := "zz:zz"
	_, err := f.store.UpdateDriveLink(l.ID, db.DriveLinkUpdate{AccessTokenEncrypted: &garbage})
	require.NoError(t, err)

	gw := NewGateway(f.refresher(), nil)
	_, err = gw.WithFreshDrive(context.Background(), u.ID, provider.Google)
	require.Error(t, err)

	var fail *Failure
	require.ErrorAs(t, err, &fail)
	assert.Equal(t, CipherFailure, fail.Kind)
	assert.True(t, NeedsReconnect(err))
}

func TestGateway_Actions(t *testing.T) {
	f := newFixture(t)
	u := f.user("alice")
	f.link(u.ID, provider.Google, f.at(time.Hour), "AT1", "RT1")

	files := &recordingFiles{}
	gw := NewGateway(f.refresher(), map[provider.Name]cloud.Files{provider.Google: files})
	ctx := context.Background()

	rf, link, err := gw.Upload(ctx, u.ID, provider.Google, cloud.File{
		Name:     "a.jpg",
		MimeType: "image/jpeg",
		Content:  strings.NewReader("bytes"),
	})
	require.NoError(t, err)
	assert.Equal(t, "remote-1", rf.ID)
	assert.Equal(t, u.ID, link.UserID)
	assert.Equal(t, "bytes", files.content)

	thumb, err := gw.Thumbnail(ctx, u.ID, provider.Google, "remote-1")
	require.NoError(t, err)
	assert.Equal(t, "https://drive.test/remote-1/thumb", thumb)

	require.NoError(t, gw.Delete(ctx, u.ID, provider.Google, "remote-1"))
	assert.Equal(t, []string{"AT1", "AT1", "AT1"}, files.tokens)
}

func TestGateway_UploadAfterFailedRefresh(t *testing.T) {
	f := newFixture(t)
	u := f.user("alice")
	f.clients[provider.OneDrive] = fails(rejected(provider.OneDrive, http.StatusBadRequest))
	f.link(u.ID, provider.OneDrive, f.at(-time.Hour), "AT1", "RT1")

	files := &recordingFiles{}
	gw := NewGateway(f.refresher(), map[provider.Name]cloud.Files{provider.OneDrive: files})

	_, _, err := gw.Upload(context.Background(), u.ID, provider.OneDrive, cloud.File{Name: "a.jpg", Content: strings.NewReader("x")})
	assert.ErrorIs(t, err, ErrDriveNotLinked)
	assert.Empty(t, files.tokens, "no provider call without a linked drive")
}

func TestGateway_UnsupportedProvider(t *testing.T) {
	f := newFixture(t)
	gw := NewGateway(f.refresher(), map[provider.Name]cloud.Files{})

	err := gw.Delete(context.Background(), "user-1", provider.Dropbox, "x")
	assert.ErrorIs(t, err, cloud.ErrUnsupported)
}
