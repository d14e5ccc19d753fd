package cloud

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multisourcesearch/mss/internal/provider"
)

func TestOneDrive_Upload(t *testing.T) {
	var gotPath, gotType, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"item-1","webUrl":"https://onedrive.test/item-1"}`))
	}))
	t.Cleanup(srv.Close)

	od := NewOneDrive(srv.Client(), srv.URL, slog.Default())
	rf, err := od.Upload(context.Background(), "AT", File{
		Name:     "beach day.jpg",
		MimeType: "image/jpeg",
		Content:  strings.NewReader("jpeg-bytes"),
	})
	require.NoError(t, err)

	assert.Equal(t, "item-1", rf.ID)
	assert.Equal(t, "https://onedrive.test/item-1", rf.ViewURL)
	assert.Equal(t, "/me/drive/root:/Uploads/beach%20day.jpg:/content", gotPath)
	assert.Equal(t, "image/jpeg", gotType)
	assert.Equal(t, "Bearer AT", gotAuth)
	assert.Equal(t, "jpeg-bytes", gotBody)
}

func TestOneDrive_DeleteErrors(t *testing.T) {
	status := http.StatusNoContent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/me/drive/items/item-1", r.URL.Path)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	od := NewOneDrive(srv.Client(), srv.URL, slog.Default())
	require.NoError(t, od.Delete(context.Background(), "AT", "item-1"))

	status = http.StatusNotFound
	err := od.Delete(context.Background(), "AT", "item-1")
	assert.ErrorIs(t, err, ErrNotFound)

	status = http.StatusUnauthorized
	err = od.Delete(context.Background(), "AT", "item-1")
	assert.ErrorIs(t, err, ErrUnauthorized)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, provider.OneDrive, apiErr.Provider)
}

func TestOneDrive_ThumbnailEmpty(t *testing.T) {
	od := NewOneDrive(http.DefaultClient, "", slog.Default())
	url, err := od.Thumbnail(context.Background(), "AT", "item-1")
	require.NoError(t, err)
	assert.Empty(t, url)
}

func TestGoogleDrive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer AT", r.Header.Get("Authorization"))
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/upload/drive/v3/files"):
			_, _ = w.Write([]byte(`{"id":"g-1","webViewLink":"https://drive.test/g-1","thumbnailLink":"https://drive.test/g-1/thumb"}`))
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/files/g-1"):
			_, _ = w.Write([]byte(`{"thumbnailLink":"https://drive.test/g-1/thumb"}`))
		case r.Method == http.MethodDelete && strings.HasSuffix(r.URL.Path, "/files/g-1"):
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"File not found"}}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)

	g := NewGoogleDrive(srv.Client(), srv.URL+"/drive/v3/")
	ctx := context.Background()

	rf, err := g.Upload(ctx, "AT", File{Name: "a.png", MimeType: "image/png", Content: strings.NewReader("png")})
	require.NoError(t, err)
	assert.Equal(t, &RemoteFile{ID: "g-1", ViewURL: "https://drive.test/g-1", ThumbnailURL: "https://drive.test/g-1/thumb"}, rf)

	thumb, err := g.Thumbnail(ctx, "AT", "g-1")
	require.NoError(t, err)
	assert.Equal(t, "https://drive.test/g-1/thumb", thumb)

	require.NoError(t, g.Delete(ctx, "AT", "g-1"))

	err = g.Delete(ctx, "AT", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestForProviders_Dropbox(t *testing.T) {
	files := ForProviders(Options{})
	require.Len(t, files, len(provider.All))

	_, err := files[provider.Dropbox].Upload(context.Background(), "AT", File{Name: "x"})
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, files[provider.Dropbox].Delete(context.Background(), "AT", "x"), ErrUnsupported)
}
