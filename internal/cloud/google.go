package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/multisourcesearch/mss/internal/provider"
	"github.com/multisourcesearch/mss/internal/version"
)

// GoogleDrive uses the Drive v3 API.
type GoogleDrive struct {
	httpClient *http.Client
	endpoint   string
}

func NewGoogleDrive(hc *http.Client, endpoint string) *GoogleDrive {
	return &GoogleDrive{httpClient: hc, endpoint: endpoint}
}

func (g *GoogleDrive) service(ctx context.Context, accessToken string) (*drive.Service, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))

	opts := []option.ClientOption{option.WithHTTPClient(hc), option.WithUserAgent(version.UserAgent())}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return svc, nil
}

func (g *GoogleDrive) Upload(ctx context.Context, accessToken string, f File) (*RemoteFile, error) {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	created, err := svc.Files.Create(&drive.File{Name: f.Name, MimeType: f.MimeType}).
		Media(f.Content, googleapi.ContentType(f.MimeType)).
		Fields("id", "webViewLink", "thumbnailLink").
		Context(ctx).
		Do()
	if err != nil {
		return nil, googleError("upload", err)
	}
	return &RemoteFile{ID: created.Id, ViewURL: created.WebViewLink, ThumbnailURL: created.ThumbnailLink}, nil
}

func (g *GoogleDrive) Delete(ctx context.Context, accessToken, remoteID string) error {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return err
	}
	if err := svc.Files.Delete(remoteID).Context(ctx).Do(); err != nil {
		return googleError("delete", err)
	}
	return nil
}

func (g *GoogleDrive) Thumbnail(ctx context.Context, accessToken, remoteID string) (string, error) {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	f, err := svc.Files.Get(remoteID).Fields("thumbnailLink").Context(ctx).Do()
	if err != nil {
		return "", googleError("thumbnail", err)
	}
	return f.ThumbnailLink, nil
}

func googleError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("google %s: %w", op, &APIError{
			Provider:   provider.Google,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Err:        classifyStatus(apiErr.Code),
		})
	}
	return fmt.Errorf("google %s: %w", op, err)
}
