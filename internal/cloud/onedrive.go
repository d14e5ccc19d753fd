package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/multisourcesearch/mss/internal/provider"
	"github.com/multisourcesearch/mss/internal/version"
)

const (
	defaultGraphURL = "https://graph.microsoft.com/v1.0"
	uploadFolder    = "Uploads"
)

// OneDrive talks to Microsoft Graph. Uploads use the simple upload API,
// which accepts files up to 4 MB.
type OneDrive struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewOneDrive(hc *http.Client, baseURL string, logger *slog.Logger) *OneDrive {
	if baseURL == "" {
		baseURL = defaultGraphURL
	}
	return &OneDrive{baseURL: strings.TrimRight(baseURL, "/"), httpClient: hc, logger: logger}
}

type driveItem struct {
	ID     string `json:"id"`
	WebURL string `json:"webUrl"`
}

func (o *OneDrive) Upload(ctx context.Context, accessToken string, f File) (*RemoteFile, error) {
	path := fmt.Sprintf("/me/drive/root:/%s/%s:/content", uploadFolder, url.PathEscape(f.Name))

	resp, err := o.do(ctx, http.MethodPut, path, accessToken, f.MimeType, f.Content)
	if err != nil {
		return nil, fmt.Errorf("onedrive upload: %w", err)
	}
	defer resp.Body.Close()

	var item driveItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("onedrive upload: decoding response: %w", err)
	}
	return &RemoteFile{ID: item.ID, ViewURL: item.WebURL}, nil
}

func (o *OneDrive) Delete(ctx context.Context, accessToken, remoteID string) error {
	resp, err := o.do(ctx, http.MethodDelete, "/me/drive/items/"+url.PathEscape(remoteID), accessToken, "", nil)
	if err != nil {
		return fmt.Errorf("onedrive delete: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Thumbnail is not fetched for OneDrive; the dashboard falls back to the file link.
func (o *OneDrive) Thumbnail(context.Context, string, string) (string, error) {
	return "", nil
}

func (o *OneDrive) do(ctx context.Context, method, path, accessToken, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", version.UserAgent())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		o.logger.Debug("graph request succeeded",
			slog.String("method", method),
			slog.Int("status", resp.StatusCode),
		)
		return resp, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()
	return nil, &APIError{
		Provider:   provider.OneDrive,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(msg)),
		Err:        classifyStatus(resp.StatusCode),
	}
}
