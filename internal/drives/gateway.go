package drives

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/multisourcesearch/mss/internal/cloud"
	"github.com/multisourcesearch/mss/internal/provider"
	"github.com/multisourcesearch/mss/internal/server/db"
)

// FreshDrive is a drive link whose access token was validated just now.
type FreshDrive struct {
	Link        *db.DriveLink
	AccessToken string
}

// Gateway runs provider file actions with a just-refreshed token.
type Gateway struct {
	refresher *Refresher
	files     map[provider.Name]cloud.Files
}

func NewGateway(r *Refresher, files map[provider.Name]cloud.Files) *Gateway {
	return &Gateway{refresher: r, files: files}
}

// Refresher returns the refresher the gateway runs before every action.
func (g *Gateway) Refresher() *Refresher { return g.refresher }

// WithFreshDrive refreshes the user's links, then loads and decrypts the
// link for name. It fails with ErrDriveNotLinked when the link is gone.
func (g *Gateway) WithFreshDrive(ctx context.Context, userID string, name provider.Name) (*FreshDrive, error) {
	g.refresher.EnsureFresh(ctx, userID)

	link, err := g.refresher.store.FindDriveLink(userID, string(name))
	if err != nil {
		return nil, fmt.Errorf("loading %s drive: %w", name, err)
	}
	if link == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrDriveNotLinked)
	}

	token, err := g.refresher.cipher.Decrypt(link.AccessTokenEncrypted)
	if err != nil {
		g.refresher.logger.Warn("stored access token unreadable",
			slog.String("user", userID),
			slog.String("provider", string(name)),
		)
		return nil, &Failure{Kind: CipherFailure, Provider: name, Err: err}
	}
	if token == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrDriveNotLinked)
	}
	return &FreshDrive{Link: link, AccessToken: token}, nil
}

func (g *Gateway) filesFor(name provider.Name) (cloud.Files, error) {
	f, ok := g.files[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, cloud.ErrUnsupported)
	}
	return f, nil
}

// Upload stores f on the user's drive for name.
func (g *Gateway) Upload(ctx context.Context, userID string, name provider.Name, f cloud.File) (*cloud.RemoteFile, *db.DriveLink, error) {
	files, err := g.filesFor(name)
	if err != nil {
		return nil, nil, err
	}
	drive, err := g.WithFreshDrive(ctx, userID, name)
	if err != nil {
		return nil, nil, err
	}
	rf, err := files.Upload(ctx, drive.AccessToken, f)
	if err != nil {
		return nil, nil, err
	}
	return rf, drive.Link, nil
}

// Delete removes a remote file from the user's drive for name.
func (g *Gateway) Delete(ctx context.Context, userID string, name provider.Name, remoteID string) error {
	files, err := g.filesFor(name)
	if err != nil {
		return err
	}
	drive, err := g.WithFreshDrive(ctx, userID, name)
	if err != nil {
		return err
	}
	return files.Delete(ctx, drive.AccessToken, remoteID)
}

// Thumbnail returns a thumbnail URL for a remote file, or "" when there is none.
func (g *Gateway) Thumbnail(ctx context.Context, userID string, name provider.Name, remoteID string) (string, error) {
	files, err := g.filesFor(name)
	if err != nil {
		return "", err
	}
	drive, err := g.WithFreshDrive(ctx, userID, name)
	if err != nil {
		return "", err
	}
	return files.Thumbnail(ctx, drive.AccessToken, remoteID)
}
