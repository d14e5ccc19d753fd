package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const driveColumns = `id, user_id, provider, access_token, refresh_token, expiry, email, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDriveLink(row rowScanner) (*DriveLink, error) {
	var (
		link   DriveLink
		expiry sql.NullTime
		email  sql.NullString
	)
	if err := row.Scan(&link.ID, &link.UserID, &link.Provider,
		&link.AccessTokenEncrypted, &link.RefreshTokenEncrypted,
		&expiry, &email, &link.CreatedAt, &link.UpdatedAt); err != nil {
		return nil, err
	}
	if expiry.Valid {
		t := expiry.Time
		link.Expiry = &t
	}
	if email.Valid {
		e := email.String
		link.Email = &e
	}
	return &link, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// FindDriveLinks returns every drive link owned by userID.
func (s *Store) FindDriveLinks(userID string) ([]DriveLink, error) {
	rows, err := s.db.Query(
		`SELECT `+driveColumns+` FROM drives WHERE user_id = ? ORDER BY provider`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("find drive links: %w", err)
	}
	defer rows.Close()

	var links []DriveLink
	for rows.Next() {
		link, err := scanDriveLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan drive link: %w", err)
		}
		links = append(links, *link)
	}
	return links, rows.Err()
}

// FindDriveLink returns the link for (userID, provider), or nil if none exists.
func (s *Store) FindDriveLink(userID, provider string) (*DriveLink, error) {
	link, err := scanDriveLink(s.db.QueryRow(
		`SELECT `+driveColumns+` FROM drives WHERE user_id = ? AND provider = ?`, userID, provider,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find drive link: %w", err)
	}
	return link, nil
}

// UpsertDriveLink creates the link for (UserID, Provider) or replaces the
// tokens, expiry and email of the existing one. The stored row is returned.
func (s *Store) UpsertDriveLink(link *DriveLink) (*DriveLink, error) {
	id := link.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO drives (id, user_id, provider, access_token, refresh_token, expiry, email)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, provider) DO UPDATE SET
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   expiry = excluded.expiry,
		   email = excluded.email,
		   updated_at = CURRENT_TIMESTAMP`,
		id, link.UserID, link.Provider, link.AccessTokenEncrypted, link.RefreshTokenEncrypted,
		nullTime(link.Expiry), nullString(link.Email),
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("upsert drive link: %w", err)
	}
	stored, err := s.FindDriveLink(link.UserID, link.Provider)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("upsert drive link: row vanished")
	}
	return stored, nil
}

// UpdateDriveLink changes the non-nil fields of upd on the row with the given id.
// Returns false if the row no longer exists.
func (s *Store) UpdateDriveLink(id string, upd DriveLinkUpdate) (bool, error) {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	var args []any
	if upd.AccessTokenEncrypted != nil {
		sets = append(sets, "access_token = ?")
		args = append(args, *upd.AccessTokenEncrypted)
	}
	if upd.RefreshTokenEncrypted != nil {
		sets = append(sets, "refresh_token = ?")
		args = append(args, *upd.RefreshTokenEncrypted)
	}
	if upd.Expiry != nil {
		sets = append(sets, "expiry = ?")
		args = append(args, nullTime(upd.Expiry))
	}
	args = append(args, id)

	res, err := s.db.Exec(`UPDATE drives SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return false, fmt.Errorf("update drive link: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteDriveLink deletes a link by id. Returns true if a row was deleted.
func (s *Store) DeleteDriveLink(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM drives WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete drive link: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteDriveLinkFor removes the user's link to provider (user-initiated disconnect).
func (s *Store) DeleteDriveLinkFor(userID, provider string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM drives WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return false, fmt.Errorf("delete drive link: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
