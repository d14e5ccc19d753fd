package db

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const imageSelect = `SELECT i.id, i.user_id, COALESCE(i.drive_id, ''), i.provider, i.file_id, i.file_name,
	i.file_url, i.thumbnail_url, i.uploaded_at, i.created_at, COALESCE(group_concat(t.name, ','), '')
	FROM images i
	LEFT JOIN image_tags it ON it.image_id = i.id
	LEFT JOIN tags t ON t.id = it.tag_id`

func scanImage(row rowScanner) (*Image, error) {
	var (
		img  Image
		tags string
	)
	if err := row.Scan(&img.ID, &img.UserID, &img.DriveID, &img.Provider, &img.FileID, &img.FileName,
		&img.FileURL, &img.ThumbnailURL, &img.UploadedAt, &img.CreatedAt, &tags); err != nil {
		return nil, err
	}
	img.Tags = []string{}
	if tags != "" {
		img.Tags = strings.Split(tags, ",")
		sort.Strings(img.Tags)
	}
	return &img, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

// CreateImage stores image metadata and links it to the given tags, creating
// the user's tags that do not exist yet.
func (s *Store) CreateImage(img *Image, tagNames []string) error {
	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if img.UploadedAt.IsZero() {
		img.UploadedAt = now
	}
	img.CreatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var driveID any
	if img.DriveID != "" {
		driveID = img.DriveID
	}
	if _, err := tx.Exec(
		`INSERT INTO images (id, user_id, drive_id, provider, file_id, file_name, file_url, thumbnail_url, uploaded_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		img.ID, img.UserID, driveID, img.Provider, img.FileID, img.FileName,
		img.FileURL, img.ThumbnailURL, img.UploadedAt.UTC(), img.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert image: %w", err)
	}

	if err := linkTags(tx, img.UserID, img.ID, tagNames); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	img.Tags = normalizeTags(tagNames)
	return nil
}

func normalizeTags(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := []string{}
	for _, n := range names {
		// Tags are read back with group_concat, so a comma can't be part of a name.
		n = strings.TrimSpace(strings.ReplaceAll(norm.NFC.String(n), ",", " "))
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func linkTags(tx *sql.Tx, userID, imageID string, names []string) error {
	for _, name := range normalizeTags(names) {
		if _, err := tx.Exec(
			`INSERT INTO tags (id, user_id, name) VALUES (?, ?, ?)
			 ON CONFLICT(user_id, name) DO NOTHING`,
			uuid.NewString(), userID, name,
		); err != nil {
			return fmt.Errorf("upsert tag: %w", err)
		}
		var tagID string
		if err := tx.QueryRow(
			`SELECT id FROM tags WHERE user_id = ? AND name = ?`, userID, name,
		).Scan(&tagID); err != nil {
			return fmt.Errorf("read tag: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO image_tags (image_id, tag_id) VALUES (?, ?)`, imageID, tagID,
		); err != nil {
			return fmt.Errorf("link tag: %w", err)
		}
	}
	return nil
}

// GetImage returns one of the user's images, or nil if it does not exist.
func (s *Store) GetImage(userID, id string) (*Image, error) {
	img, err := scanImage(s.db.QueryRow(
		imageSelect+` WHERE i.user_id = ? AND i.id = ? GROUP BY i.id`, userID, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	}
	return img, nil
}

// ListImages returns the user's images, newest first. A non-empty search
// keeps only file names containing it (case-insensitive).
func (s *Store) ListImages(userID, search string) ([]Image, error) {
	query := imageSelect + ` WHERE i.user_id = ?`
	args := []any{userID}
	if search = strings.TrimSpace(search); search != "" {
		query += ` AND i.file_name LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(search))
	}
	query += ` GROUP BY i.id ORDER BY i.created_at DESC, i.rowid DESC`
	return s.queryImages(query, args...)
}

// SearchImages matches each term against file names and tag names. Images
// matching any term are returned, or only those matching every term when
// matchAll is set.
func (s *Store) SearchImages(userID string, terms []string, matchAll bool) ([]Image, error) {
	if len(terms) == 0 {
		return []Image{}, nil
	}

	conds := make([]string, 0, len(terms))
	args := []any{userID}
	for _, term := range terms {
		conds = append(conds, `(i.file_name LIKE ? ESCAPE '\' OR EXISTS (
			SELECT 1 FROM image_tags it2 JOIN tags t2 ON t2.id = it2.tag_id
			WHERE it2.image_id = i.id AND t2.name LIKE ? ESCAPE '\'))`)
		pattern := escapeLike(term)
		args = append(args, pattern, pattern)
	}
	joiner := " OR "
	if matchAll {
		joiner = " AND "
	}

	query := imageSelect + ` WHERE i.user_id = ? AND (` + strings.Join(conds, joiner) + `)
		GROUP BY i.id ORDER BY i.created_at DESC, i.rowid DESC`
	return s.queryImages(query, args...)
}

func (s *Store) queryImages(query string, args ...any) ([]Image, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer rows.Close()

	images := []Image{}
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		images = append(images, *img)
	}
	return images, rows.Err()
}

// UpdateImage renames an image and, when tags is non-nil, replaces its tags.
// Returns false if the image does not belong to the user.
func (s *Store) UpdateImage(userID, id string, fileName *string, tags []string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(`SELECT 1 FROM images WHERE id = ? AND user_id = ?`, id, userID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read image: %w", err)
	}

	if fileName != nil {
		if _, err := tx.Exec(`UPDATE images SET file_name = ? WHERE id = ?`, *fileName, id); err != nil {
			return false, fmt.Errorf("rename image: %w", err)
		}
	}
	if tags != nil {
		if _, err := tx.Exec(`DELETE FROM image_tags WHERE image_id = ?`, id); err != nil {
			return false, fmt.Errorf("clear tags: %w", err)
		}
		if err := linkTags(tx, userID, id, tags); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

// DeleteImage removes one of the user's images. Returns true if a row was deleted.
func (s *Store) DeleteImage(userID, id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM images WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("delete image: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
