package db

import "time"

// User is a registered account of the dashboard.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// DriveLink is one user's connection to one cloud storage provider.
// Tokens are stored as Cipher output and never serialized.
type DriveLink struct {
	ID                    string     `json:"id"`
	UserID                string     `json:"user_id"`
	Provider              string     `json:"provider"`
	AccessTokenEncrypted  string     `json:"-"`
	RefreshTokenEncrypted string     `json:"-"`
	Expiry                *time.Time `json:"expiry"`
	Email                 *string    `json:"email"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// DriveLinkUpdate lists the columns UpdateDriveLink changes. Nil fields are
// left as stored.
type DriveLinkUpdate struct {
	AccessTokenEncrypted  *string
	RefreshTokenEncrypted *string
	Expiry                *time.Time
}

// Image is the metadata of a file whose content lives on a linked drive.
type Image struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	DriveID      string    `json:"drive_id"`
	Provider     string    `json:"provider"`
	FileID       string    `json:"file_id"`
	FileName     string    `json:"file_name"`
	FileURL      string    `json:"file_url"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	Tags         []string  `json:"tags"`
	UploadedAt   time.Time `json:"uploaded_at"`
	CreatedAt    time.Time `json:"created_at"`
}
