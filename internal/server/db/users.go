package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Sentinel errors for user operations.
var (
	ErrUsernameTaken = errors.New("username already taken")
	ErrEmailTaken    = errors.New("email already in use")
	ErrUserNotFound  = errors.New("user not found")
)

// CreateUser inserts a new user and assigns its ID.
func (s *Store) CreateUser(u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO users (id, username, email, password_hash) VALUES (?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.PasswordHash,
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			if strings.Contains(sqliteErr.Error(), "users.username") {
				return ErrUsernameTaken
			}
			return ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID, or nil if none exists.
func (s *Store) GetUser(id string) (*User, error) {
	return s.getUser(`SELECT id, username, email, password_hash, created_at FROM users WHERE id = ?`, id)
}

// GetUserByEmail retrieves a user by email, or nil if none exists.
func (s *Store) GetUserByEmail(email string) (*User, error) {
	return s.getUser(`SELECT id, username, email, password_hash, created_at FROM users WHERE email = ?`, email)
}

func (s *Store) getUser(query string, arg string) (*User, error) {
	u := &User{}
	err := s.db.QueryRow(query, arg).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// DeleteUser deletes a user; drives, images and tags go with it.
func (s *Store) DeleteUser(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
