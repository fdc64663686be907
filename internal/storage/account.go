package storage

// account.go contains SQLiteStore methods for the single admin account.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

// Account is the controller's single administrator.
type Account struct {
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// GetAccount returns the admin account.
// Returns ErrAccountNotFound before first-boot provisioning.
func (s *SQLiteStore) GetAccount() (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT username, password_hash, created_at, updated_at
		FROM admin_account
		WHERE id = 1
	`

	var (
		acct               Account
		createdStr, updStr string
	)
	err := s.db.QueryRow(query).Scan(&acct.Username, &acct.PasswordHash, &createdStr, &updStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if acct.CreatedAt, err = time.Parse(time.RFC3339Nano, createdStr); err != nil {
		return nil, fmt.Errorf("parse account created_at: %w", err)
	}
	if acct.UpdatedAt, err = time.Parse(time.RFC3339Nano, updStr); err != nil {
		return nil, fmt.Errorf("parse account updated_at: %w", err)
	}
	return &acct, nil
}

// SaveAccount creates or replaces the admin account.
func (s *SQLiteStore) SaveAccount(acct *Account) error {
	if acct == nil {
		return errors.New("account cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	if acct.UpdatedAt.IsZero() {
		acct.UpdatedAt = now
	}

	const query = `
		INSERT OR REPLACE INTO admin_account
			(id, username, password_hash, created_at, updated_at)
		VALUES (1, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		acct.Username,
		acct.PasswordHash,
		acct.CreatedAt.Format(time.RFC3339Nano),
		acct.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}

	log.Printf("storage: saved admin account %q", acct.Username)
	return nil
}

// DeleteAccount removes the admin account. Deleting a missing account is not an error.
func (s *SQLiteStore) DeleteAccount() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM admin_account"); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}
