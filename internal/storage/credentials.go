package storage

// credentials.go contains SQLiteStore methods for the known-network list.
// The store holds no business rules beyond ssid uniqueness; callers validate.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

// WifiCredential is one known network.
// Higher Priority is attempted first.
type WifiCredential struct {
	SSID      string
	PSK       string
	Priority  int
	UpdatedAt time.Time
}

// SaveCredential upserts a credential by ssid (last write wins).
// A zero Priority is replaced with one above every stored credential, so the
// most recently provisioned network is attempted first. The assigned
// priority is written back into cred.
func (s *SQLiteStore) SaveCredential(cred *WifiCredential) error {
	if cred == nil {
		return errors.New("credential cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if cred.Priority == 0 {
		var maxPriority int
		err := tx.QueryRow(
			"SELECT COALESCE(MAX(priority), 0) FROM wifi_credentials WHERE ssid != ?",
			cred.SSID,
		).Scan(&maxPriority)
		if err != nil {
			return fmt.Errorf("query max priority: %w", err)
		}
		cred.Priority = maxPriority + 1
	}
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = time.Now()
	}

	const query = `
		INSERT OR REPLACE INTO wifi_credentials
			(ssid, psk, priority, updated_at)
		VALUES (?, ?, ?, ?)
	`
	_, err = tx.Exec(query,
		cred.SSID,
		cred.PSK,
		cred.Priority,
		cred.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credential: %w", err)
	}

	log.Printf("storage: saved credential for %q (priority %d)", cred.SSID, cred.Priority)
	return nil
}

// GetCredential retrieves a credential by ssid.
// Returns ErrCredentialNotFound if the network is unknown.
func (s *SQLiteStore) GetCredential(ssid string) (*WifiCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT ssid, psk, priority, updated_at
		FROM wifi_credentials
		WHERE ssid = ?
	`

	cred, err := scanCredential(s.db.QueryRow(query, ssid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return cred, nil
}

// ListCredentials returns every known network in attempt order:
// priority descending, then ssid.
func (s *SQLiteStore) ListCredentials() ([]*WifiCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT ssid, psk, priority, updated_at
		FROM wifi_credentials
		ORDER BY priority DESC, ssid ASC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var creds []*WifiCredential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credential rows: %w", err)
	}

	return creds, nil
}

// DeleteCredential removes a known network.
// Returns ErrCredentialNotFound if the network is unknown.
func (s *SQLiteStore) DeleteCredential(ssid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM wifi_credentials WHERE ssid = ?", ssid)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrCredentialNotFound
	}

	log.Printf("storage: deleted credential for %q", ssid)
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row rowScanner) (*WifiCredential, error) {
	var (
		cred       WifiCredential
		updatedStr string
	)
	if err := row.Scan(&cred.SSID, &cred.PSK, &cred.Priority, &updatedStr); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, updatedStr)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	cred.UpdatedAt = t
	return &cred, nil
}
