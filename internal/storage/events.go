package storage

// events.go contains SQLiteStore methods for the device event log.
// Events record rollbacks, OTA outcomes and admin actions so an operator can
// see what the unattended controller did while nobody was watching.

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// Event kinds.
const (
	EventBootIntegrity = "boot_integrity"
	EventFirmware      = "firmware"
	EventAdmin         = "admin"
	EventConnectivity  = "connectivity"
)

// DefaultMaxEvents bounds the event log.
const DefaultMaxEvents = 500

// DeviceEvent is one durable log entry.
type DeviceEvent struct {
	Seq     int64
	ID      string
	Kind    string
	Code    string
	Message string
	At      time.Time
}

// RecordEvent inserts an event and prunes oldest beyond maxRows in a single tx.
func (s *SQLiteStore) RecordEvent(ev *DeviceEvent, maxRows int) error {
	if ev == nil {
		return errors.New("device event cannot be nil")
	}
	if ev.ID == "" {
		return errors.New("device event id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	const insertQuery = `
		INSERT INTO device_events (id, kind, code, message, at)
		VALUES (?, ?, ?, ?, ?)
	`
	res, err := tx.Exec(insertQuery, ev.ID, ev.Kind, ev.Code, ev.Message, ev.At.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert device event: %w", err)
	}
	if ev.Seq, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}

	if maxRows > 0 {
		const pruneQuery = `
			DELETE FROM device_events
			WHERE seq NOT IN (SELECT seq FROM device_events ORDER BY seq DESC LIMIT ?)
		`
		if _, err := tx.Exec(pruneQuery, maxRows); err != nil {
			return fmt.Errorf("prune device events: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit device event: %w", err)
	}

	log.Printf("storage: recorded %s event code=%s", ev.Kind, ev.Code)
	return nil
}

// ListEvents returns events newest first. A non-positive limit returns all.
func (s *SQLiteStore) ListEvents(limit int) ([]*DeviceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT seq, id, kind, code, message, at
		FROM device_events
		ORDER BY seq DESC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query device events: %w", err)
	}
	defer rows.Close()

	var events []*DeviceEvent
	for rows.Next() {
		var (
			ev    DeviceEvent
			atStr string
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Kind, &ev.Code, &ev.Message, &atStr); err != nil {
			return nil, fmt.Errorf("scan device event row: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, atStr)
		if err != nil {
			return nil, fmt.Errorf("parse device event at: %w", err)
		}
		ev.At = t
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device event rows: %w", err)
	}

	return events, nil
}

// FactoryReset clears known networks, device defaults and the admin account
// in one transaction. The partition record and the event log survive: a
// reset must never change which firmware boots.
func (s *SQLiteStore) FactoryReset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"wifi_credentials", "device_config", "admin_account"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit factory reset: %w", err)
	}

	log.Printf("storage: factory reset cleared credentials, defaults and account")
	return nil
}
