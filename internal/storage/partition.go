package storage

// partition.go contains SQLiteStore methods for the partition record.
// The record is opaque here; the partition package owns its encoding.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

// LoadPartitionRecord returns the record the pointer currently names and its
// generation. Returns nil, 0, nil on a fresh device.
func (s *SQLiteStore) LoadPartitionRecord() ([]byte, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT r.generation, r.record
		FROM partition_pointer p
		JOIN partition_records r ON r.generation = p.generation
		WHERE p.id = 1
	`

	var (
		generation int64
		record     []byte
	)
	err := s.db.QueryRow(query).Scan(&generation, &record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load partition record: %w", err)
	}
	return record, generation, nil
}

// SavePartitionRecord writes record as a new generation and flips the
// pointer to it in one transaction. Generations older than the one the
// pointer previously named are pruned. Returns the new generation.
func (s *SQLiteStore) SavePartitionRecord(record []byte) (int64, error) {
	if len(record) == 0 {
		return 0, errors.New("partition record cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var previous int64
	err = tx.QueryRow("SELECT COALESCE(MAX(generation), 0) FROM partition_records").Scan(&previous)
	if err != nil {
		return 0, fmt.Errorf("query partition generation: %w", err)
	}
	next := previous + 1

	_, err = tx.Exec(
		"INSERT INTO partition_records (generation, record, written_at) VALUES (?, ?, ?)",
		next,
		record,
		time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert partition record: %w", err)
	}

	// The pointer flip is the commit point.
	_, err = tx.Exec("INSERT OR REPLACE INTO partition_pointer (id, generation) VALUES (1, ?)", next)
	if err != nil {
		return 0, fmt.Errorf("flip partition pointer: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM partition_records WHERE generation < ?", previous); err != nil {
		return 0, fmt.Errorf("prune partition records: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit partition record: %w", err)
	}

	log.Printf("storage: partition record generation %d committed", next)
	return next, nil
}
