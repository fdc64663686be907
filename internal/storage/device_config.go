package storage

// device_config.go contains SQLiteStore methods for the device defaults row.
// Writes go straight to disk; nothing is cached across a reboot.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

// DeviceConfig holds the relay and thermostat defaults.
type DeviceConfig struct {
	// DefaultRelayState is "on" or "off", applied at boot.
	DefaultRelayState string
	// Hysteresis is the dead band in degrees Fahrenheit.
	Hysteresis uint
	// MinOnTemp is the minimum pool temperature that allows heating.
	MinOnTemp int
	UpdatedAt time.Time
}

// DefaultDeviceConfig is returned until the first write.
func DefaultDeviceConfig() *DeviceConfig {
	return &DeviceConfig{
		DefaultRelayState: "off",
		Hysteresis:        2,
		MinOnTemp:         70,
	}
}

// GetDeviceConfig returns the stored defaults, or DefaultDeviceConfig when
// nothing has been written yet.
func (s *SQLiteStore) GetDeviceConfig() (*DeviceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT default_relay_state, hysteresis, min_on_temp, updated_at
		FROM device_config
		WHERE id = 1
	`

	var (
		cfg        DeviceConfig
		hysteresis int64
		updatedStr string
	)
	err := s.db.QueryRow(query).Scan(&cfg.DefaultRelayState, &hysteresis, &cfg.MinOnTemp, &updatedStr)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultDeviceConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device config: %w", err)
	}
	cfg.Hysteresis = uint(hysteresis)
	if cfg.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedStr); err != nil {
		return nil, fmt.Errorf("parse device config updated_at: %w", err)
	}
	return &cfg, nil
}

// SaveDeviceConfig replaces the stored defaults.
func (s *SQLiteStore) SaveDeviceConfig(cfg *DeviceConfig) error {
	if cfg == nil {
		return errors.New("device config cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now()
	}

	const query = `
		INSERT OR REPLACE INTO device_config
			(id, default_relay_state, hysteresis, min_on_temp, updated_at)
		VALUES (1, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		cfg.DefaultRelayState,
		int64(cfg.Hysteresis),
		cfg.MinOnTemp,
		cfg.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save device config: %w", err)
	}

	log.Printf("storage: saved device config (default=%s hysteresis=%d min_on=%d)",
		cfg.DefaultRelayState, cfg.Hysteresis, cfg.MinOnTemp)
	return nil
}
