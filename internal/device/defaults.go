package device

import (
	"fmt"

	"github.com/poolheat/controller/internal/errors"
	"github.com/poolheat/controller/internal/storage"
)

// Bounds for device defaults.
const (
	MaxHysteresis = 20
	MinOnTempLow  = 32
	MinOnTempHigh = 120
)

// ValidateDefaults checks a defaults write before it is persisted.
func ValidateDefaults(cfg *storage.DeviceConfig) error {
	if cfg == nil {
		return errors.New(errors.CodeValidationDefaults, "defaults are required")
	}
	if _, err := ParseRelayState(cfg.DefaultRelayState); err != nil {
		return errors.New(errors.CodeValidationDefaults,
			fmt.Sprintf("default_state must be \"on\" or \"off\", got %q", cfg.DefaultRelayState))
	}
	if cfg.Hysteresis > MaxHysteresis {
		return errors.New(errors.CodeValidationDefaults,
			fmt.Sprintf("hysteresis %d exceeds %d", cfg.Hysteresis, MaxHysteresis))
	}
	if cfg.MinOnTemp < MinOnTempLow || cfg.MinOnTemp > MinOnTempHigh {
		return errors.New(errors.CodeValidationDefaults,
			fmt.Sprintf("min_on_temp must be between %d and %d", MinOnTempLow, MinOnTempHigh))
	}
	return nil
}
