package wifi

import (
	"fmt"

	"github.com/poolheat/controller/internal/errors"
)

// Credential limits from IEEE 802.11 and WPA2-PSK.
const (
	MaxSSIDLength = 32
	MinPSKLength  = 8
	MaxPSKLength  = 64
)

// ValidateCredential checks a credential before it is written. An empty psk
// denotes an open network.
func ValidateCredential(ssid, psk string) error {
	if len(ssid) == 0 {
		return errors.New(errors.CodeValidationSSID, "ssid is required")
	}
	if len(ssid) > MaxSSIDLength {
		return errors.New(errors.CodeValidationSSID,
			fmt.Sprintf("ssid is %d bytes, the limit is %d", len(ssid), MaxSSIDLength))
	}
	if psk != "" && (len(psk) < MinPSKLength || len(psk) > MaxPSKLength) {
		return errors.New(errors.CodeValidationPSK,
			fmt.Sprintf("password must be %d to %d characters", MinPSKLength, MaxPSKLength))
	}
	return nil
}
