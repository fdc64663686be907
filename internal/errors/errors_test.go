package errors

import (
	"errors"
	"net/http"
	"strings"
	"testing"
)

func TestCodedError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *CodedError
		expected string
	}{
		{
			name:     "error without cause",
			err:      New(CodeValidationSSID, "ssid is empty"),
			expected: "validation.ssid_invalid: ssid is empty",
		},
		{
			name:     "error with cause",
			err:      Wrap(CodeStorageSaveFailed, "save credential failed", errors.New("disk full")),
			expected: "storage.save_failed: save credential failed (disk full)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestCodedError_Unwrap(t *testing.T) {
	cause := errors.New("original error")
	err := Wrap(CodeInternal, "wrapped", cause)

	if err.Unwrap() != cause {
		t.Error("Unwrap() should return the original cause")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause through Unwrap")
	}

	err2 := New(CodeStorageNotFound, "not found")
	if err2.Unwrap() != nil {
		t.Error("Unwrap() should return nil when no cause")
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil error", nil, ""},
		{"CodedError", New(CodeAuthExpired, "expired"), CodeAuthExpired},
		{"wrapped CodedError", Wrap(CodeChecksumMismatch, "bad digest", errors.New("cause")), CodeChecksumMismatch},
		{"plain error", errors.New("some error"), CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.expected {
				t.Errorf("GetCode() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestToCodeAndMessage(t *testing.T) {
	code, message := ToCodeAndMessage(New(CodeConflictUpload, "busy"))
	if code != CodeConflictUpload || message != "busy" {
		t.Errorf("ToCodeAndMessage() = (%q, %q)", code, message)
	}

	code, message = ToCodeAndMessage(errors.New("plain"))
	if code != CodeUnknown || message != "plain" {
		t.Errorf("ToCodeAndMessage(plain) = (%q, %q)", code, message)
	}

	if got := GetMessage(nil); got != "" {
		t.Errorf("GetMessage(nil) = %q, want empty", got)
	}
}

func TestCategory(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{CodeNetworkScanFailed, CategoryTransientNetwork},
		{CodeChecksumMismatch, CategoryValidation},
		{CodeSignatureInvalid, CategoryValidation},
		{CodeAuthRateLimited, CategoryAuth},
		{CodeBootRollback, CategoryBootIntegrity},
		{CodeConflictUpload, CategoryResourceConflict},
		{CodeStorageSaveFailed, CategoryInternal},
		{CodeUnknown, CategoryInternal},
	}

	for _, tt := range tests {
		if got := Category(tt.code); got != tt.want {
			t.Errorf("Category(%q) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{CodeValidationSSID, http.StatusBadRequest},
		{CodeChecksumMismatch, http.StatusBadRequest},
		{CodeFirmwareTooLarge, http.StatusRequestEntityTooLarge},
		{CodeValidationContentType, http.StatusUnsupportedMediaType},
		{CodeAuthInvalid, http.StatusUnauthorized},
		{CodeAuthExpired, http.StatusUnauthorized},
		{CodeAuthRateLimited, http.StatusTooManyRequests},
		{CodeAuthProvisioningRequired, http.StatusLocked},
		{CodeAuthAlreadyProvisioned, http.StatusConflict},
		{CodeConflictUpload, http.StatusConflict},
		{CodeConflictAdmin, http.StatusConflict},
		{CodeConflictStreamsFull, http.StatusServiceUnavailable},
		{CodeNetworkScanFailed, http.StatusServiceUnavailable},
		{CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.code); got != tt.want {
			t.Errorf("HTTPStatus(%q) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

// TestEveryCodeHasNextAction keeps the recovery hints in step with the code list.
func TestEveryCodeHasNextAction(t *testing.T) {
	codes := []string{
		CodeNetworkScanFailed, CodeNetworkConnectFailed, CodeNetworkTimeout, CodeNetworkUnavailable,
		CodeValidationSSID, CodeValidationPSK, CodeValidationRequest, CodeValidationDefaults,
		CodeValidationRelayState, CodeValidationPassword, CodeValidationConfirmation,
		CodeValidationContentType, CodeFirmwareSizeInvalid, CodeFirmwareTooLarge,
		CodeFirmwareTruncated, CodeFirmwareOverrun, CodeChecksumMismatch, CodeChecksumMissing,
		CodeSignatureMissing, CodeSignatureInvalid, CodeFirmwareAborted,
		CodeAuthRequired, CodeAuthInvalid, CodeAuthExpired, CodeAuthRateLimited,
		CodeAuthProvisioningRequired, CodeAuthAlreadyProvisioned, CodeAuthForbidden,
		CodeBootHealthTimeout, CodeBootAttemptsExceeded, CodeBootRollback, CodeBootRecordCorrupt,
		CodeConflictUpload, CodeConflictAdmin, CodeConflictPartitionBusy, CodeConflictNotPortal,
		CodeConflictStreamsFull,
		CodeStorageNotFound, CodeStorageOpenFailed, CodeStorageSaveFailed, CodeStorageQuery,
		CodeInternal, CodeUnknown,
	}

	for _, code := range codes {
		if _, ok := nextActions[code]; !ok {
			t.Errorf("missing next action for %q", code)
		}
		if strings.TrimSpace(GetNextAction(code)) == "" {
			t.Errorf("empty next action for %q", code)
		}
	}

	if got := GetNextAction("made.up"); got != nextActions[CodeUnknown] {
		t.Errorf("GetNextAction(unknown) = %q, want fallback", got)
	}
}

func TestErrorConstructors(t *testing.T) {
	t.Run("ChecksumMismatch", func(t *testing.T) {
		err := ChecksumMismatch("aa", "bb")
		if !IsCode(err, CodeChecksumMismatch) {
			t.Errorf("code = %q", err.Code)
		}
		if !strings.Contains(err.Message, "aa") || !strings.Contains(err.Message, "bb") {
			t.Errorf("message %q should name both digests", err.Message)
		}
	})

	t.Run("FirmwareTruncated", func(t *testing.T) {
		err := FirmwareTruncated(10, 20)
		if err.Message != "stream ended after 10 of 20 bytes" {
			t.Errorf("message = %q", err.Message)
		}
	})

	t.Run("Internal", func(t *testing.T) {
		cause := errors.New("db connection lost")
		err := Internal("database error", cause)
		if !IsCode(err, CodeInternal) || err.Cause != cause {
			t.Errorf("Internal() = %+v", err)
		}
	})
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(CodeValidationSSID, "ssid is required")
	if resp.Error != "ssid_invalid" {
		t.Errorf("Error = %q, want ssid_invalid", resp.Error)
	}
	if resp.ErrorCode != CodeValidationSSID || resp.Message != "ssid is required" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.NextAction != GetNextAction(CodeValidationSSID) {
		t.Errorf("NextAction = %q", resp.NextAction)
	}
}
