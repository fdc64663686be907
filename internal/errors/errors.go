// Package errors provides standardized error codes for the controller.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The failure category (network, validation, auth, boot, conflict, storage)
//   - error: The specific error type within that domain
//
// These codes are stable and appear in every HTTP error body, so browser
// clients can branch on them. Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes by domain.
const (
	// Network domain - transient radio failures, retried with backoff
	CodeNetworkScanFailed    = "network.scan_failed"    // Radio scan failed
	CodeNetworkConnectFailed = "network.connect_failed" // Association or DHCP failed
	CodeNetworkTimeout       = "network.timeout"        // Radio operation timed out
	CodeNetworkUnavailable   = "network.unavailable"    // No scan result cached yet

	// Validation domain - malformed input, rejected without state change
	CodeValidationSSID         = "validation.ssid_invalid"        // SSID empty or longer than 32 bytes
	CodeValidationPSK          = "validation.psk_invalid"         // Passphrase outside 8..64 characters
	CodeValidationRequest      = "validation.invalid_request"     // Malformed JSON body
	CodeValidationDefaults     = "validation.defaults_invalid"    // Device defaults out of range
	CodeValidationRelayState   = "validation.relay_state"         // Relay state not "on" or "off"
	CodeValidationPassword     = "validation.password_invalid"    // Password too short
	CodeValidationConfirmation = "validation.confirmation"        // Destructive action not confirmed
	CodeValidationContentType  = "validation.content_type"        // Firmware body not octet-stream
	CodeFirmwareSizeInvalid    = "validation.firmware_size"       // Declared size missing or zero
	CodeFirmwareTooLarge       = "validation.firmware_too_large"  // Declared size exceeds slot capacity
	CodeFirmwareTruncated      = "validation.firmware_truncated"  // Stream ended before declared size
	CodeFirmwareOverrun        = "validation.firmware_overrun"    // Stream longer than declared size
	CodeChecksumMismatch       = "validation.checksum_mismatch"   // SHA-256 digest mismatch
	CodeChecksumMissing        = "validation.checksum_missing"    // No digest supplied
	CodeSignatureMissing       = "validation.signature_missing"   // Signature required but absent
	CodeSignatureInvalid       = "validation.signature_invalid"   // Signature does not verify
	CodeFirmwareAborted        = "validation.firmware_aborted"    // Client aborted the upload

	// Auth domain - sessions and login
	CodeAuthRequired             = "auth.required"              // Bearer token missing
	CodeAuthInvalid              = "auth.invalid"               // Bad credentials or unknown token
	CodeAuthExpired              = "auth.expired"               // Token past its expiry
	CodeAuthRateLimited          = "auth.rate_limited"          // Too many failed logins
	CodeAuthProvisioningRequired = "auth.provisioning_required" // No admin account configured yet
	CodeAuthAlreadyProvisioned   = "auth.already_provisioned"   // Admin account already exists
	CodeAuthForbidden            = "auth.forbidden"             // Loopback-only endpoint

	// Boot domain - boot integrity, self-healing by rollback
	CodeBootHealthTimeout    = "boot.health_timeout"    // Pending slot missed its grace period
	CodeBootAttemptsExceeded = "boot.attempts_exceeded" // Pending slot crashed too many times
	CodeBootRollback         = "boot.rollback"          // Reverted to the previous valid slot
	CodeBootRecordCorrupt    = "boot.record_corrupt"    // Partition record failed validation

	// Conflict domain - concurrent exclusive operations
	CodeConflictUpload        = "conflict.upload_in_progress" // Another OTA upload is streaming
	CodeConflictAdmin         = "conflict.admin_in_progress"  // Another destructive admin action is running
	CodeConflictPartitionBusy = "conflict.partition_busy"     // Inactive slot is locked or trial boot pending
	CodeConflictNotPortal     = "conflict.not_provisioning"   // Portal submission outside AP mode
	CodeConflictStreamsFull   = "conflict.event_streams_full" // Every event stream slot is taken

	// Storage domain - persistence
	CodeStorageNotFound   = "storage.not_found"    // Record not found
	CodeStorageOpenFailed = "storage.open_failed"  // Database open failed
	CodeStorageSaveFailed = "storage.save_failed"  // Failed to save data
	CodeStorageQuery      = "storage.query_failed" // Database query failed

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// Taxonomy categories reported by Category.
const (
	CategoryTransientNetwork = "transient-network"
	CategoryValidation       = "validation"
	CategoryAuth             = "auth"
	CategoryBootIntegrity    = "boot-integrity"
	CategoryResourceConflict = "resource-conflict"
	CategoryInternal         = "internal"
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "validation.ssid_invalid")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Category maps a code to its taxonomy category by domain prefix.
func Category(code string) string {
	domain, _, _ := strings.Cut(code, ".")
	switch domain {
	case "network":
		return CategoryTransientNetwork
	case "validation":
		return CategoryValidation
	case "auth":
		return CategoryAuth
	case "boot":
		return CategoryBootIntegrity
	case "conflict":
		return CategoryResourceConflict
	default:
		return CategoryInternal
	}
}

// HTTPStatus maps a code to the status the HTTP surfaces answer with.
func HTTPStatus(code string) int {
	switch code {
	case CodeAuthRateLimited:
		return http.StatusTooManyRequests
	case CodeAuthProvisioningRequired:
		return http.StatusLocked
	case CodeAuthAlreadyProvisioned:
		return http.StatusConflict
	case CodeAuthForbidden:
		return http.StatusForbidden
	case CodeFirmwareTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeValidationContentType:
		return http.StatusUnsupportedMediaType
	case CodeStorageNotFound:
		return http.StatusNotFound
	case CodeNetworkUnavailable, CodeConflictStreamsFull:
		return http.StatusServiceUnavailable
	}

	switch Category(code) {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryAuth:
		return http.StatusUnauthorized
	case CategoryResourceConflict:
		return http.StatusConflict
	case CategoryTransientNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// nextActions holds the single primary recovery step per code.
var nextActions = map[string]string{
	CodeNetworkScanFailed:    "Wait a few seconds and scan again.",
	CodeNetworkConnectFailed: "Check the network password and that the router is in range.",
	CodeNetworkTimeout:       "Move the controller closer to the router and retry.",
	CodeNetworkUnavailable:   "Wait for the first scan to complete, then refresh.",

	CodeValidationSSID:         "Enter a network name between 1 and 32 characters.",
	CodeValidationPSK:          "Enter a password of 8 to 64 characters, or leave it empty for an open network.",
	CodeValidationRequest:      "Send a well-formed JSON body.",
	CodeValidationDefaults:     "Use default_state on/off, hysteresis 0-20 and min_on_temp 32-120.",
	CodeValidationRelayState:   "Send state \"on\" or \"off\".",
	CodeValidationPassword:     "Choose a password with at least 8 characters.",
	CodeValidationConfirmation: "Repeat the request with the confirmation field set.",
	CodeValidationContentType:  "Upload the image with Content-Type application/octet-stream.",
	CodeFirmwareSizeInvalid:    "Send the image with a Content-Length header.",
	CodeFirmwareTooLarge:       "Build a smaller image that fits in one slot.",
	CodeFirmwareTruncated:      "Upload the image again on a stable connection.",
	CodeFirmwareOverrun:        "Upload the image again with the correct Content-Length.",
	CodeChecksumMismatch:       "Verify the image file and its SHA-256 digest, then upload again.",
	CodeChecksumMissing:        "Send the image SHA-256 digest in X-Firmware-SHA256.",
	CodeSignatureMissing:       "Sign the image with `poolheat sign` and send X-Firmware-Signature.",
	CodeSignatureInvalid:       "Sign the image with the release key that matches this controller.",
	CodeFirmwareAborted:        "Upload the image again.",

	CodeAuthRequired:             "Log in to obtain a session token.",
	CodeAuthInvalid:              "Check the username and password and log in again.",
	CodeAuthExpired:              "Log in again; the session expired.",
	CodeAuthRateLimited:          "Wait for the lockout to expire before trying again.",
	CodeAuthProvisioningRequired: "Create the admin account on the provisioning page first.",
	CodeAuthAlreadyProvisioned:   "Log in with the existing admin account.",
	CodeAuthForbidden:            "Run this command on the controller itself.",

	CodeBootHealthTimeout:    "Check the device event log; the previous firmware is running again.",
	CodeBootAttemptsExceeded: "Check the device event log; the previous firmware is running again.",
	CodeBootRollback:         "Inspect the rejected image before uploading it again.",
	CodeBootRecordCorrupt:    "Run `poolheat slots` to inspect the partition record.",

	CodeConflictUpload:        "Wait for the running upload to finish.",
	CodeConflictAdmin:         "Wait for the running admin action to finish.",
	CodeConflictPartitionBusy: "Wait for the new firmware to finish its health check.",
	CodeConflictNotPortal:     "Use the authenticated API to change networks.",
	CodeConflictStreamsFull:   "Close an open dashboard tab and reconnect.",

	CodeStorageNotFound:   "Refresh and try again.",
	CodeStorageOpenFailed: "Check that the data directory is writable.",
	CodeStorageSaveFailed: "Retry; if it persists, check free space in the data directory.",
	CodeStorageQuery:      "Retry; if it persists, restart the controller.",

	CodeInternal: "Retry; if it persists, restart the controller.",
	CodeUnknown:  "Retry; if it persists, restart the controller.",
}

// GetNextAction returns the operator recovery hint for a code.
// Unknown codes fall back to the generic retry hint.
func GetNextAction(code string) string {
	if action, ok := nextActions[code]; ok {
		return action
	}
	return nextActions[CodeUnknown]
}

// Common error constructors for frequently used error types.

// NotFound creates a "storage.not_found" error.
func NotFound(resource string) *CodedError {
	return New(CodeStorageNotFound, fmt.Sprintf("%s not found", resource))
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}

// InvalidRequest creates a "validation.invalid_request" error.
func InvalidRequest(reason string) *CodedError {
	return New(CodeValidationRequest, reason)
}

// ChecksumMismatch creates a "validation.checksum_mismatch" error.
// Both digests are included so the operator can tell which side is wrong.
func ChecksumMismatch(expected, actual string) *CodedError {
	msg := fmt.Sprintf("image digest %s does not match expected %s", actual, expected)
	return New(CodeChecksumMismatch, msg)
}

// FirmwareTooLarge creates a "validation.firmware_too_large" error.
func FirmwareTooLarge(size, limit int64) *CodedError {
	msg := fmt.Sprintf("image of %d bytes exceeds the %d byte slot", size, limit)
	return New(CodeFirmwareTooLarge, msg)
}

// FirmwareTruncated creates a "validation.firmware_truncated" error.
func FirmwareTruncated(received, declared int64) *CodedError {
	msg := fmt.Sprintf("stream ended after %d of %d bytes", received, declared)
	return New(CodeFirmwareTruncated, msg)
}

// UploadInProgress creates a "conflict.upload_in_progress" error.
func UploadInProgress() *CodedError {
	return New(CodeConflictUpload, "another firmware upload is in progress")
}

// PartitionBusy creates a "conflict.partition_busy" error.
func PartitionBusy(reason string) *CodedError {
	return New(CodeConflictPartitionBusy, fmt.Sprintf("inactive slot unavailable: %s", reason))
}

// AdminInProgress creates a "conflict.admin_in_progress" error.
func AdminInProgress(action string) *CodedError {
	return New(CodeConflictAdmin, fmt.Sprintf("%s already in progress", action))
}

// NotConfirmed creates a "validation.confirmation" error.
func NotConfirmed(action, expected string) *CodedError {
	return New(CodeValidationConfirmation, fmt.Sprintf("%s requires confirm=%s", action, expected))
}

// ErrorResponse is the JSON body of every HTTP error response.
type ErrorResponse struct {
	// Error is the short form of the code (e.g., "ssid_invalid").
	Error string `json:"error"`

	// ErrorCode is the stable dotted code (e.g., "validation.ssid_invalid").
	ErrorCode string `json:"error_code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// NextAction is the single primary recovery action for the operator.
	NextAction string `json:"next_action"`
}

// NewErrorResponse builds the response body for code and message.
func NewErrorResponse(code, message string) ErrorResponse {
	short := code
	if _, after, ok := strings.Cut(code, "."); ok {
		short = after
	}
	return ErrorResponse{
		Error:      short,
		ErrorCode:  code,
		Message:    message,
		NextAction: GetNextAction(code),
	}
}
