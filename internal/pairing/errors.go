package pairing

import (
	"errors"

	"github.com/nextlevelbuilder/devlink/pkg/protocol"
)

var (
	ErrNotConnected     = errors.New("device is not connected")
	ErrInvalidCode      = errors.New("verification code must be 6 digits")
	ErrCodeNotFound     = errors.New("no verification code pending for device")
	ErrCodeMismatch     = errors.New("verification code does not match")
	ErrCodeExpired      = errors.New("verification code has expired")
	ErrAttemptsExceeded = errors.New("too many failed verification attempts")
	ErrStoreUnavailable = errors.New("verification store unavailable")
	ErrPersist          = errors.New("failed to save device record")
)

// ErrorCode maps a pairing error to its wire error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotConnected):
		return protocol.ErrNotConnected
	case errors.Is(err, ErrInvalidCode):
		return protocol.ErrMalformedPayload
	case errors.Is(err, ErrCodeNotFound):
		return protocol.ErrCodeNotFound
	case errors.Is(err, ErrCodeMismatch):
		return protocol.ErrCodeMismatch
	case errors.Is(err, ErrCodeExpired):
		return protocol.ErrCodeExpired
	case errors.Is(err, ErrAttemptsExceeded):
		return protocol.ErrAttemptsExceeded
	default:
		return protocol.ErrInternal
	}
}

// clientErrors are safe to show to clients verbatim.
var clientErrors = []error{
	ErrNotConnected,
	ErrInvalidCode,
	ErrCodeNotFound,
	ErrCodeMismatch,
	ErrCodeExpired,
	ErrAttemptsExceeded,
}

// Message returns a short client-facing description of err.
func Message(err error) string {
	for _, e := range clientErrors {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return "verification failed, try again later"
}
