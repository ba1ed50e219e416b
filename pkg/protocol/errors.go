package protocol

// Error codes carried in ErrorPayload.Code.
const (
	ErrNotConnected     = "NOT_CONNECTED"
	ErrCodeNotFound     = "CODE_NOT_FOUND"
	ErrCodeMismatch     = "CODE_MISMATCH"
	ErrCodeExpired      = "CODE_EXPIRED"
	ErrAttemptsExceeded = "ATTEMPTS_EXCEEDED"
	ErrProviderFailure  = "PROVIDER_FAILURE"
	ErrMalformedPayload = "MALFORMED_PAYLOAD"

	ErrUnauthorized      = "UNAUTHORIZED"
	ErrResourceExhausted = "RESOURCE_EXHAUSTED"
	ErrInternal          = "INTERNAL"
)
