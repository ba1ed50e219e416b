package media

import (
	"fmt"
	"time"

	"github.com/nextlevelbuilder/devlink/pkg/protocol"
)

// ErrorKind classifies a proxy failure.
type ErrorKind int

const (
	KindProviderFailure ErrorKind = iota + 1
	KindMalformedPayload
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindProviderFailure:
		return "provider_failure"
	case KindMalformedPayload:
		return "malformed_payload"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Code is the wire error code for the kind.
func (k ErrorKind) Code() string {
	switch k {
	case KindMalformedPayload:
		return protocol.ErrMalformedPayload
	case KindRateLimited:
		return protocol.ErrResourceExhausted
	default:
		return protocol.ErrProviderFailure
	}
}

// ProxyError is returned by every Gateway operation on failure. Message is
// safe to send to the device; Err carries the underlying cause for logs.
type ProxyError struct {
	Kind     ErrorKind
	Op       string
	DeviceID string
	Elapsed  time.Duration
	Message  string
	Err      error
}

func (e *ProxyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s for device %s: %s: %v", e.Op, e.Kind, e.DeviceID, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s for device %s: %s", e.Op, e.Kind, e.DeviceID, e.Message)
}

func (e *ProxyError) Unwrap() error { return e.Err }
