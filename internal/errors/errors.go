package errors

import (
	"errors"
	"fmt"
)

// This package defines the sentinel errors shared by every layer. Services and
// the relay core return (or wrap) these values, and the API layer maps them to
// HTTP responses with `errors.Is()` in a single place.

var (
	// ErrNotFound signifies that a requested resource could not be located.
	// Mapped to 404 Not Found.
	ErrNotFound = errors.New("resource not found")

	// ErrValidation signifies that client input failed a business rule, for
	// example an empty message or a conversation with no usable entries.
	// Mapped to 400 Bad Request.
	ErrValidation = errors.New("validation failed")

	// ErrConflict signifies that an operation conflicts with the current
	// state of a resource. Mapped to 409 Conflict.
	ErrConflict = errors.New("resource conflict")

	// ErrPermission is mapped to 403 Forbidden.
	ErrPermission = errors.New("permission denied")

	// ErrInternal is a generic server-side failure. Mapped to 500.
	ErrInternal = errors.New("internal server error")

	// ErrConcurrentTurn is returned when a second turn is started on a
	// conversation while an assistant message is still in flight.
	// Mapped to 409 Conflict.
	ErrConcurrentTurn = errors.New("a response is already in progress for this conversation")

	// ErrUnknownMessage is returned when a delta, finalize or fail targets a
	// message id that is unknown, stale or already finalized.
	ErrUnknownMessage = errors.New("unknown or finalized message")

	// ErrGateway signifies that the upstream model service failed or could not
	// be reached. Mapped to 502 Bad Gateway.
	ErrGateway = errors.New("model gateway error")

	// ErrStreamTruncated signifies that a response stream ended in the middle
	// of a record.
	ErrStreamTruncated = errors.New("response stream truncated")
)

// GatewayError carries the upstream status and a bounded excerpt of the
// upstream body. StatusCode is 0 when the request never got a response.
type GatewayError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("model gateway: upstream status %d: %v", e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("model gateway: upstream status %d: %s", e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("model gateway: %v", e.Err)
	default:
		return "model gateway: unknown failure"
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Is makes every GatewayError match ErrGateway.
func (e *GatewayError) Is(target error) bool { return target == ErrGateway }
