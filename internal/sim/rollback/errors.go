package rollback

import (
	"errors"
	"fmt"

	"rollnet.dev/internal/protocol"
)

var (
	// ErrStaleEvent marks an event older than the retained window.
	ErrStaleEvent = errors.New("event older than retained window")
	// ErrFutureQueueFull is reported when a sender exceeds its future queue.
	ErrFutureQueueFull = errors.New("future event queue full")
	// ErrIdentityConflict is returned when an id is already bound, or when a
	// correction names an id this participant never bound.
	ErrIdentityConflict = errors.New("rollback id conflict")
	// ErrNotCurrent is returned when a frame is not held by the ring.
	ErrNotCurrent = errors.New("frame not in retained window")
)

// DivergenceError means the step function failed or panicked. The history
// after Frame can no longer be trusted; the owning session must stop.
type DivergenceError struct {
	Frame protocol.Frame
	Err   error
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("divergence at frame %d: %v", e.Frame, e.Err)
}

func (e *DivergenceError) Unwrap() error { return e.Err }

// Code maps err onto a wire error code.
func Code(err error) string {
	var div *DivergenceError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &div):
		return protocol.ErrDivergence
	case errors.Is(err, ErrStaleEvent):
		return protocol.ErrStale
	case errors.Is(err, ErrFutureQueueFull):
		return protocol.ErrQueueFull
	case errors.Is(err, ErrIdentityConflict):
		return protocol.ErrIdentity
	default:
		return protocol.ErrInternal
	}
}
