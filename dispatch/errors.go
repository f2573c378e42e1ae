package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/onnwee/stream-relay/capture"
	"github.com/onnwee/stream-relay/delivery"
)

var (
	// ErrValidation matches requests rejected before any work: unknown sender or bad URL.
	ErrValidation = errors.New("request rejected")
	// ErrBusy matches requests refused because an identical or too many jobs are in flight.
	ErrBusy = errors.New("busy")
)

// ValidationError carries the user-visible rejection reason.
type ValidationError struct {
	// Reason is a metric label: unauthorized, bad_url.
	Reason string
	Msg    string
}

func (e *ValidationError) Error() string        { return e.Msg }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// BusyError reports why a request could not be admitted.
type BusyError struct {
	// Reason is a metric label: duplicate, capacity.
	Reason string
	Key    Key
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("request %d/%d: %s", e.Key.ChatID, e.Key.MessageID, e.Reason)
}
func (e *BusyError) Is(target error) bool { return target == ErrBusy }

var errMaxDuration = errors.New("maximum capture duration reached")

// errStopped is the cancel cause for /stop and admin cancellation.
var errStopped = errors.New("stopped on request")

// Kind maps an error to the coarse label used for metrics, history rows and replies.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, capture.ErrCanceled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, capture.ErrStart):
		return "start"
	case errors.Is(err, capture.ErrBrokenInvariant):
		return "broken_invariant"
	case errors.Is(err, capture.ErrProcess):
		return "process"
	case errors.Is(err, delivery.ErrDelivery):
		return "delivery"
	default:
		return "internal"
	}
}
