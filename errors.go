package callmetrics

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMetrics is returned when a function has never been observed.
	ErrNoMetrics = errors.New("no metrics available")

	// ErrQueueFull means a snapshot could not be enqueued before the enqueue timeout.
	ErrQueueFull = errors.New("persistence queue is full")

	// ErrQueueClosed means a snapshot was offered after shutdown began.
	ErrQueueClosed = errors.New("persistence queue is closed")

	// ErrStoreInit wraps any failure to open or load the durable store at startup.
	ErrStoreInit = errors.New("durable store initialization failed")

	// ErrClosed is returned by operations on a collector that has been shut down.
	ErrClosed = errors.New("collector is shut down")
)

// PanicError tags a panic recovered from an instrumented function.
type PanicError struct {
	Function string
	Value    any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("function %s panicked: %v", e.Function, e.Value)
}
