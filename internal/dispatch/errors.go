package dispatch

import "errors"

var (
	// ErrQueueFull is returned by Submit when the queue is at capacity.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrUnknownKind rejects events whose kind is outside the declared set.
	ErrUnknownKind = errors.New("unknown event kind")
	// ErrInvalidEvent rejects nil events and events with an invalid priority.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrHandlerTimeout marks a handler that outlived its deadline.
	ErrHandlerTimeout = errors.New("handler timed out")
	// ErrHandlerPanic marks a handler that panicked.
	ErrHandlerPanic = errors.New("handler panicked")
)
