package lifecycle

import "errors"

var (
	// ErrNotRegistered is returned for component names that were never registered.
	ErrNotRegistered = errors.New("component not registered")
	// ErrFactoryFailed wraps errors and panics raised by a component factory.
	ErrFactoryFailed = errors.New("component factory failed")
	// ErrTypeMismatch is returned by Borrow when the instance has another type.
	ErrTypeMismatch = errors.New("component type mismatch")

	errRetired = errors.New("component definition replaced")
)
