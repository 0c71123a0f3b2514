// Package errs holds the error classes shared by the device session, the
// capture controller, the sequence coordinator and the request layer.
//
// Producers wrap one of the sentinels with context:
//
//	return fmt.Errorf("%w: device %q", errs.ErrNotFound, name)
//
// and consumers test the class with errors.Is.
package errs

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned for an unknown device, property or sequence.
	ErrNotFound = errors.New("not found")

	// ErrBusy is returned when a capture is already in progress for a device.
	ErrBusy = errors.New("busy")

	// ErrNotCapturable is returned when a device lacks exposure capability.
	ErrNotCapturable = errors.New("not capturable")

	// ErrBackend is returned on device-bus communication failure.
	ErrBackend = errors.New("backend error")

	// ErrTimeout is returned when the device bus does not answer in time.
	ErrTimeout = errors.New("timeout")

	// ErrInvalidState is returned when a sequence is not in the state an operation requires.
	ErrInvalidState = errors.New("invalid state")

	// ErrBadRequest is returned for malformed arguments (request layer only).
	ErrBadRequest = errors.New("bad request")
)

var classes = []struct {
	err  error
	name string
}{
	{ErrNotFound, "NotFound"},
	{ErrBusy, "Busy"},
	{ErrNotCapturable, "NotCapturable"},
	{ErrTimeout, "Timeout"},
	{ErrInvalidState, "InvalidState"},
	{ErrBadRequest, "BadRequest"},
	{ErrBackend, "BackendError"},
}

// Kind returns the class name of err, or "" if err is nil or unclassified.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.name
		}
	}
	return ""
}

// FromKind returns the sentinel for a class name produced by Kind.
// Unknown names map to ErrBackend.
func FromKind(kind string) error {
	for _, c := range classes {
		if c.name == kind {
			return c.err
		}
	}
	return ErrBackend
}

// Classified reports whether err already carries one of the classes.
func Classified(err error) bool {
	return Kind(err) != ""
}

// Message returns the text shown to users in notifications: the error
// string with a leading class prefix capitalized.
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if msg == "" {
		return msg
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
