// Package transport provides the byte-stream abstraction LVP links talk
// through, with a real serial implementation and an in-memory pipe for
// tests and simulation.
package transport

import "time"

// NoTimeout makes read calls block until data arrives.
const NoTimeout time.Duration = -1

// Transport is a line-oriented byte stream to one device. Implementations
// are not required to be safe for concurrent use; the link serializes
// access with its own lock.
type Transport interface {
	// SetReadTimeout changes the timeout applied to subsequent reads.
	// Pass NoTimeout to block indefinitely.
	SetReadTimeout(d time.Duration) error

	// ReadLine reads up to and including the next '\n'. When the read
	// timeout expires first it returns whatever was received so far,
	// possibly nothing, with a nil error.
	ReadLine() ([]byte, error)

	// ReadUntil reads until the stream has produced the delimiter
	// sequence, returning everything read including the delimiter. On
	// timeout it returns the partial data with a nil error.
	ReadUntil(delim []byte) ([]byte, error)

	// Write sends raw bytes to the device.
	Write(p []byte) (int, error)

	Close() error
}
