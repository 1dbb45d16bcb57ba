package lvp

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshakeTimeout reports that the device did not acknowledge the
	// handshake within Config.HandshakeTimeout.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrInvalidSpec reports a malformed function specification.
	ErrInvalidSpec = errors.New("invalid function specification")

	// ErrUnknownFunction reports a call to a name never declared.
	ErrUnknownFunction = errors.New("unknown function")

	// ErrQuiet reports an operation that needs a device response while
	// the link is suppressing them.
	ErrQuiet = errors.New("link is in quiet mode")
)

// ProtocolError is a device response that does not match the expected
// grammar. Raw carries the full response text for diagnosis.
type ProtocolError struct {
	Op   string // "get" or "set"
	Name string // parameter involved
	Raw  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected %s response for %q: %q", e.Op, e.Name, e.Raw)
}
