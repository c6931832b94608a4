package connection

import (
	"errors"
	"fmt"
)

// ErrConnection matches every ConnectionError with errors.Is.
var ErrConnection = errors.New("connection error")

// Reasons carried by a ConnectionError.
const (
	ReasonSocketError  = "socket-error"
	ReasonDisconnected = "disconnected"
)

// ConnectionError reports that the transport failed before becoming ready
// or dropped while a caller was waiting on it.
type ConnectionError struct {
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection %s: %v", e.Reason, e.Err)
	}
	return "connection " + e.Reason
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is reports whether target is ErrConnection.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}
