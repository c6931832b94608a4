package transport

import (
	"errors"
	"fmt"
)

var (
	ErrClosed        = errors.New("transport: connection closed")
	ErrNotConnected  = errors.New("transport: not connected")
	ErrHandshake     = errors.New("transport: handshake rejected")
	ErrMissingID     = errors.New("transport: document has no id")
	ErrUnknownFrame  = errors.New("transport: unknown frame type")
	ErrStreamStopped = errors.New("transport: stream stopped by server")
)

// RemoteError is an error reported by the server for one request.
type RemoteError struct {
	RequestID int64
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("request %d: %s", e.RequestID, e.Message)
}
