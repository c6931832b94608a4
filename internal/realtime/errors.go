package realtime

import "errors"

var (
	ErrNoCallback  = errors.New("realtime: watch requested without a callback")
	ErrNotWatching = errors.New("realtime: no such subscription")
	ErrClosed      = errors.New("realtime: service closed")
)
