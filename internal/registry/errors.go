package registry

import "errors"

var (
	ErrUnknownSubscriber = errors.New("registry: unknown subscriber")
	ErrWatcherClosed     = errors.New("registry: watcher closed")
)
