// Package transport talks to a Horizon-style realtime collection server.
//
// The multiplexing engine only depends on the Client, Collection and
// ChangeStream interfaces; WSClient is the websocket implementation used by
// the CLI and the integration tests.
package transport

import "context"

// Document is a record in its wire form.
type Document = map[string]any

// Raw change document types.
const (
	TypeInitial   = "initial"
	TypeUninitial = "uninitial"
	TypeAdd       = "add"
	TypeChange    = "change"
	TypeRemove    = "remove"
	TypeState     = "state"
)

// Stream states.
const (
	StateSynced   = "synced"
	StateComplete = "complete"
)

// RawChange is one change document emitted by a watch.
type RawChange struct {
	Type   string
	OldVal Document
	NewVal Document
	State  string
}

// WatchOptions scopes a watch on a collection.
type WatchOptions struct {
	// Raw asks for change documents. When false the server streams full
	// result sets and the client derives the changes.
	Raw   bool
	Query Document
	ID    string
}

// ChangeStream is an upstream subscription. Batches are delivered in arrival
// order; the channel is closed when the subscription ends.
type ChangeStream interface {
	Changes() <-chan []RawChange
	// Err reports why the stream ended, nil after a clean Close.
	Err() error
	Close() error
}

// Collection is a handle on one remote collection.
type Collection interface {
	Name() string
	Fetch(ctx context.Context) ([]Document, error)
	Find(ctx context.Context, filter Document) (Document, error)
	FindAll(ctx context.Context, filters ...Document) ([]Document, error)
	Store(ctx context.Context, doc Document) (string, error)
	Replace(ctx context.Context, doc Document) error
	Remove(ctx context.Context, id string) error
	Watch(ctx context.Context, opts WatchOptions) (ChangeStream, error)
}

// Client is the single transport connection. Connect reports its outcome
// through the registered callbacks; each On* method returns a function that
// removes the callback.
type Client interface {
	Connect(ctx context.Context)
	Disconnect() error
	OnReady(func()) func()
	OnDisconnected(func(error)) func()
	OnSocketError(func(error)) func()
	Collection(name string) Collection
}
