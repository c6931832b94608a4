// Package resolver hands out one remote collection handle per model.
package resolver

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/connection"
	"github.com/dgnsrekt/hzwatch/internal/transport"
)

// Connector is the part of connection.Manager the resolver needs.
type Connector interface {
	Connect(ctx context.Context) (transport.Client, error)
	OnStatus(fn func(connection.Status)) func()
}

// Resolver caches collection handles for the lifetime of a connection.
type Resolver struct {
	conn   Connector
	logger *zap.Logger

	mu      sync.Mutex
	handles map[string]transport.Collection

	stop func()
}

// New creates a Resolver. Its cache is cleared whenever the connection
// leaves the ready state.
func New(conn Connector, logger *zap.Logger) *Resolver {
	r := &Resolver{
		conn:    conn,
		logger:  logger,
		handles: make(map[string]transport.Collection),
	}
	r.stop = conn.OnStatus(func(s connection.Status) {
		if s != connection.StatusReady {
			r.Invalidate()
		}
	})
	return r
}

// Resolve waits for the connection and returns the handle of model.
func (r *Resolver) Resolve(ctx context.Context, model string) (transport.Collection, error) {
	client, err := r.conn.Connect(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[model]; ok {
		return h, nil
	}
	h := client.Collection(model)
	r.handles[model] = h
	r.logger.Debug("collection resolved", zap.String("model", model))
	return h, nil
}

// Invalidate drops every cached handle.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.handles) == 0 {
		return
	}
	r.handles = make(map[string]transport.Collection)
}

// Len returns the number of cached handles.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Close stops following connection status changes.
func (r *Resolver) Close() {
	r.stop()
}
