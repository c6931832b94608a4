// Package registry keeps the active upstream subscriptions (watchers) and
// the local subscribers attached to each watch identity.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dgnsrekt/hzwatch/internal/change"
	"github.com/dgnsrekt/hzwatch/internal/metrics"
	"github.com/dgnsrekt/hzwatch/internal/scope"
	"github.com/dgnsrekt/hzwatch/internal/transport"
)

// OpenFunc opens the upstream subscription of a new watcher.
type OpenFunc func(ctx context.Context) (transport.ChangeStream, error)

// DispatchFunc handles one batch of raw changes for a watcher. Calls for the
// same watcher never overlap and follow arrival order.
type DispatchFunc func(w *Watcher, batch []transport.RawChange)

// Watcher is one upstream subscription and the result set it maintains.
type Watcher struct {
	Identity scope.Identity
	Model    string

	stream transport.ChangeStream

	mu       sync.RWMutex
	snapshot map[string]change.Record

	synced   chan struct{}
	syncOnce sync.Once
	done     chan struct{}
}

// NewWatcher creates a watcher that no registry owns. Watchers.Ensure is
// the usual way to get one.
func NewWatcher(identity scope.Identity, model string, stream transport.ChangeStream) *Watcher {
	return &Watcher{
		Identity: identity,
		Model:    model,
		stream:   stream,
		snapshot: make(map[string]change.Record),
		synced:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Snapshot returns copies of the current records ordered by id.
func (w *Watcher) Snapshot() []change.Record {
	w.mu.RLock()
	defer w.mu.RUnlock()

	ids := make([]string, 0, len(w.snapshot))
	for id := range w.snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]change.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, w.snapshot[id].Clone())
	}
	return out
}

// Get returns the current record with the given id.
func (w *Watcher) Get(id string) (change.Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	rec, ok := w.snapshot[id]
	return rec, ok
}

// Put stores rec in the snapshot.
func (w *Watcher) Put(rec change.Record) {
	w.mu.Lock()
	w.snapshot[rec.ID()] = rec
	w.mu.Unlock()
}

// Delete drops the record with the given id from the snapshot.
func (w *Watcher) Delete(id string) {
	w.mu.Lock()
	delete(w.snapshot, id)
	w.mu.Unlock()
}

// MarkSynced records that the initial result set is complete.
func (w *Watcher) MarkSynced() {
	w.syncOnce.Do(func() { close(w.synced) })
}

// Synced is closed once the initial result set is complete.
func (w *Watcher) Synced() <-chan struct{} { return w.synced }

// Done is closed once the upstream subscription has ended.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Err returns the error that ended the upstream subscription, if any.
func (w *Watcher) Err() error {
	if w.stream == nil {
		return nil
	}
	return w.stream.Err()
}

// Watchers holds at most one Watcher per identity.
type Watchers struct {
	dispatch DispatchFunc
	logger   *zap.Logger
	metrics  *metrics.Metrics

	group singleflight.Group

	mu      sync.Mutex
	active  map[scope.Identity]*Watcher
	onEnded func(*Watcher)
}

func NewWatchers(dispatch DispatchFunc, logger *zap.Logger, m *metrics.Metrics) *Watchers {
	return &Watchers{
		dispatch: dispatch,
		logger:   logger,
		metrics:  m,
		active:   make(map[scope.Identity]*Watcher),
	}
}

// OpenTimeout bounds an upstream open once it no longer follows the
// context of the caller that started it.
const OpenTimeout = 30 * time.Second

// Ensure returns the watcher of identity, calling open to create it if none
// is active. Concurrent calls for the same identity share one open. The open
// runs detached from ctx, so a caller giving up does not fail the others;
// ctx only bounds how long this caller waits.
func (r *Watchers) Ensure(ctx context.Context, identity scope.Identity, model string, open OpenFunc) (*Watcher, error) {
	if w, ok := r.Get(identity); ok {
		return w, nil
	}

	ch := r.group.DoChan(string(identity), func() (any, error) {
		if w, ok := r.Get(identity); ok {
			return w, nil
		}

		openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), OpenTimeout)
		defer cancel()
		stream, err := open(openCtx)
		if err != nil {
			return nil, err
		}

		w := NewWatcher(identity, model, stream)
		r.mu.Lock()
		r.active[identity] = w
		r.mu.Unlock()
		r.metrics.WatcherOpened()

		r.logger.Info("watcher opened",
			zap.String("identity", identity.String()),
			zap.String("model", model),
		)
		go r.pump(w)
		return w, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Watcher), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pump feeds the watcher's batches to the dispatcher until the stream ends.
func (r *Watchers) pump(w *Watcher) {
	defer close(w.done)

	for batch := range w.stream.Changes() {
		r.dispatch(w, batch)
	}

	r.mu.Lock()
	ended := r.active[w.Identity] == w
	if ended {
		delete(r.active, w.Identity)
	}
	onEnded := r.onEnded
	r.mu.Unlock()
	r.metrics.WatcherClosed()

	if !ended {
		r.logger.Info("watcher closed", zap.String("identity", w.Identity.String()))
		return
	}
	r.logger.Warn("watcher ended",
		zap.String("identity", w.Identity.String()),
		zap.Error(w.Err()),
	)
	if onEnded != nil {
		onEnded(w)
	}
}

// OnEnded sets fn to be called when an upstream subscription ends without
// Remove, for example because the connection dropped.
func (r *Watchers) OnEnded(fn func(*Watcher)) {
	r.mu.Lock()
	r.onEnded = fn
	r.mu.Unlock()
}

// Get returns the active watcher of identity.
func (r *Watchers) Get(identity scope.Identity) (*Watcher, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.active[identity]
	return w, ok
}

// Has reports whether identity has an active watcher.
func (r *Watchers) Has(identity scope.Identity) bool {
	_, ok := r.Get(identity)
	return ok
}

// Len returns the number of active watchers.
func (r *Watchers) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Models returns the distinct models with an active watcher.
func (r *Watchers) Models() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	for _, w := range r.active {
		if _, ok := seen[w.Model]; ok {
			continue
		}
		seen[w.Model] = struct{}{}
		out = append(out, w.Model)
	}
	sort.Strings(out)
	return out
}

// Remove detaches the watcher of identity and closes its upstream
// subscription. It reports false when there was none.
func (r *Watchers) Remove(identity scope.Identity) bool {
	r.mu.Lock()
	w, ok := r.active[identity]
	delete(r.active, identity)
	r.mu.Unlock()

	if !ok {
		return false
	}
	if err := w.stream.Close(); err != nil {
		r.logger.Debug("closing watcher stream", zap.String("identity", identity.String()), zap.Error(err))
	}
	return true
}

// CloseAll removes every watcher and waits for their pumps to finish or for
// ctx to end.
func (r *Watchers) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Watcher, 0, len(r.active))
	for _, w := range r.active {
		all = append(all, w)
	}
	r.mu.Unlock()

	for _, w := range all {
		r.Remove(w.Identity)
	}
	for _, w := range all {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
