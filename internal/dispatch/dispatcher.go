// Package dispatch classifies raw change documents and fans the resulting
// events out to the subscribers of a watch identity.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/juju/clock"
	"github.com/wI2L/jsondiff"
	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/change"
	"github.com/dgnsrekt/hzwatch/internal/metrics"
	"github.com/dgnsrekt/hzwatch/internal/registry"
	"github.com/dgnsrekt/hzwatch/internal/transport"
)

// Reconciler gives access to optimistic local edits of the record cache.
type Reconciler interface {
	HasPendingEdit(model, id string) bool
	RollbackEdit(model, id string) bool
}

// Config holds the optional collaborators of a Dispatcher.
type Config struct {
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	Reconciler Reconciler
	// OnError observes anomalies and delivery failures after they are logged.
	OnError func(error)
}

// Dispatcher turns raw change batches into events for local subscribers.
type Dispatcher struct {
	subs       *registry.Subscribers
	pending    *PendingWrites
	reconciler Reconciler
	clock      clock.Clock
	metrics    *metrics.Metrics
	onError    func(error)
	logger     *zap.Logger

	gmu     sync.RWMutex
	globals map[string][]change.Subscriber
}

func New(subs *registry.Subscribers, pending *PendingWrites, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if pending == nil {
		pending = NewPendingWrites(cfg.Clock, DefaultWindow)
	}
	return &Dispatcher{
		subs:       subs,
		pending:    pending,
		reconciler: cfg.Reconciler,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		onError:    cfg.OnError,
		logger:     logger,
		globals:    make(map[string][]change.Subscriber),
	}
}

// SetReconciler installs the record cache whose edits are rolled back when
// the server removes their record.
func (d *Dispatcher) SetReconciler(r Reconciler) {
	d.gmu.Lock()
	d.reconciler = r
	d.gmu.Unlock()
}

// RegisterGlobal adds a callback that receives every delivered event of
// model after the identity subscribers. model "" matches every model.
func (d *Dispatcher) RegisterGlobal(model string, sub change.Subscriber) {
	d.gmu.Lock()
	defer d.gmu.Unlock()
	d.globals[model] = append(d.globals[model], sub)
}

// Dispatch processes one batch for w. It is a registry.DispatchFunc.
func (d *Dispatcher) Dispatch(w *registry.Watcher, batch []transport.RawChange) {
	for _, rc := range batch {
		ev, ok := d.classify(w, rc)
		if !ok {
			continue
		}
		d.metrics.EventDispatched(w.Model, string(ev.Kind))
		d.deliver(w, ev)
	}
}

// classify updates the watcher snapshot and returns the event to deliver, if
// any.
func (d *Dispatcher) classify(w *registry.Watcher, rc transport.RawChange) (change.Event, bool) {
	ev := change.Event{Model: w.Model, Identity: w.Identity, At: d.clock.Now()}
	oldRec, newRec := change.Record(rc.OldVal), change.Record(rc.NewVal)

	switch rc.Type {
	case transport.TypeInitial:
		if newRec.ID() != "" {
			w.Put(newRec)
		}
		return ev, false

	case transport.TypeUninitial:
		w.Delete(oldRec.ID())
		return ev, false

	case transport.TypeState:
		if rc.State == transport.StateSynced {
			w.MarkSynced()
		}
		return ev, false

	case transport.TypeAdd:
		return d.added(w, ev, newRec)

	case transport.TypeChange:
		switch {
		case oldRec == nil:
			return d.added(w, ev, newRec)
		case newRec == nil:
			return d.removed(w, ev, oldRec)
		}
		return d.changed(w, ev, oldRec, newRec)

	case transport.TypeRemove:
		return d.removed(w, ev, oldRec)

	default:
		d.logger.Debug("ignoring change",
			zap.String("identity", w.Identity.String()),
			zap.String("type", rc.Type),
		)
		return ev, false
	}
}

func (d *Dispatcher) added(w *registry.Watcher, ev change.Event, rec change.Record) (change.Event, bool) {
	id := rec.ID()
	if id == "" {
		d.logger.Debug("add without id", zap.String("identity", w.Identity.String()))
		return ev, false
	}
	ev.Kind = change.Added
	ev.New = rec
	if d.pending.Consume(w.Model, id) {
		ev.Confirmed = true
		d.metrics.EchoConfirmed(w.Model)
	}
	w.Put(rec)
	return ev, true
}

func (d *Dispatcher) changed(w *registry.Watcher, ev change.Event, oldRec, newRec change.Record) (change.Event, bool) {
	ev.Kind = change.Changed
	ev.Old = oldRec
	ev.New = newRec

	oldID, newID := oldRec.ID(), newRec.ID()
	if oldID != newID {
		err := fmt.Errorf("%w: %s/%s became %s/%s", ErrIdentityAnomaly, w.Model, oldID, w.Model, newID)
		d.logger.Warn("identity anomaly",
			zap.String("identity", w.Identity.String()),
			zap.String("oldID", oldID),
			zap.String("newID", newID),
			zap.Error(err),
		)
		d.metrics.IdentityAnomaly(w.Model)
		d.report(err)
		w.Delete(oldID)
	}

	patch, err := jsondiff.Compare(map[string]any(oldRec), map[string]any(newRec))
	if err != nil {
		d.logger.Debug("diff failed", zap.String("identity", w.Identity.String()), zap.Error(err))
	}
	ev.Patch = patch

	if d.pending.Consume(w.Model, newID) {
		ev.Confirmed = true
		d.metrics.EchoConfirmed(w.Model)
	}
	w.Put(newRec)
	return ev, true
}

func (d *Dispatcher) removed(w *registry.Watcher, ev change.Event, rec change.Record) (change.Event, bool) {
	id := rec.ID()
	if id == "" {
		d.logger.Debug("remove without id", zap.String("identity", w.Identity.String()))
		return ev, false
	}
	ev.Kind = change.Removed
	ev.Old = rec

	w.Delete(id)
	// A scoped watcher also reports records that merely left its result
	// set, which says nothing about local edits of them.
	if w.Identity.Scoped() {
		return ev, true
	}

	d.pending.Consume(w.Model, id)

	d.gmu.RLock()
	rc := d.reconciler
	d.gmu.RUnlock()
	if rc != nil && rc.HasPendingEdit(w.Model, id) {
		rc.RollbackEdit(w.Model, id)
		d.logger.Info("rolled back local edit of removed record",
			zap.String("model", w.Model),
			zap.String("id", id),
		)
	}
	return ev, true
}

// deliver hands ev to the identity subscribers in index order, then to the
// global callbacks. Failures are isolated per subscriber.
func (d *Dispatcher) deliver(w *registry.Watcher, ev change.Event) {
	for _, sub := range d.subs.List(w.Identity) {
		if !sub.Active() {
			continue
		}
		if err := safeDeliver(sub.Sink, ev); err != nil {
			d.failed(&SubscriberDeliveryError{Identity: w.Identity, Index: sub.Index, Err: err}, ev, sub.Owner)
		}
	}

	d.gmu.RLock()
	globals := make([]change.Subscriber, 0, len(d.globals[ev.Model])+len(d.globals[""]))
	globals = append(globals, d.globals[ev.Model]...)
	if ev.Model != "" {
		globals = append(globals, d.globals[""]...)
	}
	d.gmu.RUnlock()

	for _, g := range globals {
		if err := safeDeliver(g, ev); err != nil {
			d.failed(&SubscriberDeliveryError{Identity: w.Identity, Err: err}, ev, "")
		}
	}
}

func (d *Dispatcher) failed(err *SubscriberDeliveryError, ev change.Event, owner string) {
	d.logger.Warn("subscriber delivery failed",
		zap.String("identity", err.Identity.String()),
		zap.Int("subscriber", err.Index),
		zap.String("owner", owner),
		zap.Stringer("event", ev),
		zap.Error(err.Err),
	)
	d.metrics.DeliveryFailed(ev.Model)
	d.report(err)
}

func (d *Dispatcher) report(err error) {
	if d.onError != nil {
		d.onError(err)
	}
}

func safeDeliver(sub change.Subscriber, ev change.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sub.Deliver(ev)
}
