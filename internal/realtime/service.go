// Package realtime multiplexes local watch requests onto one upstream
// subscription per watch identity.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/change"
	"github.com/dgnsrekt/hzwatch/internal/connection"
	"github.com/dgnsrekt/hzwatch/internal/dispatch"
	"github.com/dgnsrekt/hzwatch/internal/metrics"
	"github.com/dgnsrekt/hzwatch/internal/registry"
	"github.com/dgnsrekt/hzwatch/internal/resolver"
	"github.com/dgnsrekt/hzwatch/internal/scope"
	"github.com/dgnsrekt/hzwatch/internal/transport"
)

const (
	DefaultSyncTimeout = 5 * time.Second

	// resumeTimeout bounds reopening one subscription after a reconnect.
	resumeTimeout = 30 * time.Second
)

// Connection is the connection manager as seen by the service.
type Connection interface {
	resolver.Connector
	Status() connection.Status
	Disconnect() error
}

// Config configures a Service.
type Config struct {
	// DedupWindow is how long a local write waits for its echo.
	DedupWindow time.Duration
	// SyncTimeout bounds how long Watch waits for the initial result set.
	SyncTimeout time.Duration
	// TeardownIdle closes an upstream subscription when its last subscriber
	// leaves. By default subscriptions stay open for the service lifetime.
	TeardownIdle bool

	Clock   clock.Clock
	Metrics *metrics.Metrics
	// OnError observes dispatch anomalies and delivery failures.
	OnError func(error)
}

// WatchRequest asks for the changes of model within the given options.
type WatchRequest struct {
	Model      string
	Options    scope.Options
	Subscriber change.Subscriber
	Owner      string
}

// WatchResult describes a successful Watch.
type WatchResult struct {
	Identity        scope.Identity
	SubscriberIndex int
	// Snapshot is the watched result set when Watch returned.
	Snapshot []change.Record
	// Synced is false when the initial result set was still incomplete after
	// the sync timeout.
	Synced bool
}

type watchSpec struct {
	model string
	opts  scope.Options
}

// Service is the watch engine of one application session.
type Service struct {
	cfg      Config
	conn     Connection
	resolver *resolver.Resolver
	watchers *registry.Watchers
	subs     *registry.Subscribers
	pending  *dispatch.PendingWrites
	disp     *dispatch.Dispatcher
	clock    clock.Clock
	logger   *zap.Logger

	// mu orders subscriber registration against idle teardown.
	mu      sync.Mutex
	specs   map[scope.Identity]watchSpec
	orphans map[scope.Identity]struct{}
	closed  bool

	stopStatus func()
}

// New wires a Service on top of conn.
func New(conn Connection, cfg Config, logger *zap.Logger) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}

	s := &Service{
		cfg:      cfg,
		conn:     conn,
		resolver: resolver.New(conn, logger),
		subs:     registry.NewSubscribers(cfg.Metrics),
		pending:  dispatch.NewPendingWrites(cfg.Clock, cfg.DedupWindow),
		clock:    cfg.Clock,
		logger:   logger,
		specs:    make(map[scope.Identity]watchSpec),
		orphans:  make(map[scope.Identity]struct{}),
	}
	s.disp = dispatch.New(s.subs, s.pending, dispatch.Config{
		Clock:   cfg.Clock,
		Metrics: cfg.Metrics,
		OnError: cfg.OnError,
	}, logger)
	s.watchers = registry.NewWatchers(s.disp.Dispatch, logger, cfg.Metrics)
	s.watchers.OnEnded(s.watcherEnded)
	s.stopStatus = conn.OnStatus(func(st connection.Status) {
		if st == connection.StatusReady {
			go s.resume()
		}
	})
	return s
}

// Watch registers req.Subscriber for the changes of the request's scope,
// opening the upstream subscription if no other subscriber shares it. It
// returns once the initial result set is complete or the sync timeout has
// passed.
func (s *Service) Watch(ctx context.Context, req WatchRequest) (WatchResult, error) {
	if req.Subscriber == nil {
		return WatchResult{}, ErrNoCallback
	}
	identity := scope.Compute(req.Model, req.Options)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return WatchResult{}, ErrClosed
	}
	sub := s.subs.Add(identity, req.Subscriber, req.Owner)
	if _, ok := s.specs[identity]; !ok {
		s.specs[identity] = watchSpec{model: req.Model, opts: req.Options}
	}
	s.mu.Unlock()

	w, err := s.ensure(ctx, identity, req.Model, req.Options)
	if err != nil {
		s.drop(identity, sub.Index)
		return WatchResult{}, err
	}

	synced, err := s.awaitSync(ctx, w)
	if err != nil {
		s.drop(identity, sub.Index)
		return WatchResult{}, err
	}

	s.logger.Debug("watch registered",
		zap.String("identity", identity.String()),
		zap.Int("subscriber", sub.Index),
		zap.String("owner", req.Owner),
		zap.Bool("synced", synced),
	)
	return WatchResult{
		Identity:        identity,
		SubscriberIndex: sub.Index,
		Snapshot:        w.Snapshot(),
		Synced:          synced,
	}, nil
}

func (s *Service) ensure(ctx context.Context, identity scope.Identity, model string, opts scope.Options) (*registry.Watcher, error) {
	return s.watchers.Ensure(ctx, identity, model, func(ctx context.Context) (transport.ChangeStream, error) {
		coll, err := s.resolver.Resolve(ctx, model)
		if err != nil {
			return nil, err
		}
		return coll.Watch(ctx, transport.WatchOptions{
			Raw:   opts.Raw(),
			Query: opts.Query,
			ID:    opts.ID,
		})
	})
}

func (s *Service) awaitSync(ctx context.Context, w *registry.Watcher) (bool, error) {
	select {
	case <-w.Synced():
		return true, nil
	default:
	}
	if s.cfg.SyncTimeout < 0 {
		return false, nil
	}

	select {
	case <-w.Synced():
		return true, nil
	case <-w.Done():
		if err := w.Err(); err != nil {
			return false, fmt.Errorf("%w: %w", registry.ErrWatcherClosed, err)
		}
		return false, registry.ErrWatcherClosed
	case <-s.clock.After(s.cfg.SyncTimeout):
		s.logger.Warn("watch not synced in time",
			zap.String("identity", w.Identity.String()),
			zap.Duration("timeout", s.cfg.SyncTimeout),
		)
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// drop removes a subscriber whose Watch failed.
func (s *Service) drop(identity scope.Identity, index int) {
	if err := s.Unwatch(identity, index); err != nil {
		s.logger.Debug("dropping failed watch", zap.String("identity", identity.String()), zap.Error(err))
	}
}

// IsWatching reports whether an upstream subscription is open for identity.
func (s *Service) IsWatching(identity scope.Identity) bool {
	return s.watchers.Has(identity)
}

// IsModelWatched reports whether any subscription of model is open.
func (s *Service) IsModelWatched(model string) bool {
	for _, m := range s.watchers.Models() {
		if m == model {
			return true
		}
	}
	return false
}

// Unwatch removes one subscriber. No event is delivered to it afterwards.
func (s *Service) Unwatch(identity scope.Identity, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining, err := s.subs.Remove(identity, index)
	if err != nil {
		return fmt.Errorf("%w: %s #%d: %w", ErrNotWatching, identity, index, err)
	}
	if remaining > 0 {
		return nil
	}

	if s.cfg.TeardownIdle {
		delete(s.orphans, identity)
		delete(s.specs, identity)
		if s.watchers.Remove(identity) {
			s.logger.Info("idle watcher closed", zap.String("identity", identity.String()))
		}
	}
	return nil
}

// SubscriberCount returns the number of subscribers of identity.
func (s *Service) SubscriberCount(identity scope.Identity) int {
	return s.subs.Count(identity)
}

// WatcherCount returns the number of open upstream subscriptions.
func (s *Service) WatcherCount() int {
	return s.watchers.Len()
}

// RecordLocalWrite opens the echo window of a local write to (model, id).
func (s *Service) RecordLocalWrite(model, id string) {
	s.pending.Mark(model, id)
}

// RegisterCallback adds a callback for every event of model, or of every
// model when model is "". It runs after the identity subscribers.
func (s *Service) RegisterCallback(model string, sub change.Subscriber) error {
	if sub == nil {
		return ErrNoCallback
	}
	s.disp.RegisterGlobal(model, sub)
	return nil
}

// SetReconciler installs the record cache whose optimistic edits are rolled
// back when the server removes their record.
func (s *Service) SetReconciler(r dispatch.Reconciler) {
	s.disp.SetReconciler(r)
}

// Resolve returns the collection handle of model.
func (s *Service) Resolve(ctx context.Context, model string) (transport.Collection, error) {
	return s.resolver.Resolve(ctx, model)
}

// watcherEnded remembers a subscription lost with the connection so that it
// is reopened on the next ready.
func (s *Service) watcherEnded(w *registry.Watcher) {
	s.mu.Lock()
	if !s.keepLocked(w.Identity) {
		s.mu.Unlock()
		return
	}
	s.orphans[w.Identity] = struct{}{}
	s.mu.Unlock()

	if s.conn.Status() == connection.StatusReady {
		go s.resume()
	}
}

// keepLocked reports whether the subscription of identity should survive a
// reconnect. s.mu must be held.
func (s *Service) keepLocked(identity scope.Identity) bool {
	if s.closed {
		return false
	}
	if _, ok := s.specs[identity]; !ok {
		return false
	}
	return !s.cfg.TeardownIdle || s.subs.Count(identity) > 0
}

// resume reopens orphaned subscriptions.
func (s *Service) resume() {
	s.mu.Lock()
	if s.closed || len(s.orphans) == 0 {
		s.mu.Unlock()
		return
	}
	todo := make(map[scope.Identity]watchSpec, len(s.orphans))
	for id := range s.orphans {
		todo[id] = s.specs[id]
	}
	s.orphans = make(map[scope.Identity]struct{})
	s.mu.Unlock()

	for id, spec := range todo {
		ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
		_, err := s.ensure(ctx, id, spec.model, spec.opts)
		cancel()
		if err != nil {
			s.logger.Warn("reopening watcher failed", zap.String("identity", id.String()), zap.Error(err))
			s.mu.Lock()
			if s.keepLocked(id) {
				s.orphans[id] = struct{}{}
			}
			s.mu.Unlock()
			continue
		}
		s.logger.Info("watcher reopened", zap.String("identity", id.String()))
	}
}

// Close ends every upstream subscription, drops all subscribers and
// disconnects.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stopStatus()
	err := s.watchers.CloseAll(ctx)
	for _, id := range s.subs.Identities() {
		s.subs.RemoveAll(id)
	}
	s.resolver.Close()
	if derr := s.conn.Disconnect(); err == nil {
		err = derr
	}
	return err
}
