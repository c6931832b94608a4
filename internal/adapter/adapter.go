// Package adapter is the CRUD layer over the watch engine: reads come from
// the local cache while a model is watched, writes are applied optimistically
// and rolled back when the server rejects them.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/change"
	"github.com/dgnsrekt/hzwatch/internal/dispatch"
	"github.com/dgnsrekt/hzwatch/internal/realtime"
	"github.com/dgnsrekt/hzwatch/internal/store"
	"github.com/dgnsrekt/hzwatch/internal/transport"
)

// ErrMissingID is returned for updates of records without an id.
var ErrMissingID = errors.New("adapter: record has no id")

// Engine is the part of realtime.Service the adapter uses.
type Engine interface {
	Resolve(ctx context.Context, model string) (transport.Collection, error)
	Watch(ctx context.Context, req realtime.WatchRequest) (realtime.WatchResult, error)
	IsModelWatched(model string) bool
	RecordLocalWrite(model, id string)
	SetReconciler(r dispatch.Reconciler)
}

var _ Engine = (*realtime.Service)(nil)

// Adapter reads and writes records of remote collections.
type Adapter struct {
	engine Engine
	store  *store.Store
	sink   *StoreSink
	logger *zap.Logger
}

// New creates an Adapter and makes st the reconciler of engine.
func New(engine Engine, st *store.Store, logger *zap.Logger) *Adapter {
	engine.SetReconciler(st)
	return &Adapter{
		engine: engine,
		store:  st,
		sink:   NewStoreSink(st, logger),
		logger: logger,
	}
}

// ListenForChanges keeps the local cache of model in sync with the server.
func (a *Adapter) ListenForChanges(ctx context.Context, model string) (realtime.WatchResult, error) {
	res, err := a.engine.Watch(ctx, realtime.WatchRequest{
		Model:      model,
		Subscriber: a.sink,
		Owner:      "store",
	})
	if err != nil {
		return res, fmt.Errorf("listen for %s: %w", model, err)
	}
	for _, rec := range res.Snapshot {
		if err := a.store.Push(model, rec); err != nil {
			a.logger.Debug("skipping snapshot record", zap.String("model", model), zap.Error(err))
		}
	}
	return res, nil
}

// FindRecord returns the record of model with the given id.
func (a *Adapter) FindRecord(ctx context.Context, model, id string) (change.Record, error) {
	if a.engine.IsModelWatched(model) {
		if rec, err := a.store.Peek(model, id); err == nil {
			return rec, nil
		}
	}

	coll, err := a.engine.Resolve(ctx, model)
	if err != nil {
		return nil, err
	}
	doc, err := coll.Find(ctx, transport.Document{"id": id})
	if err != nil {
		return nil, fmt.Errorf("find %s/%s: %w", model, id, err)
	}
	if doc == nil {
		return nil, store.ErrNotFound
	}
	return a.push(model, doc), nil
}

// FindAll returns every record of model.
func (a *Adapter) FindAll(ctx context.Context, model string) ([]change.Record, error) {
	if a.engine.IsModelWatched(model) {
		return a.store.PeekAll(model), nil
	}

	coll, err := a.engine.Resolve(ctx, model)
	if err != nil {
		return nil, err
	}
	docs, err := coll.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", model, err)
	}
	return a.pushAll(model, docs), nil
}

// FindMany returns the records of model with the given ids. Unknown ids are
// skipped.
func (a *Adapter) FindMany(ctx context.Context, model string, ids []string) ([]change.Record, error) {
	if a.engine.IsModelWatched(model) {
		out := make([]change.Record, 0, len(ids))
		for _, id := range ids {
			if rec, err := a.store.Peek(model, id); err == nil {
				out = append(out, rec)
			}
		}
		return out, nil
	}

	filters := make([]transport.Document, 0, len(ids))
	for _, id := range ids {
		filters = append(filters, transport.Document{"id": id})
	}
	return a.findAll(ctx, model, filters...)
}

// Query returns the records of model whose fields equal every field of q.
func (a *Adapter) Query(ctx context.Context, model string, q map[string]any) ([]change.Record, error) {
	if a.engine.IsModelWatched(model) {
		var out []change.Record
		for _, rec := range a.store.PeekAll(model) {
			if matches(rec, q) {
				out = append(out, rec)
			}
		}
		return out, nil
	}
	return a.findAll(ctx, model, q)
}

// QueryRecord returns the first record matching q.
func (a *Adapter) QueryRecord(ctx context.Context, model string, q map[string]any) (change.Record, error) {
	recs, err := a.Query(ctx, model, q)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, store.ErrNotFound
	}
	return recs[0], nil
}

func (a *Adapter) findAll(ctx context.Context, model string, filters ...transport.Document) ([]change.Record, error) {
	coll, err := a.engine.Resolve(ctx, model)
	if err != nil {
		return nil, err
	}
	docs, err := coll.FindAll(ctx, filters...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", model, err)
	}
	return a.pushAll(model, docs), nil
}

// CreateRecord stores a new record. A record without id gets a random one.
func (a *Adapter) CreateRecord(ctx context.Context, model string, rec change.Record) (change.Record, error) {
	rec = rec.Clone()
	if rec == nil {
		rec = change.Record{}
	}
	if rec.ID() == "" {
		rec["id"] = uuid.NewString()
	}

	err := a.write(ctx, model, rec.ID(), rec, func(coll transport.Collection) error {
		_, err := coll.Store(ctx, transport.Document(rec))
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateRecord replaces an existing record.
func (a *Adapter) UpdateRecord(ctx context.Context, model string, rec change.Record) error {
	id := rec.ID()
	if id == "" {
		return ErrMissingID
	}
	rec = rec.Clone()
	return a.write(ctx, model, id, rec, func(coll transport.Collection) error {
		return coll.Replace(ctx, transport.Document(rec))
	})
}

// DeleteRecord removes a record.
func (a *Adapter) DeleteRecord(ctx context.Context, model, id string) error {
	if id == "" {
		return ErrMissingID
	}
	return a.write(ctx, model, id, nil, func(coll transport.Collection) error {
		return coll.Remove(ctx, id)
	})
}

// write applies next locally, opens the echo window and sends the request.
// The local edit is rolled back when the request fails.
func (a *Adapter) write(ctx context.Context, model, id string, next change.Record, send func(transport.Collection) error) error {
	coll, err := a.engine.Resolve(ctx, model)
	if err != nil {
		return err
	}

	a.store.BeginEdit(model, id, next)
	a.engine.RecordLocalWrite(model, id)

	if err := send(coll); err != nil {
		a.store.RollbackEdit(model, id)
		a.logger.Warn("write rejected",
			zap.String("model", model),
			zap.String("id", id),
			zap.Error(err),
		)
		return fmt.Errorf("write %s/%s: %w", model, id, err)
	}
	a.store.CommitEdit(model, id)
	return nil
}

func (a *Adapter) push(model string, doc transport.Document) change.Record {
	rec := change.Record(doc)
	if err := a.store.Push(model, rec); err != nil {
		a.logger.Debug("not caching record", zap.String("model", model), zap.Error(err))
	}
	return rec
}

func (a *Adapter) pushAll(model string, docs []transport.Document) []change.Record {
	out := make([]change.Record, 0, len(docs))
	for _, doc := range docs {
		out = append(out, a.push(model, doc))
	}
	return out
}

func matches(rec change.Record, q map[string]any) bool {
	for k, want := range q {
		got, ok := rec[k]
		if !ok {
			return false
		}
		if k == "id" {
			if change.KeyString(got) != change.KeyString(want) {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
