package adapter

import (
	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/change"
	"github.com/dgnsrekt/hzwatch/internal/store"
)

// StoreSink applies change events to the local record cache.
type StoreSink struct {
	store  *store.Store
	logger *zap.Logger
}

func NewStoreSink(st *store.Store, logger *zap.Logger) *StoreSink {
	return &StoreSink{store: st, logger: logger}
}

var _ change.Subscriber = (*StoreSink)(nil)

// Deliver pushes Added and Changed records and drops Removed ones. An echo
// of a local write settles the pending edit; the record is pushed by id, so
// the cache never holds it twice.
func (s *StoreSink) Deliver(ev change.Event) error {
	switch ev.Kind {
	case change.Added:
		if ev.Confirmed {
			s.store.CommitEdit(ev.Model, ev.New.ID())
		}
		return s.store.Push(ev.Model, ev.New)

	case change.Changed:
		if oldID, newID := ev.Old.ID(), ev.New.ID(); oldID != newID {
			s.store.Remove(ev.Model, oldID)
		}
		if ev.Confirmed {
			s.store.CommitEdit(ev.Model, ev.New.ID())
		}
		return s.store.Push(ev.Model, ev.New)

	case change.Removed:
		if !s.store.Remove(ev.Model, ev.Old.ID()) {
			s.logger.Debug("removed record was not cached",
				zap.String("model", ev.Model),
				zap.String("id", ev.Old.ID()),
			)
		}
	}
	return nil
}
