package realtime

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/change"
	"github.com/dgnsrekt/hzwatch/internal/connection"
	"github.com/dgnsrekt/hzwatch/internal/devserver"
	"github.com/dgnsrekt/hzwatch/internal/transport"
)

func nextEvent(t *testing.T, events <-chan change.Event) change.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return change.Event{}
}

func TestWatchAgainstDevServer(t *testing.T) {
	tables := devserver.NewTables(zap.NewNop())
	tables.Store("todo", []transport.Document{{"id": "1", "title": "seed"}})
	srv := devserver.New(tables, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)
	ts := httptest.NewServer(devserver.NewRouter(srv, nil, zap.NewNop()))
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + devserver.Path

	mgr := connection.NewManager(transport.NewClient(transport.Options{URL: url}, zap.NewNop()), connection.Config{}, zap.NewNop())
	defer mgr.Close()
	svc := New(mgr, Config{DedupWindow: time.Second}, zap.NewNop())
	defer svc.Close(context.Background())

	events := make(chan change.Event, 16)
	first, err := svc.Watch(ctx, WatchRequest{
		Model:      "todo",
		Subscriber: change.SubscriberFunc(func(ev change.Event) error { events <- ev; return nil }),
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if !first.Synced || len(first.Snapshot) != 1 || first.Snapshot[0].ID() != "1" {
		t.Fatalf("first watch = %+v", first)
	}

	second, err := svc.Watch(ctx, WatchRequest{
		Model:      "todo",
		Subscriber: change.SubscriberFunc(func(change.Event) error { return nil }),
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.Identity != first.Identity || second.SubscriberIndex != 2 {
		t.Errorf("second watch = %+v", second)
	}
	if svc.WatcherCount() != 1 {
		t.Errorf("WatcherCount() = %d, want 1", svc.WatcherCount())
	}

	// a write by someone else
	tables.Store("todo", []transport.Document{{"id": "2", "title": "remote"}})
	ev := nextEvent(t, events)
	if ev.Kind != change.Added || ev.New.ID() != "2" || ev.Confirmed {
		t.Errorf("remote add = %+v", ev)
	}

	// a local write comes back confirmed
	coll, err := svc.Resolve(ctx, "todo")
	if err != nil {
		t.Fatal(err)
	}
	svc.RecordLocalWrite("todo", "3")
	if _, err := coll.Store(ctx, transport.Document{"id": "3", "title": "local"}); err != nil {
		t.Fatal(err)
	}
	ev = nextEvent(t, events)
	if ev.Kind != change.Added || ev.New.ID() != "3" || !ev.Confirmed {
		t.Errorf("local add = %+v", ev)
	}

	if err := coll.Replace(ctx, transport.Document{"id": "2", "title": "edited"}); err != nil {
		t.Fatal(err)
	}
	ev = nextEvent(t, events)
	if ev.Kind != change.Changed || ev.Old["title"] != "remote" || ev.New["title"] != "edited" || len(ev.Patch) == 0 {
		t.Errorf("change = %+v", ev)
	}

	if err := coll.Remove(ctx, "1"); err != nil {
		t.Fatal(err)
	}
	ev = nextEvent(t, events)
	if ev.Kind != change.Removed || ev.Old.ID() != "1" {
		t.Errorf("remove = %+v", ev)
	}
}
