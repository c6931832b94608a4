package dispatch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/change"
	"github.com/dgnsrekt/hzwatch/internal/registry"
	"github.com/dgnsrekt/hzwatch/internal/scope"
	"github.com/dgnsrekt/hzwatch/internal/store"
	"github.com/dgnsrekt/hzwatch/internal/transport"
)

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []change.Event
	err    error
}

func (r *recorder) Deliver(ev change.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) all() []change.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]change.Event(nil), r.events...)
}

// fakeReconciler is a record cache with outstanding edits.
type fakeReconciler struct {
	edits      map[string]bool
	rolledBack []string
}

func (f *fakeReconciler) HasPendingEdit(model, id string) bool { return f.edits[model+"/"+id] }

func (f *fakeReconciler) RollbackEdit(model, id string) bool {
	f.rolledBack = append(f.rolledBack, model+"/"+id)
	delete(f.edits, model+"/"+id)
	return true
}

func add(id string, fields ...any) transport.RawChange {
	doc := transport.Document{"id": id}
	for i := 0; i+1 < len(fields); i += 2 {
		doc[fields[i].(string)] = fields[i+1]
	}
	return transport.RawChange{Type: transport.TypeAdd, NewVal: doc}
}

type fixture struct {
	clock   *testclock.Clock
	subs    *registry.Subscribers
	pending *PendingWrites
	d       *Dispatcher
	w       *registry.Watcher
	errs    []error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))}
	f.subs = registry.NewSubscribers(nil)
	f.pending = NewPendingWrites(f.clock, DefaultWindow)
	f.d = New(f.subs, f.pending, Config{
		Clock:   f.clock,
		OnError: func(err error) { f.errs = append(f.errs, err) },
	}, zap.NewNop())
	f.w = registry.NewWatcher("todo", "todo", nil)
	return f
}

func TestDeliverToEverySubscriberInOrder(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		f.subs.Add("todo", change.SubscriberFunc(func(ev change.Event) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}), "")
	}

	f.d.Dispatch(f.w, []transport.RawChange{add("1"), add("2")})

	want := []int{1, 2, 3, 1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestClassify(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	f.subs.Add("todo", rec, "")

	f.d.Dispatch(f.w, []transport.RawChange{
		{Type: transport.TypeInitial, NewVal: transport.Document{"id": "0", "title": "seed"}},
		{Type: transport.TypeState, State: transport.StateSynced},
		add("1", "title", "a"),
		{Type: transport.TypeChange, OldVal: transport.Document{"id": "1", "title": "a"}, NewVal: transport.Document{"id": "1", "title": "b"}},
		{Type: transport.TypeRemove, OldVal: transport.Document{"id": "0", "title": "seed"}},
	})

	events := rec.all()
	if len(events) != 3 {
		t.Fatalf("delivered %d events, want 3", len(events))
	}
	if events[0].Kind != change.Added || events[0].New.ID() != "1" {
		t.Errorf("event 0 = %v", events[0])
	}
	if events[1].Kind != change.Changed || events[1].Old["title"] != "a" || events[1].New["title"] != "b" {
		t.Errorf("event 1 = %v", events[1])
	}
	if len(events[1].Patch) != 1 {
		t.Errorf("patch = %v, want one operation", events[1].Patch)
	}
	if events[2].Kind != change.Removed || events[2].Key() != "0" {
		t.Errorf("event 2 = %v", events[2])
	}

	select {
	case <-f.w.Synced():
	default:
		t.Error("watcher not synced")
	}

	snap := f.w.Snapshot()
	if len(snap) != 1 || snap[0].ID() != "1" || snap[0]["title"] != "b" {
		t.Errorf("snapshot = %v", snap)
	}
}

func TestEchoInsideWindowIsConfirmed(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	f.subs.Add("todo", rec, "")

	f.pending.Mark("todo", "X")
	f.clock.Advance(50 * time.Millisecond)
	f.d.Dispatch(f.w, []transport.RawChange{add("X")})

	events := rec.all()
	if len(events) != 1 || !events[0].Confirmed {
		t.Fatalf("events = %v, want one confirmed add", events)
	}
	if f.pending.inWindow("todo", "X") {
		t.Error("mark not cleared by echo")
	}

	// A second add for the same id is independent.
	f.d.Dispatch(f.w, []transport.RawChange{add("X")})
	if events := rec.all(); events[1].Confirmed {
		t.Error("second add marked as confirmation")
	}
}

func TestEchoAfterWindowIsIndependent(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	f.subs.Add("todo", rec, "")

	f.pending.Mark("todo", "X")
	f.clock.Advance(DefaultWindow + time.Millisecond)
	f.d.Dispatch(f.w, []transport.RawChange{add("X")})

	events := rec.all()
	if len(events) != 1 || events[0].Confirmed {
		t.Fatalf("events = %v, want one unconfirmed add", events)
	}
}

func TestIdentityAnomalyIsReportedNotFatal(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	f.subs.Add("todo", rec, "")

	f.d.Dispatch(f.w, []transport.RawChange{{
		Type:   transport.TypeChange,
		OldVal: transport.Document{"id": "1"},
		NewVal: transport.Document{"id": "2"},
	}})

	if len(rec.all()) != 1 {
		t.Fatal("anomalous change not delivered")
	}
	if len(f.errs) != 1 || !errors.Is(f.errs[0], ErrIdentityAnomaly) {
		t.Errorf("reported errors = %v, want ErrIdentityAnomaly", f.errs)
	}
	if _, ok := f.w.Get("2"); !ok {
		t.Error("snapshot not keyed by new id")
	}
}

func TestRemoveRollsBackLocalEdit(t *testing.T) {
	f := newFixture(t)
	rc := &fakeReconciler{edits: map[string]bool{"todo/Y": true}}
	f.d.SetReconciler(rc)
	rec := &recorder{}
	f.subs.Add("todo", rec, "")

	f.d.Dispatch(f.w, []transport.RawChange{{Type: transport.TypeRemove, OldVal: transport.Document{"id": "Y"}}})

	if len(rc.rolledBack) != 1 || rc.rolledBack[0] != "todo/Y" {
		t.Errorf("rolled back = %v, want [todo/Y]", rc.rolledBack)
	}
	if events := rec.all(); len(events) != 1 || events[0].Kind != change.Removed {
		t.Errorf("events = %v, want one removal", events)
	}
	if len(f.errs) != 0 {
		t.Errorf("unexpected errors %v", f.errs)
	}
}

func TestScopedRemoveKeepsLocalEdit(t *testing.T) {
	f := newFixture(t)
	st := store.New(zap.NewNop())
	f.d.SetReconciler(st)

	if err := st.Push("todo", change.Record{"id": "1", "done": false}); err != nil {
		t.Fatal(err)
	}
	st.BeginEdit("todo", "1", change.Record{"id": "1", "done": true})
	f.pending.Mark("todo", "1")

	// the edit moves the record out of a {done:false} watch
	scoped := registry.NewWatcher(scope.Compute("todo", scope.Options{Query: map[string]any{"done": false}}), "todo", nil)
	rec := &recorder{}
	f.subs.Add(scoped.Identity, rec, "")
	f.d.Dispatch(scoped, []transport.RawChange{{Type: transport.TypeRemove, OldVal: transport.Document{"id": "1", "done": false}}})

	if events := rec.all(); len(events) != 1 || events[0].Kind != change.Removed {
		t.Fatalf("events = %v, want one removal", events)
	}
	if !st.HasPendingEdit("todo", "1") {
		t.Fatal("local edit was rolled back")
	}
	if !f.pending.inWindow("todo", "1") {
		t.Error("echo window consumed by a scoped removal")
	}

	st.CommitEdit("todo", "1")
	got, err := st.Peek("todo", "1")
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if got["done"] != true {
		t.Errorf("record = %v, want the edited value", got)
	}
}

func TestDeliveryFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")
	f.subs.Add("todo", &recorder{err: boom}, "failing")
	f.subs.Add("todo", change.SubscriberFunc(func(change.Event) error { panic("bad subscriber") }), "panicking")
	last := &recorder{}
	f.subs.Add("todo", last, "")

	f.d.Dispatch(f.w, []transport.RawChange{add("1")})

	if len(last.all()) != 1 {
		t.Fatal("later subscriber missed the event")
	}
	if len(f.errs) != 2 {
		t.Fatalf("reported %d errors, want 2", len(f.errs))
	}
	var de *SubscriberDeliveryError
	if !errors.As(f.errs[0], &de) || de.Index != 1 || !errors.Is(f.errs[0], boom) {
		t.Errorf("first error = %v", f.errs[0])
	}
	if !errors.As(f.errs[1], &de) || de.Index != 2 {
		t.Errorf("second error = %v", f.errs[1])
	}
}

func TestRemovedSubscriberGetsNothing(t *testing.T) {
	f := newFixture(t)
	second := &recorder{}
	var first *registry.Subscriber
	first = f.subs.Add("todo", change.SubscriberFunc(func(change.Event) error {
		// unsubscribe the next subscriber mid-dispatch
		_, err := f.subs.Remove("todo", first.Index+1)
		return err
	}), "")
	f.subs.Add("todo", second, "")

	f.d.Dispatch(f.w, []transport.RawChange{add("1")})

	if n := len(second.all()); n != 0 {
		t.Errorf("removed subscriber got %d events", n)
	}
}

func TestGlobalCallbacks(t *testing.T) {
	f := newFixture(t)
	var order []string
	f.subs.Add("todo", change.SubscriberFunc(func(change.Event) error {
		order = append(order, "identity")
		return nil
	}), "")
	f.d.RegisterGlobal("todo", change.SubscriberFunc(func(change.Event) error {
		order = append(order, "model")
		return nil
	}))
	f.d.RegisterGlobal("", change.SubscriberFunc(func(change.Event) error {
		order = append(order, "all")
		return nil
	}))
	f.d.RegisterGlobal("user", change.SubscriberFunc(func(change.Event) error {
		order = append(order, "user")
		return nil
	}))

	f.d.Dispatch(f.w, []transport.RawChange{add("1")})

	want := []string{"identity", "model", "all"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
		}
	}
}

func TestPendingWritesPrune(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	p := NewPendingWrites(clk, 0)
	if p.Window() != DefaultWindow {
		t.Errorf("Window() = %v, want %v", p.Window(), DefaultWindow)
	}

	p.Mark("todo", "1")
	clk.Advance(time.Second)
	p.Mark("todo", "2")
	if p.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after prune", p.Len())
	}
	if p.Consume("todo", "1") {
		t.Error("pruned mark consumed")
	}
	if !p.Consume("todo", "2") {
		t.Error("fresh mark not consumed")
	}
}
