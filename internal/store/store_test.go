package store

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/change"
)

func TestPushPeek(t *testing.T) {
	s := New(zap.NewNop())

	if err := s.Push("todo", change.Record{"id": "1", "title": "a"}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if err := s.Push("todo", change.Record{"title": "no id"}); !errors.Is(err, ErrMissingID) {
		t.Errorf("Push() without id error = %v, want ErrMissingID", err)
	}

	rec, err := s.Peek("todo", "1")
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if rec["title"] != "a" {
		t.Errorf("title = %v, want a", rec["title"])
	}

	// Peek hands out copies.
	rec["title"] = "mutated"
	again, _ := s.Peek("todo", "1")
	if again["title"] != "a" {
		t.Errorf("stored record was mutated through Peek result")
	}

	if _, err := s.Peek("todo", "2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Peek() missing error = %v, want ErrNotFound", err)
	}
	if _, err := s.Peek("user", "1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Peek() other model error = %v, want ErrNotFound", err)
	}
}

func TestPeekAllOrdered(t *testing.T) {
	s := New(zap.NewNop())
	for _, id := range []string{"c", "a", "b"} {
		_ = s.Push("todo", change.Record{"id": id})
	}

	all := s.PeekAll("todo")
	if len(all) != 3 {
		t.Fatalf("PeekAll() len = %d, want 3", len(all))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got := all[i].ID(); got != want {
			t.Errorf("PeekAll()[%d] = %q, want %q", i, got, want)
		}
	}
	if s.Len("todo") != 3 {
		t.Errorf("Len() = %d, want 3", s.Len("todo"))
	}
	if !s.Remove("todo", "a") || s.Remove("todo", "a") {
		t.Error("Remove() should report true once")
	}
}

func TestEditRollback(t *testing.T) {
	tests := []struct {
		name     string
		initial  change.Record
		next     change.Record
		wantKept bool
	}{
		{"update existing", change.Record{"id": "1", "title": "old"}, change.Record{"id": "1", "title": "new"}, true},
		{"create new", nil, change.Record{"id": "1", "title": "new"}, false},
		{"delete existing", change.Record{"id": "1", "title": "old"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(zap.NewNop())
			if tt.initial != nil {
				_ = s.Push("todo", tt.initial)
			}

			s.BeginEdit("todo", "1", tt.next)
			if !s.HasPendingEdit("todo", "1") {
				t.Fatal("HasPendingEdit() = false after BeginEdit")
			}

			if !s.RollbackEdit("todo", "1") {
				t.Fatal("RollbackEdit() = false")
			}
			if s.HasPendingEdit("todo", "1") {
				t.Error("HasPendingEdit() = true after rollback")
			}

			rec, err := s.Peek("todo", "1")
			if tt.wantKept {
				if err != nil || rec["title"] != "old" {
					t.Errorf("after rollback got %v, %v; want old record", rec, err)
				}
			} else if !errors.Is(err, ErrNotFound) {
				t.Errorf("after rollback Peek() error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestEditKeepsFirstPrevious(t *testing.T) {
	s := New(zap.NewNop())
	_ = s.Push("todo", change.Record{"id": "1", "title": "v1"})

	s.BeginEdit("todo", "1", change.Record{"id": "1", "title": "v2"})
	s.BeginEdit("todo", "1", change.Record{"id": "1", "title": "v3"})
	s.RollbackEdit("todo", "1")

	rec, _ := s.Peek("todo", "1")
	if rec["title"] != "v1" {
		t.Errorf("title = %v, want v1", rec["title"])
	}
}

func TestCommitEdit(t *testing.T) {
	s := New(zap.NewNop())
	s.BeginEdit("todo", "1", change.Record{"id": "1"})
	s.CommitEdit("todo", "1")

	if s.HasPendingEdit("todo", "1") {
		t.Error("HasPendingEdit() = true after commit")
	}
	if s.RollbackEdit("todo", "1") {
		t.Error("RollbackEdit() = true after commit")
	}
	if s.Len("todo") != 1 {
		t.Errorf("Len() = %d, want 1", s.Len("todo"))
	}
}
