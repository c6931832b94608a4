package devserver

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/transport"
)

func writeSeed(t *testing.T, dir, coll, content string) string {
	t.Helper()
	path := filepath.Join(dir, coll+".jsonl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResetEmitsDifference(t *testing.T) {
	tables := NewTables(zap.NewNop())
	tables.Store("todo", []transport.Document{{"id": "1", "v": 1.0}, {"id": "2", "v": 1.0}, {"id": "3", "v": 1.0}})

	var got []Mutation
	tables.OnChange(func(m Mutation) { got = append(got, m) })

	n := tables.Reset("todo", []transport.Document{{"id": "1", "v": 1.0}, {"id": "2", "v": 2.0}, {"id": "4", "v": 1.0}})
	if n != 3 || len(got) != 3 {
		t.Fatalf("Reset() = %d with %d mutations, want 3", n, len(got))
	}
	if got[0].New != nil || got[0].Old["id"] != "3" {
		t.Errorf("expected removal of 3 first, got %+v", got[0])
	}
	if got[1].Old["v"] != 1.0 || got[1].New["v"] != 2.0 {
		t.Errorf("expected change of 2, got %+v", got[1])
	}
	if got[2].Old != nil || got[2].New["id"] != "4" {
		t.Errorf("expected insert of 4, got %+v", got[2])
	}
}

func TestReloadManager(t *testing.T) {
	dir := t.TempDir()
	path := writeSeed(t, dir, "todo", "{\"id\":\"1\",\"title\":\"a\"}\n")
	seeds := func() (map[string]string, error) { return map[string]string{"todo": path}, nil }

	tables := NewTables(zap.NewNop())
	if err := tables.Load(map[string]string{"todo": path}); err != nil {
		t.Fatal(err)
	}
	tables.Store("todo", []transport.Document{{"id": "scratch"}})

	rm := NewReloadManager(tables, seeds, zap.NewNop())
	writeSeed(t, dir, "todo", "{\"id\":\"1\",\"title\":\"b\"}\n")

	res, err := rm.Reload()
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if res.Collections != 1 || res.Mutations != 2 {
		t.Errorf("result = %+v, want 1 collection and 2 mutations", res)
	}
	docs := tables.Query("todo", Filter{})
	if len(docs) != 1 || docs[0]["title"] != "b" {
		t.Errorf("after reload = %v", docs)
	}
}

func TestReloadKeepsDataOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeSeed(t, dir, "todo", "{\"id\":\"1\"}\n")
	tables := NewTables(zap.NewNop())
	_ = tables.Load(map[string]string{"todo": path})

	writeSeed(t, dir, "todo", "broken\n")
	rm := NewReloadManager(tables, func() (map[string]string, error) { return map[string]string{"todo": path}, nil }, zap.NewNop())
	if _, err := rm.Reload(); err == nil {
		t.Fatal("expected error for malformed seed")
	}
	if len(tables.Query("todo", Filter{})) != 1 {
		t.Error("data changed by failed reload")
	}

	failing := NewReloadManager(tables, func() (map[string]string, error) { return nil, errors.New("gone") }, zap.NewNop())
	if _, err := failing.Reload(); err == nil {
		t.Fatal("expected error from seed source")
	}
}

func TestReloadEndpointStreamsChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeSeed(t, dir, "todo", "{\"id\":\"1\",\"title\":\"a\"}\n")

	tables := NewTables(zap.NewNop())
	if err := tables.Load(map[string]string{"todo": path}); err != nil {
		t.Fatal(err)
	}
	srv := New(tables, nil, zap.NewNop())
	srv.EnableReload(NewReloadManager(tables, func() (map[string]string, error) {
		return map[string]string{"todo": path}, nil
	}, zap.NewNop()))
	ts := serve(t, srv, nil)

	client := dialClient(t, ts.wsURL, transport.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	stream, err := client.Collection("todo").Watch(ctx, transport.WatchOptions{Raw: true})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()
	nextBatch(t, stream)

	writeSeed(t, dir, "todo", "{\"id\":\"1\",\"title\":\"b\"}\n")
	resp, err := http.Post(ts.http.URL+"/admin/reload", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reload status = %d", resp.StatusCode)
	}

	batch := nextBatch(t, stream)
	if batch[0].Type != transport.TypeChange || batch[0].NewVal["title"] != "b" {
		t.Errorf("reload change = %+v", batch)
	}
}
