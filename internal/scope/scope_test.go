package scope

import "testing"

func TestCompute_Deterministic(t *testing.T) {
	opts := Options{
		Query: map[string]any{"owner": "ann", "done": false, "tags": []any{"a", "b"}},
		ID:    "42",
	}

	first := Compute("todo", opts)
	second := Compute("todo", Options{
		Query: map[string]any{"tags": []any{"a", "b"}, "done": false, "owner": "ann"},
		ID:    "42",
	})

	if first != second {
		t.Errorf("expected equal identities, got %q and %q", first, second)
	}
}

func TestCompute_Segments(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want Identity
	}{
		{name: "bare model", opts: Options{}, want: "todo"},
		{name: "empty query ignored", opts: Options{Query: map[string]any{}}, want: "todo"},
		{name: "id", opts: Options{ID: "7"}, want: "todo/id-7"},
		{name: "processed", opts: Options{Processed: true}, want: "todo/notraw"},
		{name: "id and processed", opts: Options{ID: "7", Processed: true}, want: "todo/id-7/notraw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compute("todo", tt.opts); got != tt.want {
				t.Errorf("Compute() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompute_DifferentScopes(t *testing.T) {
	base := Compute("todo", Options{Query: map[string]any{"owner": "ann"}})

	others := []Identity{
		Compute("todo", Options{Query: map[string]any{"owner": "bob"}}),
		Compute("todo", Options{Query: map[string]any{"owner": "ann"}, ID: "1"}),
		Compute("todo", Options{ID: "1"}),
		Compute("todo", Options{ID: "2"}),
		Compute("person", Options{Query: map[string]any{"owner": "ann"}}),
		Compute("todo", Options{Query: map[string]any{"owner": "ann"}, Processed: true}),
		Compute("todo", Options{ID: "x/notraw"}),
		Compute("todo", Options{ID: "x", Processed: true}),
		Compute("todo", Options{ID: "x/q-1"}),
		Compute("todo/id-x", Options{}),
		Compute("todo", Options{ID: "x"}),
	}

	seen := map[Identity]bool{base: true}
	for _, id := range others {
		if seen[id] {
			t.Errorf("identity %q collides with an earlier scope", id)
		}
		seen[id] = true
	}
}

func TestCompute_UnencodableQuery(t *testing.T) {
	query := map[string]any{"ch": make(chan int)}

	// must not panic and must stay stable
	first := Compute("todo", Options{Query: query})
	second := Compute("todo", Options{Query: query})
	if first == "" || first.Model() != "todo" {
		t.Errorf("unexpected identity %q", first)
	}
	if first != second {
		t.Errorf("fallback hash is not stable: %q vs %q", first, second)
	}
}

func TestIdentityModel(t *testing.T) {
	if got := Identity("todo/id-1/notraw").Model(); got != "todo" {
		t.Errorf("expected todo, got %s", got)
	}
	if got := Identity("person").Model(); got != "person" {
		t.Errorf("expected person, got %s", got)
	}
	if got := Compute("team/todo", Options{ID: "a/b"}).Model(); got != "team/todo" {
		t.Errorf("expected team/todo, got %s", got)
	}
}

func TestCompute_EscapesSeparator(t *testing.T) {
	if got, want := Compute("todo", Options{ID: "x/notraw"}), Identity("todo/id-x%2Fnotraw"); got != want {
		t.Errorf("Compute() = %q, want %q", got, want)
	}
}

func TestIdentityScoped(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want bool
	}{
		{name: "whole collection", opts: Options{}, want: false},
		{name: "processed", opts: Options{Processed: true}, want: false},
		{name: "query", opts: Options{Query: map[string]any{"done": false}}, want: true},
		{name: "id", opts: Options{ID: "1"}, want: true},
		{name: "id and processed", opts: Options{ID: "1", Processed: true}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compute("todo", tt.opts).Scoped(); got != tt.want {
				t.Errorf("Scoped() = %v, want %v", got, tt.want)
			}
		})
	}

	if Compute("id-x", Options{}).Scoped() {
		t.Error("a model named like a segment must not count as scoped")
	}
}
