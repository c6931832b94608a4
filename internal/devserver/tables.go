package devserver

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/change"
	"github.com/dgnsrekt/hzwatch/internal/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrMissingID        = errors.New("document has no id")
)

// Mutation is one committed write. Old is nil for inserts, New for deletes.
type Mutation struct {
	Collection string
	Old        transport.Document
	New        transport.Document
}

// Tables holds every collection in memory.
type Tables struct {
	mu       sync.RWMutex
	tables   map[string]map[string]transport.Document
	onChange func(Mutation)
	logger   *zap.Logger
}

func NewTables(logger *zap.Logger) *Tables {
	return &Tables{
		tables: make(map[string]map[string]transport.Document),
		logger: logger,
	}
}

// OnChange installs the mutation listener. It runs under the table lock and
// must not call back into Tables.
func (t *Tables) OnChange(fn func(Mutation)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Load seeds collections from JSONL files keyed by collection name.
func (t *Tables) Load(files map[string]string) error {
	for coll, path := range files {
		docs, err := loadJSONL(path)
		if err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}

		t.mu.Lock()
		table := t.tableLocked(coll)
		for _, doc := range docs {
			id := change.KeyString(doc["id"])
			if id == "" {
				id = uuid.NewString()
				doc["id"] = id
			}
			table[id] = doc
		}
		t.mu.Unlock()

		t.logger.Info("loaded collection",
			zap.String("collection", coll),
			zap.Int("count", len(docs)),
		)
	}
	return nil
}

func loadJSONL(path string) ([]transport.Document, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var docs []transport.Document
	scanner := bufio.NewScanner(file)

	// Increase buffer size for large lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var doc transport.Document
		if err := json.Unmarshal(line, &doc); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		docs = append(docs, doc)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (t *Tables) tableLocked(coll string) map[string]transport.Document {
	table, ok := t.tables[coll]
	if !ok {
		table = make(map[string]transport.Document)
		t.tables[coll] = table
	}
	return table
}

// Collections returns the names of all collections, sorted.
func (t *Tables) Collections() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.tables))
	for name := range t.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Query returns the documents of coll matched by f, sorted by id.
func (t *Tables) Query(coll string, f Filter) []transport.Document {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.queryLocked(coll, f)
}

func (t *Tables) queryLocked(coll string, f Filter) []transport.Document {
	var out []transport.Document
	for _, doc := range t.tables[coll] {
		if f.Match(doc) {
			out = append(out, doc)
		}
	}
	sortByID(out)
	return out
}

// Watch runs fn with the current result of f while no write can commit, so a
// listener registered inside fn sees every later mutation exactly once.
func (t *Tables) Watch(coll string, f Filter, fn func([]transport.Document)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn(t.queryLocked(coll, f))
}

// Store inserts or overwrites documents and returns their ids. Documents
// without an id get a generated one.
func (t *Tables) Store(coll string, docs []transport.Document) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	table := t.tableLocked(coll)
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		doc = cloneDoc(doc)
		id := change.KeyString(doc["id"])
		if id == "" {
			id = uuid.NewString()
			doc["id"] = id
		}
		old := table[id]
		table[id] = doc
		ids = append(ids, id)
		t.notifyLocked(Mutation{Collection: coll, Old: old, New: doc})
	}
	return ids
}

// Replace overwrites existing documents. Nothing is written when one of
// them does not exist.
func (t *Tables) Replace(coll string, docs []transport.Document) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	table := t.tableLocked(coll)
	for _, doc := range docs {
		id := change.KeyString(doc["id"])
		if id == "" {
			return ErrMissingID
		}
		if _, ok := table[id]; !ok {
			return fmt.Errorf("%s/%s: %w", coll, id, ErrDocumentNotFound)
		}
	}
	for _, doc := range docs {
		doc = cloneDoc(doc)
		id := change.KeyString(doc["id"])
		old := table[id]
		table[id] = doc
		t.notifyLocked(Mutation{Collection: coll, Old: old, New: doc})
	}
	return nil
}

// Remove deletes documents by id. Unknown ids are ignored.
func (t *Tables) Remove(coll string, docs []transport.Document) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	table := t.tableLocked(coll)
	for _, doc := range docs {
		id := change.KeyString(doc["id"])
		if id == "" {
			return ErrMissingID
		}
		old, ok := table[id]
		if !ok {
			continue
		}
		delete(table, id)
		t.notifyLocked(Mutation{Collection: coll, Old: old})
	}
	return nil
}

// Reset makes docs the whole content of coll and reports the number of
// resulting mutations. Watchers see the difference as ordinary changes.
func (t *Tables) Reset(coll string, docs []transport.Document) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[string]transport.Document, len(docs))
	for _, doc := range docs {
		doc = cloneDoc(doc)
		id := change.KeyString(doc["id"])
		if id == "" {
			id = uuid.NewString()
			doc["id"] = id
		}
		next[id] = doc
	}

	prev := t.tableLocked(coll)
	t.tables[coll] = next

	var removed []transport.Document
	for id, old := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, old)
		}
	}
	sortByID(removed)

	count := 0
	for _, old := range removed {
		t.notifyLocked(Mutation{Collection: coll, Old: old})
		count++
	}

	upserts := make([]transport.Document, 0, len(next))
	for _, doc := range next {
		upserts = append(upserts, doc)
	}
	sortByID(upserts)
	for _, doc := range upserts {
		old := prev[change.KeyString(doc["id"])]
		if old != nil && reflect.DeepEqual(old, doc) {
			continue
		}
		t.notifyLocked(Mutation{Collection: coll, Old: old, New: doc})
		count++
	}
	return count
}

func (t *Tables) notifyLocked(m Mutation) {
	if m.Old != nil && m.New != nil && reflect.DeepEqual(m.Old, m.New) {
		return
	}
	if t.onChange != nil {
		t.onChange(m)
	}
}

// Filter selects documents. Find requires every field to match; FindAll
// matches when any of its terms does. An empty Filter matches everything.
type Filter struct {
	Find    transport.Document
	FindAll []transport.Document
}

func (f Filter) Match(doc transport.Document) bool {
	if doc == nil {
		return false
	}
	if len(f.Find) > 0 && !matchTerm(doc, f.Find) {
		return false
	}
	if len(f.FindAll) == 0 {
		return true
	}
	for _, term := range f.FindAll {
		if matchTerm(doc, term) {
			return true
		}
	}
	return false
}

func matchTerm(doc, term transport.Document) bool {
	for k, want := range term {
		got, ok := doc[k]
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

func cloneDoc(doc transport.Document) transport.Document {
	out := make(transport.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func sortByID(docs []transport.Document) {
	sort.Slice(docs, func(i, j int) bool {
		return change.KeyString(docs[i]["id"]) < change.KeyString(docs[j]["id"])
	})
}
