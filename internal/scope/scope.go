// Package scope derives canonical watcher identities from watch requests.
package scope

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
)

// Identity is the canonical key of a watch scope. Two requests with the same
// model and equivalent options share an Identity.
type Identity string

func (i Identity) String() string { return string(i) }

// Model returns the model segment of the identity.
func (i Identity) Model() string {
	s := string(i)
	if idx := strings.IndexByte(s, separator); idx >= 0 {
		s = s[:idx]
	}
	if model, err := url.PathUnescape(s); err == nil {
		return model
	}
	return s
}

// Scoped reports whether the identity is narrowed by a query or an id, so
// that a document can leave its result set without being deleted.
func (i Identity) Scoped() bool {
	segments := strings.Split(string(i), string(separator))
	for _, seg := range segments[1:] {
		if strings.HasPrefix(seg, querySegment) || strings.HasPrefix(seg, idSegment) {
			return true
		}
	}
	return false
}

const (
	separator    = '/'
	querySegment = "q-"
	idSegment    = "id-"
	notRawMarker = "notraw"
)

// canonical sorts map keys so equal queries always encode to equal bytes.
var canonical = jsoniter.Config{
	SortMapKeys:            true,
	EscapeHTML:             false,
	ValidateJsonRawMessage: true,
}.Froze()

// Options narrows a watch to a query or a single document.
type Options struct {
	// Query filters the collection. Nil or empty means the whole collection.
	Query map[string]any
	// ID scopes the watch to one document.
	ID string
	// Processed opts out of raw change documents; the stream then carries
	// full result sets which are diffed client side.
	Processed bool
}

// Raw reports whether raw change documents were requested.
func (o Options) Raw() bool { return !o.Processed }

// Compute maps (model, options) to an Identity. It is pure and never fails:
// segments are appended in the fixed order query, id, notraw. Model and id
// are path-escaped so they cannot contain the separator.
func Compute(model string, opts Options) Identity {
	var b strings.Builder
	b.WriteString(url.PathEscape(model))

	if len(opts.Query) > 0 {
		b.WriteByte(separator)
		b.WriteString(querySegment)
		b.WriteString(QueryHash(opts.Query))
	}
	if opts.ID != "" {
		b.WriteByte(separator)
		b.WriteString(idSegment)
		b.WriteString(url.PathEscape(opts.ID))
	}
	if opts.Processed {
		b.WriteByte(separator)
		b.WriteString(notRawMarker)
	}
	return Identity(b.String())
}

// QueryHash returns a stable hex digest of a query object.
func QueryHash(query map[string]any) string {
	encoded, err := canonical.Marshal(query)
	if err != nil {
		// fmt prints maps with sorted keys, which keeps the fallback stable.
		encoded = []byte(fmt.Sprintf("%#v", query))
	}
	return strconv.FormatUint(xxhash.Sum64(encoded), 16)
}
