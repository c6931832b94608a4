// Package change defines the change events delivered to local subscribers.
package change

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/wI2L/jsondiff"

	"github.com/dgnsrekt/hzwatch/internal/scope"
)

// Kind classifies a change event.
type Kind string

const (
	Added   Kind = "add"
	Changed Kind = "change"
	Removed Kind = "remove"
)

// Record is a document of a remote collection in its plain JSON form.
type Record map[string]any

// ID returns the primary key of the record rendered as a string, or "" when
// the record carries none.
func (r Record) ID() string {
	return KeyString(r["id"])
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// KeyString renders a primary key value. JSON numbers arrive as float64 and
// are printed without a fractional part when they are integral.
func KeyString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		// int64 conversion is only defined inside its range
		if id == math.Trunc(id) && id >= -(1<<63) && id < 1<<63 {
			return strconv.FormatInt(int64(id), 10)
		}
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	default:
		return fmt.Sprint(v)
	}
}

// Event is a classified change for one watch scope.
type Event struct {
	Kind     Kind
	Model    string
	Identity scope.Identity
	// Old is set for Changed and Removed.
	Old Record
	// New is set for Added and Changed.
	New Record
	// Patch holds the JSON patch turning Old into New (Changed only).
	Patch jsondiff.Patch
	// Confirmed marks an event that echoes a local write made inside the
	// de-duplication window. Consumers must not insert it a second time.
	Confirmed bool
	At        time.Time
}

// Key returns the id of the document the event refers to.
func (e Event) Key() string {
	if e.Kind == Added {
		return e.New.ID()
	}
	return e.Old.ID()
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s/%s", e.Kind, e.Model, e.Key())
}

// Subscriber receives change events for the scopes it subscribed to.
type Subscriber interface {
	Deliver(Event) error
}

// SubscriberFunc adapts a plain function to a Subscriber.
type SubscriberFunc func(Event) error

// Deliver calls f(ev).
func (f SubscriberFunc) Deliver(ev Event) error {
	return f(ev)
}
