package transport

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/change"
)

// endSubscriptionWait bounds how long Close waits to queue end_subscription.
const endSubscriptionWait = time.Second

type collection struct {
	client *WSClient
	name   string
}

func (c *collection) Name() string { return c.name }

func (c *collection) Fetch(ctx context.Context) ([]Document, error) {
	return c.client.call(ctx, RequestQuery, &RequestOptions{Collection: c.name})
}

// Find returns the first document matching filter, or nil when none does.
func (c *collection) Find(ctx context.Context, filter Document) (Document, error) {
	docs, err := c.client.call(ctx, RequestQuery, &RequestOptions{Collection: c.name, Find: filter})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// FindAll returns the documents matching any of the filters.
func (c *collection) FindAll(ctx context.Context, filters ...Document) ([]Document, error) {
	return c.client.call(ctx, RequestQuery, &RequestOptions{Collection: c.name, FindAll: filters})
}

// Store inserts or overwrites a document and returns its id.
func (c *collection) Store(ctx context.Context, doc Document) (string, error) {
	if err := c.client.limiter.Wait(ctx); err != nil {
		return "", err
	}
	docs, err := c.client.call(ctx, RequestStore, &RequestOptions{Collection: c.name, Data: []Document{doc}})
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return change.KeyString(doc["id"]), nil
	}
	return change.KeyString(docs[0]["id"]), nil
}

func (c *collection) Replace(ctx context.Context, doc Document) error {
	if change.KeyString(doc["id"]) == "" {
		return ErrMissingID
	}
	if err := c.client.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.client.call(ctx, RequestReplace, &RequestOptions{Collection: c.name, Data: []Document{doc}})
	return err
}

func (c *collection) Remove(ctx context.Context, id string) error {
	if id == "" {
		return ErrMissingID
	}
	if err := c.client.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.client.call(ctx, RequestRemove, &RequestOptions{Collection: c.name, Data: []Document{{"id": id}}})
	return err
}

// Watch opens a subscription. The returned stream is live until Close or
// until the connection drops.
func (c *collection) Watch(ctx context.Context, opts WatchOptions) (ChangeStream, error) {
	reqOpts := &RequestOptions{
		Collection:     c.name,
		IncludeInitial: true,
		IncludeStates:  true,
		IncludeTypes:   opts.Raw,
	}
	switch {
	case opts.ID != "":
		find := Document{}
		for k, v := range opts.Query {
			find[k] = v
		}
		find["id"] = opts.ID
		reqOpts.Find = find
	case len(opts.Query) > 0:
		reqOpts.FindAll = []Document{opts.Query}
	}

	sess, req, err := c.client.start(ctx, RequestSubscribe, reqOpts)
	if err != nil {
		return nil, err
	}

	s := &changeStream{
		client: c.client,
		sess:   sess,
		req:    req,
		out:    make(chan []RawChange),
		stop:   make(chan struct{}),
	}
	if !opts.Raw {
		s.results = &resultSet{}
	}
	go s.run()
	return s, nil
}

type changeStream struct {
	client  *WSClient
	sess    *session
	req     *pendingRequest
	out     chan []RawChange
	stop    chan struct{}
	once    sync.Once
	results *resultSet

	mu  sync.Mutex
	err error
}

func (s *changeStream) Changes() <-chan []RawChange { return s.out }

func (s *changeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *changeStream) Close() error {
	s.once.Do(func() {
		close(s.stop)
		ctx, cancel := context.WithTimeout(context.Background(), endSubscriptionWait)
		defer cancel()
		end := &Request{RequestID: s.req.id, Type: RequestEndSubscription}
		if err := s.client.send(ctx, s.sess, end); err != nil {
			s.client.logger.Debug("end_subscription not sent",
				zap.Int64("requestID", s.req.id),
				zap.Error(err),
			)
		}
		s.client.forget(s.sess, s.req)
	})
	return nil
}

func (s *changeStream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *changeStream) run() {
	defer close(s.out)

	for {
		select {
		case <-s.stop:
			return

		case resp, ok := <-s.req.responses:
			if !ok {
				if s.req.err != nil {
					s.fail(s.req.err)
				}
				return
			}
			if resp.Error != "" {
				s.fail(&RemoteError{RequestID: s.req.id, Message: resp.Error})
				return
			}

			batch := s.translate(resp)
			if len(batch) == 0 {
				continue
			}
			select {
			case s.out <- batch:
			case <-s.stop:
				return
			}
		}
	}
}

func (s *changeStream) translate(resp *Response) []RawChange {
	if s.results != nil {
		batch := s.results.apply(resp.Data)
		if resp.State == StateSynced {
			batch = append(batch, RawChange{Type: TypeState, State: StateSynced})
		}
		return batch
	}

	batch := make([]RawChange, 0, len(resp.Data)+1)
	for _, doc := range resp.Data {
		batch = append(batch, ParseRawChange(doc))
	}
	if resp.State == StateSynced && !hasSyncedState(batch) {
		batch = append(batch, RawChange{Type: TypeState, State: StateSynced})
	}
	return batch
}

func hasSyncedState(batch []RawChange) bool {
	for _, rc := range batch {
		if rc.Type == TypeState && rc.State == StateSynced {
			return true
		}
	}
	return false
}

// resultSet turns successive full result sets into change documents.
type resultSet struct {
	docs        map[string]Document
	initialized bool
}

func (r *resultSet) apply(docs []Document) []RawChange {
	added := TypeAdd
	if !r.initialized {
		added = TypeInitial
	}

	next := make(map[string]Document, len(docs))
	var out []RawChange
	for _, doc := range docs {
		id := change.KeyString(doc["id"])
		if id == "" {
			continue
		}
		next[id] = doc

		prev, ok := r.docs[id]
		switch {
		case !ok:
			out = append(out, RawChange{Type: added, NewVal: doc})
		case !reflect.DeepEqual(prev, doc):
			out = append(out, RawChange{Type: TypeChange, OldVal: prev, NewVal: doc})
		}
	}

	var removed []string
	for id := range r.docs {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		out = append(out, RawChange{Type: TypeRemove, OldVal: r.docs[id]})
	}

	r.docs = next
	r.initialized = true
	return out
}
