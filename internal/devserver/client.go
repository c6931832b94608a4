package devserver

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/change"
	"github.com/dgnsrekt/hzwatch/internal/metrics"
	"github.com/dgnsrekt/hzwatch/internal/transport"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the handshake frame.
	handshakeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 4 * 1024 * 1024

	// Send buffer size per client.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
	Subprotocols:    transport.Subprotocols,
}

var errBufferFull = errors.New("send buffer full")

type outgoing struct {
	messageType int
	data        []byte
}

// Client is one websocket connection to the dev server.
type Client struct {
	hub     *Hub
	tables  *Tables
	conn    *websocket.Conn
	codec   *transport.Codec
	send    chan outgoing
	connID  string
	metrics *metrics.ServerMetrics
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	subs   map[int64]*subscription
}

// subscription is a live subscribe request of a client.
type subscription struct {
	id         int64
	collection string
	filter     Filter
	raw        bool
	initial    bool
	states     bool
	// docs is the current result set of a processed subscription.
	docs map[string]transport.Document
}

// HandleWS upgrades the request and serves the connection.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	protocol := conn.Subprotocol()
	if protocol == "" {
		protocol = transport.SubprotocolJSON
	}

	client := &Client{
		hub:     s.hub,
		tables:  s.tables,
		conn:    conn,
		send:    make(chan outgoing, sendBufferSize),
		connID:  uuid.New().String(),
		metrics: s.metrics,
		logger:  s.logger,
		subs:    make(map[int64]*subscription),
	}

	if err := client.handshake(protocol); err != nil {
		s.logger.Debug("handshake failed",
			zap.String("connID", client.connID),
			zap.Error(err),
		)
		conn.Close()
		return
	}

	if !s.hub.add(client) {
		client.codec.Close()
		conn.Close()
		return
	}

	client.reply(&transport.Response{
		RequestID: 0,
		Token:     uuid.New().String(),
		ID:        client.connID,
	})

	s.logger.Debug("websocket client connected",
		zap.String("connID", client.connID),
		zap.String("protocol", protocol),
	)

	// Start read/write pumps
	go client.writePump()
	go client.readPump()
}

// handshake reads the first frame. A compressed first frame switches the
// replies to compressed frames too.
func (c *Client) handshake(protocol string) error {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(handshakeWait))

	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}

	compress := mt == websocket.BinaryMessage && transport.IsCompressed(data)
	codec, err := transport.NewCodec(protocol, compress)
	if err != nil {
		return err
	}

	var req transport.Request
	if err := codec.Decode(mt, data, &req); err != nil {
		codec.Close()
		return err
	}
	if req.RequestID != 0 || req.Method != transport.MethodUnauthenticated {
		if mt, data, err := codec.Encode(&transport.Response{Error: "unsupported handshake"}); err == nil {
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(mt, data)
		}
		codec.Close()
		return fmt.Errorf("unsupported handshake method %q", req.Method)
	}

	c.codec = codec
	return nil
}

// readPump reads requests from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.closeSend()
		c.codec.Close()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var req transport.Request
		if err := c.codec.Decode(mt, data, &req); err != nil {
			c.logger.Debug("failed to parse request",
				zap.String("connID", c.connID),
				zap.Error(err),
			)
			continue
		}
		c.handleRequest(&req)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed, send close message
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				c.logger.Debug("websocket write error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeSend stops all output and drops the subscriptions. It is idempotent.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	c.metrics.SubscriptionsChanged(-len(c.subs))
	c.subs = nil
}

// queueLocked encodes a frame onto the send buffer without blocking.
func (c *Client) queueLocked(resp *transport.Response) error {
	if c.closed {
		return nil
	}
	mt, data, err := c.codec.Encode(resp)
	if err != nil {
		return err
	}
	select {
	case c.send <- outgoing{messageType: mt, data: data}:
		return nil
	default:
		return errBufferFull
	}
}

func (c *Client) reply(resp *transport.Response) {
	c.mu.Lock()
	err := c.queueLocked(resp)
	c.mu.Unlock()

	if errors.Is(err, errBufferFull) {
		c.hub.drop(c)
		return
	}
	if err != nil {
		c.logger.Warn("failed to encode response",
			zap.String("connID", c.connID),
			zap.Int64("requestID", resp.RequestID),
			zap.Error(err),
		)
	}
}

func (c *Client) handleRequest(req *transport.Request) {
	var err error
	if req.Type != transport.RequestEndSubscription && req.Options == nil {
		err = errors.New("request has no options")
	} else {
		switch req.Type {
		case transport.RequestQuery:
			err = c.handleQuery(req)
		case transport.RequestSubscribe:
			err = c.handleSubscribe(req)
		case transport.RequestEndSubscription:
			c.handleEndSubscription(req)
		case transport.RequestStore:
			err = c.handleStore(req)
		case transport.RequestReplace:
			err = c.handleWrite(req, c.tables.Replace)
		case transport.RequestRemove:
			err = c.handleWrite(req, c.tables.Remove)
		default:
			err = fmt.Errorf("unknown request type %q", req.Type)
		}
	}

	c.metrics.Request(req.Type, err)
	if err != nil {
		c.logger.Debug("request failed",
			zap.String("connID", c.connID),
			zap.Int64("requestID", req.RequestID),
			zap.String("type", req.Type),
			zap.Error(err),
		)
		c.reply(&transport.Response{RequestID: req.RequestID, Error: err.Error()})
	}
}

func filterOf(opts *transport.RequestOptions) Filter {
	return Filter{Find: opts.Find, FindAll: opts.FindAll}
}

func (c *Client) handleQuery(req *transport.Request) error {
	if req.Options.Collection == "" {
		return errors.New("collection is required")
	}
	docs := c.tables.Query(req.Options.Collection, filterOf(req.Options))
	c.reply(&transport.Response{RequestID: req.RequestID, Data: docs, State: transport.StateComplete})
	return nil
}

func (c *Client) handleSubscribe(req *transport.Request) error {
	opts := req.Options
	if opts.Collection == "" {
		return errors.New("collection is required")
	}
	sub := &subscription{
		id:         req.RequestID,
		collection: opts.Collection,
		filter:     filterOf(opts),
		raw:        opts.IncludeTypes,
		initial:    opts.IncludeInitial,
		states:     opts.IncludeStates,
	}

	var err error
	c.tables.Watch(sub.collection, sub.filter, func(docs []transport.Document) {
		c.hub.JoinGroup(c, sub.collection)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return
		}
		if _, dup := c.subs[sub.id]; dup {
			err = fmt.Errorf("request %d is already subscribed", sub.id)
			return
		}
		c.subs[sub.id] = sub
		c.metrics.SubscriptionsChanged(1)

		if !sub.raw {
			sub.docs = make(map[string]transport.Document, len(docs))
			for _, doc := range docs {
				sub.docs[change.KeyString(doc["id"])] = doc
			}
		}
		err = c.queueLocked(sub.initialFrame(docs))
	})

	if errors.Is(err, errBufferFull) {
		c.hub.drop(c)
		return nil
	}
	return err
}

func (c *Client) handleEndSubscription(req *transport.Request) {
	c.mu.Lock()
	sub, ok := c.subs[req.RequestID]
	watching := false
	if ok {
		delete(c.subs, req.RequestID)
		c.metrics.SubscriptionsChanged(-1)
		for _, other := range c.subs {
			if other.collection == sub.collection {
				watching = true
				break
			}
		}
	}
	c.mu.Unlock()

	if ok && !watching {
		c.hub.LeaveGroup(c, sub.collection)
	}
	c.reply(&transport.Response{RequestID: req.RequestID, State: transport.StateComplete})
}

func (c *Client) handleStore(req *transport.Request) error {
	if req.Options.Collection == "" {
		return errors.New("collection is required")
	}
	if len(req.Options.Data) == 0 {
		return errors.New("no documents to store")
	}
	ids := c.tables.Store(req.Options.Collection, req.Options.Data)
	data := make([]transport.Document, 0, len(ids))
	for _, id := range ids {
		data = append(data, transport.Document{"id": id})
	}
	c.reply(&transport.Response{RequestID: req.RequestID, Data: data, State: transport.StateComplete})
	return nil
}

func (c *Client) handleWrite(req *transport.Request, write func(string, []transport.Document) error) error {
	if req.Options.Collection == "" {
		return errors.New("collection is required")
	}
	if len(req.Options.Data) == 0 {
		return errors.New("no documents given")
	}
	if err := write(req.Options.Collection, req.Options.Data); err != nil {
		return err
	}
	c.reply(&transport.Response{RequestID: req.RequestID, State: transport.StateComplete})
	return nil
}

// notify renders a mutation for every matching subscription. It reports
// false when the client cannot keep up.
func (c *Client) notify(m Mutation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if sub.collection != m.Collection {
			continue
		}
		frame := sub.render(m)
		if frame == nil {
			continue
		}
		if err := c.queueLocked(frame); err != nil {
			if errors.Is(err, errBufferFull) {
				return false
			}
			c.logger.Warn("failed to encode change",
				zap.String("connID", c.connID),
				zap.Int64("requestID", sub.id),
				zap.Error(err),
			)
		}
	}
	return true
}

func (s *subscription) initialFrame(docs []transport.Document) *transport.Response {
	resp := &transport.Response{RequestID: s.id, State: transport.StateSynced}
	if !s.raw {
		resp.Data = docs
		return resp
	}

	if s.initial {
		for _, doc := range docs {
			resp.Data = append(resp.Data, transport.ChangeDocument(transport.RawChange{
				Type:   transport.TypeInitial,
				NewVal: doc,
			}))
		}
	}
	if s.states {
		resp.Data = append(resp.Data, transport.ChangeDocument(transport.RawChange{
			Type:  transport.TypeState,
			State: transport.StateSynced,
		}))
	}
	return resp
}

// render turns a mutation into the next frame of the subscription, or nil
// when the mutation does not touch its result set.
func (s *subscription) render(m Mutation) *transport.Response {
	oldIn := s.filter.Match(m.Old)
	newIn := s.filter.Match(m.New)
	if !oldIn && !newIn {
		return nil
	}

	if !s.raw {
		if oldIn {
			delete(s.docs, change.KeyString(m.Old["id"]))
		}
		if newIn {
			s.docs[change.KeyString(m.New["id"])] = m.New
		}
		docs := make([]transport.Document, 0, len(s.docs))
		for _, doc := range s.docs {
			docs = append(docs, doc)
		}
		sortByID(docs)
		return &transport.Response{RequestID: s.id, Data: docs}
	}

	rc := transport.RawChange{}
	switch {
	case oldIn && newIn:
		rc.Type, rc.OldVal, rc.NewVal = transport.TypeChange, m.Old, m.New
	case newIn:
		rc.Type, rc.NewVal = transport.TypeAdd, m.New
	default:
		rc.Type, rc.OldVal = transport.TypeRemove, m.Old
	}
	return &transport.Response{RequestID: s.id, Data: []transport.Document{transport.ChangeDocument(rc)}}
}
