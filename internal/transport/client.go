package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4 * 1024 * 1024

	// Outgoing frame buffer per session.
	sendBufferSize = 256

	// Responses buffered per request before the read loop blocks.
	responseBufferSize = 64
)

// Options configures a WSClient.
type Options struct {
	URL                string
	Subprotocol        string
	Compression        bool
	HandshakeTimeout   time.Duration
	WriteRatePerSecond int
}

// WSClient is a Client over a single websocket connection.
type WSClient struct {
	opts    Options
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	logger  *zap.Logger

	mu         sync.Mutex
	sess       *session
	connecting bool
	// dialGen changes on Disconnect so an in-flight dial knows it was
	// abandoned; cancelDial aborts it.
	dialGen    uint64
	cancelDial context.CancelFunc

	nextID atomic.Int64

	lmu          sync.Mutex
	listenerSeq  int
	ready        map[int]func()
	disconnected map[int]func(error)
	socketErrors map[int]func(error)
}

// session is one live websocket connection.
type session struct {
	conn    *websocket.Conn
	codec   *Codec
	connID  string
	send    chan outgoing
	done    chan struct{}
	once    sync.Once
	byUser  atomic.Bool
	pending map[int64]*pendingRequest // guarded by WSClient.mu
}

type outgoing struct {
	messageType int
	data        []byte
}

// pendingRequest collects the responses of one request. Only the read loop
// closes responses; err is set before the close.
type pendingRequest struct {
	id        int64
	responses chan *Response
	abandoned chan struct{}
	abandon   sync.Once
	err       error
}

// NewClient creates a WSClient. Nothing is dialed until Connect.
func NewClient(opts Options, logger *zap.Logger) *WSClient {
	if opts.Subprotocol == "" {
		opts.Subprotocol = SubprotocolJSON
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}

	limit := rate.Inf
	burst := 1
	if opts.WriteRatePerSecond > 0 {
		limit = rate.Limit(opts.WriteRatePerSecond)
		burst = opts.WriteRatePerSecond * 2
	}

	return &WSClient{
		opts: opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
			Subprotocols:     []string{opts.Subprotocol},
		},
		limiter:      rate.NewLimiter(limit, burst),
		logger:       logger,
		ready:        make(map[int]func()),
		disconnected: make(map[int]func(error)),
		socketErrors: make(map[int]func(error)),
	}
}

// Compile-time interface verification
var _ Client = (*WSClient)(nil)

// Connect dials the server and performs the handshake. The outcome is
// reported to the OnReady or OnSocketError callbacks. A Connect issued while
// another one is in progress returns immediately.
func (c *WSClient) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		c.fireReady()
		return
	}
	if c.connecting {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	gen := c.dialGen
	ctx, cancel := context.WithCancel(ctx)
	c.cancelDial = cancel
	c.mu.Unlock()

	sess, err := c.dial(ctx)
	cancel()

	c.mu.Lock()
	stale := gen != c.dialGen
	if !stale {
		c.connecting = false
		c.cancelDial = nil
		if err == nil {
			c.sess = sess
		}
	}
	c.mu.Unlock()

	if stale {
		if sess != nil {
			sess.abort()
		}
		c.logger.Debug("dial abandoned by disconnect", zap.String("url", c.opts.URL))
		return
	}
	if err != nil {
		c.logger.Debug("connect failed", zap.String("url", c.opts.URL), zap.Error(err))
		c.fireSocketError(err)
		return
	}

	go c.writePump(sess)
	go c.readPump(sess)

	c.logger.Info("transport connected",
		zap.String("url", c.opts.URL),
		zap.String("protocol", sess.codec.Protocol()),
		zap.String("connID", sess.connID),
	)
	c.fireReady()
}

func (c *WSClient) dial(ctx context.Context) (*session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	// a cancelled dial must not wait for the handshake deadline
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	protocol := conn.Subprotocol()
	if protocol == "" {
		protocol = SubprotocolJSON
	}
	codec, err := NewCodec(protocol, c.opts.Compression)
	if err != nil {
		conn.Close()
		return nil, err
	}

	sess := &session{
		conn:    conn,
		codec:   codec,
		send:    make(chan outgoing, sendBufferSize),
		done:    make(chan struct{}),
		pending: make(map[int64]*pendingRequest),
	}

	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	mt, data, err := codec.Encode(handshakeRequest())
	if err != nil {
		sess.abort()
		return nil, err
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(mt, data); err != nil {
		sess.abort()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	conn.SetReadDeadline(deadline)
	mt, data, err = conn.ReadMessage()
	if err != nil {
		sess.abort()
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	var resp Response
	if err := codec.Decode(mt, data, &resp); err != nil {
		sess.abort()
		return nil, err
	}
	if resp.Error != "" {
		sess.abort()
		return nil, fmt.Errorf("%w: %s", ErrHandshake, resp.Error)
	}

	sess.connID = resp.ID
	conn.SetWriteDeadline(time.Time{})
	return sess, nil
}

// Disconnect closes the connection. Disconnected callbacks are not fired for
// a disconnect requested by the caller.
func (c *WSClient) Disconnect() error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.dialGen++
	c.connecting = false
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.mu.Unlock()

	if sess == nil {
		return nil
	}
	sess.byUser.Store(true)
	_ = sess.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	sess.close()
	return nil
}

// Collection returns a handle on the named collection.
func (c *WSClient) Collection(name string) Collection {
	return &collection{client: c, name: name}
}

// OnReady registers a callback fired after every successful handshake.
func (c *WSClient) OnReady(fn func()) func() {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	id := c.listenerSeq
	c.listenerSeq++
	c.ready[id] = fn
	return func() {
		c.lmu.Lock()
		delete(c.ready, id)
		c.lmu.Unlock()
	}
}

// OnDisconnected registers a callback fired when a live connection drops.
func (c *WSClient) OnDisconnected(fn func(error)) func() {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	id := c.listenerSeq
	c.listenerSeq++
	c.disconnected[id] = fn
	return func() {
		c.lmu.Lock()
		delete(c.disconnected, id)
		c.lmu.Unlock()
	}
}

// OnSocketError registers a callback fired when a connection attempt fails.
func (c *WSClient) OnSocketError(fn func(error)) func() {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	id := c.listenerSeq
	c.listenerSeq++
	c.socketErrors[id] = fn
	return func() {
		c.lmu.Lock()
		delete(c.socketErrors, id)
		c.lmu.Unlock()
	}
}

func (c *WSClient) fireReady() {
	c.lmu.Lock()
	fns := make([]func(), 0, len(c.ready))
	for _, fn := range c.ready {
		fns = append(fns, fn)
	}
	c.lmu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (c *WSClient) fireDisconnected(err error) {
	c.lmu.Lock()
	fns := make([]func(error), 0, len(c.disconnected))
	for _, fn := range c.disconnected {
		fns = append(fns, fn)
	}
	c.lmu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

func (c *WSClient) fireSocketError(err error) {
	c.lmu.Lock()
	fns := make([]func(error), 0, len(c.socketErrors))
	for _, fn := range c.socketErrors {
		fns = append(fns, fn)
	}
	c.lmu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

// readPump routes responses to their pending requests until the connection
// fails or is closed.
func (c *WSClient) readPump(sess *session) {
	var cause error
	defer func() {
		c.teardown(sess, cause)
	}()

	sess.conn.SetReadLimit(maxMessageSize)
	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, data, err := sess.conn.ReadMessage()
		if err != nil {
			cause = err
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("connID", sess.connID),
					zap.Error(err),
				)
			}
			return
		}

		var resp Response
		if err := sess.codec.Decode(mt, data, &resp); err != nil {
			c.logger.Debug("failed to decode response",
				zap.String("connID", sess.connID),
				zap.Error(err),
			)
			continue
		}
		c.route(sess, &resp)
	}
}

func (c *WSClient) route(sess *session, resp *Response) {
	c.mu.Lock()
	req := sess.pending[resp.RequestID]
	c.mu.Unlock()

	if req == nil {
		c.logger.Debug("response for unknown request",
			zap.String("connID", sess.connID),
			zap.Int64("requestID", resp.RequestID),
		)
		return
	}

	select {
	case req.responses <- resp:
	case <-req.abandoned:
	case <-sess.done:
		return
	}

	if resp.Error != "" || resp.State == StateComplete {
		c.mu.Lock()
		delete(sess.pending, resp.RequestID)
		c.mu.Unlock()
		close(req.responses)
	}
}

// teardown fails all pending requests of a finished session.
func (c *WSClient) teardown(sess *session, cause error) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	pending := sess.pending
	sess.pending = nil
	c.mu.Unlock()

	sess.close()
	// the decoder is only used by this goroutine
	sess.codec.Close()

	for _, req := range pending {
		req.err = ErrClosed
		close(req.responses)
	}

	if !sess.byUser.Load() {
		if cause == nil {
			cause = ErrClosed
		}
		c.logger.Warn("transport disconnected", zap.String("connID", sess.connID), zap.Error(cause))
		c.fireDisconnected(cause)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *WSClient) writePump(sess *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.conn.Close()
	}()

	for {
		select {
		case <-sess.done:
			return

		case msg := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				c.logger.Debug("websocket write error",
					zap.String("connID", sess.connID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// start registers a request and queues its frame.
func (c *WSClient) start(ctx context.Context, typ string, opts *RequestOptions) (*session, *pendingRequest, error) {
	c.mu.Lock()
	sess := c.sess
	if sess == nil || sess.pending == nil {
		c.mu.Unlock()
		return nil, nil, ErrNotConnected
	}
	req := &pendingRequest{
		id:        c.nextID.Add(1),
		responses: make(chan *Response, responseBufferSize),
		abandoned: make(chan struct{}),
	}
	sess.pending[req.id] = req
	c.mu.Unlock()

	if err := c.send(ctx, sess, &Request{RequestID: req.id, Type: typ, Options: opts}); err != nil {
		c.forget(sess, req)
		return nil, nil, err
	}
	return sess, req, nil
}

func (c *WSClient) send(ctx context.Context, sess *session, frame *Request) error {
	mt, data, err := sess.codec.Encode(frame)
	if err != nil {
		return err
	}
	select {
	case sess.send <- outgoing{messageType: mt, data: data}:
		return nil
	case <-sess.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forget drops a request the caller is no longer interested in.
func (c *WSClient) forget(sess *session, req *pendingRequest) {
	req.abandon.Do(func() { close(req.abandoned) })
	c.mu.Lock()
	if sess.pending != nil {
		delete(sess.pending, req.id)
	}
	c.mu.Unlock()
}

// call runs a request to completion and gathers its data.
func (c *WSClient) call(ctx context.Context, typ string, opts *RequestOptions) ([]Document, error) {
	sess, req, err := c.start(ctx, typ, opts)
	if err != nil {
		return nil, err
	}

	var out []Document
	for {
		select {
		case resp, ok := <-req.responses:
			if !ok {
				if req.err != nil {
					return nil, req.err
				}
				return out, nil
			}
			if resp.Error != "" {
				return nil, &RemoteError{RequestID: req.id, Message: resp.Error}
			}
			out = append(out, resp.Data...)
		case <-ctx.Done():
			c.forget(sess, req)
			return nil, ctx.Err()
		}
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// abort closes a session that never reached the read loop.
func (s *session) abort() {
	s.close()
	s.codec.Close()
}

// IsClosed reports whether err means the connection went away.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, ErrNotConnected)
}
