package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// stallingServer accepts websocket connections, reads the handshake and
// never answers it.
func stallingServer(t *testing.T) (url string, handshakes <-chan struct{}) {
	t.Helper()
	seen := make(chan struct{}, 4)
	release := make(chan struct{})
	upgrader := websocket.Upgrader{Subprotocols: Subprotocols}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		seen <- struct{}{}
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), seen
}

func TestDisconnectAbortsHandshake(t *testing.T) {
	url, handshakes := stallingServer(t)
	c := NewClient(Options{URL: url, HandshakeTimeout: 30 * time.Second}, zap.NewNop())

	var ready, failed atomic.Int32
	c.OnReady(func() { ready.Add(1) })
	c.OnSocketError(func(error) { failed.Add(1) })

	done := make(chan struct{})
	go func() {
		c.Connect(context.Background())
		close(done)
	}()

	select {
	case <-handshakes:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the handshake")
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Connect kept waiting for the handshake after Disconnect")
	}

	if ready.Load() != 0 || failed.Load() != 0 {
		t.Errorf("callbacks fired after Disconnect: ready=%d failed=%d", ready.Load(), failed.Load())
	}

	// a later Connect dials again instead of seeing a stale attempt
	go c.Connect(context.Background())
	select {
	case <-handshakes:
	case <-time.After(5 * time.Second):
		t.Fatal("second Connect did not dial")
	}
	_ = c.Disconnect()
}
