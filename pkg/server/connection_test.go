package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newConnectedSocketPair upgrades a real HTTP connection to a WebSocket pair
// so Connection's backpressure and close-code logic exercise a live socket,
// the same way the teacher's handshake tests do.
func newConnectedSocketPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverCh := make(chan *websocket.Conn, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade failed: %v", err)
			return
		}
		serverCh <- c
	})
	httpSrv := httptest.NewServer(mux)
	t.Cleanup(httpSrv.Close)

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	t.Cleanup(func() { _ = clientConn.Close() })

	select {
	case c := <-serverCh:
		t.Cleanup(func() { _ = c.Close() })
		return c, clientConn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side upgrade")
		return nil, nil
	}
}

func newTestConnection(t *testing.T, cfg *Config) *Connection {
	t.Helper()
	socket, _ := newConnectedSocketPair(t)
	if cfg == nil {
		cfg = DefaultConfig().withDefaults()
	}
	return NewConnection("conn-1", socket, nil, nil, cfg, nil, nil)
}

func TestConnectionSendFitsWithinQueue(t *testing.T) {
	conn := newTestConnection(t, nil)

	if err := conn.enqueue([]byte("hello")); err != nil {
		t.Fatalf("enqueue() error = %v", err)
	}
	if conn.isClosed() {
		t.Error("connection should remain open after a single small frame")
	}
}

func TestConnectionEnqueueClosesOnFrameOverflow(t *testing.T) {
	cfg := DefaultConfig().withDefaults()
	cfg.SendQueueFrames = 1
	conn := newTestConnection(t, cfg)

	if err := conn.enqueue([]byte("first")); err != nil {
		t.Fatalf("first enqueue() error = %v", err)
	}
	if err := conn.enqueue([]byte("second")); err == nil {
		t.Fatal("expected second enqueue() to fail once the queue is full")
	}
	if !conn.isClosed() {
		t.Error("expected connection to close once the frame queue overflowed")
	}
}

func TestConnectionEnqueueClosesOnByteBudgetOverflow(t *testing.T) {
	cfg := DefaultConfig().withDefaults()
	cfg.SendQueueFrames = 100
	cfg.SendQueueBytes = 4
	conn := newTestConnection(t, cfg)

	if err := conn.enqueue([]byte("this frame exceeds the byte budget")); err == nil {
		t.Fatal("expected enqueue() to fail when a single frame exceeds the byte budget")
	}
	if !conn.isClosed() {
		t.Error("expected connection to close once the byte budget overflowed")
	}
}

func TestConnectionSendAfterCloseReturnsError(t *testing.T) {
	conn := newTestConnection(t, nil)
	_ = conn.Close()

	if err := conn.enqueue([]byte("too late")); err != ErrConnectionClosed {
		t.Errorf("enqueue() error = %v, want ErrConnectionClosed", err)
	}
}

func TestConnectionTouchResetsMissedPing(t *testing.T) {
	conn := newTestConnection(t, nil)

	conn.checkHeartbeat()
	conn.checkHeartbeat()
	conn.touch()

	if conn.missedPing != 0 {
		t.Errorf("missedPing = %d, want 0 after touch()", conn.missedPing)
	}
}

func TestConnectionCheckHeartbeatExceedsThreshold(t *testing.T) {
	conn := newTestConnection(t, nil)

	for i := 0; i < 3; i++ {
		if conn.checkHeartbeat() {
			t.Fatalf("checkHeartbeat() returned true too early on miss %d", i+1)
		}
	}
	if !conn.checkHeartbeat() {
		t.Error("expected checkHeartbeat() to report exceeded after the fourth consecutive miss")
	}
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	conn := newTestConnection(t, nil)

	if err := conn.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close() error = %v, want nil (idempotent)", err)
	}
}
