package server

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livecomponent/runtime/pkg/protocol"
)

// DefaultHeartbeatInterval is the ping cadence; a connection that misses
// three consecutive pongs is closed.
const DefaultHeartbeatInterval = 20 * time.Second

// DefaultSendQueueFrames bounds the per-connection outbound queue depth.
const DefaultSendQueueFrames = 256

// DefaultSendQueueBytes bounds the per-connection outbound queue's total
// buffered size.
const DefaultSendQueueBytes = 1 << 20

// Connection wraps one upgraded WebSocket socket: its principal, a bounded
// outbound send queue, and the bookkeeping the heartbeat sweep needs.
// Connection satisfies dispatch.Connection, eventbus.Subscriber, and
// upload.Connection structurally.
type Connection struct {
	id        string
	socket    *websocket.Conn
	principal any
	remoteIP  net.IP
	metrics   *Metrics
	logger    *slog.Logger

	queueBytes int64

	send       chan []byte
	closeCh    chan struct{}
	closeOnce  sync.Once
	closeErr   error

	mu         sync.Mutex
	lastSeenAt time.Time
	missedPing int

	maxQueueFrames int
	maxQueueBytes  int64
}

// NewConnection wraps an upgraded socket. id should be generated by the
// caller (e.g. uuid.NewString()) before the connection is registered.
func NewConnection(id string, socket *websocket.Conn, principal any, remoteIP net.IP, cfg *Config, metrics *Metrics, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	maxFrames := cfg.SendQueueFrames
	if maxFrames <= 0 {
		maxFrames = DefaultSendQueueFrames
	}
	maxBytes := cfg.SendQueueBytes
	if maxBytes <= 0 {
		maxBytes = DefaultSendQueueBytes
	}
	return &Connection{
		id:             id,
		socket:         socket,
		principal:      principal,
		remoteIP:       remoteIP,
		metrics:        metrics,
		logger:         logger.With("connectionId", id),
		send:           make(chan []byte, maxFrames),
		closeCh:        make(chan struct{}),
		lastSeenAt:     time.Now(),
		maxQueueFrames: maxFrames,
		maxQueueBytes:  maxBytes,
	}
}

// ID returns the connection's identifier.
func (c *Connection) ID() string { return c.id }

// Principal returns the value the upgrade handler attached to this
// connection, or nil if none was set.
func (c *Connection) Principal() any { return c.principal }

// Send encodes update as a single-element envelope and enqueues it on the
// outbound send queue. A full queue means the write pump cannot keep up
// with the connection's peer; the connection is closed with BACKPRESSURE
// rather than let the queue grow unbounded.
func (c *Connection) Send(update protocol.Update) error {
	data, err := protocol.EncodeOne(update)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *Connection) enqueue(data []byte) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	if atomic.LoadInt64(&c.queueBytes)+int64(len(data)) > c.maxQueueBytes {
		c.closeForBackpressure("send queue byte budget exceeded")
		return NewConnectionError(c.id, "send", ErrConnectionClosed)
	}
	select {
	case c.send <- data:
		atomic.AddInt64(&c.queueBytes, int64(len(data)))
		if c.metrics != nil {
			c.metrics.FramesSent.Inc()
		}
		return nil
	default:
		c.closeForBackpressure("send queue full")
		return NewConnectionError(c.id, "send", ErrConnectionClosed)
	}
}

func (c *Connection) closeForBackpressure(reason string) {
	c.closeWithCode(int(protocol.CloseBackpressure), "backpressure: "+reason)
	if c.metrics != nil {
		c.metrics.BackpressureCloses.Inc()
	}
}

// touch marks the connection as having received traffic just now, resetting
// the missed-pong counter.
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastSeenAt = time.Now()
	c.missedPing = 0
	c.mu.Unlock()
}

// checkHeartbeat increments the missed-pong counter and reports whether the
// connection has now exceeded three consecutive misses.
func (c *Connection) checkHeartbeat() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedPing++
	return c.missedPing > 3
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

// closeWithCode closes the underlying socket with a WebSocket close frame,
// idempotently.
func (c *Connection) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.socket.WriteControl(websocket.CloseMessage, msg, deadline)
		c.closeErr = c.socket.Close()
	})
}

// Close closes the connection with a normal close code.
func (c *Connection) Close() error {
	c.closeWithCode(websocket.CloseNormalClosure, "")
	return c.closeErr
}

// decQueueBytes releases n bytes from the send queue's byte budget after the
// write pump has flushed a frame to the socket.
func decQueueBytes(c *Connection, n int64) {
	atomic.AddInt64(&c.queueBytes, -n)
}
