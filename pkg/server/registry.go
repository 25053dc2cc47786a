package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livecomponent/runtime/pkg/eventbus"
)

// uploadAborter is the subset of upload.Assembler the registry needs on
// teardown. Kept as a local interface so pkg/server does not import
// pkg/upload for anything but this one call.
type uploadAborter interface {
	AbortForConnection(connID string)
}

// ConnectionRegistry tracks every live Connection, runs the heartbeat sweep,
// and fans out teardown to the event bus and upload assembler.
type ConnectionRegistry struct {
	bus     *eventbus.Bus
	uploads uploadAborter
	metrics *Metrics
	logger  *slog.Logger

	heartbeatInterval time.Duration
	instanceCounter   func() int

	mu    sync.RWMutex
	conns map[string]*Connection

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  chan struct{}
}

// NewConnectionRegistry builds a registry over bus, aborting uploads through
// uploads on connection teardown. metrics may be nil.
func NewConnectionRegistry(bus *eventbus.Bus, uploads uploadAborter, metrics *Metrics, heartbeatInterval time.Duration, logger *slog.Logger) *ConnectionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &ConnectionRegistry{
		bus:               bus,
		uploads:           uploads,
		metrics:           metrics,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		conns:             make(map[string]*Connection),
		stopCh:            make(chan struct{}),
		stopped:           make(chan struct{}),
	}
}

// WithInstanceCounter wires a callback the heartbeat sweep polls to keep the
// instances-active gauge current. Returns r for chaining.
func (r *ConnectionRegistry) WithInstanceCounter(fn func() int) *ConnectionRegistry {
	r.instanceCounter = fn
	return r
}

// Register adds conn to the registry.
func (r *ConnectionRegistry) Register(conn *Connection) {
	r.mu.Lock()
	r.conns[conn.id] = conn
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ConnectionsTotal.Inc()
		r.metrics.ConnectionsActive.Set(float64(r.Count()))
	}
}

// Unregister removes conn from the registry and tears down its
// subscriptions and in-flight uploads. Safe to call more than once.
func (r *ConnectionRegistry) Unregister(conn *Connection) {
	r.mu.Lock()
	_, existed := r.conns[conn.id]
	delete(r.conns, conn.id)
	r.mu.Unlock()

	if !existed {
		return
	}
	if r.bus != nil {
		r.bus.UnsubscribeAll(conn.id)
	}
	if r.uploads != nil {
		r.uploads.AbortForConnection(conn.id)
	}
	if r.metrics != nil {
		r.metrics.ConnectionsActive.Set(float64(r.Count()))
	}
}

// Get returns the connection for id, if registered.
func (r *ConnectionRegistry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Count reports the number of registered connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Start launches the heartbeat sweep goroutine.
func (r *ConnectionRegistry) Start() {
	go r.heartbeatLoop()
}

// Stop halts the heartbeat sweep. It does not close any connection.
func (r *ConnectionRegistry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.stopped
}

func (r *ConnectionRegistry) heartbeatLoop() {
	defer close(r.stopped)

	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

// sweepOnce pings every connection and closes the ones that have already
// missed three consecutive pongs.
func (r *ConnectionRegistry) sweepOnce() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if c.checkHeartbeat() {
			r.logger.Info("closing unresponsive connection", "connectionId", c.id)
			c.closeWithCode(websocket.CloseNoStatusReceived, "missed heartbeat")
			r.Unregister(c)
			continue
		}
		deadline := time.Now().Add(5 * time.Second)
		if err := c.socket.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			r.logger.Debug("ping failed", "connectionId", c.id, "error", err)
		}
	}

	if r.metrics != nil && r.instanceCounter != nil {
		r.metrics.InstancesActive.Set(float64(r.instanceCounter()))
	}
}
