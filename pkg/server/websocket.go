package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/livecomponent/runtime/pkg/dispatch"
	"github.com/livecomponent/runtime/pkg/protocol"
)

// subprotocol is the only WebSocket subprotocol this server accepts.
const subprotocol = "live.v1"

// AuthFunc authenticates an upgrade request, returning the principal to
// attach to the resulting Connection. A nil AuthFunc accepts every request
// with a nil principal.
type AuthFunc func(r *http.Request) (any, error)

// Dispatcher routes one decoded update for a connection. *dispatch.Dispatcher
// satisfies this directly; a pkg/middleware.Chain-wrapped Handler also
// satisfies it, letting callers instrument every update with metrics or
// tracing without pkg/server knowing about pkg/middleware.
type Dispatcher interface {
	Handle(ctx context.Context, conn dispatch.Connection, limiter *rate.Limiter, update protocol.Update) error
}

// wsHandler upgrades HTTP requests to the live.v1 WebSocket subprotocol and
// pumps decoded envelopes through a Dispatcher.
type wsHandler struct {
	cfg        *Config
	dispatcher Dispatcher
	registry   *ConnectionRegistry
	metrics    *Metrics
	auth       AuthFunc
	trusted    *proxyMatcher
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

func newWSHandler(cfg *Config, dispatcher Dispatcher, registry *ConnectionRegistry, metrics *Metrics, auth AuthFunc, trusted *proxyMatcher, logger *slog.Logger) *wsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &wsHandler{
		cfg:        cfg,
		dispatcher: dispatcher,
		registry:   registry,
		metrics:    metrics,
		auth:       auth,
		trusted:    trusted,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
			Subprotocols:    []string{subprotocol},
		},
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var principal any
	if h.auth != nil {
		p, err := h.auth(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		principal = p
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	remoteIP := clientIPFromRequest(r, h.trusted)
	connID := uuid.NewString()
	conn := NewConnection(connID, socket, principal, remoteIP, h.cfg, h.metrics, h.logger)
	h.registry.Register(conn)

	socket.SetPongHandler(func(string) error {
		conn.touch()
		return nil
	})

	limiter := dispatch.NewLimiter(h.cfg.RateLimitRPS, h.cfg.RateLimitBurst)

	done := make(chan struct{})
	go h.writePump(conn, done)
	h.readPump(conn, limiter)
	close(done)

	h.registry.Unregister(conn)
	_ = conn.Close()
}

// readPump decodes one envelope per WebSocket message and dispatches each
// update in turn. It returns when the socket errors or closes.
func (h *wsHandler) readPump(conn *Connection, limiter *rate.Limiter) {
	conn.socket.SetReadLimit(h.cfg.MaxFrameBytes)

	for {
		_, data, err := conn.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "connectionId", conn.id, "error", err)
			}
			return
		}
		conn.touch()
		if h.metrics != nil {
			h.metrics.FramesReceived.Inc()
		}

		if err := h.cfg.frameLimits().CheckFrameSize(len(data)); err != nil {
			_ = conn.Send(err.(*protocol.Error).ToFrame())
			continue
		}

		updates, err := protocol.DecodeEnvelope(data)
		if err != nil {
			if perr, ok := err.(*protocol.Error); ok {
				_ = conn.Send(perr.ToFrame())
			}
			continue
		}

		ctx := context.Background()
		for _, u := range updates {
			start := time.Now()
			call, isCall := u.(*protocol.CallMethod)

			err := h.dispatcher.Handle(ctx, conn, limiter, u)

			if isCall && h.metrics != nil {
				h.metrics.ObserveMethodCall(call.ComponentName, call.MethodName, start)
			}
			if err != nil {
				if perr, ok := err.(*protocol.Error); ok {
					if isCall && h.metrics != nil {
						h.metrics.ObserveMethodCallError(string(perr.Code))
					}
					if code, fatal := protocol.CloseCodeFor(perr.Code); fatal {
						conn.closeWithCode(int(code), string(perr.Code))
						return
					}
				}
			}
		}
	}
}

// writePump drains conn's outbound send queue onto the socket until done is
// closed or the connection is torn down.
func (h *wsHandler) writePump(conn *Connection, done <-chan struct{}) {
	for {
		select {
		case data, ok := <-conn.send:
			if !ok {
				return
			}
			frameLen := int64(len(data))
			conn.socket.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := conn.socket.WriteMessage(websocket.TextMessage, data)
			decQueueBytes(conn, frameLen)
			if err != nil {
				return
			}
		case <-conn.closeCh:
			return
		case <-done:
			return
		}
	}
}

func (c *Config) frameLimits() protocol.Limits {
	return protocol.Limits{MaxFrameBytes: c.MaxFrameBytes, MaxUploadBytes: c.MaxUploadBytes, ChunkBytes: c.ChunkBytes}
}
