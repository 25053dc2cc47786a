package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/livecomponent/runtime/pkg/dispatch"
	"github.com/livecomponent/runtime/pkg/eventbus"
	"github.com/livecomponent/runtime/pkg/lifecycle"
	"github.com/livecomponent/runtime/pkg/protocol"
	"github.com/livecomponent/runtime/pkg/registry"
)

type counterState struct {
	Count int `json:"count"`
}

func newTestWSServer(t *testing.T) *httptest.Server {
	t.Helper()

	reg := registry.New()
	if err := reg.Register(registry.Type{
		Name: "Counter",
		NewState: func(props json.RawMessage) (any, error) {
			return &counterState{}, nil
		},
		Methods: map[string]registry.Method{
			"increment": func(ctx context.Context, mc *registry.MethodContext, state any, params []json.RawMessage) (any, error) {
				cs := state.(*counterState)
				cs.Count++
				return cs.Count, nil
			},
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	bus := eventbus.New()
	mgr := lifecycle.New(reg, bus, lifecycle.Config{}, nil)
	mgr.Start()
	t.Cleanup(mgr.Stop)

	d := dispatch.New(mgr, bus, nil)
	registryConn := NewConnectionRegistry(bus, nil, nil, 20*time.Second, nil)
	registryConn.Start()
	t.Cleanup(registryConn.Stop)

	cfg := DefaultConfig().WithDevMode()
	ws := newWSHandler(cfg, d, registryConn, nil, nil, nil, nil)

	r := chi.NewRouter()
	r.Get("/ws", ws.ServeHTTP)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialTestWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", subprotocol)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial(%q) failed: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, updates ...protocol.Update) {
	t.Helper()
	data, err := protocol.EncodeEnvelope(updates)
	if err != nil {
		t.Fatalf("EncodeEnvelope() error = %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

func readUpdate(t *testing.T, conn *websocket.Conn) protocol.Update {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	updates, err := protocol.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("len(updates) = %d, want 1", len(updates))
	}
	return updates[0]
}

func TestWebSocketGetInitialStateRoundTrip(t *testing.T) {
	srv := newTestWSServer(t)
	conn := dialTestWS(t, srv)

	sendEnvelope(t, conn, &protocol.GetInitialState{Type: protocol.TypeGetInitialState, ComponentName: "Counter"})

	update := readUpdate(t, conn)
	initial, ok := update.(*protocol.InitialState)
	if !ok {
		t.Fatalf("update type = %T, want *protocol.InitialState", update)
	}
	if initial.ComponentName != "Counter" {
		t.Errorf("ComponentName = %q, want Counter", initial.ComponentName)
	}
}

func TestWebSocketPingPong(t *testing.T) {
	srv := newTestWSServer(t)
	conn := dialTestWS(t, srv)

	sendEnvelope(t, conn, &protocol.Ping{Type: protocol.TypePing, Timestamp: 42})

	update := readUpdate(t, conn)
	pong, ok := update.(*protocol.Pong)
	if !ok {
		t.Fatalf("update type = %T, want *protocol.Pong", update)
	}
	if pong.Timestamp != 42 {
		t.Errorf("Timestamp = %d, want 42", pong.Timestamp)
	}
}

func TestWebSocketUnknownComponentReturnsError(t *testing.T) {
	srv := newTestWSServer(t)
	conn := dialTestWS(t, srv)

	sendEnvelope(t, conn, &protocol.GetInitialState{Type: protocol.TypeGetInitialState, ComponentName: "DoesNotExist"})

	update := readUpdate(t, conn)
	errFrame, ok := update.(*protocol.FunctionError)
	if !ok {
		t.Fatalf("update type = %T, want *protocol.FunctionError", update)
	}
	if errFrame.Code != protocol.ErrUnknownType {
		t.Errorf("Code = %v, want UNKNOWN_TYPE", errFrame.Code)
	}
}
