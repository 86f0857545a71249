package server

import (
	"chat-relay/internal/auth"
	"chat-relay/internal/delivery"
	"chat-relay/internal/event"
	"chat-relay/internal/presence"
	"chat-relay/internal/storage"
	"encoding/json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fixture struct {
	srv      *Server
	ts       *httptest.Server
	store    *storage.MemStore
	registry *presence.Registry
	auth     *auth.Manager
}

func bootstrapServer(t *testing.T, opts ...Option) fixture {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	store := storage.NewMemStore()
	registry := presence.NewRegistry()
	manager := auth.NewManager(auth.Config{Secret: "test-secret", Issuer: "chat-relay-test"})
	router := delivery.NewRouter(logger.Sugar(), store, registry)

	srv, err := NewServer(logger.Sugar(), manager, router, registry, store, opts...)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.h.closeAll()
		ts.Close()
	})

	return fixture{
		srv:      srv,
		ts:       ts,
		store:    store,
		registry: registry,
		auth:     manager,
	}
}

func (f fixture) token(t *testing.T, identity string) string {
	token, err := f.auth.Issue(identity)
	require.NoError(t, err)
	return token
}

// dial opens a websocket for identity, its first frames are the backlog replay
func (f fixture) dial(t *testing.T, identity string) *websocket.Conn {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token(t, identity))

	ws, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), header)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { ws.Close() })

	return ws
}

func (f fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
}

// do serves a single request without going through the network
func (f fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	var err error
	if body == "" {
		req, err = http.NewRequest(method, path, nil)
	} else {
		req, err = http.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func readEvent(t *testing.T, ws *websocket.Conn) event.Event {
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var e event.Event
	require.NoError(t, json.Unmarshal(data, &e))
	return e
}

// readType reads the next event and checks its type
func readType(t *testing.T, ws *websocket.Conn, typ event.Type) event.Event {
	e := readEvent(t, ws)
	require.Equal(t, typ, e.Type, "reason: %s", e.Reason)
	return e
}

func readUnread(t *testing.T, ws *websocket.Conn) int64 {
	e := readType(t, ws, event.TypeUnreadCount)
	require.NotNil(t, e.Count)
	return *e.Count
}

func writeFrame(t *testing.T, ws *websocket.Conn, frame string) {
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func sendFrame(receiver, body string) string {
	return `{"type":"send","receiver":"` + receiver + `","body":"` + body + `"}`
}

func markReadFrame(counterpart string) string {
	return `{"type":"markRead","counterpart":"` + counterpart + `"}`
}
