package server

import (
	"chat-relay/internal/auth"
	"chat-relay/internal/delivery"
	"chat-relay/internal/event"
	"chat-relay/internal/presence"
	"chat-relay/internal/storage"
	"context"
	"encoding/json"
	"errors"
	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Store is the part of the message store read directly by the HTTP endpoints
type Store interface {
	Ping(ctx context.Context) error
	UnreadMessages(ctx context.Context, receiver string) ([]storage.Message, error)
	InboxStats(ctx context.Context, identity string) (storage.Stats, error)
	Activity(ctx context.Context, identity string, q storage.ActivityQuery) (storage.Activity, error)
}

const (
	defaultActivityDays     = 7
	maxActivityDays         = 90
	defaultActivityContacts = 5
	maxActivityContacts     = 50
)

type parsers struct {
	addMessagePool fastjson.ParserPool
	markReadPool   fastjson.ParserPool
}

type handler struct {
	logger   *zap.SugaredLogger
	cfg      *config
	verifier Verifier
	router   *delivery.Router
	registry *presence.Registry
	store    Store
	decoder  *event.Decoder
	upgrader websocket.Upgrader
	parsers  parsers

	// live connections, closed on shutdown since hijacked connections are invisible to http.Server
	conns sync.Map
}

// sentMessage is the response of "/v1/messages/add"
type sentMessage struct {
	event.Message
	Delivered bool `json:"delivered"`
}

// connect handles websocket handshakes on "/ws"
func (h *handler) connect(w http.ResponseWriter, r *http.Request) {
	s := &session{
		logger:      h.logger,
		router:      h.router,
		registry:    h.registry,
		decoder:     h.decoder,
		pongTimeout: h.cfg.pongTimeout,
		readLimit:   h.cfg.readLimit,
		state:       stateConnecting,
	}

	// a rejected handshake never registers
	claims, ok := verifyRequest(w, r, h.verifier, h.cfg.metrics)
	if !ok {
		s.setState(stateClosed)
		return
	}
	s.claims = claims
	s.setState(stateAuthenticated)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered
		h.logger.Debugw("Websocket upgrade failed", "identity", claims.Identity, "error", err)
		s.setState(stateClosed)
		return
	}

	s.conn = newConn(ws, h.cfg)
	h.conns.Store(s.conn.ID(), s.conn)
	defer h.conns.Delete(s.conn.ID())

	s.run(r.Context())
}

// closeAll closes every live websocket connection
func (h *handler) closeAll() {
	h.conns.Range(func(_, v interface{}) bool {
		v.(*conn).close(websocket.CloseGoingAway, "server shutdown")
		return true
	})
}

// addMessage handles HTTP requests on "/v1/messages/add" endpoint
func (h *handler) addMessage(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.addMessagePool.Get()
	v, _ := parser.ParseBytes(body)

	receiver, ok := stringField(w, v, "receiver")
	if !ok {
		h.parsers.addMessagePool.Put(parser)
		return
	}
	text, ok := stringField(w, v, "body")
	h.parsers.addMessagePool.Put(parser)
	if !ok {
		return
	}

	claims := claimsFromContext(r.Context())
	m, err := h.router.Route(r.Context(), claims.Identity, receiver, text)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, sentMessage{Message: event.FromStorage(m), Delivered: m.Delivered})
}

// markRead handles HTTP requests on "/v1/messages/read" endpoint
func (h *handler) markRead(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.markReadPool.Get()
	v, _ := parser.ParseBytes(body)
	counterpart, ok := stringField(w, v, "counterpart")
	h.parsers.markReadPool.Put(parser)
	if !ok {
		return
	}

	claims := claimsFromContext(r.Context())
	unread, err := h.router.MarkRead(r.Context(), claims.Identity, counterpart)
	if err != nil {
		h.fail(w, err)
		return
	}

	payload := []byte(`{"unread":` + strconv.FormatInt(unread, 10) + `}`)
	h.write(w, http.StatusOK, payload)
}

// unreadMessages handles HTTP requests on "/v1/messages/unread" endpoint
func (h *handler) unreadMessages(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	messages, err := h.store.UnreadMessages(r.Context(), claims.Identity)
	if err != nil {
		h.fail(w, &delivery.StoreError{Op: "find_unread", Err: err})
		return
	}

	out := make([]event.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, event.FromStorage(m))
	}

	h.writeJSON(w, http.StatusOK, out)
}

// stats handles HTTP requests on "/v1/stats" endpoint
func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	st, err := h.store.InboxStats(r.Context(), claims.Identity)
	if err != nil {
		h.fail(w, &delivery.StoreError{Op: "inbox_stats", Err: err})
		return
	}

	h.writeJSON(w, http.StatusOK, st)
}

// activity handles HTTP requests on "/v1/stats/activity" endpoint
func (h *handler) activity(w http.ResponseWriter, r *http.Request) {
	days, ok := boundedParam(w, r, "days", defaultActivityDays, maxActivityDays)
	if !ok {
		return
	}
	contacts, ok := boundedParam(w, r, "contacts", defaultActivityContacts, maxActivityContacts)
	if !ok {
		return
	}

	claims := claimsFromContext(r.Context())
	q := storage.ActivityQuery{Until: time.Now(), Days: days, Contacts: contacts}

	a, err := h.store.Activity(r.Context(), claims.Identity, q)
	if err != nil {
		h.fail(w, &delivery.StoreError{Op: "activity", Err: err})
		return
	}

	h.writeJSON(w, http.StatusOK, a)
}

// boundedParam reads an optional positive integer query parameter of at most limit, answering 400 otherwise
func boundedParam(w http.ResponseWriter, r *http.Request, key string, def, limit int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > limit {
		http.Error(w, "Parameter \""+key+"\" must be an integer between 1 and "+strconv.Itoa(limit), http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

// health handles HTTP requests on "/healthz" endpoint
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Errorw("Health check failed", "error", err)
		http.Error(w, "Message store unavailable", http.StatusServiceUnavailable)
		return
	}

	payload := []byte(`{"status":"ok","identities":` + strconv.Itoa(h.registry.Online()) +
		`,"connections":` + strconv.Itoa(h.registry.Connections()) + `}`)
	h.write(w, http.StatusOK, payload)
}

// stringField extracts a required string field, answering 400 when it is absent or of another type
func stringField(w http.ResponseWriter, v *fastjson.Value, key string) (string, bool) {
	if !v.Exists(key) {
		http.Error(w, "Missing Field \""+key+"\"", http.StatusBadRequest)
		return "", false
	}

	field := v.Get(key)
	if field.Type() != fastjson.TypeString {
		http.Error(w, "Field \""+key+"\" must be a string", http.StatusBadRequest)
		return "", false
	}

	sb, _ := field.StringBytes()
	return string(sb), true
}

// fail maps delivery errors to HTTP statuses
func (h *handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, delivery.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, delivery.ErrStoreUnavailable):
		h.logger.Error(err)
		http.Error(w, "Message store unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.write(w, status, payload)
}

func (h *handler) write(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}

var _ Verifier = (*auth.Manager)(nil)
