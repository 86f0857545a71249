package server

import (
	"chat-relay/internal/auth"
	"chat-relay/internal/delivery"
	"chat-relay/internal/event"
	"chat-relay/internal/presence"
	"chat-relay/internal/storage/zapadapter"
	"context"
	"errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"time"
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateAuthenticated
	stateJoined
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticated:
		return "authenticated"
	case stateJoined:
		return "joined"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// next reports whether a session in state s may move to state to.
// Closed is reachable from anywhere, every other move goes one step forward.
func (s sessionState) next(to sessionState) bool {
	if to == stateClosed {
		return s != stateClosed
	}
	return to == s+1
}

// session relays events between one authenticated connection and the router.
// It is driven by a single goroutine, state needs no locking.
type session struct {
	logger   *zap.SugaredLogger
	claims   auth.Claims
	conn     *conn
	router   *delivery.Router
	registry *presence.Registry
	decoder  *event.Decoder

	pongTimeout time.Duration
	readLimit   int64

	state sessionState
}

// run joins the session and serves inbound frames until the peer leaves or logs out.
// Deregistration happens on every exit path once the session has joined.
func (s *session) run(ctx context.Context) {
	ctx = zapadapter.NewContextWithID(ctx, s.conn.ID())
	ctx = zapadapter.NewContextWithIdentity(ctx, s.claims.Identity)
	s.logger = s.logger.With("conn", s.conn.ID(), "identity", s.claims.Identity)

	go s.conn.writePump()

	defer s.close()

	s.join(ctx)
	s.readLoop(ctx)
}

func (s *session) setState(to sessionState) {
	if !s.state.next(to) {
		s.logger.Warnw("Illegal session transition", "from", s.state, "to", to)
		return
	}
	s.logger.Debugw("Session state changed", "from", s.state, "to", to)
	s.state = to
}

func (s *session) join(ctx context.Context) {
	s.setState(stateJoined)
	s.logger.Infow("Session joined", "roles", s.claims.Roles)

	if _, err := s.router.Join(ctx, s.claims.Identity, s.conn); err != nil {
		// the backlog stays queued for the next join
		s.logger.Errorw("Backlog replay failed", "error", err)
		_ = s.conn.Push(event.Error("backlog unavailable"))
	}
}

func (s *session) readLoop(ctx context.Context) {
	ws := s.conn.ws
	ws.SetReadLimit(s.readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
	})

	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debugw("Connection dropped", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.pongTimeout))

		if typ != websocket.TextMessage {
			_ = s.conn.Push(event.Error("text frames only"))
			continue
		}

		if !s.handle(ctx, data) {
			return
		}
	}
}

// handle processes one inbound frame and reports whether the session stays open
func (s *session) handle(ctx context.Context, data []byte) bool {
	in, err := s.decoder.Decode(data)
	if err != nil {
		_ = s.conn.Push(event.Error(err.Error()))
		return true
	}

	switch in.Type {
	case event.TypeSend:
		if _, err := s.router.Route(ctx, s.claims.Identity, in.Receiver, in.Body); err != nil {
			s.reject(err, "send failed")
		}
	case event.TypeMarkRead:
		if _, err := s.router.MarkRead(ctx, s.claims.Identity, in.Counterpart); err != nil {
			s.reject(err, "mark read failed")
		}
	case event.TypeLogout:
		s.logger.Infow("Logout requested")
		return false
	}

	return true
}

// reject answers the originating connection only
func (s *session) reject(err error, storeReason string) {
	var verr *delivery.ValidationError
	switch {
	case errors.As(err, &verr):
		_ = s.conn.Push(event.Error(verr.Error()))
	case errors.Is(err, delivery.ErrStoreUnavailable):
		s.logger.Errorw("Store unavailable", "error", err)
		_ = s.conn.Push(event.Error(storeReason))
	default:
		s.logger.Errorw("Cannot handle event", "error", err)
		_ = s.conn.Push(event.Error(storeReason))
	}
}

func (s *session) close() {
	if s.state == stateJoined {
		s.registry.Deregister(s.claims.Identity, s.conn)
	}
	s.conn.shutdown()
	s.setState(stateClosed)
	s.logger.Infow("Session closed")
}
