// Package delivery routes direct messages to their receivers and keeps the
// queued -> delivered -> read lifecycle and the unread counters consistent.
//
// Every send is persisted before any push is attempted. A push that races a
// disconnect is lost without error: the message stays queued and the next
// backlog replay of the receiver delivers it.
package delivery

import (
	"chat-relay/internal/event"
	"chat-relay/internal/metrics"
	"chat-relay/internal/presence"
	"chat-relay/internal/storage"
	"chat-relay/internal/storage/zapadapter"
	"context"
	"errors"
	"go.uber.org/zap"
	"time"
)

// Store is the message log used by the Router
type Store interface {
	AppendMessage(ctx context.Context, m storage.Message) (storage.Message, error)
	UndeliveredMessages(ctx context.Context, receiver string) ([]storage.Message, error)
	MarkDelivered(ctx context.Context, ids []int64) (int64, error)
	MarkRead(ctx context.Context, receiver, sender string) (int64, error)
	CountUnread(ctx context.Context, receiver string) (int64, error)
}

// Presence answers whether an identity is reachable and through which connections.
// presence.Registry implements it.
type Presence interface {
	Register(identity string, c presence.Conn)
	IsReachable(identity string) bool
	HandlesFor(identity string) []presence.Conn
}

// Option alters the default configuration of a Router
type Option interface {
	apply(*Router)
}

type optionFunc func(r *Router)

func (f optionFunc) apply(r *Router) { f(r) }

// WithMetrics records routing outcomes to m
func WithMetrics(m *metrics.Metrics) Option {
	return optionFunc(func(r *Router) {
		r.metrics = m
	})
}

// MaxBodyLength limits message bodies to n characters, zero disables the limit
func MaxBodyLength(n int) Option {
	return optionFunc(func(r *Router) {
		r.maxBodyLength = n
	})
}

// WithClock replaces time.Now as the source of creation timestamps
func WithClock(now func() time.Time) Option {
	return optionFunc(func(r *Router) {
		r.now = now
	})
}

// Router fans messages out to live connections and falls back to the backlog
type Router struct {
	logger        *zap.SugaredLogger
	store         Store
	presence      Presence
	metrics       *metrics.Metrics
	maxBodyLength int
	now           func() time.Time
}

// NewRouter returns a Router persisting to store and pushing through p
func NewRouter(logger *zap.SugaredLogger, store Store, p Presence, opts ...Option) *Router {
	r := &Router{
		logger:        logger,
		store:         store,
		presence:      p,
		maxBodyLength: 4096,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt.apply(r)
	}
	return r
}

// Route persists a message from sender to receiver, pushes it to every live connection
// of receiver and echoes it to every live connection of sender.
// The returned message reflects the delivery state reached by this call.
func (r *Router) Route(ctx context.Context, sender, receiver, body string) (storage.Message, error) {
	if err := ValidateIdentity("receiver", receiver); err != nil {
		return storage.Message{}, err
	}
	body, err := NormalizeBody(body, r.maxBodyLength)
	if err != nil {
		return storage.Message{}, err
	}

	log := r.log(ctx)

	m, err := r.store.AppendMessage(ctx, storage.Message{
		Sender:    sender,
		Receiver:  receiver,
		Body:      body,
		CreatedAt: r.now().UTC(),
	})
	if err != nil {
		r.metrics.Routed(metrics.OutcomeFailed)
		if errors.Is(err, storage.ErrInvalidMessage) {
			return storage.Message{}, &ValidationError{Field: "body", Reason: "must not be empty"}
		}
		r.metrics.StoreError("append")
		return storage.Message{}, &StoreError{Op: "append", Err: err}
	}

	// the message is durable now, follow-up writes must not be abandoned with the caller
	ctx = context.WithoutCancel(ctx)

	if r.presence.IsReachable(receiver) && r.pushAll(ctx, receiver, event.IncomingMessage(m)) > 0 {
		if _, err := r.store.MarkDelivered(ctx, []int64{m.ID}); err != nil {
			// left queued, the next replay delivers it again
			r.metrics.StoreError("mark_delivered")
			log.Errorw("Cannot mark message delivered", "id", m.ID, "error", err)
			r.metrics.Routed(metrics.OutcomeQueued)
		} else {
			m, _, _ = Advance(m, Delivered)
			r.metrics.Routed(metrics.OutcomeLive)
			if _, err := r.PushUnread(ctx, receiver); err != nil {
				log.Errorw("Cannot refresh unread counter", "identity", receiver, "error", err)
			}
		}
	} else {
		r.metrics.Routed(metrics.OutcomeQueued)
	}

	r.pushAll(ctx, sender, event.SentConfirmation(m))

	log.Debugw("Routed message", "id", m.ID, "sender", sender, "receiver", receiver, "state", stateName(m))

	return m, nil
}

// MarkRead moves every delivered message from counterpart to receiver into the read state
// and pushes the new unread counter to all connections of receiver.
// Repeating it without new deliveries in between changes nothing and yields the same counter.
func (r *Router) MarkRead(ctx context.Context, receiver, counterpart string) (int64, error) {
	if err := ValidateIdentity("counterpart", counterpart); err != nil {
		return 0, err
	}

	ctx = context.WithoutCancel(ctx)

	changed, err := r.store.MarkRead(ctx, receiver, counterpart)
	if err != nil {
		r.metrics.StoreError("mark_read")
		return 0, &StoreError{Op: "mark_read", Err: err}
	}
	r.metrics.Read(changed)

	r.log(ctx).Debugw("Marked messages read", "receiver", receiver, "counterpart", counterpart, "changed", changed)

	return r.PushUnread(ctx, receiver)
}

// PushUnread recomputes the unread counter of identity and pushes it to all its connections
func (r *Router) PushUnread(ctx context.Context, identity string) (int64, error) {
	n, err := r.store.CountUnread(ctx, identity)
	if err != nil {
		r.metrics.StoreError("count_unread")
		return 0, &StoreError{Op: "count_unread", Err: err}
	}

	r.pushAll(ctx, identity, event.UnreadCount(n))

	return n, nil
}

// pushAll pushes e to every connection of identity and returns how many accepted it
func (r *Router) pushAll(ctx context.Context, identity string, e event.Event) int {
	accepted := 0
	for _, c := range r.presence.HandlesFor(identity) {
		if r.push(ctx, c, e) {
			accepted++
		}
	}
	return accepted
}

func (r *Router) push(ctx context.Context, c presence.Conn, e event.Event) bool {
	if err := c.Push(e); err != nil {
		r.metrics.LostPush()
		r.log(ctx).Warnw("Push lost", "conn", c.ID(), "type", e.Type, "error", err)
		return false
	}
	return true
}

func (r *Router) log(ctx context.Context) *zap.SugaredLogger {
	fields := zapadapter.Fields(ctx)
	if len(fields) == 0 {
		return r.logger
	}
	args := make([]interface{}, len(fields))
	for i, f := range fields {
		args[i] = f
	}
	return r.logger.With(args...)
}

func stateName(m storage.Message) string {
	s, err := StateOf(m)
	if err != nil {
		return err.Error()
	}
	return s.String()
}
