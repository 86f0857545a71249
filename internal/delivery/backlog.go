package delivery

import (
	"chat-relay/internal/event"
	"chat-relay/internal/presence"
	"context"
	"sync"
)

// gate stands in front of a joining connection in the registry.
// While holding it keeps every routed event back so that nothing overtakes the backlog replay.
type gate struct {
	presence.Conn

	mu      sync.Mutex
	holding bool
	held    []event.Event
}

func (g *gate) Push(e event.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.holding {
		g.held = append(g.held, e)
		return nil
	}
	return g.Conn.Push(e)
}

// release pushes the held events in arrival order and lets later pushes through.
// Messages the replay already pushed and stale unread counters are dropped.
func (r *Router) release(ctx context.Context, g *gate, replayed map[int64]struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, e := range g.held {
		if e.Type == event.TypeUnreadCount {
			continue
		}
		if e.Type == event.TypeIncomingMessage && e.Message != nil {
			if _, dup := replayed[e.Message.ID]; dup {
				continue
			}
		}
		r.push(ctx, g.Conn, e)
	}
	g.held = nil
	g.holding = false
}

// Join registers c as a connection of identity and replays the backlog of identity to it.
//
// Queued messages are pushed oldest first, then the pushed ones are marked delivered in a single
// batch and the unread counter is pushed once. Events routed to c while the replay runs are held
// back and follow the backlog, so a live send never overtakes or duplicates a queued one.
//
// Delivery is committed only after the pushes, and only for the messages c accepted, so a
// crash or a disconnect in the middle leaves the rest queued for the next join.
// It returns the number of backlog messages delivered.
func (r *Router) Join(ctx context.Context, identity string, c presence.Conn) (int, error) {
	g := &gate{Conn: c, holding: true}
	r.presence.Register(identity, g)

	delivered, replayed, err := r.replay(ctx, identity, c)
	r.release(ctx, g, replayed)
	if err != nil {
		return delivered, err
	}

	n, err := r.store.CountUnread(ctx, identity)
	if err != nil {
		r.metrics.StoreError("count_unread")
		return delivered, &StoreError{Op: "count_unread", Err: err}
	}
	r.push(ctx, c, event.UnreadCount(n))

	r.log(ctx).Infow("Replayed backlog", "identity", identity, "conn", c.ID(), "delivered", delivered, "unread", n)

	return delivered, nil
}

// replay pushes the queued messages of identity to c and commits the accepted prefix.
// It returns the ids it pushed, committed or not.
func (r *Router) replay(ctx context.Context, identity string, c presence.Conn) (int, map[int64]struct{}, error) {
	log := r.log(ctx)
	replayed := make(map[int64]struct{})

	queued, err := r.store.UndeliveredMessages(ctx, identity)
	if err != nil {
		r.metrics.StoreError("find_undelivered")
		return 0, replayed, &StoreError{Op: "find_undelivered", Err: err}
	}

	ids := make([]int64, 0, len(queued))
	for _, m := range queued {
		if s, err := StateOf(m); err != nil || s != Queued {
			log.Warnw("Skipping message in unexpected state", "id", m.ID, "state", stateName(m))
			continue
		}
		if !r.push(ctx, c, event.IncomingMessage(m)) {
			break
		}
		replayed[m.ID] = struct{}{}
		ids = append(ids, m.ID)
	}

	if len(ids) > 0 {
		if _, err := r.store.MarkDelivered(context.WithoutCancel(ctx), ids); err != nil {
			r.metrics.StoreError("mark_delivered")
			return 0, replayed, &StoreError{Op: "mark_delivered", Err: err}
		}
	}
	r.metrics.Replayed(len(ids))

	log.Debugw("Pushed backlog", "identity", identity, "queued", len(queued), "delivered", len(ids))

	return len(ids), replayed, nil
}
