package delivery

import (
	"chat-relay/internal/event"
	"chat-relay/internal/presence"
	"chat-relay/internal/storage"
	"context"
	"errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"sync"
	"testing"
	"time"
)

var errGone = errors.New("connection gone")

// recorder is a presence.Conn keeping every accepted event
type recorder struct {
	id string

	mu     sync.Mutex
	events []event.Event
	// accept is the number of pushes still accepted, negative means unlimited
	accept int
}

func newRecorder(id string) *recorder {
	return &recorder{id: id, accept: -1}
}

func (c *recorder) ID() string { return c.id }

func (c *recorder) Push(e event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accept == 0 {
		return errGone
	}
	if c.accept > 0 {
		c.accept--
	}
	c.events = append(c.events, e)
	return nil
}

// acceptOnly makes the recorder refuse every push after the next n
func (c *recorder) acceptOnly(n int) {
	c.mu.Lock()
	c.accept = n
	c.mu.Unlock()
}

func (c *recorder) all() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]event.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *recorder) ofType(t event.Type) []event.Event {
	var out []event.Event
	for _, e := range c.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// lastUnread returns the count of the latest unreadCount event
func (c *recorder) lastUnread(t *testing.T) int64 {
	counts := c.ofType(event.TypeUnreadCount)
	require.NotEmpty(t, counts)
	return *counts[len(counts)-1].Count
}

// tickingClock returns strictly increasing timestamps
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2020, 8, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

type fixture struct {
	router   *Router
	store    *storage.MemStore
	registry *presence.Registry
}

func bootstrap(t *testing.T, opts ...Option) fixture {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	store := storage.NewMemStore()
	registry := presence.NewRegistry()
	opts = append([]Option{WithClock(tickingClock())}, opts...)

	return fixture{
		router:   NewRouter(logger.Sugar(), store, registry, opts...),
		store:    store,
		registry: registry,
	}
}

// connect registers a new recorder for identity
func (f fixture) connect(identity, id string) *recorder {
	c := newRecorder(id)
	f.registry.Register(identity, c)
	return c
}

// requireConsistent checks the read => delivered invariant and the unread counter of every receiver
func (f fixture) requireConsistent(t *testing.T) {
	unread := make(map[string]int64)
	for _, m := range f.store.Messages() {
		if m.Read {
			require.True(t, m.Delivered, "message %d is read but not delivered", m.ID)
		}
		if !m.Read {
			unread[m.Receiver]++
		} else if _, ok := unread[m.Receiver]; !ok {
			unread[m.Receiver] = 0
		}
	}
	for receiver, want := range unread {
		got, err := f.store.CountUnread(context.Background(), receiver)
		require.NoError(t, err)
		require.Equal(t, want, got, "unread counter of %s", receiver)
	}
}

func bodies(events []event.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Message.Body)
	}
	return out
}
