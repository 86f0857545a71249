package delivery

import (
	"chat-relay/internal/event"
	"chat-relay/internal/storage"
	"context"
	"errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"testing"
)

func TestJoinInOrderThenCount(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	ctx := context.Background()

	for _, body := range []string{"hi", "there", "you?"} {
		_, err := f.router.Route(ctx, "bob", "alice", body)
		require.NoError(t, err)
	}
	f.requireConsistent(t)

	alice := newRecorder("alice-1")
	n, err := f.router.Join(ctx, "alice", alice)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	events := alice.all()
	require.Len(t, events, 4)
	require.Equal(t, []string{"hi", "there", "you?"}, bodies(events[:3]))
	for _, e := range events[:3] {
		require.Equal(t, event.TypeIncomingMessage, e.Type)
	}
	require.Equal(t, event.TypeUnreadCount, events[3].Type)
	require.Equal(t, int64(3), *events[3].Count)

	for _, m := range f.store.Messages() {
		require.True(t, m.Delivered)
	}
	f.requireConsistent(t)

	unread, err := f.router.MarkRead(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Zero(t, unread)
	f.requireConsistent(t)

	unread, err = f.router.MarkRead(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Zero(t, unread)
	require.Zero(t, alice.lastUnread(t))
}

func TestJoinExactlyOnce(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	ctx := context.Background()

	_, err := f.router.Route(ctx, "bob", "alice", "hi")
	require.NoError(t, err)

	first := newRecorder("alice-1")
	n, err := f.router.Join(ctx, "alice", first)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	second := newRecorder("alice-2")
	n, err = f.router.Join(ctx, "alice", second)
	require.NoError(t, err)
	require.Zero(t, n)

	require.Len(t, first.ofType(event.TypeIncomingMessage), 1)
	require.Empty(t, second.ofType(event.TypeIncomingMessage))
	require.Equal(t, int64(1), second.lastUnread(t))
}

func TestJoinEmptyBacklogStillCounts(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	alice := newRecorder("alice-1")

	n, err := f.router.Join(context.Background(), "alice", alice)
	require.NoError(t, err)
	require.Zero(t, n)

	events := alice.all()
	require.Len(t, events, 1)
	require.Equal(t, event.TypeUnreadCount, events[0].Type)
	require.Zero(t, *events[0].Count)
}

func TestJoinOnlyToJoiningConnection(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	ctx := context.Background()

	_, err := f.router.Route(ctx, "bob", "alice", "hi")
	require.NoError(t, err)

	// an already joined device that missed the message keeps quiet during the other device's replay
	other := f.connect("alice", "alice-other")
	joining := newRecorder("alice-joining")

	_, err = f.router.Join(ctx, "alice", joining)
	require.NoError(t, err)

	require.Len(t, joining.ofType(event.TypeIncomingMessage), 1)
	require.Empty(t, other.all())
	require.Len(t, f.registry.HandlesFor("alice"), 2)
}

func TestJoinDisconnectMidway(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	ctx := context.Background()

	for _, body := range []string{"one", "two", "three"} {
		_, err := f.router.Route(ctx, "bob", "alice", body)
		require.NoError(t, err)
	}

	flaky := newRecorder("alice-flaky")
	flaky.acceptOnly(1)

	n, err := f.router.Join(ctx, "alice", flaky)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	queued, err := f.store.UndeliveredMessages(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, queued, 2)
	require.Equal(t, "two", queued[0].Body)
	require.Equal(t, "three", queued[1].Body)

	f.registry.Deregister("alice", flaky)
	require.False(t, f.registry.IsReachable("alice"))
	fresh := newRecorder("alice-fresh")
	n, err = f.router.Join(ctx, "alice", fresh)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"two", "three"}, bodies(fresh.ofType(event.TypeIncomingMessage)))
	f.requireConsistent(t)
}

func TestJoinStoreUnavailable(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	alice := newRecorder("alice-1")
	f.store.FailWith(errors.New("down"))

	_, err := f.router.Join(context.Background(), "alice", alice)
	require.True(t, errors.Is(err, ErrStoreUnavailable))
	require.Empty(t, alice.all())
}

func TestUnreadCounterAcrossLifecycle(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	ctx := context.Background()

	// (a) fresh send to an offline receiver
	_, err := f.router.Route(ctx, "bob", "alice", "queued")
	require.NoError(t, err)
	f.requireConsistent(t)

	// (c) backlog replay
	alice := newRecorder("alice-1")
	_, err = f.router.Join(ctx, "alice", alice)
	require.NoError(t, err)
	require.Equal(t, int64(1), alice.lastUnread(t))
	f.requireConsistent(t)

	// (b) live delivery
	_, err = f.router.Route(ctx, "bob", "alice", "live")
	require.NoError(t, err)
	require.Equal(t, int64(2), alice.lastUnread(t))
	f.requireConsistent(t)

	// (d) read transition
	_, err = f.router.MarkRead(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Zero(t, alice.lastUnread(t))
	f.requireConsistent(t)
}

// pausingStore blocks the backlog lookup of the next join until resumed
type pausingStore struct {
	Store

	paused  chan struct{}
	resumed chan struct{}
}

func (s *pausingStore) UndeliveredMessages(ctx context.Context, receiver string) ([]storage.Message, error) {
	queued, err := s.Store.UndeliveredMessages(ctx, receiver)
	close(s.paused)
	<-s.resumed
	return queued, err
}

func TestJoinHoldsLiveSendsBehindBacklog(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	ctx := context.Background()

	store := &pausingStore{Store: f.store, paused: make(chan struct{}), resumed: make(chan struct{})}
	router := NewRouter(zap.NewNop().Sugar(), store, f.registry, WithClock(tickingClock()))

	_, err := router.Route(ctx, "bob", "alice", "m1")
	require.NoError(t, err)

	alice := newRecorder("alice-1")
	done := make(chan error, 1)
	go func() {
		_, err := router.Join(ctx, "alice", alice)
		done <- err
	}()

	<-store.paused
	// alice is registered but her backlog is still in flight
	m2, err := router.Route(ctx, "bob", "alice", "m2")
	require.NoError(t, err)
	require.True(t, m2.Delivered)
	require.Empty(t, alice.all())

	close(store.resumed)
	require.NoError(t, <-done)

	require.Equal(t, []string{"m1", "m2"}, bodies(alice.ofType(event.TypeIncomingMessage)))
	require.Len(t, alice.ofType(event.TypeUnreadCount), 1)
	require.Equal(t, int64(2), alice.lastUnread(t))
	f.requireConsistent(t)

	// the gate lets later sends straight through
	_, err = router.Route(ctx, "bob", "alice", "m3")
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2", "m3"}, bodies(alice.ofType(event.TypeIncomingMessage)))
	require.Equal(t, int64(3), alice.lastUnread(t))
}

func TestJoinDropsHeldCopyOfReplayedMessage(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	ctx := context.Background()

	m, err := f.router.Route(ctx, "bob", "alice", "once")
	require.NoError(t, err)

	alice := newRecorder("alice-1")
	g := &gate{Conn: alice, holding: true}
	// the same message routed live while the replay picks it from the backlog
	require.NoError(t, g.Push(event.IncomingMessage(m)))
	require.NoError(t, g.Push(event.UnreadCount(1)))
	require.Empty(t, alice.all())

	require.NoError(t, alice.Push(event.IncomingMessage(m)))
	f.router.release(ctx, g, map[int64]struct{}{m.ID: {}})

	incoming := alice.ofType(event.TypeIncomingMessage)
	require.Len(t, incoming, 1)
	require.Equal(t, m.ID, incoming[0].Message.ID)
	require.Empty(t, alice.ofType(event.TypeUnreadCount))

	require.NoError(t, g.Push(event.UnreadCount(0)))
	require.Zero(t, alice.lastUnread(t))
}
