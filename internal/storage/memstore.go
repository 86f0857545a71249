package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// MemStore keeps messages in process memory with the same semantics as Store.
// It backs the "memory" store driver and the tests of the packages above storage.
type MemStore struct {
	mu       sync.RWMutex
	nextID   int64
	messages []Message
	index    map[int64]int // id -> position in messages
	closed   bool
	failWith error
}

// NewMemStore returns an empty MemStore
func NewMemStore() *MemStore {
	return &MemStore{
		nextID: 1,
		index:  make(map[int64]int),
	}
}

// FailWith makes every following call return err until it is called again with nil
func (s *MemStore) FailWith(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

// checkLocked must be called with s.mu held
func (s *MemStore) checkLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return ErrClosed
	}
	return s.failWith
}

func (s *MemStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkLocked(ctx)
}

func (s *MemStore) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *MemStore) AppendMessage(ctx context.Context, m Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(ctx); err != nil {
		return Message{}, err
	}
	if m.Sender == "" || m.Receiver == "" || strings.TrimSpace(m.Body) == "" || !utf8.ValidString(m.Body) {
		return Message{}, ErrInvalidMessage
	}

	m.ID = s.nextID
	m.Delivered = false
	m.Read = false
	s.nextID++

	s.index[m.ID] = len(s.messages)
	s.messages = append(s.messages, m)

	return m, nil
}

func (s *MemStore) UndeliveredMessages(ctx context.Context, receiver string) ([]Message, error) {
	return s.filter(ctx, func(m Message) bool {
		return m.Receiver == receiver && !m.Delivered
	})
}

func (s *MemStore) UnreadMessages(ctx context.Context, receiver string) ([]Message, error) {
	return s.filter(ctx, func(m Message) bool {
		return m.Receiver == receiver && !m.Read
	})
}

// filter returns copies of matching messages ordered by creation time, ties broken by id
func (s *MemStore) filter(ctx context.Context, match func(Message) bool) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkLocked(ctx); err != nil {
		return nil, err
	}

	var out []Message
	for _, m := range s.messages {
		if match(m) {
			out = append(out, m)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

func (s *MemStore) MarkDelivered(ctx context.Context, ids []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(ctx); err != nil {
		return 0, err
	}

	var n int64
	for _, id := range ids {
		pos, ok := s.index[id]
		if !ok || s.messages[pos].Delivered {
			continue
		}
		s.messages[pos].Delivered = true
		n++
	}

	return n, nil
}

func (s *MemStore) MarkRead(ctx context.Context, receiver, sender string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(ctx); err != nil {
		return 0, err
	}

	var n int64
	for i := range s.messages {
		m := &s.messages[i]
		if m.Receiver == receiver && m.Sender == sender && m.Delivered && !m.Read {
			m.Read = true
			n++
		}
	}

	return n, nil
}

func (s *MemStore) CountUnread(ctx context.Context, receiver string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkLocked(ctx); err != nil {
		return 0, err
	}

	var n int64
	for _, m := range s.messages {
		if m.Receiver == receiver && !m.Read {
			n++
		}
	}

	return n, nil
}

func (s *MemStore) InboxStats(ctx context.Context, identity string) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkLocked(ctx); err != nil {
		return Stats{}, err
	}

	var st Stats
	for _, m := range s.messages {
		if m.Receiver == identity {
			st.TotalReceived++
			if !m.Read {
				st.UnreadReceived++
			}
		}
		if m.Sender == identity {
			st.SentTotal++
			if m.Delivered {
				st.Delivered++
			}
			if m.Read {
				st.Read++
			}
		}
	}
	st.derive()

	return st, nil
}

func (s *MemStore) Activity(ctx context.Context, identity string, q ActivityQuery) (Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkLocked(ctx); err != nil {
		return Activity{}, err
	}

	since, until := q.since(), q.until()
	counts := make(map[string]DayCount, q.Days)
	contacts := make(map[string]int64)
	type slot struct{ day, hour int }
	heat := make(map[slot]int64)

	for _, m := range s.messages {
		if m.Sender != identity && m.Receiver != identity {
			continue
		}
		at := m.CreatedAt.UTC()

		if !at.Before(since) && at.Before(until) {
			key := at.Format(dayLayout)
			c := counts[key]
			if m.Sender == identity {
				c.Sent++
			}
			if m.Receiver == identity {
				c.Received++
			}
			counts[key] = c
		}

		other := m.Sender
		if m.Sender == identity {
			other = m.Receiver
		}
		contacts[other]++

		heat[slot{isoWeekday(at), at.Hour()}]++
	}

	a := Activity{
		Daily:       dailySeries(q, counts),
		TopContacts: make([]ContactCount, 0, len(contacts)),
		Heatmap:     make([]HourCount, 0, len(heat)),
	}

	for id, n := range contacts {
		a.TopContacts = append(a.TopContacts, ContactCount{Identity: id, Count: n})
	}
	sort.Slice(a.TopContacts, func(i, j int) bool {
		if a.TopContacts[i].Count != a.TopContacts[j].Count {
			return a.TopContacts[i].Count > a.TopContacts[j].Count
		}
		return a.TopContacts[i].Identity < a.TopContacts[j].Identity
	})
	if len(a.TopContacts) > q.Contacts {
		a.TopContacts = a.TopContacts[:q.Contacts]
	}

	for k, v := range heat {
		a.Heatmap = append(a.Heatmap, HourCount{Day: k.day, Hour: k.hour, Value: v})
	}
	sort.Slice(a.Heatmap, func(i, j int) bool {
		if a.Heatmap[i].Day != a.Heatmap[j].Day {
			return a.Heatmap[i].Day < a.Heatmap[j].Day
		}
		return a.Heatmap[i].Hour < a.Heatmap[j].Hour
	})

	return a, nil
}

// Messages returns a snapshot of every stored message in insertion order
func (s *MemStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}
