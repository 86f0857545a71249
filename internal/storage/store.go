package storage

import (
	"chat-relay/internal/storage/zapadapter"
	"context"
	_ "embed"
	"errors"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidMessage = errors.New("message violates store constraints")
	ErrClosed         = errors.New("store is closed")
)

//go:embed migrations/schema.sql
var schema string

// Store defines fields used in db interaction processes
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool, checks the connection and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	return connect(ctx, logger, cfg.DSN(), opts...)
}

func connect(ctx context.Context, logger *zap.SugaredLogger, dsn string, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())
	config.ConnConfig.LogLevel = pgx.LogLevelWarn

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	s := &Store{
		logger: logger,
		db:     pool,
	}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Migrate applies the embedded schema, every statement in it is idempotent
func (s *Store) Migrate(ctx context.Context) error {
	s.logger.Info("Applying schema")
	_, err := s.db.Exec(ctx, schema)
	return err
}

// Ping checks that a connection can be acquired and used
func (s *Store) Ping(ctx context.Context) error {
	var i int8
	return s.db.QueryRow(ctx, "select 1").Scan(&i)
}

// Close closes all connections in the pool
func (s *Store) Close() {
	s.db.Close()
}

// AppendMessage inserts m and returns it with the store-assigned id.
// Delivered and Read of the argument are ignored, new messages are always queued.
func (s *Store) AppendMessage(ctx context.Context, m Message) (Message, error) {
	s.logger.Debugf("Appending message from (%s) to (%s)", m.Sender, m.Receiver)

	sql := "insert into messages (sender, receiver, body, created_at) values ($1, $2, $3, $4) returning id"
	err := s.db.QueryRow(ctx, sql, m.Sender, m.Receiver, m.Body, m.CreatedAt).Scan(&m.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.CheckViolation, pgerrcode.NotNullViolation, pgerrcode.CharacterNotInRepertoire:
				return Message{}, ErrInvalidMessage
			}
		}
		return Message{}, err
	}
	m.Delivered = false
	m.Read = false

	return m, nil
}

// UndeliveredMessages returns every message queued for receiver, oldest first
func (s *Store) UndeliveredMessages(ctx context.Context, receiver string) ([]Message, error) {
	sql := `select id, sender, receiver, body, created_at, delivered, read
			  from messages
			 where receiver = $1
			   and delivered = false
			 order by created_at asc, id asc`

	return s.queryMessages(ctx, sql, receiver)
}

// UnreadMessages returns every message addressed to receiver that is not read yet, oldest first
func (s *Store) UnreadMessages(ctx context.Context, receiver string) ([]Message, error) {
	sql := `select id, sender, receiver, body, created_at, delivered, read
			  from messages
			 where receiver = $1
			   and read = false
			 order by created_at asc, id asc`

	return s.queryMessages(ctx, sql, receiver)
}

func (s *Store) queryMessages(ctx context.Context, sql string, args ...interface{}) ([]Message, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		err = rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Body, &m.CreatedAt, &m.Delivered, &m.Read)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}

// MarkDelivered flags the given messages as delivered in a single statement
// and returns how many of them changed state
func (s *Store) MarkDelivered(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var arr pgtype.Int8Array
	if err := arr.Set(ids); err != nil {
		return 0, err
	}

	sql := "update messages set delivered = true where id = any($1) and delivered = false"
	tag, err := s.db.Exec(ctx, sql, &arr)
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

// MarkRead flags every delivered message from sender to receiver as read
// and returns how many of them changed state
func (s *Store) MarkRead(ctx context.Context, receiver, sender string) (int64, error) {
	sql := `update messages
			   set read = true
			 where receiver = $1
			   and sender = $2
			   and delivered = true
			   and read = false`
	tag, err := s.db.Exec(ctx, sql, receiver, sender)
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

// CountUnread returns number of messages addressed to receiver that are not read yet
func (s *Store) CountUnread(ctx context.Context, receiver string) (int64, error) {
	var n int64
	sql := "select count(*) from messages where receiver = $1 and read = false"
	err := s.db.QueryRow(ctx, sql, receiver).Scan(&n)
	return n, err
}

// InboxStats returns received and sent counters of identity
func (s *Store) InboxStats(ctx context.Context, identity string) (Stats, error) {
	var st Stats

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sql := `select count(*), count(*) filter (where read = false)
				  from messages
				 where receiver = $1`
		return s.db.QueryRow(ctx, sql, identity).Scan(&st.TotalReceived, &st.UnreadReceived)
	})
	g.Go(func() error {
		sql := `select count(*), count(*) filter (where delivered = true), count(*) filter (where read = true)
				  from messages
				 where sender = $1`
		return s.db.QueryRow(ctx, sql, identity).Scan(&st.SentTotal, &st.Delivered, &st.Read)
	})
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	st.derive()

	return st, nil
}

// Activity returns the daily traffic, the busiest counterparts and the hour of week heatmap of identity
func (s *Store) Activity(ctx context.Context, identity string, q ActivityQuery) (Activity, error) {
	var a Activity
	counts := make(map[string]DayCount, q.Days)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sql := `select to_char(created_at at time zone 'UTC', 'YYYY-MM-DD') as day,
					   count(*) filter (where sender = $1),
					   count(*) filter (where receiver = $1)
				  from messages
				 where (sender = $1 or receiver = $1)
				   and created_at >= $2
				   and created_at < $3
				 group by day`
		rows, err := s.db.Query(ctx, sql, identity, q.since(), q.until())
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var c DayCount
			if err := rows.Scan(&c.Day, &c.Sent, &c.Received); err != nil {
				return err
			}
			counts[c.Day] = c
		}
		return rows.Err()
	})
	g.Go(func() error {
		sql := `select case when sender = $1 then receiver else sender end as other, count(*) as n
				  from messages
				 where sender = $1
				    or receiver = $1
				 group by other
				 order by n desc, other asc
				 limit $2`
		rows, err := s.db.Query(ctx, sql, identity, q.Contacts)
		if err != nil {
			return err
		}
		defer rows.Close()

		a.TopContacts = []ContactCount{}
		for rows.Next() {
			var c ContactCount
			if err := rows.Scan(&c.Identity, &c.Count); err != nil {
				return err
			}
			a.TopContacts = append(a.TopContacts, c)
		}
		return rows.Err()
	})
	g.Go(func() error {
		sql := `select extract(isodow from created_at at time zone 'UTC')::int as dow,
					   extract(hour from created_at at time zone 'UTC')::int as hour,
					   count(*)
				  from messages
				 where sender = $1
				    or receiver = $1
				 group by dow, hour
				 order by dow, hour`
		rows, err := s.db.Query(ctx, sql, identity)
		if err != nil {
			return err
		}
		defer rows.Close()

		a.Heatmap = []HourCount{}
		for rows.Next() {
			var c HourCount
			if err := rows.Scan(&c.Day, &c.Hour, &c.Value); err != nil {
				return err
			}
			a.Heatmap = append(a.Heatmap, c)
		}
		return rows.Err()
	})
	if err := g.Wait(); err != nil {
		return Activity{}, err
	}

	a.Daily = dailySeries(q, counts)

	return a, nil
}
