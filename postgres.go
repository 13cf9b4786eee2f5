package tailstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type (
	// PostgresStore keeps records in a single table ordered by a global
	// position, with a companion table tracking each stream's next version.
	// Appends are announced with NOTIFY
	PostgresStore struct {
		pool    *pgxpool.Pool
		hub     *hub
		logger  *zap.Logger
		records string
		streams string
		channel string
		batch   int
	}

	postgresSubscription struct {
		*feed
		conn     *pgxpool.Conn
		cancel   context.CancelFunc
		listened chan struct{}
		once     sync.Once
	}
)

const (
	// appendLockID serializes appenders so that positions commit in order
	appendLockID = 0x7461696c

	discardTimeout = 5 * time.Second
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	position  BIGINT PRIMARY KEY,
	stream_id TEXT NOT NULL,
	version   BIGINT NOT NULL,
	id        TEXT NOT NULL DEFAULT '',
	type      TEXT NOT NULL,
	ts        TIMESTAMPTZ NOT NULL,
	data      BYTEA,
	metadata  BYTEA,
	UNIQUE (stream_id, version)
);
CREATE TABLE IF NOT EXISTS %[2]s (
	stream_id    TEXT PRIMARY KEY,
	next_version BIGINT NOT NULL
);`

var _ interface {
	Store
	Appender
} = (*PostgresStore)(nil)

// NewPostgresStore connects to cfg.Postgres.URL and creates the tables if
// they do not exist
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		return nil, err
	}

	table := cfg.Postgres.Table
	s := &PostgresStore{
		pool:    pool,
		hub:     newHub(),
		logger:  cfg.logger().Named("postgres"),
		records: pgx.Identifier{table}.Sanitize(),
		streams: pgx.Identifier{table + "_streams"}.Sanitize(),
		channel: pgx.Identifier{cfg.Postgres.Channel}.Sanitize(),
		batch:   cfg.batchSize(),
	}

	schema := fmt.Sprintf(postgresSchema, s.records, s.streams)
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}

	s.logger.Debug("store opened", zap.String("table", table))
	return s, nil
}

// Close drops every live subscription and closes the connection pool
func (s *PostgresStore) Close() error {
	s.hub.close()
	s.pool.Close()
	return nil
}

// Pool returns the connection pool backing the store
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Append(
	ctx context.Context, id StreamID, recs ...*Record,
) error {
	if id == AllStreams {
		return ErrInvalidStream
	}
	if len(recs) == 0 {
		return nil
	}

	now := time.Now()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"SELECT pg_advisory_xact_lock($1)", appendLockID,
		); err != nil {
			return err
		}

		var pos int64
		if err := tx.QueryRow(ctx, fmt.Sprintf(
			"SELECT COALESCE(MAX(position) + 1, 0) FROM %s", s.records,
		)).Scan(&pos); err != nil {
			return err
		}

		var ver int64
		if err := tx.QueryRow(ctx, fmt.Sprintf(`
			INSERT INTO %[1]s (stream_id, next_version) VALUES ($1, $2)
			ON CONFLICT (stream_id)
			DO UPDATE SET next_version = %[1]s.next_version + $2
			RETURNING next_version - $2`, s.streams,
		), string(id), len(recs)).Scan(&ver); err != nil {
			return err
		}

		insert := fmt.Sprintf(`
			INSERT INTO %s
				(position, stream_id, version, id, type, ts, data, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.records,
		)
		batch := &pgx.Batch{}
		for i, rec := range recs {
			rec.stamp(id, Cursor(ver)+Cursor(i), Cursor(pos)+Cursor(i), now)
			batch.Queue(insert,
				int64(rec.Position), string(rec.StreamID), int64(rec.Version),
				rec.ID, rec.Type, rec.Timestamp,
				[]byte(rec.Data), []byte(rec.Metadata),
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, "NOTIFY "+s.channel)
		return err
	})
}

func (s *PostgresStore) ReadForward(
	ctx context.Context, id StreamID, from Cursor, max int, withData bool,
) (*Page, error) {
	from = max0(from)

	data := "data"
	if !withData {
		data = "NULL::BYTEA"
	}
	query := fmt.Sprintf(`
		SELECT position, stream_id, version, id, type, ts, %s, metadata
		FROM %s WHERE position >= $1 ORDER BY position LIMIT $2`,
		data, s.records,
	)
	args := []any{int64(from), max + 1}
	if id != AllStreams {
		query = fmt.Sprintf(`
			SELECT position, stream_id, version, id, type, ts, %s, metadata
			FROM %s WHERE stream_id = $3 AND version >= $1
			ORDER BY version LIMIT $2`,
			data, s.records,
		)
		args = append(args, string(id))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, err
	}

	// one extra row was requested to learn whether this is the last page
	isEnd := len(recs) <= max
	if !isEnd {
		recs = recs[:max]
	}

	next := from
	if len(recs) > 0 {
		last := recs[len(recs)-1]
		next = last.Position + 1
		if id != AllStreams {
			next = last.Version + 1
		}
	}
	return &Page{
		Records: recs,
		From:    from,
		Next:    next,
		IsEnd:   isEnd,
	}, nil
}

func (s *PostgresStore) Subscribe(
	ctx context.Context, id StreamID, from Cursor,
	onRecord RecordHandler, onDropped DropHandler,
) (Subscription, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+s.channel); err != nil {
		discardConn(conn)
		return nil, err
	}

	if from == Latest {
		head, err := s.head(ctx, id)
		if err != nil {
			discardConn(conn)
			return nil, err
		}
		from = head
	}

	wake := newSignal()
	f := newFeed(
		func(ctx context.Context, from Cursor) (*Page, error) {
			return s.ReadForward(ctx, id, from, s.batch, true)
		},
		wake, from, onRecord, onDropped,
		s.logger.With(zap.String("stream_id", string(id))),
	)

	listenCtx, cancel := context.WithCancel(context.Background())
	sub := &postgresSubscription{
		feed:     f,
		conn:     conn,
		cancel:   cancel,
		listened: make(chan struct{}),
	}
	if err := s.hub.start(f); err != nil {
		cancel()
		discardConn(conn)
		return nil, err
	}
	go sub.listen(listenCtx, wake)
	go func() {
		<-f.done
		sub.release()
	}()
	return sub, nil
}

func (s *PostgresStore) head(ctx context.Context, id StreamID) (Cursor, error) {
	var head int64
	var err error
	if id == AllStreams {
		err = s.pool.QueryRow(ctx, fmt.Sprintf(
			"SELECT COALESCE(MAX(position) + 1, 0) FROM %s", s.records,
		)).Scan(&head)
	} else {
		err = s.pool.QueryRow(ctx, fmt.Sprintf(
			`SELECT COALESCE(MAX(next_version), 0) FROM %s
			WHERE stream_id = $1`, s.streams,
		), string(id)).Scan(&head)
	}
	return Cursor(head), err
}

// listen turns notifications on the dedicated connection into wake-ups. A
// broken connection fails the feed
func (p *postgresSubscription) listen(ctx context.Context, wake *signal) {
	defer close(p.listened)
	for {
		_, err := p.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.feed.fail(err)
			}
			return
		}
		wake.notify()
	}
}

func (p *postgresSubscription) Close() error {
	err := p.feed.Close()
	p.release()
	return err
}

// release closes the listening connection once the feed has stopped
func (p *postgresSubscription) release() {
	p.once.Do(func() {
		p.cancel()
		<-p.listened
		discardConn(p.conn)
	})
}

// discardConn takes a connection that has issued LISTEN out of the pool and
// closes it, so no later pool user inherits its notifications
func discardConn(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), discardTimeout)
	defer cancel()
	_ = conn.Hijack().Close(ctx)
}

func scanRecord(row pgx.CollectableRow) (*Record, error) {
	var pos, ver int64
	var stream string
	var data, meta []byte
	rec := &Record{}
	err := row.Scan(
		&pos, &stream, &ver, &rec.ID, &rec.Type, &rec.Timestamp, &data, &meta,
	)
	if err != nil {
		return nil, err
	}
	rec.Position = Cursor(pos)
	rec.Version = Cursor(ver)
	rec.StreamID = StreamID(stream)
	rec.Data = data
	rec.Metadata = meta
	return rec, nil
}
