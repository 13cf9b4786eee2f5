package tailstream

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// BoltStore persists the log in a single bbolt file. The "all" bucket maps
// big-endian positions to records, and each bucket nested under "streams"
// maps big-endian versions to positions. Bucket sequences hold the next
// cursor of each log
type BoltStore struct {
	db       *bolt.DB
	appended *signal
	hub      *hub
	logger   *zap.Logger
	batch    int
}

var (
	allBucket     = []byte("all")
	streamsBucket = []byte("streams")
)

var _ interface {
	Store
	Appender
} = (*BoltStore)(nil)

// OpenBoltStore opens (creating if needed) the file at cfg.Bolt.Path
func OpenBoltStore(cfg Config) (*BoltStore, error) {
	db, err := bolt.Open(cfg.Bolt.Path, 0o600, &bolt.Options{
		Timeout: cfg.Bolt.Timeout,
	})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(allBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(streamsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &BoltStore{
		db:       db,
		appended: newSignal(),
		hub:      newHub(),
		logger:   cfg.logger().Named("bolt"),
		batch:    cfg.batchSize(),
	}
	s.logger.Debug("store opened", zap.String("path", cfg.Bolt.Path))
	return s, nil
}

// Close drops every live subscription and closes the file
func (s *BoltStore) Close() error {
	s.hub.close()
	return s.db.Close()
}

func (s *BoltStore) Append(
	ctx context.Context, id StreamID, recs ...*Record,
) error {
	if id == AllStreams {
		return ErrInvalidStream
	}
	if len(recs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		all := tx.Bucket(allBucket)
		stream, err := tx.Bucket(streamsBucket).
			CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}

		for _, rec := range recs {
			pos := all.Sequence()
			ver := stream.Sequence()
			rec.stamp(id, Cursor(ver), Cursor(pos), now)

			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := all.Put(cursorKey(pos), data); err != nil {
				return err
			}
			if err := stream.Put(cursorKey(ver), cursorKey(pos)); err != nil {
				return err
			}
			if err := all.SetSequence(pos + 1); err != nil {
				return err
			}
			if err := stream.SetSequence(ver + 1); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.appended.notify()
	return nil
}

func (s *BoltStore) ReadForward(
	ctx context.Context, id StreamID, from Cursor, max int, withData bool,
) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	from = max0(from)

	var page *Page
	err := s.db.View(func(tx *bolt.Tx) error {
		all := tx.Bucket(allBucket)
		if id == AllStreams {
			recs, err := readBucket(all, from, max,
				func(_, v []byte) ([]byte, error) { return v, nil },
			)
			if err != nil {
				return err
			}
			page = makePage(recs, from, Cursor(all.Sequence()))
			return nil
		}

		stream := tx.Bucket(streamsBucket).Bucket([]byte(id))
		if stream == nil {
			page = makePage(nil, from, 0)
			return nil
		}
		recs, err := readBucket(stream, from, max,
			func(_, pos []byte) ([]byte, error) {
				if v := all.Get(pos); v != nil {
					return v, nil
				}
				return nil, ErrCorruptLog
			},
		)
		if err != nil {
			return err
		}
		page = makePage(recs, from, Cursor(stream.Sequence()))
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !withData {
		for _, rec := range page.Records {
			rec.Data = nil
		}
	}
	return page, nil
}

func (s *BoltStore) Subscribe(
	_ context.Context, id StreamID, from Cursor,
	onRecord RecordHandler, onDropped DropHandler,
) (Subscription, error) {
	if from == Latest {
		head, err := s.head(id)
		if err != nil {
			return nil, err
		}
		from = head
	}

	f := newFeed(
		func(ctx context.Context, from Cursor) (*Page, error) {
			return s.ReadForward(ctx, id, from, s.batch, true)
		},
		s.appended, from, onRecord, onDropped,
		s.logger.With(zap.String("stream_id", string(id))),
	)
	if err := s.hub.start(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *BoltStore) head(id StreamID) (Cursor, error) {
	var head Cursor
	err := s.db.View(func(tx *bolt.Tx) error {
		if id == AllStreams {
			head = Cursor(tx.Bucket(allBucket).Sequence())
			return nil
		}
		if b := tx.Bucket(streamsBucket).Bucket([]byte(id)); b != nil {
			head = Cursor(b.Sequence())
		}
		return nil
	})
	return head, err
}

// readBucket decodes up to max records from a bucket keyed by big-endian
// cursors, starting at from. resolve maps each stored value to record JSON
func readBucket(
	b *bolt.Bucket, from Cursor, max int,
	resolve func(k, v []byte) ([]byte, error),
) ([]*Record, error) {
	var recs []*Record
	c := b.Cursor()
	for k, v := c.Seek(cursorKey(uint64(from))); k != nil && len(recs) < max; k, v = c.Next() {
		data, err := resolve(k, v)
		if err != nil {
			return nil, err
		}
		rec := &Record{}
		if err := json.Unmarshal(data, rec); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func cursorKey(c uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], c)
	return b[:]
}
