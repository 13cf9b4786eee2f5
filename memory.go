package tailstream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore keeps the whole log in process memory. It is safe for
// concurrent use
type MemoryStore struct {
	all      []*Record
	streams  map[StreamID][]*Record
	appended *signal
	hub      *hub
	logger   *zap.Logger
	batch    int
	mu       sync.RWMutex
}

var _ interface {
	Store
	Appender
} = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		streams:  map[StreamID][]*Record{},
		appended: newSignal(),
		hub:      newHub(),
		logger:   cfg.logger().Named("memory"),
		batch:    cfg.batchSize(),
	}
}

// Close drops every live subscription
func (s *MemoryStore) Close() error {
	s.hub.close()
	return nil
}

func (s *MemoryStore) Append(
	_ context.Context, id StreamID, recs ...*Record,
) error {
	if id == AllStreams {
		return ErrInvalidStream
	}
	if len(recs) == 0 {
		return nil
	}

	s.mu.Lock()
	now := time.Now()
	stream := s.streams[id]
	for _, rec := range recs {
		rec.stamp(id, Cursor(len(stream)), Cursor(len(s.all)), now)
		stored := rec.clone(true)
		stream = append(stream, stored)
		s.all = append(s.all, stored)
	}
	s.streams[id] = stream
	s.mu.Unlock()

	s.appended.notify()
	return nil
}

func (s *MemoryStore) ReadForward(
	ctx context.Context, id StreamID, from Cursor, max int, withData bool,
) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	from = max0(from)

	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.log(id)
	total := Cursor(len(recs))
	end := min(from+Cursor(max), total)
	if from > end {
		end = from
	}

	var res []*Record
	if from < total {
		res = cloneRecords(recs[from:end], withData)
	}
	return &Page{
		Records: res,
		From:    from,
		Next:    end,
		IsEnd:   end >= total,
	}, nil
}

func (s *MemoryStore) Subscribe(
	_ context.Context, id StreamID, from Cursor,
	onRecord RecordHandler, onDropped DropHandler,
) (Subscription, error) {
	if from == Latest {
		s.mu.RLock()
		from = Cursor(len(s.log(id)))
		s.mu.RUnlock()
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

func (s *MemoryStore) log(id StreamID) []*Record {
	if id == AllStreams {
		return s.all
	}
	return s.streams[id]
}

func max0(c Cursor) Cursor {
	if c < 0 {
		return 0
	}
	return c
}
