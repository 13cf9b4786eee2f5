package tailstream

import (
	"context"
	"iter"

	"go.uber.org/zap"
)

// Reader exposes a Store's history and live updates as lazy sequences of
// records. Every sequence it returns can be ranged over more than once; each
// range starts a fresh read or subscription
type Reader struct {
	store  Store
	pages  PageReader
	logger *zap.Logger
	config Config
}

// NewReader creates a Reader over the store. When cfg.CacheSize is positive,
// complete pages are cached across reads
func NewReader(store Store, cfg Config) *Reader {
	var pages PageReader = store
	if cfg.CacheSize > 0 {
		pages = NewCachingReader(store, cfg.CacheSize)
	}
	return &Reader{
		store:  store,
		pages:  pages,
		logger: cfg.logger(),
		config: cfg,
	}
}

// Pages returns the raw page sequence for a stream, or for the global log
// when id is AllStreams
func (r *Reader) Pages(
	ctx context.Context, id StreamID, from Cursor,
) iter.Seq2[*Page, error] {
	p := NewPaginator(r.pages, id, r.config.batchSize(), r.config.IncludeData)
	return p.Pages(ctx, from)
}

// ReadStream returns every record of a stream in version order
func (r *Reader) ReadStream(
	ctx context.Context, id StreamID,
) iter.Seq2[*Record, error] {
	return r.ReadStreamFrom(ctx, id, Start)
}

// ReadStreamFrom returns the records of a stream starting at version from
func (r *Reader) ReadStreamFrom(
	ctx context.Context, id StreamID, from Cursor,
) iter.Seq2[*Record, error] {
	if id == AllStreams {
		return failed(ErrInvalidStream)
	}
	return Records(ctx, r.Pages(ctx, id, from))
}

// ReadAll returns every record of the global log in position order
func (r *Reader) ReadAll(ctx context.Context) iter.Seq2[*Record, error] {
	return r.ReadAllFrom(ctx, Start)
}

// ReadAllFrom returns the records of the global log starting at position from
func (r *Reader) ReadAllFrom(
	ctx context.Context, from Cursor,
) iter.Seq2[*Record, error] {
	return Records(ctx, r.Pages(ctx, AllStreams, from))
}

// SubscribeAll follows the global log from its first record, replaying the
// history before yielding records as they are appended
func (r *Reader) SubscribeAll(ctx context.Context) iter.Seq2[*Record, error] {
	return r.Subscribe(ctx, AllStreams, Start)
}

// SubscribeAllFromLatest follows the global log, yielding only records
// appended after the subscription is registered
func (r *Reader) SubscribeAllFromLatest(
	ctx context.Context,
) iter.Seq2[*Record, error] {
	return r.Subscribe(ctx, AllStreams, Latest)
}

// SubscribeAllFrom follows the global log starting at position from
func (r *Reader) SubscribeAllFrom(
	ctx context.Context, from Cursor,
) iter.Seq2[*Record, error] {
	return r.Subscribe(ctx, AllStreams, from)
}

// SubscribeStream follows a single stream, yielding records appended after
// the subscription is registered
func (r *Reader) SubscribeStream(
	ctx context.Context, id StreamID,
) iter.Seq2[*Record, error] {
	if id == AllStreams {
		return failed(ErrInvalidStream)
	}
	return r.Subscribe(ctx, id, Latest)
}

// Subscribe follows a stream, or the global log when id is AllStreams,
// starting at from (or at the head when from is Latest). The sequence ends
// without error if the store disposes the subscription, and with a
// SubscriptionDroppedError if the store drops it for any other reason.
// Leaving the loop early, or cancelling ctx, closes the subscription
func (r *Reader) Subscribe(
	ctx context.Context, id StreamID, from Cursor,
) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		b := newBridge()
		sub, err := r.store.Subscribe(ctx, id, from, b.deliver, b.dropped)
		if err != nil {
			yield(nil, err)
			return
		}
		r.logger.Debug("subscription registered",
			zap.String("stream_id", string(id)),
			zap.Int64("from", int64(from)),
		)

		defer func() {
			b.close()
			_ = sub.Close()
		}()

		for {
			rec, err := b.next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if rec == nil || !yield(rec, nil) {
				return
			}
		}
	}
}

func failed(err error) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		yield(nil, err)
	}
}
