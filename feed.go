package tailstream

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

type (
	// feed is the delivery loop behind every store subscription. It reads
	// pages from its cursor, hands each record to onRecord, and sleeps on the
	// wake signal once it reaches the end of the log
	feed struct {
		ctx       context.Context
		cancel    context.CancelCauseFunc
		read      pageFunc
		wake      *signal
		onRecord  RecordHandler
		onDropped DropHandler
		exit      func(*feed)
		logger    *zap.Logger
		done      chan struct{}
		next      Cursor
	}

	pageFunc func(context.Context, Cursor) (*Page, error)
)

func newFeed(
	read pageFunc, wake *signal, from Cursor,
	onRecord RecordHandler, onDropped DropHandler, logger *zap.Logger,
) *feed {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &feed{
		ctx:       ctx,
		cancel:    cancel,
		read:      read,
		wake:      wake,
		onRecord:  onRecord,
		onDropped: onDropped,
		logger:    logger,
		done:      make(chan struct{}),
		next:      from,
	}
}

// Close stops the feed and waits until its DropHandler has been called. It
// must not be called from within the feed's own RecordHandler
func (f *feed) Close() error {
	f.cancel(nil)
	<-f.done
	return nil
}

// fail stops the feed, which then reports err as a StoreError
func (f *feed) fail(err error) {
	f.cancel(err)
}

func (f *feed) run() {
	defer close(f.done)
	if f.exit != nil {
		defer f.exit(f)
	}

	f.logger.Debug("feed started", zap.Int64("from", int64(f.next)))
	reason, err := f.tail()
	if err != nil {
		f.logger.Warn("feed dropped",
			zap.Stringer("reason", reason),
			zap.Int64("next", int64(f.next)),
			zap.Error(err),
		)
	} else {
		f.logger.Debug("feed stopped",
			zap.Stringer("reason", reason),
			zap.Int64("next", int64(f.next)),
		)
	}
	f.onDropped(reason, err)
}

func (f *feed) tail() (DropReason, error) {
	for {
		wait := f.wake.wait()

		page, err := f.read(f.ctx, f.next)
		if err != nil {
			return f.stopped(StoreError, err)
		}
		if !page.IsEnd && page.Next <= f.next {
			return f.stopped(StoreError, ErrCursorStalled)
		}

		for _, rec := range page.Records {
			if err := f.onRecord(f.ctx, rec); err != nil {
				return f.stopped(SubscriberError, err)
			}
		}
		if page.Next > f.next {
			f.next = page.Next
		}
		if !page.IsEnd {
			continue
		}

		select {
		case <-f.ctx.Done():
			return f.stopped(StoreError, nil)
		case <-wait:
		}
	}
}

// stopped attributes a stop to the feed's own cancellation when there was
// one: Close means Disposed, and fail means a StoreError carrying its cause
func (f *feed) stopped(reason DropReason, err error) (DropReason, error) {
	if f.ctx.Err() == nil {
		return reason, err
	}
	cause := context.Cause(f.ctx)
	if errors.Is(cause, context.Canceled) {
		return Disposed, nil
	}
	return StoreError, cause
}
