package tailstream_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"

	"github.com/kode4food/tailstream"
)

type (
	testStore interface {
		tailstream.Store
		tailstream.Appender
		Close() error
	}

	openStore func(t *testing.T, cfg tailstream.Config) testStore

	dropReport struct {
		err    error
		reason tailstream.DropReason
	}
)

const waitTimeout = 5 * time.Second

// runConformance exercises a backend through every consumed operation
func runConformance(t *testing.T, open openStore) {
	t.Run("ReadStream", func(t *testing.T) {
		store := open(t, testConfig(2))
		defer func() { _ = store.Close() }()
		ctx := context.Background()

		appendTypes(t, store, "s", "A", "B")
		appendTypes(t, store, "other", "X")
		appendTypes(t, store, "s", "C")

		reader := tailstream.NewReader(store, testConfig(2))
		recs, err := collect(reader.ReadStream(ctx, "s"))
		assert.NoError(t, err)
		assert.Equal(t, []string{"A", "B", "C"}, types(recs))
		for i, r := range recs {
			assert.Equal(t, tailstream.StreamID("s"), r.StreamID)
			assert.Equal(t, tailstream.Cursor(i), r.Version)
		}
		assert.Equal(t, tailstream.Cursor(3), recs[2].Position)
		assert.JSONEq(t, `"A"`, string(recs[0].Data))
	})

	t.Run("ReadAll", func(t *testing.T) {
		store := open(t, testConfig(2))
		defer func() { _ = store.Close() }()
		ctx := context.Background()

		appendTypes(t, store, "s", "A", "B")
		appendTypes(t, store, "other", "X")
		appendTypes(t, store, "s", "C")

		reader := tailstream.NewReader(store, testConfig(2))
		recs, err := collect(reader.ReadAll(ctx))
		assert.NoError(t, err)
		assert.Equal(t, []string{"A", "B", "X", "C"}, types(recs))
		for i, r := range recs {
			assert.Equal(t, tailstream.Cursor(i), r.Position)
		}
		assert.Equal(t, tailstream.Cursor(0), recs[2].Version)

		recs, err = collect(reader.ReadAllFrom(ctx, 2))
		assert.NoError(t, err)
		assert.Equal(t, []string{"X", "C"}, types(recs))
	})

	t.Run("Reread", func(t *testing.T) {
		store := open(t, testConfig(2))
		defer func() { _ = store.Close() }()
		ctx := context.Background()

		appendTypes(t, store, "s", "A", "B", "C")
		reader := tailstream.NewReader(store, testConfig(2))

		stream := reader.ReadStream(ctx, "s")
		all := reader.ReadAllFrom(ctx, 1)
		for range 2 {
			recs, err := collect(stream)
			assert.NoError(t, err)
			assert.Equal(t, []string{"A", "B", "C"}, types(recs))

			recs, err = collect(all)
			assert.NoError(t, err)
			assert.Equal(t, []string{"B", "C"}, types(recs))
		}

		pages := reader.Pages(ctx, "s", tailstream.Start)
		for range 2 {
			res, err := collectPages(pages)
			assert.NoError(t, err)
			assert.Len(t, res, 2)
			assert.Equal(t, tailstream.Cursor(0), res[0].From)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		store := open(t, testConfig(2))
		defer func() { _ = store.Close() }()
		ctx := context.Background()
		reader := tailstream.NewReader(store, testConfig(2))

		recs, err := collect(reader.ReadAll(ctx))
		assert.NoError(t, err)
		assert.Empty(t, recs)

		recs, err = collect(reader.ReadStream(ctx, "missing"))
		assert.NoError(t, err)
		assert.Empty(t, recs)

		pages, err := collectPages(reader.Pages(ctx, "missing", 0))
		assert.NoError(t, err)
		assert.Len(t, pages, 1)
		assert.True(t, pages[0].IsEnd)
	})

	t.Run("Pages", func(t *testing.T) {
		store := open(t, testConfig(2))
		defer func() { _ = store.Close() }()
		ctx := context.Background()

		appendTypes(t, store, "s", "A", "B", "C")
		reader := tailstream.NewReader(store, testConfig(2))

		pages, err := collectPages(reader.Pages(ctx, "s", tailstream.Start))
		assert.NoError(t, err)
		assert.Len(t, pages, 2)
		assert.Equal(t, []string{"A", "B"}, types(pages[0].Records))
		assert.False(t, pages[0].IsEnd)
		assert.Equal(t, []string{"C"}, types(pages[1].Records))
		assert.True(t, pages[1].IsEnd)
		assert.Equal(t, tailstream.Cursor(3), pages[1].Next)
	})

	t.Run("WithoutData", func(t *testing.T) {
		store := open(t, testConfig(2))
		defer func() { _ = store.Close() }()

		appendTypes(t, store, "s", "A")
		cfg := testConfig(2)
		cfg.IncludeData = false
		reader := tailstream.NewReader(store, cfg)

		recs, err := collect(reader.ReadStream(context.Background(), "s"))
		assert.NoError(t, err)
		assert.Len(t, recs, 1)
		assert.Nil(t, recs[0].Data)
		assert.Equal(t, "A", recs[0].Type)
	})

	t.Run("AppendAllStreams", func(t *testing.T) {
		store := open(t, testConfig(2))
		defer func() { _ = store.Close() }()

		err := store.Append(
			context.Background(), tailstream.AllStreams, rec("A"),
		)
		assert.ErrorIs(t, err, tailstream.ErrInvalidStream)
	})

	t.Run("SubscribeLatest", func(t *testing.T) {
		store := open(t, testConfig(2))
		defer func() { _ = store.Close() }()
		ctx := context.Background()

		appendTypes(t, store, "s", "old")
		got := make(chan *tailstream.Record, 8)
		drops := make(chan dropReport, 1)
		sub, err := store.Subscribe(ctx, tailstream.AllStreams,
			tailstream.Latest, forward(got), report(drops),
		)
		assert.NoError(t, err)

		appendTypes(t, store, "s", "X")
		appendTypes(t, store, "other", "Y")
		assert.Equal(t, []string{"X", "Y"}, receive(t, got, 2))

		assert.NoError(t, sub.Close())
		assert.NoError(t, sub.Close())
		select {
		case d := <-drops:
			assert.Equal(t, tailstream.Disposed, d.reason)
			assert.NoError(t, d.err)
		default:
			assert.Fail(t, "no drop report after Close returned")
		}
	})

	t.Run("SubscribeAllReplays", func(t *testing.T) {
		store := open(t, testConfig(2))
		defer func() { _ = store.Close() }()
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()

		appendTypes(t, store, "s", "A", "B")
		appendTypes(t, store, "other", "C")
		reader := tailstream.NewReader(store, testConfig(2))

		var seen []string
		for r, err := range reader.SubscribeAll(ctx) {
			if !assert.NoError(t, err) {
				break
			}
			seen = append(seen, r.Type)
			if len(seen) == 3 {
				appendTypes(t, store, "s", "D")
			}
			if len(seen) == 4 {
				break
			}
		}
		assert.Equal(t, []string{"A", "B", "C", "D"}, seen)
	})

	t.Run("SubscribeAllFromLatest", func(t *testing.T) {
		store := open(t, testConfig(2))
		defer func() { _ = store.Close() }()
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()

		appendTypes(t, store, "s", "old")
		reader := tailstream.NewReader(store, testConfig(2))
		next, stop := iter.Pull2(reader.SubscribeAllFromLatest(ctx))
		defer stop()

		// registration happens on the first pull, so keep appending until
		// one of the appends lands after it
		received := make(chan struct{})
		var group errgroup.Group
		group.Go(func() error {
			for {
				if err := store.Append(ctx, "s", rec("new")); err != nil {
					return err
				}
				select {
				case <-received:
					return nil
				case <-time.After(20 * time.Millisecond):
				}
			}
		})

		r, err, ok := next()
		close(received)
		assert.True(t, ok)
		assert.NoError(t, err)
		if r != nil {
			assert.Equal(t, "new", r.Type)
		}
		assert.NoError(t, group.Wait())
	})

	t.Run("SubscribeStream", func(t *testing.T) {
		store := open(t, testConfig(2))
		defer func() { _ = store.Close() }()
		ctx := context.Background()

		got := make(chan *tailstream.Record, 8)
		drops := make(chan dropReport, 1)
		sub, err := store.Subscribe(ctx, "s", tailstream.Latest,
			forward(got), report(drops),
		)
		assert.NoError(t, err)
		defer func() { _ = sub.Close() }()

		appendTypes(t, store, "other", "skip")
		appendTypes(t, store, "s", "A", "B")
		recs := receive(t, got, 2)
		assert.Equal(t, []string{"A", "B"}, recs)
	})

	t.Run("SubscribeAllFrom", func(t *testing.T) {
		store := open(t, testConfig(2))
		defer func() { _ = store.Close() }()
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()

		appendTypes(t, store, "s", "history")
		reader := tailstream.NewReader(store, testConfig(2))

		var group errgroup.Group
		group.Go(func() error {
			for _, typ := range []string{"A", "B", "C", "D", "E"} {
				if err := store.Append(ctx, "s", rec(typ)); err != nil {
					return err
				}
			}
			return nil
		})

		var seen []string
		for r, err := range reader.SubscribeAllFrom(ctx, 1) {
			assert.NoError(t, err)
			if err != nil {
				break
			}
			seen = append(seen, r.Type)
			if len(seen) == 5 {
				break
			}
		}
		assert.NoError(t, group.Wait())
		assert.Equal(t, []string{"A", "B", "C", "D", "E"}, seen)
	})

	t.Run("SubscriberError", func(t *testing.T) {
		store := open(t, testConfig(2))
		defer func() { _ = store.Close() }()
		ctx := context.Background()

		drops := make(chan dropReport, 1)
		sub, err := store.Subscribe(ctx, tailstream.AllStreams,
			tailstream.Start,
			func(context.Context, *tailstream.Record) error { return errBoom },
			report(drops),
		)
		assert.NoError(t, err)
		defer func() { _ = sub.Close() }()

		appendTypes(t, store, "s", "A")
		d := awaitDrop(t, drops)
		assert.Equal(t, tailstream.SubscriberError, d.reason)
		assert.ErrorIs(t, d.err, errBoom)
	})

	t.Run("CloseDropsSubscriptions", func(t *testing.T) {
		store := open(t, testConfig(2))
		ctx := context.Background()

		drops := make(chan dropReport, 1)
		sub, err := store.Subscribe(ctx, tailstream.AllStreams,
			tailstream.Latest, forward(make(chan *tailstream.Record, 1)),
			report(drops),
		)
		assert.NoError(t, err)

		assert.NoError(t, store.Close())
		d := awaitDrop(t, drops)
		assert.Equal(t, tailstream.StoreError, d.reason)
		assert.ErrorIs(t, d.err, tailstream.ErrStoreClosed)
		assert.NoError(t, sub.Close())

		reader := tailstream.NewReader(store, testConfig(2))
		_, err = collect(reader.SubscribeAll(ctx))
		assert.Error(t, err)
	})

	t.Run("ReaderSubscribeDropped", func(t *testing.T) {
		store := open(t, testConfig(2))
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()

		appendTypes(t, store, "s", "A")
		reader := tailstream.NewReader(store, testConfig(2))

		closed := make(chan error, 1)
		var seen []string
		var last error
		for r, err := range reader.SubscribeAllFrom(ctx, tailstream.Start) {
			if err != nil {
				last = err
				break
			}
			seen = append(seen, r.Type)
			go func() { closed <- store.Close() }()
		}
		assert.NoError(t, <-closed)
		assert.Equal(t, []string{"A"}, seen)
		assert.ErrorIs(t, last, tailstream.ErrSubscriptionDropped)
		assert.ErrorIs(t, last, tailstream.ErrStoreClosed)
	})
}

func appendTypes(
	t *testing.T, store tailstream.Appender, id tailstream.StreamID,
	typs ...string,
) {
	t.Helper()
	recs := make([]*tailstream.Record, len(typs))
	for i, typ := range typs {
		recs[i] = rec(typ)
	}
	assert.NoError(t, store.Append(context.Background(), id, recs...))
}

func forward(ch chan<- *tailstream.Record) tailstream.RecordHandler {
	return func(ctx context.Context, r *tailstream.Record) error {
		select {
		case ch <- r:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func report(ch chan<- dropReport) tailstream.DropHandler {
	return func(reason tailstream.DropReason, err error) {
		ch <- dropReport{reason: reason, err: err}
	}
}

func receive(t *testing.T, ch <-chan *tailstream.Record, n int) []string {
	t.Helper()
	var res []string
	for len(res) < n {
		select {
		case r := <-ch:
			res = append(res, r.Type)
		case <-time.After(waitTimeout):
			assert.Fail(t, fmt.Sprintf("received %d of %d records", len(res), n))
			return res
		}
	}
	return res
}

func awaitDrop(t *testing.T, ch <-chan dropReport) dropReport {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(waitTimeout):
		assert.Fail(t, "subscription was not dropped")
		return dropReport{err: errors.New("timeout")}
	}
}
