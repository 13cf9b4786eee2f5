package tailstream_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/kode4food/tailstream"
)

// sliceReader serves pages from fixed in-memory logs and records every call
type sliceReader struct {
	logs  map[tailstream.StreamID][]*tailstream.Record
	fail  map[tailstream.Cursor]error
	calls []tailstream.Cursor
	mu    sync.Mutex
}

// pushStore is a Store whose subscriptions are driven by the test
type pushStore struct {
	*sliceReader
	subs   chan *pushSub
	regErr error
}

type pushSub struct {
	onRecord  tailstream.RecordHandler
	onDropped tailstream.DropHandler
	closed    chan struct{}
	from      tailstream.Cursor
	once      sync.Once
}

var errBoom = errors.New("boom")

func newSliceReader(id tailstream.StreamID, types ...string) *sliceReader {
	r := &sliceReader{
		logs: map[tailstream.StreamID][]*tailstream.Record{},
		fail: map[tailstream.Cursor]error{},
	}
	for v, typ := range types {
		rec := &tailstream.Record{
			StreamID: id,
			Type:     typ,
			Version:  tailstream.Cursor(v),
			Position: tailstream.Cursor(v),
			Data:     json.RawMessage(fmt.Sprintf(`%q`, typ)),
		}
		r.logs[id] = append(r.logs[id], rec)
		if id != tailstream.AllStreams {
			r.logs[tailstream.AllStreams] = append(
				r.logs[tailstream.AllStreams], rec,
			)
		}
	}
	return r
}

func (r *sliceReader) ReadForward(
	ctx context.Context, id tailstream.StreamID, from tailstream.Cursor,
	count int, withData bool,
) (*tailstream.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, from)
	if err := r.fail[from]; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := r.logs[id]
	end := min(int(from)+count, len(log))
	var recs []*tailstream.Record
	for _, rec := range log[min(int(from), len(log)):end] {
		res := *rec
		if !withData {
			res.Data = nil
		}
		recs = append(recs, &res)
	}
	return &tailstream.Page{
		Records: recs,
		From:    from,
		Next:    tailstream.Cursor(max(end, int(from))),
		IsEnd:   end >= len(log),
	}, nil
}

func (r *sliceReader) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newPushStore() *pushStore {
	return &pushStore{
		sliceReader: newSliceReader("none"),
		subs:        make(chan *pushSub, 1),
	}
}

func (s *pushStore) Subscribe(
	ctx context.Context, _ tailstream.StreamID, from tailstream.Cursor,
	onRecord tailstream.RecordHandler, onDropped tailstream.DropHandler,
) (tailstream.Subscription, error) {
	if s.regErr != nil {
		return nil, s.regErr
	}
	sub := &pushSub{
		onRecord:  onRecord,
		onDropped: onDropped,
		closed:    make(chan struct{}),
		from:      from,
	}
	s.subs <- sub
	return sub, nil
}

func (s *pushSub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *pushSub) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func rec(typ string) *tailstream.Record {
	return &tailstream.Record{
		Type: typ,
		Data: json.RawMessage(fmt.Sprintf(`%q`, typ)),
	}
}

func types(recs []*tailstream.Record) []string {
	res := make([]string, len(recs))
	for i, r := range recs {
		res[i] = r.Type
	}
	return res
}

// collect drains a sequence, returning its records and terminal error
func collect(
	seq iter.Seq2[*tailstream.Record, error],
) ([]*tailstream.Record, error) {
	var recs []*tailstream.Record
	for r, err := range seq {
		if err != nil {
			return recs, err
		}
		recs = append(recs, r)
	}
	return recs, nil
}

func collectPages(
	seq iter.Seq2[*tailstream.Page, error],
) ([]*tailstream.Page, error) {
	var pages []*tailstream.Page
	for p, err := range seq {
		if err != nil {
			return pages, err
		}
		pages = append(pages, p)
	}
	return pages, nil
}

func testConfig(batch int) tailstream.Config {
	cfg := tailstream.DefaultConfig()
	cfg.BatchSize = batch
	return cfg
}
