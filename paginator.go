package tailstream

import (
	"context"
	"iter"
)

// Paginator requests bounded pages from a PageReader until the reader reports
// the end of the stream
type Paginator struct {
	reader    PageReader
	id        StreamID
	batchSize int
	withData  bool
}

// NewPaginator creates a Paginator for one stream, or for the global log when
// id is AllStreams. A non-positive batchSize selects DefaultBatchSize
func NewPaginator(
	r PageReader, id StreamID, batchSize int, withData bool,
) *Paginator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Paginator{
		reader:    r,
		id:        id,
		batchSize: batchSize,
		withData:  withData,
	}
}

// Pages returns a sequence of pages starting at from. Every range over it
// starts again at from. The context is checked before every fetch. A failed
// fetch is yielded as a *ReadError and ends the sequence, as does a
// cancelled context (yielding its error)
func (p *Paginator) Pages(
	ctx context.Context, from Cursor,
) iter.Seq2[*Page, error] {
	return func(yield func(*Page, error) bool) {
		cur := from
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			page, err := p.reader.ReadForward(
				ctx, p.id, cur, p.batchSize, p.withData,
			)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					yield(nil, ctxErr)
					return
				}
				yield(nil, &ReadError{StreamID: p.id, From: cur, Err: err})
				return
			}

			if !page.IsEnd && page.Next <= cur {
				yield(nil, &ReadError{
					StreamID: p.id, From: cur, Err: ErrCursorStalled,
				})
				return
			}

			if !yield(page, nil) || page.IsEnd {
				return
			}
			cur = page.Next
		}
	}
}

// Records flattens a page sequence into its records, pulling the next page
// only after every record of the current one has been consumed
func Records(
	ctx context.Context, pages iter.Seq2[*Page, error],
) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		for page, err := range pages {
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page.Records {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}
