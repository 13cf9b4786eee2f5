package tailstream

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// StreamID names a stream within the store. AllStreams addresses the
	// global log
	StreamID string

	// Cursor is a 0-based stream version or global log position
	Cursor int64

	// Record is a single entry read from the store
	Record struct {
		Timestamp time.Time       `json:"timestamp"`
		ID        string          `json:"id,omitempty"`
		StreamID  StreamID        `json:"stream_id"`
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data,omitempty"`
		Metadata  json.RawMessage `json:"metadata,omitempty"`
		Version   Cursor          `json:"version"`
		Position  Cursor          `json:"position"`
	}

	// Page is one bounded batch returned by a single read. Reads include
	// From, and Next is the cursor following the last returned record
	Page struct {
		Records []*Record
		From    Cursor
		Next    Cursor
		IsEnd   bool
	}

	// PageReader fetches pages of records moving forward from a cursor
	PageReader interface {
		ReadForward(
			ctx context.Context, id StreamID, from Cursor, max int,
			withData bool,
		) (*Page, error)
	}

	// Subscriber registers live subscriptions. The context bounds the
	// registration only; the subscription runs until it is closed or the
	// store drops it
	Subscriber interface {
		Subscribe(
			ctx context.Context, id StreamID, from Cursor,
			onRecord RecordHandler, onDropped DropHandler,
		) (Subscription, error)
	}

	// Store is the collaborator consumed by a Reader
	Store interface {
		PageReader
		Subscriber
	}

	// Appender writes records to the end of a stream. Append assigns the
	// StreamID, Version, Position, and (when zero) Timestamp of each record
	Appender interface {
		Append(ctx context.Context, id StreamID, recs ...*Record) error
	}

	// Subscription is a live registration with the store. Close is
	// idempotent, and no callbacks are delivered after it returns
	Subscription interface {
		Close() error
	}

	// RecordHandler receives each record of a subscription in order. It may
	// block, which holds back further delivery
	RecordHandler func(context.Context, *Record) error

	// DropHandler is called exactly once when a subscription ends
	DropHandler func(DropReason, error)

	// DropReason explains why a subscription ended
	DropReason int
)

const (
	AllStreams StreamID = ""

	Start  Cursor = 0
	Latest Cursor = -1
)

const (
	Disposed DropReason = iota
	SubscriberError
	StoreError
)

func (r DropReason) String() string {
	switch r {
	case Disposed:
		return "disposed"
	case SubscriberError:
		return "subscriber error"
	case StoreError:
		return "store error"
	default:
		return "unknown"
	}
}

// clone returns a shallow copy that drops the payload when withData is false
func (r *Record) clone(withData bool) *Record {
	res := *r
	if !withData {
		res.Data = nil
	}
	return &res
}

func cloneRecords(recs []*Record, withData bool) []*Record {
	res := make([]*Record, len(recs))
	for i, rec := range recs {
		res[i] = rec.clone(withData)
	}
	return res
}

// stamp fills in the store-assigned fields of a record being appended
func (r *Record) stamp(id StreamID, version, position Cursor, now time.Time) {
	r.StreamID = id
	r.Version = version
	r.Position = position
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
}
