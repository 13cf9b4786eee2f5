package tailstream

import (
	"errors"
	"fmt"
)

type (
	// ReadError reports a page fetch that the store failed
	ReadError struct {
		Err      error
		StreamID StreamID
		From     Cursor
	}

	// SubscriptionDroppedError reports a subscription that the store ended
	// for any reason other than disposal
	SubscriptionDroppedError struct {
		Err    error
		Reason DropReason
	}
)

var (
	// ErrSubscriptionDropped matches every SubscriptionDroppedError
	ErrSubscriptionDropped = errors.New("subscription dropped")

	// ErrSubscriptionClosed is returned to a store delivering a record to a
	// subscription that already completed
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrCursorStalled indicates a non-final page that did not advance
	ErrCursorStalled = errors.New("page cursor did not advance")

	// ErrInvalidStream indicates a stream ID that cannot be used here
	ErrInvalidStream = errors.New("invalid stream id")

	// ErrStoreClosed indicates the store was closed
	ErrStoreClosed = errors.New("store closed")

	// ErrUnexpectedLuaResult indicates a Redis script reply of the wrong shape
	ErrUnexpectedLuaResult = errors.New("unexpected result from Lua script")

	// ErrCorruptLog indicates a stream entry that points at a missing record
	ErrCorruptLog = errors.New("stream entry references a missing record")
)

func (e *ReadError) Error() string {
	if e.StreamID == AllStreams {
		return fmt.Sprintf("read all from %d: %v", e.From, e.Err)
	}
	return fmt.Sprintf("read %q from %d: %v", e.StreamID, e.From, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

func (e *SubscriptionDroppedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", ErrSubscriptionDropped, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %v", ErrSubscriptionDropped, e.Reason, e.Err)
}

func (e *SubscriptionDroppedError) Unwrap() error {
	return e.Err
}

func (e *SubscriptionDroppedError) Is(target error) bool {
	return target == ErrSubscriptionDropped
}
