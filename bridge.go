package tailstream

import (
	"context"
	"sync"
)

// bridge hands records pushed by a store subscription to a single pulling
// consumer. The slot holds at most one record, so a delivery blocks until the
// consumer has taken the previous one. Completion is recorded exactly once
type bridge struct {
	slot chan *Record
	done chan struct{}
	err  error
	once sync.Once
}

func newBridge() *bridge {
	return &bridge{
		slot: make(chan *Record, 1),
		done: make(chan struct{}),
	}
}

// deliver is the subscription's RecordHandler
func (b *bridge) deliver(ctx context.Context, rec *Record) error {
	select {
	case <-b.done:
		return ErrSubscriptionClosed
	default:
	}

	select {
	case b.slot <- rec:
		return nil
	case <-b.done:
		return ErrSubscriptionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dropped is the subscription's DropHandler
func (b *bridge) dropped(reason DropReason, err error) {
	if reason == Disposed {
		b.complete(nil)
		return
	}
	b.complete(&SubscriptionDroppedError{Reason: reason, Err: err})
}

func (b *bridge) complete(err error) {
	b.once.Do(func() {
		b.err = err
		close(b.done)
	})
}

// close completes the bridge from the consumer side, releasing any blocked
// delivery
func (b *bridge) close() {
	b.complete(nil)
}

// next waits for the next record. It returns a nil record and a nil error
// once the subscription has completed cleanly. A record placed in the slot
// before completion is returned before the completion is reported
func (b *bridge) next(ctx context.Context) (*Record, error) {
	select {
	case rec := <-b.slot:
		return rec, nil
	case <-b.done:
		select {
		case rec := <-b.slot:
			return rec, nil
		default:
			return nil, b.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
