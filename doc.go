// Package tailstream reads an append-only stream store as lazy sequences. It
// turns a store's paged, cursor-based reads and its push-style subscriptions
// into iter.Seq2 values that yield one record at a time, respect the
// consumer's pace, and stop on context cancellation.
//
// Typical usage looks like:
//   - Open a Store (MemoryStore, RedisStore, BoltStore, or PostgresStore)
//   - Create a Reader over it with a Config
//   - Range over ReadStream or ReadAll to replay history page by page
//   - Range over SubscribeAll to replay the global log and then follow
//     records as they are appended
//
// Historical reads fetch one bounded page at a time and never read ahead of
// the page being consumed. Live subscriptions hand records over through a
// single slot, so a slow consumer throttles the store's delivery instead of
// growing a buffer. Any failure is yielded once as the final element of the
// sequence; a subscription disposed by its owner ends without error.
package tailstream
