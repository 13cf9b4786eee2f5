package tailstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type (
	// RedisStore keeps the global log and one index list per stream in Redis,
	// and announces appends over Redis pub/sub
	RedisStore struct {
		client        *redis.Client
		appendLua     *redis.Script
		readAllLua    *redis.Script
		readStreamLua *redis.Script
		hub           *hub
		logger        *zap.Logger
		prefix        string
		channel       string
		batch         int
	}

	redisSubscription struct {
		*feed
		pubsub *redis.PubSub
		once   sync.Once
	}
)

const (
	RedisConnectTimeout = 5 * time.Second

	allSuffix      = ":all"
	streamInfix    = ":stream:"
	appendedSuffix = ":appended"
)

var _ interface {
	Store
	Appender
} = (*RedisStore)(nil)

// NewRedisStore connects to the Redis server described by cfg.Redis
func NewRedisStore(ctx context.Context, cfg Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, RedisConnectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	s := &RedisStore{
		client:        client,
		appendLua:     redis.NewScript(luaAppendRecords),
		readAllLua:    redis.NewScript(luaReadAll),
		readStreamLua: redis.NewScript(luaReadStream),
		hub:           newHub(),
		logger:        cfg.logger().Named("redis"),
		prefix:        cfg.Redis.Prefix,
		channel:       cfg.Redis.Prefix + appendedSuffix,
		batch:         cfg.batchSize(),
	}
	s.logger.Debug("store opened",
		zap.String("addr", cfg.Redis.Addr),
		zap.String("prefix", s.prefix),
	)
	return s, nil
}

// Close drops every live subscription and disconnects from Redis
func (s *RedisStore) Close() error {
	s.hub.close()
	return s.client.Close()
}

func (s *RedisStore) Append(
	ctx context.Context, id StreamID, recs ...*Record,
) error {
	if id == AllStreams {
		return ErrInvalidStream
	}
	if len(recs) == 0 {
		return nil
	}

	now := time.Now()
	args := make([]any, 0, len(recs))
	for _, rec := range recs {
		rec.stamp(id, 0, 0, now)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		args = append(args, string(data))
	}

	keys := []string{s.allKey(), s.streamKey(id)}
	result, err := s.appendLua.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return err
	}

	res, ok := result.([]any)
	if !ok || len(res) != 2 {
		return ErrUnexpectedLuaResult
	}
	pos, okPos := res[0].(int64)
	ver, okVer := res[1].(int64)
	if !okPos || !okVer {
		return ErrUnexpectedLuaResult
	}

	for i, rec := range recs {
		rec.Position = Cursor(pos) + Cursor(i)
		rec.Version = Cursor(ver) + Cursor(i)
	}

	last := pos + int64(len(recs)) - 1
	if err := s.client.Publish(ctx, s.channel, last).Err(); err != nil {
		s.logger.Warn("append notification failed",
			zap.String("stream_id", string(id)),
			zap.Int64("position", last),
			zap.Error(err),
		)
	}
	return nil
}

func (s *RedisStore) ReadForward(
	ctx context.Context, id StreamID, from Cursor, max int, withData bool,
) (*Page, error) {
	from = max0(from)
	if id == AllStreams {
		return s.readAll(ctx, from, max, withData)
	}
	return s.readStream(ctx, id, from, max, withData)
}

func (s *RedisStore) Subscribe(
	ctx context.Context, id StreamID, from Cursor,
	onRecord RecordHandler, onDropped DropHandler,
) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	if from == Latest {
		head, err := s.head(ctx, id)
		if err != nil {
			_ = pubsub.Close()
			return nil, err
		}
		from = head
	}

	wake := newSignal()
	notes := pubsub.Channel()
	go func() {
		for range notes {
			wake.notify()
		}
	}()

	f := newFeed(
		func(ctx context.Context, from Cursor) (*Page, error) {
			return s.ReadForward(ctx, id, from, s.batch, true)
		},
		wake, from, onRecord, onDropped,
		s.logger.With(zap.String("stream_id", string(id))),
	)
	if err := s.hub.start(f); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	sub := &redisSubscription{feed: f, pubsub: pubsub}
	go func() {
		<-f.done
		sub.release()
	}()
	return sub, nil
}

func (s *RedisStore) readAll(
	ctx context.Context, from Cursor, max int, withData bool,
) (*Page, error) {
	keys := []string{s.allKey()}
	result, err := s.readAllLua.Run(ctx, s.client, keys, int64(from), max).
		Result()
	if err != nil {
		return nil, err
	}

	res, ok := result.([]any)
	if !ok || len(res) != 2 {
		return nil, ErrUnexpectedLuaResult
	}
	total, ok := res[0].(int64)
	if !ok {
		return nil, ErrUnexpectedLuaResult
	}
	entries, ok := res[1].([]any)
	if !ok {
		return nil, ErrUnexpectedLuaResult
	}

	recs := make([]*Record, 0, len(entries))
	for i, entry := range entries {
		rec, err := decodeRedisEntry(entry, withData)
		if err != nil {
			return nil, err
		}
		rec.Position = from + Cursor(i)
		recs = append(recs, rec)
	}
	return makePage(recs, from, Cursor(total)), nil
}

func (s *RedisStore) readStream(
	ctx context.Context, id StreamID, from Cursor, max int, withData bool,
) (*Page, error) {
	keys := []string{s.streamKey(id), s.allKey()}
	result, err := s.readStreamLua.Run(ctx, s.client, keys, int64(from), max).
		Result()
	if err != nil {
		return nil, err
	}

	res, ok := result.([]any)
	if !ok || len(res) != 3 {
		return nil, ErrUnexpectedLuaResult
	}
	total, ok := res[0].(int64)
	if !ok {
		return nil, ErrUnexpectedLuaResult
	}
	positions, okPos := res[1].([]any)
	entries, okEnt := res[2].([]any)
	if !okPos || !okEnt || len(positions) != len(entries) {
		return nil, ErrUnexpectedLuaResult
	}

	recs := make([]*Record, 0, len(entries))
	for i, entry := range entries {
		rec, err := decodeRedisEntry(entry, withData)
		if err != nil {
			return nil, err
		}
		str, ok := positions[i].(string)
		if !ok {
			return nil, ErrUnexpectedLuaResult
		}
		pos, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, err
		}
		rec.Position = Cursor(pos)
		recs = append(recs, rec)
	}
	return makePage(recs, from, Cursor(total)), nil
}

func (s *RedisStore) head(ctx context.Context, id StreamID) (Cursor, error) {
	key := s.allKey()
	if id != AllStreams {
		key = s.streamKey(id)
	}
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	return Cursor(n), nil
}

func (s *RedisStore) allKey() string {
	return s.prefix + allSuffix
}

func (s *RedisStore) streamKey(id StreamID) string {
	return s.prefix + streamInfix + string(id)
}

func (r *redisSubscription) Close() error {
	err := r.feed.Close()
	r.release()
	return err
}

func (r *redisSubscription) release() {
	r.once.Do(func() {
		if err := r.pubsub.Close(); err != nil {
			r.logger.Debug("pubsub close failed", zap.Error(err))
		}
	})
}

// decodeRedisEntry parses a "<version>:<json>" global log entry
func decodeRedisEntry(entry any, withData bool) (*Record, error) {
	str, ok := entry.(string)
	if !ok {
		return nil, ErrUnexpectedLuaResult
	}
	verStr, data, ok := strings.Cut(str, ":")
	if !ok {
		return nil, fmt.Errorf("%w: malformed log entry", ErrUnexpectedLuaResult)
	}
	ver, err := strconv.ParseInt(verStr, 10, 64)
	if err != nil {
		return nil, err
	}

	rec := &Record{}
	if err := json.Unmarshal([]byte(data), rec); err != nil {
		return nil, err
	}
	rec.Version = Cursor(ver)
	if !withData {
		rec.Data = nil
	}
	return rec, nil
}

// makePage builds a page of records read from from, given the total length
// of the underlying log
func makePage(recs []*Record, from, total Cursor) *Page {
	next := from + Cursor(len(recs))
	return &Page{
		Records: recs,
		From:    from,
		Next:    next,
		IsEnd:   next >= total,
	}
}
