package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
)

// streamField is the entry field producers put the JSON job under.
const streamField = "data"

// RedisLog reads a Redis stream with XREAD.
type RedisLog struct {
	client *redis.Client
	stream string
}

func NewRedisLog(client *redis.Client, stream string) *RedisLog {
	return &RedisLog{client: client, stream: stream}
}

func (l *RedisLog) Read(ctx context.Context, cursor string, count int64, block time.Duration) ([]Event, string, error) {
	if cursor == "" {
		cursor = "0"
	}
	if cursor == "$" {
		last, err := l.lastID(ctx)
		if err != nil {
			return nil, cursor, err
		}
		cursor = last
	}
	if block <= 0 {
		// XREAD treats BLOCK 0 as forever; -1 omits the option.
		block = -1
	}
	streams, err := l.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{l.stream, cursor},
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, cursor, nil
	}
	if err != nil {
		return nil, cursor, clierr.Wrap(clierr.CodeUnavailable, "read event stream "+l.stream, err)
	}
	var out []Event
	next := cursor
	for _, s := range streams {
		for _, msg := range s.Messages {
			next = msg.ID
			out = append(out, Event{ID: msg.ID, Data: []byte(fieldString(msg.Values[streamField]))})
		}
	}
	return out, next, nil
}

// lastID pins "$" to a concrete id so entries appended between two reads are
// not skipped.
func (l *RedisLog) lastID(ctx context.Context) (string, error) {
	msgs, err := l.client.XRevRangeN(ctx, l.stream, "+", "-", 1).Result()
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUnavailable, "read event stream tail", err)
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

// Append adds an entry to the stream; used by tooling and tests.
func (l *RedisLog) Append(ctx context.Context, data []byte) (string, error) {
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{Stream: l.stream, Values: map[string]any{streamField: string(data)}}).Result()
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUnavailable, "append to event stream", err)
	}
	return id, nil
}

func fieldString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// RedisQueue keeps ready jobs in a list (LPUSH / BRPOP) and delayed retries
// in a sorted set scored by their due time in unix milliseconds.
type RedisQueue struct {
	client     *redis.Client
	list       string
	delayed    string
	deadLetter string
	wait       time.Duration
	promote    time.Duration
	now        func() time.Time
}

type RedisQueueOption func(*RedisQueue)

// WithBlockWait bounds each BRPOP so workers notice cancellation.
func WithBlockWait(d time.Duration) RedisQueueOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.wait = d
		}
	}
}

func WithPromoteInterval(d time.Duration) RedisQueueOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.promote = d
		}
	}
}

func NewRedisQueue(client *redis.Client, list, deadLetter string, opts ...RedisQueueOption) *RedisQueue {
	q := &RedisQueue{
		client:     client,
		list:       list,
		delayed:    list + ":delayed",
		deadLetter: deadLetter,
		wait:       5 * time.Second,
		promote:    time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) Publish(ctx context.Context, env Envelope) error {
	raw, err := env.encode()
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode queue envelope", err)
	}
	if err := q.client.LPush(ctx, q.list, raw).Err(); err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "publish job", err)
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, env Envelope, delay time.Duration) error {
	raw, err := env.encode()
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode queue envelope", err)
	}
	due := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.delayed, redis.Z{Score: float64(due), Member: string(raw)}).Err(); err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "schedule job retry", err)
	}
	return nil
}

// PromoteDue moves retries whose due time passed back onto the ready list.
// ZREM decides ownership so concurrent promoters never duplicate a job.
func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, clierr.Wrap(clierr.CodeUnavailable, "read delayed jobs", err)
	}
	moved := 0
	for _, m := range members {
		removed, err := q.client.ZRem(ctx, q.delayed, m).Result()
		if err != nil {
			return moved, clierr.Wrap(clierr.CodeUnavailable, "claim delayed job", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.list, m).Err(); err != nil {
			return moved, clierr.Wrap(clierr.CodeUnavailable, "promote delayed job", err)
		}
		moved++
	}
	return moved, nil
}

func (q *RedisQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	log := logger.Named("queue")
	errCh := make(chan error, workers+1)

	go func() {
		ticker := time.NewTicker(q.promote)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := q.PromoteDue(ctx); err != nil && ctx.Err() == nil {
					log.Warn("promote delayed jobs failed", "err", err)
				}
			}
		}
	}()

	for i := 0; i < workers; i++ {
		go func() {
			for {
				if ctx.Err() != nil {
					return
				}
				values, err := q.client.BRPop(ctx, q.wait, q.list).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if ctx.Err() != nil {
						return
					}
					if errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- clierr.Wrap(clierr.CodeUnavailable, "pop job", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				env, err := decodeEnvelope([]byte(values[1]))
				if err != nil {
					log.Error("dropping undecodable job", "err", err)
					continue
				}
				_ = handler(ctx, env)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *RedisQueue) DeadLetter(ctx context.Context, env Envelope, reason string) error {
	if q.deadLetter == "" {
		return nil
	}
	env.LastError = reason
	raw, err := env.encode()
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode queue envelope", err)
	}
	if err := q.client.LPush(ctx, q.deadLetter, raw).Err(); err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "dead-letter job", err)
	}
	return nil
}

// DeadLetters lists up to limit parked envelopes, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.client.LRange(ctx, q.deadLetter, 0, limit-1).Result()
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read dead letters", err)
	}
	out := make([]Envelope, 0, len(raws))
	for _, raw := range raws {
		env, err := decodeEnvelope([]byte(raw))
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// Close is a no-op; the client is shared with the event log and the safety
// store and is closed by its owner.
func (q *RedisQueue) Close() error { return nil }
