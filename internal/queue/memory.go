package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
)

// MemoryLog is an in-process event log. Cursors are entry sequence numbers;
// "$" means only entries appended after the first read.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Event
	notify  chan struct{}
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{notify: make(chan struct{})}
}

func (l *MemoryLog) Append(data []byte) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := strconv.Itoa(len(l.entries) + 1)
	l.entries = append(l.entries, Event{ID: id, Data: append([]byte(nil), data...)})
	close(l.notify)
	l.notify = make(chan struct{})
	return id
}

func (l *MemoryLog) Read(ctx context.Context, cursor string, count int64, block time.Duration) ([]Event, string, error) {
	l.mu.Lock()
	pos := len(l.entries)
	if cursor != "$" && cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			l.mu.Unlock()
			return nil, cursor, clierr.Wrap(clierr.CodeUsage, "invalid memory log cursor", err)
		}
		pos = n
	}
	if cursor == "" {
		pos = 0
	}
	if pos >= len(l.entries) && block > 0 {
		wake := l.notify
		l.mu.Unlock()
		timer := time.NewTimer(block)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, strconv.Itoa(pos), ctx.Err()
		case <-timer.C:
			return nil, strconv.Itoa(pos), nil
		case <-wake:
		}
		l.mu.Lock()
	}
	defer l.mu.Unlock()
	end := len(l.entries)
	if count > 0 && pos+int(count) < end {
		end = pos + int(count)
	}
	if pos >= end {
		return nil, strconv.Itoa(pos), nil
	}
	out := append([]Event(nil), l.entries[pos:end]...)
	return out, strconv.Itoa(end), nil
}

// MemoryQueue is a channel-backed job queue for tests and single-process runs.
type MemoryQueue struct {
	ch     chan Envelope
	done   chan struct{}
	mu     sync.Mutex
	closed bool
	dead   []Envelope
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Envelope, size), done: make(chan struct{})}
}

func (q *MemoryQueue) Publish(ctx context.Context, env Envelope) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return clierr.New(clierr.CodeUnavailable, "memory queue closed")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return clierr.New(clierr.CodeUnavailable, "memory queue closed")
	case q.ch <- env:
		return nil
	}
}

func (q *MemoryQueue) Retry(_ context.Context, env Envelope, delay time.Duration) error {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-q.done:
		case <-timer.C:
			_ = q.Publish(context.Background(), env)
		}
	}()
	return nil
}

func (q *MemoryQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case env := <-q.ch:
					_ = handler(ctx, env)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) DeadLetter(_ context.Context, env Envelope, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, env)
	return nil
}

// DeadLetters returns the parked envelopes.
func (q *MemoryQueue) DeadLetters() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Envelope(nil), q.dead...)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
