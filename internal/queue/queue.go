// Package queue bridges externally produced execution jobs into the operator:
// an event log feeds a retrying job queue drained by a bounded worker pool.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
)

// Envelope wraps a job with its delivery bookkeeping. Attempts counts
// deliveries already made; a fresh envelope has zero.
type Envelope struct {
	ID         string             `json:"id"`
	Attempts   int                `json:"attempts"`
	Job        model.ExecutionJob `json:"job"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	LastError  string             `json:"last_error,omitempty"`
}

func NewEnvelope(job model.ExecutionJob, now time.Time) Envelope {
	return Envelope{ID: uuid.NewString(), Job: job, EnqueuedAt: now.UTC()}
}

func (e Envelope) encode() ([]byte, error) {
	return json.Marshal(e)
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, clierr.Wrap(clierr.CodeUsage, "decode queue envelope", err)
	}
	return env, nil
}

// Handler processes one delivery. The queue acknowledges the delivery once the
// handler returns; retry scheduling is the handler's job.
type Handler func(ctx context.Context, env Envelope) error

type JobQueue interface {
	Publish(ctx context.Context, env Envelope) error
	// Retry makes env deliverable again after delay.
	Retry(ctx context.Context, env Envelope, delay time.Duration) error
	// Consume runs workers concurrent handlers until ctx ends.
	Consume(ctx context.Context, workers int, handler Handler) error
	Close() error
}

// DeadLetterSink is implemented by queues that can park exhausted jobs.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, env Envelope, reason string) error
}

// Event is one entry of the event log.
type Event struct {
	ID   string
	Data []byte
}

type EventLog interface {
	// Read returns entries after cursor and the cursor to resume from. It
	// blocks up to block when nothing is available.
	Read(ctx context.Context, cursor string, count int64, block time.Duration) ([]Event, string, error)
}

// DecodeJob parses an event payload into a job. Payloads are either a bare
// job or a strategy signal; both share the job's field names.
func DecodeJob(raw []byte, now time.Time) (model.ExecutionJob, error) {
	var job model.ExecutionJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return model.ExecutionJob{}, clierr.Wrap(clierr.CodeUsage, "decode execution job", err)
	}
	if !job.Action.Valid() {
		return model.ExecutionJob{}, clierr.New(clierr.CodeUsage, "execution job has invalid action "+string(job.Action))
	}
	if job.PoolID == "" || job.Chain == "" {
		return model.ExecutionJob{}, clierr.New(clierr.CodeUsage, "execution job needs poolId and chain")
	}
	if job.Timestamp == 0 {
		job.Timestamp = now.UnixMilli()
	}
	return job, nil
}
