package queue

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
)

const attemptsHeader = "x-attempts"

type RabbitMQConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

// RabbitMQQueue publishes envelopes to a durable queue and consumes them with
// manual acks. Retries are republished after the backoff with the attempt
// count carried in a header.
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	dead  string

	pubMu sync.Mutex
	done  chan struct{}
	once  sync.Once
}

func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, clierr.New(clierr.CodeUsage, "rabbitmq.url is required")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "autopilot.jobs"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rabbitmq", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, clierr.Wrap(clierr.CodeUnavailable, "open rabbitmq channel", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, clierr.Wrap(clierr.CodeUnavailable, "set rabbitmq qos", err)
		}
	}
	dead := queue + ".dead"
	for _, name := range []string{queue, dead} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, clierr.Wrap(clierr.CodeUnavailable, "declare rabbitmq queue "+name, err)
		}
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue, dead: dead, done: make(chan struct{})}, nil
}

func (q *RabbitMQQueue) publish(ctx context.Context, queue string, env Envelope) error {
	raw, err := env.encode()
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode queue envelope", err)
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	err = q.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Headers:      amqp.Table{attemptsHeader: int32(env.Attempts)},
		Body:         raw,
	})
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "publish to rabbitmq", err)
	}
	return nil
}

func (q *RabbitMQQueue) Publish(ctx context.Context, env Envelope) error {
	return q.publish(ctx, q.queue, env)
}

func (q *RabbitMQQueue) Retry(_ context.Context, env Envelope, delay time.Duration) error {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-q.done:
			return
		case <-timer.C:
		}
		if err := q.publish(context.Background(), q.queue, env); err != nil {
			logger.Named("queue").Error("republish retry failed", "job_id", env.ID, "err", err)
		}
	}()
	return nil
}

func (q *RabbitMQQueue) DeadLetter(ctx context.Context, env Envelope, reason string) error {
	env.LastError = reason
	return q.publish(ctx, q.dead, env)
}

func (q *RabbitMQQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "consume rabbitmq queue", err)
	}
	log := logger.Named("queue")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					env, err := decodeEnvelope(msg.Body)
					if err != nil {
						log.Error("dropping undecodable job", "err", err)
						_ = msg.Ack(false)
						continue
					}
					if n, ok := headerInt(msg.Headers[attemptsHeader]); ok {
						env.Attempts = n
					}
					_ = handler(ctx, env)
					_ = msg.Ack(false)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func headerInt(v any) (int, bool) {
	switch n := v.(type) {
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func (q *RabbitMQQueue) Close() error {
	var err error
	q.once.Do(func() {
		close(q.done)
		if q.ch != nil {
			_ = q.ch.Close()
		}
		if q.conn != nil {
			err = q.conn.Close()
		}
	})
	return err
}
