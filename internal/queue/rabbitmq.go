package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-scoring-api/internal/worker"
)

const publishTimeout = 5 * time.Second

// RabbitDispatcher publishes jobs to a durable queue and feeds consumed jobs into a worker pool.
type RabbitDispatcher struct {
	conn    *amqp.Connection
	publish *amqp.Channel
	consume *amqp.Channel
	queue   string
	tag     string
	pool    *worker.Pool
	process ProcessFunc
	logger  zerolog.Logger
	mu      sync.Mutex
}

// NewRabbitDispatcher connects to the broker and declares the job queue.
func NewRabbitDispatcher(url, queueName string, pool *worker.Pool, process ProcessFunc, logger zerolog.Logger) (*RabbitDispatcher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	publishCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	consumeCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}

	if _, err := publishCh.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	return &RabbitDispatcher{
		conn:    conn,
		publish: publishCh,
		consume: consumeCh,
		queue:   queueName,
		tag:     "scoring-" + uuid.NewString(),
		pool:    pool,
		process: process,
		logger:  logger.With().Str("component", "rabbitmq_dispatcher").Str("queue", queueName).Logger(),
	}, nil
}

// Dispatch publishes a persistent job message for the submission.
func (d *RabbitDispatcher) Dispatch(ctx context.Context, submissionID uint) error {
	body, err := encodeJob(submissionID)
	if err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.publish.PublishWithContext(publishCtx, "", d.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

// Start consumes jobs until ctx is cancelled. Prefetch matches the pool size so
// unacknowledged jobs never outnumber free workers by much.
func (d *RabbitDispatcher) Start(ctx context.Context, prefetch int) error {
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := d.consume.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := d.consume.Consume(d.queue, d.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", d.queue, err)
	}

	go d.drain(ctx, deliveries)
	d.logger.Info().Str("consumer_tag", d.tag).Msg("rabbitmq consumer started")
	return nil
}

func (d *RabbitDispatcher) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				d.logger.Warn().Msg("rabbitmq delivery channel closed")
				return
			}
			d.handle(ctx, delivery)
		}
	}
}

func (d *RabbitDispatcher) handle(ctx context.Context, delivery amqp.Delivery) {
	job, err := decodeJob(delivery.Body)
	if err != nil {
		d.logger.Warn().Err(err).Msg("discarding malformed scoring job")
		_ = delivery.Nack(false, false)
		return
	}

	err = d.pool.Submit(ctx, func(poolCtx context.Context) {
		if err := d.process(poolCtx, job.SubmissionID); err != nil {
			d.logger.Debug().Err(err).Uint("submission_id", job.SubmissionID).Msg("scoring job finished with error")
		}
		if err := delivery.Ack(false); err != nil {
			d.logger.Warn().Err(err).Uint("submission_id", job.SubmissionID).Msg("failed to ack scoring job")
		}
	})
	if err != nil {
		d.logger.Warn().Err(err).Uint("submission_id", job.SubmissionID).Msg("requeueing scoring job")
		_ = delivery.Nack(false, true)
	}
}

// Close cancels the consumer and closes the broker connection.
func (d *RabbitDispatcher) Close() error {
	if err := d.consume.Cancel(d.tag, false); err != nil {
		d.logger.Warn().Err(err).Msg("failed to cancel rabbitmq consumer")
	}
	return d.conn.Close()
}
