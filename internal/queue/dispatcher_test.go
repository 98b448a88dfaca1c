package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-scoring-api/internal/worker"
)

type recordingAcknowledger struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
	done    chan struct{}
}

func newRecordingAcknowledger() *recordingAcknowledger {
	return &recordingAcknowledger{done: make(chan struct{}, 8)}
}

func (a *recordingAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	a.acked = append(a.acked, tag)
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *recordingAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	a.mu.Lock()
	a.nacked = append(a.nacked, tag)
	a.requeue = append(a.requeue, requeue)
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *recordingAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func TestLocalDispatcherRunsProcess(t *testing.T) {
	pool := worker.NewPool(1, 4, zerolog.Nop())
	pool.Start(context.Background())

	seen := make(chan uint, 1)
	dispatcher := NewLocalDispatcher(pool, func(ctx context.Context, id uint) error {
		seen <- id
		return errors.New("scoring failed: ignored")
	}, zerolog.Nop())

	require.NoError(t, dispatcher.Dispatch(context.Background(), 42))
	select {
	case id := <-seen:
		require.Equal(t, uint(42), id)
	case <-time.After(time.Second):
		t.Fatal("process was not invoked")
	}
	pool.Stop()

	require.ErrorIs(t, dispatcher.Dispatch(context.Background(), 43), worker.ErrPoolStopped)
}

func TestLocalDispatcherDoesNotWaitForQueueSlot(t *testing.T) {
	pool := worker.NewPool(1, 1, zerolog.Nop())
	pool.Start(context.Background())
	defer pool.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	dispatcher := NewLocalDispatcher(pool, func(ctx context.Context, id uint) error {
		if id == 1 {
			close(started)
			<-release
		}
		return nil
	}, zerolog.Nop())

	require.NoError(t, dispatcher.Dispatch(context.Background(), 1))
	<-started
	require.NoError(t, dispatcher.Dispatch(context.Background(), 2))

	begin := time.Now()
	err := dispatcher.Dispatch(context.Background(), 3)
	require.ErrorIs(t, err, worker.ErrQueueFull)
	require.Less(t, time.Since(begin), 50*time.Millisecond)
	close(release)
}

func TestJobCodecRejectsMissingSubmission(t *testing.T) {
	body, err := encodeJob(7)
	require.NoError(t, err)

	job, err := decodeJob(body)
	require.NoError(t, err)
	require.Equal(t, uint(7), job.SubmissionID)
	require.False(t, job.DispatchedAt.IsZero())

	_, err = decodeJob([]byte(`{"submission_id":0}`))
	require.Error(t, err)
	_, err = decodeJob([]byte(`not json`))
	require.Error(t, err)
}

func TestRabbitDeliveryAckedAfterProcessing(t *testing.T) {
	pool := worker.NewPool(1, 4, zerolog.Nop())
	pool.Start(context.Background())
	defer pool.Stop()

	processed := make(chan uint, 1)
	dispatcher := &RabbitDispatcher{
		pool: pool,
		process: func(ctx context.Context, id uint) error {
			processed <- id
			return nil
		},
		logger: zerolog.Nop(),
	}

	ack := newRecordingAcknowledger()
	body, err := encodeJob(9)
	require.NoError(t, err)
	dispatcher.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body})

	require.Equal(t, uint(9), <-processed)
	<-ack.done
	require.Equal(t, []uint64{1}, ack.acked)

	dispatcher.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte("{}")})
	<-ack.done
	require.Equal(t, []uint64{2}, ack.nacked)
	require.Equal(t, []bool{false}, ack.requeue)
}
