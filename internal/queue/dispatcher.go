package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-scoring-api/internal/worker"
)

// ProcessFunc runs the scoring pipeline for one submission.
type ProcessFunc func(ctx context.Context, submissionID uint) error

// Dispatcher hands a pending submission to the scoring pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, submissionID uint) error
}

// Job is the message exchanged between dispatcher and consumer.
type Job struct {
	SubmissionID uint      `json:"submission_id"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

func encodeJob(submissionID uint) ([]byte, error) {
	return json.Marshal(Job{SubmissionID: submissionID, DispatchedAt: time.Now().UTC()})
}

func decodeJob(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, err
	}
	if job.SubmissionID == 0 {
		return Job{}, fmt.Errorf("job without submission id")
	}
	return job, nil
}

// LocalDispatcher runs jobs on an in-process worker pool.
type LocalDispatcher struct {
	pool    *worker.Pool
	process ProcessFunc
	logger  zerolog.Logger
}

// NewLocalDispatcher wires a pool to the pipeline.
func NewLocalDispatcher(pool *worker.Pool, process ProcessFunc, logger zerolog.Logger) *LocalDispatcher {
	return &LocalDispatcher{
		pool:    pool,
		process: process,
		logger:  logger.With().Str("component", "local_dispatcher").Logger(),
	}
}

// Dispatch queues the submission without waiting for a slot. A full queue
// returns worker.ErrQueueFull and the submission stays pending until the
// recovery sweep offers it again.
func (d *LocalDispatcher) Dispatch(_ context.Context, submissionID uint) error {
	return d.pool.TrySubmit(func(poolCtx context.Context) {
		if err := d.process(poolCtx, submissionID); err != nil {
			d.logger.Debug().Err(err).Uint("submission_id", submissionID).Msg("scoring job finished with error")
		}
	})
}
