package poller

import (
	"context"
	"errors"
	"time"
)

// DefaultInterval matches the interval advertised by the status endpoint.
const DefaultInterval = 2 * time.Second

// ErrNotFound is returned when the submission does not exist.
var ErrNotFound = errors.New("submission not found")

// Snapshot is the subset of a status response the poller reasons about.
type Snapshot struct {
	ID               uint     `json:"id"`
	AssignmentID     uint     `json:"assignment_id"`
	Status           string   `json:"status"`
	Terminal         bool     `json:"terminal"`
	CorrectnessScore *float64 `json:"correctness_score"`
	PlagiarismResult *string  `json:"plagiarism_result"`
	PlagiarismScore  *float64 `json:"plagiarism_score"`
	Severity         string   `json:"severity"`
	FinalScore       *float64 `json:"final_score"`
	Error            *string  `json:"error"`
	PollIntervalMS   int64    `json:"poll_interval_ms"`
}

// Fetcher reads the current snapshot of a submission.
type Fetcher interface {
	Fetch(ctx context.Context, submissionID uint) (Snapshot, error)
}

// Option customises a Poller.
type Option func(*Poller)

// WithInterval overrides the polling interval.
func WithInterval(interval time.Duration) Option {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithOnUpdate registers a callback invoked with every fetched snapshot.
func WithOnUpdate(fn func(Snapshot)) Option {
	return func(p *Poller) {
		p.onUpdate = fn
	}
}

// WithMaxErrors sets how many consecutive fetch errors are tolerated before giving up.
func WithMaxErrors(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.maxErrors = n
		}
	}
}

// Poller repeatedly fetches a submission's status until it is terminal.
// Stopping a poller only stops observation; scoring continues server side.
type Poller struct {
	fetcher   Fetcher
	interval  time.Duration
	maxErrors int
	onUpdate  func(Snapshot)
}

// New creates a poller using fetcher.
func New(fetcher Fetcher, opts ...Option) *Poller {
	p := &Poller{
		fetcher:   fetcher,
		interval:  DefaultInterval,
		maxErrors: 3,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Wait fetches immediately, then once per interval, returning the first terminal
// snapshot. It returns ctx.Err() when the caller stops observing.
func (p *Poller) Wait(ctx context.Context, submissionID uint) (Snapshot, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		snapshot, err := p.fetcher.Fetch(ctx, submissionID)
		switch {
		case errors.Is(err, ErrNotFound):
			return Snapshot{}, err
		case err != nil:
			if ctx.Err() != nil {
				return Snapshot{}, ctx.Err()
			}
			failures++
			if failures >= p.maxErrors {
				return Snapshot{}, err
			}
		default:
			failures = 0
			if p.onUpdate != nil {
				p.onUpdate(snapshot)
			}
			if snapshot.Terminal {
				return snapshot, nil
			}
		}

		select {
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
