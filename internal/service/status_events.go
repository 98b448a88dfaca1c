package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-scoring-api/internal/observability"
)

const statusEventBufferSize = 8

// StatusEvent announces that a submission entered a new lifecycle state.
type StatusEvent struct {
	SubmissionID uint      `json:"submission_id"`
	AssignmentID uint      `json:"assignment_id"`
	StudentID    uint      `json:"student_id"`
	Status       string    `json:"status"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// StatusBroadcaster fans status events out to local watchers and peer nodes.
type StatusBroadcaster interface {
	Publish(ctx context.Context, event StatusEvent)
	Subscribe(submissionID uint) (<-chan StatusEvent, func())
	Start(ctx context.Context)
}

type statusBroadcaster struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	nodeID       string

	mu          sync.RWMutex
	subscribers map[uint]map[chan StatusEvent]struct{}
}

type statusEnvelope struct {
	Source string      `json:"source"`
	Event  StatusEvent `json:"event"`
}

// NewStatusBroadcaster constructs a broadcaster. Redis and NATS are optional; with
// neither configured events only reach watchers connected to this process.
func NewStatusBroadcaster(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) StatusBroadcaster {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":submission-status"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".submission_status"
	}

	return &statusBroadcaster{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "status_broadcaster").Logger(),
		nodeID:       uuid.NewString(),
		subscribers:  make(map[uint]map[chan StatusEvent]struct{}),
	}
}

func (b *statusBroadcaster) Start(ctx context.Context) {
	if b.redis != nil && b.redisChannel != "" {
		go b.consumeRedis(ctx)
	}
	if b.nats != nil && b.natsSubject != "" {
		b.consumeNATS(ctx)
	}
}

func (b *statusBroadcaster) Publish(ctx context.Context, event StatusEvent) {
	b.deliver(event, "local")

	payload, err := json.Marshal(statusEnvelope{Source: b.nodeID, Event: event})
	if err != nil {
		b.logger.Warn().Err(err).Msg("failed to encode status event")
		return
	}

	if b.redis != nil && b.redisChannel != "" {
		if err := b.redis.Publish(ctx, b.redisChannel, payload).Err(); err != nil {
			b.logger.Warn().Err(err).Uint("submission_id", event.SubmissionID).Msg("failed to publish status event to redis")
		}
	}

	if b.nats != nil && b.natsSubject != "" {
		if err := b.nats.Publish(b.natsSubject, payload); err != nil {
			b.logger.Warn().Err(err).Uint("submission_id", event.SubmissionID).Msg("failed to publish status event to nats")
		}
	}
}

func (b *statusBroadcaster) Subscribe(submissionID uint) (<-chan StatusEvent, func()) {
	ch := make(chan StatusEvent, statusEventBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[submissionID]; !ok {
		b.subscribers[submissionID] = make(map[chan StatusEvent]struct{})
	}
	b.subscribers[submissionID][ch] = struct{}{}
	b.mu.Unlock()
	observability.StatusWatchers().Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if subscribers, ok := b.subscribers[submissionID]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(b.subscribers, submissionID)
				}
			}
			close(ch)
			b.mu.Unlock()
			observability.StatusWatchers().Dec()
		})
	}

	return ch, cancel
}

func (b *statusBroadcaster) deliver(event StatusEvent, origin string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[event.SubmissionID] {
		select {
		case ch <- event:
			observability.StatusEvents().WithLabelValues(origin).Inc()
		default:
			b.logger.Debug().Uint("submission_id", event.SubmissionID).Msg("dropping status event for slow watcher")
		}
	}
}

func (b *statusBroadcaster) consumeRedis(ctx context.Context) {
	pubsub := b.redis.Subscribe(ctx, b.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			b.logger.Error().Err(err).Msg("status redis subscription closed")
			return
		}
		b.handleRemote([]byte(msg.Payload), "redis")
	}
}

func (b *statusBroadcaster) consumeNATS(ctx context.Context) {
	sub, err := b.nats.Subscribe(b.natsSubject, func(msg *nats.Msg) {
		b.handleRemote(msg.Data, "nats")
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to subscribe to nats status subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to drain status nats subscription")
		}
	}()
}

func (b *statusBroadcaster) handleRemote(payload []byte, origin string) {
	var envelope statusEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		b.logger.Warn().Err(err).Str("origin", origin).Msg("invalid status event payload")
		return
	}
	if envelope.Source == b.nodeID || envelope.Event.SubmissionID == 0 {
		return
	}

	b.deliver(envelope.Event, origin)
}
