package scorer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	scorerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "scorer",
		Name:      "correctness_duration_seconds",
		Help:      "Duration of remote correctness scoring requests",
	}, []string{"provider", "model"})

	scorerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "scorer",
		Name:      "correctness_failures_total",
		Help:      "Number of remote correctness scoring failures",
	}, []string{"provider", "model"})
)

// OpenAIConfig defines configuration options for the OpenAI scorer.
type OpenAIConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	BaseURL   string
	Logger    zerolog.Logger
}

// OpenAIScorer grades correctness with a chat completion model. Pairwise
// comparison is delegated to the wrapped comparer because it runs once per
// sibling and must stay cheap.
type OpenAIScorer struct {
	client   *openai.Client
	cfg      OpenAIConfig
	comparer Scorer
	tracer   trace.Tracer
	logger   zerolog.Logger
}

// NewOpenAIScorer builds a scorer using the provided configuration.
func NewOpenAIScorer(cfg OpenAIConfig, comparer Scorer) (*OpenAIScorer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 256
	}
	if comparer == nil {
		comparer = NewLexicalScorer()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAIScorer{
		client:   openai.NewClientWithConfig(config),
		cfg:      cfg,
		comparer: comparer,
		tracer:   otel.Tracer("github.com/noah-isme/gema-scoring-api/pkg/scorer/openai"),
		logger:   cfg.Logger.With().Str("component", "openai_scorer").Logger(),
	}, nil
}

// Correctness asks the model for a 0-100 score. Temperature is pinned to zero.
func (s *OpenAIScorer) Correctness(parent context.Context, modelAnswer, answer string) (CorrectnessResult, error) {
	ctx, span := s.tracer.Start(parent, "openai.correctness", trace.WithAttributes(
		attribute.String("model", s.cfg.Model),
	))
	defer span.End()

	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: 0,
		Seed:        seed(),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: correctnessSystemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: buildCorrectnessPrompt(modelAnswer, answer)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	scorerDuration.WithLabelValues("openai", s.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		return CorrectnessResult{}, s.fail(span, scorerError("openai correctness: %v", err))
	}
	if len(resp.Choices) == 0 {
		return CorrectnessResult{}, s.fail(span, scorerError("no choices returned from openai"))
	}

	result, err := parseCorrectnessResponse(strings.TrimSpace(resp.Choices[0].Message.Content))
	if err != nil {
		return CorrectnessResult{}, s.fail(span, err)
	}

	span.SetAttributes(attribute.Float64("score", result.Score))
	return result, nil
}

// Compare delegates to the configured comparer.
func (s *OpenAIScorer) Compare(ctx context.Context, answer string, peers []Peer) ([]Similarity, error) {
	return s.comparer.Compare(ctx, answer, peers)
}

func (s *OpenAIScorer) fail(span trace.Span, err error) error {
	scorerFailures.WithLabelValues("openai", s.cfg.Model).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Warn().Err(err).Msg("correctness scoring failed")
	return err
}

func seed() *int {
	value := 7
	return &value
}
