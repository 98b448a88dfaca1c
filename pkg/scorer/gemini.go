package scorer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
)

// GeminiConfig defines configuration options for the Gemini scorer.
// Endpoint overrides the API host and is mostly useful against a test server.
type GeminiConfig struct {
	APIKey   string
	Model    string
	Endpoint string
	Logger   zerolog.Logger
}

// GeminiScorer grades correctness with a Gemini model and delegates comparison.
type GeminiScorer struct {
	cfg      GeminiConfig
	client   *genai.Client
	model    *genai.GenerativeModel
	comparer Scorer
	tracer   trace.Tracer
	logger   zerolog.Logger
}

// NewGeminiScorer builds a scorer using the provided configuration. The
// underlying client is shared by every call; release it with Close.
func NewGeminiScorer(ctx context.Context, cfg GeminiConfig, comparer Scorer) (*GeminiScorer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	if comparer == nil {
		comparer = NewLexicalScorer()
	}

	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(correctnessSystemPrompt())},
	}

	return &GeminiScorer{
		cfg:      cfg,
		client:   client,
		model:    model,
		comparer: comparer,
		tracer:   otel.Tracer("github.com/noah-isme/gema-scoring-api/pkg/scorer/gemini"),
		logger:   cfg.Logger.With().Str("component", "gemini_scorer").Logger(),
	}, nil
}

// Close releases the underlying client.
func (s *GeminiScorer) Close() error {
	return s.client.Close()
}

// Correctness asks the model for a 0-100 score as JSON.
func (s *GeminiScorer) Correctness(parent context.Context, modelAnswer, answer string) (CorrectnessResult, error) {
	ctx, span := s.tracer.Start(parent, "gemini.correctness", trace.WithAttributes(
		attribute.String("model", s.cfg.Model),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		scorerDuration.WithLabelValues("gemini", s.cfg.Model).Observe(time.Since(start).Seconds())
	}()

	resp, err := s.model.GenerateContent(ctx, genai.Text(buildCorrectnessPrompt(modelAnswer, answer)))
	if err != nil {
		return CorrectnessResult{}, s.fail(span, scorerError("gemini correctness: %v", err))
	}

	content := collectText(resp)
	if content == "" {
		return CorrectnessResult{}, s.fail(span, scorerError("empty gemini response"))
	}

	result, err := parseCorrectnessResponse(content)
	if err != nil {
		return CorrectnessResult{}, s.fail(span, err)
	}

	span.SetAttributes(attribute.Float64("score", result.Score))
	return result, nil
}

// Compare delegates to the configured comparer.
func (s *GeminiScorer) Compare(ctx context.Context, answer string, peers []Peer) ([]Similarity, error) {
	return s.comparer.Compare(ctx, answer, peers)
}

func (s *GeminiScorer) fail(span trace.Span, err error) error {
	scorerFailures.WithLabelValues("gemini", s.cfg.Model).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Warn().Err(err).Msg("correctness scoring failed")
	return err
}

func collectText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}

	builder := strings.Builder{}
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				builder.WriteString(string(text))
			}
		}
		if builder.Len() > 0 {
			break
		}
	}
	return strings.TrimSpace(builder.String())
}
