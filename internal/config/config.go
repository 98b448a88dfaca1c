package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Queue drivers understood by the scoring dispatcher.
const (
	QueueDriverLocal    = "local"
	QueueDriverRabbitMQ = "rabbitmq"
)

// Scorer providers understood by the correctness scorer wiring.
const (
	ScorerProviderLexical = "lexical"
	ScorerProviderOpenAI  = "openai"
	ScorerProviderGemini  = "gemini"
)

// OCR providers understood by the document extractor wiring.
const (
	OCRProviderNone   = "none"
	OCRProviderGemini = "gemini"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName        string
	AppEnv         string
	AppPort        string
	DatabaseURL    string
	RedisURL       string
	NATSURL        string
	JWTSecret      string
	JWTDefaultRole string
	CORSOrigins    string

	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string

	Scoring ScoringConfig
	Queue   QueueConfig
	Scorer  ScorerConfig
	Extract ExtractConfig
}

// ScoringConfig tunes the submission pipeline.
type ScoringConfig struct {
	PlagiarismThreshold float64
	PollInterval        time.Duration
	ProcessingTimeout   time.Duration
	RecoveryInterval    time.Duration
	Workers             int
	QueueCapacity       int
	StatusCacheTTL      time.Duration
	StatsCacheTTL       time.Duration
	MaxUploadBytes      int64
	SubmitRateLimit     int
	SubmitRateWindow    time.Duration
	EventChannel        string
}

// QueueConfig selects how accepted submissions reach the worker pool.
type QueueConfig struct {
	Driver         string
	RabbitMQURL    string
	RabbitMQQueue  string
	RabbitPrefetch int
}

// ScorerConfig selects the correctness scorer backend.
type ScorerConfig struct {
	Provider      string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	GeminiAPIKey  string
	GeminiModel   string
}

// ExtractConfig selects how scanned documents are turned into text.
type ExtractConfig struct {
	OCRProvider string
	OCRModel    string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "GEMA Scoring API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("jwt.default_role", "student")
	v.SetDefault("cors.origins", "*")
	v.SetDefault("cloudinary.folder", "gema/submissions")

	v.SetDefault("scoring.plagiarism_threshold", 40)
	v.SetDefault("scoring.poll_interval", "2s")
	v.SetDefault("scoring.processing_timeout", "2m")
	v.SetDefault("scoring.recovery_interval", "1m")
	v.SetDefault("scoring.workers", 4)
	v.SetDefault("scoring.queue_capacity", 64)
	v.SetDefault("scoring.status_cache_ttl", "10m")
	v.SetDefault("scoring.stats_cache_ttl", "1m")
	v.SetDefault("scoring.max_upload_mb", 10)
	v.SetDefault("scoring.submit_rate_limit", 5)
	v.SetDefault("scoring.submit_rate_window", "1m")
	v.SetDefault("scoring.event_channel", "gema:scoring")

	v.SetDefault("queue.driver", QueueDriverLocal)
	v.SetDefault("rabbitmq.queue", "scoring.submissions")
	v.SetDefault("rabbitmq.prefetch", 4)

	v.SetDefault("scorer.provider", ScorerProviderLexical)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("gemini.model", "gemini-1.5-flash")

	v.SetDefault("extract.ocr_provider", OCRProviderNone)
	v.SetDefault("extract.ocr_model", "gemini-1.5-flash")
}

func fromViper(v *viper.Viper) (Config, error) {
	durations := map[string]time.Duration{}
	for _, key := range []string{
		"scoring.poll_interval",
		"scoring.processing_timeout",
		"scoring.recovery_interval",
		"scoring.status_cache_ttl",
		"scoring.stats_cache_ttl",
		"scoring.submit_rate_window",
	} {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("invalid %s: must be positive", key)
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:        v.GetString("app.name"),
		AppEnv:         v.GetString("app.env"),
		AppPort:        v.GetString("app.port"),
		DatabaseURL:    v.GetString("database.url"),
		RedisURL:       v.GetString("redis.url"),
		NATSURL:        v.GetString("nats.url"),
		JWTSecret:      v.GetString("jwt.secret"),
		JWTDefaultRole: strings.ToLower(v.GetString("jwt.default_role")),
		CORSOrigins:    v.GetString("cors.origins"),

		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),

		Scoring: ScoringConfig{
			PlagiarismThreshold: v.GetFloat64("scoring.plagiarism_threshold"),
			PollInterval:        durations["scoring.poll_interval"],
			ProcessingTimeout:   durations["scoring.processing_timeout"],
			RecoveryInterval:    durations["scoring.recovery_interval"],
			Workers:             v.GetInt("scoring.workers"),
			QueueCapacity:       v.GetInt("scoring.queue_capacity"),
			StatusCacheTTL:      durations["scoring.status_cache_ttl"],
			StatsCacheTTL:       durations["scoring.stats_cache_ttl"],
			MaxUploadBytes:      v.GetInt64("scoring.max_upload_mb") << 20,
			SubmitRateLimit:     v.GetInt("scoring.submit_rate_limit"),
			SubmitRateWindow:    durations["scoring.submit_rate_window"],
			EventChannel:        v.GetString("scoring.event_channel"),
		},
		Queue: QueueConfig{
			Driver:         strings.ToLower(v.GetString("queue.driver")),
			RabbitMQURL:    v.GetString("rabbitmq.url"),
			RabbitMQQueue:  v.GetString("rabbitmq.queue"),
			RabbitPrefetch: v.GetInt("rabbitmq.prefetch"),
		},
		Scorer: ScorerConfig{
			Provider:      strings.ToLower(v.GetString("scorer.provider")),
			OpenAIAPIKey:  v.GetString("openai.api_key"),
			OpenAIModel:   v.GetString("openai.model"),
			OpenAIBaseURL: v.GetString("openai.base_url"),
			GeminiAPIKey:  v.GetString("gemini.api_key"),
			GeminiModel:   v.GetString("gemini.model"),
		},
		Extract: ExtractConfig{
			OCRProvider: strings.ToLower(v.GetString("extract.ocr_provider")),
			OCRModel:    v.GetString("extract.ocr_model"),
		},
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}
	if cfg.Scoring.PlagiarismThreshold < 0 || cfg.Scoring.PlagiarismThreshold > 100 {
		return Config{}, fmt.Errorf("plagiarism threshold must be within [0, 100]")
	}
	if cfg.Scoring.Workers <= 0 {
		cfg.Scoring.Workers = 4
	}
	if cfg.Scoring.QueueCapacity <= 0 {
		cfg.Scoring.QueueCapacity = 64
	}

	switch cfg.Queue.Driver {
	case QueueDriverLocal:
	case QueueDriverRabbitMQ:
		if cfg.Queue.RabbitMQURL == "" {
			return Config{}, fmt.Errorf("rabbitmq url must be provided when queue driver is rabbitmq")
		}
	default:
		return Config{}, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}

	switch cfg.Scorer.Provider {
	case ScorerProviderLexical:
	case ScorerProviderOpenAI:
		if cfg.Scorer.OpenAIAPIKey == "" {
			return Config{}, fmt.Errorf("openai api key must be provided for the openai scorer")
		}
	case ScorerProviderGemini:
		if cfg.Scorer.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("gemini api key must be provided for the gemini scorer")
		}
	default:
		return Config{}, fmt.Errorf("unknown scorer provider %q", cfg.Scorer.Provider)
	}

	switch cfg.Extract.OCRProvider {
	case OCRProviderNone:
	case OCRProviderGemini:
		if cfg.Scorer.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("gemini api key must be provided for gemini ocr")
		}
	default:
		return Config{}, fmt.Errorf("unknown ocr provider %q", cfg.Extract.OCRProvider)
	}

	return cfg, nil
}
