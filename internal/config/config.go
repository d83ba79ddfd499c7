// Package config builds the process configuration from environment
// variables. A .env file in the working directory is honored when
// present; real environment variables win over it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Channel identifiers accepted by PENNY_CHANNEL.
const (
	ChannelSignal  = "signal"
	ChannelDiscord = "discord"
)

// Defaults for tunables that are rarely overridden.
const (
	DefaultOllamaBaseURL  = "http://localhost:11434"
	DefaultModel          = "qwen3:30b"
	DefaultEmbeddingModel = ""
	DefaultDBPath         = "penny.db"

	DefaultTickInterval  = time.Second
	DefaultIdleThreshold = 2 * time.Minute

	DefaultMaxToolSteps      = 5
	DefaultToolTimeout       = 60 * time.Second
	DefaultToolMaxConcurrent = 4

	DefaultExtractionInterval = time.Minute
	DefaultExtractionBatch    = 5
	DefaultMinMessageLength   = 10
	DefaultFactDedupThreshold = 0.85
	DefaultLearnSearchBudget  = 5

	DefaultEnrichmentInterval   = 10 * time.Minute
	DefaultEnrichmentCooldown   = 24 * time.Hour
	DefaultBriefingFactCount    = 5
	DefaultMinInterest          = 0.1
	DefaultInterestHalfLife     = 7 * 24 * time.Hour
	DefaultDiscoveryThreshold   = 0.55
	DefaultDiscoveryBudget      = 3
	DefaultEntityDedupThreshold = 0.90

	DefaultEventDedupWindowDays  = 7
	DefaultEventRelevance        = 0.40
	DefaultEventTCRThreshold     = 0.70
	DefaultEventSemanticDedup    = 0.80
	DefaultEventsMaxPerPoll      = 5
	DefaultNewsRateLimitBackoff  = 12 * time.Hour
	DefaultInitialNotifyBackoff  = time.Hour
	DefaultMaxNotifyBackoff      = 24 * time.Hour
	DefaultNotifyCooldownCycles  = 3
	DefaultMinNotificationLength = 40
	DefaultIgnorePenalty         = 0.5

	DefaultResearchMaxIterations = 5
	DefaultResearchFocusTimeout  = 5 * time.Minute
)

// RuntimeConfig captures all user-configurable settings.
type RuntimeConfig struct {
	// Channel selection and credentials.
	Channel      string
	SignalAPIURL string
	SignalNumber string
	DiscordToken string

	// LLM endpoint and model names.
	OllamaBaseURL   string
	Model           string // foreground conversations
	BackgroundModel string // extraction, enrichment, notification composition
	VisionModel     string
	ImageModel      string
	EmbeddingModel  string // empty disables embedding generation and backfill

	// External API keys.
	NewsAPIKey       string
	PerplexityAPIKey string

	DBPath string

	// Scheduler.
	TickInterval  time.Duration
	IdleThreshold time.Duration

	// Message agent.
	MaxToolSteps      int
	ToolTimeout       time.Duration
	ToolMaxConcurrent int

	// Extraction pipeline.
	ExtractionInterval time.Duration
	ExtractionBatch    int
	MinMessageLength   int
	FactDedupThreshold float64
	LearnSearchBudget  int

	// Enrichment agent.
	EnrichmentInterval   time.Duration
	EnrichmentCooldown   time.Duration
	BriefingFactCount    int
	MinInterest          float64
	InterestHalfLife     time.Duration
	DiscoveryThreshold   float64
	DiscoveryBudget      int
	EntityDedupThreshold float64

	// Event agent.
	EventDedupWindowDays int
	EventRelevance       float64
	EventTCRThreshold    float64
	EventSemanticDedup   float64
	EventsMaxPerPoll     int
	NewsRateLimitBackoff time.Duration

	// Notification agent.
	InitialNotifyBackoff  time.Duration
	MaxNotifyBackoff      time.Duration
	NotifyCooldownCycles  int
	MinNotificationLength int
	IgnorePenalty         float64

	// Research agent.
	ResearchMaxIterations int
	ResearchFocusTimeout  time.Duration
}

// Load reads configuration from the environment, loading a .env file
// first when one exists.
func Load() (RuntimeConfig, error) {
	_ = godotenv.Load()

	cfg := RuntimeConfig{
		Channel:      strings.ToLower(envStr("PENNY_CHANNEL", ChannelSignal)),
		SignalAPIURL: envStr("SIGNAL_API_URL", "http://localhost:8080"),
		SignalNumber: os.Getenv("SIGNAL_NUMBER"),
		DiscordToken: os.Getenv("DISCORD_TOKEN"),

		OllamaBaseURL:   envStr("OLLAMA_BASE_URL", DefaultOllamaBaseURL),
		Model:           envStr("PENNY_MODEL", DefaultModel),
		BackgroundModel: envStr("PENNY_BACKGROUND_MODEL", ""),
		VisionModel:     envStr("PENNY_VISION_MODEL", ""),
		ImageModel:      envStr("PENNY_IMAGE_MODEL", ""),
		EmbeddingModel:  envStr("PENNY_EMBEDDING_MODEL", DefaultEmbeddingModel),

		NewsAPIKey:       os.Getenv("NEWS_API_KEY"),
		PerplexityAPIKey: os.Getenv("PERPLEXITY_API_KEY"),

		DBPath: envStr("PENNY_DB_PATH", DefaultDBPath),

		TickInterval:  envDuration("PENNY_TICK_INTERVAL", DefaultTickInterval),
		IdleThreshold: envDuration("PENNY_IDLE_THRESHOLD", DefaultIdleThreshold),

		MaxToolSteps:      envInt("PENNY_MAX_TOOL_STEPS", DefaultMaxToolSteps),
		ToolTimeout:       envDuration("PENNY_TOOL_TIMEOUT", DefaultToolTimeout),
		ToolMaxConcurrent: envInt("PENNY_TOOL_MAX_CONCURRENT", DefaultToolMaxConcurrent),

		ExtractionInterval: envDuration("PENNY_EXTRACTION_INTERVAL", DefaultExtractionInterval),
		ExtractionBatch:    envInt("PENNY_EXTRACTION_BATCH", DefaultExtractionBatch),
		MinMessageLength:   envInt("PENNY_MIN_MESSAGE_LENGTH", DefaultMinMessageLength),
		FactDedupThreshold: envFloat("PENNY_FACT_DEDUP_THRESHOLD", DefaultFactDedupThreshold),
		LearnSearchBudget:  envInt("PENNY_LEARN_SEARCH_BUDGET", DefaultLearnSearchBudget),

		EnrichmentInterval:   envDuration("PENNY_ENRICHMENT_INTERVAL", DefaultEnrichmentInterval),
		EnrichmentCooldown:   envDuration("PENNY_ENRICHMENT_COOLDOWN", DefaultEnrichmentCooldown),
		BriefingFactCount:    envInt("PENNY_BRIEFING_FACT_COUNT", DefaultBriefingFactCount),
		MinInterest:          envFloat("PENNY_MIN_INTEREST", DefaultMinInterest),
		InterestHalfLife:     envDuration("PENNY_INTEREST_HALF_LIFE", DefaultInterestHalfLife),
		DiscoveryThreshold:   envFloat("PENNY_DISCOVERY_THRESHOLD", DefaultDiscoveryThreshold),
		DiscoveryBudget:      envInt("PENNY_DISCOVERY_BUDGET", DefaultDiscoveryBudget),
		EntityDedupThreshold: envFloat("PENNY_ENTITY_DEDUP_THRESHOLD", DefaultEntityDedupThreshold),

		EventDedupWindowDays: envInt("PENNY_EVENT_DEDUP_WINDOW_DAYS", DefaultEventDedupWindowDays),
		EventRelevance:       envFloat("PENNY_EVENT_RELEVANCE", DefaultEventRelevance),
		EventTCRThreshold:    envFloat("PENNY_EVENT_TCR_THRESHOLD", DefaultEventTCRThreshold),
		EventSemanticDedup:   envFloat("PENNY_EVENT_SEMANTIC_DEDUP", DefaultEventSemanticDedup),
		EventsMaxPerPoll:     envInt("PENNY_EVENTS_MAX_PER_POLL", DefaultEventsMaxPerPoll),
		NewsRateLimitBackoff: envDuration("PENNY_NEWS_RATE_LIMIT_BACKOFF", DefaultNewsRateLimitBackoff),

		InitialNotifyBackoff:  envDuration("PENNY_INITIAL_NOTIFY_BACKOFF", DefaultInitialNotifyBackoff),
		MaxNotifyBackoff:      envDuration("PENNY_MAX_NOTIFY_BACKOFF", DefaultMaxNotifyBackoff),
		NotifyCooldownCycles:  envInt("PENNY_NOTIFY_COOLDOWN_CYCLES", DefaultNotifyCooldownCycles),
		MinNotificationLength: envInt("PENNY_MIN_NOTIFICATION_LENGTH", DefaultMinNotificationLength),
		IgnorePenalty:         envFloat("PENNY_IGNORE_PENALTY", DefaultIgnorePenalty),

		ResearchMaxIterations: envInt("PENNY_RESEARCH_MAX_ITERATIONS", DefaultResearchMaxIterations),
		ResearchFocusTimeout:  envDuration("PENNY_RESEARCH_FOCUS_TIMEOUT", DefaultResearchFocusTimeout),
	}

	if cfg.BackgroundModel == "" {
		cfg.BackgroundModel = cfg.Model
	}

	if err := cfg.validate(); err != nil {
		return RuntimeConfig{}, err
	}
	return cfg, nil
}

func (c RuntimeConfig) validate() error {
	switch c.Channel {
	case ChannelSignal:
		if c.SignalNumber == "" {
			return fmt.Errorf("SIGNAL_NUMBER is required for the signal channel")
		}
	case ChannelDiscord:
		if c.DiscordToken == "" {
			return fmt.Errorf("DISCORD_TOKEN is required for the discord channel")
		}
	default:
		return fmt.Errorf("unknown channel %q (want signal or discord)", c.Channel)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
