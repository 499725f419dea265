// Package config loads every gridguard tunable from the environment, with
// defaults for everything that is safe to default. There is no YAML service
// config: the gateway's tunables are explicitly environment-variable driven.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-driven tunable named across the gateway's
// components.
type Config struct {
	// Infrastructure
	CoordinationStoreURL string
	AuditDBURL           string
	LogLevel             string
	LogFormat            string
	Environment          string

	// Safety
	JWTSecret           string
	APIKeys             string
	RateLimitSecret     string
	CSRFSecret          string
	AutoSuspendSeverity string
	MisuseWindowSeconds int
	MisuseThreshold     int
	MaxInputBytes       int
	MaxTokens           int
	ModelName           string
	ModelBaseURL        string
	ModelAPIKey         string
	ClassifierAPIKey    string
	ClassifierModel     string
	ModelTimeout        time.Duration
	ModelMaxRPS         float64
	MLFlagThreshold     float64
	CosineThreshold     float64
	CooldownDuration    time.Duration
	HeatThreshold       float64
	StaminaMax          float64
	StaminaRegenPerSec  float64
	StaminaCostPerChar  float64
	StaminaFlowBonus    float64
	PatternDetectWindow time.Duration

	// Operational
	DegradedMode bool
	RulesDir     string
	ListenAddr   string
	WorkerCount  int

	// Notifications
	SlackToken         string
	SlackChannelID     string
	PagerDutyRoutingKey string
}

// Load reads Config from the process environment, applying defaults for
// every tunable not explicitly set.
func Load() (*Config, error) {
	cfg := &Config{
		CoordinationStoreURL: getEnv("GRIDGUARD_COORDINATION_URL", "redis://localhost:6379/0"),
		AuditDBURL:           getEnv("GRIDGUARD_AUDIT_DB_URL", "postgres://localhost:5432/gridguard?sslmode=disable"),
		LogLevel:             getEnv("GRIDGUARD_LOG_LEVEL", "info"),
		LogFormat:            getEnv("GRIDGUARD_LOG_FORMAT", "json"),
		Environment:          getEnv("GRIDGUARD_ENVIRONMENT", "production"),

		JWTSecret:           os.Getenv("GRIDGUARD_JWT_SECRET"),
		APIKeys:             os.Getenv("GRIDGUARD_API_KEYS"),
		RateLimitSecret:     os.Getenv("GRIDGUARD_RATE_LIMIT_SECRET"),
		CSRFSecret:          os.Getenv("GRIDGUARD_CSRF_SECRET"),
		ModelName:           getEnv("GRIDGUARD_MODEL_NAME", "gpt-4o-mini"),
		ModelBaseURL:        os.Getenv("GRIDGUARD_MODEL_BASE_URL"),
		ModelAPIKey:         os.Getenv("GRIDGUARD_MODEL_API_KEY"),
		ClassifierAPIKey:    os.Getenv("GRIDGUARD_CLASSIFIER_API_KEY"),
		ClassifierModel:     getEnv("GRIDGUARD_CLASSIFIER_MODEL", "claude-3-5-haiku-latest"),
		AutoSuspendSeverity: getEnv("GRIDGUARD_AUTO_SUSPEND_SEVERITY", "high"),
		DegradedMode:        getEnvBool("GRIDGUARD_DEGRADED_MODE", false),
		RulesDir:            getEnv("GRIDGUARD_RULES_DIR", "/etc/gridguard/rules"),
		ListenAddr:          getEnv("GRIDGUARD_LISTEN_ADDR", ":8080"),
		SlackToken:          os.Getenv("GRIDGUARD_SLACK_TOKEN"),
		SlackChannelID:      os.Getenv("GRIDGUARD_SLACK_CHANNEL_ID"),
		PagerDutyRoutingKey: os.Getenv("GRIDGUARD_PAGERDUTY_ROUTING_KEY"),
	}

	var err error
	if cfg.MisuseWindowSeconds, err = getEnvInt("GRIDGUARD_MISUSE_WINDOW_SECONDS", 3600); err != nil {
		return nil, err
	}
	if cfg.MisuseThreshold, err = getEnvInt("GRIDGUARD_MISUSE_THRESHOLD", 5); err != nil {
		return nil, err
	}
	if cfg.MaxInputBytes, err = getEnvInt("GRIDGUARD_MAX_INPUT_BYTES", 50_000); err != nil {
		return nil, err
	}
	if cfg.MaxTokens, err = getEnvInt("GRIDGUARD_MAX_TOKENS", 1024); err != nil {
		return nil, err
	}
	if cfg.WorkerCount, err = getEnvInt("GRIDGUARD_WORKER_COUNT", 4); err != nil {
		return nil, err
	}
	if cfg.ModelTimeout, err = getEnvDuration("GRIDGUARD_MODEL_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ModelMaxRPS, err = getEnvFloat("GRIDGUARD_MODEL_MAX_RPS", 2.0); err != nil {
		return nil, err
	}
	if cfg.MLFlagThreshold, err = getEnvFloat("GRIDGUARD_ML_FLAG_THRESHOLD", 0.65); err != nil {
		return nil, err
	}
	if cfg.CosineThreshold, err = getEnvFloat("GRIDGUARD_COSINE_THRESHOLD", 0.85); err != nil {
		return nil, err
	}
	if cfg.CooldownDuration, err = getEnvDuration("GRIDGUARD_COOLDOWN_DURATION", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.HeatThreshold, err = getEnvFloat("GRIDGUARD_HEAT_THRESHOLD", 80.0); err != nil {
		return nil, err
	}
	if cfg.StaminaMax, err = getEnvFloat("GRIDGUARD_STAMINA_MAX", 100.0); err != nil {
		return nil, err
	}
	if cfg.StaminaRegenPerSec, err = getEnvFloat("GRIDGUARD_STAMINA_REGEN_PER_SECOND", 10.0); err != nil {
		return nil, err
	}
	if cfg.StaminaCostPerChar, err = getEnvFloat("GRIDGUARD_STAMINA_COST_PER_CHAR", 0.1); err != nil {
		return nil, err
	}
	if cfg.StaminaFlowBonus, err = getEnvFloat("GRIDGUARD_STAMINA_FLOW_BONUS", 1.5); err != nil {
		return nil, err
	}
	if cfg.PatternDetectWindow, err = getEnvDuration("GRIDGUARD_PATTERN_DETECTION_WINDOW", 60*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.CoordinationStoreURL == "" {
		return fmt.Errorf("failed to load config: GRIDGUARD_COORDINATION_URL must not be empty")
	}
	if c.MaxInputBytes <= 0 {
		return fmt.Errorf("failed to load config: GRIDGUARD_MAX_INPUT_BYTES must be positive")
	}
	if c.StaminaMax <= 0 {
		return fmt.Errorf("failed to load config: GRIDGUARD_STAMINA_MAX must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s as int: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s as float: %w", key, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s as duration: %w", key, err)
	}
	return d, nil
}
