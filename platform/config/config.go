// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// RedisConfig provides redis connection settings for the queue manager
// and the background task scheduler.
type RedisConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
}

// SchedulerConfig provides settings for the asynq task queue.
type SchedulerConfig interface {
	RedisConfig
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
}

// ScoringConfig provides tunable weights for the priority scorer.
// The defaults mirror the heuristics the scoring model shipped with;
// they are exposed as configuration rather than hardcoded because the
// constants are heuristic, not tuned.
type ScoringConfig interface {
	GetBusinessValueWeight() float64
	GetUrgencyWeight() float64
	GetTimeSensitivityWeight() float64
	GetDegradedSubScore() float64
}

// MatchingConfig provides tunable weights for the agent matcher.
type MatchingConfig interface {
	GetLoadBalanceWeight() float64
	GetSkillMatchWeight() float64
	GetResponseTimeWeight() float64
	GetResponseTimeNormSeconds() float64
}

// OptimizerConfig provides settings for the handoff optimizer sweeps.
type OptimizerConfig interface {
	GetOptimizerInterval() time.Duration
	GetMinImprovement() float64
	GetOverloadedRatio() float64
	GetUnderloadedRatio() float64
	GetPerformanceGap() float64
	GetSkillGap() float64
	GetQueueWaitEscalation() time.Duration
	GetEscalationBoost() float64
	GetQueueRetention() time.Duration
	GetSLAMinutes() map[string]int
}

// Config holds all application configuration.
type Config struct {
	Env string

	HTTPAddr       string
	CORSAllowAll   bool
	CORSOrigins    []string
	CORSAllowCreds bool

	DatabaseURL string

	RedisURL         string
	RedisTLSInsecure bool
	AsynqQueueName   string
	AsynqConcurrency int

	// Priority scorer weights (must sum to 1.0).
	BusinessValueWeight   float64
	UrgencyWeight         float64
	TimeSensitivityWeight float64
	DegradedSubScore      float64

	// Agent matcher weights (must sum to 1.0).
	LoadBalanceWeight       float64
	SkillMatchWeight        float64
	ResponseTimeWeight      float64
	ResponseTimeNormSeconds float64

	// Handoff optimizer.
	OptimizerInterval   time.Duration
	MinImprovement      float64
	OverloadedRatio     float64
	UnderloadedRatio    float64
	PerformanceGap      float64
	SkillGap            float64
	QueueWaitEscalation time.Duration
	EscalationBoost     float64
	QueueRetention      time.Duration

	// SLA deadlines in minutes, keyed by priority level.
	SLACriticalMinutes int
	SLAHighMinutes     int
	SLAMediumMinutes   int
	SLALowMinutes      int
}

// Load reads configuration from the environment, with .env support for
// local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env: getEnv("APP_ENV", "development"),

		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		CORSAllowAll:   getEnvBool("CORS_ALLOW_ALL", false),
		CORSOrigins:    splitList(getEnv("CORS_ORIGINS", "")),
		CORSAllowCreds: getEnvBool("CORS_ALLOW_CREDENTIALS", false),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisTLSInsecure: getEnvBool("REDIS_TLS_INSECURE", false),
		AsynqQueueName:   getEnv("ASYNQ_QUEUE", "routing"),
		AsynqConcurrency: getEnvInt("ASYNQ_CONCURRENCY", 10),

		BusinessValueWeight:   getEnvFloat("SCORE_BUSINESS_VALUE_WEIGHT", 0.40),
		UrgencyWeight:         getEnvFloat("SCORE_URGENCY_WEIGHT", 0.35),
		TimeSensitivityWeight: getEnvFloat("SCORE_TIME_SENSITIVITY_WEIGHT", 0.25),
		DegradedSubScore:      getEnvFloat("SCORE_DEGRADED_SUBSCORE", 12.5),

		LoadBalanceWeight:       getEnvFloat("MATCH_LOAD_WEIGHT", 0.40),
		SkillMatchWeight:        getEnvFloat("MATCH_SKILL_WEIGHT", 0.35),
		ResponseTimeWeight:      getEnvFloat("MATCH_RESPONSE_WEIGHT", 0.25),
		ResponseTimeNormSeconds: getEnvFloat("MATCH_RESPONSE_NORM_SECONDS", 600),

		OptimizerInterval:   getEnvDuration("OPTIMIZER_INTERVAL", 3*time.Minute),
		MinImprovement:      getEnvFloat("OPTIMIZER_MIN_IMPROVEMENT", 0.10),
		OverloadedRatio:     getEnvFloat("OPTIMIZER_OVERLOADED_RATIO", 0.8),
		UnderloadedRatio:    getEnvFloat("OPTIMIZER_UNDERLOADED_RATIO", 0.6),
		PerformanceGap:      getEnvFloat("OPTIMIZER_PERFORMANCE_GAP", 0.20),
		SkillGap:            getEnvFloat("OPTIMIZER_SKILL_GAP", 0.20),
		QueueWaitEscalation: getEnvDuration("QUEUE_WAIT_ESCALATION", 30*time.Minute),
		EscalationBoost:     getEnvFloat("QUEUE_ESCALATION_BOOST", 15),
		QueueRetention:      getEnvDuration("QUEUE_RETENTION", 7*24*time.Hour),

		SLACriticalMinutes: getEnvInt("SLA_CRITICAL_MINUTES", 2),
		SLAHighMinutes:     getEnvInt("SLA_HIGH_MINUTES", 10),
		SLAMediumMinutes:   getEnvInt("SLA_MEDIUM_MINUTES", 30),
		SLALowMinutes:      getEnvInt("SLA_LOW_MINUTES", 60),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if err := validateWeights("scoring", cfg.BusinessValueWeight, cfg.UrgencyWeight, cfg.TimeSensitivityWeight); err != nil {
		return nil, err
	}
	if err := validateWeights("matching", cfg.LoadBalanceWeight, cfg.SkillMatchWeight, cfg.ResponseTimeWeight); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validateWeights(name string, weights ...float64) error {
	sum := 0.0
	for _, w := range weights {
		if w < 0 {
			return fmt.Errorf("%s weights must be non-negative", name)
		}
		sum += w
	}
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("%s weights must sum to 1.0, got %.2f", name, sum)
	}
	return nil
}

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// RedisConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool  { return c.CORSAllowCreds }

// SchedulerConfig implementation
func (c *Config) GetAsynqQueueName() string { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int  { return c.AsynqConcurrency }

// ScoringConfig implementation
func (c *Config) GetBusinessValueWeight() float64   { return c.BusinessValueWeight }
func (c *Config) GetUrgencyWeight() float64         { return c.UrgencyWeight }
func (c *Config) GetTimeSensitivityWeight() float64 { return c.TimeSensitivityWeight }
func (c *Config) GetDegradedSubScore() float64      { return c.DegradedSubScore }

// MatchingConfig implementation
func (c *Config) GetLoadBalanceWeight() float64       { return c.LoadBalanceWeight }
func (c *Config) GetSkillMatchWeight() float64        { return c.SkillMatchWeight }
func (c *Config) GetResponseTimeWeight() float64      { return c.ResponseTimeWeight }
func (c *Config) GetResponseTimeNormSeconds() float64 { return c.ResponseTimeNormSeconds }

// OptimizerConfig implementation
func (c *Config) GetOptimizerInterval() time.Duration   { return c.OptimizerInterval }
func (c *Config) GetMinImprovement() float64            { return c.MinImprovement }
func (c *Config) GetOverloadedRatio() float64           { return c.OverloadedRatio }
func (c *Config) GetUnderloadedRatio() float64          { return c.UnderloadedRatio }
func (c *Config) GetPerformanceGap() float64            { return c.PerformanceGap }
func (c *Config) GetSkillGap() float64                  { return c.SkillGap }
func (c *Config) GetQueueWaitEscalation() time.Duration { return c.QueueWaitEscalation }
func (c *Config) GetEscalationBoost() float64           { return c.EscalationBoost }
func (c *Config) GetQueueRetention() time.Duration      { return c.QueueRetention }

// GetSLAMinutes returns the SLA deadline in minutes per priority level.
func (c *Config) GetSLAMinutes() map[string]int {
	return map[string]int{
		"critical": c.SLACriticalMinutes,
		"high":     c.SLAHighMinutes,
		"medium":   c.SLAMediumMinutes,
		"low":      c.SLALowMinutes,
	}
}

// =============================================================================
// Helpers
// =============================================================================

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
