// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Settings is the full runtime configuration.
type Settings struct {
	HTTPPort string

	GeminiAPIKey string

	MongoURI      string
	MongoDatabase string

	PrimaryModel  string
	FallbackModel string
	ExtendedModel string

	EmbeddingDim int

	SystemInstruction string

	ThinkingStrategy string
	ThinkingDelay    time.Duration

	MaxRounds    int
	RoundTimeout time.Duration
	RetryOnEmpty bool
	SearchFirst  bool

	CleanupSchedule string
}

// Load reads the optional .env file, then the environment, applying
// defaults. Returns an error for missing required settings.
func Load(envPath string) (*Settings, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			slog.Warn("Could not load .env file, continuing with existing environment",
				"path", envPath, "error", err)
		} else {
			slog.Info("Loaded environment", "path", envPath)
		}
	}

	s := &Settings{
		HTTPPort:          getEnv("HTTP_PORT", "8000"),
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
		MongoURI:          getEnv("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDatabase:     getEnv("MONGODB_DATABASE", "scoop"),
		PrimaryModel:      getEnv("PRIMARY_MODEL", "gemini-3-flash-preview"),
		FallbackModel:     getEnv("FALLBACK_MODEL", "gemini-2.5-flash"),
		ExtendedModel:     getEnv("EXTENDED_MODEL", "gemini-2.5-pro"),
		EmbeddingDim:      getEnvInt("EMBEDDING_DIM", 768),
		SystemInstruction: os.Getenv("SYSTEM_INSTRUCTION"),
		ThinkingStrategy:  getEnv("THINKING_STRATEGY", "simple_loader"),
		ThinkingDelay:     getEnvDuration("THINKING_DELAY", 300*time.Millisecond),
		MaxRounds:         getEnvInt("MAX_FUNCTION_ROUNDS", 3),
		RoundTimeout:      getEnvDuration("ROUND_TIMEOUT", 30*time.Second),
		RetryOnEmpty:      getEnvBool("RETRY_ON_EMPTY", true),
		SearchFirst:       getEnvBool("SEARCH_FIRST", true),
		CleanupSchedule:   getEnv("CLEANUP_SCHEDULE", "0 4 * * *"),
	}

	if path := os.Getenv("SYSTEM_INSTRUCTION_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading system instruction file: %w", err)
		}
		s.SystemInstruction = string(data)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks required settings and value ranges.
func (s *Settings) Validate() error {
	if s.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if s.MongoURI == "" {
		return fmt.Errorf("MONGODB_URI is required")
	}
	if s.EmbeddingDim != 768 && s.EmbeddingDim != 3072 {
		return fmt.Errorf("EMBEDDING_DIM must be 768 or 3072, got %d", s.EmbeddingDim)
	}
	if s.MaxRounds < 1 {
		return fmt.Errorf("MAX_FUNCTION_ROUNDS must be positive, got %d", s.MaxRounds)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default",
			"key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		slog.Warn("Invalid boolean in environment, using default",
			"key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in environment, using default",
			"key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return d
}
