// Package config loads the engine configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/sodav/monitor/internal/enginerr"
)

// Config holds every tunable the detection engine reads at startup
type Config struct {
	// External identification services
	AcoustIDAPIKey  string
	AudDAPIKey      string
	AcoustIDBaseURL string
	AudDBaseURL     string
	MetadataBaseURL string

	// Persistence
	DatabaseURL string

	// Redis identifier cache (optional)
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// Pipeline tuning
	DetectionInterval     time.Duration
	ChunkDuration         time.Duration
	MergeWindow           time.Duration
	MaxConcurrentStations int

	// Per-method confidence thresholds
	MinConfidenceLocal    float64
	MinConfidenceContent  float64
	MinConfidenceAcoustic float64

	// External binaries
	FFmpegPath string
	FpcalcPath string

	// Ops
	HTTPAddr string
	LogLevel string
	LogFile  string
}

// Defaults per the engine contract
const (
	DefaultDetectionInterval     = 60 * time.Second
	DefaultChunkDuration         = 10 * time.Second
	DefaultMergeWindow           = 15 * time.Second
	DefaultMaxConcurrentStations = 5

	MinChunkDuration = 5 * time.Second
	MaxChunkDuration = 30 * time.Second
	MinMergeWindow   = 5 * time.Second
	MaxMergeWindow   = 60 * time.Second
)

// Load reads the environment into a Config and validates it.
// Missing API keys or a malformed DATABASE_URL refuse startup.
func Load() (*Config, error) {
	cfg := &Config{
		AcoustIDAPIKey:  os.Getenv("ACOUSTID_API_KEY"),
		AudDAPIKey:      os.Getenv("AUDD_API_KEY"),
		AcoustIDBaseURL: getEnvOrDefault("ACOUSTID_BASE_URL", "https://api.acoustid.org/v2"),
		AudDBaseURL:     getEnvOrDefault("AUDD_BASE_URL", "https://api.audd.io"),
		MetadataBaseURL: getEnvOrDefault("METADATA_BASE_URL", "https://musicbrainz.org/ws/2"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisHost:     os.Getenv("REDIS_HOST"),
		RedisPort:     os.Getenv("REDIS_PORT"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		DetectionInterval:     getEnvSeconds("DETECTION_INTERVAL", DefaultDetectionInterval),
		ChunkDuration:         getEnvSeconds("CHUNK_DURATION_SECONDS", DefaultChunkDuration),
		MergeWindow:           getEnvSeconds("MERGE_WINDOW_SECONDS", DefaultMergeWindow),
		MaxConcurrentStations: getEnvInt("MAX_CONCURRENT_STATIONS", DefaultMaxConcurrentStations),

		MinConfidenceLocal:    getEnvFloat("MIN_CONFIDENCE_THRESHOLD", 0.7),
		MinConfidenceContent:  getEnvFloat("MIN_CONFIDENCE_CONTENT", 0.6),
		MinConfidenceAcoustic: getEnvFloat("MIN_CONFIDENCE_ACOUSTIC", 0.8),

		FFmpegPath: getEnvOrDefault("FFMPEG_PATH", "ffmpeg"),
		FpcalcPath: getEnvOrDefault("FPCALC_PATH", "fpcalc"),

		HTTPAddr: getEnvOrDefault("HTTP_ADDR", ":8090"),
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
		LogFile:  getEnvOrDefault("LOG_FILE", "monitor.log"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration. Failures are PermanentConfig: the
// engine must not start with them.
func (c *Config) Validate() error {
	if c.AcoustIDAPIKey == "" {
		return enginerr.Newf(enginerr.PermanentConfig, "config.validate", "ACOUSTID_API_KEY is not set")
	}
	if c.AudDAPIKey == "" {
		return enginerr.Newf(enginerr.PermanentConfig, "config.validate", "AUDD_API_KEY is not set")
	}
	if c.DatabaseURL == "" {
		return enginerr.Newf(enginerr.PermanentConfig, "config.validate", "DATABASE_URL is not set")
	}
	if _, err := url.Parse(c.DatabaseURL); err != nil {
		return enginerr.New(enginerr.PermanentConfig, "config.validate",
			fmt.Errorf("invalid DATABASE_URL: %w", err))
	}

	if c.ChunkDuration < MinChunkDuration || c.ChunkDuration > MaxChunkDuration {
		return enginerr.Newf(enginerr.PermanentConfig, "config.validate",
			"CHUNK_DURATION_SECONDS must be between %v and %v, got %v",
			MinChunkDuration, MaxChunkDuration, c.ChunkDuration)
	}
	if c.MergeWindow < MinMergeWindow || c.MergeWindow > MaxMergeWindow {
		return enginerr.Newf(enginerr.PermanentConfig, "config.validate",
			"MERGE_WINDOW_SECONDS must be between %v and %v, got %v",
			MinMergeWindow, MaxMergeWindow, c.MergeWindow)
	}
	if c.MaxConcurrentStations < 1 {
		return enginerr.Newf(enginerr.PermanentConfig, "config.validate",
			"MAX_CONCURRENT_STATIONS must be at least 1, got %d", c.MaxConcurrentStations)
	}

	return nil
}

// getEnvOrDefault returns environment variable or default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return defaultValue
}
