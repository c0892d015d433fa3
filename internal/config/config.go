package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	DBPath string

	QdrantURL  string
	VectorSize int

	EmbeddingBaseURL string
	EmbeddingAPIKey  string
	EmbeddingModel   string

	// KBBaseURL is the knowledge-base mirror endpoint. Empty disables mirroring.
	KBBaseURL string
	KBToken   string

	// RSSFeeds maps source name to feed URL, parsed from
	// RSS_FEEDS="hn=https://hnrss.org/frontpage,lobsters=https://lobste.rs/rss".
	RSSFeeds map[string]string

	// DocsPath is the root of a documentation tree to index. Empty disables the docs source.
	DocsPath string

	ResyncInterval time.Duration
	RetryDelay     time.Duration
	StageBatchSize int

	IndexBatchSize   int
	WriteConcurrency int

	APIPort   string
	LogLevel  slog.Level
	LogFormat string
}

// Load reads configuration from environment variables and returns a Config struct.
// It applies defaults for optional fields and validates required fields.
// If a .env file exists in the current directory or project root, it will be loaded automatically.
// Environment variables already set take precedence over .env file values.
func Load() (*Config, error) {
	_ = godotenv.Load() // Try current directory

	// Walk up to find a .env at the project root
	wd, err := os.Getwd()
	if err == nil {
		dir := wd
		for i := 0; i < 5; i++ {
			envPath := filepath.Join(dir, ".env")
			if _, err := os.Stat(envPath); err == nil {
				_ = godotenv.Load(envPath)
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	cfg := &Config{
		DBPath:           getEnv("DB_PATH", "./data/kbpipeline.db"),
		QdrantURL:        getEnv("QDRANT_URL", "http://localhost:6333"),
		EmbeddingBaseURL: getEnv("EMBEDDING_BASE_URL", "http://localhost:8081"),
		EmbeddingAPIKey:  getEnv("EMBEDDING_API_KEY", "dummy-key"),
		EmbeddingModel:   getEnv("EMBEDDING_MODEL_NAME", "all-MiniLM-L6-v2"),
		KBBaseURL:        getEnv("KB_BASE_URL", ""),
		KBToken:          getEnv("KB_TOKEN", ""),
		DocsPath:         getEnv("DOCS_PATH", ""),
		APIPort:          getEnv("API_PORT", "9000"),
		LogFormat:        getEnv("LOG_FORMAT", "text"),
	}

	// VECTOR_SIZE must match the embedding model's output dimension. If it
	// changes, the Qdrant collections have to be recreated.
	vectorSizeStr := getEnv("VECTOR_SIZE", "")
	if vectorSizeStr == "" {
		return nil, fmt.Errorf("VECTOR_SIZE is required")
	}
	vectorSize, err := strconv.Atoi(vectorSizeStr)
	if err != nil {
		return nil, fmt.Errorf("VECTOR_SIZE must be a valid integer: %w", err)
	}
	if vectorSize <= 0 {
		return nil, fmt.Errorf("VECTOR_SIZE must be greater than 0")
	}
	cfg.VectorSize = vectorSize

	feeds, err := parseFeeds(getEnv("RSS_FEEDS", ""))
	if err != nil {
		return nil, err
	}
	cfg.RSSFeeds = feeds

	cfg.ResyncInterval, err = parseDuration("RESYNC_INTERVAL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.RetryDelay, err = parseDuration("RETRY_DELAY", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg.StageBatchSize, err = parseInt("STAGE_BATCH_SIZE", 100)
	if err != nil {
		return nil, err
	}
	cfg.IndexBatchSize, err = parseInt("INDEX_BATCH_SIZE", 32)
	if err != nil {
		return nil, err
	}
	cfg.WriteConcurrency, err = parseInt("WRITE_CONCURRENCY", 4)
	if err != nil {
		return nil, err
	}

	cfg.LogLevel, err = parseLogLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	if len(cfg.RSSFeeds) == 0 && cfg.DocsPath == "" {
		return nil, fmt.Errorf("at least one source is required: set RSS_FEEDS or DOCS_PATH")
	}

	// Create the data directory if it doesn't exist
	dataDir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return cfg, nil
}

// parseFeeds parses "name=url,name=url" into a map.
func parseFeeds(raw string) (map[string]string, error) {
	feeds := make(map[string]string)
	if raw == "" {
		return feeds, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("RSS_FEEDS entry %q must be name=url", pair)
		}
		feeds[strings.TrimSpace(name)] = strings.TrimSpace(url)
	}
	return feeds, nil
}

func parseDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return d, nil
}

func parseInt(key string, defaultValue int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return n, nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", raw)
	}
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
