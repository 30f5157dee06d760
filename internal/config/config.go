package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"chess-ledger/internal/constants"
	log "chess-ledger/internal/logger"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

type Config struct {
	BaseURL     string
	UserAgent   string
	CountryCode string

	RateLimit int // requests per second across all workers
	Workers   int
	SaveEvery int

	FullUpdateInterval time.Duration

	MasterPath     string
	SnapshotPath   string
	CheckpointPath string
	DeletedLogPath string
	MarkerPath     string
	CleanedPath    string
	AfricaPath     string
	DBPath         string

	LogLevel string
}

func Load(logger zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg(".env file not found, using environment variables or defaults")
	}

	cfg := &Config{
		BaseURL:            getEnv("CHESS_API_BASE_URL", "https://api.chess.com/pub"),
		UserAgent:          getEnv("CHESS_API_USER_AGENT", ""),
		CountryCode:        getEnv("COUNTRY_CODE", "KE"),
		RateLimit:          getEnvInt("RATE_LIMIT", constants.DefaultRateLimit, logger),
		Workers:            getEnvInt("WORKERS", constants.DefaultWorkers, logger),
		SaveEvery:          getEnvInt("SAVE_EVERY", constants.SaveInterval, logger),
		FullUpdateInterval: constants.FullUpdateInterval,
		MasterPath:         getEnv("MASTER_PATH", "data/master_players.csv"),
		SnapshotPath:       getEnv("SNAPSHOT_PATH", "data/players_snapshot.csv"),
		CheckpointPath:     getEnv("CHECKPOINT_PATH", "data/players.checkpoint"),
		DeletedLogPath:     getEnv("DELETED_LOG_PATH", "data/deleted_players.log"),
		MarkerPath:         getEnv("MARKER_PATH", "data/last_full_update.txt"),
		CleanedPath:        getEnv("CLEANED_PATH", "data/cleaned_players.csv"),
		AfricaPath:         getEnv("AFRICA_PATH", "data/african_player_counts.csv"),
		DBPath:             getEnv("DB_PATH", "data/chess_players.db"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}

	// The API's usage policy requires a descriptive client identifier with a
	// way to reach the operator.
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("CHESS_API_USER_AGENT is required (e.g. \"chess-ledger (contact: you@example.com)\")")
	}
	if cfg.RateLimit <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT must be positive, got %d", cfg.RateLimit)
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("WORKERS must be positive, got %d", cfg.Workers)
	}
	if cfg.SaveEvery <= 0 {
		return nil, fmt.Errorf("SAVE_EVERY must be positive, got %d", cfg.SaveEvery)
	}

	log.SetLevel(cfg.LogLevel)

	logger.Info().
		Str("base_url", cfg.BaseURL).
		Str("country", cfg.CountryCode).
		Int("rate_limit", cfg.RateLimit).
		Int("workers", cfg.Workers).
		Int("save_every", cfg.SaveEvery).
		Str("master_path", cfg.MasterPath).
		Str("snapshot_path", cfg.SnapshotPath).
		Str("log_level", cfg.LogLevel).
		Msg("configuration loaded")

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int, logger zerolog.Logger) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Msg("invalid integer in environment, using default")
		return fallback
	}
	return n
}

var Module = fx.Provide(Load)
