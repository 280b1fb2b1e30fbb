package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/video-stream/subsync/internal/stream"
	"github.com/video-stream/subsync/internal/subtitle/whisper"
)

type Config struct {
	Port          int      `yaml:"port"`
	DataPath      string   `yaml:"data_path"`
	DBPath        string   `yaml:"db_path"`
	DocumentsPath string   `yaml:"documents_path"`
	TempPath      string   `yaml:"temp_path"`
	JWTSecret     string   `yaml:"jwt_secret"`
	AdminUsername string   `yaml:"admin_username"`
	AdminPassword string   `yaml:"admin_password"`
	CORSOrigins   []string `yaml:"cors_origins"`

	StreamStrategy   string `yaml:"stream_strategy"`
	TranscribeEngine string `yaml:"transcribe_engine"`
	TranscribeLocale string `yaml:"transcribe_locale"`
	WhisperURL       string `yaml:"whisper_url"`
	WhisperCLIPath   string `yaml:"whisper_cli_path"`
	WhisperModelPath string `yaml:"whisper_model_path"`
	WhisperModelURL  string `yaml:"whisper_model_url"`
	OpenAIKey        string `yaml:"openai_api_key"`
	FFmpegPath       string `yaml:"ffmpeg_path"`
	FFprobePath      string `yaml:"ffprobe_path"`

	DownloadIdleTimeout   time.Duration `yaml:"download_idle_timeout"`
	DownloadFlushBytes    int64         `yaml:"download_flush_bytes"`
	DownloadFlushInterval time.Duration `yaml:"download_flush_interval"`
	DownloadMinFreeBytes  int64         `yaml:"download_min_free_bytes"`
	TempCleanupAfter      time.Duration `yaml:"temp_cleanup_after"`
	LoginRateLimit        int           `yaml:"login_rate_limit"`

	// Strategy is StreamStrategy parsed by validate.
	Strategy stream.Strategy `yaml:"-"`
}

func defaults() *Config {
	return &Config{
		Port:                  8080,
		DataPath:              "/data",
		AdminUsername:         "admin",
		AdminPassword:         "admin",
		CORSOrigins:           []string{"*"},
		StreamStrategy:        "medium",
		TranscribeEngine:      whisper.EngineCLI,
		TranscribeLocale:      "auto",
		WhisperCLIPath:        "whisper-cli",
		FFmpegPath:            "ffmpeg",
		FFprobePath:           "ffprobe",
		DownloadIdleTimeout:   30 * time.Second,
		DownloadFlushBytes:    512 << 10,
		DownloadFlushInterval: 500 * time.Millisecond,
		DownloadMinFreeBytes:  64 << 20,
		TempCleanupAfter:      6 * time.Hour,
		LoginRateLimit:        10,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.Port = getEnvInt("PORT", cfg.Port)
	cfg.DataPath = getEnv("DATA_PATH", cfg.DataPath)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.DocumentsPath = getEnv("DOCUMENTS_PATH", cfg.DocumentsPath)
	cfg.TempPath = getEnv("TEMP_PATH", cfg.TempPath)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.AdminUsername = getEnv("ADMIN_USERNAME", cfg.AdminUsername)
	cfg.AdminPassword = getEnv("ADMIN_PASSWORD", cfg.AdminPassword)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}

	cfg.StreamStrategy = getEnv("STREAM_STRATEGY", cfg.StreamStrategy)
	cfg.TranscribeEngine = getEnv("TRANSCRIBE_ENGINE", cfg.TranscribeEngine)
	cfg.TranscribeLocale = getEnv("TRANSCRIBE_LOCALE", cfg.TranscribeLocale)
	cfg.WhisperURL = getEnv("WHISPER_URL", cfg.WhisperURL)
	cfg.WhisperCLIPath = getEnv("WHISPER_CLI_PATH", cfg.WhisperCLIPath)
	cfg.WhisperModelPath = getEnv("WHISPER_MODEL_PATH", cfg.WhisperModelPath)
	cfg.WhisperModelURL = getEnv("WHISPER_MODEL_URL", cfg.WhisperModelURL)
	cfg.OpenAIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIKey)
	cfg.FFmpegPath = getEnv("FFMPEG_PATH", cfg.FFmpegPath)
	cfg.FFprobePath = getEnv("FFPROBE_PATH", cfg.FFprobePath)

	cfg.DownloadIdleTimeout = getEnvDuration("DOWNLOAD_IDLE_TIMEOUT", cfg.DownloadIdleTimeout)
	cfg.DownloadFlushBytes = int64(getEnvInt("DOWNLOAD_FLUSH_BYTES", int(cfg.DownloadFlushBytes)))
	cfg.DownloadFlushInterval = getEnvDuration("DOWNLOAD_FLUSH_INTERVAL", cfg.DownloadFlushInterval)
	cfg.DownloadMinFreeBytes = int64(getEnvInt("DOWNLOAD_MIN_FREE_BYTES", int(cfg.DownloadMinFreeBytes)))
	cfg.TempCleanupAfter = getEnvDuration("TEMP_CLEANUP_AFTER", cfg.TempCleanupAfter)
	cfg.LoginRateLimit = getEnvInt("LOGIN_RATE_LIMIT", cfg.LoginRateLimit)

	// Paths that default relative to DATA_PATH.
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataPath, "subsync.db")
	}
	if cfg.DocumentsPath == "" {
		cfg.DocumentsPath = filepath.Join(cfg.DataPath, "documents")
	}
	if cfg.TempPath == "" {
		cfg.TempPath = filepath.Join(cfg.DataPath, "tmp")
	}
	if cfg.WhisperModelPath == "" && cfg.TranscribeEngine == whisper.EngineCLI {
		cfg.WhisperModelPath = filepath.Join(cfg.DataPath, "models", "ggml-base.bin")
	}

	if cfg.JWTSecret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generate JWT secret: %w", err)
		}
		cfg.JWTSecret = hex.EncodeToString(b)
		log.Println("WARNING: JWT_SECRET not set, using random secret. Sessions will not survive restarts.")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	strategy, err := stream.ParseStrategy(c.StreamStrategy)
	if err != nil {
		return err
	}
	c.Strategy = strategy

	switch c.TranscribeEngine {
	case whisper.EngineCLI:
	case whisper.EngineServer:
		if c.WhisperURL == "" {
			return fmt.Errorf("TRANSCRIBE_ENGINE=%s requires WHISPER_URL", c.TranscribeEngine)
		}
	case whisper.EngineOpenAI:
		if c.OpenAIKey == "" {
			return fmt.Errorf("TRANSCRIBE_ENGINE=%s requires OPENAI_API_KEY", c.TranscribeEngine)
		}
	default:
		return fmt.Errorf("unknown TRANSCRIBE_ENGINE %q", c.TranscribeEngine)
	}

	if c.DownloadIdleTimeout <= 0 {
		return fmt.Errorf("DOWNLOAD_IDLE_TIMEOUT must be positive")
	}
	if c.DownloadFlushBytes <= 0 || c.DownloadFlushInterval <= 0 {
		return fmt.Errorf("download flush thresholds must be positive")
	}
	if c.DownloadMinFreeBytes < 0 {
		return fmt.Errorf("DOWNLOAD_MIN_FREE_BYTES must not be negative")
	}
	if c.LoginRateLimit <= 0 {
		return fmt.Errorf("LOGIN_RATE_LIMIT must be positive")
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("45s") or plain seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
	return fallback
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
