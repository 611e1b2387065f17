package server

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Tyrowin/cohortchat/internal/relay"
	"github.com/Tyrowin/cohortchat/internal/store"
)

// RateLimitConfig allows Burst inbound frames per RefillInterval on each connection.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  slog.Level
	Format string // "text" or "json"
}

// Config is the process configuration.
type Config struct {
	Port           string
	AllowedOrigins []string
	// MaxMessageSize is the WebSocket read limit and the HTTP body limit in
	// bytes. It is raised to relay.MaxFrameSize when smaller.
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	// SendBufferSize is the number of outbound frames queued per connection
	// before deliveries to it are dropped.
	SendBufferSize int

	PersistTimeout  time.Duration
	ShutdownTimeout time.Duration

	Database      store.Config
	UsersSeedFile string

	Log LogConfig
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 32 << 10,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		SendBufferSize:  256,
		PersistTimeout:  relay.DefaultPersistTimeout,
		ShutdownTimeout: 10 * time.Second,
		Database: store.Config{
			Path: "cohortchat.db",
		},
		Log: LogConfig{
			Level:  slog.LevelInfo,
			Format: "text",
		},
	}
}

// sanitize replaces unusable values with defaults and normalizes origins.
func (cfg Config) sanitize() Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	// A frame carrying a valid message must never trip the read limit.
	if cfg.MaxMessageSize < relay.MaxFrameSize {
		cfg.MaxMessageSize = relay.MaxFrameSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.Log.Format != "json" {
		cfg.Log.Format = "text"
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig returns the defaults.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadDotEnv loads variables from the given .env files (".env" when none are
// named) without overriding variables already set. Missing files are
// ignored.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			slog.Warn("failed to load env file", "file", f, "error", err)
		}
	}
}

// NewConfigFromEnv overlays the environment on the defaults. Unset or
// unparsable variables keep their default.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseDuration(interval, cfg.RateLimit.RefillInterval)
	}
	if size := os.Getenv("SEND_BUFFER_SIZE"); size != "" {
		cfg.SendBufferSize = parseIntValue(size, cfg.SendBufferSize)
	}
	if timeout := os.Getenv("PERSIST_TIMEOUT"); timeout != "" {
		cfg.PersistTimeout = parseDuration(timeout, cfg.PersistTimeout)
	}
	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseDuration(timeout, cfg.ShutdownTimeout)
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.Database.Path = path
	}
	cfg.Database.Debug = parseBool(os.Getenv("DB_DEBUG"))
	cfg.UsersSeedFile = os.Getenv("USERS_SEED_FILE")
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = parseLogLevel(level, cfg.Log.Level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Log.Format = strings.ToLower(strings.TrimSpace(format))
	}

	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts a Go duration ("250ms", "2s") or a whole number of
// seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func parseBool(value string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	return err == nil && b
}

func parseLogLevel(value string, defaultValue slog.Level) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return defaultValue
	}
	return level
}
