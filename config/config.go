package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration
type Config struct {
	Port            int
	RedisURL        string
	RedisPassword   string
	MaxSessions     int
	SessionTimeout  time.Duration
	AllowedOrigins  []string
	KeepAlivePeriod time.Duration
	MaxBufferSize   int // Maximum pending capture bytes per bridge session

	GeminiAPIKey       string
	GeminiModel        string // empty selects the connector default
	GeminiVoice        string // empty selects the connector default
	SystemInstruction  string // empty selects the PacientIA persona
	SendQueueSize      int    // Outbound frames buffered while the connection opens
	LiveConnectTimeout time.Duration

	LogLevel  string // "debug", "info", "warn", "error"
	LogFormat string // "text" or "json"
	SoxPath   string
}

// Default returns the configuration used when no variable is set
func Default() *Config {
	return &Config{
		Port:            8080,
		RedisURL:        "localhost:6379",
		MaxSessions:     100,
		SessionTimeout:  30 * time.Minute,
		AllowedOrigins:  []string{"*"},
		KeepAlivePeriod: 30 * time.Second,
		MaxBufferSize:   5 * 1024 * 1024, // 5MB default
		SendQueueSize:   64,
		LogLevel:        "info",
		LogFormat:       "text",
		SoxPath:         "sox",
	}
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := Default()

	// Required: GEMINI_API_KEY
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if config.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	// Optional strings
	config.GeminiModel = os.Getenv("GEMINI_MODEL")
	config.GeminiVoice = os.Getenv("GEMINI_VOICE")
	config.SystemInstruction = os.Getenv("SYSTEM_INSTRUCTION")
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.RedisURL = redisURL
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.RedisPassword = redisPassword
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.LogLevel = strings.ToLower(level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.LogFormat = strings.ToLower(format)
	}
	if sox := os.Getenv("SOX_PATH"); sox != "" {
		config.SoxPath = sox
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				config.AllowedOrigins = append(config.AllowedOrigins, o)
			}
		}
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"PORT", &config.Port},
		{"MAX_SESSIONS", &config.MaxSessions},
		{"MAX_BUFFER_SIZE", &config.MaxBufferSize}, // bytes
		{"SEND_QUEUE_SIZE", &config.SendQueueSize}, // frames
	}
	for _, v := range ints {
		raw := os.Getenv(v.env)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", v.env, err)
		}
		*v.dst = n
	}

	durations := []struct {
		env  string
		unit time.Duration
		dst  *time.Duration
	}{
		{"SESSION_TIMEOUT", time.Minute, &config.SessionTimeout},
		{"KEEPALIVE_PERIOD", time.Second, &config.KeepAlivePeriod},
		{"LIVE_CONNECT_TIMEOUT", time.Second, &config.LiveConnectTimeout},
	}
	for _, v := range durations {
		raw := os.Getenv(v.env)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", v.env, err)
		}
		*v.dst = time.Duration(n) * v.unit
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate reports every out-of-range value at once
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("MAX_SESSIONS must be positive, got %d", c.MaxSessions))
	}
	if c.MaxBufferSize < 1 {
		errs = append(errs, fmt.Errorf("MAX_BUFFER_SIZE must be positive, got %d", c.MaxBufferSize))
	}
	if c.SendQueueSize < 1 {
		errs = append(errs, fmt.Errorf("SEND_QUEUE_SIZE must be positive, got %d", c.SendQueueSize))
	}
	if c.SessionTimeout <= 0 {
		errs = append(errs, errors.New("SESSION_TIMEOUT must be positive"))
	}
	if c.LiveConnectTimeout < 0 {
		errs = append(errs, errors.New("LIVE_CONNECT_TIMEOUT must not be negative"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be 'text' or 'json', got %q", c.LogFormat))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel))
	}
	return errors.Join(errs...)
}
