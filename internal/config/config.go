// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage, authentication, chat pricing and idle detection, rate
// limiting, the event bus and observability.
//
// Values may also come from a TOML file named by CONFIG_FILE. Its keys are
// the environment variable names; a variable set in the environment always
// wins over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// AuthConfig selects how callers are identified.
type AuthConfig struct {
	Mode      string // AUTH_MODE: header|jwt
	JWTSecret string // JWT_SECRET, HS256 key
	JWTIssuer string // JWT_ISSUER, checked when set
}

// ChatConfig holds pricing, limits and idle detection settings.
type ChatConfig struct {
	MessageCost     int64         // MESSAGE_COST, default credits per real-user message
	MaxMessageRunes int           // MAX_MESSAGE_RUNES
	MaxNotesRunes   int           // MAX_NOTES_RUNES
	IdleThreshold   time.Duration // IDLE_THRESHOLD
	SweepSchedule   string        // SWEEP_SCHEDULE, cron spec or @every
	SweepBatch      int           // SWEEP_BATCH
	AuditMode       string        // AUDIT_MODE: best_effort|strict
}

// KafkaConfig configures the chat event publisher.
type KafkaConfig struct {
	Enabled  bool
	Brokers  []string
	Topic    string
	ClientID string
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	ShutdownTimeout   time.Duration // graceful drain window
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	LogFile        string // optional rotating file sink
	LogMaxSizeMB   int
	LogMaxBackups  int
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	DBDriver string // sqlite|mysql
	DBDSN    string // sqlite path or mysql DSN

	Auth AuthConfig
	Chat ChatConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	Kafka KafkaConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from the environment and the optional CONFIG_FILE,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	src, err := newSource(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		// Server
		Port:              src.str("PORT", "8080"),
		ReadTimeout:       src.dur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: src.dur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      src.dur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       src.dur("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   src.dur("SHUTDOWN_TIMEOUT", 15*time.Second),
		MaxHeaderBytes:    src.int("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(src.str("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(src.str("LOG_LEVEL", "info")),
		LogPretty:      src.bool("LOG_PRETTY", false),
		LogFile:        src.str("LOG_FILE", ""),
		LogMaxSizeMB:   src.int("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups:  src.int("LOG_MAX_BACKUPS", 5),
		SwaggerEnabled: src.bool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(src.str("API_BASE_PATH", "/api/v1")),

		// Storage
		DBDriver: strings.ToLower(src.str("DB_DRIVER", "sqlite")),
		DBDSN:    src.str("DB_DSN", src.str("DB_PATH", "app.db")),

		Auth: AuthConfig{
			Mode:      strings.ToLower(src.str("AUTH_MODE", "header")),
			JWTSecret: src.str("JWT_SECRET", ""),
			JWTIssuer: src.str("JWT_ISSUER", ""),
		},

		Chat: ChatConfig{
			MessageCost:     int64(src.int("MESSAGE_COST", 1)),
			MaxMessageRunes: src.int("MAX_MESSAGE_RUNES", 5000),
			MaxNotesRunes:   src.int("MAX_NOTES_RUNES", 10000),
			IdleThreshold:   src.dur("IDLE_THRESHOLD", time.Minute),
			SweepSchedule:   src.str("SWEEP_SCHEDULE", "@every 10s"),
			SweepBatch:      src.int("SWEEP_BATCH", 500),
			AuditMode:       strings.ToLower(src.str("AUDIT_MODE", "best_effort")),
		},

		// Rate limiting
		RateRPS:   src.float("RATE_RPS", 5.0),
		RateBurst: src.int("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(src.str("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: src.bool("ENABLE_HSTS", false),
			HSTSMaxAge: src.dur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: src.dur("IDEMPOTENCY_TTL", 24*time.Hour),

		Kafka: KafkaConfig{
			Enabled:  src.bool("KAFKA_ENABLED", false),
			Brokers:  splitCSV(src.str("KAFKA_BROKERS", "")),
			Topic:    src.str("KAFKA_TOPIC", "chat-events"),
			ClientID: src.str("KAFKA_CLIENT_ID", "persona-chat"),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     src.bool("OTEL_ENABLED", false),
			Endpoint:    src.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    src.bool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: src.str("OTEL_SERVICE_NAME", "persona-chat-backend"),
			SampleRatio: src.float("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	return cfg, cfg.validate()
}

func (cfg Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 || cfg.ShutdownTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.LogMaxSizeMB <= 0 || cfg.LogMaxBackups < 0 {
		return errors.New("LOG_MAX_SIZE_MB must be > 0 and LOG_MAX_BACKUPS >= 0")
	}

	switch cfg.DBDriver {
	case "sqlite", "mysql":
	default:
		return errors.New("DB_DRIVER must be sqlite or mysql")
	}
	if strings.TrimSpace(cfg.DBDSN) == "" {
		return errors.New("DB_DSN must not be empty")
	}

	switch cfg.Auth.Mode {
	case "header":
	case "jwt":
		if cfg.Auth.JWTSecret == "" {
			return errors.New("JWT_SECRET is required when AUTH_MODE=jwt")
		}
	default:
		return errors.New("AUTH_MODE must be header or jwt")
	}

	if cfg.Chat.MessageCost < 1 {
		return errors.New("MESSAGE_COST must be >= 1")
	}
	if cfg.Chat.MaxMessageRunes < 1 || cfg.Chat.MaxNotesRunes < 1 {
		return errors.New("MAX_MESSAGE_RUNES and MAX_NOTES_RUNES must be >= 1")
	}
	if cfg.Chat.IdleThreshold <= 0 {
		return errors.New("IDLE_THRESHOLD must be > 0")
	}
	if strings.TrimSpace(cfg.Chat.SweepSchedule) == "" {
		return errors.New("SWEEP_SCHEDULE must not be empty")
	}
	if cfg.Chat.SweepBatch < 1 {
		return errors.New("SWEEP_BATCH must be >= 1")
	}
	switch cfg.Chat.AuditMode {
	case "best_effort", "strict":
	default:
		return errors.New("AUDIT_MODE must be best_effort or strict")
	}

	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.Kafka.Enabled && (len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "") {
		return errors.New("KAFKA_BROKERS and KAFKA_TOPIC are required when KAFKA_ENABLED")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// ---- value source: environment over file ----

type source struct {
	file map[string]any
}

func newSource(path string) (source, error) {
	s := source{file: map[string]any{}}
	if path == "" {
		return s, nil
	}
	if _, err := toml.DecodeFile(path, &s.file); err != nil {
		return s, fmt.Errorf("config: read %s: %w", path, err)
	}
	return s, nil
}

func (s source) lookup(k string) (string, bool) {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v, true
	}
	v, ok := s.file[k]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, t != ""
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ","), len(parts) > 0
	default:
		return fmt.Sprint(t), true
	}
}

func (s source) str(k, def string) string {
	if v, ok := s.lookup(k); ok {
		return v
	}
	return def
}

func (s source) float(k string, def float64) float64 {
	if v, ok := s.lookup(k); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (s source) int(k string, def int) int {
	if v, ok := s.lookup(k); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func (s source) bool(k string, def bool) bool {
	if v, ok := s.lookup(k); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func (s source) dur(k string, def time.Duration) time.Duration {
	if v, ok := s.lookup(k); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
