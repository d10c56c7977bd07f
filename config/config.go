package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration.
type Config struct {
	HTTPPort int
	GRPCPort int
	LogLevel string

	DatabaseURL string
	MaxDBConns  int32
	RedisURL    string

	JWTSecret string

	KafkaBrokers []string
	KafkaTopics  map[string]string

	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
	// TrustProxyHeaders keys rate limiting on X-Forwarded-For. Enable only
	// behind a proxy that overwrites the header.
	TrustProxyHeaders bool

	// SigningStatuses lists dispute statuses in which parties may sign.
	SigningStatuses []string
	// RequireSignatures gates admin approval on both party signatures.
	RequireSignatures bool
	// AdminEmail, when set, is promoted to (or created as) an admin at startup.
	AdminEmail    string
	AdminPassword string

	OutboxBatchSize   int
	OutboxMaxAttempts int
	OutboxInterval    time.Duration

	AIBaseURL          string
	AIAPIKey           string
	AIModel            string
	AITimeout          time.Duration
	AIGenerateOnCreate bool

	EmailJSServiceID  string
	EmailJSPublicKey  string
	EmailJSPrivateKey string
	EmailJSTemplates  map[string]string
}

// fileConfig mirrors the YAML layout.
type fileConfig struct {
	Server struct {
		HTTPPort     int     `yaml:"http_port"`
		GRPCPort     int     `yaml:"grpc_port"`
		LogLevel     string  `yaml:"log_level"`
		RateLimitRPS float64 `yaml:"rate_limit_rps"`
		RateBurst    int     `yaml:"rate_limit_burst"`
		MaxBodyBytes int64   `yaml:"max_body_bytes"`
		TrustProxy   *bool   `yaml:"trust_proxy_headers"`
	} `yaml:"server"`
	Database struct {
		URL      string `yaml:"url"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Kafka struct {
		Brokers []string          `yaml:"brokers"`
		Topics  map[string]string `yaml:"topics"`
	} `yaml:"kafka"`
	Signing struct {
		Statuses []string `yaml:"statuses"`
	} `yaml:"signing"`
	Admin struct {
		RequireSignatures *bool  `yaml:"require_signatures"`
		BootstrapEmail    string `yaml:"bootstrap_email"`
		BootstrapPassword string `yaml:"bootstrap_password"`
	} `yaml:"admin"`
	Outbox struct {
		BatchSize   int    `yaml:"batch_size"`
		MaxAttempts int    `yaml:"max_attempts"`
		Interval    string `yaml:"interval"`
	} `yaml:"outbox"`
	AI struct {
		BaseURL          string `yaml:"base_url"`
		APIKey           string `yaml:"api_key"`
		Model            string `yaml:"model"`
		Timeout          string `yaml:"timeout"`
		GenerateOnCreate *bool  `yaml:"generate_on_create"`
	} `yaml:"ai"`
	EmailJS struct {
		ServiceID  string            `yaml:"service_id"`
		PublicKey  string            `yaml:"public_key"`
		PrivateKey string            `yaml:"private_key"`
		Templates  map[string]string `yaml:"templates"`
	} `yaml:"emailjs"`
}

// Load resolves configuration in priority order: defaults, then the YAML
// file at path (optional), then environment variables.
func Load(path string) (Config, error) {
	cfg := Config{
		HTTPPort:          8080,
		GRPCPort:          9090,
		LogLevel:          "info",
		MaxDBConns:        20,
		RateLimitRPS:      20,
		RateLimitBurst:    40,
		MaxBodyBytes:      1 << 20,
		SigningStatuses:   []string{"PendingApproval"},
		RequireSignatures: true,
		OutboxBatchSize:   50,
		OutboxMaxAttempts: 5,
		OutboxInterval:    2 * time.Second,
		AIBaseURL:         "https://api.openai.com/v1",
		AIModel:           "gpt-4o-mini",
		AITimeout:         30 * time.Second,
		KafkaTopics:       map[string]string{},
		EmailJSTemplates:  map[string]string{},
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.applyFile(raw); err != nil {
				return Config{}, err
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(raw []byte) error {
	var f fileConfig
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: parse file: %w", err)
	}

	if f.Server.HTTPPort > 0 {
		c.HTTPPort = f.Server.HTTPPort
	}
	if f.Server.GRPCPort > 0 {
		c.GRPCPort = f.Server.GRPCPort
	}
	if f.Server.LogLevel != "" {
		c.LogLevel = f.Server.LogLevel
	}
	if f.Server.RateLimitRPS > 0 {
		c.RateLimitRPS = f.Server.RateLimitRPS
	}
	if f.Server.RateBurst > 0 {
		c.RateLimitBurst = f.Server.RateBurst
	}
	if f.Server.MaxBodyBytes > 0 {
		c.MaxBodyBytes = f.Server.MaxBodyBytes
	}
	if f.Server.TrustProxy != nil {
		c.TrustProxyHeaders = *f.Server.TrustProxy
	}
	if f.Database.URL != "" {
		c.DatabaseURL = f.Database.URL
	}
	if f.Database.MaxConns > 0 {
		c.MaxDBConns = f.Database.MaxConns
	}
	if f.Redis.URL != "" {
		c.RedisURL = f.Redis.URL
	}
	if f.Auth.JWTSecret != "" {
		c.JWTSecret = f.Auth.JWTSecret
	}
	if len(f.Kafka.Brokers) > 0 {
		c.KafkaBrokers = f.Kafka.Brokers
	}
	for k, v := range f.Kafka.Topics {
		c.KafkaTopics[k] = v
	}
	if len(f.Signing.Statuses) > 0 {
		c.SigningStatuses = f.Signing.Statuses
	}
	if f.Admin.RequireSignatures != nil {
		c.RequireSignatures = *f.Admin.RequireSignatures
	}
	c.AdminEmail = orDefault(f.Admin.BootstrapEmail, c.AdminEmail)
	c.AdminPassword = orDefault(f.Admin.BootstrapPassword, c.AdminPassword)
	if f.Outbox.BatchSize > 0 {
		c.OutboxBatchSize = f.Outbox.BatchSize
	}
	if f.Outbox.MaxAttempts > 0 {
		c.OutboxMaxAttempts = f.Outbox.MaxAttempts
	}
	if f.Outbox.Interval != "" {
		d, err := time.ParseDuration(f.Outbox.Interval)
		if err != nil {
			return fmt.Errorf("config: outbox.interval: %w", err)
		}
		c.OutboxInterval = d
	}
	if f.AI.BaseURL != "" {
		c.AIBaseURL = f.AI.BaseURL
	}
	if f.AI.APIKey != "" {
		c.AIAPIKey = f.AI.APIKey
	}
	if f.AI.Model != "" {
		c.AIModel = f.AI.Model
	}
	if f.AI.Timeout != "" {
		d, err := time.ParseDuration(f.AI.Timeout)
		if err != nil {
			return fmt.Errorf("config: ai.timeout: %w", err)
		}
		c.AITimeout = d
	}
	if f.AI.GenerateOnCreate != nil {
		c.AIGenerateOnCreate = *f.AI.GenerateOnCreate
	}
	c.EmailJSServiceID = orDefault(f.EmailJS.ServiceID, c.EmailJSServiceID)
	c.EmailJSPublicKey = orDefault(f.EmailJS.PublicKey, c.EmailJSPublicKey)
	c.EmailJSPrivateKey = orDefault(f.EmailJS.PrivateKey, c.EmailJSPrivateKey)
	for k, v := range f.EmailJS.Templates {
		c.EmailJSTemplates[k] = v
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPPort = envInt("HTTP_PORT", c.HTTPPort)
	c.GRPCPort = envInt("GRPC_PORT", c.GRPCPort)
	c.LogLevel = envOrDefault("LOG_LEVEL", c.LogLevel)
	c.DatabaseURL = envOrDefault("DATABASE_URL", c.DatabaseURL)
	c.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(c.MaxDBConns)))
	c.RedisURL = envOrDefault("REDIS_URL", c.RedisURL)
	c.JWTSecret = envOrDefault("JWT_SECRET", c.JWTSecret)
	c.KafkaBrokers = envCSV("KAFKA_BROKERS", c.KafkaBrokers)
	c.SigningStatuses = envCSV("SIGNING_STATUSES", c.SigningStatuses)
	c.RequireSignatures = envBool("ADMIN_REQUIRE_SIGNATURES", c.RequireSignatures)
	c.AdminEmail = envOrDefault("ADMIN_BOOTSTRAP_EMAIL", c.AdminEmail)
	c.AdminPassword = envOrDefault("ADMIN_BOOTSTRAP_PASSWORD", c.AdminPassword)
	c.TrustProxyHeaders = envBool("TRUST_PROXY_HEADERS", c.TrustProxyHeaders)
	c.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", c.OutboxBatchSize)
	c.OutboxMaxAttempts = envInt("OUTBOX_MAX_ATTEMPTS", c.OutboxMaxAttempts)
	c.OutboxInterval = time.Duration(envInt("OUTBOX_POLL_MILLIS", int(c.OutboxInterval.Milliseconds()))) * time.Millisecond

	c.AIBaseURL = envOrDefault("AI_BASE_URL", c.AIBaseURL)
	c.AIAPIKey = envOrDefault("AI_API_KEY", c.AIAPIKey)
	c.AIModel = envOrDefault("AI_MODEL", c.AIModel)
	c.AITimeout = time.Duration(envInt("AI_TIMEOUT_SECONDS", int(c.AITimeout.Seconds()))) * time.Second
	c.AIGenerateOnCreate = envBool("AI_GENERATE_ON_CREATE", c.AIGenerateOnCreate)

	c.EmailJSServiceID = envOrDefault("EMAILJS_SERVICE_ID", c.EmailJSServiceID)
	c.EmailJSPublicKey = envOrDefault("EMAILJS_PUBLIC_KEY", c.EmailJSPublicKey)
	c.EmailJSPrivateKey = envOrDefault("EMAILJS_PRIVATE_KEY", c.EmailJSPrivateKey)
	for _, name := range templateNames {
		key := "EMAILJS_TEMPLATE_" + strings.ToUpper(name)
		if v := os.Getenv(key); v != "" {
			c.EmailJSTemplates[name] = v
		}
	}
}

// templateNames are the e-mail templates that may be set from the environment.
var templateNames = []string{
	"dispute_filed", "confirmation", "accepted", "rejected", "proposal",
	"resolution_approved", "resolution_rejected", "escalation_resolved", "dispute_dropped",
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: missing DATABASE_URL")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config: missing JWT_SECRET")
	}
	if c.HTTPPort <= 0 || c.GRPCPort <= 0 {
		return fmt.Errorf("config: ports must be positive")
	}
	if len(c.SigningStatuses) == 0 {
		return fmt.Errorf("config: signing.statuses must not be empty")
	}
	return nil
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		switch strings.ToLower(raw) {
		case "yes":
			return true
		case "no":
			return false
		}
		return fallback
	}
	return v
}

// envCSV parses comma-separated env vars and drops empty segments.
func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
