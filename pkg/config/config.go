package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration, loaded from environment variables.
type Config struct {
	Port     string
	BaseURL  string
	LogLevel string
	// LogPretty selects a human-readable text handler instead of JSON.
	LogPretty bool

	// DatabaseURL is the unprivileged application DSN. Every user-scoped
	// query runs through it; the role behind it must not hold BYPASSRLS.
	DatabaseURL string
	// AdminDatabaseURL is the privileged DSN used only for schema setup,
	// policy installation and global catalog ingest.
	AdminDatabaseURL string

	// AdminToken, when set, lets a bearer of it act as a synthesised
	// admiral without a session.
	AdminToken string
	// InviteSigningKey validates legacy invite-tenant tokens.
	InviteSigningKey string

	SMTPHost string
	SMTPPort string
	SMTPUser string
	SMTPPass string
	SMTPFrom string

	RedisAddr string

	LLMServiceURL string
	LLMAPIKey     string
	LLMModel      string

	OTLPEndpoint string

	// S3Bucket, when set, enables raw import payload archival.
	S3Bucket string

	// ProposalTTL bounds how long a proposed mutation stays confirmable.
	ProposalTTL time.Duration
	// APITimeout bounds normal API calls; ToolTimeout bounds tool execution.
	APITimeout  time.Duration
	ToolTimeout time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:             getenv("PORT", "8080"),
		BaseURL:          getenv("BASE_URL", "http://localhost:8080"),
		LogLevel:         getenv("LOG_LEVEL", "INFO"),
		LogPretty:        os.Getenv("LOG_PRETTY") == "true",
		DatabaseURL:      getenv("DATABASE_URL", "postgres://majel_app@localhost:5432/majel?sslmode=disable"),
		AdminDatabaseURL: os.Getenv("ADMIN_DATABASE_URL"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		InviteSigningKey: os.Getenv("INVITE_SIGNING_KEY"),
		SMTPHost:         os.Getenv("SMTP_HOST"),
		SMTPPort:         getenv("SMTP_PORT", "587"),
		SMTPUser:         os.Getenv("SMTP_USER"),
		SMTPPass:         os.Getenv("SMTP_PASS"),
		SMTPFrom:         os.Getenv("SMTP_FROM"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		LLMServiceURL:    getenv("LLM_SERVICE_URL", "https://api.openai.com/v1/chat/completions"),
		LLMAPIKey:        os.Getenv("LLM_API_KEY"),
		LLMModel:         getenv("LLM_MODEL", "gpt-4o-mini"),
		OTLPEndpoint:     os.Getenv("OTLP_ENDPOINT"),
		S3Bucket:         os.Getenv("S3_IMPORT_BUCKET"),
		ProposalTTL:      getdur("PROPOSAL_TTL_MINUTES", 15) * time.Minute,
		APITimeout:       getdur("API_TIMEOUT_SECONDS", 60) * time.Second,
		ToolTimeout:      getdur("TOOL_TIMEOUT_MINUTES", 10) * time.Minute,
	}
	if cfg.AdminDatabaseURL == "" {
		// Single-role dev setups run DDL over the same DSN. RLS isolation
		// tests require a real split.
		cfg.AdminDatabaseURL = cfg.DatabaseURL
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getdur(key string, fallback int64) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return time.Duration(n)
		}
	}
	return time.Duration(fallback)
}
