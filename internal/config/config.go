package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the threatdesk server.
type Config struct {
	Port      int
	Version   string
	DevMode   bool
	Database  DatabaseConfig
	Model     ModelConfig
	Tools     ToolsConfig
	Auth      AuthConfig
	Telemetry TelemetryConfig
	Retention RetentionConfig
}

type RetentionConfig struct {
	// Interval between purge cycles; zero disables the janitor.
	Interval time.Duration
}

type DatabaseConfig struct {
	// URL empty selects the in-memory store with snapshot persistence.
	URL            string
	MaxConnections int
}

type ModelConfig struct {
	// Provider is "anthropic" or "bedrock".
	Provider      string
	Model         string
	APIKey        string
	BedrockRegion string
	MaxTokens     int
	Temperature   float64
	MaxIterations int
}

type ToolsConfig struct {
	NVDBaseURL           string
	KEVFeedURL           string
	EPSSBaseURL          string
	ExtensionRiskBaseURL string
	Timeout              time.Duration
	MaxRetries           int
}

type AuthConfig struct {
	// TrustGatewayHeaders enables the identity-header provider; only safe
	// behind a gateway that strips inbound identity headers.
	TrustGatewayHeaders bool
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("THREATDESK_PORT", 8080),
		Version: envStr("THREATDESK_VERSION", "0.1.0"),
		DevMode: envBool("THREATDESK_DEV_MODE", false),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Model: ModelConfig{
			Provider:      envStr("THREATDESK_MODEL_PROVIDER", "anthropic"),
			Model:         envStr("THREATDESK_MODEL", "claude-sonnet-4-5"),
			APIKey:        envStr("ANTHROPIC_API_KEY", ""),
			BedrockRegion: envStr("THREATDESK_BEDROCK_REGION", "us-east-1"),
			MaxTokens:     envInt("THREATDESK_MODEL_MAX_TOKENS", 1024),
			Temperature:   envFloat("THREATDESK_MODEL_TEMPERATURE", 0.2),
			MaxIterations: envInt("THREATDESK_MAX_ITERATIONS", 10),
		},
		Tools: ToolsConfig{
			NVDBaseURL:           envStr("THREATDESK_NVD_URL", "https://services.nvd.nist.gov/rest/json/cves/2.0"),
			KEVFeedURL:           envStr("THREATDESK_KEV_FEED_URL", "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"),
			EPSSBaseURL:          envStr("THREATDESK_EPSS_URL", "https://api.first.org/data/v1/epss"),
			ExtensionRiskBaseURL: envStr("THREATDESK_EXTENSION_RISK_URL", ""),
			Timeout:              time.Duration(envInt("THREATDESK_TOOL_TIMEOUT_SECONDS", 15)) * time.Second,
			MaxRetries:           envInt("THREATDESK_TOOL_MAX_RETRIES", 2),
		},
		Auth: AuthConfig{
			TrustGatewayHeaders: envBool("THREATDESK_TRUST_GATEWAY_HEADERS", false),
		},
		Retention: RetentionConfig{
			Interval: time.Duration(envInt("THREATDESK_RETENTION_INTERVAL_HOURS", 24)) * time.Hour,
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "threatdesk"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
