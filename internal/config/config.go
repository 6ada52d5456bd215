package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration values for the application
type Config struct {
	Port           string   `envconfig:"PORT" default:"8080"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:5173,http://localhost:5174"`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info"`
	Environment    string   `envconfig:"ENVIRONMENT" default:"production"`

	SupabaseURL       string        `envconfig:"SUPABASE_URL" required:"true"`
	SupabaseAnonKey   string        `envconfig:"SUPABASE_ANON_KEY" required:"true"`
	SupabaseJWTSecret string        `envconfig:"SUPABASE_JWT_SECRET"`
	HTTPTimeout       time.Duration `envconfig:"HTTP_TIMEOUT" default:"10s"`

	// DatabaseURL switches battle listing to a direct read against the Supabase Postgres.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	RedisURL    string `envconfig:"REDIS_URL"`

	RealtimeEnabled bool          `envconfig:"REALTIME_ENABLED" default:"true"`
	PollInterval    time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	StalenessWindow time.Duration `envconfig:"STALENESS_WINDOW" default:"30m"`
}

// Load loads configuration from environment variables, reading .env first when present
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	cfg.SupabaseURL = strings.TrimRight(cfg.SupabaseURL, "/")
	cfg.AllowedOrigins = trimOrigins(cfg.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot express
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.StalenessWindow <= 0 {
		return fmt.Errorf("STALENESS_WINDOW must be positive, got %s", c.StalenessWindow)
	}
	if !strings.HasPrefix(c.SupabaseURL, "http://") && !strings.HasPrefix(c.SupabaseURL, "https://") {
		return fmt.Errorf("SUPABASE_URL must be an http(s) URL, got %q", c.SupabaseURL)
	}
	return nil
}

// RealtimeURL derives the Supabase Realtime websocket endpoint from the project URL
func (c *Config) RealtimeURL() string {
	base := c.SupabaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/realtime/v1/websocket"
}

// IsDevelopment reports whether the service runs outside production
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "local"
}

func trimOrigins(origins []string) []string {
	result := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
