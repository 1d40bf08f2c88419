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

var ErrInvalid = errors.New("invalid configuration")

const (
	DefaultPort            = 8080
	DefaultLogLevel        = "info"
	DefaultReadyTimeout    = 30 * time.Second
	DefaultSendTimeout     = 15 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultAPIBase         = "https://discord.com/api/v10"
	DefaultGatewayURL      = "wss://gateway.discord.gg/?v=10&encoding=json"
)

// Config is read once at startup and passed to the components that need it.
type Config struct {
	DiscordBotToken  string
	DiscordChannelID string
	// WebhookSecret is the EAS webhook signing key. Without it no request verifies.
	WebhookSecret   string
	DefaultTeamName string

	Port     int
	LogLevel string

	ReadyTimeout    time.Duration
	SendTimeout     time.Duration
	ShutdownTimeout time.Duration

	DiscordAPIBase    string
	DiscordGatewayURL string
}

// Load reads envFile (or ./.env when it exists and envFile is empty) into the
// process environment without overriding variables already set, then builds
// the Config from the environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("%w: load env file %s: %v", ErrInvalid, envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("%w: load .env: %v", ErrInvalid, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds and validates a Config from lookup. Every missing or
// malformed variable is reported in one error.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	var problems []string

	get := func(key string) string {
		val, _ := lookup(key)
		return strings.TrimSpace(val)
	}
	required := func(key string) string {
		val := get(key)
		if val == "" {
			problems = append(problems, key+" is required")
		}
		return val
	}
	withDefault := func(key, fallback string) string {
		if val := get(key); val != "" {
			return val
		}
		return fallback
	}
	duration := func(key string, fallback time.Duration) time.Duration {
		raw := get(key)
		if raw == "" {
			return fallback
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
			return fallback
		}
		return d
	}

	cfg := &Config{
		DiscordBotToken:   required("DISCORD_BOT_TOKEN"),
		DiscordChannelID:  required("DISCORD_CHANNEL_ID"),
		WebhookSecret:     get("EAS_SECRET_WEBHOOK_KEY"),
		DefaultTeamName:   get("EXPO_DEFAULT_TEAM_NAME"),
		Port:              DefaultPort,
		LogLevel:          strings.ToLower(withDefault("LOG_LEVEL", DefaultLogLevel)),
		ReadyTimeout:      duration("READY_TIMEOUT", DefaultReadyTimeout),
		SendTimeout:       duration("SEND_TIMEOUT", DefaultSendTimeout),
		ShutdownTimeout:   duration("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
		DiscordAPIBase:    withDefault("DISCORD_API_BASE", DefaultAPIBase),
		DiscordGatewayURL: withDefault("DISCORD_GATEWAY_URL", DefaultGatewayURL),
	}

	if raw := get("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			problems = append(problems, fmt.Sprintf("PORT must be between 1 and 65535, got %q", raw))
		} else {
			cfg.Port = port
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return cfg, nil
}

// HasWebhookSecret reports whether incoming signatures can be checked at all.
func (c *Config) HasWebhookSecret() bool {
	return c.WebhookSecret != ""
}
