// Package config loads the proxy's ambient settings: a YAML file overlaid by
// environment variables (and an optional .env file), matching the layering
// the teacher used for its env-var configuration surface. Everything named
// here is explicitly "external to the core" per spec.md §6 — the dispatcher
// and pool only ever see the resolved values, never read the environment
// themselves.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// clientVersion matches the teacher's User-Agent string, kept stable so the
// upstream CLI endpoint continues to see a recognized client.
const clientVersion = "0.1.5"

// Config is the fully resolved set of values the process needs to wire
// together the pool, dispatcher, upstream client, repository, and router.
type Config struct {
	// NexusKey is the shared secret clients must present; empty disables auth.
	NexusKey string `yaml:"nexus_key"`

	// ListenAddr is the address the gin engine binds to.
	ListenAddr string `yaml:"listen_addr"`

	// UpstreamBaseURL overrides upstream.DefaultBaseURL, mainly for tests
	// against a local fixture server.
	UpstreamBaseURL string `yaml:"upstream_base_url"`

	// Skew is how far ahead of expiry the pool proactively refreshes a token.
	Skew time.Duration `yaml:"skew"`

	// MaxCredentials bounds the dispatcher's outer retry loop.
	MaxCredentials int `yaml:"max_credentials"`

	// DefaultRateLimitCooldown is applied on a 429 with no usable
	// quotaResetTimeStamp.
	DefaultRateLimitCooldown time.Duration `yaml:"default_rate_limit_cooldown"`

	// Postgres is the backing store's connection configuration.
	Postgres PostgresConfig `yaml:"postgres"`

	// CredentialsDir is polled by the importer for on-disk credential files.
	CredentialsDir string `yaml:"credentials_dir"`

	// CredentialsPollInterval controls how often the importer rescans
	// CredentialsDir.
	CredentialsPollInterval time.Duration `yaml:"credentials_poll_interval"`

	// LogLevel and LogFormat configure internal/logging.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// PostgresConfig configures the SQL repository.
type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// defaults returns the config's baseline before the YAML file and
// environment are applied.
func defaults() Config {
	return Config{
		ListenAddr:               ":8080",
		UpstreamBaseURL:          "https://cloudcode-pa.googleapis.com",
		Skew:                     60 * time.Second,
		MaxCredentials:           3,
		DefaultRateLimitCooldown: 90 * time.Second,
		Postgres:                 PostgresConfig{Table: "credentials"},
		CredentialsDir:           "oauth_creds",
		CredentialsPollInterval:  30 * time.Second,
		LogLevel:                 "info",
		LogFormat:                "text",
	}
}

// Load reads an optional .env file, an optional YAML config file at path (a
// missing file is not an error — the environment may supply everything),
// then overlays environment variables, which always win. This mirrors the
// teacher's getEnvOrDefault layering, generalized to a struct instead of
// package-level vars so the dispatcher/pool can be constructed from an
// immutable snapshot.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("config: failed to load .env file")
	}

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Fine — environment variables may supply everything.
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnvOverlay(&cfg)

	if cfg.Postgres.DSN == "" {
		return Config{}, fmt.Errorf("config: postgres DSN is required (set postgres.dsn or NEXUS_POSTGRES_DSN)")
	}
	return cfg, nil
}

func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("NEXUS_KEY"); v != "" {
		cfg.NexusKey = v
	}
	if v := os.Getenv("NEXUS_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("NEXUS_UPSTREAM_BASE_URL"); v != "" {
		cfg.UpstreamBaseURL = v
	}
	if v := os.Getenv("NEXUS_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("NEXUS_POSTGRES_TABLE"); v != "" {
		cfg.Postgres.Table = v
	}
	if v := os.Getenv("NEXUS_CREDENTIALS_DIR"); v != "" {
		cfg.CredentialsDir = v
	}
	if v := os.Getenv("NEXUS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("NEXUS_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := parseDurationEnv("NEXUS_SKEW"); v > 0 {
		cfg.Skew = v
	}
	if v := parseDurationEnv("NEXUS_RATE_LIMIT_COOLDOWN"); v > 0 {
		cfg.DefaultRateLimitCooldown = v
	}
	if v := parseDurationEnv("NEXUS_CREDENTIALS_POLL_INTERVAL"); v > 0 {
		cfg.CredentialsPollInterval = v
	}
}

func parseDurationEnv(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.WithError(err).WithField("env", key).Warn("config: ignoring malformed duration")
		return 0
	}
	return d
}

// UserAgent reproduces the teacher's GetUserAgent format so the upstream CLI
// endpoint sees the same client identity it expects from genuine gemini-cli
// traffic.
func UserAgent() string {
	return fmt.Sprintf("GeminiCLI/%s (%s; %s)", clientVersion, runtime.GOOS, runtime.GOARCH)
}
