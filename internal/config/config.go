// Package config loads the devlink configuration from a JSON5 file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// DefaultPath is used when neither --config nor DEVLINK_CONFIG is set.
const DefaultPath = "~/.devlink/config.json5"

// Config is the root configuration.
type Config struct {
	Gateway      GatewayConfig      `json:"gateway"`
	Database     DatabaseConfig     `json:"database"`
	Verification VerificationConfig `json:"verification"`
	Pairing      PairingConfig      `json:"pairing"`
	Media        MediaConfig        `json:"media"`
	Providers    ProvidersConfig    `json:"providers"`
	Telemetry    TelemetryConfig    `json:"telemetry"`
	Log          LogConfig          `json:"log"`
}

// GatewayConfig configures the WebSocket listener and admin credentials.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	JWTSecret      string   `json:"jwt_secret,omitempty"`
	JWTIssuer      string   `json:"jwt_issuer,omitempty"`
}

// DatabaseConfig selects the device record store.
type DatabaseConfig struct {
	Driver        string `json:"driver"` // "postgres" or "sqlite"
	DSN           string `json:"dsn"`
	EncryptionKey string `json:"encryption_key,omitempty"`
	MaxOpenConns  int    `json:"max_open_conns,omitempty"`
}

// VerificationConfig selects the verification code backend.
type VerificationConfig struct {
	Backend       string `json:"backend"` // "memory" or "redis"
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty"`
	TTLSeconds    int    `json:"ttl_seconds"`
}

// TTL returns the code lifetime.
func (v VerificationConfig) TTL() time.Duration {
	return time.Duration(v.TTLSeconds) * time.Second
}

// PairingConfig tunes the pairing state machine.
type PairingConfig struct {
	// MaxAttempts is the number of wrong codes allowed per issued code.
	// 0 disables the limit.
	MaxAttempts int `json:"max_attempts"`
}

// MediaConfig tunes the media proxy.
type MediaConfig struct {
	TempDir       string `json:"temp_dir,omitempty"`
	TimeoutMs     int    `json:"timeout_ms"`
	MaxAudioBytes int    `json:"max_audio_bytes,omitempty"`
	RatePerMinute int    `json:"rate_per_minute"` // 0 disables rate limiting
	Burst         int    `json:"burst,omitempty"`
	SystemPrompt  string `json:"system_prompt,omitempty"`
}

// Timeout returns the provider call timeout.
func (m MediaConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// ProvidersConfig holds the AI provider credentials.
type ProvidersConfig struct {
	ASR  ASRConfig   `json:"asr"`
	TTS  []TTSConfig `json:"tts"` // first entry is primary, the rest are fallbacks
	Chat ChatConfig  `json:"chat"`
}

// ASRConfig configures speech recognition.
type ASRConfig struct {
	Provider  string `json:"provider"` // "cloudflare", "openai" or "siliconflow"
	APIKey    string `json:"api_key,omitempty"`
	APIBase   string `json:"api_base,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	Model     string `json:"model,omitempty"`
}

// TTSConfig configures one speech synthesis provider.
type TTSConfig struct {
	Provider string `json:"provider"` // "siliconflow" or "openai"
	Name     string `json:"name,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	APIBase  string `json:"api_base,omitempty"`
	Model    string `json:"model,omitempty"`
	Voice    string `json:"voice,omitempty"`
	Format   string `json:"format,omitempty"`
}

// ChatConfig configures the chat completion provider.
type ChatConfig struct {
	Provider string `json:"provider"` // "siliconflow", "dashscope" or "openai"
	APIKey   string `json:"api_key,omitempty"`
	APIBase  string `json:"api_base,omitempty"`
	Model    string `json:"model,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // "text" or "json"
}

// Default returns a config with every default filled in.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:      "0.0.0.0",
			Port:      8787,
			JWTIssuer: "devlink",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "~/.devlink/devlink.db",
		},
		Verification: VerificationConfig{
			Backend:    "memory",
			TTLSeconds: 300,
		},
		Pairing: PairingConfig{MaxAttempts: 5},
		Media: MediaConfig{
			TimeoutMs:     30000,
			RatePerMinute: 30,
			Burst:         5,
		},
		Providers: ProvidersConfig{
			ASR:  ASRConfig{Provider: "cloudflare"},
			TTS:  []TTSConfig{{Provider: "siliconflow"}},
			Chat: ChatConfig{Provider: "siliconflow"},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(ExpandHome(path))
		switch {
		case err == nil:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Database.DSN = expandSQLitePath(cfg.Database.Driver, cfg.Database.DSN)
	cfg.Media.TempDir = ExpandHome(cfg.Media.TempDir)
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envStr("DEVLINK_HOST", &c.Gateway.Host)
	envStr("DEVLINK_JWT_SECRET", &c.Gateway.JWTSecret)
	envStr("DEVLINK_DATABASE_DRIVER", &c.Database.Driver)
	envStr("DEVLINK_DATABASE_DSN", &c.Database.DSN)
	envStr("DEVLINK_ENCRYPTION_KEY", &c.Database.EncryptionKey)
	envStr("DEVLINK_VERIFICATION_BACKEND", &c.Verification.Backend)
	envStr("DEVLINK_REDIS_ADDR", &c.Verification.RedisAddr)
	envStr("DEVLINK_REDIS_PASSWORD", &c.Verification.RedisPassword)
	envStr("DEVLINK_OTEL_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("DEVLINK_LOG_LEVEL", &c.Log.Level)
	envStr("DEVLINK_LOG_FORMAT", &c.Log.Format)

	if err := envInt("DEVLINK_PORT", &c.Gateway.Port); err != nil {
		return err
	}
	if err := envInt("DEVLINK_PAIRING_MAX_ATTEMPTS", &c.Pairing.MaxAttempts); err != nil {
		return err
	}
	if err := envInt("DEVLINK_MEDIA_TIMEOUT_MS", &c.Media.TimeoutMs); err != nil {
		return err
	}
	if c.Telemetry.Endpoint != "" && os.Getenv("DEVLINK_OTEL_ENDPOINT") != "" {
		c.Telemetry.Enabled = true
	}

	// Provider tokens fill in only where the file left the key empty.
	if tok := os.Getenv("SILICONFLOW_API_TOKEN"); tok != "" {
		if c.Providers.Chat.APIKey == "" && c.Providers.Chat.Provider == "siliconflow" {
			c.Providers.Chat.APIKey = tok
		}
		for i := range c.Providers.TTS {
			if c.Providers.TTS[i].APIKey == "" && c.Providers.TTS[i].Provider == "siliconflow" {
				c.Providers.TTS[i].APIKey = tok
			}
		}
		if c.Providers.ASR.APIKey == "" && c.Providers.ASR.Provider == "siliconflow" {
			c.Providers.ASR.APIKey = tok
		}
	}
	if c.Providers.ASR.Provider == "cloudflare" || c.Providers.ASR.Provider == "" {
		if c.Providers.ASR.AccountID == "" {
			c.Providers.ASR.AccountID = os.Getenv("CLOUDFLARE_ACCOUNT_ID")
		}
		if c.Providers.ASR.APIKey == "" {
			c.Providers.ASR.APIKey = os.Getenv("CLOUDFLARE_API_TOKEN")
		}
	}
	return nil
}

// Validate reports every setting that would stop the server from working.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		add("gateway.port %d is out of range", c.Gateway.Port)
	}
	if c.Gateway.JWTSecret == "" {
		add("gateway.jwt_secret is required (or set DEVLINK_JWT_SECRET)")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		add("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		add("database.dsn is required")
	}

	switch c.Verification.Backend {
	case "memory":
	case "redis":
		if c.Verification.RedisAddr == "" {
			add("verification.redis_addr is required for the redis backend")
		}
	default:
		add("verification.backend must be memory or redis, got %q", c.Verification.Backend)
	}
	if c.Verification.TTLSeconds < 0 {
		add("verification.ttl_seconds must not be negative")
	}

	if c.Pairing.MaxAttempts < 0 {
		add("pairing.max_attempts must not be negative (0 disables the limit)")
	}
	if c.Media.TimeoutMs < 0 {
		add("media.timeout_ms must not be negative")
	}
	if c.Media.RatePerMinute < 0 {
		add("media.rate_per_minute must not be negative")
	}

	asrCfg := c.Providers.ASR
	switch asrCfg.Provider {
	case "cloudflare", "":
		if asrCfg.AccountID == "" {
			add("providers.asr.account_id is required (or set CLOUDFLARE_ACCOUNT_ID)")
		}
		if asrCfg.APIKey == "" {
			add("providers.asr.api_key is required (or set CLOUDFLARE_API_TOKEN)")
		}
	case "openai", "siliconflow":
		if asrCfg.APIKey == "" {
			add("providers.asr.api_key is required")
		}
	default:
		add("providers.asr.provider %q is not supported", asrCfg.Provider)
	}

	if len(c.Providers.TTS) == 0 {
		add("providers.tts needs at least one provider")
	}
	for i, t := range c.Providers.TTS {
		switch t.Provider {
		case "siliconflow", "openai":
		default:
			add("providers.tts[%d].provider %q is not supported", i, t.Provider)
		}
		if t.APIKey == "" {
			add("providers.tts[%d].api_key is required", i)
		}
	}

	switch c.Providers.Chat.Provider {
	case "siliconflow", "dashscope", "openai", "":
	default:
		add("providers.chat.provider %q is not supported", c.Providers.Chat.Provider)
	}
	if c.Providers.Chat.APIKey == "" {
		add("providers.chat.api_key is required (or set SILICONFLOW_API_TOKEN)")
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		add("telemetry.endpoint is required when telemetry is enabled")
	}

	return errors.Join(errs...)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

func expandSQLitePath(driver, dsn string) string {
	if driver != "sqlite" && driver != "" {
		return dsn
	}
	return ExpandHome(dsn)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}
