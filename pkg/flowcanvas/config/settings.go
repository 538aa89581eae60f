package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Capture record backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Settings is the service configuration.
type Settings struct {
	ListenAddr string
	LogLevel   slog.Level

	Generation GenerationSettings
	Capture    CaptureSettings

	// PostgresURL selects Postgres workflow storage; empty keeps workflows in memory.
	PostgresURL string

	// Prometheus exposes /metrics when true.
	Prometheus bool
}

// GenerationSettings configures the generation collaborator.
type GenerationSettings struct {
	// Timeout is the hard wall-clock limit per generation call.
	Timeout  time.Duration
	Endpoint string

	// ImageBaseURL resolves relative image references such as "/assets/x.png".
	ImageBaseURL string

	GeminiAPIKey    string
	AnthropicAPIKey string
	OpenAIAPIKey    string
}

// CaptureSettings configures the capture orchestrator and its stores.
type CaptureSettings struct {
	Store      string
	SQLitePath string
	RedisAddr  string

	AssetDir     string
	AssetBaseURL string

	BrowserEndpoint  string
	BrowserAPIKey    string
	MaxDuration      time.Duration
	ProgressInterval time.Duration

	// Recover fails records left unfinished by an earlier process at
	// startup. Turn it off when several instances share one store.
	Recover bool
}

// Keys lists every recognized setting. Each can be overridden from the
// environment through EnvKey.
var Keys = []string{
	"listen_addr",
	"log_level",
	"generation.timeout",
	"generation.endpoint",
	"generation.image_base_url",
	"generation.gemini_api_key",
	"generation.anthropic_api_key",
	"generation.openai_api_key",
	"capture.store",
	"capture.sqlite_path",
	"capture.redis_addr",
	"capture.asset_dir",
	"capture.asset_base_url",
	"capture.browser_endpoint",
	"capture.browser_api_key",
	"capture.max_duration",
	"capture.progress_interval",
	"capture.recover",
	"workflows.postgres_url",
	"metrics.prometheus",
}

// Defaults returns the settings used for any key left unset.
func Defaults() Settings {
	return Settings{
		ListenAddr: ":8080",
		LogLevel:   slog.LevelInfo,
		Generation: GenerationSettings{
			Timeout: 300 * time.Second,
		},
		Capture: CaptureSettings{
			Store:            StoreMemory,
			SQLitePath:       "captures.db",
			RedisAddr:        "localhost:6379",
			AssetDir:         "data/captures",
			AssetBaseURL:     "/assets",
			MaxDuration:      30 * time.Second,
			ProgressInterval: time.Second,
			Recover:          true,
		},
	}
}

// Load reads settings from path (which may be empty), expands ${NAME}
// references in the file, applies environment overrides, and validates
// the result.
func Load(path string) (Settings, error) {
	cfg := New(nil)
	if path != "" {
		var err error
		if cfg, err = FromFile(path); err != nil {
			return Settings{}, err
		}
		if err := expandFileEnv(cfg, path, os.LookupEnv); err != nil {
			return Settings{}, err
		}
	}
	cfg.ApplyEnv(os.Getenv, Keys...)

	s, err := FromConfig(cfg)
	if err != nil {
		return Settings{}, err
	}
	return s, s.Validate()
}

// FromConfig extracts Settings from a Config, falling back to Defaults.
func FromConfig(c Config) (Settings, error) {
	d := Defaults()

	level := d.LogLevel
	if raw := c.String("log_level", ""); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			return Settings{}, fmt.Errorf("log_level: %w", err)
		}
	}

	return Settings{
		ListenAddr: c.String("listen_addr", d.ListenAddr),
		LogLevel:   level,
		Generation: GenerationSettings{
			Timeout:         c.Duration("generation.timeout", d.Generation.Timeout),
			Endpoint:        c.String("generation.endpoint", ""),
			ImageBaseURL:    c.String("generation.image_base_url", ""),
			GeminiAPIKey:    c.String("generation.gemini_api_key", ""),
			AnthropicAPIKey: c.String("generation.anthropic_api_key", ""),
			OpenAIAPIKey:    c.String("generation.openai_api_key", ""),
		},
		Capture: CaptureSettings{
			Store:            strings.ToLower(c.String("capture.store", d.Capture.Store)),
			SQLitePath:       c.String("capture.sqlite_path", d.Capture.SQLitePath),
			RedisAddr:        c.String("capture.redis_addr", d.Capture.RedisAddr),
			AssetDir:         c.String("capture.asset_dir", d.Capture.AssetDir),
			AssetBaseURL:     c.String("capture.asset_base_url", d.Capture.AssetBaseURL),
			BrowserEndpoint:  c.String("capture.browser_endpoint", ""),
			BrowserAPIKey:    c.String("capture.browser_api_key", ""),
			MaxDuration:      c.Duration("capture.max_duration", d.Capture.MaxDuration),
			ProgressInterval: c.Duration("capture.progress_interval", d.Capture.ProgressInterval),
			Recover:          c.Bool("capture.recover", d.Capture.Recover),
		},
		PostgresURL: c.String("workflows.postgres_url", ""),
		Prometheus:  c.Bool("metrics.prometheus", false),
	}, nil
}

// Validate reports every invalid setting together.
func (s Settings) Validate() error {
	var errs []error
	if s.Generation.Timeout <= 0 {
		errs = append(errs, errors.New("generation.timeout must be positive"))
	}
	switch s.Capture.Store {
	case StoreMemory, StoreSQLite, StoreRedis:
	default:
		errs = append(errs, fmt.Errorf("capture.store: unknown backend %q", s.Capture.Store))
	}
	if s.Capture.MaxDuration <= 0 {
		errs = append(errs, errors.New("capture.max_duration must be positive"))
	}
	if s.Capture.ProgressInterval <= 0 {
		errs = append(errs, errors.New("capture.progress_interval must be positive"))
	}
	return errors.Join(errs...)
}
