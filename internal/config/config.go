// Package config loads reactor settings from an optional YAML file and the
// REACTOR_* environment. Environment variables win over the file, and the
// file wins over envDefault values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every variable name below.
const EnvPrefix = "REACTOR_"

// Config is everything a reactor needs besides its collaborators.
type Config struct {
	AppID   string `env:"APP_ID"  yaml:"app_id"`
	URI     string `env:"WS_URI"  yaml:"ws_uri"  envDefault:"wss://api.instantdb.com/runtime/session"`
	Version string `env:"VERSION" yaml:"version" envDefault:"reactor-go"`

	// DBPath enables offline persistence when set.
	DBPath string `env:"DB_PATH" yaml:"db_path"`
	// SchemaPath points at a CUE schema used to validate transactions.
	SchemaPath string `env:"SCHEMA_PATH" yaml:"schema_path"`

	MutationTimeout     time.Duration `env:"MUTATION_TIMEOUT"      yaml:"mutation_timeout"      envDefault:"5s"`
	MutationMaxAttempts int           `env:"MUTATION_MAX_ATTEMPTS" yaml:"mutation_max_attempts" envDefault:"3"`

	QueryCacheLimit  int           `env:"QUERY_CACHE_LIMIT"  yaml:"query_cache_limit"  envDefault:"10"`
	QueryOnceTimeout time.Duration `env:"QUERY_ONCE_TIMEOUT" yaml:"query_once_timeout" envDefault:"30s"`
	PersistCacheLimit int          `env:"PERSIST_CACHE_LIMIT" yaml:"persist_cache_limit" envDefault:"50"`

	PresenceFlushWindow time.Duration `env:"PRESENCE_FLUSH_WINDOW" yaml:"presence_flush_window" envDefault:"50ms"`

	ReconnectInitial time.Duration `env:"RECONNECT_INITIAL" yaml:"reconnect_initial" envDefault:"500ms"`
	ReconnectMax     time.Duration `env:"RECONNECT_MAX"     yaml:"reconnect_max"     envDefault:"15s"`
	ReconnectJitter  float64       `env:"RECONNECT_JITTER"  yaml:"reconnect_jitter"  envDefault:"0.5"`

	MaxRestarts   int           `env:"MAX_RESTARTS"   yaml:"max_restarts"   envDefault:"3"`
	RestartWindow time.Duration `env:"RESTART_WINDOW" yaml:"restart_window" envDefault:"10s"`
}

// Default returns the envDefault values alone.
func Default() Config {
	var cfg Config
	// Tags are static, so this cannot fail.
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Load builds a Config from defaults, then the YAML file at path (skipped
// when path is empty), then the process environment.
func Load(path string) (Config, error) {
	return load(path, nil)
}

func load(path string, environ map[string]string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	opts := env.Options{
		Prefix: EnvPrefix,
		// Defaults were applied above; a second pass would clobber the file.
		DefaultValueTagName: "-",
	}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.AppID == "" {
		errs = append(errs, errors.New("app id is required"))
	}
	if c.URI == "" {
		errs = append(errs, errors.New("websocket uri is required"))
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"mutation_timeout", c.MutationTimeout},
		{"query_once_timeout", c.QueryOnceTimeout},
		{"presence_flush_window", c.PresenceFlushWindow},
		{"reconnect_initial", c.ReconnectInitial},
		{"reconnect_max", c.ReconnectMax},
		{"restart_window", c.RestartWindow},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.d))
		}
	}
	if c.ReconnectMax < c.ReconnectInitial {
		errs = append(errs, fmt.Errorf("reconnect_max %s is below reconnect_initial %s", c.ReconnectMax, c.ReconnectInitial))
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter >= 1 {
		errs = append(errs, fmt.Errorf("reconnect_jitter must be in [0, 1), got %v", c.ReconnectJitter))
	}
	if c.MutationMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("mutation_max_attempts must be at least 1, got %d", c.MutationMaxAttempts))
	}
	if c.QueryCacheLimit < 0 || c.PersistCacheLimit < 0 {
		errs = append(errs, errors.New("cache limits must not be negative"))
	}
	if c.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("max_restarts must not be negative, got %d", c.MaxRestarts))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
