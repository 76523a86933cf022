package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reactor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5*time.Second, cfg.MutationTimeout)
	assert.Equal(t, 3, cfg.MutationMaxAttempts)
	assert.Equal(t, 10, cfg.QueryCacheLimit)
	assert.Equal(t, 50*time.Millisecond, cfg.PresenceFlushWindow)
	assert.Equal(t, "reactor-go", cfg.Version)
	assert.Empty(t, cfg.AppID)
}

func TestLoad_Precedence(t *testing.T) {
	path := writeFile(t, `
app_id: from-file
mutation_timeout: 2s
query_cache_limit: 4
`)
	cfg, err := load(path, map[string]string{
		"REACTOR_MUTATION_TIMEOUT": "9s",
		"REACTOR_DB_PATH":          "/tmp/r.db",
	})
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.AppID)
	assert.Equal(t, 9*time.Second, cfg.MutationTimeout, "env wins over the file")
	assert.Equal(t, 4, cfg.QueryCacheLimit, "file wins over defaults")
	assert.Equal(t, "/tmp/r.db", cfg.DBPath)
	assert.Equal(t, 15*time.Second, cfg.ReconnectMax)
}

func TestLoad_EnvOnly(t *testing.T) {
	cfg, err := load("", map[string]string{"REACTOR_APP_ID": "app"})
	require.NoError(t, err)
	assert.Equal(t, "app", cfg.AppID)
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	path := writeFile(t, "app_id: a\nmutaton_timeout: 1s\n")
	_, err := load(path, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutaton_timeout")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "nope.yaml"), map[string]string{})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing app id", func(c *Config) { c.AppID = "" }, "app id is required"},
		{"missing uri", func(c *Config) { c.URI = "" }, "websocket uri is required"},
		{"zero timeout", func(c *Config) { c.MutationTimeout = 0 }, "mutation_timeout must be positive"},
		{"inverted backoff", func(c *Config) { c.ReconnectMax = time.Millisecond }, "below reconnect_initial"},
		{"jitter", func(c *Config) { c.ReconnectJitter = 1 }, "reconnect_jitter"},
		{"attempts", func(c *Config) { c.MutationMaxAttempts = 0 }, "mutation_max_attempts"},
		{"restarts", func(c *Config) { c.MaxRestarts = -1 }, "max_restarts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.AppID = "app"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
