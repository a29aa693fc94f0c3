package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileWithDefaults(t *testing.T) {
	path := writeFile(t, `
client_token = "local"
cors_allowed_origins = "https://a.example, https://b.example"

[[accounts]]
id = "primary"
backend = "Responses"
base_url = "https://api.example.com/v1"
api_key = "sk-1"
stream_only = true
models = ["claude-sonnet-4-5"]

[accounts.headers]
X-Org = "acme"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "local", cfg.ClientToken)
	assert.Equal(t, 10*time.Minute, cfg.RequestTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins())
	require.Len(t, cfg.Accounts, 1)
	a := cfg.Accounts[0]
	assert.Equal(t, BackendResponses, a.Backend)
	assert.True(t, a.StreamOnly)
	assert.Equal(t, "acme", a.Headers["X-Org"])
	assert.Equal(t, []string{"claude-sonnet-4-5"}, a.Models)
}

func TestLoadUpstreamFromEnvironment(t *testing.T) {
	t.Setenv("GATEWAY_HTTP_ADDR", ":9090")
	t.Setenv("GATEWAY_LOG_LEVEL", "debug")
	t.Setenv("GATEWAY_UPSTREAM__BASE_URL", "https://chat.example.com")
	t.Setenv("GATEWAY_UPSTREAM__API_KEY", "sk-env")
	t.Setenv("GATEWAY_UPSTREAM__MODEL", "gpt-4.1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Accounts, 1)
	assert.Equal(t, "default", cfg.Accounts[0].ID)
	assert.Equal(t, BackendChat, cfg.Accounts[0].Backend)
	assert.Equal(t, "gpt-4.1", cfg.Accounts[0].Model)
}

func TestValidateRejects(t *testing.T) {
	base := func() Config {
		return Config{
			HTTPAddr:       ":8080",
			LogLevel:       "info",
			LogFormat:      "text",
			RequestTimeout: time.Minute,
			Accounts:       []Account{{ID: "a", Backend: BackendChat, BaseURL: "https://x.example"}},
		}
	}
	require.NoError(t, base().Validate())

	cases := map[string]func(c *Config){
		"no accounts":          func(c *Config) { c.Accounts = nil },
		"bad log format":       func(c *Config) { c.LogFormat = "xml" },
		"duplicate id":         func(c *Config) { c.Accounts = append(c.Accounts, c.Accounts[0]) },
		"unknown backend":      func(c *Config) { c.Accounts[0].Backend = "gemini" },
		"stream only on chat":  func(c *Config) { c.Accounts[0].StreamOnly = true },
		"sealed key no master": func(c *Config) { c.Accounts[0].APIKey = "enc:abc" },
		"bad base url":         func(c *Config) { c.Accounts[0].BaseURL = "not a url" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "load config file")
}
