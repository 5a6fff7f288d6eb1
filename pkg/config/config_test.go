package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("CAREHUB_POSTGRES_URL", "postgres://localhost/carehub")
	t.Setenv("CAREHUB_PORT", "8181")
	t.Setenv("CAREHUB_SESSION_TTL", "2h")
	t.Setenv("CAREHUB_DEV_MODE", "true")
	t.Setenv("CAREHUB_OIDC_SCOPES", "openid, email ,")
	t.Setenv("CAREHUB_OTEL_SAMPLE_RATIO", "0.25")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8181", cfg.Server.Port)
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL)
	assert.True(t, cfg.Menu.DevMode)
	assert.Equal(t, []string{"openid", "email"}, cfg.Auth.OIDC.Scopes)
	assert.Equal(t, 0.25, cfg.Observability.OTel().SampleRatio)
	assert.Equal(t, "X-Authenticated-Principal", cfg.Auth.PrincipalHeader)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carehub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  url: postgres://file/carehub
  max_conns: 50
session:
  ttl: 30m
menu:
  catalog_path: /etc/carehub/menu.yaml
  watch_catalog: true
auth:
  oidc:
    issuer_url: https://id.example.com
    client_id: carehub
`), 0600))

	t.Setenv(ConfigFileEnv, path)
	t.Setenv("CAREHUB_POSTGRES_MAX_CONNS", "60")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "postgres://file/carehub", cfg.Database.URL)
	assert.Equal(t, 60, cfg.Database.MaxConns, "env wins over file")
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, "/etc/carehub/menu.yaml", cfg.Menu.CatalogPath)
	assert.True(t, cfg.Menu.WatchCatalog)
	assert.True(t, cfg.Auth.OIDC.Enabled())
	// untouched defaults survive the overlay
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, "preferred_username", cfg.Auth.OIDC.UsernameClaim)
}

func TestLoadConfig_FileErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := LoadConfig()
		assert.Error(t, err)
	})

	t.Run("unknown field", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  colour: blue\n"), 0600))
		t.Setenv(ConfigFileEnv, path)
		_, err := LoadConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "colour")
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Database.URL = "postgres://localhost/carehub"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults with database", func(c *Config) {}, ""},
		{"missing database", func(c *Config) { c.Database.URL = "" }, "postgres URL"},
		{"same ports", func(c *Config) { c.Server.HealthPort = c.Server.Port }, "must be different"},
		{"min above max", func(c *Config) { c.Database.MinConns = 100 }, "exceeds max"},
		{"zero session ttl", func(c *Config) { c.Session.TTL = 0 }, "session TTL"},
		{"oidc without client", func(c *Config) { c.Auth.OIDC.IssuerURL = "https://id" }, "client id"},
		{"oidc secret without redirect", func(c *Config) {
			c.Auth.OIDC.IssuerURL = "https://id"
			c.Auth.OIDC.ClientID = "carehub"
			c.Auth.OIDC.ClientSecret = "s"
		}, "set together"},
		{"no login method", func(c *Config) { c.Auth.PrincipalHeader = "" }, "principal header"},
		{"zero rate limit", func(c *Config) { c.RateLimit.LoginRequests = 0 }, "rate limits"},
		{"rate limit disabled", func(c *Config) {
			c.RateLimit.Enabled = false
			c.RateLimit.LoginRequests = 0
		}, ""},
		{"bad log level", func(c *Config) { c.Observability.LogLevel = "loud" }, "log level"},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}, "endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
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

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("CAREHUB_TEST_INT", "not-a-number")
	t.Setenv("CAREHUB_TEST_BOOL", "1")
	t.Setenv("CAREHUB_TEST_DURATION", "90s")

	assert.Equal(t, 7, getEnvInt("CAREHUB_TEST_INT", 7))
	assert.True(t, getEnvBool("CAREHUB_TEST_BOOL", false))
	assert.Equal(t, 90*time.Second, getEnvDuration("CAREHUB_TEST_DURATION", time.Second))
	assert.Equal(t, "fallback", getEnv("CAREHUB_TEST_UNSET", "fallback"))
	assert.Equal(t, []string{"a"}, getEnvList("CAREHUB_TEST_UNSET", []string{"a"}))
}
