package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: STAGING
server:
  baseURL: https://auctions.example.com/
  participantOptional: true
connection:
  dialTimeout: 2s
  writeTimeout: 1s
  readLimit: 65536
  eventBuffer: 8
  backoff:
    strategy: Exponential
    floor: 1s
    ceiling: 20s
    multiplier: 1.5
actions:
  bidTimeout: 10s
  bidRate: 2
  startDuration: 2m
  requestTimeout: 3s
logging:
  level: DEBUG
  format: json
telemetry:
  enabled: true
  otlpEndpoint: http://collector:4318
  serviceName: watcher
eventLogSize: 50
`)
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	require.Equal(t, EnvStaging, cfg.Environment)
	require.Equal(t, "https://auctions.example.com", cfg.Server.BaseURL)
	require.True(t, cfg.Server.ParticipantOptional)
	require.Equal(t, 2*time.Second, cfg.Connection.DialTimeout)
	require.Equal(t, int64(65536), cfg.Connection.ReadLimit)
	require.Equal(t, BackoffExponential, cfg.Connection.Backoff.Strategy)
	require.Equal(t, 20*time.Second, cfg.Connection.Backoff.Ceiling)
	require.Equal(t, 10*time.Second, cfg.Actions.BidTimeout)
	require.Equal(t, 1, cfg.Actions.BidBurst)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 50, cfg.EventLogSize)

	tel := cfg.TelemetrySettings("2.0.0")
	require.True(t, tel.Enabled)
	require.Equal(t, "watcher", tel.ServiceName)
	require.Equal(t, "2.0.0", tel.ServiceVersion)
	require.Equal(t, "staging", tel.Environment)
}

func TestLoadKeepsDefaultsForOmittedSections(t *testing.T) {
	path := writeConfig(t, "server:\n  baseURL: http://localhost:9000\n")
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	def := Default()
	require.Equal(t, "http://localhost:9000", cfg.Server.BaseURL)
	require.Equal(t, def.Connection.Backoff, cfg.Connection.Backoff)
	require.Equal(t, 15*time.Second, cfg.Actions.BidTimeout)
	require.Equal(t, 5*time.Minute, cfg.Actions.StartDuration)
	require.Equal(t, 200, cfg.EventLogSize)
}

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Server.BaseURL, cfg.Server.BaseURL)

	cfg, err = LoadOrDefault(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, EnvDev, cfg.Environment)
}

func TestLoadOrDefaultSurfacesInvalidFile(t *testing.T) {
	path := writeConfig(t, "environment: moon\n")
	_, err := LoadOrDefault(context.Background(), path)
	require.ErrorContains(t, err, "environment")
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv(EnvBaseURL, "wss://live.example.com")
	t.Setenv(EnvBidTimeout, "30s")
	t.Setenv(EnvLogFormat, "JSON")
	t.Setenv(EnvParticipantOptional, "true")

	path := writeConfig(t, "server:\n  baseURL: http://localhost:9000\n")
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "wss://live.example.com", cfg.Server.BaseURL)
	require.Equal(t, 30*time.Second, cfg.Actions.BidTimeout)
	require.Equal(t, "json", cfg.Logging.Format)
	require.True(t, cfg.Server.ParticipantOptional)
}

func TestEnvironmentOverrideRejectsBadValues(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(key string) (string, bool) {
		if key == EnvBidTimeout {
			return "soon", true
		}
		return "", false
	})
	require.ErrorContains(t, err, EnvBidTimeout)
}

func TestBlankEnvironmentValuesAreIgnored(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(string) (string, bool) { return "  ", true }))
	require.Equal(t, Default(), cfg)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*AppConfig){
		"environment":  func(c *AppConfig) { c.Environment = "qa" },
		"baseURL":      func(c *AppConfig) { c.Server.BaseURL = "" },
		"scheme":       func(c *AppConfig) { c.Server.BaseURL = "ftp://host" },
		"relative":     func(c *AppConfig) { c.Server.BaseURL = "/auctions" },
		"dialTimeout":  func(c *AppConfig) { c.Connection.DialTimeout = 0 },
		"strategy":     func(c *AppConfig) { c.Connection.Backoff.Strategy = "random" },
		"ceiling":      func(c *AppConfig) { c.Connection.Backoff.Ceiling = time.Second },
		"multiplier":   func(c *AppConfig) { c.Connection.Backoff.Strategy = BackoffExponential; c.Connection.Backoff.Multiplier = 1 },
		"bidTimeout":   func(c *AppConfig) { c.Actions.BidTimeout = -time.Second },
		"format":       func(c *AppConfig) { c.Logging.Format = "xml" },
		"otlpEndpoint": func(c *AppConfig) { c.Telemetry.Enabled = true; c.Telemetry.OTLPEndpoint = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, Default().Validate())
}

func TestBackoffSettings(t *testing.T) {
	cfg := Default()
	b := cfg.BackoffSettings()
	require.Equal(t, "linear", b.Strategy)
	require.Equal(t, 3*time.Second, b.Floor)
	require.Equal(t, 3*time.Second, b.Step)
	require.Equal(t, 30*time.Second, b.Ceiling)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("AUCTIONSYNC_TEST_DOTENV=loaded\n"), 0o600))
	t.Setenv("AUCTIONSYNC_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("AUCTIONSYNC_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))
	require.Equal(t, "loaded", os.Getenv("AUCTIONSYNC_TEST_DOTENV"))
}
