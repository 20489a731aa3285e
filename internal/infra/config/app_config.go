// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/auctionsync/internal/infra/telemetry"
	"github.com/coachpo/auctionsync/internal/infra/transport/ws"
)

// ServerConfig locates the auction service.
type ServerConfig struct {
	// BaseURL is the page URL of the service; the socket and API endpoints derive from it.
	BaseURL string `yaml:"baseURL"`
	// ParticipantOptional allows watching without a user identifier.
	ParticipantOptional bool `yaml:"participantOptional"`
}

// BackoffConfig shapes the reconnection delays.
type BackoffConfig struct {
	Strategy   BackoffStrategy `yaml:"strategy"`
	Floor      time.Duration   `yaml:"floor"`
	Step       time.Duration   `yaml:"step"`
	Ceiling    time.Duration   `yaml:"ceiling"`
	Multiplier float64         `yaml:"multiplier"`
}

// ConnectionConfig tunes the live channel.
type ConnectionConfig struct {
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	ReadLimit    int64         `yaml:"readLimit"`
	EventBuffer  int           `yaml:"eventBuffer"`
	Backoff      BackoffConfig `yaml:"backoff"`
}

// ActionsConfig bounds user actions and service requests.
type ActionsConfig struct {
	BidTimeout     time.Duration `yaml:"bidTimeout"`
	BidRate        float64       `yaml:"bidRate"`
	BidBurst       int           `yaml:"bidBurst"`
	StartDuration  time.Duration `yaml:"startDuration"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	RequestRate    float64       `yaml:"requestRate"`
	RequestBurst   int           `yaml:"requestBurst"`
}

// LoggingConfig selects the log backend settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	EnableMetrics  bool          `yaml:"enableMetrics"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// AppConfig is the unified application configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment  Environment      `yaml:"environment"`
	Server       ServerConfig     `yaml:"server"`
	Connection   ConnectionConfig `yaml:"connection"`
	Actions      ActionsConfig    `yaml:"actions"`
	Logging      LoggingConfig    `yaml:"logging"`
	Telemetry    TelemetryConfig  `yaml:"telemetry"`
	EventLogSize int              `yaml:"eventLogSize"`
}

// Default returns the configuration used when no file is present.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Server: ServerConfig{
			BaseURL: "http://localhost:8080",
		},
		Connection: ConnectionConfig{
			DialTimeout:  10 * time.Second,
			WriteTimeout: 5 * time.Second,
			ReadLimit:    1 << 20,
			EventBuffer:  64,
			Backoff: BackoffConfig{
				Strategy:   BackoffLinear,
				Floor:      ws.DefaultBackoffFloor,
				Step:       ws.DefaultBackoffStep,
				Ceiling:    ws.DefaultBackoffCeiling,
				Multiplier: 2,
			},
		},
		Actions: ActionsConfig{
			BidTimeout:     15 * time.Second,
			BidBurst:       1,
			StartDuration:  5 * time.Minute,
			RequestTimeout: 10 * time.Second,
			RequestBurst:   1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:   "http://localhost:4318",
			ServiceName:    "auctionsync",
			OTLPInsecure:   true,
			EnableMetrics:  true,
			MetricInterval: 30 * time.Second,
		},
		EventLogSize: 200,
	}
}

// Load reads and validates an AppConfig from the provided YAML file. Fields the file omits keep
// their defaults, and AUCTIONSYNC_* variables override both.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg, os.LookupEnv)
}

// LoadOrDefault behaves like Load but falls back to Default when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) != "" {
		cfg, err := Load(ctx, configPath)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
	}
	return finish(Default(), os.LookupEnv)
}

func finish(cfg AppConfig, lookup lookupFunc) (AppConfig, error) {
	if err := cfg.applyEnv(lookup); err != nil {
		return AppConfig{}, fmt.Errorf("environment override: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(normalizeIdentifier(string(c.Environment)))
	c.Server.BaseURL = strings.TrimRight(strings.TrimSpace(c.Server.BaseURL), "/")
	c.Connection.Backoff.Strategy = BackoffStrategy(normalizeIdentifier(string(c.Connection.Backoff.Strategy)))
	if c.Connection.Backoff.Strategy == "" {
		c.Connection.Backoff.Strategy = BackoffLinear
	}
	if c.Connection.EventBuffer <= 0 {
		c.Connection.EventBuffer = 64
	}
	if c.Actions.BidBurst <= 0 {
		c.Actions.BidBurst = 1
	}
	if c.Actions.RequestBurst <= 0 {
		c.Actions.RequestBurst = 1
	}
	c.Logging.Level = normalizeIdentifier(c.Logging.Level)
	c.Logging.Format = normalizeIdentifier(c.Logging.Format)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.EventLogSize <= 0 {
		c.EventLogSize = 200
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Server.BaseURL == "" {
		return fmt.Errorf("server baseURL required")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("server baseURL must be an absolute URL")
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("server baseURL scheme must be http, https, ws or wss")
	}

	if c.Connection.DialTimeout <= 0 {
		return fmt.Errorf("connection dialTimeout must be >0")
	}
	if c.Connection.WriteTimeout <= 0 {
		return fmt.Errorf("connection writeTimeout must be >0")
	}
	if c.Connection.ReadLimit < 0 {
		return fmt.Errorf("connection readLimit must be >=0")
	}
	b := c.Connection.Backoff
	switch b.Strategy {
	case BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("connection backoff strategy must be linear or exponential")
	}
	if b.Floor <= 0 {
		return fmt.Errorf("connection backoff floor must be >0")
	}
	if b.Step < 0 {
		return fmt.Errorf("connection backoff step must be >=0")
	}
	if b.Ceiling < b.Floor {
		return fmt.Errorf("connection backoff ceiling must be >= floor")
	}
	if b.Strategy == BackoffExponential && b.Multiplier <= 1 {
		return fmt.Errorf("connection backoff multiplier must be >1 for exponential")
	}

	if c.Actions.BidTimeout < 0 {
		return fmt.Errorf("actions bidTimeout must be >=0")
	}
	if c.Actions.BidRate < 0 {
		return fmt.Errorf("actions bidRate must be >=0")
	}
	if c.Actions.StartDuration <= 0 {
		return fmt.Errorf("actions startDuration must be >0")
	}
	if c.Actions.RequestTimeout <= 0 {
		return fmt.Errorf("actions requestTimeout must be >0")
	}
	if c.Actions.RequestRate < 0 {
		return fmt.Errorf("actions requestRate must be >=0")
	}

	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging format must be json or console")
	}

	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when enabled")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	return nil
}

// BackoffSettings converts the backoff section for the connection manager.
func (c AppConfig) BackoffSettings() ws.BackoffConfig {
	b := c.Connection.Backoff
	return ws.BackoffConfig{
		Strategy:   string(b.Strategy),
		Floor:      b.Floor,
		Step:       b.Step,
		Ceiling:    b.Ceiling,
		Multiplier: b.Multiplier,
	}
}

// TelemetrySettings converts the telemetry section for the meter provider.
func (c AppConfig) TelemetrySettings(version string) telemetry.Config {
	out := telemetry.DefaultConfig()
	out.Enabled = c.Telemetry.Enabled
	out.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	out.OTLPInsecure = c.Telemetry.OTLPInsecure
	out.EnableMetrics = c.Telemetry.EnableMetrics
	if c.Telemetry.MetricInterval > 0 {
		out.MetricInterval = c.Telemetry.MetricInterval
	}
	if c.Telemetry.ServiceName != "" {
		out.ServiceName = c.Telemetry.ServiceName
	}
	if version != "" {
		out.ServiceVersion = version
	}
	out.Environment = string(c.Environment)
	return out
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
