package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUCTIONSYNC_"

// Environment variables read on top of the YAML file.
const (
	EnvEnvironment         = EnvPrefix + "ENVIRONMENT"
	EnvBaseURL             = EnvPrefix + "BASE_URL"
	EnvParticipantOptional = EnvPrefix + "PARTICIPANT_OPTIONAL"
	EnvBackoffStrategy     = EnvPrefix + "BACKOFF_STRATEGY"
	EnvBidTimeout          = EnvPrefix + "BID_TIMEOUT"
	EnvLogLevel            = EnvPrefix + "LOG_LEVEL"
	EnvLogFormat           = EnvPrefix + "LOG_FORMAT"
	EnvOTLPEndpoint        = EnvPrefix + "OTLP_ENDPOINT"
	EnvTelemetryEnabled    = EnvPrefix + "TELEMETRY_ENABLED"
	EnvAuction             = EnvPrefix + "AUCTION"
	EnvUser                = EnvPrefix + "USER"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process environment.
// Missing files are skipped and variables already set are left alone.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays environment overrides. Unset or blank variables keep the file value.
func (c *AppConfig) applyEnv(lookup lookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvEnvironment); ok {
		c.Environment = Environment(v)
	}
	if v, ok := get(EnvBaseURL); ok {
		c.Server.BaseURL = v
	}
	if v, ok := get(EnvParticipantOptional); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvParticipantOptional, err)
		}
		c.Server.ParticipantOptional = b
	}
	if v, ok := get(EnvBackoffStrategy); ok {
		c.Connection.Backoff.Strategy = BackoffStrategy(v)
	}
	if v, ok := get(EnvBidTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBidTimeout, err)
		}
		c.Actions.BidTimeout = d
	}
	if v, ok := get(EnvLogLevel); ok {
		c.Logging.Level = v
	}
	if v, ok := get(EnvLogFormat); ok {
		c.Logging.Format = v
	}
	if v, ok := get(EnvOTLPEndpoint); ok {
		c.Telemetry.OTLPEndpoint = v
	}
	if v, ok := get(EnvTelemetryEnabled); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTelemetryEnabled, err)
		}
		c.Telemetry.Enabled = b
	}
	return nil
}
