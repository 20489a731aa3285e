package config

import "strings"

// Environment identifies the runtime environment the watcher reports under.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// BackoffStrategy names a reconnection schedule.
type BackoffStrategy string

const (
	// BackoffLinear grows the delay by a fixed step up to the ceiling.
	BackoffLinear BackoffStrategy = "linear"
	// BackoffExponential multiplies the delay on each attempt.
	BackoffExponential BackoffStrategy = "exponential"
)

func normalizeIdentifier(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
