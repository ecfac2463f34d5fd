package config

import "strings"

// Environment identifies the runtime environment the services operate in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
	// EnvUnknown is used when RUNTIME_ENV is not set.
	EnvUnknown Environment = "unknown"
)

// ExportMode selects which entities an exporter run includes.
type ExportMode string

const (
	// ExportFull writes every resolved entity.
	ExportFull ExportMode = "full"
	// ExportDelta writes only entities tracked since the last delta export.
	ExportDelta ExportMode = "delta"
)

// Valid reports whether the mode is a known export mode.
func (m ExportMode) Valid() bool {
	return m == ExportFull || m == ExportDelta
}

// Queue driver names.
const (
	QueueDriverSQS  = "sqs"
	QueueDriverNATS = "nats"
)

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
