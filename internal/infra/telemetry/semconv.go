// Package telemetry configures OpenTelemetry metrics for the middleware services.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for middleware telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrService identifies the emitting binary (consumer, redoer, exporter).
	AttrService = attribute.Key("service")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrStatus records success or failure of a unit of work.
	AttrStatus = attribute.Key("status")
	// AttrOutcome records the consumer classification of a message.
	AttrOutcome = attribute.Key("outcome")
	// AttrExportMode labels exporter runs as full or delta.
	AttrExportMode = attribute.Key("export.mode")
	// AttrReason provides additional context for drops and failures.
	AttrReason = attribute.Key("reason")
	// AttrResult records the outcome of an operation (applied, noop, failed).
	AttrResult = attribute.Key("result")
)

// Status values shared by all services.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// StatusOf maps a boolean outcome onto the status attribute values.
func StatusOf(ok bool) string {
	if ok {
		return StatusSuccess
	}
	return StatusFailure
}

// ServiceAttributes returns the attributes attached to every service metric.
func ServiceAttributes(environment, service, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrService.String(service),
		AttrStatus.String(status),
	}
}
