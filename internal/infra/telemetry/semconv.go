// Package telemetry provides semantic conventions and metric export for auctionsync.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for auctionsync telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Event attributes
	AttrEventType = attribute.Key("event.type")
	AttrSchema    = attribute.Key("payload.schema")
	AttrAuctionID = attribute.Key("auction.id")

	// Connection attributes
	AttrCloseCode = attribute.Key("ws.close.code")

	// Action attributes
	AttrOperation = attribute.Key("operation")
	AttrResult    = attribute.Key("result")
	AttrReason    = attribute.Key("reason")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")
)

// Result values
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultRejected = "rejected"
	ResultTimeout  = "timeout"
	ResultAcked    = "acked"
)

// EventAttributes returns common attributes for routed event metrics.
func EventAttributes(eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrEventType.String(eventType),
	}
}

// OperationAttributes returns attributes for request and action metrics.
func OperationAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
