package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for session router telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrChannel identifies the session channel a signal originated on.
	AttrChannel = attribute.Key("channel")
	// AttrConnection names the configured connection owning the channel.
	AttrConnection = attribute.Key("connection")
	// AttrService captures the concrete service name.
	AttrService = attribute.Key("service")
	// AttrDomain labels item metrics with the message domain (MarketPrice, ...).
	AttrDomain = attribute.Key("domain")
	// AttrMessageType differentiates message variants (Refresh, Status, ...).
	AttrMessageType = attribute.Key("message.type")
	// AttrNoticeType classifies session notices on the event bus.
	AttrNoticeType = attribute.Key("notice.type")
	// AttrOperation differentiates specific operations (submit, register, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional free-form context for errors/rejections.
	AttrReason = attribute.Key("reason")
	// AttrConnectionState labels connection lifecycle signals (up, down, ...).
	AttrConnectionState = attribute.Key("connection.state")
	// AttrRole is the warm-standby role of a channel.
	AttrRole = attribute.Key("role")
)

// Helper functions for creating common attribute sets

// ChannelAttributes returns common attributes for channel metrics.
func ChannelAttributes(environment, channel, state string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrChannel.String(channel),
	}
	if state != "" {
		attrs = append(attrs, AttrConnectionState.String(state))
	}
	return attrs
}

// RecoveryAttributes returns attributes for item recovery metrics.
func RecoveryAttributes(environment, service, channel, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrService.String(service),
	}
	if channel != "" {
		attrs = append(attrs, AttrChannel.String(channel))
	}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	return attrs
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// NoticeAttributes returns attributes for event bus metrics.
func NoticeAttributes(environment, noticeType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrNoticeType.String(noticeType),
	}
}

// MessageAttributes returns attributes for per-message metrics.
func MessageAttributes(environment, channel, messageType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrChannel.String(channel),
		AttrMessageType.String(messageType),
	}
}
