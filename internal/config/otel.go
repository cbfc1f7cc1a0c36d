package config

import (
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

const defaultOTLPEndpoint = "localhost:4318"

// OTELConfig holds the standard OTEL_* settings iowatcher honors.
type OTELConfig struct {
	ServiceName        string `env:"OTEL_SERVICE_NAME" envDefault:"iowatcher"`
	ResourceAttributes string `env:"OTEL_RESOURCE_ATTRIBUTES"`
	ExporterEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TracesEndpoint     string `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
	Headers            string `env:"OTEL_EXPORTER_OTLP_HEADERS"`
}

// TracingConfigured reports whether an OTLP endpoint was given.
func (c *OTELConfig) TracingConfigured() bool {
	return c.TracesEndpoint != "" || c.ExporterEndpoint != ""
}

// GetEndpoint returns the trace endpoint. The signal-specific variable wins
// over the general one.
func (c *OTELConfig) GetEndpoint() string {
	switch {
	case c.TracesEndpoint != "":
		return c.TracesEndpoint
	case c.ExporterEndpoint != "":
		return c.ExporterEndpoint
	default:
		return defaultOTLPEndpoint
	}
}

// ParseResourceAttributes turns "k1=v1,k2=v2" into string attributes.
func (c *OTELConfig) ParseResourceAttributes() []attribute.KeyValue {
	pairs := splitPairs(c.ResourceAttributes)
	if len(pairs) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(pairs))
	for _, p := range pairs {
		attrs = append(attrs, attribute.String(p[0], p[1]))
	}
	return attrs
}

// ParseHeaders returns the extra OTLP request headers, or nil.
func (c *OTELConfig) ParseHeaders() map[string]string {
	pairs := splitPairs(c.Headers)
	if len(pairs) == 0 {
		return nil
	}
	headers := make(map[string]string, len(pairs))
	for _, p := range pairs {
		headers[p[0]] = p[1]
	}
	return headers
}

// splitPairs parses the comma separated key=value list format shared by the
// OTEL_* variables. Entries without '=' or with an empty key are skipped.
func splitPairs(s string) [][2]string {
	var pairs [][2]string
	for _, entry := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		pairs = append(pairs, [2]string{key, strings.TrimSpace(value)})
	}
	return pairs
}
