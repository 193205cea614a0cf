package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel/attribute"
)

// ProtocolHTTP is the only OTLP transport the trace exporter speaks.
const ProtocolHTTP = "http/protobuf"

// OTELConfig holds the OpenTelemetry settings for ingestion spans.
type OTELConfig struct {
	ServiceName        string `env:"OTEL_SERVICE_NAME" envDefault:"pfviz"`
	ResourceAttributes string `env:"OTEL_RESOURCE_ATTRIBUTES"`
	ExporterEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TracesEndpoint     string `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
	Protocol           string `env:"OTEL_EXPORTER_OTLP_PROTOCOL"`
	TracesProtocol     string `env:"OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"`
	SDKDisabled        bool   `env:"OTEL_SDK_DISABLED"`
}

// ParseOTELConfig reads the OTEL_* environment. A protocol other than
// http/protobuf is rejected rather than silently exported over HTTP.
func ParseOTELConfig() (*OTELConfig, error) {
	var cfg OTELConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse OTEL config: %w", err)
	}
	if p := cfg.GetProtocol(); p != ProtocolHTTP {
		return nil, fmt.Errorf("unsupported OTLP protocol %q: pfviz exports traces over %s only", p, ProtocolHTTP)
	}
	return &cfg, nil
}

// Enabled reports whether ingestion spans are exported. It needs an endpoint
// and OTEL_SDK_DISABLED unset.
func (c *OTELConfig) Enabled() bool {
	return !c.SDKDisabled && c.GetEndpoint() != ""
}

// GetEndpoint returns the traces endpoint, falling back to the generic one.
func (c *OTELConfig) GetEndpoint() string {
	if c.TracesEndpoint != "" {
		return c.TracesEndpoint
	}
	return c.ExporterEndpoint
}

// GetProtocol returns the traces protocol, falling back to the generic one
// and then to http/protobuf.
func (c *OTELConfig) GetProtocol() string {
	for _, p := range []string{c.TracesProtocol, c.Protocol} {
		if p = strings.TrimSpace(p); p != "" {
			return p
		}
	}
	return ProtocolHTTP
}

// ParseResourceAttributes turns "key1=value1,key2=value2" into attributes.
// Pairs without '=' or with an empty key are ignored.
func (c *OTELConfig) ParseResourceAttributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for pair := range strings.SplitSeq(c.ResourceAttributes, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		attrs = append(attrs, attribute.String(key, strings.TrimSpace(value)))
	}
	return attrs
}
