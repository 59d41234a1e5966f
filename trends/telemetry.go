package trends

import (
	"context"

	"github.com/hazyhaar/trendscrape/trends/internal/telemetry"
)

// SetupTelemetry installs the OTLP trace and metric exporters described by
// cfg.Telemetry. Call it before New. The returned func flushes and stops
// them; it is a no-op when no endpoint is configured.
func SetupTelemetry(ctx context.Context, cfg *Config) (func(context.Context) error, error) {
	tel, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Headers:     cfg.Telemetry.Headers,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, err
	}
	return tel.Shutdown, nil
}
