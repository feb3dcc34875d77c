// Package telemetry exports the broker's frame and match spans.
//
// The broker opens one span per inbound frame, named broker.<type>, and a
// broker.match span for each delayed pairing attempt. Without an OTLP
// endpoint those spans go to the global no-op provider and cost nothing.
package telemetry

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"chatme/internal/config"
)

// Tracing owns the installed tracer provider, if any.
type Tracing struct {
	provider   *sdktrace.TracerProvider
	instanceID string
}

// Setup points the global tracer at cfg.OTLPEndpoint. Each process gets its
// own service.instance.id so spans from several brokers can be told apart.
func Setup(ctx context.Context, cfg *config.TelemetryConfig) (*Tracing, error) {
	if cfg == nil || cfg.OTLPEndpoint == "" {
		log.Debug().Msg("Tracing disabled")
		return &Tracing{}, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
	if err != nil {
		return nil, err
	}

	instanceID := uuid.NewString()
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceInstanceID(instanceID),
	))
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	log.Info().Str("endpoint", cfg.OTLPEndpoint).Str("instance_id", instanceID).Msg("Exporting broker spans")
	return &Tracing{provider: provider, instanceID: instanceID}, nil
}

// Enabled reports whether spans leave the process.
func (t *Tracing) Enabled() bool {
	return t.provider != nil
}

// InstanceID is empty when tracing is disabled.
func (t *Tracing) InstanceID() string {
	return t.instanceID
}

// Shutdown flushes buffered spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
