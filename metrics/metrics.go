// Package metrics exposes the engine counters as OpenTelemetry instruments.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const name = "github.com/fzft/go-mini-httpd"

// Metrics groups the instruments updated by the reactor.
type Metrics struct {
	accepted  metric.Int64Counter
	rejected  metric.Int64Counter
	evicted   metric.Int64Counter
	dropped   metric.Int64Counter
	responses metric.Int64Counter
}

// New registers the instruments on provider. live is sampled for the
// live-connection gauge and may be nil.
func New(provider metric.MeterProvider, live func() int64) (*Metrics, error) {
	meter := provider.Meter(name)
	m := &Metrics{}

	var err error
	if m.accepted, err = meter.Int64Counter("httpd.connections.accepted",
		metric.WithDescription("Connections accepted and registered"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Int64Counter("httpd.connections.rejected",
		metric.WithDescription("Connections closed at accept because the table was full"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, err
	}
	if m.evicted, err = meter.Int64Counter("httpd.connections.evicted",
		metric.WithDescription("Idle connections closed by the timer sweep"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("httpd.queue.dropped",
		metric.WithDescription("Ready connections not queued because the worker queue was full"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, err
	}
	if m.responses, err = meter.Int64Counter("httpd.responses",
		metric.WithDescription("Responses fully sent, by status code"),
		metric.WithUnit("{response}")); err != nil {
		return nil, err
	}

	if live != nil {
		_, err = meter.Int64ObservableGauge("httpd.connections.live",
			metric.WithDescription("Open client connections"),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(live())
				return nil
			}))
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider(), nil)
	return m
}

func (m *Metrics) Accepted(ctx context.Context) { m.accepted.Add(ctx, 1) }
func (m *Metrics) Rejected(ctx context.Context) { m.rejected.Add(ctx, 1) }
func (m *Metrics) Evicted(ctx context.Context)  { m.evicted.Add(ctx, 1) }
func (m *Metrics) Dropped(ctx context.Context)  { m.dropped.Add(ctx, 1) }

func (m *Metrics) Response(ctx context.Context, code int) {
	m.responses.Add(ctx, 1, metric.WithAttributes(attribute.Int("http.status_code", code)))
}

// NewProvider builds a meter provider exporting over OTLP/gRPC to endpoint
// every interval and installs it as the global provider.
func NewProvider(ctx context.Context, endpoint string, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", "httpd")))
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)
	return provider, nil
}
