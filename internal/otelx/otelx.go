package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/keithlinneman/transit-web/internal/log"
	"github.com/keithlinneman/transit-web/internal/xerrors"
)

const (
	DefaultService   = "transit"
	DefaultComponent = "web"
)

type Options struct {
	Enabled  bool
	Endpoint string
	Insecure bool
	// Sample is the root span ratio, clamped to [0, 1]
	Sample    float64
	Service   string
	Component string
	Version   string

	// Environment and Hostname become resource attributes when set
	Environment string
	Hostname    string
}

func (o Options) serviceName() string {
	svc, comp := o.Service, o.Component
	if svc == "" {
		svc = DefaultService
	}
	if comp == "" {
		comp = DefaultComponent
	}
	return svc + "." + comp
}

func clampSample(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

func setPropagator() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
}

// Init installs the global tracer provider and propagator. When disabled
// spans are still created so request IDs and route annotation work, they
// are just never exported.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		setPropagator()
		return func(context.Context) error { return nil }, nil
	}
	if o.Endpoint == "" {
		return nil, xerrors.New("otel: endpoint is required when tracing is enabled")
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(o.Endpoint),
	}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	// the collector is local, 3s is plenty
	dialCtx, dialCancel := context.WithTimeout(ctx, 3*time.Second)
	defer dialCancel()
	exp, err := otlptracegrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, xerrors.Wrap(err, "otel: create exporter")
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(o.serviceName()),
		semconv.ServiceVersionKey.String(o.Version),
	}
	if o.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", o.Environment))
	}
	if o.Hostname != "" {
		attrs = append(attrs, attribute.String("transit.hostname", o.Hostname))
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		// partial resources are still usable
		log.FromContext(ctx).Warn(ctx, "otel resource detection incomplete", "err", err)
	}

	sample := clampSample(o.Sample)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(sample),
		)),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	setPropagator()

	log.FromContext(ctx).Info(ctx, "otel tracing enabled",
		"endpoint", o.Endpoint,
		"service", o.serviceName(),
		"sample", sample,
	)
	return tp.Shutdown, nil
}
