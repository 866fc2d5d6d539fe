// Package traces wires OpenTelemetry tracing for registry operations.
package traces

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/phraseclaim/registry"

// Options configures the exporter. An empty Endpoint disables export.
type Options struct {
	Endpoint    string
	Version     string
	Environment string
	SampleRatio float64 // 0 or >= 1 samples everything
}

// Init installs a global tracer provider exporting over OTLP gRPC and returns
// its shutdown function.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("phraseclaim"),
			semconv.ServiceVersion(opts.Version),
			semconv.DeploymentEnvironment(opts.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opts.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "sample_ratio", opts.SampleRatio)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartOperation opens the span for one registry operation.
func StartOperation(ctx context.Context, op string, key common.Hash, caller common.Address) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "registry."+op,
		trace.WithAttributes(ItemKey(key), Caller(caller)))
}

// EndOperation records the outcome code and closes span.
func EndOperation(span trace.Span, code string, err error) {
	span.SetAttributes(attribute.String("registry.result", code))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
	}
	span.End()
}

func ItemKey(key common.Hash) attribute.KeyValue {
	return attribute.String("registry.item_key", key.Hex())
}

func Caller(addr common.Address) attribute.KeyValue {
	return attribute.String("registry.caller", addr.Hex())
}

func NewOwner(addr common.Address) attribute.KeyValue {
	return attribute.String("registry.new_owner", addr.Hex())
}
