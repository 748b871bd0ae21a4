// Package telemetry wires OpenTelemetry tracing and metrics: a Prometheus
// reader for scraping and an optional OTLP trace exporter.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds the telemetry configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// OTLPEndpoint is the OTLP gRPC endpoint for trace export. Empty
	// disables export; spans are still recorded for sampling decisions.
	OTLPEndpoint string

	Enabled bool
}

func DefaultConfig() Config {
	return Config{
		ServiceName:    "palauth",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Enabled:        true,
	}
}

// Provider manages the tracer and meter providers plus the protocol-level
// instruments.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	codeExchangeCounter metric.Int64Counter
	tokenIssuedCounter  metric.Int64Counter
	signinCounter       metric.Int64Counter
	twofactorCounter    metric.Int64Counter
	iamCheckCounter     metric.Int64Counter
}

func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg}, nil
	}

	p := &Provider{config: cfg}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	if err := p.setupTracing(res); err != nil {
		return nil, err
	}
	if err := p.setupMetrics(res); err != nil {
		return nil, err
	}
	if err := p.initInstruments(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) setupTracing(res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
	}

	if p.config.OTLPEndpoint != "" {
		exporter, err := otlptracegrpc.New(
			context.Background(),
			otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tracerProvider)
	p.tracer = p.tracerProvider.Tracer(p.config.ServiceName)
	return nil
}

func (p *Provider) setupMetrics(res *resource.Resource) error {
	exporter, err := prometheus.New()
	if err != nil {
		return err
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter(p.config.ServiceName)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.codeExchangeCounter, err = p.meter.Int64Counter(
		"palauth.code_exchange.total",
		metric.WithDescription("Authorization code exchanges"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	p.tokenIssuedCounter, err = p.meter.Int64Counter(
		"palauth.token_issued.total",
		metric.WithDescription("Tokens issued, by type"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	p.signinCounter, err = p.meter.Int64Counter(
		"palauth.signin.total",
		metric.WithDescription("Sign-in attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	p.twofactorCounter, err = p.meter.Int64Counter(
		"palauth.twofactor.total",
		metric.WithDescription("Second-factor verifications, by method"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	p.iamCheckCounter, err = p.meter.Int64Counter(
		"palauth.iam_check.total",
		metric.WithDescription("IAM permission and resource checks"),
		metric.WithUnit("1"),
	)
	return err
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(p.config.ServiceName)
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(p.config.ServiceName)
	}
	return p.meter
}

func statusAttr(success bool) attribute.KeyValue {
	if success {
		return attribute.String("status", "success")
	}
	return attribute.String("status", "failure")
}

// RecordCodeExchange records an authorization code exchange attempt.
func (p *Provider) RecordCodeExchange(ctx context.Context, success bool) {
	if p.codeExchangeCounter == nil {
		return
	}
	p.codeExchangeCounter.Add(ctx, 1, metric.WithAttributes(statusAttr(success)))
}

// RecordTokenIssued records a minted token.
func (p *Provider) RecordTokenIssued(ctx context.Context, tokenType string) {
	if p.tokenIssuedCounter == nil {
		return
	}
	p.tokenIssuedCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", tokenType)))
}

// RecordSignin records a password sign-in attempt.
func (p *Provider) RecordSignin(ctx context.Context, success bool) {
	if p.signinCounter == nil {
		return
	}
	p.signinCounter.Add(ctx, 1, metric.WithAttributes(statusAttr(success)))
}

// RecordTwoFactor records a second-factor verification.
func (p *Provider) RecordTwoFactor(ctx context.Context, method string, success bool) {
	if p.twofactorCounter == nil {
		return
	}
	p.twofactorCounter.Add(ctx, 1,
		metric.WithAttributes(statusAttr(success), attribute.String("method", method)))
}

// RecordIAMCheck records a permission or resource authorization check.
func (p *Provider) RecordIAMCheck(ctx context.Context, kind string, allowed bool) {
	if p.iamCheckCounter == nil {
		return
	}
	p.iamCheckCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.Bool("allowed", allowed),
		))
}
