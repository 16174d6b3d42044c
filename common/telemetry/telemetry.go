// Package telemetry installs the OpenTelemetry tracer provider used by hokhau binaries.
package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"hokhau/common/config"
)

// Telemetry 持有已安装的 TracerProvider；未启用时为空壳
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
}

// New 按配置创建 OTLP gRPC 导出器并安装为全局 TracerProvider
func New(ctx context.Context, cfg *config.TracingConfig, log *zap.Logger) (*Telemetry, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		log.Info("Tracing disabled")
		return &Telemetry{}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint(cfg.Endpoint)),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	t := Install(cfg, sdktrace.WithBatcher(exporter))
	log.Info("Tracing initialized",
		zap.String("service", cfg.ServiceName),
		zap.String("endpoint", cfg.Endpoint),
		zap.Float64("sampling_ratio", cfg.SamplingRatio),
	)
	return t, nil
}

// Install 用给定的 span 处理方式构建 TracerProvider 并设为全局
func Install(cfg *config.TracingConfig, opts ...sdktrace.TracerProviderOption) *Telemetry {
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))
	opts = append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
	}, opts...)

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Telemetry{tracerProvider: tp}
}

// Enabled reports whether a tracer provider was installed.
func (t *Telemetry) Enabled() bool { return t.tracerProvider != nil }

// Shutdown 刷出未导出的 span 并关闭导出器
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.tracerProvider == nil {
		return nil
	}
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("trace provider shutdown: %w", err)
	}
	return nil
}

// endpoint 去掉 scheme，otlptracegrpc 只接受 host:port
func endpoint(raw string) string {
	for _, prefix := range []string{"grpc://", "http://", "https://"} {
		raw = strings.TrimPrefix(raw, prefix)
	}
	return raw
}
