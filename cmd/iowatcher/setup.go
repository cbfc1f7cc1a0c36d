package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mrzor/iowatcher/internal/config"
	"github.com/mrzor/iowatcher/internal/filter"
	"github.com/mrzor/iowatcher/internal/logging"
	"github.com/mrzor/iowatcher/internal/metrics"
	"github.com/mrzor/iowatcher/internal/otel"
	"github.com/mrzor/iowatcher/internal/output"
	"github.com/mrzor/iowatcher/internal/pipeline"
	"github.com/mrzor/iowatcher/internal/relay"
	"github.com/mrzor/iowatcher/internal/timesync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownTimeout = 5 * time.Second

// runtime is what every command needs once flags are parsed.
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	recorder metrics.Recorder
	tracer   trace.Tracer
}

// setup builds logging, metrics and tracing for one command. The returned
// cleanup flushes them in reverse order.
func setup(ctx context.Context, cfg *config.Config) (*runtime, func(), error) {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		_ = logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
	}

	res, err := otel.NewResource(ctx, &cfg.OTEL)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	recorder, metricsCleanup, err := setupMetrics(ctx, cfg, res, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	cleanups = append(cleanups, metricsCleanup)

	tracer, tracingCleanup, err := setupTracing(ctx, cfg, res, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	cleanups = append(cleanups, tracingCleanup)

	return &runtime{cfg: cfg, logger: logger, recorder: recorder, tracer: tracer}, cleanup, nil
}

// setupMetrics starts the Prometheus exporter when an address is configured.
func setupMetrics(ctx context.Context, cfg *config.Config, res *resource.Resource, logger *zap.Logger) (metrics.Recorder, func(), error) {
	if cfg.MetricsListen == "" {
		return metrics.Nop{}, func() {}, nil
	}

	registry := prometheus.NewRegistry()
	provider, err := metrics.NewPrometheusProvider(registry, res)
	if err != nil {
		return nil, nil, err
	}

	serveCtx, stop := context.WithCancel(ctx)
	go func() {
		if err := metrics.Serve(serveCtx, cfg.MetricsListen, registry, logger); err != nil {
			logger.Error("metrics exporter stopped", zap.Error(err))
		}
	}()

	cleanup := func() {
		stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down meter provider", zap.Error(err))
		}
	}
	return metrics.NewOTELRecorder(provider, logger), cleanup, nil
}

// setupTracing exports spans over OTLP when an endpoint is configured or
// events are rendered as spans. Otherwise the tracer is a no-op.
func setupTracing(ctx context.Context, cfg *config.Config, res *resource.Resource, logger *zap.Logger) (trace.Tracer, func(), error) {
	if !cfg.OTEL.TracingConfigured() && cfg.Output != config.OutputOTEL {
		return noop.NewTracerProvider().Tracer("iowatcher"), func() {}, nil
	}

	tp, err := otel.InitProvider(ctx, &cfg.OTEL, res, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("ABORT: failed to initialize OTEL provider: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
			logger.Warn("shutting down tracer provider", zap.Error(err))
		}
	}
	return tp.Tracer("iowatcher"), cleanup, nil
}

// ingester assembles the decode side from the output and filter settings.
func (rt *runtime) ingester() (*pipeline.Ingester, error) {
	flt, err := filter.Compile(rt.cfg.Filter)
	if err != nil {
		return nil, err
	}

	in := &pipeline.Ingester{
		Recorder: rt.recorder,
		Filter:   flt,
		Logger:   rt.logger,
	}

	if rt.cfg.Output == config.OutputNone {
		return in, nil
	}

	// Every stream anchors its own clock, so each Run gets its own converter.
	boot, err := timesync.NewConverter()
	if err != nil {
		return nil, err
	}
	stdout := zapcore.Lock(os.Stdout)
	switch rt.cfg.Output {
	case config.OutputText:
		in.NewHandler = func() pipeline.Handler {
			return output.NewText(stdout, timesync.NewConverterAt(boot.BootTime()))
		}
	case config.OutputOTEL:
		in.NewHandler = func() pipeline.Handler {
			return output.NewSpans(rt.tracer, timesync.NewConverterAt(boot.BootTime()))
		}
	}
	return in, nil
}

// relayOptions maps session settings onto relay.Options.
func (rt *runtime) relayOptions() relay.Options {
	return relay.Options{
		EarlyData:    rt.cfg.EarlyData,
		IdleTimeout:  rt.cfg.IdleTimeout,
		CloseTimeout: rt.cfg.CloseTimeout,
		Logger:       rt.logger,
		Tracer:       rt.tracer,
	}
}
