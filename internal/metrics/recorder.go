// Package metrics records per-frame counters and latency histograms.
//
// Recorder is the narrow interface the pipeline calls after each frame.
// OTELRecorder implements it on an OpenTelemetry meter; in production the
// meter provider is backed by the Prometheus exporter (see
// NewPrometheusProvider) and scraped over HTTP.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Metric names.
const (
	PacketsRead    = "iowatcher.packets_read"
	PacketTime     = "iowatcher.packet_time"
	FramesRelayed  = "iowatcher.frames_relayed"
	RelaySendTime  = "iowatcher.relay_send_time"
	FramesFiltered = "iowatcher.frames_filtered"
	SequenceGaps   = "iowatcher.sequence_gaps"
	SessionErrors  = "iowatcher.session_errors"
)

// Label keys.
const (
	LabelKind  = "kind"
	LabelOK    = "ok"
	LabelError = "error"
	LabelCPU   = "cpu"
	LabelPeer  = "peer"
)

// Recorder receives counter increments and duration observations. Any
// implementation must be safe for concurrent use by multiple sessions.
type Recorder interface {
	Increment(ctx context.Context, name string, labels ...attribute.KeyValue)
	Observe(ctx context.Context, name string, d time.Duration, labels ...attribute.KeyValue)
}

// Nop discards everything.
type Nop struct{}

// Increment implements Recorder.
func (Nop) Increment(context.Context, string, ...attribute.KeyValue) {}

// Observe implements Recorder.
func (Nop) Observe(context.Context, string, time.Duration, ...attribute.KeyValue) {}

var descriptions = map[string]string{
	PacketsRead:    "Trace frames read and processed",
	PacketTime:     "Histogram of packet processing time by main loop",
	FramesRelayed:  "Trace frames sent to a remote collector",
	RelaySendTime:  "Time spent sending one frame to a remote collector",
	FramesFiltered: "Trace frames dropped by the event filter",
	SequenceGaps:   "Sequence discontinuities observed per CPU",
	SessionErrors:  "Relay or ingest sessions that ended with an error",
}

// OTELRecorder implements Recorder on an OpenTelemetry meter. Instruments are
// created on first use and cached.
type OTELRecorder struct {
	meter  metric.Meter
	logger *zap.Logger

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// NewOTELRecorder creates a recorder using a meter from provider.
func NewOTELRecorder(provider metric.MeterProvider, logger *zap.Logger) *OTELRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OTELRecorder{
		meter:      provider.Meter("github.com/mrzor/iowatcher"),
		logger:     logger,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// Increment adds one to the named counter.
func (r *OTELRecorder) Increment(ctx context.Context, name string, labels ...attribute.KeyValue) {
	counter := r.counter(name)
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(labels...))
}

// Observe records d, in seconds, into the named histogram.
func (r *OTELRecorder) Observe(ctx context.Context, name string, d time.Duration, labels ...attribute.KeyValue) {
	histogram := r.histogram(name)
	if histogram == nil {
		return
	}
	histogram.Record(ctx, d.Seconds(), metric.WithAttributes(labels...))
}

func (r *OTELRecorder) counter(name string) metric.Int64Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.counters[name]; ok {
		return c
	}
	c, err := r.meter.Int64Counter(name, metric.WithDescription(descriptions[name]))
	if err != nil {
		r.logger.Warn("creating counter", zap.String("name", name), zap.Error(err))
		return nil
	}
	r.counters[name] = c
	return c
}

func (r *OTELRecorder) histogram(name string) metric.Float64Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.histograms[name]; ok {
		return h
	}
	h, err := r.meter.Float64Histogram(name,
		metric.WithDescription(descriptions[name]),
		metric.WithUnit("s"),
	)
	if err != nil {
		r.logger.Warn("creating histogram", zap.String("name", name), zap.Error(err))
		return nil
	}
	r.histograms[name] = h
	return h
}
