package output

import (
	"context"
	"fmt"

	"github.com/mrzor/iowatcher/internal/blktrace"
	"github.com/mrzor/iowatcher/internal/classify"
	"github.com/mrzor/iowatcher/internal/timesync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Spans emits one zero-length span per event, stamped with the event's
// wall-clock time.
type Spans struct {
	tracer    trace.Tracer
	converter *timesync.Converter
}

// NewSpans creates a span formatter.
func NewSpans(tracer trace.Tracer, converter *timesync.Converter) *Spans {
	return &Spans{tracer: tracer, converter: converter}
}

// HandleEvent emits the span for rec. A TIMESTAMP notification that cannot
// anchor the clock is still emitted, with the reason as an attribute.
func (s *Spans) HandleEvent(rec *blktrace.Record, ev classify.Event) error {
	attrs := []attribute.KeyValue{
		attribute.String("blktrace.device", fmt.Sprintf("%d,%d", rec.Major(), rec.Minor())),
		attribute.Int64("blktrace.cpu", int64(rec.CPU)),
		attribute.Int64("blktrace.sequence", int64(rec.Sequence)),
		attribute.Int64("process.pid", int64(rec.PID)),
		attribute.String("process.command", rec.Command()),
	}

	switch e := ev.(type) {
	case classify.Notification:
		switch e.Kind {
		case classify.NotifyTimestamp:
			if err := s.converter.Anchor(rec); err != nil {
				attrs = append(attrs, attribute.String("blktrace.anchor_error", err.Error()))
			}
		case classify.NotifyMessage:
			attrs = append(attrs, attribute.String("blktrace.message", rec.Message()))
		}
	case classify.BlockAction:
		//nolint:gosec // sector numbers fit in int64 on any real device
		attrs = append(attrs,
			attribute.Int64("blktrace.sector", int64(rec.Sector)),
			attribute.Int64("blktrace.bytes", int64(rec.Bytes)),
			attribute.String("blktrace.rwbs", rwbs(rec)),
			attribute.Bool("blktrace.write", e.Write),
			attribute.Bool("blktrace.cgroup", e.CgroupAttributed),
			attribute.Int("blktrace.error", int(rec.Error)),
		)
	}

	at := s.converter.ToWallClock(rec.Time)
	_, span := s.tracer.Start(context.Background(), "blktrace."+ev.Label(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(at),
		trace.WithAttributes(attrs...),
	)
	span.End(trace.WithTimestamp(at))
	return nil
}
