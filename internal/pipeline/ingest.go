package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/mrzor/iowatcher/internal/blktrace"
	"github.com/mrzor/iowatcher/internal/classify"
	"github.com/mrzor/iowatcher/internal/filter"
	"github.com/mrzor/iowatcher/internal/fragment"
	"github.com/mrzor/iowatcher/internal/metrics"
	"github.com/mrzor/iowatcher/internal/relay"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Handler receives every decoded record that passes the filter, in stream
// order.
type Handler interface {
	HandleEvent(rec *blktrace.Record, ev classify.Event) error
}

// Ingester decodes, classifies and records frames. The zero value records to
// nowhere and accepts every record. Its fields are read-only once Run starts,
// so one Ingester may serve many sessions.
type Ingester struct {
	Recorder metrics.Recorder
	Filter   *filter.Filter

	// Handler receives the records of every Run. Under Serve it is shared by
	// all sessions and must be safe for concurrent use.
	Handler Handler

	// NewHandler, if set, is called once per Run and takes precedence over
	// Handler. Use it for handlers with per-stream state such as a clock
	// anchor.
	NewHandler func() Handler

	Logger *zap.Logger
}

// Run ingests src until it ends cleanly at a frame boundary (nil), a frame is
// malformed, or ctx is cancelled. If src is an io.Closer, cancelling ctx
// closes it.
func (in *Ingester) Run(ctx context.Context, src io.Reader) error {
	stop := closeOnCancel(ctx, src)
	defer stop()

	handler := in.Handler
	if in.NewHandler != nil {
		handler = in.NewHandler()
	}

	frames := fragment.NewReader(src)
	gaps := newSequenceTracker()
	for {
		frame, err := frames.Next()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			in.logger().Debug("source exhausted", zap.Uint64("frames", frames.Count()))
			return nil
		}
		if err != nil {
			return err
		}

		if err := in.process(ctx, frame.Raw, handler, gaps); err != nil {
			return fmt.Errorf("frame %d: %w", frames.Count(), err)
		}
	}
}

// RunSession ingests one accepted relay session and closes it. An ingest
// failure fails the session, so the producer sees an error close instead of
// a clean drain.
func (in *Ingester) RunSession(ctx context.Context, sess *relay.Session) (err error) {
	defer func() {
		if closeErr := sess.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if err := sess.AcceptStream(ctx); err != nil {
		return err
	}

	err = in.Run(ctx, sess)
	if err != nil && ErrorKind(err) != KindCanceled {
		sess.Fail(err)
	}
	return err
}

func (in *Ingester) process(ctx context.Context, raw []byte, handler Handler, gaps *sequenceTracker) error {
	recorder := in.recorder()
	start := time.Now()

	rec, err := blktrace.Decode(raw)
	if err != nil {
		failed := attribute.Bool(metrics.LabelOK, false)
		recorder.Increment(ctx, metrics.PacketsRead, failed)
		recorder.Observe(ctx, metrics.PacketTime, time.Since(start), failed)
		return err
	}

	ev := classify.Classify(rec)
	if classify.IsUnknown(ev) {
		in.logger().Debug("unrecognized action code",
			zap.Uint32("action", rec.Action),
			zap.Uint32("sequence", rec.Sequence))
	}
	if gaps.observe(rec) {
		recorder.Increment(ctx, metrics.SequenceGaps, attribute.String(metrics.LabelCPU, strconv.FormatUint(uint64(rec.CPU), 10)))
	}

	keep, err := in.Filter.Match(rec, ev)
	if err != nil {
		in.logger().Warn("filter failed, keeping record", zap.Uint32("sequence", rec.Sequence), zap.Error(err))
		keep = true
	}

	if keep && handler != nil {
		if err := handler.HandleEvent(rec, ev); err != nil {
			return fmt.Errorf("handling %s: %w", ev.Label(), err)
		}
	}

	labels := []attribute.KeyValue{
		attribute.String(metrics.LabelKind, ev.Label()),
		attribute.Bool(metrics.LabelOK, true),
	}
	if !keep {
		recorder.Increment(ctx, metrics.FramesFiltered, labels[0])
	}
	recorder.Increment(ctx, metrics.PacketsRead, labels...)
	recorder.Observe(ctx, metrics.PacketTime, time.Since(start), labels...)
	return nil
}

func (in *Ingester) recorder() metrics.Recorder {
	if in.Recorder == nil {
		return metrics.Nop{}
	}
	return in.Recorder
}

func (in *Ingester) logger() *zap.Logger {
	if in.Logger == nil {
		return zap.NewNop()
	}
	return in.Logger
}

// sequenceTracker detects discontinuities in the per-device, per-CPU
// sequence numbers the kernel assigns.
type sequenceTracker struct {
	last map[sequenceKey]uint32
}

type sequenceKey struct {
	device uint32
	cpu    uint32
}

func newSequenceTracker() *sequenceTracker {
	return &sequenceTracker{last: make(map[sequenceKey]uint32)}
}

// observe records rec's sequence and reports whether it did not directly
// follow the previous one from the same source.
func (t *sequenceTracker) observe(rec *blktrace.Record) bool {
	key := sequenceKey{device: rec.Device, cpu: rec.CPU}
	last, seen := t.last[key]
	t.last[key] = rec.Sequence
	return seen && rec.Sequence != last+1
}
