package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mrzor/iowatcher/internal/fragment"
	"github.com/mrzor/iowatcher/internal/metrics"

	"go.uber.org/zap"
)

// Sender delivers raw frames to a destination. relay.Session implements it.
type Sender interface {
	SendFrame(frame []byte) error
	Close() error
}

// Relay copies whole frames from src to dst until src ends, a frame fails, or
// ctx is cancelled. dst is closed exactly once on every path; a clean close
// error is returned when nothing else failed.
//
// If src is an io.Closer, cancelling ctx closes it to unblock a pending read.
// A partially read frame is discarded.
func Relay(ctx context.Context, src io.Reader, dst Sender, recorder metrics.Recorder, logger *zap.Logger) (err error) {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	stop := closeOnCancel(ctx, src)
	defer stop()

	frames := fragment.NewReader(src)
	defer func() {
		if closeErr := dst.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing destination: %w", closeErr)
		}
		logger.Debug("relay finished", zap.Uint64("frames", frames.Count()))
	}()

	for {
		frame, err := frames.Next()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		start := time.Now()
		if err := dst.SendFrame(frame.Raw); err != nil {
			return fmt.Errorf("relaying frame %d: %w", frames.Count(), err)
		}
		recorder.Observe(ctx, metrics.RelaySendTime, time.Since(start))
		recorder.Increment(ctx, metrics.FramesRelayed)
	}
}

// closeOnCancel closes src when ctx is done. The returned func releases the
// watcher; it does not close src.
func closeOnCancel(ctx context.Context, src io.Reader) func() {
	closer, ok := src.(io.Closer)
	if !ok {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = closer.Close() //nolint:errcheck // unblocking a read; the reader reports the outcome
		case <-done:
		}
	}()
	return func() { close(done) }
}
