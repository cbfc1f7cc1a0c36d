package pipeline

import (
	"context"
	"errors"

	"github.com/mrzor/iowatcher/internal/blktrace"
	"github.com/mrzor/iowatcher/internal/credentials"
	"github.com/mrzor/iowatcher/internal/metrics"
	"github.com/mrzor/iowatcher/internal/relay"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Error kinds, used as the error metric label and log field.
const (
	KindTruncatedFrame        = "truncated_frame"
	KindBadMagic              = "bad_magic"
	KindHandshakeFailure      = "handshake_failure"
	KindStreamFailure         = "stream_failure"
	KindCredentialLoadFailure = "credential_load_failure"
	KindCanceled              = "canceled"
	KindIOError               = "io_error"
)

// ErrorKind attributes a terminal pipeline error to exactly one kind. It
// returns "" for nil.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, blktrace.ErrTruncatedFrame):
		return KindTruncatedFrame
	case errors.Is(err, blktrace.ErrBadMagic):
		return KindBadMagic
	case errors.Is(err, credentials.ErrCredentialLoad):
		return KindCredentialLoadFailure
	case errors.Is(err, relay.ErrHandshake):
		return KindHandshakeFailure
	case errors.Is(err, relay.ErrStream):
		return KindStreamFailure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindIOError
	}
}

// Report logs the outcome of one pipeline run and counts failures under
// metrics.SessionErrors, with labels added to the error label.
func Report(ctx context.Context, recorder metrics.Recorder, logger *zap.Logger, what string, err error, labels ...attribute.KeyValue) {
	kind := ErrorKind(err)
	switch kind {
	case "":
		logger.Info(what + " finished")
	case KindCanceled:
		logger.Info(what+" stopped", zap.Error(err))
	default:
		recorder.Increment(ctx, metrics.SessionErrors, append([]attribute.KeyValue{attribute.String(metrics.LabelError, kind)}, labels...)...)
		logger.Error(what+" failed", zap.String("error_kind", kind), zap.Error(err))
	}
}
