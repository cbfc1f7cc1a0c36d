package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrzor/iowatcher/internal/blktrace"
	"github.com/mrzor/iowatcher/internal/credentials"
	"github.com/mrzor/iowatcher/internal/fragment"

	"github.com/quic-go/quic-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

var (
	// ErrHandshake reports a failure to establish the secure connection.
	ErrHandshake = errors.New("relay handshake failed")

	// ErrStream reports a failure on an established connection or its stream.
	ErrStream = errors.New("relay stream failed")
)

const (
	codeOK     quic.ApplicationErrorCode = 0
	codeFailed quic.ApplicationErrorCode = 1

	streamCodeFailed   quic.StreamErrorCode = 1
	streamCodeCanceled quic.StreamErrorCode = 2

	defaultCloseTimeout = 5 * time.Second
)

// State is a session lifecycle state.
type State int32

// Session states. Failed is reachable from every state before Closed.
const (
	StateIdle State = iota
	StateConnecting
	StateEstablished
	StateStreaming
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options tunes a session. The zero value is usable.
type Options struct {
	// EarlyData lets the producer send before the handshake is confirmed and
	// lets the collector accept such data. Early frames can be replayed by
	// an attacker until the handshake completes; leave this off when a
	// duplicated frame is unacceptable.
	EarlyData bool

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	KeepAlive        time.Duration

	// CloseTimeout bounds how long a producer waits for the collector to
	// drain the stream on Close.
	CloseTimeout time.Duration

	Logger *zap.Logger
	Tracer trace.Tracer
}

func (o Options) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: o.HandshakeTimeout,
		MaxIdleTimeout:       o.IdleTimeout,
		KeepAlivePeriod:      o.KeepAlive,
		Allow0RTT:            o.EarlyData,
	}
}

func (o Options) closeTimeout() time.Duration {
	if o.CloseTimeout > 0 {
		return o.CloseTimeout
	}
	return defaultCloseTimeout
}

// Session is one end of a unidirectional frame relay. The producer end sends,
// the collector end receives. A Session owns its connection until Close.
type Session struct {
	role   string
	remote string
	opts   Options
	logger *zap.Logger
	span   trace.Span

	conn   quic.EarlyConnection
	send   quic.SendStream
	recv   quic.ReceiveStream
	frames *fragment.Reader

	state    atomic.Int32
	sent     atomic.Uint64
	received atomic.Uint64
	recvDone atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

func newSession(ctx context.Context, role, remote string, kind trace.SpanKind, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}

	_, span := tracer.Start(ctx, "relay.session",
		trace.WithSpanKind(kind),
		trace.WithAttributes(
			attribute.String("relay.role", role),
			attribute.String("relay.remote", remote),
			attribute.Bool("relay.early_data", opts.EarlyData),
		),
	)

	s := &Session{
		role:   role,
		remote: remote,
		opts:   opts,
		logger: logger.With(zap.String("role", role), zap.String("remote", remote)),
		span:   span,
	}
	s.setState(StateIdle)
	return s
}

// Connect dials a collector and opens the relay stream.
//
// Without EarlyData, Connect returns once the handshake is confirmed. With
// EarlyData it returns as soon as the connection can carry data, which on a
// resumed connection is before the collector has authenticated it.
func Connect(ctx context.Context, address string, creds *Credentials, opts Options) (*Session, error) {
	s := newSession(ctx, "producer", address, trace.SpanKindClient, opts)
	s.setState(StateConnecting)

	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, s.abort(fmt.Errorf("%w: %w", ErrHandshake, err))
	}

	conn, err := quic.DialAddrEarly(ctx, address, creds.clientConfig(host), opts.quicConfig())
	if err != nil {
		return nil, s.abort(fmt.Errorf("%w: dialing %s: %w", ErrHandshake, address, err))
	}
	s.conn = conn

	if !opts.EarlyData {
		if err := s.awaitHandshake(ctx); err != nil {
			return nil, s.abort(err)
		}
	}
	s.setState(StateEstablished)

	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, s.abort(fmt.Errorf("%w: opening stream: %w", ErrStream, err))
	}
	s.send = stream
	s.setState(StateStreaming)

	s.logger.Info("relay session established",
		zap.Bool("early_data", opts.EarlyData),
		zap.Bool("used_0rtt", s.Used0RTT()))
	return s, nil
}

// Listener accepts producer sessions.
type Listener struct {
	ln     *quic.EarlyListener
	opts   Options
	logger *zap.Logger
}

// Listen starts a collector endpoint on address.
func Listen(address string, creds *Credentials, opts Options) (*Listener, error) {
	tlsConf, err := creds.serverConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", credentials.ErrCredentialLoad, err)
	}

	ln, err := quic.ListenAddrEarly(address, tlsConf, opts.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{ln: ln, opts: opts, logger: logger}, nil
}

// Addr returns the local address the listener is bound to.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for the next producer connection. It does not wait for the
// handshake: without EarlyData the session is still Connecting and
// AcceptStream completes it, so one slow producer cannot hold up the next.
// The caller owns the session and must Close it.
func (l *Listener) Accept(ctx context.Context) (*Session, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}

	s := newSession(ctx, "collector", conn.RemoteAddr().String(), trace.SpanKindServer, l.opts)
	s.conn = conn
	s.setState(StateConnecting)
	if l.opts.EarlyData {
		s.setState(StateEstablished)
	}
	s.logger.Debug("relay connection accepted")
	return s, nil
}

// Close stops accepting sessions. Established sessions are unaffected.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// AcceptStream completes a pending handshake, then waits for the producer to
// open its stream.
func (s *Session) AcceptStream(ctx context.Context) error {
	if s.State() == StateConnecting {
		if err := s.awaitHandshake(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.markFailed(err)
			return err
		}
		s.setState(StateEstablished)
	}
	if st := s.State(); st != StateEstablished {
		return fmt.Errorf("%w: accept stream in state %s", ErrStream, st)
	}

	stream, err := s.conn.AcceptUniStream(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.markFailed(err)
		return fmt.Errorf("%w: accepting stream: %w", ErrStream, err)
	}
	s.recv = stream
	s.frames = fragment.NewReader(s)
	s.setState(StateStreaming)
	s.logger.Info("relay session accepted", zap.Bool("used_0rtt", s.Used0RTT()))
	return nil
}

// Fail marks the session failed so that Close reports err to the peer with a
// non-zero error code. It has no effect once the session is closed.
func (s *Session) Fail(err error) {
	if st := s.State(); st == StateClosed || st == StateFailed {
		return
	}
	s.logger.Warn("relay session failed", zap.Error(err))
	s.markFailed(err)
}

// SendFrame writes one raw frame to the stream. It blocks while the peer's
// flow control window is exhausted.
func (s *Session) SendFrame(frame []byte) error {
	if st := s.State(); s.send == nil || st != StateStreaming {
		return fmt.Errorf("%w: send in state %s", ErrStream, st)
	}

	if _, err := s.send.Write(frame); err != nil {
		s.markFailed(err)
		return fmt.Errorf("%w: %w", ErrStream, err)
	}
	s.sent.Add(1)
	return nil
}

// Read reads raw stream bytes. It returns io.EOF once the producer has
// finished its stream.
func (s *Session) Read(p []byte) (int, error) {
	if s.recv == nil {
		return 0, fmt.Errorf("%w: no receive stream", ErrStream)
	}

	n, err := s.recv.Read(p)
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.recvDone.Store(true)
			return n, io.EOF
		}
		s.markFailed(err)
		return n, fmt.Errorf("%w: %w", ErrStream, err)
	}
	return n, nil
}

// ReceiveFrame returns the next complete frame from the stream, or io.EOF
// after the last one.
func (s *Session) ReceiveFrame() ([]byte, error) {
	if s.frames == nil {
		return nil, fmt.Errorf("%w: receive in state %s", ErrStream, s.State())
	}

	frame, err := s.frames.Next()
	if err != nil {
		if errors.Is(err, blktrace.ErrTruncatedFrame) {
			s.markFailed(err)
		}
		return nil, err
	}
	s.received.Add(1)
	return frame.Raw, nil
}

// Close ends the session. The producer finishes its stream and waits, up to
// Options.CloseTimeout, for the collector to close the connection; the
// collector closes the connection directly. A failed session is closed with
// an error code. Close is safe to call more than once; only the first call
// acts.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.close()
	})
	return s.closeErr
}

func (s *Session) close() error {
	defer s.span.End()
	s.span.SetAttributes(
		attribute.Int64("relay.frames_sent", int64(s.sent.Load())),         //nolint:gosec // counter
		attribute.Int64("relay.frames_received", int64(s.received.Load())), //nolint:gosec // counter
	)

	if s.State() == StateFailed {
		if s.send != nil {
			s.send.CancelWrite(streamCodeFailed)
		}
		if s.recv != nil {
			s.recv.CancelRead(streamCodeFailed)
		}
		_ = s.conn.CloseWithError(codeFailed, "relay failed") //nolint:errcheck // already failing
		s.logger.Warn("relay session closed after failure")
		return nil
	}
	s.setState(StateClosing)

	var err error
	if s.send != nil {
		if closeErr := s.send.Close(); closeErr != nil {
			err = fmt.Errorf("%w: finishing stream: %w", ErrStream, closeErr)
		} else {
			err = s.awaitPeerClose()
		}
	}
	if s.recv != nil && !s.recvDone.Load() {
		s.recv.CancelRead(streamCodeCanceled)
	}

	if err != nil {
		s.markFailed(err)
		_ = s.conn.CloseWithError(codeFailed, "relay failed") //nolint:errcheck // already failing
		return err
	}

	_ = s.conn.CloseWithError(codeOK, "") //nolint:errcheck // connection is done either way
	s.setState(StateClosed)
	s.logger.Info("relay session closed",
		zap.Uint64("frames_sent", s.sent.Load()),
		zap.Uint64("frames_received", s.received.Load()))
	return nil
}

// awaitPeerClose gives the collector time to read everything we sent. The
// collector signals completion by closing the connection.
func (s *Session) awaitPeerClose() error {
	timer := time.NewTimer(s.opts.closeTimeout())
	defer timer.Stop()

	select {
	case <-s.conn.Context().Done():
	case <-timer.C:
		return fmt.Errorf("%w: collector did not confirm the stream within %s", ErrStream, s.opts.closeTimeout())
	}

	var appErr *quic.ApplicationError
	if cause := context.Cause(s.conn.Context()); errors.As(cause, &appErr) && appErr.Remote && appErr.ErrorCode != codeOK {
		return fmt.Errorf("%w: collector closed the connection: %w", ErrStream, appErr)
	}
	return nil
}

func (s *Session) awaitHandshake(ctx context.Context) error {
	select {
	case <-s.conn.HandshakeComplete():
		return nil
	case <-s.conn.Context().Done():
		return fmt.Errorf("%w: %w", ErrHandshake, context.Cause(s.conn.Context()))
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrHandshake, ctx.Err())
	}
}

// abort fails a session that never reached the caller, so nobody else will
// close it.
func (s *Session) abort(err error) error {
	s.markFailed(err)
	if s.conn != nil {
		_ = s.conn.CloseWithError(codeFailed, "handshake aborted") //nolint:errcheck // already failing
	}
	s.span.End()
	s.logger.Warn("relay session failed", zap.Error(err))
	return err
}

func (s *Session) markFailed(err error) {
	s.setState(StateFailed)
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Remote returns the peer address.
func (s *Session) Remote() string {
	return s.remote
}

// Used0RTT reports whether the connection carried early data.
func (s *Session) Used0RTT() bool {
	if s.conn == nil {
		return false
	}
	return s.conn.ConnectionState().Used0RTT
}

// FramesSent returns the number of frames written by SendFrame.
func (s *Session) FramesSent() uint64 {
	return s.sent.Load()
}
