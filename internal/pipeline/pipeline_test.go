package pipeline

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mrzor/iowatcher/internal/blktrace"
	"github.com/mrzor/iowatcher/internal/classify"
	"github.com/mrzor/iowatcher/internal/credentials"
	"github.com/mrzor/iowatcher/internal/filter"
	"github.com/mrzor/iowatcher/internal/metrics"
	"github.com/mrzor/iowatcher/internal/output"
	"github.com/mrzor/iowatcher/internal/relay"
	"github.com/mrzor/iowatcher/internal/timesync"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// fakeRecorder counts increments by name and by name|label=value for each label.
type fakeRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{counts: make(map[string]int)}
}

func (r *fakeRecorder) Increment(_ context.Context, name string, labels ...attribute.KeyValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name]++
	for _, l := range labels {
		r.counts[name+"|"+string(l.Key)+"="+l.Value.Emit()]++
	}
}

func (r *fakeRecorder) Observe(_ context.Context, name string, _ time.Duration, _ ...attribute.KeyValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name+"#observed"]++
}

func (r *fakeRecorder) get(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

// collector is a Handler remembering sequences per PID.
type collector struct {
	mu     sync.Mutex
	events map[uint32][]uint32
	labels []string
}

func newCollector() *collector {
	return &collector{events: make(map[uint32][]uint32)}
}

func (c *collector) HandleEvent(rec *blktrace.Record, ev classify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[rec.PID] = append(c.events[rec.PID], rec.Sequence)
	c.labels = append(c.labels, ev.Label())
	return nil
}

func (c *collector) sequences(pid uint32) []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.events[pid]...)
}

func makeFrames(pid uint32, n int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = blktrace.Encode(&blktrace.Record{
			Sequence: uint32(i + 1),
			Action:   blktrace.TAQueue,
			PID:      pid,
			Payload:  bytes.Repeat([]byte{'p'}, i%5),
		})
	}
	return frames
}

func join(frames [][]byte) []byte {
	return bytes.Join(frames, nil)
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// gatedSender blocks every SendFrame until the test releases it.
type gatedSender struct {
	entered chan struct{}
	gate    chan struct{}
	failAt  int

	mu     sync.Mutex
	frames [][]byte
	closed int
}

func (s *gatedSender) SendFrame(frame []byte) error {
	s.mu.Lock()
	n := len(s.frames)
	s.mu.Unlock()

	if s.failAt > 0 && n+1 == s.failAt {
		return errors.New("peer went away")
	}
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

func (s *gatedSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func TestRelay_OneFrameInFlight(t *testing.T) {
	frames := makeFrames(1, 4)
	src := &countingReader{r: bytes.NewReader(join(frames))}
	dst := &gatedSender{entered: make(chan struct{}), gate: make(chan struct{})}
	rec := newFakeRecorder()

	done := make(chan error, 1)
	go func() {
		done <- Relay(context.Background(), src, dst, rec, zaptest.NewLogger(t))
	}()

	consumed := 0
	for i, f := range frames {
		<-dst.entered
		consumed += len(f)
		assert.Equal(t, int64(consumed), src.n.Load(), "bytes read while frame %d is blocked", i)
		dst.gate <- struct{}{}
	}

	require.NoError(t, <-done)
	assert.Equal(t, frames, dst.frames)
	assert.Equal(t, 1, dst.closed)
	assert.Equal(t, len(frames), rec.get(metrics.FramesRelayed))
	assert.Equal(t, len(frames), rec.get(metrics.RelaySendTime+"#observed"))
}

func TestRelay_SendFailure(t *testing.T) {
	frames := makeFrames(1, 5)
	dst := &gatedSender{failAt: 3}

	err := Relay(context.Background(), bytes.NewReader(join(frames)), dst, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relaying frame 3")
	assert.Len(t, dst.frames, 2)
	assert.Equal(t, 1, dst.closed)
	assert.Equal(t, KindIOError, ErrorKind(err))
}

func TestRelay_TruncatedSource(t *testing.T) {
	frames := makeFrames(1, 3)
	stream := join(frames)
	dst := &gatedSender{}

	err := Relay(context.Background(), bytes.NewReader(stream[:len(stream)-3]), dst, nil, nil)
	assert.ErrorIs(t, err, blktrace.ErrTruncatedFrame)
	assert.Equal(t, frames[:2], dst.frames)
	assert.Equal(t, 1, dst.closed)
}

func TestRelay_CancelDiscardsPartialFrame(t *testing.T) {
	frames := makeFrames(1, 2)
	pr, pw := io.Pipe()
	dst := &gatedSender{entered: make(chan struct{}), gate: make(chan struct{})}

	go func() {
		_, _ = pw.Write(frames[0])
		_, _ = pw.Write(frames[1][:10])
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Relay(ctx, pr, dst, nil, zaptest.NewLogger(t))
	}()

	<-dst.entered
	dst.gate <- struct{}{}
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, KindCanceled, ErrorKind(err))
	assert.Len(t, dst.frames, 1)
	assert.Equal(t, 1, dst.closed)
}

func TestIngester_RecordsEveryFrame(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(blktrace.Encode(&blktrace.Record{CPU: 0, Sequence: 1, Action: blktrace.TAQueue, Bytes: 4096}))
	stream.Write(blktrace.Encode(&blktrace.Record{CPU: 0, Sequence: 2, Action: blktrace.TAIssue | blktrace.Category(blktrace.CategoryWrite), Bytes: 4096}))
	stream.Write(blktrace.Encode(&blktrace.Record{CPU: 1, Sequence: 1, Action: blktrace.TNMessage, Payload: []byte("hi\x00")}))
	stream.Write(blktrace.Encode(&blktrace.Record{CPU: 0, Sequence: 5, Action: 0x00ff}))
	stream.Write(blktrace.Encode(&blktrace.Record{CPU: 1, Sequence: 2, Action: blktrace.TAComplete, Bytes: 4096}))

	f, err := filter.Compile(`!notify`)
	require.NoError(t, err)

	rec := newFakeRecorder()
	handler := newCollector()
	in := &Ingester{Recorder: rec, Filter: f, Handler: handler, Logger: zaptest.NewLogger(t)}

	require.NoError(t, in.Run(context.Background(), &stream))

	assert.Equal(t, []string{"action.queue", "action.issue", "action.unknown", "action.complete"}, handler.labels)
	assert.Equal(t, 5, rec.get(metrics.PacketsRead))
	assert.Equal(t, 5, rec.get(metrics.PacketsRead+"|ok=true"))
	assert.Equal(t, 1, rec.get(metrics.PacketsRead+"|kind=action.unknown"))
	assert.Equal(t, 1, rec.get(metrics.PacketsRead+"|kind=notify.message"))
	assert.Equal(t, 5, rec.get(metrics.PacketTime+"#observed"))
	assert.Equal(t, 1, rec.get(metrics.FramesFiltered))
	assert.Equal(t, 1, rec.get(metrics.SequenceGaps))
	assert.Equal(t, 1, rec.get(metrics.SequenceGaps+"|cpu=0"))
}

func TestIngester_BadMagicIsFatal(t *testing.T) {
	good := blktrace.Encode(&blktrace.Record{Sequence: 1, Action: blktrace.TAQueue})
	bad := blktrace.Encode(&blktrace.Record{Sequence: 2, Action: blktrace.TAQueue})
	copy(bad, []byte{0xde, 0xad, 0xbe, 0xef})
	after := blktrace.Encode(&blktrace.Record{Sequence: 3, Action: blktrace.TAQueue})

	rec := newFakeRecorder()
	handler := newCollector()
	in := &Ingester{Recorder: rec, Handler: handler}

	err := in.Run(context.Background(), bytes.NewReader(join([][]byte{good, bad, after})))
	require.Error(t, err)
	assert.ErrorIs(t, err, blktrace.ErrBadMagic)
	assert.Equal(t, KindBadMagic, ErrorKind(err))

	assert.Equal(t, []uint32{1}, handler.sequences(0))
	assert.Equal(t, 1, rec.get(metrics.PacketsRead+"|ok=false"))
}

func TestIngester_HandlerError(t *testing.T) {
	in := &Ingester{Handler: failingHandler{}}
	err := in.Run(context.Background(), bytes.NewReader(join(makeFrames(1, 2))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame 1: handling action.queue")
}

type failingHandler struct{}

func (failingHandler) HandleEvent(*blktrace.Record, classify.Event) error {
	return errors.New("disk full")
}

func TestIngester_ConcurrentSessionsKeepOrder(t *testing.T) {
	handler := newCollector()
	in := &Ingester{Recorder: newFakeRecorder(), Handler: handler}

	const n = 500
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, pid := range []uint32{100, 200} {
		pr, pw := io.Pipe()
		go func() {
			// Small writes interleave the two sources frame by frame.
			for _, f := range makeFrames(pid, n) {
				_, _ = pw.Write(f)
			}
			_ = pw.Close()
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- in.Run(context.Background(), pr)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	want := make([]uint32, n)
	for i := range want {
		want[i] = uint32(i + 1)
	}
	assert.Equal(t, want, handler.sequences(100))
	assert.Equal(t, want, handler.sequences(200))
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: fmt.Errorf("frame 3: %w", blktrace.ErrTruncatedFrame), want: KindTruncatedFrame},
		{err: fmt.Errorf("frame 3: %w", blktrace.ErrBadMagic), want: KindBadMagic},
		{err: fmt.Errorf("%w: x509", relay.ErrHandshake), want: KindHandshakeFailure},
		{err: fmt.Errorf("relaying frame 9: %w", relay.ErrStream), want: KindStreamFailure},
		{err: fmt.Errorf("%w: no such file", credentials.ErrCredentialLoad), want: KindCredentialLoadFailure},
		{err: context.Canceled, want: KindCanceled},
		{err: context.DeadlineExceeded, want: KindCanceled},
		{err: io.ErrClosedPipe, want: KindIOError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), "%v", tt.err)
	}
}

func TestReport_CountsOnlyFailures(t *testing.T) {
	ctx := context.Background()
	rec := newFakeRecorder()
	logger := zaptest.NewLogger(t)

	Report(ctx, rec, logger, "ingest", nil)
	Report(ctx, rec, logger, "ingest", context.Canceled)
	assert.Zero(t, rec.get(metrics.SessionErrors))

	Report(ctx, rec, logger, "ingest", fmt.Errorf("frame 2: %w", blktrace.ErrBadMagic))
	assert.Equal(t, 1, rec.get(metrics.SessionErrors))
	assert.Equal(t, 1, rec.get(metrics.SessionErrors+"|"+metrics.LabelError+"="+KindBadMagic))
}

func TestTask_StopAndWait(t *testing.T) {
	started := make(chan struct{})
	task := Start(context.Background(), "waiter", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Equal(t, "waiter", task.Name())

	<-started
	select {
	case <-task.Done():
		t.Fatal("task finished before Stop")
	default:
	}

	task.Stop()
	assert.ErrorIs(t, task.Wait(), context.Canceled)
	assert.ErrorIs(t, task.Wait(), context.Canceled, "Wait is repeatable")
}

func TestServe_RelaysConcurrentProducers(t *testing.T) {
	ca, err := credentials.NewAuthority("pipeline test", time.Hour)
	require.NoError(t, err)
	leaf, err := ca.Issue(time.Hour, "127.0.0.1")
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	opts := relay.Options{CloseTimeout: 5 * time.Second, Logger: logger}

	ln, err := relay.Listen("127.0.0.1:0", &relay.Credentials{Certificates: []tls.Certificate{leaf}}, opts)
	require.NoError(t, err)
	defer ln.Close()

	handler := newCollector()
	rec := newFakeRecorder()
	in := &Ingester{Recorder: rec, Handler: handler, Logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	serveCtx, stopServe := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() { served <- Serve(serveCtx, ln, in) }()

	const n = 200
	var wg sync.WaitGroup
	for _, pid := range []uint32{7, 8} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := relay.Connect(ctx, ln.Addr().String(), &relay.Credentials{Authority: ca.Pool()}, opts)
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, Relay(ctx, bytes.NewReader(join(makeFrames(pid, n))), sess, nil, logger))
		}()
	}
	wg.Wait()

	want := make([]uint32, n)
	for i := range want {
		want[i] = uint32(i + 1)
	}
	assert.Equal(t, want, handler.sequences(7))
	assert.Equal(t, want, handler.sequences(8))
	assert.Equal(t, 2*n, rec.get(metrics.PacketsRead))

	stopServe()
	require.NoError(t, <-served)
	assert.Zero(t, rec.get(metrics.SessionErrors))
}

func TestServe_IngestFailureFailsProducer(t *testing.T) {
	ca, err := credentials.NewAuthority("pipeline test", time.Hour)
	require.NoError(t, err)
	leaf, err := ca.Issue(time.Hour, "127.0.0.1")
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	opts := relay.Options{CloseTimeout: 5 * time.Second, Logger: logger}

	ln, err := relay.Listen("127.0.0.1:0", &relay.Credentials{Certificates: []tls.Certificate{leaf}}, opts)
	require.NoError(t, err)
	defer ln.Close()

	rec := newFakeRecorder()
	in := &Ingester{Recorder: rec, Logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	serveCtx, stopServe := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() { served <- Serve(serveCtx, ln, in) }()

	bad := blktrace.Encode(&blktrace.Record{Sequence: 2, Action: blktrace.TAQueue, PID: 7})
	bad[3] ^= 0xff

	sess, err := relay.Connect(ctx, ln.Addr().String(), &relay.Credentials{Authority: ca.Pool()}, opts)
	require.NoError(t, err)
	err = Relay(ctx, bytes.NewReader(join([][]byte{makeFrames(7, 1)[0], bad})), sess, nil, logger)
	assert.ErrorIs(t, err, relay.ErrStream)
	assert.Equal(t, relay.StateFailed, sess.State())

	badMagic := metrics.SessionErrors + "|" + metrics.LabelError + "=" + KindBadMagic
	assert.Eventually(t, func() bool { return rec.get(badMagic) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rec.get(metrics.SessionErrors+"|"+metrics.LabelPeer+"=127.0.0.1"))

	stopServe()
	require.NoError(t, <-served)
}

func TestIngester_NewHandlerPerRun(t *testing.T) {
	boot := time.Unix(1000, 0).UTC()

	var (
		mu   sync.Mutex
		outs []*bytes.Buffer
	)
	in := &Ingester{
		Logger: zaptest.NewLogger(t),
		NewHandler: func() Handler {
			mu.Lock()
			defer mu.Unlock()
			buf := &bytes.Buffer{}
			outs = append(outs, buf)
			return output.NewText(buf, timesync.NewConverterAt(boot))
		},
	}

	anchor := make([]byte, 8)
	binary.LittleEndian.PutUint32(anchor[0:4], 1_000_000)
	first := blktrace.Encode(&blktrace.Record{Sequence: 1, Action: blktrace.TNTimestamp, Payload: anchor})
	second := blktrace.Encode(&blktrace.Record{Sequence: 1, Action: blktrace.TAQueue, Time: uint64(5 * time.Second)})

	ctx := context.Background()
	require.NoError(t, in.Run(ctx, bytes.NewReader(first)))
	require.NoError(t, in.Run(ctx, bytes.NewReader(second)))

	require.Len(t, outs, 2)
	assert.Contains(t, outs[0].String(), "clock anchored")
	// The second stream never anchored, so it falls back to boot time.
	assert.Contains(t, outs[1].String(), boot.Add(5*time.Second).Format(time.RFC3339Nano))
}

func TestIngester_LogsUnrecognizedAction(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := newCollector()
	in := &Ingester{Handler: handler, Logger: zap.New(core)}

	frames := [][]byte{
		blktrace.Encode(&blktrace.Record{Sequence: 1, Action: blktrace.TAQueue, PID: 3}),
		blktrace.Encode(&blktrace.Record{Sequence: 2, Action: 0x7f, PID: 3}),
	}
	require.NoError(t, in.Run(context.Background(), bytes.NewReader(join(frames))))

	assert.Equal(t, []uint32{1, 2}, handler.sequences(3), "unknown codes are still delivered")
	unknown := logs.FilterMessage("unrecognized action code").All()
	require.Len(t, unknown, 1)
	assert.Equal(t, uint32(0x7f), unknown[0].ContextMap()["action"])
}
