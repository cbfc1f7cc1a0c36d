package capture

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mrzor/iowatcher/internal/blktrace"
	"github.com/mrzor/iowatcher/internal/fragment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeBlktrace writes an executable shell script standing in for blktrace.
func fakeBlktrace(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blktrace")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestOptions_Args(t *testing.T) {
	opts := Options{
		Devices:   []string{"/dev/sda", "/dev/nvme0n1"},
		ExtraArgs: []string{"-b", "1024"},
	}
	assert.Equal(t, []string{"-d", "/dev/sda", "-d", "/dev/nvme0n1", "-o", "-", "-b", "1024"}, opts.Args())
}

func TestStart_RequiresDevice(t *testing.T) {
	_, err := Start(Options{Binary: "true"})
	assert.Error(t, err)
}

func TestStart_MissingBinary(t *testing.T) {
	_, err := Start(Options{Binary: filepath.Join(t.TempDir(), "nope"), Devices: []string{"/dev/sda"}})
	assert.Error(t, err)
}

func TestCapture_StreamsOutput(t *testing.T) {
	var want bytes.Buffer
	for i := 0; i < 3; i++ {
		want.Write(blktrace.Encode(&blktrace.Record{Sequence: uint32(i), Action: blktrace.TAQueue, Payload: []byte("xy")}))
	}
	traceFile := filepath.Join(t.TempDir(), "trace.bin")
	require.NoError(t, os.WriteFile(traceFile, want.Bytes(), 0o600))

	var stderr bytes.Buffer
	c, err := Start(Options{
		Binary:  fakeBlktrace(t, `echo "$@" >&2; cat `+traceFile),
		Devices: []string{"/dev/sda"},
		Stderr:  &stderr,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	r := fragment.NewReader(c)
	for i := 0; i < 3; i++ {
		frame, err := r.Next()
		require.NoError(t, err)
		rec, err := blktrace.Decode(frame.Raw)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), rec.Sequence)
	}
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)

	<-c.Done()
	assert.NoError(t, c.Err())
	require.NoError(t, c.Close())
	assert.Equal(t, "-d /dev/sda -o -\n", stderr.String())
}

func TestCapture_CloseTerminates(t *testing.T) {
	c, err := Start(Options{
		Binary:  fakeBlktrace(t, "exec sleep 30"),
		Devices: []string{"/dev/sda"},
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, c.Close())
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-c.Done():
	default:
		t.Fatal("process not reaped")
	}
	assert.NoError(t, c.Close(), "second close is a no-op")
}

func TestCapture_CloseKillsStubbornProcess(t *testing.T) {
	c, err := Start(Options{
		Binary:      fakeBlktrace(t, "trap '' TERM; while :; do sleep 0.05; done"),
		Devices:     []string{"/dev/sda"},
		StopTimeout: 200 * time.Millisecond,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	// Let the shell install its trap.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, c.Close())
	<-c.Done()
	assert.Error(t, c.Err(), "killed process reports a signal exit")
}
