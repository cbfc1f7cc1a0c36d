// Package capture runs blktrace and exposes its raw trace stream.
package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const defaultStopTimeout = 2 * time.Second

// Options configures a blktrace run.
type Options struct {
	// Binary is the blktrace executable; empty means "blktrace" from PATH.
	Binary string

	// Devices are the block devices to trace, e.g. /dev/nvme0n1.
	Devices []string

	// ExtraArgs are appended after the device and output arguments.
	ExtraArgs []string

	// Stderr receives blktrace diagnostics; nil discards them.
	Stderr io.Writer

	// StopTimeout bounds how long Close waits after SIGTERM before killing.
	StopTimeout time.Duration

	Logger *zap.Logger
}

// Args returns the blktrace command line for opts, binary excluded.
func (o Options) Args() []string {
	args := make([]string, 0, 2*len(o.Devices)+2+len(o.ExtraArgs))
	for _, dev := range o.Devices {
		args = append(args, "-d", dev)
	}
	args = append(args, "-o", "-")
	return append(args, o.ExtraArgs...)
}

// Capture is a running blktrace process. Reading from it yields the raw
// trace stream; it reaches io.EOF when blktrace exits.
type Capture struct {
	cmd    *exec.Cmd
	stdout *os.File
	opts   Options
	logger *zap.Logger

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

// Start launches blktrace.
func Start(opts Options) (*Capture, error) {
	if len(opts.Devices) == 0 {
		return nil, errors.New("at least one device is required")
	}
	binary := opts.Binary
	if binary == "" {
		binary = "blktrace"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// An explicit pipe keeps the read end ours: exec would close its own
	// pipe on Wait and drop unread trace data.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	//nolint:gosec // launching the configured tracer is the purpose of this package
	cmd := exec.Command(binary, opts.Args()...)
	cmd.Stdout = pw
	cmd.Stderr = opts.Stderr

	if err := cmd.Start(); err != nil {
		_ = pr.Close() //nolint:errcheck // Best-effort cleanup in error path
		_ = pw.Close() //nolint:errcheck // Best-effort cleanup in error path
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}
	_ = pw.Close() //nolint:errcheck // the child holds its own copy

	c := &Capture{
		cmd:    cmd,
		stdout: pr,
		opts:   opts,
		logger: logger.With(zap.Int("pid", cmd.Process.Pid)),
		done:   make(chan struct{}),
	}
	go func() {
		c.waitErr = cmd.Wait()
		close(c.done)
	}()

	c.logger.Info("blktrace started", zap.String("binary", binary), zap.Strings("args", opts.Args()))
	return c, nil
}

// Read reads from blktrace's standard output.
func (c *Capture) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

// Done is closed when the blktrace process has exited.
func (c *Capture) Done() <-chan struct{} {
	return c.done
}

// Err returns the process exit error once Done is closed.
func (c *Capture) Err() error {
	select {
	case <-c.done:
		return c.waitErr
	default:
		return nil
	}
}

// Close stops blktrace: SIGTERM, then SIGKILL after Options.StopTimeout.
// It reaps the process and closes the stream. Close is safe to call more
// than once.
func (c *Capture) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.close()
	})
	return c.closeErr
}

func (c *Capture) close() error {
	var errs []error

	select {
	case <-c.done:
	default:
		if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("signalling blktrace: %w", err))
		}
		timeout := c.opts.StopTimeout
		if timeout <= 0 {
			timeout = defaultStopTimeout
		}
		timer := time.NewTimer(timeout)
		select {
		case <-c.done:
		case <-timer.C:
			c.logger.Warn("blktrace ignored SIGTERM, killing", zap.Duration("timeout", timeout))
			_ = c.cmd.Process.Kill() //nolint:errcheck // Best-effort cleanup during shutdown
			<-c.done
		}
		timer.Stop()
	}

	if err := c.stdout.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing blktrace output: %w", err))
	}
	c.logger.Info("blktrace stopped", zap.Stringer("state", c.cmd.ProcessState))
	return errors.Join(errs...)
}
