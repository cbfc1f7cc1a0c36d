package timesync

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mrzor/iowatcher/internal/blktrace"
)

// ErrNotTimestamp is returned by Anchor for records that are not TIMESTAMP
// notifications or carry a short payload.
var ErrNotTimestamp = errors.New("record is not a timestamp notification")

// Converter maps trace timestamps to wall-clock time.
//
// Until a TIMESTAMP notification is seen, conversion adds the trace time to
// the host boot time. After Anchor, conversion is relative to the wall-clock
// instant the tracer reported.
type Converter struct {
	bootTime time.Time

	mu         sync.RWMutex
	anchored   bool
	anchorWall time.Time
	anchorMono uint64
}

// NewConverter creates a converter using the local boot time from
// /proc/stat. If reading fails, it uses a conservative fallback estimate.
func NewConverter() (*Converter, error) {
	bootTime, err := getSystemBootTime()
	if err != nil {
		bootTime = time.Now().Add(-time.Hour) // Conservative fallback
	}
	return NewConverterAt(bootTime), nil
}

// NewConverterAt creates a converter with a known boot time.
func NewConverterAt(bootTime time.Time) *Converter {
	return &Converter{bootTime: bootTime}
}

// Anchor records the wall-clock time carried by a TIMESTAMP notification.
// The payload is two little-endian u32 words: seconds and nanoseconds.
func (c *Converter) Anchor(rec *blktrace.Record) error {
	if rec.Action&^blktrace.ActionCgroup != blktrace.TNTimestamp {
		return fmt.Errorf("%w: action %#x", ErrNotTimestamp, rec.Action)
	}
	if len(rec.Payload) < 8 {
		return fmt.Errorf("%w: payload is %d bytes", ErrNotTimestamp, len(rec.Payload))
	}

	sec := binary.LittleEndian.Uint32(rec.Payload[0:4])
	nsec := binary.LittleEndian.Uint32(rec.Payload[4:8])

	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchored = true
	c.anchorWall = time.Unix(int64(sec), int64(nsec))
	c.anchorMono = rec.Time
	return nil
}

// Anchored reports whether a TIMESTAMP notification has been applied.
func (c *Converter) Anchored() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.anchored
}

// ToWallClock converts a trace timestamp in nanoseconds to wall-clock time.
func (c *Converter) ToWallClock(traceNanos uint64) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.anchored {
		//nolint:gosec // difference of two trace timestamps fits in int64
		return c.anchorWall.Add(time.Duration(int64(traceNanos - c.anchorMono)))
	}
	//nolint:gosec // uint64 to int64 conversion for time.Duration is safe for reasonable timestamps
	return c.bootTime.Add(time.Duration(traceNanos))
}

// BootTime returns the system boot time used before anchoring.
func (c *Converter) BootTime() time.Time {
	return c.bootTime
}

// getSystemBootTime reads the system boot time from /proc/stat.
func getSystemBootTime() (time.Time, error) {
	file, err := os.Open("/proc/stat")
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to open /proc/stat: %w", err)
	}
	defer func() {
		_ = file.Close() //nolint:errcheck // Read-only file, defer cleanup
	}()

	return parseBootTime(file)
}

func parseBootTime(r io.Reader) (time.Time, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "btime ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		bootTimeSec, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse btime: %w", err)
		}
		return time.Unix(bootTimeSec, 0), nil
	}

	if err := scanner.Err(); err != nil {
		return time.Time{}, fmt.Errorf("error reading /proc/stat: %w", err)
	}
	return time.Time{}, fmt.Errorf("btime not found in /proc/stat")
}
