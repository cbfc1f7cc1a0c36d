package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mrzor/iowatcher/internal/blktrace"
	"github.com/mrzor/iowatcher/internal/classify"
	"github.com/mrzor/iowatcher/internal/timesync"
)

// Text writes one line per event:
//
//	MAJ,MIN CPU SEQUENCE TIME PID LABEL RWBS SECTOR + COUNT [COMM]
type Text struct {
	mu        sync.Mutex
	w         io.Writer
	converter *timesync.Converter
}

// NewText creates a text formatter writing to w. A nil converter prints raw
// trace timestamps in seconds.
func NewText(w io.Writer, converter *timesync.Converter) *Text {
	return &Text{w: w, converter: converter}
}

// HandleEvent writes rec as one line.
func (t *Text) HandleEvent(rec *blktrace.Record, ev classify.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var detail string
	switch e := ev.(type) {
	case classify.Notification:
		detail = t.notification(rec, e)
	case classify.BlockAction:
		detail = fmt.Sprintf("%-4s %d + %d [%s]", rwbs(rec), rec.Sector, rec.Bytes>>9, rec.Command())
	}

	_, err := fmt.Fprintf(t.w, "%3d,%-3d %2d %8d %s %5d %-18s %s\n",
		rec.Major(), rec.Minor(), rec.CPU, rec.Sequence, t.timestamp(rec),
		rec.PID, ev.Label(), detail)
	if err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

func (t *Text) notification(rec *blktrace.Record, n classify.Notification) string {
	switch n.Kind {
	case classify.NotifyTimestamp:
		if t.converter != nil {
			if err := t.converter.Anchor(rec); err != nil {
				return fmt.Sprintf("(%v)", err)
			}
		}
		return "clock anchored"
	case classify.NotifyMessage:
		return fmt.Sprintf("%q", rec.Message())
	case classify.NotifyProcess:
		return fmt.Sprintf("[%s]", rec.Command())
	default:
		return ""
	}
}

func (t *Text) timestamp(rec *blktrace.Record) string {
	if t.converter == nil {
		return fmt.Sprintf("%5d.%09d", rec.Time/uint64(time.Second), rec.Time%uint64(time.Second))
	}
	return t.converter.ToWallClock(rec.Time).UTC().Format(time.RFC3339Nano)
}

// rwbs renders the request flags the way blkparse does: F for a preflush,
// then D, W, R or N, then F for FUA, A for readahead, S for sync and M for
// metadata.
func rwbs(rec *blktrace.Record) string {
	var b strings.Builder

	if rec.HasCategory(blktrace.CategoryFlush) {
		b.WriteByte('F')
	}
	switch {
	case rec.HasCategory(blktrace.CategoryDiscard):
		b.WriteByte('D')
	case rec.HasCategory(blktrace.CategoryWrite):
		b.WriteByte('W')
	case rec.Bytes != 0:
		b.WriteByte('R')
	default:
		b.WriteByte('N')
	}
	if rec.HasCategory(blktrace.CategoryFUA) {
		b.WriteByte('F')
	}
	if rec.HasCategory(blktrace.CategoryAhead) {
		b.WriteByte('A')
	}
	if rec.HasCategory(blktrace.CategorySync) {
		b.WriteByte('S')
	}
	if rec.HasCategory(blktrace.CategoryMeta) {
		b.WriteByte('M')
	}
	return b.String()
}
