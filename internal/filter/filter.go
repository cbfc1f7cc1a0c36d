package filter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/mrzor/iowatcher/internal/blktrace"
	"github.com/mrzor/iowatcher/internal/classify"
)

// Filter is a compiled record predicate. A nil Filter matches everything.
type Filter struct {
	program *vm.Program
	source  string
}

// Compile type-checks source against the record environment. An empty source
// returns a nil Filter.
func Compile(source string) (*Filter, error) {
	if source == "" {
		return nil, nil
	}

	program, err := expr.Compile(source, expr.Env(environment(&blktrace.Record{}, classify.BlockAction{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compiling filter %q: %w", source, err)
	}
	return &Filter{program: program, source: source}, nil
}

// Match reports whether rec passes the filter.
func (f *Filter) Match(rec *blktrace.Record, ev classify.Event) (bool, error) {
	if f == nil {
		return true, nil
	}

	output, err := expr.Run(f.program, environment(rec, ev))
	if err != nil {
		return false, fmt.Errorf("evaluating filter %q: %w", f.source, err)
	}
	keep, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("filter %q returned %T, want bool", f.source, output)
	}
	return keep, nil
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.source
}

func environment(rec *blktrace.Record, ev classify.Event) map[string]interface{} {
	action, _ := ev.(classify.BlockAction)
	_, notify := ev.(classify.Notification)

	return map[string]interface{}{
		"pid":      rec.PID,
		"cpu":      rec.CPU,
		"sequence": rec.Sequence,
		"sector":   rec.Sector,
		"bytes":    rec.Bytes,
		"error":    rec.Error,
		"major":    rec.Major(),
		"minor":    rec.Minor(),
		"comm":     rec.Command(),
		"kind":     ev.Label(),
		"write":    action.Write,
		"cgroup":   action.CgroupAttributed,
		"notify":   notify,
	}
}
