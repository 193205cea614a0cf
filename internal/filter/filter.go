// Package filter compiles user-supplied event filter expressions.
//
// Expressions use the expr language and must evaluate to a boolean. They are
// evaluated against one decoded event with these variables:
//
//	tid      int     thread id
//	addr     int     faulting or sampled address
//	page     int     addr rounded down to the page size
//	time     int     event timestamp, nanoseconds
//	kind     string  "page-fault" or "custom"
//	tag      string  fault tag or custom event label
//	fault    bool    event came from a page-fault probe
//	major    bool    major page fault
//	minor    bool    minor page fault
//	precise  bool    address is exact
//
// Example: `major || (tag == "l3_miss" && precise)`.
package filter

import (
	"fmt"

	"github.com/mrzor/pfviz/internal/model"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Filter is a compiled filter expression. A nil *Filter accepts every event.
type Filter struct {
	source  string
	program *vm.Program
}

// typeEnv declares the variable types for compile-time checking.
func typeEnv() map[string]any {
	return map[string]any{
		"tid":     0,
		"addr":    0,
		"page":    0,
		"time":    0,
		"kind":    "",
		"tag":     "",
		"fault":   false,
		"major":   false,
		"minor":   false,
		"precise": false,
	}
}

// Compile parses and type-checks source. An empty source yields a nil filter.
func Compile(source string) (*Filter, error) {
	if source == "" {
		return nil, nil //nolint:nilnil // nil filter accepts everything
	}

	program, err := expr.Compile(source, expr.Env(typeEnv()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter expression %q: %w", source, err)
	}

	return &Filter{source: source, program: program}, nil
}

// Match reports whether ev passes the filter.
func (f *Filter) Match(ev model.RawEvent) (bool, error) {
	if f == nil {
		return true, nil
	}

	out, err := expr.Run(f.program, env(ev))
	if err != nil {
		return false, fmt.Errorf("evaluating filter %q: %w", f.source, err)
	}

	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("filter %q returned %T, want bool", f.source, out)
	}
	return ok, nil
}

func (f *Filter) String() string {
	if f == nil {
		return "true"
	}
	return f.source
}

func env(ev model.RawEvent) map[string]any {
	return map[string]any{
		"tid":     int(ev.TID),
		"addr":    int(ev.Address),                        //nolint:gosec // user-space addresses fit in int
		"page":    int(ev.Address &^ (model.PageSize - 1)), //nolint:gosec // user-space addresses fit in int
		"time":    int(ev.Timestamp),
		"kind":    ev.Kind.Class.String(),
		"tag":     ev.Kind.Tag,
		"fault":   ev.Kind.IsFault(),
		"major":   ev.Kind.IsMajor(),
		"minor":   ev.Kind.IsFault() && ev.Kind.Tag == model.TagMinorFault,
		"precise": ev.Precise,
	}
}
