// Package check models conditions as pure functions returning a tagged outcome,
// composed through explicit combinators instead of wrapper objects.
//
// Backends use it to express their isolation invariants:
//
//	v := check.All(
//	    check.PathExists(env.Path()),
//	    check.Not(check.PathExists(filepath.Join(env.Path(), ".locked"))),
//	)
//	if out := v(ctx); !out.Passed {
//	    return out.Err()
//	}
package check

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Outcome is the tagged result of a condition.
type Outcome struct {
	Name    string
	Passed  bool
	Message string
	Details []Outcome
}

// Err converts a failed outcome into an error; a passed outcome returns nil.
func (o Outcome) Err() error {
	if o.Passed {
		return nil
	}
	return errors.New(o.Describe())
}

// Describe renders the outcome and the failing leaves.
func (o Outcome) Describe() string {
	var failed []string
	collectFailures(o, &failed)
	if len(failed) == 0 {
		if o.Message != "" {
			return fmt.Sprintf("%s: %s", o.Name, o.Message)
		}
		return o.Name
	}
	return fmt.Sprintf("%s failed: %s", o.Name, strings.Join(failed, "; "))
}

func collectFailures(o Outcome, out *[]string) {
	if o.Passed {
		return
	}
	if len(o.Details) == 0 {
		msg := o.Name
		if o.Message != "" {
			msg += ": " + o.Message
		}
		*out = append(*out, msg)
		return
	}
	for _, d := range o.Details {
		collectFailures(d, out)
	}
}

// Condition evaluates to an Outcome.
type Condition func(ctx context.Context) Outcome

// Pass builds a passing outcome.
func Pass(name string) Outcome {
	return Outcome{Name: name, Passed: true}
}

// Failf builds a failing outcome.
func Failf(name, format string, args ...interface{}) Outcome {
	return Outcome{Name: name, Passed: false, Message: fmt.Sprintf(format, args...)}
}

// Func turns a predicate into a named condition.
func Func(name string, fn func(ctx context.Context) error) Condition {
	return func(ctx context.Context) Outcome {
		if err := fn(ctx); err != nil {
			return Failf(name, "%v", err)
		}
		return Pass(name)
	}
}

// All passes when every condition passes. Every condition is evaluated so
// the outcome lists all failures.
func All(conds ...Condition) Condition {
	return func(ctx context.Context) Outcome {
		out := Outcome{Name: "all", Passed: true}
		for _, c := range conds {
			o := c(ctx)
			out.Details = append(out.Details, o)
			if !o.Passed {
				out.Passed = false
			}
		}
		return out
	}
}

// Any passes when at least one condition passes. Evaluation stops at the first pass.
func Any(conds ...Condition) Condition {
	return func(ctx context.Context) Outcome {
		out := Outcome{Name: "any"}
		for _, c := range conds {
			o := c(ctx)
			out.Details = append(out.Details, o)
			if o.Passed {
				out.Passed = true
				return out
			}
		}
		if len(conds) == 0 {
			out.Message = "no conditions"
		}
		return out
	}
}

// Not inverts a condition.
func Not(c Condition) Condition {
	return func(ctx context.Context) Outcome {
		o := c(ctx)
		if o.Passed {
			return Failf("not("+o.Name+")", "condition unexpectedly passed")
		}
		return Pass("not(" + o.Name + ")")
	}
}

// PathExists passes when path exists.
func PathExists(path string) Condition {
	return func(ctx context.Context) Outcome {
		name := "exists(" + path + ")"
		if _, err := os.Stat(path); err != nil {
			return Failf(name, "%v", err)
		}
		return Pass(name)
	}
}

// IsDir passes when path is a directory.
func IsDir(path string) Condition {
	return func(ctx context.Context) Outcome {
		name := "dir(" + path + ")"
		info, err := os.Stat(path)
		if err != nil {
			return Failf(name, "%v", err)
		}
		if !info.IsDir() {
			return Failf(name, "not a directory")
		}
		return Pass(name)
	}
}

// Within passes when path is inside root after cleaning both.
func Within(root, path string) Condition {
	return func(ctx context.Context) Outcome {
		name := "within(" + root + ")"
		cleanRoot := filepath.Clean(root)
		path := filepath.Clean(path)
		if path != cleanRoot && !strings.HasPrefix(path, cleanRoot+string(os.PathSeparator)) {
			return Failf(name, "%s escapes %s", path, root)
		}
		return Pass(name)
	}
}
