// Package actions compiles the action body of a rule into an ordered set of
// executable units and runs them.
//
// Compilation is all-or-nothing per body: an unknown tag or an invalid
// element fails the whole compile. Execution is best-effort: every unit in a
// Set runs regardless of earlier failures, and the failures are aggregated.
package actions

import (
	"fmt"
	"strings"

	"github.com/solatis/serverrules/internal/evalctx"
)

// Outcome is the result of executing one Unit.
type Outcome struct {
	Success       bool
	FailureReason string
}

// Succeeded returns a successful Outcome.
func Succeeded() Outcome {
	return Outcome{Success: true}
}

// Failed returns a failed Outcome with a formatted reason.
func Failed(format string, args ...any) Outcome {
	return Outcome{FailureReason: fmt.Sprintf(format, args...)}
}

// Unit is one compiled action. Units capture only compile-time parameters
// and must be safe for concurrent Execute calls.
type Unit interface {
	Execute(ctx *evalctx.Context) Outcome
}

// UnitFunc adapts a function to the Unit interface.
type UnitFunc func(ctx *evalctx.Context) Outcome

func (f UnitFunc) Execute(ctx *evalctx.Context) Outcome {
	return f(ctx)
}

// AggregateOutcome is the result of executing a Set.
type AggregateOutcome struct {
	Success        bool
	FailureReasons []string
}

// Set is an immutable, ordered list of Units in document order.
type Set struct {
	units []Unit
}

// NewSet returns a Set over a copy of units.
func NewSet(units ...Unit) *Set {
	out := make([]Unit, len(units))
	copy(out, units)
	return &Set{units: out}
}

// Len returns the number of units.
func (s *Set) Len() int {
	return len(s.units)
}

// Execute runs every unit in order. A failed or panicking unit adds one
// failure reason and execution continues with the next unit.
func (s *Set) Execute(ctx *evalctx.Context) AggregateOutcome {
	var reasons []string
	for _, u := range s.units {
		out := executeUnit(u, ctx)
		if !out.Success {
			reasons = append(reasons, out.FailureReason)
		}
	}
	return AggregateOutcome{Success: len(reasons) == 0, FailureReasons: reasons}
}

// executeUnit converts a panic into a failed Outcome.
func executeUnit(u Unit, ctx *evalctx.Context) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{FailureReason: fmt.Sprint(r)}
		}
	}()
	out = u.Execute(ctx)
	if !out.Success && out.FailureReason == "" {
		out.FailureReason = "action failed"
	}
	return out
}

// AsUnit lets a Set act as a single Unit, used by operators that nest
// action bodies. Failure reasons are joined into one.
func (s *Set) AsUnit() Unit {
	return UnitFunc(func(ctx *evalctx.Context) Outcome {
		agg := s.Execute(ctx)
		if agg.Success {
			return Succeeded()
		}
		return Outcome{FailureReason: strings.Join(agg.FailureReasons, "; ")}
	})
}
