package harness

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/quizgate/internal/session"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s.%s %v -> %s\n", event.Index, event.Actor, event.Action, event.Args, event.Outcome)
		}
	}

	return buf.String()
}

// matchesAction reports whether event is the named action. name is either
// a bare action ("approve") or actor qualified ("alice.welcome").
func matchesAction(event TraceEvent, name string) bool {
	return name == event.Action || name == event.Actor+"."+event.Action
}

// assertTraceContains checks if the trace contains a step matching the
// specified action, actor and args (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if !matchesAction(event, assertion.Action) {
			continue
		}
		if assertion.Actor != "" && assertion.Actor != event.Actor {
			continue
		}
		if matchArgs(event.Args, assertion.Args) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s with args %v", assertion.Action, assertion.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if actions appear in the specified order.
// Actions don't need to be consecutive (intervening actions are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	// Find first position of each expected action, 1-indexed
	positions := make(map[string]int)
	for i, event := range trace {
		for _, expected := range assertion.Actions {
			if matchesAction(event, expected) && positions[expected] == 0 {
				positions[expected] = i + 1
			}
		}
	}

	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev := assertion.Actions[i-1]
		curr := assertion.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

// assertTraceCount checks if the action appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if matchesAction(event, assertion.Action) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}

	return nil
}

// assertFinalState checks a participant's stored record against expected
// fields using subset semantics.
func assertFinalState(ctx context.Context, st session.Store, sessions map[string]string, assertion Assertion) error {
	id, ok := sessions[assertion.Participant]
	if !ok || id == "" {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("participant %q with a session", assertion.Participant),
			Actual:   "participant never launched",
		}
	}

	fields := map[string]any{"exists": false}
	rec, err := st.Get(ctx, id)
	switch {
	case err == nil:
		fields = recordFields(rec)
	case !session.IsNotFound(err):
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("record for %s", assertion.Participant),
			Actual:   fmt.Sprintf("read error: %v", err),
		}
	}

	keys := make([]string, 0, len(assertion.Expect))
	for k := range assertion.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		expected := assertion.Expect[key]
		actual, exists := fields[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present for %s", key, assertion.Participant),
			}
		}
		if !stateValuesEqual(expected, actual) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s field %q = %v (type %T)", assertion.Participant, key, expected, expected),
				Actual:   fmt.Sprintf("%s field %q = %v (type %T)", assertion.Participant, key, actual, actual),
			}
		}
	}

	return nil
}

// recordFields flattens a record into the field names final_state checks.
// Unset optional fields are nil.
func recordFields(r session.Record) map[string]any {
	fields := map[string]any{
		"exists":            true,
		"status":            string(r.Status),
		"is_active":         r.IsActive,
		"is_blocked":        r.IsBlocked,
		"block_reason":      r.BlockReason,
		"current_step":      r.CurrentStep,
		"waiting_for_admin": r.WaitingForAdmin,
		"verdict":           string(r.Verdict),
		"rating":            optionalInt(r.Rating),
		"pending_message":   optionalString(r.PendingMessage),
		"user_name":         optionalString(r.UserName),
		"user_age":          optionalInt(r.UserAge),
		"user_number":       r.UserNumber,
	}
	for i, a := range r.Answers {
		fields[fmt.Sprintf("answer_%d", i+1)] = optionalString(a.Value)
		fields[fmt.Sprintf("answer_%d_attempts", i+1)] = a.Attempts
	}
	return fields
}

func optionalString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func optionalInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// stateValuesEqual compares expected values decoded from YAML with record
// fields. Integers compare by value regardless of width.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	if e, ok := toInt64(expected); ok {
		a, ok := toInt64(actual)
		return ok && e == a
	}

	switch exp := expected.(type) {
	case string:
		a, ok := actual.(string)
		return ok && exp == a
	case bool:
		a, ok := actual.(bool)
		return ok && exp == a
	}

	return reflect.DeepEqual(expected, actual)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	}
	return 0, false
}

// matchArgs checks if actual args contain all expected args (subset match).
// Extra keys in actual are ignored.
func matchArgs(actual, expected map[string]any) bool {
	for key, expectedVal := range expected {
		actualVal, exists := actual[key]
		if !exists {
			return false
		}
		if !stateValuesEqual(expectedVal, actualVal) {
			return false
		}
	}
	return true
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx   context.Context
	Store session.Store

	// Sessions maps participant names to session ids.
	Sessions map[string]string
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides store access for final_state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires store context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, actx.Sessions, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
