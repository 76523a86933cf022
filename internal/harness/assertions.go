package harness

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
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
			fmt.Fprintf(&buf, "  [%d] %s %v\n", event.Seq, event.Message, event.Fields)
		}
	}

	return buf.String()
}

// assertTraceContains checks that some message of the type carries the
// assertion's fields (subset match).
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if event.Message == a.Message && matchFields(event.Fields, a.Fields) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("message %s with fields %v", a.Message, a.Fields),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceCount checks that exactly Count messages of the type match.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Message == a.Message && matchFields(event.Fields, a.Fields) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Message),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceOrder checks that the first occurrence of each message type
// appears in the given order. Other messages may come in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if _, seen := positions[event.Message]; !seen {
			positions[event.Message] = i + 1
		}
	}

	for _, msg := range a.Messages {
		if positions[msg] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all messages present: %v", a.Messages),
				Actual:   fmt.Sprintf("missing message: %s", msg),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Messages); i++ {
		prev, curr := a.Messages[i-1], a.Messages[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("messages in order: %v", a.Messages),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertSentOps checks the exact ops written on one socket.
func assertSentOps(sent [][]string, a Assertion) error {
	if len(sent) == 0 {
		return &AssertionError{
			Type:     AssertSentOps,
			Expected: fmt.Sprintf("ops %v", a.Ops),
			Actual:   "no socket was dialed",
		}
	}
	idx := len(sent) - 1
	if a.Conn > 0 {
		idx = a.Conn - 1
	}
	if idx >= len(sent) {
		return &AssertionError{
			Type:     AssertSentOps,
			Expected: fmt.Sprintf("socket %d", a.Conn),
			Actual:   fmt.Sprintf("%d sockets dialed", len(sent)),
		}
	}
	got := sent[idx]
	want := a.Ops
	if want == nil {
		want = []string{}
	}
	if !slices.Equal(got, want) {
		return &AssertionError{
			Type:     AssertSentOps,
			Expected: fmt.Sprintf("socket %d ops %v", idx+1, want),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}

// assertSnapshot checks the final snapshot with subset semantics.
func assertSnapshot(snapshot map[string]any, a Assertion) error {
	for key, want := range a.Fields {
		got, ok := snapshot[key]
		if !ok {
			return &AssertionError{
				Type:     AssertSnapshot,
				Expected: fmt.Sprintf("%s = %v", key, want),
				Actual:   "no such snapshot field",
			}
		}
		if !valuesEqual(got, want) {
			return &AssertionError{
				Type:     AssertSnapshot,
				Expected: fmt.Sprintf("%s = %v", key, want),
				Actual:   fmt.Sprintf("%s = %v", key, got),
			}
		}
	}
	return nil
}

// matchFields checks if actual contains all expected fields (subset match).
// Extra keys in actual are ignored.
func matchFields(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, exists := actual[key]
		if !exists || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares a recorded value with one decoded from YAML, where
// integers arrive as int.
func valuesEqual(actual, expected any) bool {
	if a, ok := toInt64(actual); ok {
		e, ok := toInt64(expected)
		return ok && a == e
	}
	if as, ok := actual.([]any); ok {
		es, ok := expected.([]any)
		if !ok || len(as) != len(es) {
			return false
		}
		for i := range as {
			if !valuesEqual(as[i], es[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(actual, expected)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertSentOps:
			err = assertSentOps(result.Sent, assertion)
		case AssertSnapshot:
			err = assertSnapshot(result.Snapshot, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
