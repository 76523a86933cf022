package harness

// TraceEvent is one bus message in the order the reactor emitted it.
type TraceEvent struct {
	Seq     int64          `json:"seq"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace holds every message emitted on the bus, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds one message per failed assertion.
	Errors []string `json:"errors,omitempty"`

	// Sent holds the ops written on each socket, oldest socket first.
	Sent [][]string `json:"sent"`

	// Snapshot is the reactor's consolidated state after the last step.
	Snapshot map[string]any `json:"snapshot"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		Snapshot: map[string]any{},
	}
}

// AddError records a failed assertion.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a message to the trace.
func (r *Result) AddTrace(message string, fields map[string]any) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:     int64(len(r.Trace) + 1),
		Message: message,
		Fields:  fields,
	})
}
