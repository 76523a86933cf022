package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/reactor/internal/harness"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Message string // optional filter on the message name prefix
}

// TraceResult is what trace prints in JSON mode.
type TraceResult struct {
	Scenario string               `json:"scenario"`
	Pass     bool                 `json:"pass"`
	Timeline []harness.TraceEvent `json:"timeline"`
	Sent     [][]string           `json:"sent"`
	Snapshot map[string]any       `json:"snapshot"`
	Stats    TraceStats           `json:"stats"`
}

// TraceStats summarizes a trace.
type TraceStats struct {
	TotalEvents int            `json:"total_events"`
	ByMessage   map[string]int `json:"by_message"`
	Sockets     int            `json:"sockets"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <scenario.yaml>",
		Short: "Print the message trace of a scenario",
		Long: `Run a scenario against the fake backend and print every message the
reactor emitted, in order, with the ops written on each socket and the
final snapshot.

Expectations are evaluated but do not change the exit code.

Examples:
  reactor trace ./scenarios/handshake.yaml
  reactor trace ./scenarios/handshake.yaml --message mutation:
  reactor trace ./scenarios/handshake.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Message, "message", "", "only show messages with this name prefix")

	return cmd
}

func runTrace(opts *TraceOptions, path string, cmd *cobra.Command) error {
	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	out := opts.formatter(cmd)

	var runOpts []harness.Option
	if opts.Verbose {
		runOpts = append(runOpts, harness.WithLogger(opts.logger(out.GetErrWriter())))
	}
	result, err := harness.Run(scenario, runOpts...)
	if err != nil {
		return WrapExitError(ExitFailure, "scenario failed", err)
	}

	tr := buildTraceResult(scenario.Name, result, opts.Message)
	if out.JSON() {
		return out.Success(tr)
	}
	printTraceText(out, tr)
	return nil
}

func buildTraceResult(name string, result *harness.Result, prefix string) TraceResult {
	tr := TraceResult{
		Scenario: name,
		Pass:     result.Pass,
		Timeline: []harness.TraceEvent{},
		Sent:     result.Sent,
		Snapshot: result.Snapshot,
		Stats:    TraceStats{ByMessage: map[string]int{}, Sockets: len(result.Sent)},
	}
	for _, ev := range result.Trace {
		if prefix != "" && !strings.HasPrefix(ev.Message, prefix) {
			continue
		}
		tr.Timeline = append(tr.Timeline, ev)
		tr.Stats.ByMessage[ev.Message]++
	}
	tr.Stats.TotalEvents = len(tr.Timeline)
	return tr
}

func printTraceText(out *OutputFormatter, tr TraceResult) {
	w := out.Writer
	fmt.Fprintf(w, "Scenario: %s\n\n", tr.Scenario)

	fmt.Fprintln(w, "Timeline:")
	if len(tr.Timeline) == 0 {
		fmt.Fprintln(w, "  (no events)")
	}
	for _, ev := range tr.Timeline {
		fmt.Fprintf(w, "  [%d] %s", ev.Seq, ev.Message)
		for _, k := range slices.Sorted(maps.Keys(ev.Fields)) {
			fmt.Fprintf(w, " %s=%v", k, ev.Fields[k])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "\nSockets:")
	for i, ops := range tr.Sent {
		fmt.Fprintf(w, "  #%d: %s\n", i+1, strings.Join(ops, ", "))
	}

	fmt.Fprintln(w, "\nSnapshot:")
	for _, k := range slices.Sorted(maps.Keys(tr.Snapshot)) {
		fmt.Fprintf(w, "  %s: %v\n", k, tr.Snapshot[k])
	}

	status := "pass"
	if !tr.Pass {
		status = "FAIL"
	}
	fmt.Fprintf(w, "\nStats: %d events, %d sockets, expectations %s\n",
		tr.Stats.TotalEvents, tr.Stats.Sockets, status)
}
