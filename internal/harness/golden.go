package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/reactor/internal/ir"
)

// GoldenSuffix is the extension of golden trace files.
const GoldenSuffix = ".golden"

// ErrGoldenMismatch is returned by CompareGolden when a trace differs from
// its golden file.
var ErrGoldenMismatch = errors.New("trace differs from golden file")

// TraceSnapshot captures everything a golden file pins down for a run.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
	Sent         [][]string   `json:"sent"`
}

// toCanonicalMap converts the snapshot to plain values ir.FromAny accepts.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"seq":     event.Seq,
			"message": event.Message,
		}
		if len(event.Fields) > 0 {
			eventMap["fields"] = event.Fields
		}
		traceList[i] = eventMap
	}

	sent := make([]any, len(s.Sent))
	for i, ops := range s.Sent {
		list := make([]any, len(ops))
		for j, op := range ops {
			list[j] = op
		}
		sent[i] = list
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"sent":          sent,
	}
}

// TraceJSON renders a result as canonical JSON, the golden file format.
func TraceJSON(scenarioName string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		Sent:         result.Sent,
	}
	v, err := ir.FromAny(snapshot.toCanonicalMap())
	if err != nil {
		return nil, fmt.Errorf("trace is not canonical: %w", err)
	}
	return ir.MarshalCanonical(v)
}

// RunWithGolden executes a scenario and compares its trace against
// {fixtureDir}/{scenario.Name}.golden.
//
// To regenerate golden files, run the test with -update.
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario, fixtureDir string) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result, fixtureDir); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result, fixtureDir string) error {
	t.Helper()

	traceJSON, err := TraceJSON(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir(fixtureDir),
		goldie.WithNameSuffix(GoldenSuffix),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}

// GoldenPath returns where the golden file for scenarioName lives.
func GoldenPath(fixtureDir, scenarioName string) string {
	return filepath.Join(fixtureDir, scenarioName+GoldenSuffix)
}

// CompareGolden checks a result against its golden file outside of go test.
// With update set it rewrites the file instead.
func CompareGolden(fixtureDir, scenarioName string, result *Result, update bool) error {
	traceJSON, err := TraceJSON(scenarioName, result)
	if err != nil {
		return err
	}
	path := GoldenPath(fixtureDir, scenarioName)

	if update {
		if err := os.MkdirAll(fixtureDir, 0o755); err != nil {
			return fmt.Errorf("failed to create golden dir: %w", err)
		}
		if err := os.WriteFile(path, traceJSON, 0o644); err != nil {
			return fmt.Errorf("failed to write golden file: %w", err)
		}
		return nil
	}

	want, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read golden file: %w", err)
	}
	if !bytes.Equal(want, traceJSON) {
		return fmt.Errorf("%w: %s", ErrGoldenMismatch, path)
	}
	return nil
}
