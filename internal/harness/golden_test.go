package harness

import (
	"os"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceJSON_Canonical(t *testing.T) {
	result := NewResult()
	result.AddTrace("session:ready", map[string]any{"session_id": "s-1", "generation": int64(1)})
	result.AddTrace("network:online", nil)
	result.Sent = [][]string{{"init"}}

	data, err := TraceJSON("tiny", result)
	require.NoError(t, err)

	want := `{"scenario_name":"tiny","sent":[["init"]],"trace":[` +
		`{"fields":{"generation":1,"session_id":"s-1"},"message":"session:ready","seq":1},` +
		`{"message":"network:online","seq":2}]}`
	assert.Equal(t, want, string(data))
}

func TestTraceJSON_RejectsFloats(t *testing.T) {
	result := NewResult()
	result.AddTrace("odd", map[string]any{"ratio": 0.5})

	_, err := TraceJSON("odd", result)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trace is not canonical")
}

// A golden written from one run must match the next run of the same
// scenario.
func TestRunWithGolden_RoundTrip(t *testing.T) {
	for _, scenario := range loadScenarios(t) {
		t.Run(scenario.Name, func(t *testing.T) {
			dir := t.TempDir()

			first, err := Run(scenario)
			require.NoError(t, err)
			data, err := TraceJSON(scenario.Name, first)
			require.NoError(t, err)

			g := goldie.New(t, goldie.WithFixtureDir(dir), goldie.WithNameSuffix(GoldenSuffix))
			g.Update(t, scenario.Name, data)

			result, err := RunWithGolden(t, scenario, dir)
			require.NoError(t, err)
			assert.True(t, result.Pass, result.Errors)
		})
	}
}

func TestCompareGolden(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/handshake.yaml")
	require.NoError(t, err)
	result, err := Run(scenario)
	require.NoError(t, err)

	dir := t.TempDir()

	err = CompareGolden(dir, scenario.Name, result, false)
	require.Error(t, err, "no golden file yet")

	require.NoError(t, CompareGolden(dir, scenario.Name, result, true))
	assert.FileExists(t, GoldenPath(dir, scenario.Name))
	require.NoError(t, CompareGolden(dir, scenario.Name, result, false))

	require.NoError(t, os.WriteFile(GoldenPath(dir, scenario.Name), []byte(`{}`), 0o644))
	err = CompareGolden(dir, scenario.Name, result, false)
	assert.ErrorIs(t, err, ErrGoldenMismatch)
}
