package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashCommand(t *testing.T) {
	a, _, err := execute(t, "hash", `{"todos":{"$":{"where":{"done":false,"owner":"u1"}}}}`)
	require.NoError(t, err)
	b, _, err := execute(t, "hash", `{"todos":{"$":{"where":{"owner":"u1","done":false}}}}`)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 65)

	stdout, _, err := execute(t, "hash", `{"users":{},"todos":{}}`, "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Data HashOutput `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, `{"todos":{},"users":{}}`, resp.Data.Canonical)
	assert.Equal(t, []string{"todos", "users"}, resp.Data.Namespaces)

	_, _, err = execute(t, "hash", `{"todos":1.5}`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
