package state

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshot(t *testing.T) {
	snap := &Snapshot{
		Process:   "proc-1",
		Variables: map[string]any{"count": 2},
		Inputs:    map[string]any{"name": "ada"},
	}
	var reader Reader = snap
	require.Equal(t, "proc-1", reader.ProcessID())

	value, ok := reader.GetVariable("count")
	require.True(t, ok)
	require.Equal(t, 2, value)
	_, ok = reader.GetVariable("missing")
	require.False(t, ok)

	vars := reader.GetVariables()
	vars["count"] = 3
	require.Equal(t, 2, snap.Variables["count"])

	inputs := reader.GetInputs()
	inputs["name"] = "bob"
	require.Equal(t, "ada", snap.Inputs["name"])
}
