package machine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGraphValidation(t *testing.T) {
	tests := []struct {
		name   string
		source string
		errMsg string
	}{
		{
			name:   "empty main flow",
			source: "name: empty\n",
			errMsg: `flow "main" requires at least one step`,
		},
		{
			name: "steps and main flow",
			source: `
steps:
  - kind: exit
flows:
  main:
    - kind: exit
`,
			errMsg: `both steps and flow "main" were given`,
		},
		{
			name: "unknown kind",
			source: `
steps:
  - kind: teleport
`,
			errMsg: `unknown step kind "teleport"`,
		},
		{
			name: "unknown flow",
			source: `
steps:
  - kind: call
    flow: nowhere
`,
			errMsg: `unknown flow "nowhere"`,
		},
		{
			name: "retry without attempts",
			source: `
steps:
  - kind: task
    task: fetch
    retry:
      times: 0
`,
			errMsg: "retry times must be at least 1",
		},
		{
			name: "task without name",
			source: `
steps:
  - kind: task
`,
			errMsg: "task name required",
		},
		{
			name: "unknown loop mode",
			source: `
steps:
  - kind: set
    set:
      a: 1
    loop:
      items: [1]
      mode: sideways
`,
			errMsg: `unknown loop mode "sideways"`,
		},
		{
			name: "checkpoint in parallel branch",
			source: `
steps:
  - kind: parallel
    branches:
      - steps:
          - kind: checkpoint
            checkpoint: mid
`,
			errMsg: ErrCheckpointInParallel.Error(),
		},
		{
			name: "checkpoint in parallel loop",
			source: `
steps:
  - kind: group
    loop:
      items: [1, 2]
      mode: parallel
    steps:
      - kind: checkpoint
        checkpoint: each
`,
			errMsg: ErrCheckpointInParallel.Error(),
		},
		{
			name: "checkpoint in called flow handler",
			source: `
steps:
  - kind: call
    flow: sub
flows:
  sub:
    - kind: parallel
      branches:
        - steps:
            - kind: exit
      error:
        - kind: set
          set:
            ok: true
        - kind: parallel
          branches:
            - steps:
                - kind: checkpoint
                  checkpoint: deep
`,
			errMsg: `flow "sub"`,
		},
		{
			name: "suspend without events",
			source: `
steps:
  - kind: suspend
`,
			errMsg: "at least one event required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadString(tt.source)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestCheckpointOutsideParallelIsValid(t *testing.T) {
	g, err := LoadString(`
steps:
  - kind: parallel
    branches:
      - steps:
          - kind: exit
  - kind: checkpoint
    checkpoint: after
  - kind: group
    loop:
      items: [1, 2]
    steps:
      - kind: checkpoint
        checkpoint: each
`)
	require.NoError(t, err)
	require.Equal(t, 5, g.Len())
}

func TestGraphStepIDs(t *testing.T) {
	g, err := LoadString(`
name: ids
outputs: [total]
steps:
  - kind: set
    name: first
    set:
      total: 0
  - kind: if
    name: check
    expr: $(vars.total == 0)
    then:
      - kind: call
        name: nested
        flow: helper
flows:
  helper:
    - kind: return
      name: done
      expr: 1
`)
	require.NoError(t, err)
	require.Equal(t, "ids", g.Name())
	require.Equal(t, []string{"total"}, g.Outputs())
	require.Equal(t, []string{MainFlow, "helper"}, g.FlowNames())

	var names []string
	for id := 0; id < g.Len(); id++ {
		step, ok := g.Step(id)
		require.True(t, ok)
		require.Equal(t, id, step.ID)
		names = append(names, step.Name)
	}
	require.Equal(t, []string{"first", "check", "nested", "done"}, names)

	_, ok := g.Step(g.Len())
	require.False(t, ok)
	helper, ok := g.Flow("helper")
	require.True(t, ok)
	require.Len(t, helper, 1)
}

func TestLoadFileLocations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "order.yaml")
	source := "steps:\n  - kind: set\n    name: start\n    set:\n      a: 1\n  - kind: throw\n    name: stop\n"
	require.NoError(t, os.WriteFile(path, []byte(source), 0644))

	g, err := LoadFile(path)
	require.NoError(t, err)
	first, _ := g.Step(0)
	second, _ := g.Step(1)
	require.Equal(t, Location{File: path, Line: 2, Column: 5}, first.Location)
	require.Equal(t, Location{File: path, Line: 6, Column: 5}, second.Location)
	require.Equal(t, path+":6:5", second.Location.String())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "failed to read graph file")
}

func TestLoadStringRejectsInvalidYAML(t *testing.T) {
	_, err := LoadString("steps: [")
	require.ErrorContains(t, err, "failed to parse graph")
}
