package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/machine"
	"github.com/deepnoodle-ai/machine/events"
	"github.com/deepnoodle-ai/machine/store"
)

func TestParseInputs(t *testing.T) {
	inputs, err := parseInputs([]string{"name=ana", "count=5", "tags=[a, b]", "empty=", "ok=true"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"name":  "ana",
		"count": 5,
		"tags":  []any{"a", "b"},
		"empty": "",
		"ok":    true,
	}, inputs)

	_, err = parseInputs([]string{"novalue"})
	require.Error(t, err)
}

func TestParsePayload(t *testing.T) {
	payload, err := parsePayload(`{"approved": true}`)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"approved": true}, payload)

	path := filepath.Join(t.TempDir(), "payload.yaml")
	require.NoError(t, os.WriteFile(path, []byte("amount: 12\n"), 0644))
	payload, err = parsePayload("@" + path)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"amount": 12}, payload)

	payload, err = parsePayload("")
	require.NoError(t, err)
	require.Nil(t, payload)
}

func TestClassifyResumeError(t *testing.T) {
	require.True(t, events.IsPermanent(classifyResumeError(fmt.Errorf("process p: %w", store.ErrNotFound))))
	require.True(t, events.IsPermanent(classifyResumeError(fmt.Errorf("x: %w", machine.ErrProcessEnded))))
	require.False(t, events.IsPermanent(classifyResumeError(errors.New("busy"))))
}

func TestRunAndInspect(t *testing.T) {
	dir := t.TempDir()
	graphFile := filepath.Join(dir, "graph.yaml")
	require.NoError(t, os.WriteFile(graphFile, []byte(`
name: approval
steps:
  - kind: set
    name: init
    set:
      amount: $(inputs.amount)
  - kind: suspend
    name: wait
    events: [approved]
    output: approval
`), 0644))

	cfg := &config{Store: "file", DataDir: filepath.Join(dir, "data"), GraphFile: graphFile}
	defer cfg.close()
	ctx := context.Background()

	driver, err := cfg.driver(ctx)
	require.NoError(t, err)
	id, outcome, err := driver.Start(ctx, "p-1", map[string]any{"amount": 3})
	require.NoError(t, err)
	require.Equal(t, "p-1", id)
	require.Equal(t, machine.OutcomeSuspended, outcome.Status)

	st, err := cfg.loadState(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, machine.ProcessSuspended, st.Status)

	s, err := cfg.openStore(ctx)
	require.NoError(t, err)
	markers, err := s.ListMarkers(ctx)
	require.NoError(t, err)
	require.Len(t, markers, 1)
	require.Equal(t, []string{"approved"}, markers[0].Events)

	outcome, err = driver.Resume(ctx, "p-1", "approved", map[string]any{"by": "ana"})
	require.NoError(t, err)
	require.Equal(t, machine.OutcomeCompleted, outcome.Status)
	require.Equal(t, map[string]any{"by": "ana"}, outcome.Outputs["approval"])
}

func TestOpenStoreRejectsUnknown(t *testing.T) {
	cfg := &config{Store: "redis://x", DataDir: t.TempDir()}
	_, err := cfg.openStore(context.Background())
	require.Error(t, err)
}
