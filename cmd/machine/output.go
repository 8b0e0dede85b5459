package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/deepnoodle-ai/machine"
	"github.com/deepnoodle-ai/machine/store"
)

// output renders results as colored text or as JSON.
type output struct {
	json bool
}

func newOutput(cfg *config) *output {
	return &output{json: cfg.JSON}
}

func (o *output) printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o *output) success(format string, args ...any) {
	if !o.json {
		color.Green(format, args...)
	}
}

func (o *output) info(format string, args ...any) {
	if !o.json {
		color.Blue(format, args...)
	}
}

func (o *output) table(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	bold := color.New(color.Bold)
	bold.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

type outcomeView struct {
	ProcessID string         `json:"process_id"`
	Status    string         `json:"status"`
	Events    []string       `json:"events,omitempty"`
	Error     string         `json:"error,omitempty"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Duration  string         `json:"duration"`
}

// outcome reports how a run ended. A failed process is returned as an error
// so the command exits non-zero.
func (o *output) outcome(processID string, outcome *machine.Outcome, duration time.Duration) error {
	view := outcomeView{
		ProcessID: processID,
		Status:    string(outcome.Status),
		Events:    outcome.Events,
		Outputs:   outcome.Outputs,
		Duration:  duration.String(),
	}
	if outcome.Err != nil {
		view.Error = outcome.Err.Error()
	}
	if o.json {
		if err := o.printJSON(view); err != nil {
			return err
		}
	} else {
		color.White("Process %s finished in %v", processID, duration)
		switch outcome.Status {
		case machine.OutcomeCompleted:
			color.Green("Status: %s", outcome.Status)
			if len(outcome.Outputs) > 0 {
				color.Magenta("Outputs:")
				for _, key := range sortedKeys(outcome.Outputs) {
					fmt.Printf("  %s: %s\n", key, formatValue(outcome.Outputs[key]))
				}
			}
		case machine.OutcomeSuspended:
			color.Yellow("Status: %s", outcome.Status)
			color.Yellow("Waiting for: %s", strings.Join(outcome.Events, ", "))
		default:
			color.Red("Status: %s", outcome.Status)
			color.Red("Error: %v", outcome.Err)
		}
	}
	if outcome.Status == machine.OutcomeFailed {
		return fmt.Errorf("process %s failed", processID)
	}
	return nil
}

func (o *output) checkpoints(infos []store.CheckpointInfo) error {
	if o.json {
		return o.printJSON(infos)
	}
	rows := make([][]string, len(infos))
	for i, info := range infos {
		rows[i] = []string{info.Name, fmt.Sprintf("%d", info.Size), info.CreatedAt.Format(time.RFC3339)}
	}
	o.table([]string{"NAME", "SIZE", "CREATED"}, rows)
	return nil
}

func (o *output) markers(markers []store.Marker) error {
	if o.json {
		return o.printJSON(markers)
	}
	rows := make([][]string, len(markers))
	for i, m := range markers {
		rows[i] = []string{m.ProcessID, strings.Join(m.Events, ","), m.SuspendedAt.Format(time.RFC3339)}
	}
	o.table([]string{"PROCESS", "EVENTS", "SUSPENDED"}, rows)
	return nil
}

type threadView struct {
	ID       int            `json:"id"`
	Parent   int            `json:"parent"`
	Branch   string         `json:"branch,omitempty"`
	Status   string         `json:"status"`
	Depth    int            `json:"depth"`
	Awaiting []string       `json:"awaiting,omitempty"`
	Vars     map[string]any `json:"vars,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type stateView struct {
	ProcessID string                   `json:"process_id"`
	Graph     string                   `json:"graph"`
	Status    string                   `json:"status"`
	Commands  int                      `json:"commands"`
	Globals   map[string]any           `json:"globals,omitempty"`
	Outputs   map[string]any           `json:"outputs,omitempty"`
	Queued    []string                 `json:"queued_events,omitempty"`
	Threads   []threadView             `json:"threads"`
	Error     string                   `json:"error,omitempty"`
	Calls     []*machine.TaskCallEvent `json:"calls,omitempty"`
}

func (o *output) state(st *machine.State, calls []*machine.TaskCallEvent) error {
	view := stateView{
		ProcessID: st.ProcessID,
		Graph:     st.Graph,
		Status:    string(st.Status),
		Commands:  st.Commands,
		Globals:   st.Globals,
		Outputs:   st.Outputs,
		Calls:     calls,
	}
	for _, event := range st.Events {
		view.Queued = append(view.Queued, event.Name)
	}
	if st.Err != nil {
		view.Error = st.Err.Err().Error()
	}
	for _, id := range st.ThreadIDs() {
		t := st.Threads[id]
		tv := threadView{
			ID:       int(t.ID),
			Parent:   int(t.Parent),
			Branch:   t.Branch,
			Status:   string(t.Status),
			Depth:    len(t.Frames),
			Awaiting: t.Awaiting,
		}
		if len(t.Frames) > 0 {
			tv.Vars = t.Frames[len(t.Frames)-1].Vars
		}
		if t.Err != nil {
			tv.Error = t.Err.Err().Error()
		}
		view.Threads = append(view.Threads, tv)
	}
	if o.json {
		return o.printJSON(view)
	}
	color.Cyan("Process %s (graph %q)", view.ProcessID, view.Graph)
	fmt.Printf("Status:   %s\n", view.Status)
	fmt.Printf("Commands: %d\n", view.Commands)
	if view.Error != "" {
		color.Red("Error:    %s", view.Error)
	}
	if len(view.Queued) > 0 {
		fmt.Printf("Queued:   %s\n", strings.Join(view.Queued, ", "))
	}
	printValues("Globals", view.Globals)
	printValues("Outputs", view.Outputs)
	rows := make([][]string, 0, len(view.Threads))
	for _, t := range view.Threads {
		rows = append(rows, []string{
			fmt.Sprintf("%d", t.ID), fmt.Sprintf("%d", t.Parent), t.Branch, t.Status,
			fmt.Sprintf("%d", t.Depth), strings.Join(t.Awaiting, ","),
		})
	}
	fmt.Println()
	o.table([]string{"THREAD", "PARENT", "BRANCH", "STATUS", "DEPTH", "AWAITING"}, rows)
	if len(calls) > 0 {
		fmt.Println()
		color.Magenta("Task calls:")
		for _, call := range calls {
			line := fmt.Sprintf("  %s %s (%s) %.3fs", call.StartTime.Format(time.RFC3339), call.Task, call.Step, call.Duration)
			if call.Error != "" {
				color.Red("%s error: %s", line, call.Error)
			} else {
				fmt.Println(line)
			}
		}
	}
	return nil
}

func printValues(title string, values map[string]any) {
	if len(values) == 0 {
		return
	}
	color.Magenta("%s:", title)
	for _, key := range sortedKeys(values) {
		fmt.Printf("  %s: %s\n", key, formatValue(values[key]))
	}
}

func formatValue(v any) string {
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%v", v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
