package machine

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// MainFlow is the flow executed by the root thread.
const MainFlow = "main"

// GraphOptions are used to build a Graph.
type GraphOptions struct {
	Name string `json:"name" yaml:"name"`

	// Steps is shorthand for Flows["main"].
	Steps []*Step `json:"steps,omitempty" yaml:"steps,omitempty"`

	// Flows holds named step lists that may be invoked by call steps.
	Flows map[string][]*Step `json:"flows,omitempty" yaml:"flows,omitempty"`

	// Outputs names root variables copied to the process outputs on
	// completion. When empty, every root frame variable is copied.
	Outputs []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// File is recorded in the location of every step that lacks one.
	File string `json:"-" yaml:"-"`
}

// Graph is the immutable compiled representation of a process.
type Graph struct {
	name    string
	flows   map[string][]*Step
	steps   []*Step
	outputs []string
}

// NewGraph validates the given steps and assigns every step a stable
// pre-order id.
func NewGraph(opts GraphOptions) (*Graph, error) {
	flows := make(map[string][]*Step, len(opts.Flows)+1)
	for name, steps := range opts.Flows {
		flows[name] = steps
	}
	if len(opts.Steps) > 0 {
		if _, exists := flows[MainFlow]; exists {
			return nil, fmt.Errorf("both steps and flow %q were given", MainFlow)
		}
		flows[MainFlow] = opts.Steps
	}
	if len(flows[MainFlow]) == 0 {
		return nil, fmt.Errorf("flow %q requires at least one step", MainFlow)
	}
	g := &Graph{
		name:    opts.Name,
		flows:   flows,
		outputs: append([]string(nil), opts.Outputs...),
	}
	for _, name := range g.FlowNames() {
		for _, step := range flows[name] {
			if err := g.index(step, opts.File); err != nil {
				return nil, err
			}
		}
	}
	for _, name := range g.FlowNames() {
		for _, step := range flows[name] {
			if err := g.validateStep(step, false); err != nil {
				return nil, fmt.Errorf("flow %q: %w", name, err)
			}
		}
	}
	return g, nil
}

func (g *Graph) index(step *Step, file string) error {
	if step == nil {
		return fmt.Errorf("nil step at position %d", len(g.steps))
	}
	step.ID = len(g.steps)
	if step.Location.File == "" {
		step.Location.File = file
	}
	g.steps = append(g.steps, step)
	for _, list := range step.children() {
		for _, child := range list {
			if err := g.index(child, file); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateStep checks the fields required by every kind. Steps nested in a
// parallel branch or a parallel loop body may not take checkpoints.
func (g *Graph) validateStep(step *Step, inParallel bool) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%s %s: %s", step.Location, describeStep(step), fmt.Sprintf(format, args...))
	}
	if step.Retry != nil && step.Retry.Times < 1 {
		return fail("retry times must be at least 1")
	}
	bodyParallel := inParallel
	if step.Loop != nil {
		switch step.Loop.Mode {
		case "", LoopSerial:
		case LoopParallel:
			bodyParallel = true
		default:
			return fail("unknown loop mode %q", step.Loop.Mode)
		}
		if step.Loop.Items == nil {
			return fail("loop requires items")
		}
		if step.Loop.Parallelism < 0 {
			return fail("loop parallelism must not be negative")
		}
	}
	switch step.Kind {
	case KindTask:
		if step.Task == "" {
			return fail("task name required")
		}
	case KindExpr, KindScript:
		if step.Expr == "" {
			return fail("expression required")
		}
	case KindCall:
		if step.Flow == "" {
			return fail("flow name required")
		}
		if _, ok := g.flows[step.Flow]; !ok {
			return fail("unknown flow %q", step.Flow)
		}
	case KindIf:
		if step.Expr == "" {
			return fail("condition required")
		}
	case KindSwitch:
		if len(step.Cases) == 0 {
			return fail("at least one case required")
		}
		for i, c := range step.Cases {
			if c.When == "" {
				return fail("case %d requires a condition", i)
			}
		}
	case KindParallel:
		if len(step.Branches) == 0 {
			return fail("at least one branch required")
		}
		bodyParallel = true
	case KindGroup:
		if len(step.Steps) == 0 {
			return fail("at least one step required")
		}
	case KindCheckpoint:
		if step.Checkpoint == "" {
			return fail("checkpoint name required")
		}
		if bodyParallel {
			return fail("%v", ErrCheckpointInParallel)
		}
	case KindSet:
		if len(step.Set) == 0 {
			return fail("at least one variable required")
		}
	case KindSuspend:
		if len(step.Events) == 0 {
			return fail("at least one event required")
		}
	case KindForm:
		if step.Name == "" {
			return fail("form name required")
		}
	case KindExit, KindReturn, KindThrow:
	default:
		return fail("unknown step kind %q", step.Kind)
	}
	for _, child := range step.Error {
		if err := g.validateStep(child, inParallel); err != nil {
			return err
		}
	}
	if step.Kind == KindParallel {
		for _, b := range step.Branches {
			for _, child := range b.Steps {
				if err := g.validateStep(child, true); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, list := range step.bodies() {
		for _, child := range list {
			if err := g.validateStep(child, bodyParallel); err != nil {
				return err
			}
		}
	}
	return nil
}

// Name returns the graph name.
func (g *Graph) Name() string {
	return g.name
}

// Outputs returns the names of the process outputs.
func (g *Graph) Outputs() []string {
	return append([]string(nil), g.outputs...)
}

// Step returns the step with the given id.
func (g *Graph) Step(id int) (*Step, bool) {
	if id < 0 || id >= len(g.steps) {
		return nil, false
	}
	return g.steps[id], true
}

// Len returns the number of steps in the graph.
func (g *Graph) Len() int {
	return len(g.steps)
}

// Flow returns the steps of a named flow.
func (g *Graph) Flow(name string) ([]*Step, bool) {
	steps, ok := g.flows[name]
	return steps, ok
}

// FlowNames returns the flow names in a stable order, main first.
func (g *Graph) FlowNames() []string {
	names := make([]string, 0, len(g.flows))
	for name := range g.flows {
		if name != MainFlow {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return append([]string{MainFlow}, names...)
}

// LoadFile loads a graph from a YAML or JSON file.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	return load(data, path)
}

// LoadString loads a graph from a YAML or JSON string.
func LoadString(data string) (*Graph, error) {
	return load([]byte(data), "")
}

func load(data []byte, file string) (*Graph, error) {
	var opts GraphOptions
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("failed to parse graph: %w", err)
	}
	opts.File = file
	return NewGraph(opts)
}
