package machine

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind identifies the variant of a Step.
type Kind string

const (
	KindTask       Kind = "task"
	KindExpr       Kind = "expr"
	KindCall       Kind = "call"
	KindIf         Kind = "if"
	KindSwitch     Kind = "switch"
	KindParallel   Kind = "parallel"
	KindGroup      Kind = "group"
	KindCheckpoint Kind = "checkpoint"
	KindSet        Kind = "set"
	KindSuspend    Kind = "suspend"
	KindScript     Kind = "script"
	KindForm       Kind = "form"
	KindExit       Kind = "exit"
	KindReturn     Kind = "return"
	KindThrow      Kind = "throw"
)

// Location identifies where a step was declared in its source document.
type Location struct {
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
	Line   int    `json:"line,omitempty" yaml:"line,omitempty"`
	Column int    `json:"column,omitempty" yaml:"column,omitempty"`
}

// IsZero reports whether the location carries no information.
func (l Location) IsZero() bool {
	return l.File == "" && l.Line == 0 && l.Column == 0
}

func (l Location) String() string {
	switch {
	case l.IsZero():
		return ""
	case l.Line == 0:
		return l.File
	case l.File == "":
		return fmt.Sprintf("%d:%d", l.Line, l.Column)
	default:
		return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
	}
}

// RetryPolicy configures repeated attempts of a failing step.
type RetryPolicy struct {
	// Times is the total number of attempts, including the first one.
	Times int `json:"times" yaml:"times"`

	// Delay is waited between attempts.
	Delay time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`

	// DelayExpr is evaluated before each re-attempt and overrides Delay. It
	// must produce a duration string or a number of seconds.
	DelayExpr string `json:"delay_expr,omitempty" yaml:"delay_expr,omitempty"`

	// On restricts retries to the listed error types. Empty means all.
	On []string `json:"on,omitempty" yaml:"on,omitempty"`
}

// LoopMode selects how loop iterations are scheduled.
type LoopMode string

const (
	LoopSerial   LoopMode = "serial"
	LoopParallel LoopMode = "parallel"
)

// Loop repeats a step once per item.
type Loop struct {
	// Items is either a literal list or a "$(...)" expression producing one.
	Items any `json:"items" yaml:"items"`

	Mode LoopMode `json:"mode,omitempty" yaml:"mode,omitempty"`

	// Parallelism bounds the number of concurrently live iterations in
	// parallel mode. Zero means unbounded.
	Parallelism int `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`

	// As names the variable holding the current item. Defaults to "item".
	As string `json:"as,omitempty" yaml:"as,omitempty"`
}

// Case is one arm of a switch step.
type Case struct {
	When  string  `json:"when" yaml:"when"`
	Steps []*Step `json:"steps" yaml:"steps"`
}

// Branch is one concurrently executed arm of a parallel step.
type Branch struct {
	Name  string   `json:"name,omitempty" yaml:"name,omitempty"`
	Steps []*Step  `json:"steps" yaml:"steps"`
	Out   []string `json:"out,omitempty" yaml:"out,omitempty"`
}

// Step is a single node of a compiled process graph. Steps are immutable
// once a Graph has been built from them.
type Step struct {
	ID       int            `json:"-" yaml:"-"`
	Kind     Kind           `json:"kind" yaml:"kind"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Location Location       `json:"location,omitzero" yaml:"location,omitempty"`
	Output   string         `json:"output,omitempty" yaml:"output,omitempty"`
	Retry    *RetryPolicy   `json:"retry,omitempty" yaml:"retry,omitempty"`
	Loop     *Loop          `json:"loop,omitempty" yaml:"loop,omitempty"`
	Error    []*Step        `json:"error,omitempty" yaml:"error,omitempty"`
	Meta     map[string]any `json:"meta,omitempty" yaml:"meta,omitempty"`
	Out      []string       `json:"out,omitempty" yaml:"out,omitempty"`

	Task       string         `json:"task,omitempty" yaml:"task,omitempty"`
	Input      map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	Expr       string         `json:"expr,omitempty" yaml:"expr,omitempty"`
	Flow       string         `json:"flow,omitempty" yaml:"flow,omitempty"`
	Then       []*Step        `json:"then,omitempty" yaml:"then,omitempty"`
	Else       []*Step        `json:"else,omitempty" yaml:"else,omitempty"`
	Cases      []*Case        `json:"cases,omitempty" yaml:"cases,omitempty"`
	Default    []*Step        `json:"default,omitempty" yaml:"default,omitempty"`
	Branches   []*Branch      `json:"branches,omitempty" yaml:"branches,omitempty"`
	Steps      []*Step        `json:"steps,omitempty" yaml:"steps,omitempty"`
	Checkpoint string         `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	Set        map[string]any `json:"set,omitempty" yaml:"set,omitempty"`
	Global     bool           `json:"global,omitempty" yaml:"global,omitempty"`
	Events     []string       `json:"events,omitempty" yaml:"events,omitempty"`
}

// UnmarshalYAML records the position of the step in the source document
// unless an explicit location was given.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	type plain Step
	var decoded plain
	if err := node.Decode(&decoded); err != nil {
		return err
	}
	*s = Step(decoded)
	if s.Location.Line == 0 {
		s.Location.Line = node.Line
		s.Location.Column = node.Column
	}
	return nil
}

// children returns every directly nested step list, in pre-order.
func (s *Step) children() [][]*Step {
	lists := s.bodies()
	if len(s.Error) > 0 {
		lists = append(lists, s.Error)
	}
	return lists
}

// bodies returns the nested step lists excluding error handlers.
func (s *Step) bodies() [][]*Step {
	var lists [][]*Step
	if len(s.Then) > 0 {
		lists = append(lists, s.Then)
	}
	if len(s.Else) > 0 {
		lists = append(lists, s.Else)
	}
	for _, c := range s.Cases {
		lists = append(lists, c.Steps)
	}
	if len(s.Default) > 0 {
		lists = append(lists, s.Default)
	}
	for _, b := range s.Branches {
		lists = append(lists, b.Steps)
	}
	if len(s.Steps) > 0 {
		lists = append(lists, s.Steps)
	}
	return lists
}

// describeStep returns the name used for a step in logs and telemetry.
func describeStep(s *Step) string {
	var detail string
	switch s.Kind {
	case KindTask:
		detail = s.Task
	case KindCall:
		detail = s.Flow
	case KindCheckpoint:
		detail = s.Checkpoint
	case KindSuspend:
		detail = fmt.Sprintf("%v", s.Events)
	case KindParallel:
		detail = fmt.Sprintf("%d branches", len(s.Branches))
	case KindSwitch:
		detail = fmt.Sprintf("%d cases", len(s.Cases))
	case KindExpr, KindIf, KindScript, KindThrow, KindReturn:
		detail = truncate(s.Expr, 40)
	case KindForm, KindGroup, KindSet, KindExit:
	default:
		detail = "unknown"
	}
	name := string(s.Kind)
	if s.Name != "" {
		name += " " + s.Name
	}
	if detail != "" {
		name += " (" + detail + ")"
	}
	return name
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
