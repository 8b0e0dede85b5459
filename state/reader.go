package state

// Reader provides read-only access to the variables visible to a step
type Reader interface {
	// ProcessID returns the id of the running process
	ProcessID() string

	// GetVariables returns a copy of the visible variables, with inner
	// frames shadowing outer frames and global variables
	GetVariables() map[string]any

	// GetVariable returns a single visible variable
	GetVariable(name string) (any, bool)

	// GetInputs returns a copy of the process inputs
	GetInputs() map[string]any
}

// Snapshot is a Reader over fixed maps.
type Snapshot struct {
	Process   string
	Variables map[string]any
	Inputs    map[string]any
}

func (s *Snapshot) ProcessID() string {
	return s.Process
}

func (s *Snapshot) GetVariables() map[string]any {
	return copyMap(s.Variables)
}

func (s *Snapshot) GetVariable(name string) (any, bool) {
	v, ok := s.Variables[name]
	return v, ok
}

func (s *Snapshot) GetInputs() map[string]any {
	return copyMap(s.Inputs)
}

func copyMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
