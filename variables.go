package machine

import (
	"reflect"
	"sort"
)

// Reserved variable names.
const (
	lastErrorVariable = "lastError"
	eventVariable     = "event"
)

// VariableContainer is a container for process variables.
type VariableContainer interface {

	// SetVariable sets the value of a variable.
	SetVariable(key string, value any)

	// DeleteVariable deletes a variable.
	DeleteVariable(key string)

	// ListVariables returns a sorted slice containing all variable names.
	ListVariables() []string

	// GetVariable returns the value of a variable.
	GetVariable(key string) (value any, exists bool)
}

// GlobalVariables is the process-scoped variable store. It is seeded from
// the process inputs and written by set steps marked global.
type GlobalVariables map[string]any

func (g GlobalVariables) SetVariable(key string, value any) {
	g[key] = value
}

func (g GlobalVariables) DeleteVariable(key string) {
	delete(g, key)
}

func (g GlobalVariables) ListVariables() []string {
	return sortedKeys(g)
}

func (g GlobalVariables) GetVariable(key string) (any, bool) {
	v, ok := g[key]
	return v, ok
}

// frameVariables exposes the variables of a single frame.
type frameVariables struct {
	frame *Frame
}

func (f frameVariables) SetVariable(key string, value any) {
	f.frame.Vars[key] = value
}

func (f frameVariables) DeleteVariable(key string) {
	delete(f.frame.Vars, key)
}

func (f frameVariables) ListVariables() []string {
	return sortedKeys(f.frame.Vars)
}

func (f frameVariables) GetVariable(key string) (any, bool) {
	v, ok := f.frame.Vars[key]
	return v, ok
}

// PatchOptions is used to create a Patch.
type PatchOptions struct {
	Variable string
	Value    any
	Delete   bool
}

// Patch represents a change to a variable.
type Patch struct {
	variable string
	value    any
	delete   bool
}

func (p Patch) Variable() string {
	return p.variable
}

func (p Patch) Value() any {
	return p.value
}

func (p Patch) Delete() bool {
	return p.delete
}

// NewPatch creates a new Patch.
func NewPatch(opts PatchOptions) Patch {
	return Patch{
		variable: opts.Variable,
		value:    opts.Value,
		delete:   opts.Delete,
	}
}

// GeneratePatches compares original and modified variable maps and returns
// patches for the differences, ordered by variable name.
func GeneratePatches(original, modified map[string]any) []Patch {
	var patches []Patch
	for _, key := range sortedKeys(modified) {
		currentValue := modified[key]
		if originalValue, exists := original[key]; exists {
			if !sameValue(originalValue, currentValue) {
				patches = append(patches, Patch{variable: key, value: currentValue})
			}
		} else {
			patches = append(patches, Patch{variable: key, value: currentValue})
		}
	}
	for _, key := range sortedKeys(original) {
		if _, exists := modified[key]; !exists {
			patches = append(patches, Patch{variable: key, delete: true})
		}
	}
	return patches
}

// ApplyPatches applies a list of patches to a variable container.
func ApplyPatches(container VariableContainer, patches []Patch) {
	for _, patch := range patches {
		if patch.delete {
			container.DeleteVariable(patch.variable)
		} else {
			container.SetVariable(patch.variable, patch.value)
		}
	}
}

// sameValue is reflect.DeepEqual that also treats integers of different
// widths holding the same number as equal. Script engines commonly widen
// int to int64.
func sameValue(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ai, aok := asInt64(a)
	bi, bok := asInt64(b)
	if aok && bok {
		return ai == bi
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, ok := bv[k]
			if !ok || !sameValue(v, other) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !sameValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// copyMap creates a shallow copy of a map. The copy is never nil.
func copyMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

// deepCopy copies nested maps and lists so that forked threads never share
// mutable values.
func deepCopy(v any) any {
	switch value := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(value))
		for k, item := range value {
			result[k] = deepCopy(item)
		}
		return result
	case []any:
		result := make([]any, len(value))
		for i, item := range value {
			result[i] = deepCopy(item)
		}
		return result
	default:
		return v
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	return deepCopy(copyMap(m)).(map[string]any)
}
