package machine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MaskToken replaces sensitive values in telemetry.
const MaskToken = "******"

// SensitiveValue marks a value that must never appear in telemetry. It is
// unwrapped before the value is bound to a variable.
type SensitiveValue struct {
	Value any
}

// Sensitive wraps a value so that it is masked in task call telemetry.
func Sensitive(v any) SensitiveValue {
	return SensitiveValue{Value: v}
}

func (s SensitiveValue) String() string {
	return MaskToken
}

// sensitiveSet tracks the values flagged as sensitive during one run.
type sensitiveSet struct {
	values map[string]struct{}
}

func newSensitiveSet(known []string) *sensitiveSet {
	s := &sensitiveSet{values: map[string]struct{}{}}
	for _, v := range known {
		s.values[v] = struct{}{}
	}
	return s
}

// list returns the flagged values, sorted.
func (s *sensitiveSet) list() []string {
	out := make([]string, 0, len(s.values))
	for v := range s.values {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// maskText replaces every flagged value occurring in text, longest first.
func (s *sensitiveSet) maskText(text string) string {
	values := s.list()
	sort.SliceStable(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	for _, v := range values {
		text = strings.ReplaceAll(text, v, MaskToken)
	}
	return text
}

func (s *sensitiveSet) add(v any) {
	switch value := v.(type) {
	case nil:
	case map[string]any:
		for _, item := range value {
			s.add(item)
		}
	case []any:
		for _, item := range value {
			s.add(item)
		}
	case SensitiveValue:
		s.add(value.Value)
	default:
		if key := fmt.Sprint(value); key != "" {
			s.values[key] = struct{}{}
		}
	}
}

func (s *sensitiveSet) contains(v any) bool {
	_, ok := s.values[fmt.Sprint(v)]
	return ok
}

// unwrap removes SensitiveValue wrappers, recording the wrapped values.
func (s *sensitiveSet) unwrap(v any) any {
	switch value := v.(type) {
	case SensitiveValue:
		s.add(value.Value)
		return s.unwrap(value.Value)
	case map[string]any:
		result := make(map[string]any, len(value))
		for k, item := range value {
			result[k] = s.unwrap(item)
		}
		return result
	case []any:
		result := make([]any, len(value))
		for i, item := range value {
			result[i] = s.unwrap(item)
		}
		return result
	default:
		return v
	}
}

// mask returns a copy of v with every sensitive value replaced by MaskToken.
func (s *sensitiveSet) mask(v any) any {
	switch value := v.(type) {
	case nil:
		return nil
	case SensitiveValue:
		return MaskToken
	case map[string]any:
		result := make(map[string]any, len(value))
		for k, item := range value {
			result[k] = s.mask(item)
		}
		return result
	case []any:
		result := make([]any, len(value))
		for i, item := range value {
			result[i] = s.mask(item)
		}
		return result
	default:
		if s.contains(value) {
			return MaskToken
		}
		return v
	}
}

// runContext carries state that lives for one run of the loop. The
// sensitive set is seeded from the State and written back to it.
type runContext struct {
	mu        sync.Mutex
	sensitive *sensitiveSet
	dirty     bool
}

func newRunContext(st *State) *runContext {
	return &runContext{sensitive: newSensitiveSet(st.Sensitive)}
}

func (r *runContext) flag(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := len(r.sensitive.values)
	r.sensitive.add(v)
	r.dirty = r.dirty || len(r.sensitive.values) != before
}

func (r *runContext) unwrap(v any) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := len(r.sensitive.values)
	out := r.sensitive.unwrap(v)
	r.dirty = r.dirty || len(r.sensitive.values) != before
	return out
}

func (r *runContext) mask(v any) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sensitive.mask(v)
}

func (r *runContext) maskText(text string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sensitive.maskText(text)
}

// save records newly flagged values in st. Callers hold the State lock.
func (r *runContext) save(st *State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dirty {
		st.Sensitive = r.sensitive.list()
		r.dirty = false
	}
}
