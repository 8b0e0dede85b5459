package machine

import (
	"bytes"
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]map[string]any{})
	gob.Register(map[string]string{})
	gob.Register(time.Time{})
	gob.Register(time.Duration(0))
	gob.Register(SensitiveValue{})
}

// RegisterType makes a custom value type storable in process variables.
func RegisterType(value any) {
	gob.Register(value)
}

// EncodeState serializes the complete state. Dynamic value types survive
// the round trip exactly.
func EncodeState(st *State) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return nil, &SerializationFault{Op: "encode", Err: err}
	}
	return buf.Bytes(), nil
}

// DecodeState restores a state produced by EncodeState.
func DecodeState(data []byte) (*State, error) {
	var st State
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return nil, &SerializationFault{Op: "decode", Err: err}
	}
	normalizeState(&st)
	return &st, nil
}

// CloneState returns a deep copy of a state.
func CloneState(st *State) (*State, error) {
	data, err := EncodeState(st)
	if err != nil {
		return nil, err
	}
	return DecodeState(data)
}

// normalizeState replaces the nil maps left by decoding empty ones.
func normalizeState(st *State) {
	if st.Threads == nil {
		st.Threads = map[ThreadID]*Thread{}
	}
	if st.Globals == nil {
		st.Globals = map[string]any{}
	}
	if st.Inputs == nil {
		st.Inputs = map[string]any{}
	}
	if st.Outputs == nil {
		st.Outputs = map[string]any{}
	}
	for _, t := range st.Threads {
		for _, f := range t.Frames {
			if f.Vars == nil {
				f.Vars = map[string]any{}
			}
		}
		if t.Join != nil {
			for _, f := range t.Join.Queued {
				if f.Vars == nil {
					f.Vars = map[string]any{}
				}
			}
		}
	}
}
