package tasks

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Jeffail/gabs/v2"

	"github.com/deepnoodle-ai/machine"
)

// JSONInput defines the input of the json task
type JSONInput struct {
	Operation string `json:"operation" default:"parse" validate:"oneof=parse stringify query set delete merge validate"`

	// Data is a JSON document, either as a string or as a structured value.
	Data any `json:"data"`

	// Path is a dot separated path used by query, set and delete.
	Path string `json:"path"`

	// Value is stored at Path by set.
	Value any `json:"value"`

	// MergeWith is merged into Data by merge. Values from MergeWith win
	// on conflicts; nested objects are merged recursively.
	MergeWith any `json:"merge_with"`

	Indent bool `json:"indent"`
}

// JSON parses, queries and transforms JSON documents
type JSON struct{}

func NewJSON() machine.Task {
	return machine.NewTypedTask(&JSON{})
}

func (j *JSON) Name() string {
	return "json"
}

func (j *JSON) Execute(ctx machine.Context, input JSONInput) (any, error) {
	if input.Operation == "validate" {
		_, err := container(input.Data)
		return err == nil, nil
	}
	doc, err := container(input.Data)
	if err != nil {
		return nil, err
	}
	switch input.Operation {
	case "parse":
		return doc.Data(), nil
	case "stringify":
		if input.Indent {
			return doc.StringIndent("", "  "), nil
		}
		return doc.String(), nil
	case "query":
		path := strings.TrimPrefix(input.Path, ".")
		if path == "" {
			return doc.Data(), nil
		}
		if !doc.ExistsP(path) {
			return nil, fmt.Errorf("path %q not found", input.Path)
		}
		return doc.Path(path).Data(), nil
	case "set":
		if input.Path == "" {
			return nil, fmt.Errorf("path is required for set")
		}
		if _, err := doc.SetP(input.Value, strings.TrimPrefix(input.Path, ".")); err != nil {
			return nil, fmt.Errorf("failed to set %q: %w", input.Path, err)
		}
		return doc.Data(), nil
	case "delete":
		if input.Path == "" {
			return nil, fmt.Errorf("path is required for delete")
		}
		if err := doc.DeleteP(strings.TrimPrefix(input.Path, ".")); err != nil {
			return nil, fmt.Errorf("failed to delete %q: %w", input.Path, err)
		}
		return doc.Data(), nil
	case "merge":
		other, err := container(input.MergeWith)
		if err != nil {
			return nil, fmt.Errorf("invalid merge_with: %w", err)
		}
		err = doc.MergeFn(other, func(dest, source any) any {
			return source
		})
		if err != nil {
			return nil, fmt.Errorf("failed to merge: %w", err)
		}
		return doc.Data(), nil
	default:
		return nil, fmt.Errorf("unsupported operation: %s", input.Operation)
	}
}

// container wraps structured data, or parses it when given as a string.
func container(data any) (*gabs.Container, error) {
	switch v := data.(type) {
	case nil:
		return nil, fmt.Errorf("data is required")
	case string:
		doc, err := gabs.ParseJSON([]byte(v))
		if err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		return doc, nil
	case []byte:
		doc, err := gabs.ParseJSON(v)
		if err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		return doc, nil
	default:
		// Structured inputs are re-parsed so they are never mutated in place.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("invalid json value: %w", err)
		}
		return gabs.ParseJSON(data)
	}
}
