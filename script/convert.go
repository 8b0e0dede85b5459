package script

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/risor-io/risor/object"
)

// risorToGo unwraps a Risor object into plain Go values. Sets become lists
// and unknown objects fall back to their printed form.
func risorToGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.NilType:
		return nil
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.List:
		return risorItems(o.Value())
	case *object.Set:
		members := make([]object.Object, 0, len(o.Value()))
		for _, item := range o.Value() {
			members = append(members, item)
		}
		items := risorItems(members)
		sort.Slice(items, func(i, j int) bool { return fmt.Sprint(items[i]) < fmt.Sprint(items[j]) })
		return items
	case *object.Map:
		m := make(map[string]any, len(o.Value()))
		for k, v := range o.Value() {
			m[k] = risorToGo(v)
		}
		return m
	}
	return obj.Inspect()
}

func risorItems(objs []object.Object) []any {
	out := make([]any, 0, len(objs))
	for _, item := range objs {
		out = append(out, risorToGo(item))
	}
	return out
}

// Truthy reports whether a condition result selects the "then" arm. Empty
// values, zero numbers and the string "false" are false.
func Truthy(value any) bool {
	if obj, ok := value.(object.Object); ok {
		value = risorToGo(obj)
	}
	if value == nil {
		return false
	}
	if s, ok := value.(string); ok {
		return s != "" && !strings.EqualFold(s, "false")
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Slice, reflect.Map:
		return rv.Len() > 0
	}
	return true
}

// Items returns what a loop iterates over. Lists of any element type yield
// their elements, maps yield {key, value} entries sorted by key, nil yields
// nothing and any other scalar yields itself.
func Items(value any) ([]any, error) {
	if obj, ok := value.(object.Object); ok {
		if err := checkCallable(obj); err != nil {
			return nil, err
		}
		value = risorToGo(obj)
	}
	if value == nil {
		return []any{}, nil
	}
	if s, ok := value.(string); ok && strings.HasPrefix(s, "builtin(") && strings.HasSuffix(s, ")") {
		return nil, fmt.Errorf("cannot iterate over %s; use map[\"key\"] for keys named like map methods", s)
	}
	if m, ok := value.(map[string]any); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]any, len(keys))
		for i, k := range keys {
			items[i] = map[string]any{"key": k, "value": m[k]}
		}
		return items, nil
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return items, nil
	case reflect.Map, reflect.Struct, reflect.Func, reflect.Chan, reflect.Pointer:
		return nil, fmt.Errorf("cannot iterate over %T", value)
	}
	return []any{value}, nil
}

// safeBuiltins are the Risor builtins and modules that cannot observe the
// outside world. Expressions see nothing else, so replaying a process
// evaluates them to the same results.
var safeBuiltins = map[string]bool{
	"all": true, "any": true, "base64": true, "bool": true,
	"byte": true, "byte_slice": true, "bytes": true, "call": true,
	"chunk": true, "coalesce": true, "decode": true, "encode": true,
	"error": true, "errorf": true, "errors": true, "filepath": true,
	"float": true, "float_slice": true, "fmt": true, "getattr": true,
	"int": true, "is_hashable": true, "iter": true, "json": true,
	"keys": true, "len": true, "list": true, "map": true,
	"math": true, "regexp": true, "reversed": true, "set": true,
	"sorted": true, "sprintf": true, "string": true, "strings": true,
	"try": true, "type": true,
}
