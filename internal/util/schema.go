package util

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"
)

// JSON schema type names used by Property.Type.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// ValidationError names the task parameter that was rejected and why.
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("param %q: %s", e.Field, e.Message)
}

// Property is the schema of a single parameter.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Schema declares the parameters a worker type accepts.
type Schema struct {
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// SchemaFor derives a Schema from a struct (or pointer to one) using its json
// and description tags. A field is required unless it is a pointer or tagged
// omitempty. Non-struct input yields an empty schema.
func SchemaFor(v any) Schema {
	s := Schema{Properties: map[string]Property{}}

	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return s
	}

	for _, f := range reflect.VisibleFields(t) {
		if !f.IsExported() || f.Anonymous {
			continue
		}
		tag, ok := f.Tag.Lookup("json")
		if tag == "-" {
			continue
		}

		name, flags, _ := strings.Cut(tag, ",")
		if !ok || name == "" {
			name = f.Name
		}

		s.Properties[name] = Property{Type: schemaType(f.Type), Description: f.Tag.Get("description")}

		optional := f.Type.Kind() == reflect.Pointer || slices.Contains(strings.Split(flags, ","), "omitempty")
		if !optional {
			s.Required = append(s.Required, name)
		}
	}

	slices.Sort(s.Required)
	return s
}

// Validate checks params against s. Parameters the schema does not declare
// are accepted as is. Errors are reported for the first offending field in
// name order.
func (s Schema) Validate(params map[string]any) error {
	for _, name := range s.Required {
		v, ok := params[name]
		switch {
		case !ok:
			return &ValidationError{Field: name, Message: "required field is missing"}
		case isBlank(v):
			return &ValidationError{Field: name, Value: v, Message: "required field is empty"}
		}
	}

	for _, name := range sortedKeys(params) {
		prop, ok := s.Properties[name]
		if !ok {
			continue
		}
		if v := params[name]; !conforms(v, prop.Type) {
			return &ValidationError{Field: name, Value: v, Message: fmt.Sprintf("want %s, got %T", prop.Type, v)}
		}
	}
	return nil
}

func isBlank(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// schemaType maps a Go type onto a JSON schema type name.
func schemaType(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch k := t.Kind(); {
	case k == reflect.Bool:
		return TypeBoolean
	case k >= reflect.Int && k <= reflect.Uint64:
		return TypeInteger
	case k == reflect.Float32 || k == reflect.Float64:
		return TypeNumber
	case k == reflect.Slice || k == reflect.Array:
		return TypeArray
	case k == reflect.Map || k == reflect.Struct:
		return TypeObject
	default:
		return TypeString
	}
}

// conforms reports whether v may be bound to a parameter of schema type want.
// JSON decoding turns every number into float64, so whole floats satisfy
// integer. nil satisfies every type.
func conforms(v any, want string) bool {
	if v == nil {
		return true
	}

	got := schemaType(reflect.TypeOf(v))
	switch want {
	case TypeInteger:
		if got == TypeNumber {
			f := reflect.ValueOf(v).Float()
			return f == math.Trunc(f)
		}
		return got == TypeInteger
	case TypeNumber:
		return got == TypeNumber || got == TypeInteger
	case TypeString, TypeBoolean, TypeArray:
		return got == want
	case TypeObject:
		return reflect.TypeOf(v).Kind() == reflect.Map
	default:
		return true
	}
}
