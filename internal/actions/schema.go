package actions

import (
	"fmt"
	"math"

	"github.com/skritek/pagepilot/api/schemas"
)

// Schema is the JSON Schema describing an action's parameters. It is shown
// to the model as part of the catalog and enforced before dispatch.
type Schema struct {
	Type        string              `json:"type"`
	Description string              `json:"description,omitempty"`
	Properties  map[string]Property `json:"properties,omitempty"`
	Required    []string            `json:"required,omitempty"`
}

// Property defines a single parameter.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Default     any      `json:"default,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
}

// ObjectSchema creates an object schema with the given properties.
func ObjectSchema(props map[string]Property, required ...string) Schema {
	return Schema{Type: "object", Properties: props, Required: required}
}

// StringProperty creates a string parameter.
func StringProperty(desc string) Property {
	return Property{Type: "string", Description: desc}
}

// StringEnumProperty creates a string parameter constrained to values.
func StringEnumProperty(desc string, values ...string) Property {
	return Property{Type: "string", Description: desc, Enum: values}
}

// IntProperty creates an integer parameter.
func IntProperty(desc string) Property {
	return Property{Type: "integer", Description: desc}
}

// NumberProperty creates a floating point parameter.
func NumberProperty(desc string) Property {
	return Property{Type: "number", Description: desc}
}

// BoolProperty creates a boolean parameter.
func BoolProperty(desc string) Property {
	return Property{Type: "boolean", Description: desc}
}

// Bounded attaches an inclusive numeric range to a property.
func (p Property) Bounded(min, max float64) Property {
	p.Minimum = &min
	p.Maximum = &max
	return p
}

// WithDefault attaches a default, rendered in the catalog.
func (p Property) WithDefault(v any) Property {
	p.Default = v
	return p
}

// Validate checks raw decision parameters against the schema. Required
// parameters must be present; present parameters must match their declared
// type, with JSON's float64 numbers accepted for integer parameters when
// they carry integral values. Unknown parameters are tolerated: models pad
// calls with extras more often than it is worth failing over.
func (s Schema) Validate(action string, params map[string]any) error {
	for _, req := range s.Required {
		if _, ok := params[req]; !ok {
			return &schemas.ValidationError{Action: action, Param: req, Reason: "required parameter missing"}
		}
	}
	for key, prop := range s.Properties {
		raw, ok := params[key]
		if !ok || raw == nil {
			continue
		}
		if err := prop.check(action, key, raw); err != nil {
			return err
		}
	}
	return nil
}

func (p Property) check(action, key string, raw any) error {
	fail := func(reason string) error {
		return &schemas.ValidationError{Action: action, Param: key, Reason: reason}
	}

	switch p.Type {
	case "string":
		s, ok := raw.(string)
		if !ok {
			return fail(fmt.Sprintf("expected string, got %T", raw))
		}
		if len(p.Enum) > 0 {
			for _, allowed := range p.Enum {
				if s == allowed {
					return nil
				}
			}
			return fail(fmt.Sprintf("%q is not one of %v", s, p.Enum))
		}

	case "integer":
		f, ok := asFloat(raw)
		if !ok {
			return fail(fmt.Sprintf("expected integer, got %T", raw))
		}
		if f != math.Trunc(f) {
			return fail(fmt.Sprintf("expected integer, got %v", raw))
		}
		return p.checkRange(action, key, f)

	case "number":
		f, ok := asFloat(raw)
		if !ok {
			return fail(fmt.Sprintf("expected number, got %T", raw))
		}
		return p.checkRange(action, key, f)

	case "boolean":
		if _, ok := raw.(bool); !ok {
			return fail(fmt.Sprintf("expected boolean, got %T", raw))
		}
	}
	return nil
}

func (p Property) checkRange(action, key string, f float64) error {
	if p.Minimum != nil && f < *p.Minimum {
		return &schemas.ValidationError{Action: action, Param: key,
			Reason: fmt.Sprintf("%v is below the minimum %v", f, *p.Minimum)}
	}
	if p.Maximum != nil && f > *p.Maximum {
		return &schemas.ValidationError{Action: action, Param: key,
			Reason: fmt.Sprintf("%v is above the maximum %v", f, *p.Maximum)}
	}
	return nil
}

func asFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Params wraps a validated parameter map with coercing accessors. JSON
// decoding yields float64 for every number; handlers ask for the type they
// mean and get the zero value plus false when absent.
type Params map[string]any

func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

func (p Params) Int(key string) (int, bool) {
	f, ok := asFloat(p[key])
	if !ok {
		return 0, false
	}
	return int(f), true
}

func (p Params) Float(key string) (float64, bool) {
	return asFloat(p[key])
}

func (p Params) Bool(key string) (bool, bool) {
	b, ok := p[key].(bool)
	return b, ok
}

// BoolOr returns the parameter or a default when absent or mistyped.
func (p Params) BoolOr(key string, def bool) bool {
	if b, ok := p.Bool(key); ok {
		return b
	}
	return def
}

// FloatOr returns the parameter or a default when absent or mistyped.
func (p Params) FloatOr(key string, def float64) float64 {
	if f, ok := p.Float(key); ok {
		return f
	}
	return def
}
