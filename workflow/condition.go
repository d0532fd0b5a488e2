package workflow

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"
)

// ConditionType identifies a condition variant.
type ConditionType string

const (
	// ConditionAlways holds for every output.
	ConditionAlways ConditionType = "always"
	// ConditionNever holds for no output.
	ConditionNever ConditionType = "never"
	// ConditionOutputContains holds when the raw output contains a substring.
	ConditionOutputContains ConditionType = "output-contains"
	// ConditionFieldEquals holds when a dot-path into the structured output
	// equals an expected value.
	ConditionFieldEquals ConditionType = "structured-field-equals"
	// ConditionExitCode holds when the structured exit code equals an
	// expected code.
	ConditionExitCode ConditionType = "exit-code"
	// ConditionComposite combines sub-conditions with a boolean operator.
	ConditionComposite ConditionType = "composite"
)

// String returns the string representation of the condition type.
func (t ConditionType) String() string {
	return string(t)
}

// IsValid checks if the type is one of the known condition types.
func (t ConditionType) IsValid() bool {
	switch t {
	case ConditionAlways, ConditionNever, ConditionOutputContains,
		ConditionFieldEquals, ConditionExitCode, ConditionComposite:
		return true
	}
	return false
}

// CompositeOperator combines the sub-conditions of a composite condition.
type CompositeOperator string

const (
	// OperatorAnd holds when every sub-condition holds.
	OperatorAnd CompositeOperator = "and"
	// OperatorOr holds when at least one sub-condition holds.
	OperatorOr CompositeOperator = "or"
	// OperatorNot negates the first sub-condition. Remaining
	// sub-conditions are ignored.
	OperatorNot CompositeOperator = "not"
)

// String returns the string representation of the operator.
func (o CompositeOperator) String() string {
	return string(o)
}

// IsValid checks if the operator is one of the known operators.
func (o CompositeOperator) IsValid() bool {
	switch o {
	case OperatorAnd, OperatorOr, OperatorNot:
		return true
	}
	return false
}

// Condition is a declarative predicate over a phase output. Exactly one
// variant is active, selected by Type; the other fields are ignored. A
// malformed condition never aborts a run: evaluation of an unknown type or
// operator logs a warning and yields false, so the transition simply does
// not fire.
type Condition struct {
	// Type selects the active variant.
	Type ConditionType `json:"type" yaml:"type"`

	// Pattern is the substring searched for by output-contains.
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	// Field is the dot-separated path read by structured-field-equals.
	Field string `json:"field,omitempty" yaml:"field,omitempty"`

	// Value is the expected value for structured-field-equals.
	Value any `json:"value,omitempty" yaml:"value,omitempty"`

	// Code is the expected exit code for exit-code. Zero when omitted, so
	// an exit-code condition with no explicit code matches success.
	Code int `json:"code,omitempty" yaml:"code,omitempty"`

	// Operator combines the sub-conditions of a composite.
	Operator CompositeOperator `json:"operator,omitempty" yaml:"operator,omitempty"`

	// Conditions are the sub-conditions of a composite.
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Always returns a condition that holds for every output.
func Always() Condition {
	return Condition{Type: ConditionAlways}
}

// Never returns a condition that holds for no output.
func Never() Condition {
	return Condition{Type: ConditionNever}
}

// OutputContains returns a condition that holds when the raw output
// contains pattern.
func OutputContains(pattern string) Condition {
	return Condition{Type: ConditionOutputContains, Pattern: pattern}
}

// FieldEquals returns a condition that holds when the structured output
// field at the dot-separated path equals value.
func FieldEquals(field string, value any) Condition {
	return Condition{Type: ConditionFieldEquals, Field: field, Value: value}
}

// ExitCode returns a condition that holds when the structured exit code
// equals code.
func ExitCode(code int) Condition {
	return Condition{Type: ConditionExitCode, Code: code}
}

// And returns a composite condition that holds when every sub-condition
// holds. With no sub-conditions it holds vacuously.
func And(conditions ...Condition) Condition {
	return Condition{Type: ConditionComposite, Operator: OperatorAnd, Conditions: conditions}
}

// Or returns a composite condition that holds when at least one
// sub-condition holds. With no sub-conditions it holds vacuously, matching
// And.
func Or(conditions ...Condition) Condition {
	return Condition{Type: ConditionComposite, Operator: OperatorOr, Conditions: conditions}
}

// Not returns a composite condition that negates the first sub-condition.
func Not(condition Condition) Condition {
	return Condition{Type: ConditionComposite, Operator: OperatorNot, Conditions: []Condition{condition}}
}

// Validate checks that the condition and every nested sub-condition carry a
// known type, and that composites carry a known operator.
func (c *Condition) Validate() error {
	if !c.Type.IsValid() {
		return &ValidationError{Field: "condition.type", Message: fmt.Sprintf("unknown condition type %q", c.Type)}
	}
	if c.Type == ConditionComposite {
		if !c.Operator.IsValid() {
			return &ValidationError{
				Field:   "condition.operator",
				Message: fmt.Sprintf("unknown composite operator %q", c.Operator),
			}
		}
		for i := range c.Conditions {
			if err := c.Conditions[i].Validate(); err != nil {
				return fmt.Errorf("sub-condition %d: %w", i, err)
			}
		}
	}
	return nil
}

// Evaluate reports whether the condition holds for the given output.
// Evaluation is total: a nil output is treated as empty, and malformed
// conditions yield false after logging a warning.
func (c *Condition) Evaluate(output *PhaseOutput, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}
	if output == nil {
		output = &PhaseOutput{}
	}

	switch c.Type {
	case ConditionAlways:
		return true

	case ConditionNever:
		return false

	case ConditionOutputContains:
		return strings.Contains(output.Raw, c.Pattern)

	case ConditionFieldEquals:
		val, found := lookupPath(output.Structured, c.Field)
		if !found {
			return false
		}
		return looseEqual(val, c.Value)

	case ConditionExitCode:
		val, found := lookupPath(output.Structured, "exitCode")
		if !found {
			return false
		}
		return looseEqual(val, c.Code)

	case ConditionComposite:
		return c.evaluateComposite(output, logger)

	default:
		logger.Warn("Unknown condition type, treating as false", "type", string(c.Type))
		return false
	}
}

func (c *Condition) evaluateComposite(output *PhaseOutput, logger *slog.Logger) bool {
	switch c.Operator {
	case OperatorAnd:
		for i := range c.Conditions {
			if !c.Conditions[i].Evaluate(output, logger) {
				return false
			}
		}
		return true

	case OperatorOr:
		if len(c.Conditions) == 0 {
			return true
		}
		for i := range c.Conditions {
			if c.Conditions[i].Evaluate(output, logger) {
				return true
			}
		}
		return false

	case OperatorNot:
		// Only the first sub-condition participates.
		if len(c.Conditions) == 0 {
			logger.Warn("Composite not condition has no sub-conditions, treating as false")
			return false
		}
		return !c.Conditions[0].Evaluate(output, logger)

	default:
		logger.Warn("Unknown composite operator, treating as false", "operator", string(c.Operator))
		return false
	}
}

// lookupPath walks a dot-separated path through nested maps. It returns the
// value and whether the full path exists; an explicit nil value at the path
// is found, a missing segment is not.
func lookupPath(structured map[string]any, path string) (any, bool) {
	if structured == nil || path == "" {
		return nil, false
	}
	var current any = structured
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEqual compares two values with numeric tolerance. Structured output
// decoded from JSON carries float64 numbers while definitions decoded from
// YAML carry ints, so all numeric kinds compare by value.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
