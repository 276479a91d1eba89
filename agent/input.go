package agent

import (
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/aixgo-dev/fleet/internal/rpc"
)

// InputType is the declared type of an action input.
type InputType string

const (
	// Any accepts every value. Inputs declared through Action use it.
	Any     InputType = ""
	String  InputType = "string"
	Integer InputType = "integer"
	// Float accepts integers too.
	Float   InputType = "float"
	Number  InputType = "number"
	Boolean InputType = "boolean"
	Array   InputType = "array"
	Hash    InputType = "hash"
)

// Input declares one key of an action's request data.
type Input struct {
	Name     string
	Type     InputType
	Optional bool
	// MaxLength bounds string inputs in characters. Zero is unbounded.
	MaxLength int
}

// validate checks the input against data. The returned error is an
// *ActionError carrying rpc.MissingData or rpc.InvalidData.
func (in Input) validate(action string, data map[string]any) error {
	v, present := data[in.Name]
	if !present {
		if in.Optional {
			return nil
		}
		return missingInput(action, in.Name)
	}

	if !in.Type.accepts(v) {
		return InvalidData("Input '%s' should be a %s", in.Name, in.Type)
	}
	if s, ok := v.(string); ok && in.MaxLength > 0 && utf8.RuneCountInString(s) > in.MaxLength {
		return InvalidData("Input '%s' is longer than %d character(s)", in.Name, in.MaxLength)
	}
	return nil
}

func (t InputType) accepts(v any) bool {
	switch t {
	case Any:
		return true
	case String:
		_, ok := v.(string)
		return ok
	case Integer:
		return isInteger(v)
	case Float, Number:
		return isNumber(v)
	case Boolean:
		_, ok := v.(bool)
		return ok
	case Array:
		_, ok := v.([]any)
		return ok
	case Hash:
		_, ok := v.(map[string]any)
		return ok
	default:
		return false
	}
}

// isInteger accepts whole JSON numbers, which decode as float64.
func isInteger(v any) bool {
	switch n := v.(type) {
	case int, int32, int64:
		return true
	case float64:
		return n == math.Trunc(n) && !math.IsInf(n, 0)
	default:
		return false
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}

func missingInput(action, name string) error {
	return &ActionError{Code: rpc.MissingData, Message: fmt.Sprintf("Action '%s' requires input '%s'", action, name)}
}
