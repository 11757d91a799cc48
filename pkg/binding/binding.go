// Package binding maps extracted request parameters onto per-endpoint body
// types.
//
// Field names are matched case-insensitively and unknown fields are ignored.
// Bodies validate themselves through FieldChecker.
package binding

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/polisai/polis-apikit/pkg/domain"
)

// CheckSuccess is the field check result that accepts a body.
const CheckSuccess = "success"

// FieldChecker is implemented by request bodies. CheckFieldValue returns
// CheckSuccess or a client-facing description of the first invalid field.
type FieldChecker interface {
	CheckFieldValue() string
}

// MappingError reports that params could not be mapped onto a body.
type MappingError struct {
	Target string
	Err    error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("map params onto %s: %v", e.Target, e.Err)
}

func (e *MappingError) Unwrap() error {
	return e.Err
}

// Is makes every MappingError match domain.ErrParamFormat.
func (e *MappingError) Is(target error) bool {
	return target == domain.ErrParamFormat
}

// Bind maps params onto target, which must be a non-nil pointer. params must
// be object shaped (map[string]any); anything else is a mapping error.
func Bind(params any, target any) error {
	name := fmt.Sprintf("%T", target)

	obj, ok := params.(map[string]any)
	if !ok {
		return &MappingError{Target: name, Err: fmt.Errorf("params must be an object, got %T", params)}
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return &MappingError{Target: name, Err: err}
	}
	if err := json.Unmarshal(data, target); err != nil {
		return &MappingError{Target: name, Err: err}
	}
	return nil
}

// New allocates a body of type B and binds params onto it.
func New[B any](params any) (*B, error) {
	body := new(B)
	if err := Bind(params, body); err != nil {
		return nil, err
	}
	return body, nil
}
