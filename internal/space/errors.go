package space

import "fmt"

// ErrorKind classifies a ValidationError.
type ErrorKind string

const (
	KindEmptyName          ErrorKind = "EmptyName"
	KindDuplicateParameter ErrorKind = "DuplicateParameter"
	KindUnknownType        ErrorKind = "UnknownParameterType"
	KindInvalidBounds      ErrorKind = "InvalidBounds"
	KindInvalidLogScale    ErrorKind = "InvalidLogScale"
	KindEmptyChoiceSet     ErrorKind = "EmptyChoiceSet"
	KindInvalidChoiceValue ErrorKind = "InvalidChoiceValue"
	KindMissingFixedValue  ErrorKind = "MissingFixedValue"
	KindInvalidConstraint  ErrorKind = "InvalidConstraint"
	KindInvalidAssignment  ErrorKind = "InvalidAssignment"
)

// ErrValidation matches every *ValidationError via errors.Is.
var ErrValidation = &ValidationError{}

// ValidationError reports a malformed spec or parameter assignment.
type ValidationError struct {
	Kind   ErrorKind
	Param  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: parameter %q %s", e.Kind, e.Param, e.Reason)
	}
	if e.Kind == "" {
		return "validation error"
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Is matches any *ValidationError, or one of the same Kind when the target
// carries a Kind.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

func invalid(kind ErrorKind, param, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Param: param, Reason: fmt.Sprintf(format, args...)}
}
