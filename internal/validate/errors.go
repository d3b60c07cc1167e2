package validate

import "fmt"

// FieldError names the offending wire field. The text travels back to the
// client in the response details, so it uses wire field names, not Go names.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Fieldf builds a FieldError with a formatted reason.
func Fieldf(field, format string, args ...any) *FieldError {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
