package factory

import (
	"fmt"
	"strings"
)

// ConstructionError describes a diagram element the pipeline could not
// turn into a graph object.
type ConstructionError struct {
	ElementID string
	Message   string
}

func (e ConstructionError) Error() string {
	if e.ElementID != "" {
		return fmt.Sprintf("element %q: %s", e.ElementID, e.Message)
	}
	return e.Message
}

// BuildError collects every construction error of one Build.
type BuildError struct {
	Errors []ConstructionError
}

func (e *BuildError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ce := range e.Errors {
		msgs[i] = ce.Error()
	}
	return fmt.Sprintf("diagram construction failed:\n  %s", strings.Join(msgs, "\n  "))
}

// Unwrap exposes the individual errors to errors.Is and errors.As.
func (e *BuildError) Unwrap() []error {
	out := make([]error, len(e.Errors))
	for i, ce := range e.Errors {
		out[i] = ce
	}
	return out
}
