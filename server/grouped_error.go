package server

import "strings"

var fatalError = "fatal: invalid GroupedError"

// GroupedError collects related errors and exposes them as a single error.
// Users can inspect the `Errors` field for details on the suberrors.
type GroupedError struct {
	// The prefix string returned by `Error()`, followed by the grouped errors.
	Prefix string
	Errors []error
}

func (gErr *GroupedError) Error() string {
	if len(gErr.Errors) == 0 {
		return fatalError
	}
	var sb strings.Builder
	for _, err := range gErr.Errors {
		sb.WriteString("\n")
		sb.WriteString(err.Error())
	}
	return gErr.Prefix + sb.String()
}

// Unwrap exposes the suberrors to errors.Is and errors.As.
func (gErr *GroupedError) Unwrap() []error { return gErr.Errors }

func createGroupedError(prefix string, errors []error) error {
	if len(errors) == 0 {
		return nil
	}
	return &GroupedError{Prefix: prefix, Errors: errors}
}

// containsKnownSubstrings is used to match a set of known errors.
// Each substring must only match one error in the GroupedError.
func (gErr *GroupedError) containsKnownSubstrings(substrs []string) bool {
	if len(gErr.Errors) != len(substrs) {
		return false
	}
	for _, err := range gErr.Errors {
		matches := 0
		for _, substr := range substrs {
			if strings.Contains(err.Error(), substr) {
				matches++
			}
		}
		if matches != 1 {
			return false
		}
	}
	return true
}
