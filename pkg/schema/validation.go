package schema

import (
	"fmt"
	"strings"
)

// ValidationIssue is a single blueprint problem located by its node path,
// e.g. "root.children[2].body".
type ValidationIssue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// ValidationResult collects the issues found while validating a blueprint.
type ValidationResult struct {
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// Valid returns true when no issue was recorded.
func (r *ValidationResult) Valid() bool {
	return len(r.Issues) == 0
}

// Add records an issue at path.
func (r *ValidationResult) Add(path, code, message string) {
	r.Issues = append(r.Issues, ValidationIssue{Path: path, Code: code, Message: message})
}

// Addf records an issue with a formatted message.
func (r *ValidationResult) Addf(path, code, format string, args ...any) {
	r.Add(path, code, fmt.Sprintf(format, args...))
}

// Merge appends the issues of other.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Issues = append(r.Issues, other.Issues...)
}

// ToError converts the result to an OpError, or nil when valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Issues[0].String()
	if len(r.Issues) > 1 {
		lines := make([]string, len(r.Issues))
		for i, issue := range r.Issues {
			lines[i] = issue.String()
		}
		msg = fmt.Sprintf("blueprint has %d problems: %s", len(r.Issues), strings.Join(lines, "; "))
	}

	return NewOpError(ErrCodeValidation, msg).
		WithDetails(map[string]any{"issues": r.Issues})
}
