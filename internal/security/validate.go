package security

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// identifierPattern is the only shape a target identifier may take: short,
// alphanumeric plus hyphen and underscore. Anything else never reaches
// dispatch logic.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// FieldError names a single failing field. Validation responses list these
// and never expose internal state.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ValidationErrors aggregates every failing field of one request.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// ValidateIdentifier checks a target identifier against the allow-pattern.
func ValidateIdentifier(field, value string) *FieldError {
	if value == "" {
		return &FieldError{Field: field, Reason: "required"}
	}
	if !identifierPattern.MatchString(value) {
		return &FieldError{Field: field, Reason: "must match [a-zA-Z0-9_-]{1,64}"}
	}
	return nil
}

// ValidatePathParam checks a path-like parameter. On top of the identifier
// charset rules this forbids parent-directory traversal outright, even
// though the charset alone would not permit it; both checks stay because the
// service layer calls this again on values it assembles itself.
func ValidatePathParam(field, value string) *FieldError {
	if value == "" {
		return &FieldError{Field: field, Reason: "required"}
	}
	if strings.Contains(value, "..") {
		return &FieldError{Field: field, Reason: "parent directory traversal not allowed"}
	}
	if strings.ContainsRune(value, 0) {
		return &FieldError{Field: field, Reason: "null byte not allowed"}
	}
	for _, seg := range strings.Split(value, "/") {
		if seg == "" {
			continue
		}
		if !identifierPattern.MatchString(seg) {
			return &FieldError{Field: field, Reason: "segment must match [a-zA-Z0-9_-]{1,64}"}
		}
	}
	return nil
}

// confirmBody is the body shape of destructive operations.
type confirmBody struct {
	Confirm *bool `json:"confirm"`
}

// ValidateConfirm enforces the confirmation gate on destructive operations:
// the body must contain the literal boolean true. Absent, false, or any
// other value is rejected, never defaulted.
func ValidateConfirm(body io.Reader) *FieldError {
	var b confirmBody
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return &FieldError{Field: "confirm", Reason: "confirmation required"}
	}
	if b.Confirm == nil || !*b.Confirm {
		return &FieldError{Field: "confirm", Reason: "confirmation required"}
	}
	return nil
}
