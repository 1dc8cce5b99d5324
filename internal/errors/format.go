package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatForUser returns a user-friendly error message.
func FormatForUser(err error) string {
	if err == nil {
		return ""
	}

	ke, ok := err.(*KBError)
	if !ok {
		return err.Error()
	}

	var sb strings.Builder
	sb.WriteString("Error: ")
	sb.WriteString(ke.Message)
	sb.WriteString("\n")

	if ke.Suggestion != "" {
		sb.WriteString("\nSuggestion: ")
		sb.WriteString(ke.Suggestion)
		sb.WriteString("\n")
	}

	sb.WriteString(fmt.Sprintf("\n[%s]", ke.Kind))
	return sb.String()
}

// FormatForCLI formats an error for CLI output, a concise format suitable
// for terminal display.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	ke, ok := err.(*KBError)
	if !ok {
		ke = Wrap(KindInternal, err)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", ke.Message))
	if ke.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("  Hint: %s\n", ke.Suggestion))
	}
	sb.WriteString(fmt.Sprintf("  Kind: %s\n", ke.Kind))
	return sb.String()
}

// jsonError is the JSON representation of an error: kind, human message, and
// an optional details map.
type jsonError struct {
	Kind       string            `json:"kind"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
	Cause      string            `json:"cause,omitempty"`
	Retryable  bool              `json:"retryable"`
}

// FormatJSON returns a JSON representation of the error, suitable for
// machine consumption by a tool-protocol caller.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return json.Marshal(nil)
	}

	ke, ok := err.(*KBError)
	if !ok {
		ke = Wrap(KindInternal, err)
	}

	je := jsonError{
		Kind:       string(ke.Kind),
		Message:    ke.Message,
		Details:    ke.Details,
		Suggestion: ke.Suggestion,
		Retryable:  isRetryableKind(ke.Kind),
	}
	if ke.Cause != nil {
		je.Cause = ke.Cause.Error()
	}

	return json.Marshal(je)
}

// FormatForLog returns key-value pairs suitable for slog attributes.
func FormatForLog(err error) map[string]any {
	if err == nil {
		return nil
	}

	ke, ok := err.(*KBError)
	if !ok {
		return map[string]any{"error": err.Error()}
	}

	result := map[string]any{
		"error_kind": string(ke.Kind),
		"message":    ke.Message,
		"retryable":  isRetryableKind(ke.Kind),
	}
	if ke.Cause != nil {
		result["cause"] = ke.Cause.Error()
	}
	if ke.Suggestion != "" {
		result["suggestion"] = ke.Suggestion
	}
	for k, v := range ke.Details {
		result["detail_"+k] = v
	}
	return result
}
