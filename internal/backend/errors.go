package backend

import "fmt"

// ValidationError reports the first missing or malformed descriptor field.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// RemoteError carries the control plane's rejection verbatim so operators
// see the same text the remote system produced.
type RemoteError struct {
	Backend    string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: remote status %d: %s", e.Backend, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: %s", e.Backend, e.Body)
}
