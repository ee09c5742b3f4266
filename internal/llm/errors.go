package llm

import "fmt"

// APIError is returned for non-2xx responses from the model API. It carries
// the HTTP status so the error classifier can grade it.
type APIError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("model api: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("model api: status %d", e.StatusCode)
}

// HTTPStatus exposes the status code to the resilience classifier.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}
