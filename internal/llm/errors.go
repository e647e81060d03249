package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrCreditExhausted means the provider account cannot pay for more
// calls. No amount of retrying helps.
var ErrCreditExhausted = errors.New("model provider credit exhausted")

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}

// Unwrap maps billing failures onto ErrCreditExhausted so callers can
// use errors.Is.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusPaymentRequired || strings.Contains(strings.ToLower(e.Body), "credit balance") {
		return ErrCreditExhausted
	}
	return nil
}

// TransportError wraps a failure to reach the provider or to read its
// response stream.
type TransportError struct {
	Provider string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsNonRetryable reports whether err came from the model call itself
// (billing, API, or transport failure). Such errors end a task
// immediately instead of consuming retry budget.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCreditExhausted) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return true
	}
	var tErr *TransportError
	return errors.As(err, &tErr)
}
