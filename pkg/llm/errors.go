package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// LLMError is the base error type for all LLM client errors.
type LLMError struct {
	Code    int
	Message string
	Cause   error
}

func (e *LLMError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("llm error %d: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("llm error %d: %s", e.Code, e.Message)
}

func (e *LLMError) Unwrap() error { return e.Cause }

// RateLimitError is returned when the provider rate-limits the request.
type RateLimitError struct{ LLMError }

// ServerError is returned on 5xx responses from the provider.
type ServerError struct{ LLMError }

// AuthError is returned on authentication/authorization failures.
type AuthError struct{ LLMError }

// ContextLengthError is returned when the request exceeds the model's context window.
type ContextLengthError struct{ LLMError }

// FromStatus classifies a provider HTTP status into the typed hierarchy.
func FromStatus(code int, msg string, cause error) error {
	base := LLMError{Code: code, Message: msg, Cause: cause}
	switch {
	case code == 429:
		return &RateLimitError{LLMError: base}
	case code == 401 || code == 403:
		return &AuthError{LLMError: base}
	case code == 400 || code == 413:
		return &ContextLengthError{LLMError: base}
	case code >= 500:
		return &ServerError{LLMError: base}
	default:
		return &base
	}
}

// Retryable returns true if the error is transient and the request may be retried.
func Retryable(err error) bool {
	var rl *RateLimitError
	var se *ServerError
	return errors.As(err, &rl) || errors.As(err, &se)
}

// WithRetry retries fn up to maxAttempts using exponential backoff with jitter.
// It respects context cancellation.
func WithRetry(ctx context.Context, maxAttempts int, fn func() error) error {
	var lastErr error
	for i := range maxAttempts {
		lastErr = fn()
		if lastErr == nil || !Retryable(lastErr) {
			return lastErr
		}
		if i == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(i)):
		}
	}
	return fmt.Errorf("max retries (%d) exceeded: %w", maxAttempts, lastErr)
}

// backoff is 1s doubling per attempt, capped at 30s, with up to 25% jitter
// either side.
func backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Float64() * 0.5 * float64(base))
	return base/4*3 + jitter
}
