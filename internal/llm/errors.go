package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrAborted is returned when a request is cut off by its timeout or by
// cancellation. It is never a *ProviderError.
var ErrAborted = errors.New("llm request aborted")

// FailureReason classifies a provider failure.
type FailureReason string

const (
	ReasonRateLimit      FailureReason = "rate_limit"
	ReasonAuth           FailureReason = "auth"
	ReasonBilling        FailureReason = "billing"
	ReasonServerError    FailureReason = "server_error"
	ReasonInvalidRequest FailureReason = "invalid_request"
	ReasonModelMissing   FailureReason = "model_unavailable"
	ReasonContentFilter  FailureReason = "content_filter"
	ReasonMalformedTool  FailureReason = "malformed_function_call"
	ReasonUnknown        FailureReason = "unknown"
)

// Transient reports whether a retry may succeed.
func (r FailureReason) Transient() bool {
	switch r {
	case ReasonRateLimit, ReasonServerError, ReasonUnknown:
		return true
	}
	return false
}

// ProviderError is a failure reported by, or while talking to, a model
// provider.
type ProviderError struct {
	Reason   FailureReason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Reason, e.Provider)
	if e.Model != "" {
		fmt.Fprintf(&b, " model=%s", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	switch {
	case e.Message != "":
		b.WriteString(": " + e.Message)
	case e.Cause != nil:
		b.WriteString(": " + e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps cause and classifies it from its text.
func NewProviderError(provider, model string, cause error) *ProviderError {
	e := &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: ReasonUnknown}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = classifyMessage(e.Message)
	}
	return e
}

// WithStatus records an HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if r := classifyStatus(status); r != ReasonUnknown {
		e.Reason = r
	}
	return e
}

// WithReason overrides the classification.
func (e *ProviderError) WithReason(r FailureReason) *ProviderError {
	e.Reason = r
	return e
}

func classifyStatus(status int) FailureReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusNotFound:
		return ReasonModelMissing
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ReasonInvalidRequest
	case status >= 500:
		return ReasonServerError
	}
	return ReasonUnknown
}

var messageReasons = []struct {
	reason   FailureReason
	patterns []string
}{
	{ReasonRateLimit, []string{"rate limit", "rate_limit", "too many requests", "throttling", "429"}},
	{ReasonAuth, []string{"unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"}},
	{ReasonBilling, []string{"billing", "insufficient_quota", "payment", "402"}},
	{ReasonMalformedTool, []string{"malformed_function_call", "malformed function call"}},
	{ReasonContentFilter, []string{"content_filter", "content policy", "safety"}},
	{ReasonModelMissing, []string{"model not found", "model_not_found", "does not exist"}},
	{ReasonServerError, []string{"internal server", "server error", "overloaded", "500", "502", "503", "504"}},
}

func classifyMessage(msg string) FailureReason {
	msg = strings.ToLower(msg)
	for _, entry := range messageReasons {
		for _, p := range entry.patterns {
			if strings.Contains(msg, p) {
				return entry.reason
			}
		}
	}
	return ReasonUnknown
}

// AsProviderError extracts a *ProviderError from err.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// abortError maps context expiry to ErrAborted and leaves other errors alone.
func abortError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return err
}
