package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors returned by Runtime.Ask.
var (
	// ErrBusy means another run holds the single-flight lock.
	ErrBusy = errors.New("agent is busy with another request")

	// ErrDailyCapExceeded is the pre-flight refusal once today's spend
	// reached the configured cap.
	ErrDailyCapExceeded = errors.New("daily cost cap reached")

	// ErrMaxIterations indicates the loop hit its iteration cap without a
	// final answer.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrAborted is the cause recorded when a run is cancelled by the user
	// or by a foreground request preempting a background one.
	ErrAborted = errors.New("run aborted")

	// ErrAllProvidersFailed means every provider in the tier's chain
	// failed or was cooling down.
	ErrAllProvidersFailed = errors.New("all providers failed")

	// ErrNoProvider indicates no provider has credentials.
	ErrNoProvider = errors.New("no provider configured")
)

// ErrorKind classifies a provider failure for retry and failover.
type ErrorKind string

const (
	KindAuth       ErrorKind = "auth"
	KindBadRequest ErrorKind = "bad_request"
	KindRateLimit  ErrorKind = "rate_limit"
	KindServer     ErrorKind = "server"
	KindTimeout    ErrorKind = "timeout"
	KindOverloaded ErrorKind = "overloaded"
	KindUnknown    ErrorKind = "unknown"
)

// Retryable reports whether the same provider may succeed on another attempt.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimit, KindServer, KindTimeout, KindOverloaded:
		return true
	}
	return false
}

// FailoverEligible reports whether the error should cool the provider down
// and move on to the next one in the chain. Auth and bad-request failures
// are surfaced instead.
func (k ErrorKind) FailoverEligible() bool {
	return k.Retryable()
}

// ProviderError is a classified failure from one provider call.
type ProviderError struct {
	Provider string
	Model    string
	Status   int
	Kind     ErrorKind
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Kind)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	switch {
	case e.Message != "":
		parts = append(parts, e.Message)
	case e.Cause != nil:
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError classifies cause. A non-zero status wins over message
// sniffing.
func NewProviderError(provider, model string, status int, cause error) *ProviderError {
	e := &ProviderError{Provider: provider, Model: model, Status: status, Cause: cause, Kind: KindUnknown}
	if cause != nil {
		e.Message = cause.Error()
	}
	if status != 0 {
		e.Kind = ClassifyStatus(status)
	} else {
		e.Kind = classifyMessage(cause)
	}
	return e
}

// ClassifyStatus maps an HTTP status to an ErrorKind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		return KindBadRequest
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == 529:
		return KindOverloaded
	case status >= 500:
		return KindServer
	}
	return KindUnknown
}

func classifyMessage(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "overloaded"):
		return KindOverloaded
	case strings.Contains(s, "timeout"), strings.Contains(s, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(s, "rate limit"), strings.Contains(s, "rate_limit"), strings.Contains(s, "too many requests"):
		return KindRateLimit
	case strings.Contains(s, "unauthorized"), strings.Contains(s, "invalid api key"), strings.Contains(s, "invalid_api_key"):
		return KindAuth
	case strings.Contains(s, "connection reset"), strings.Contains(s, "connection refused"), strings.Contains(s, "eof"):
		return KindServer
	}
	return KindUnknown
}

// KindOf returns the kind of a ProviderError in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return classifyMessage(err)
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err).Retryable()
}

// LoopPhase names a step of one loop iteration.
type LoopPhase string

const (
	PhasePrepare       LoopPhase = "prepare"
	PhaseCallLLM       LoopPhase = "call_llm"
	PhaseGuards        LoopPhase = "guards"
	PhaseDispatchTools LoopPhase = "dispatch_tools"
	PhaseFinish        LoopPhase = "finish"
)

// LoopError wraps a failure with the phase and iteration it happened in.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Cause     error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
}

func (e *LoopError) Unwrap() error { return e.Cause }

// UserMessage returns a short, actionable string for err.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBusy):
		return "Still working on the previous request. Try again in a moment."
	case errors.Is(err, ErrDailyCapExceeded):
		return "Today's spending cap has been reached. Raise it with set-daily-cap or try again tomorrow."
	case errors.Is(err, ErrNoProvider):
		return "No LLM provider is configured. Add an API key to the config."
	case errors.Is(err, ErrMaxIterations):
		return "I couldn't finish within the step limit. Try breaking the request into smaller parts."
	}
	switch KindOf(err) {
	case KindAuth:
		return "The provider rejected the API key. Check the key in the config."
	case KindBadRequest:
		return "The provider rejected the request. See the last run trace for details."
	}
	if errors.Is(err, ErrAllProvidersFailed) {
		return "Every configured provider is unavailable right now. Try again shortly."
	}
	return "Something went wrong. See the last run trace for details."
}
