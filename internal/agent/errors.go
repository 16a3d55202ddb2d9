package agent

import (
	"errors"
	"fmt"
	"regexp"
)

// Kind classifies a dispatch failure.
type Kind string

const (
	KindTransient   Kind = "transient"    // Retryable infrastructure trouble
	KindPermanent   Kind = "permanent"    // Will not succeed by retrying, e.g. bad credentials
	KindContract    Kind = "contract"     // Output failed claim validation
	KindCircuitOpen Kind = "circuit_open" // Refused by an open breaker
	KindBudget      Kind = "budget"       // Task token budget exhausted
)

var (
	// ErrBudgetExceeded is wrapped by budget refusals.
	ErrBudgetExceeded = errors.New("token budget exceeded")
	// ErrCircuitOpen is wrapped when every candidate was refused by a breaker.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// DispatchError is the error returned by Runner.Run.
type DispatchError struct {
	Kind  Kind
	Model string
	Err   error
}

func (e *DispatchError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s dispatch failure (model %s): %v", e.Kind, e.Model, e.Err)
	}
	return fmt.Sprintf("%s dispatch failure: %v", e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindTransient for errors that are not
// a *DispatchError.
func KindOf(err error) Kind {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindTransient
}

var (
	retryableRe   = regexp.MustCompile(`(?i)timed out|timeout|rate.?limit|\b429\b|overloaded|ECONNRESET|ETIMEDOUT|EAI_AGAIN|socket hang up|\b50[23]\b|bad gateway|service unavailable|SIGKILL|SIGTERM|\bkilled\b|signal: terminated|exit (code|status) 137`)
	hardFailureRe = regexp.MustCompile(`(?i)SIGKILL|SIGTERM|signal: (killed|terminated)|\bkilled\b|exit (code|status) 137|timed out|timeout`)
)

// IsRetryable reports whether a worker error is worth retrying on the next
// model.
func IsRetryable(text string) bool { return retryableRe.MatchString(text) }

// IsHardFailure reports whether a worker error means the process was killed
// or timed out, which leaves its session unusable.
func IsHardFailure(text string) bool { return hardFailureRe.MatchString(text) }
