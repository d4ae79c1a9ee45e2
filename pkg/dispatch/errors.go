package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zen-systems/taskroute/pkg/adapter"
	"github.com/zen-systems/taskroute/pkg/complexity"
	"github.com/zen-systems/taskroute/pkg/selector"
)

var (
	// ErrNoEligibleCandidates is shared with the selector so errors.Is
	// matches either way.
	ErrNoEligibleCandidates = selector.ErrNoEligibleCandidates

	ErrAllFallbacksExhausted = errors.New("all fallbacks exhausted")
	ErrInvalidOptions        = errors.New("invalid dispatch options")
)

// ErrorKind is the terminal failure class of a submission.
type ErrorKind string

const (
	KindNoEligibleCandidates  ErrorKind = "no_eligible_candidates"
	KindAllFallbacksExhausted ErrorKind = "all_fallbacks_exhausted"
)

// Attempt is one model tried during a submission.
type Attempt struct {
	ModelID   string       `json:"model_id"`
	Phase     State        `json:"phase"`
	Success   bool         `json:"success"`
	Kind      adapter.Kind `json:"kind,omitempty"`
	Error     string       `json:"error,omitempty"`
	LatencyMs int64        `json:"latency_ms"`
}

// DispatchError is returned when a submission ends in StateFailed.
type DispatchError struct {
	Kind         ErrorKind
	SubmissionID string
	Tier         complexity.Tier
	Attempts     []Attempt
	States       []State

	// Cause is set when the caller's context ended the submission.
	Cause error
}

func (e *DispatchError) Error() string {
	var b strings.Builder
	switch e.Kind {
	case KindNoEligibleCandidates:
		fmt.Fprintf(&b, "dispatch: no eligible candidates for %s task", e.Tier)
	default:
		fmt.Fprintf(&b, "dispatch: all fallbacks exhausted for %s task", e.Tier)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, " (%v)", e.Cause)
	}
	var failed []string
	for _, a := range e.Attempts {
		if !a.Success {
			failed = append(failed, fmt.Sprintf("%s [%s: %s]", a.ModelID, a.Kind, a.Error))
		}
	}
	if len(failed) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(failed, "; "))
	}
	return b.String()
}

func (e *DispatchError) Unwrap() []error {
	errs := []error{ErrAllFallbacksExhausted}
	if e.Kind == KindNoEligibleCandidates {
		errs[0] = ErrNoEligibleCandidates
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}
