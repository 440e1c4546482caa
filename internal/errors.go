package internal

import (
	"errors"
	"fmt"
)

// Sentinel errors for the extraction and topology pipeline. Callers are
// expected to classify failures with errors.Is / errors.As rather than
// string matching.
var (
	// ErrSourceUnavailable indicates the instance does not exist or is not
	// yet running, so its log stream cannot be queried. Retryable.
	ErrSourceUnavailable = errors.New("log source unavailable")

	// ErrNotFound indicates an extraction pattern never matched within the
	// retry budget. Fatal for identifier extraction, soft for metrics.
	ErrNotFound = errors.New("pattern not found within retry budget")

	// ErrContaminated indicates the run produced isolation findings and is
	// not a meaningful measurement.
	ErrContaminated = errors.New("run contaminated by out-of-topology activity")
)

// MalformedMetricError reports a captured value that failed the integer
// grammar of a structured rule. It is always surfaced to the caller; the
// parser never coerces a bad capture to zero.
type MalformedMetricError struct {
	Rule     string
	Field    string
	Captured string
}

func (e *MalformedMetricError) Error() string {
	return fmt.Sprintf("malformed metric: rule %q field %q captured non-numeric value %q",
		e.Rule, e.Field, e.Captured)
}

// DependencyUnresolvedError reports an attempt to start an instance before
// the identifier it depends on was published. This is a topology programming
// error and aborts the run.
type DependencyUnresolvedError struct {
	Instance  string
	DependsOn string
}

func (e *DependencyUnresolvedError) Error() string {
	return fmt.Sprintf("instance %q cannot start: identifier of %q not yet resolved",
		e.Instance, e.DependsOn)
}

// RunAbortedError wraps a topology or dependency failure that made the rest
// of the run meaningless. The harness still renders a partial report.
type RunAbortedError struct {
	Phase string
	Err   error
}

func (e *RunAbortedError) Error() string {
	return fmt.Sprintf("run aborted during %s: %v", e.Phase, e.Err)
}

func (e *RunAbortedError) Unwrap() error { return e.Err }
