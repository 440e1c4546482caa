package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryPolicy bounds one extraction: an attempt budget, a wait between
// attempts, and a wall-clock deadline. Policies are explicit values passed
// into each call; there are no ambient per-call-site sleeps.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	Deadline    time.Duration
}

// DefaultRetryPolicy mirrors the budget used for identifier extraction: up
// to 20 one-second attempts within half a minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 20,
		Interval:    time.Second,
		Deadline:    30 * time.Second,
	}
}

// Extractor repeatedly queries a log source for a pattern until it matches
// or the retry budget is exhausted. The wait between attempts is the only
// intentional suspension point and is cancellable through the context and
// the policy deadline.
type Extractor struct {
	source *LogSource
	logger *logrus.Entry
}

// NewExtractor creates an Extractor over the given log source.
func NewExtractor(source *LogSource, logger *logrus.Entry) *Extractor {
	if logger == nil {
		logger = logrus.WithField("component", "extractor")
	}
	return &Extractor{source: source, logger: logger}
}

// Extract fetches fresh evidence for instance on each attempt and applies
// the rule, returning the first match in log order. The first match wins
// deliberately: downstream consumers need the value established at startup,
// not a later contradictory line. Repeated calls after a match keep
// returning the same value since the match is a pure function of the
// evidence prefix.
//
// A SourceUnavailable fetch counts as a failed attempt and is retried.
// Exhausting the budget returns ErrNotFound; identifier callers treat that
// as fatal, metric callers as value-absent.
func (e *Extractor) Extract(ctx context.Context, instance string, rule *ExtractionRule, since time.Time, policy RetryPolicy) (string, error) {
	if policy.MaxAttempts <= 0 {
		return "", fmt.Errorf("retry policy must allow at least one attempt")
	}
	if policy.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Deadline)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := e.wait(ctx, policy.Interval); err != nil {
				return "", fmt.Errorf("extraction of %q on %q interrupted: %w", rule.Name, instance, err)
			}
		}

		evidence, err := e.source.Fetch(ctx, instance, since)
		if err != nil {
			if errors.Is(err, ErrSourceUnavailable) {
				lastErr = err
				e.logger.WithFields(logrus.Fields{
					"instance": instance,
					"rule":     rule.Name,
					"attempt":  attempt,
				}).Debug("Log source not yet available")
				continue
			}
			return "", err
		}

		if value, ok := firstMatch(evidence, rule); ok {
			e.logger.WithFields(logrus.Fields{
				"instance": instance,
				"rule":     rule.Name,
				"attempt":  attempt,
				"value":    value,
			}).Debug("Pattern extracted")
			return value, nil
		}
		lastErr = nil
	}

	err := fmt.Errorf("rule %q on instance %q after %d attempts: %w",
		rule.Name, instance, policy.MaxAttempts, ErrNotFound)
	if lastErr != nil {
		err = fmt.Errorf("%w (last fetch error: %v)", err, lastErr)
	}
	return "", err
}

// wait blocks for d or until the context is cancelled.
func (e *Extractor) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// firstMatch returns the earliest match of rule in the evidence, by log
// order.
func firstMatch(evidence *LogEvidence, rule *ExtractionRule) (string, bool) {
	for _, line := range evidence.Lines {
		if m := rule.Pattern.FindStringSubmatch(line.Text); m != nil {
			return captureOf(m), true
		}
	}
	return "", false
}
