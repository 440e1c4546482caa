package internal

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLine is a single timestamped line of instance output.
type LogLine struct {
	Timestamp time.Time
	Text      string
}

// LogEvidence is the ordered output of one instance incarnation, scoped to
// its current start timestamp. It is a bounded snapshot of a logically
// unbounded stream; each extraction attempt fetches a fresh one.
type LogEvidence struct {
	Instance string
	Since    time.Time
	Lines    []LogLine
}

// Text returns the evidence as one newline-joined string.
func (e *LogEvidence) Text() string {
	parts := make([]string, len(e.Lines))
	for i, l := range e.Lines {
		parts[i] = l.Text
	}
	return strings.Join(parts, "\n")
}

// LogSource adapts a ContainerRuntime's log stream into scoped LogEvidence.
// It is read-only; fetching evidence never mutates instance state.
type LogSource struct {
	runtime ContainerRuntime
	logger  *logrus.Entry
}

// NewLogSource creates a LogSource over the given runtime.
func NewLogSource(runtime ContainerRuntime, logger *logrus.Entry) *LogSource {
	if logger == nil {
		logger = logrus.WithField("component", "logsource")
	}
	return &LogSource{runtime: runtime, logger: logger}
}

// Fetch returns all output the current incarnation of instance produced at
// or after since. Lines older than since are dropped even if the runtime
// returns them; stale output from a previous incarnation under the same
// name must never leak into evidence.
func (s *LogSource) Fetch(ctx context.Context, instance string, since time.Time) (*LogEvidence, error) {
	stream, err := s.runtime.LogsSince(ctx, instance, since)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	evidence := &LogEvidence{Instance: instance, Since: since}

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var lastTS time.Time
	for scanner.Scan() {
		raw := scanner.Text()
		if raw == "" {
			continue
		}

		ts, text, ok := splitTimestampedLine(raw)
		if !ok {
			// Continuation of a multi-line message; inherits the previous
			// line's timestamp.
			ts, text = lastTS, raw
		}
		lastTS = ts

		if !since.IsZero() && ts.Before(since) {
			continue
		}
		evidence.Lines = append(evidence.Lines, LogLine{Timestamp: ts, Text: text})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log stream of %q: %w", instance, err)
	}

	s.logger.WithFields(logrus.Fields{
		"instance": instance,
		"since":    since,
		"lines":    len(evidence.Lines),
	}).Debug("Fetched log evidence")
	return evidence, nil
}

// splitTimestampedLine splits "RFC3339Nano text" into its parts.
func splitTimestampedLine(raw string) (time.Time, string, bool) {
	idx := strings.IndexByte(raw, ' ')
	if idx <= 0 {
		return time.Time{}, "", false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw[:idx])
	if err != nil {
		return time.Time{}, "", false
	}
	return ts, raw[idx+1:], true
}
