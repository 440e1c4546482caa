package internal

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Metric is one extracted value for (instance, metric name). Exactly one of
// Fields, Count, or Value is populated depending on Kind.
type Metric struct {
	Instance    string
	Name        string
	Kind        MetricKind
	Fields      map[string]int64
	Count       int
	Value       string
	ExtractedAt time.Time
}

// Field returns the named structured field, or 0 and false if absent.
func (m *Metric) Field(name string) (int64, bool) {
	v, ok := m.Fields[name]
	return v, ok
}

// MetricParser converts raw log evidence into typed metrics using a shared
// rule registry.
type MetricParser struct {
	rules  *RuleSet
	clock  Clock
	logger *logrus.Entry
}

// NewMetricParser creates a parser over the given rule set.
func NewMetricParser(rules *RuleSet, clock Clock, logger *logrus.Entry) *MetricParser {
	if logger == nil {
		logger = logrus.WithField("component", "parser")
	}
	return &MetricParser{rules: rules, clock: clockOrDefault(clock), logger: logger}
}

// Parse applies every named rule to the evidence and returns the resulting
// metrics. Rules that match nothing produce no metric (callers treat the
// absence as zero/unknown). A structured capture that fails the integer
// grammar aborts the parse with a MalformedMetricError; bad counters are
// surfaced, never coerced to zero.
func (p *MetricParser) Parse(evidence *LogEvidence, ruleNames []string) ([]Metric, error) {
	var metrics []Metric
	for _, name := range ruleNames {
		rule := p.rules.Get(name)
		if rule == nil {
			return nil, fmt.Errorf("unknown extraction rule %q", name)
		}

		metric, found, err := p.applyRule(evidence, rule)
		if err != nil {
			return nil, err
		}
		if found {
			metrics = append(metrics, metric)
		}
	}
	return metrics, nil
}

// ParseAll applies every registered rule.
func (p *MetricParser) ParseAll(evidence *LogEvidence) ([]Metric, error) {
	return p.Parse(evidence, p.rules.Names())
}

// applyRule scans the evidence once for one rule.
func (p *MetricParser) applyRule(evidence *LogEvidence, rule *ExtractionRule) (Metric, bool, error) {
	metric := Metric{
		Instance:    evidence.Instance,
		Name:        rule.Metric,
		Kind:        rule.Kind,
		ExtractedAt: p.clock.Now(),
	}

	switch rule.Kind {
	case MetricOccurrence:
		count := 0
		for _, line := range evidence.Lines {
			if rule.Pattern.MatchString(line.Text) {
				count++
			}
		}
		if count == 0 {
			return Metric{}, false, nil
		}
		metric.Count = count
		return metric, true, nil

	case MetricStructured:
		// Counters are cumulative; the last summary line holds the current
		// totals.
		var lastMatch []string
		for _, line := range evidence.Lines {
			if m := rule.Pattern.FindStringSubmatch(line.Text); m != nil {
				lastMatch = m
			}
		}
		if lastMatch == nil {
			return Metric{}, false, nil
		}
		fields, err := p.parseStructuredFields(rule, lastMatch)
		if err != nil {
			return Metric{}, false, err
		}
		metric.Fields = fields
		return metric, true, nil

	case MetricText:
		var value string
		found := false
		for _, line := range evidence.Lines {
			if m := rule.Pattern.FindStringSubmatch(line.Text); m != nil {
				value = captureOf(m)
				found = true
			}
		}
		if !found {
			return Metric{}, false, nil
		}
		if len(rule.Enum) > 0 && !containsString(rule.Enum, value) {
			return Metric{}, false, &MalformedMetricError{
				Rule:     rule.Name,
				Field:    "value",
				Captured: value,
			}
		}
		metric.Value = value
		return metric, true, nil

	default:
		return Metric{}, false, fmt.Errorf("rule %q has unknown kind %d", rule.Name, rule.Kind)
	}
}

// parseStructuredFields applies the strict integer grammar to every named
// capture group of a structured match.
func (p *MetricParser) parseStructuredFields(rule *ExtractionRule, match []string) (map[string]int64, error) {
	fields := make(map[string]int64)
	for i, groupName := range rule.Pattern.SubexpNames() {
		if i == 0 || groupName == "" {
			continue
		}
		captured := match[i]
		value, err := strconv.ParseInt(captured, 10, 64)
		if err != nil {
			return nil, &MalformedMetricError{
				Rule:     rule.Name,
				Field:    groupName,
				Captured: captured,
			}
		}
		fields[groupName] = value
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("structured rule %q has no named capture groups", rule.Name)
	}
	return fields, nil
}

// captureOf returns the first capture group of a submatch, or the whole
// match when the pattern has no groups.
func captureOf(match []string) string {
	if len(match) > 1 {
		return match[1]
	}
	return match[0]
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
