package internal

import (
	"fmt"
	"regexp"
)

// MetricKind distinguishes how a metric value was obtained. Structured and
// occurrence counts measure different things and are never merged: an
// occurrence count is a coarse activity signal (a protocol name showed up in
// a line), not a true attempt/success/failure count.
type MetricKind int

const (
	// MetricStructured parses named numeric fields from a canonical summary
	// line. Authoritative.
	MetricStructured MetricKind = iota

	// MetricOccurrence counts lines matching a pattern. Lower confidence,
	// reported separately from structured counts.
	MetricOccurrence

	// MetricText captures a string or enum value, e.g. a reachability state.
	MetricText
)

// String returns a string representation of the metric kind.
func (k MetricKind) String() string {
	switch k {
	case MetricStructured:
		return "structured"
	case MetricOccurrence:
		return "occurrence"
	case MetricText:
		return "text"
	default:
		return "unknown"
	}
}

// ExtractionRule is a named, stateless pattern shared across instances.
// Structured rules capture named groups that must satisfy the integer
// grammar; text rules capture one group, optionally restricted to an enum.
type ExtractionRule struct {
	Name    string
	Metric  string
	Kind    MetricKind
	Pattern *regexp.Regexp
	Enum    []string
}

// RuleSet is a registry of extraction rules keyed by rule name.
type RuleSet struct {
	rules map[string]*ExtractionRule
	order []string
}

// NewRuleSet creates an empty rule registry.
func NewRuleSet() *RuleSet {
	return &RuleSet{rules: make(map[string]*ExtractionRule)}
}

// Register adds a rule to the set. Re-registering a name is an error; rules
// are immutable once declared.
func (rs *RuleSet) Register(rule *ExtractionRule) error {
	if rule.Name == "" {
		return fmt.Errorf("extraction rule must have a name")
	}
	if rule.Pattern == nil {
		return fmt.Errorf("extraction rule %q must have a pattern", rule.Name)
	}
	if _, exists := rs.rules[rule.Name]; exists {
		return fmt.Errorf("extraction rule %q already registered", rule.Name)
	}
	rs.rules[rule.Name] = rule
	rs.order = append(rs.order, rule.Name)
	return nil
}

// Get returns the named rule, or nil if absent.
func (rs *RuleSet) Get(name string) *ExtractionRule {
	return rs.rules[name]
}

// Names returns rule names in registration order.
func (rs *RuleSet) Names() []string {
	out := make([]string, len(rs.order))
	copy(out, rs.order)
	return out
}

// Rule names in the default set.
const (
	RuleIdentifier    = "identifier"
	RuleReachability  = "reachability"
	RuleServiceReady  = "service-ready"
	RuleConnectedPeer = "connected-peer"
)

// structuredCounterRule builds the canonical attempts/successes/failures
// rule for one protocol metric, matching lines of the form
// "<metric> attempts=<n> successes=<n> failures=<n>". The groups capture any
// token so malformed values reach the parser's integer grammar check instead
// of silently not matching.
func structuredCounterRule(metric string) *ExtractionRule {
	pattern := regexp.MustCompile(
		`(?i)\b` + regexp.QuoteMeta(metric) +
			`\b attempts=(?P<attempts>\S+) successes=(?P<successes>\S+) failures=(?P<failures>\S+)`)
	return &ExtractionRule{
		Name:    metric,
		Metric:  metric,
		Kind:    MetricStructured,
		Pattern: pattern,
	}
}

// occurrenceRule builds a coarse activity rule counting lines that mention
// the protocol name at all.
func occurrenceRule(metric, word string) *ExtractionRule {
	return &ExtractionRule{
		Name:    metric,
		Metric:  metric,
		Kind:    MetricOccurrence,
		Pattern: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`),
	}
}

// DefaultRuleSet returns the rule registry for the node-under-test log
// grammar: the identity announcement, per-protocol structured counters,
// per-protocol mention counters, the reachability state, the readiness
// line, and connection announcements.
func DefaultRuleSet() *RuleSet {
	rs := NewRuleSet()

	rules := []*ExtractionRule{
		{
			Name:    RuleIdentifier,
			Metric:  "identifier",
			Kind:    MetricText,
			Pattern: regexp.MustCompile(`identifier=([A-Za-z0-9]+)`),
		},
		{
			Name:    RuleReachability,
			Metric:  "reachability",
			Kind:    MetricText,
			Pattern: regexp.MustCompile(`reachability=(\S+)`),
			Enum:    []string{"Public", "Private", "Unknown"},
		},
		{
			Name:    RuleServiceReady,
			Metric:  "service_ready",
			Kind:    MetricOccurrence,
			Pattern: regexp.MustCompile(`service initialized`),
		},
		{
			Name:    RuleConnectedPeer,
			Metric:  "connections",
			Kind:    MetricOccurrence,
			Pattern: regexp.MustCompile(`connected peer=\S+`),
		},
		structuredCounterRule("dcutr"),
		structuredCounterRule("autonat"),
		structuredCounterRule("relay"),
		occurrenceRule("dcutr_mentions", "dcutr"),
		occurrenceRule("autonat_mentions", "autonat"),
		occurrenceRule("relay_mentions", "relay"),
	}

	for _, rule := range rules {
		if err := rs.Register(rule); err != nil {
			// Default set is built from literals; duplicate names here are a
			// bug caught at startup.
			panic(err)
		}
	}
	return rs
}
