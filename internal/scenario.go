package internal

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ScenarioStatus is the outcome classification of one scenario.
type ScenarioStatus int

const (
	// ScenarioPassed means the predicate held within the scenario deadline.
	ScenarioPassed ScenarioStatus = iota

	// ScenarioFailed means extraction worked but the predicate never held.
	ScenarioFailed

	// ScenarioError means the scenario could not be evaluated at all.
	ScenarioError
)

// String returns a string representation of the scenario status.
func (s ScenarioStatus) String() string {
	switch s {
	case ScenarioPassed:
		return "PASSED"
	case ScenarioFailed:
		return "FAILED"
	case ScenarioError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// CompareOp is a numeric comparison operator in a scenario predicate.
type CompareOp string

const (
	OpGreater      CompareOp = "gt"
	OpGreaterEqual CompareOp = "ge"
	OpLess         CompareOp = "lt"
	OpLessEqual    CompareOp = "le"
	OpEqual        CompareOp = "eq"
	OpNotEqual     CompareOp = "ne"
)

func (op CompareOp) apply(a, b int64) (bool, error) {
	switch op {
	case OpGreater:
		return a > b, nil
	case OpGreaterEqual:
		return a >= b, nil
	case OpLess:
		return a < b, nil
	case OpLessEqual:
		return a <= b, nil
	case OpEqual:
		return a == b, nil
	case OpNotEqual:
		return a != b, nil
	default:
		return false, fmt.Errorf("unknown comparison operator %q", op)
	}
}

// Scenario declares one check against the running topology: the instance
// and rule it observes and a predicate over the extracted value. A missing
// metric is evaluated as zero/unknown rather than an error, so predicates
// like "attempts > 0" simply stay false until evidence appears.
type Scenario struct {
	Name     string
	Instance string
	Rule     string

	// Field selects a structured field (attempts, successes, failures).
	// Empty for occurrence counts and text values.
	Field string

	// Op/Value form a numeric predicate; Equals a text predicate.
	Op     CompareOp
	Value  int64
	Equals string

	// VerifyDependency instead checks that the instance logged a connection
	// to the identifier its dependency resolved to, confirming the produced
	// configuration actually took effect.
	VerifyDependency bool

	// Within bounds how long the predicate may take to become true. Zero
	// uses the runner's default deadline.
	Within time.Duration
}

// ScenarioOutcome is the immutable result of one scenario execution.
type ScenarioOutcome struct {
	Scenario string        `yaml:"scenario"`
	Status   string        `yaml:"status"`
	Reason   string        `yaml:"reason,omitempty"`
	Duration time.Duration `yaml:"duration"`
}

// ScenarioRunnerConfig holds configuration for the scenario runner.
type ScenarioRunnerConfig struct {
	Source  *LogSource
	Parser  *MetricParser
	Store   *MetricStore
	Manager *TopologyManager
	Clock   Clock
	Logger  *logrus.Entry

	// Policy paces predicate re-evaluation; its Deadline is the default
	// per-scenario bound when a scenario declares no Within.
	Policy RetryPolicy

	// Concurrent runs scenarios in parallel once the topology is Ready.
	// Scenarios are read-only observers of independent log streams, so
	// ordering between them is never assumed; outcomes keep declaration
	// order either way.
	Concurrent bool
}

// ScenarioRunner executes scenarios in declaration order with a
// continue-on-error policy: one scenario's failure never prevents the rest
// from running.
type ScenarioRunner struct {
	config *ScenarioRunnerConfig
	logger *logrus.Entry
	clock  Clock
}

// NewScenarioRunner creates a runner from its configuration.
func NewScenarioRunner(config *ScenarioRunnerConfig) (*ScenarioRunner, error) {
	if config == nil || config.Source == nil || config.Parser == nil || config.Manager == nil {
		return nil, fmt.Errorf("scenario runner requires a log source, parser, and topology manager")
	}
	if config.Store == nil {
		config.Store = NewMetricStore()
	}
	if config.Policy.Interval <= 0 {
		config.Policy.Interval = time.Second
	}
	if config.Policy.MaxAttempts <= 0 {
		config.Policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.WithField("component", "scenario")
	}
	return &ScenarioRunner{
		config: config,
		logger: logger,
		clock:  clockOrDefault(config.Clock),
	}, nil
}

// Run executes all scenarios and returns their outcomes in declaration
// order. Outcomes are immutable once recorded.
func (sr *ScenarioRunner) Run(ctx context.Context, scenarios []Scenario) []ScenarioOutcome {
	outcomes := make([]ScenarioOutcome, len(scenarios))

	if sr.config.Concurrent {
		g, gctx := errgroup.WithContext(ctx)
		for i := range scenarios {
			g.Go(func() error {
				outcomes[i] = sr.runOne(gctx, &scenarios[i])
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range scenarios {
			outcomes[i] = sr.runOne(ctx, &scenarios[i])
		}
	}
	return outcomes
}

// runOne evaluates a single scenario until its predicate holds or its
// deadline expires.
func (sr *ScenarioRunner) runOne(ctx context.Context, scenario *Scenario) ScenarioOutcome {
	started := sr.clock.Now()
	sr.logger.WithFields(logrus.Fields{
		"scenario": scenario.Name,
		"instance": scenario.Instance,
	}).Info("🎯 Running scenario")

	status, reason := sr.evaluate(ctx, scenario)

	outcome := ScenarioOutcome{
		Scenario: scenario.Name,
		Status:   status.String(),
		Reason:   reason,
		Duration: sr.clock.Since(started),
	}

	entry := sr.logger.WithFields(logrus.Fields{
		"scenario": scenario.Name,
		"duration": outcome.Duration,
	})
	switch status {
	case ScenarioPassed:
		entry.Info("✅ Scenario passed")
	case ScenarioFailed:
		entry.WithField("reason", reason).Warn("❌ Scenario failed")
	case ScenarioError:
		entry.WithField("reason", reason).Error("💥 Scenario errored")
	}
	return outcome
}

func (sr *ScenarioRunner) evaluate(ctx context.Context, scenario *Scenario) (ScenarioStatus, string) {
	deadline := scenario.Within
	if deadline <= 0 {
		deadline = sr.config.Policy.Deadline
	}
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	since, ok := sr.config.Manager.IncarnationStart(scenario.Instance)
	if !ok {
		return ScenarioError, fmt.Sprintf("instance %q has no recorded incarnation start", scenario.Instance)
	}

	var lastActual string
	for attempt := 1; ; attempt++ {
		holds, actual, err := sr.check(ctx, scenario, since)
		if err != nil {
			if errors.Is(err, ErrSourceUnavailable) {
				// Instance not yet queryable; retryable within the deadline.
				lastActual = "source unavailable"
			} else {
				return ScenarioError, err.Error()
			}
		} else {
			if holds {
				return ScenarioPassed, ""
			}
			lastActual = actual
		}

		if attempt >= sr.config.Policy.MaxAttempts {
			return ScenarioFailed, fmt.Sprintf("expected %s, got %s", sr.describe(scenario), lastActual)
		}

		timer := time.NewTimer(sr.config.Policy.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ScenarioFailed, fmt.Sprintf("expected %s, got %s", sr.describe(scenario), lastActual)
		case <-timer.C:
		}
	}
}

// check fetches fresh evidence and evaluates the predicate once.
func (sr *ScenarioRunner) check(ctx context.Context, scenario *Scenario, since time.Time) (bool, string, error) {
	evidence, err := sr.config.Source.Fetch(ctx, scenario.Instance, since)
	if err != nil {
		return false, "", err
	}

	if scenario.VerifyDependency {
		return sr.checkDependencyConnection(scenario, evidence)
	}

	metrics, err := sr.config.Parser.Parse(evidence, []string{scenario.Rule})
	if err != nil {
		return false, "", err
	}
	sr.config.Store.Record(metrics...)

	if len(metrics) == 0 {
		// Metric absent: treated as zero/unknown, not an error.
		return sr.predicateOnAbsent(scenario)
	}
	return sr.predicate(scenario, &metrics[0])
}

// checkDependencyConnection verifies the instance connected to the
// identifier its dependency resolved to.
func (sr *ScenarioRunner) checkDependencyConnection(scenario *Scenario, evidence *LogEvidence) (bool, string, error) {
	inst := sr.config.Manager.Topology().InstanceByName(scenario.Instance)
	if inst == nil || inst.DependsOn == "" {
		return false, "", fmt.Errorf("scenario %q verifies a dependency but instance %q declares none",
			scenario.Name, scenario.Instance)
	}
	id, ok := sr.config.Manager.Identifier(inst.DependsOn)
	if !ok {
		return false, "", fmt.Errorf("identifier of %q was never resolved", inst.DependsOn)
	}

	pattern := regexp.MustCompile(`connected peer=` + regexp.QuoteMeta(id) + `\b`)
	for _, line := range evidence.Lines {
		if pattern.MatchString(line.Text) {
			return true, "", nil
		}
	}
	return false, fmt.Sprintf("no connection to %s (%s)", inst.DependsOn, id), nil
}

func (sr *ScenarioRunner) predicate(scenario *Scenario, metric *Metric) (bool, string, error) {
	switch metric.Kind {
	case MetricText:
		return metric.Value == scenario.Equals, fmt.Sprintf("%q", metric.Value), nil

	case MetricOccurrence:
		holds, err := scenario.Op.apply(int64(metric.Count), scenario.Value)
		return holds, fmt.Sprintf("%d", metric.Count), err

	case MetricStructured:
		actual, ok := metric.Field(scenario.Field)
		if !ok {
			return false, "", fmt.Errorf("metric %q has no field %q", metric.Name, scenario.Field)
		}
		holds, err := scenario.Op.apply(actual, scenario.Value)
		return holds, fmt.Sprintf("%d", actual), err

	default:
		return false, "", fmt.Errorf("metric %q has unknown kind", metric.Name)
	}
}

// predicateOnAbsent evaluates the predicate against the zero/unknown value.
func (sr *ScenarioRunner) predicateOnAbsent(scenario *Scenario) (bool, string, error) {
	if scenario.Equals != "" {
		return false, "absent", nil
	}
	holds, err := scenario.Op.apply(0, scenario.Value)
	return holds, "absent (0)", err
}

// describe renders the expected side of a predicate for failure reasons.
func (sr *ScenarioRunner) describe(scenario *Scenario) string {
	if scenario.VerifyDependency {
		return "connection to resolved dependency identifier"
	}
	target := scenario.Rule
	if scenario.Field != "" {
		target += "." + scenario.Field
	}
	if scenario.Equals != "" {
		return fmt.Sprintf("%s == %q", target, scenario.Equals)
	}
	return fmt.Sprintf("%s %s %d", target, scenario.Op, scenario.Value)
}

// AllPassed reports whether every outcome passed.
func AllPassed(outcomes []ScenarioOutcome) bool {
	for _, o := range outcomes {
		if o.Status != ScenarioPassed.String() {
			return false
		}
	}
	return len(outcomes) > 0
}
