package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// HarnessConfig holds configuration for one validation run.
type HarnessConfig struct {
	Runtime ContainerRuntime
	Rules   *RuleSet
	Clock   Clock
	Logger  *logrus.Entry

	// RunTimeout bounds the entire run wall-clock.
	RunTimeout time.Duration

	// Policy paces identifier extraction and scenario re-evaluation.
	Policy RetryPolicy

	// SettleWindow is the stabilization wait between topology-ready and
	// scenario execution.
	SettleWindow time.Duration

	// ReadinessDelay, when positive, replaces the log-based readiness probe
	// with a fixed per-instance wait.
	ReadinessDelay time.Duration

	// ConcurrentScenarios runs scenarios in parallel.
	ConcurrentScenarios bool

	// KeepTopology leaves containers and networks running after the run
	// for manual inspection.
	KeepTopology bool
}

// DefaultHarnessConfig returns a default harness configuration for the
// given runtime.
func DefaultHarnessConfig(runtime ContainerRuntime) *HarnessConfig {
	return &HarnessConfig{
		Runtime:    runtime,
		Rules:      DefaultRuleSet(),
		Clock:      NewSystemClock(),
		Logger:     logrus.WithField("component", "harness"),
		RunTimeout: 5 * time.Minute,
		Policy:     DefaultRetryPolicy(),
	}
}

// Harness drives one complete run: topology up, isolation gate, scenarios,
// report. All run state is scoped to the harness instance; there is no
// package-level mutable state.
type Harness struct {
	topology  *Topology
	scenarios []Scenario
	config    *HarnessConfig
	logger    *logrus.Entry

	manager   *TopologyManager
	source    *LogSource
	validator *IsolationValidator
	store     *MetricStore
}

// NewHarness wires the run components for the given topology and scenarios.
func NewHarness(topology *Topology, scenarios []Scenario, config *HarnessConfig) (*Harness, error) {
	if config == nil || config.Runtime == nil {
		return nil, fmt.Errorf("harness requires a container runtime")
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.WithField("component", "harness")
	}
	if config.Rules == nil {
		config.Rules = DefaultRuleSet()
	}

	source := NewLogSource(config.Runtime, nil)
	extractor := NewExtractor(source, nil)

	managerConfig := DefaultTopologyManagerConfig(config.Runtime)
	managerConfig.Extractor = extractor
	managerConfig.Clock = clockOrDefault(config.Clock)
	managerConfig.IdentifierPolicy = config.Policy
	managerConfig.SettleDelay = config.ReadinessDelay
	managerConfig.Rules = config.Rules

	manager, err := NewTopologyManager(topology, managerConfig)
	if err != nil {
		return nil, err
	}

	validator, err := NewIsolationValidator(topology, nil)
	if err != nil {
		return nil, err
	}

	return &Harness{
		topology:  topology,
		scenarios: scenarios,
		config:    config,
		logger:    logger,
		manager:   manager,
		source:    source,
		validator: validator,
		store:     NewMetricStore(),
	}, nil
}

// Run executes the full workflow and always returns a report, even when the
// run aborts partway: whatever evidence was collected is rendered, labeled
// partial.
func (h *Harness) Run(ctx context.Context) (*RunReport, error) {
	clock := clockOrDefault(h.config.Clock)
	startedAt := clock.Now()

	if h.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.RunTimeout)
		defer cancel()
	}

	h.logger.WithFields(logrus.Fields{
		"instances": len(h.topology.Instances),
		"scenarios": len(h.scenarios),
	}).Info("🧪 NAT traversal validation run starting")

	outcomes, findings, abortErr := h.execute(ctx)

	if !h.config.KeepTopology {
		// Teardown uses a fresh context: the run context may already be
		// cancelled, and leaked containers would contaminate the next run.
		downCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := h.manager.Down(downCtx); err != nil {
			h.logger.WithError(err).Warn("⚠️  Teardown incomplete")
		}
	}

	abortReason := ""
	if abortErr != nil {
		abortReason = abortErr.Error()
	}
	report := BuildReport(startedAt, clock.Now(), outcomes, findings,
		h.store, h.manager.Identifiers(), abortReason)
	report.LogSummary(h.logger)

	return report, abortErr
}

// execute runs the phases and reports how far it got. A non-nil error means
// the run aborted and the collected results are partial.
func (h *Harness) execute(ctx context.Context) (outcomes []ScenarioOutcome, findings []ContaminationFinding, abortErr error) {
	if err := h.manager.Up(ctx); err != nil {
		h.logger.WithError(err).Error("❌ Topology bring-up failed")
		return nil, nil, &RunAbortedError{Phase: "topology bring-up", Err: err}
	}

	if h.config.SettleWindow > 0 {
		h.logger.WithField("window", h.config.SettleWindow).Info("⏳ Letting the network stabilize")
		timer := time.NewTimer(h.config.SettleWindow)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, &RunAbortedError{Phase: "settle window", Err: ctx.Err()}
		case <-timer.C:
		}
	}

	// Isolation gates the metric checks: findings here mean the scenario
	// results that follow are measurements of a polluted environment. The
	// scenarios still run so the report shows what the node did, but the
	// verdict becomes invalid.
	if early := h.validateIsolation(ctx); len(early) > 0 {
		h.logger.WithError(fmt.Errorf("%w: %d finding(s)", ErrContaminated, len(early))).
			Warn("⚠️  Isolation gate failed; scenario results will not be trusted")
	}

	runner, err := NewScenarioRunner(&ScenarioRunnerConfig{
		Source:     h.source,
		Parser:     NewMetricParser(h.config.Rules, h.config.Clock, nil),
		Store:      h.store,
		Manager:    h.manager,
		Clock:      h.config.Clock,
		Policy:     h.config.Policy,
		Concurrent: h.config.ConcurrentScenarios,
	})
	if err != nil {
		return nil, nil, &RunAbortedError{Phase: "scenario setup", Err: err}
	}
	outcomes = runner.Run(ctx, h.scenarios)

	// Final sweep over the full evidence; it subsumes the gate findings
	// since evidence only grows and validation is pure.
	findings = h.validateIsolation(ctx)
	return outcomes, findings, nil
}

// validateIsolation checks every instance's evidence against the declared
// topology.
func (h *Harness) validateIsolation(ctx context.Context) []ContaminationFinding {
	var findings []ContaminationFinding
	identifiers := h.manager.Identifiers()

	for _, inst := range h.topology.Instances {
		since, ok := h.manager.IncarnationStart(inst.Name)
		if !ok {
			continue
		}
		evidence, err := h.source.Fetch(ctx, inst.Name, since)
		if err != nil {
			h.logger.WithField("instance", inst.Name).WithError(err).
				Warn("⚠️  Could not fetch evidence for isolation check")
			continue
		}
		findings = append(findings, h.validator.Validate(evidence, identifiers)...)
	}
	return findings
}
