package internal

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// RunVerdict is the overall classification of a run.
//
// Invalid is distinct from failed: invalid means the run was not a
// meaningful measurement (contaminated environment), not that the system
// under test misbehaved.
type RunVerdict string

const (
	VerdictPassed  RunVerdict = "passed"
	VerdictFailed  RunVerdict = "failed"
	VerdictInvalid RunVerdict = "invalid"
)

// ReportMetric is the YAML-facing form of one aggregated metric value.
type ReportMetric struct {
	Instance string           `yaml:"instance"`
	Name     string           `yaml:"name"`
	Kind     string           `yaml:"kind"`
	Fields   map[string]int64 `yaml:"fields,omitempty"`
	Count    int              `yaml:"count,omitempty"`
	Value    string           `yaml:"value,omitempty"`
}

// RunReport is the durable artifact of one run: per-scenario outcomes,
// aggregated metrics, contamination findings, and the overall verdict. A
// report is produced even when the run aborts, labeled partial and carrying
// whatever evidence was collected.
type RunReport struct {
	StartedAt   time.Time              `yaml:"started_at"`
	FinishedAt  time.Time              `yaml:"finished_at"`
	Verdict     RunVerdict             `yaml:"verdict"`
	Partial     bool                   `yaml:"partial"`
	AbortReason string                 `yaml:"abort_reason,omitempty"`
	Identifiers map[string]string      `yaml:"identifiers,omitempty"`
	Outcomes    []ScenarioOutcome      `yaml:"scenarios"`
	Findings    []ContaminationFinding `yaml:"contamination,omitempty"`
	Metrics     []ReportMetric         `yaml:"metrics,omitempty"`
}

// BuildReport assembles the report from run results. Findings downgrade the
// verdict to invalid regardless of scenario outcomes; a partial run without
// findings reports failed.
func BuildReport(startedAt, finishedAt time.Time, outcomes []ScenarioOutcome,
	findings []ContaminationFinding, store *MetricStore, identifiers map[string]string,
	abortReason string) *RunReport {

	report := &RunReport{
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
		Identifiers: identifiers,
		Outcomes:    outcomes,
		Findings:    findings,
		AbortReason: abortReason,
		Partial:     abortReason != "",
	}

	if store != nil {
		for _, m := range store.Snapshot() {
			report.Metrics = append(report.Metrics, ReportMetric{
				Instance: m.Instance,
				Name:     m.Name,
				Kind:     m.Kind.String(),
				Fields:   m.Fields,
				Count:    m.Count,
				Value:    m.Value,
			})
		}
	}

	switch {
	case len(findings) > 0:
		report.Verdict = VerdictInvalid
	case report.Partial || !AllPassed(outcomes):
		report.Verdict = VerdictFailed
	default:
		report.Verdict = VerdictPassed
	}
	return report
}

// ExitCode maps the verdict to the process exit code: 0 only when every
// scenario passed and no contamination was found.
func (r *RunReport) ExitCode() int {
	if r.Verdict == VerdictPassed {
		return 0
	}
	return 1
}

// WriteYAML renders the report artifact.
func (r *RunReport) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	return nil
}

// LogSummary prints a human-readable run summary.
func (r *RunReport) LogSummary(logger *logrus.Entry) {
	logger.Info("📊 Run Summary")
	logger.Info("==============")

	passed, failed, errored := 0, 0, 0
	for _, o := range r.Outcomes {
		switch o.Status {
		case ScenarioPassed.String():
			passed++
		case ScenarioFailed.String():
			failed++
		default:
			errored++
		}

		icon := "✅"
		if o.Status != ScenarioPassed.String() {
			icon = "❌"
		}
		entry := logger.WithField("duration", o.Duration)
		if o.Reason != "" {
			entry = entry.WithField("reason", o.Reason)
		}
		entry.Infof("   %s %s: %s", icon, o.Scenario, o.Status)
	}

	logger.WithFields(logrus.Fields{
		"passed":  passed,
		"failed":  failed,
		"errored": errored,
	}).Infof("🎯 Verdict: %s", r.Verdict)

	for _, f := range r.Findings {
		logger.WithFields(logrus.Fields{
			"instance": f.Instance,
			"offender": f.Offender,
		}).Warnf("⚠️  Contamination: %s", f.Rule)
	}
	if r.Partial {
		logger.WithField("reason", r.AbortReason).Warn("⚠️  Report is partial: run aborted before completion")
	}
}
