// Package internal provides the core components of the NAT traversal
// validation suite.
//
// This package implements a test-orchestration and evidence-extraction
// engine: it stands up a dependency-ordered set of isolated network segments
// and containerized p2p node instances, extracts each node's dynamically
// assigned identifier from its live log stream, parses unstructured log text
// into typed protocol metrics, detects test-environment contamination, and
// aggregates scenario outcomes into a pass/fail report. The node under test
// is a black box; only its log grammar and CLI flags are consumed.
//
// # Architecture Overview
//
// The engine consists of the following components, leaf-first:
//
//   - LogSource: reads the timestamped output of one running instance,
//     scoped to the current incarnation's start time so stale logs from a
//     prior container under the same name never leak through
//   - Extractor: repeatedly queries a LogSource for a pattern under an
//     explicit RetryPolicy (attempts, interval, deadline)
//   - MetricParser: converts evidence into typed metrics via a RuleSet,
//     keeping structured counters and occurrence counts as distinct kinds
//   - TopologyManager: declares segments and instances, drives the instance
//     lifecycle in dependency order, and publishes resolved identifiers
//   - IsolationValidator: flags connection targets outside the declared
//     address blocks; any finding marks the run invalid
//   - ScenarioRunner: evaluates declarative predicates over extracted
//     values with a continue-on-error policy
//   - Harness: wires everything for one run and always produces a report
//
// # Lifecycle and Identifier Propagation
//
// Instances move Created → Starting → Running → Ready → Stopped, with
// Failed reachable from any non-terminal state. An instance declaring a
// dependency may not enter Starting until the dependency's identifier is
// published; the manager runs lifecycle transitions on a single control
// flow, so publication happens-before any dependent's configuration is
// built. Dependency roots are started with an explicitly empty seed list:
// a root must never silently fall back to a production seed list, since
// that invalidates every downstream measurement.
//
// Example run:
//
//	runtime, err := internal.NewDockerRuntime(ctx, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer runtime.Close()
//
//	config := internal.DefaultRunConfig("my-node:dev")
//	topology, _ := config.BuildTopology()
//	scenarios, _ := config.BuildScenarios()
//
//	harness, err := internal.NewHarness(topology, scenarios, internal.DefaultHarnessConfig(runtime))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	report, _ := harness.Run(ctx)
//	os.Exit(report.ExitCode())
//
// # Metric Kinds
//
// Structured metrics parse named numeric fields from the canonical summary
// line ("<metric> attempts=<n> successes=<n> failures=<n>") under a strict
// integer grammar; a non-numeric capture surfaces as MalformedMetricError
// rather than being coerced to zero. Occurrence metrics count lines
// mentioning a protocol name and are a coarse, lower-confidence activity
// signal reported under a separate kind; the two are never merged into one
// counter.
//
// # Error Taxonomy
//
//   - ErrSourceUnavailable: instance not yet queryable; retryable
//   - ErrNotFound: pattern never matched within the retry budget; fatal for
//     identifier extraction, value-absent for metrics
//   - MalformedMetricError: captured value failed the integer grammar
//   - DependencyUnresolvedError: start attempted before publication; aborts
//   - RunAbortedError: topology failure; a partial report is still rendered
//
// Contamination findings are not errors: they downgrade the run verdict to
// invalid, which is distinct from failed.
package internal
