// Package main provides the command-line interface for the NAT traversal
// validation suite.
//
// # Overview
//
// The cmd package is the executable entry point for validating the NAT
// traversal behavior of a p2p node: reachability detection, hole punching,
// and relay fallback. It brings up an isolated multi-network container
// topology, propagates the bootstrap identifier to dependent instances,
// extracts protocol metrics from instance logs, checks the run for
// contamination, and renders a per-scenario report.
//
// # Usage
//
// Run the built-in default topology against a local node image:
//
//	go run ./cmd -image my-node:dev
//
// Run a custom configuration and keep the containers for inspection:
//
//	go run ./cmd -config run.yaml -keep
//
// # Configuration Options
//
// Run configuration:
//   - -config: YAML run configuration file (default: built-in run)
//   - -image: node image for the built-in run (default: nat-test-node:latest)
//   - -docker-host: Docker daemon address (default: environment)
//   - -report: report artifact path (default: nat-test-report.yaml)
//
// Timing configuration:
//   - -run-timeout: overall run timeout (default: 5m)
//   - -settle-window: stabilization wait before scenarios
//   - -readiness-delay: fixed readiness wait instead of the log probe
//
// Retry configuration:
//   - -retry-attempts: extraction attempt budget (default: 20)
//   - -retry-interval: wait between attempts (default: 1s)
//   - -retry-deadline: per-extraction deadline (default: 30s)
//
// Feature flags:
//   - -concurrent: run scenarios in parallel
//   - -keep: leave the topology running after the run
//   - -log-level: debug, info, warn, error (default: info)
//
// # Run Workflow
//
//  1. Pre-run cleanup of leftover containers and networks
//  2. Network segment creation and dependency-ordered instance start
//  3. Bootstrap identifier extraction and propagation to dependents
//  4. Isolation gate against the declared address blocks
//  5. Scenario evaluation with continue-on-error
//  6. Teardown and report rendering
//
// # Exit Codes
//
//   - 0: every scenario passed and no contamination findings
//   - 1: configuration error, scenario failure, contamination, or abort
//
// A report artifact is written even when the run aborts, labeled partial.
//
// # Signal Handling
//
// SIGINT (Ctrl+C) cancels the run context; the topology is torn down and a
// partial report is written before exit.
package main
