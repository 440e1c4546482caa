package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/nattest/internal"
)

// CLI configuration
type cliConfig struct {
	configPath     string
	image          string
	dockerHost     string
	reportPath     string
	runTimeout     time.Duration
	settleWindow   time.Duration
	readinessDelay time.Duration
	retryAttempts  int
	retryInterval  time.Duration
	retryDeadline  time.Duration
	concurrent     bool
	keepTopology   bool
	logLevel       string
	help           bool
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags() *cliConfig {
	config := &cliConfig{}

	flag.StringVar(&config.configPath, "config", "", "Run configuration file (YAML); empty uses the built-in default run")
	flag.StringVar(&config.image, "image", "nat-test-node:latest", "Node image for the built-in default run")
	flag.StringVar(&config.dockerHost, "docker-host", "", "Docker daemon address (default: environment or system default)")
	flag.StringVar(&config.reportPath, "report", "nat-test-report.yaml", "Report artifact path")

	flag.DurationVar(&config.runTimeout, "run-timeout", 5*time.Minute, "Overall run timeout")
	flag.DurationVar(&config.settleWindow, "settle-window", 0, "Extra stabilization wait before scenarios (overrides config when set)")
	flag.DurationVar(&config.readinessDelay, "readiness-delay", 0, "Fixed per-instance readiness wait instead of the log-based probe")

	flag.IntVar(&config.retryAttempts, "retry-attempts", 20, "Extraction attempt budget")
	flag.DurationVar(&config.retryInterval, "retry-interval", time.Second, "Wait between extraction attempts")
	flag.DurationVar(&config.retryDeadline, "retry-deadline", 30*time.Second, "Per-extraction wall-clock deadline")

	flag.BoolVar(&config.concurrent, "concurrent", false, "Run scenarios concurrently")
	flag.BoolVar(&config.keepTopology, "keep", false, "Leave containers and networks running after the run")
	flag.StringVar(&config.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&config.help, "help", false, "Show help message")

	flag.Parse()
	return config
}

// printUsage prints the usage information.
func printUsage() {
	fmt.Println("NAT Traversal Validation Suite")
	fmt.Println("==============================")
	fmt.Println()
	fmt.Println("Validates reachability detection, hole punching, and relay fallback of")
	fmt.Println("a p2p node by running it inside an isolated multi-network container")
	fmt.Println("topology and verifying the resulting log evidence:")
	fmt.Println("  • dependency-ordered topology bring-up with identifier propagation")
	fmt.Println("  • structured protocol metric extraction from instance logs")
	fmt.Println("  • contamination detection against the declared network segments")
	fmt.Println("  • per-scenario pass/fail report")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  # Built-in default topology against a local image\n")
	fmt.Printf("  %s -image my-node:dev\n", os.Args[0])
	fmt.Println()
	fmt.Printf("  # Custom run configuration, containers kept for inspection\n")
	fmt.Printf("  %s -config run.yaml -keep\n", os.Args[0])
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *cliConfig) error {
	if config.configPath == "" && config.image == "" {
		return fmt.Errorf("either -config or -image is required")
	}
	if config.runTimeout <= 0 {
		return fmt.Errorf("run timeout must be positive")
	}
	if config.retryAttempts <= 0 {
		return fmt.Errorf("retry attempts must be positive")
	}
	if config.retryInterval <= 0 {
		return fmt.Errorf("retry interval must be positive")
	}
	return nil
}

// loadRunConfig loads the YAML run configuration or the built-in default.
func loadRunConfig(config *cliConfig) (*internal.RunConfig, error) {
	if config.configPath == "" {
		return internal.DefaultRunConfig(config.image), nil
	}
	return internal.LoadRunConfig(config.configPath)
}

// setupSignalHandling cancels the run context on interrupt.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	go func() {
		sig := <-sigChan
		fmt.Printf("\n🛑 Received signal %v, initiating graceful shutdown...\n", sig)
		cancel()
	}()
}

// writeReport renders the report artifact to disk.
func writeReport(report *internal.RunReport, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()
	return report.WriteYAML(f)
}

func main() {
	cli := parseCLIFlags()
	if cli.help {
		printUsage()
		os.Exit(0)
	}

	if err := validateCLIConfig(cli); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}

	level, err := logrus.ParseLevel(cli.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Invalid log level %q\n", cli.logLevel)
		os.Exit(1)
	}
	logrus.SetLevel(level)

	runConfig, err := loadRunConfig(cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to load run configuration: %v\n", err)
		os.Exit(1)
	}

	topology, err := runConfig.BuildTopology()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Invalid topology: %v\n", err)
		os.Exit(1)
	}
	scenarios, err := runConfig.BuildScenarios()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Invalid scenarios: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	runtimeConfig := internal.DefaultDockerRuntimeConfig()
	if cli.dockerHost != "" {
		runtimeConfig.Host = cli.dockerHost
	}
	runtime, err := internal.NewDockerRuntime(ctx, runtimeConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to connect to container runtime: %v\n", err)
		os.Exit(1)
	}
	defer runtime.Close()

	harnessConfig := internal.DefaultHarnessConfig(runtime)
	harnessConfig.RunTimeout = cli.runTimeout
	harnessConfig.Policy = internal.RetryPolicy{
		MaxAttempts: cli.retryAttempts,
		Interval:    cli.retryInterval,
		Deadline:    cli.retryDeadline,
	}
	harnessConfig.SettleWindow = runConfig.SettleWindow.Duration()
	if cli.settleWindow > 0 {
		harnessConfig.SettleWindow = cli.settleWindow
	}
	harnessConfig.ReadinessDelay = cli.readinessDelay
	harnessConfig.ConcurrentScenarios = cli.concurrent || runConfig.ConcurrentScenarios
	harnessConfig.KeepTopology = cli.keepTopology

	harness, err := internal.NewHarness(topology, scenarios, harnessConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to set up harness: %v\n", err)
		os.Exit(1)
	}

	report, runErr := harness.Run(ctx)
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "\n❌ Run aborted: %v\n", runErr)
	}

	if err := writeReport(report, cli.reportPath); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to write report: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n📄 Report written to %s (verdict: %s)\n", cli.reportPath, report.Verdict)

	os.Exit(report.ExitCode())
}
