// Command benchmark measures request round trips through the local runtime
// and through a host with two workers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

func main() {
	var (
		modes        = flag.String("modes", "local,host", "Comma-separated runtimes to measure: local, host")
		requests     = flag.Int("requests", 10000, "Requests per mode")
		concurrency  = flag.Int("concurrency", 16, "Concurrent senders")
		outputFile   = flag.String("output", "", "Output file path (default: stdout)")
		outputFormat = flag.String("format", "text", "Output format: json, markdown, text")
		baseline     = flag.String("baseline", "", "Baseline JSON file for comparison")
		tolerance    = flag.Float64("tolerance", 0.10, "Allowed throughput drop against the baseline")
		timeout      = flag.Duration("timeout", 5*time.Minute, "Overall benchmark timeout")
		ciMode       = flag.Bool("ci", false, "CI mode: fail on regression")
	)
	flag.Parse()

	opts := options{
		modes:        *modes,
		requests:     *requests,
		concurrency:  *concurrency,
		outputFile:   *outputFile,
		outputFormat: *outputFormat,
		baseline:     *baseline,
		tolerance:    *tolerance,
		timeout:      *timeout,
		ciMode:       *ciMode,
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	modes        string
	requests     int
	concurrency  int
	outputFile   string
	outputFormat string
	baseline     string
	tolerance    float64
	timeout      time.Duration
	ciMode       bool
}

func run(opts options) error {
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	format := OutputFormat(opts.outputFormat)
	if !format.valid() {
		return fmt.Errorf("unknown format %q", opts.outputFormat)
	}

	// Runtime logs would drown the report.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	report := &Report{
		Version:     "1.0.0",
		GeneratedAt: time.Now(),
		GitCommit:   getGitCommit(),
		GitBranch:   getGitBranch(),
		Environment: getEnvironment(),
	}
	for _, mode := range strings.Split(opts.modes, ",") {
		mode = strings.TrimSpace(mode)
		if mode == "" {
			continue
		}
		result, err := measure(ctx, mode, opts.requests, opts.concurrency, logger)
		if err != nil {
			return fmt.Errorf("benchmark %s: %w", mode, err)
		}
		report.Results = append(report.Results, result)
	}

	if opts.baseline != "" {
		base, err := LoadReport(opts.baseline)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not load baseline: %v\n", err)
		} else {
			report.Comparison = Compare(report, base, opts.tolerance)
		}
	}

	writer := os.Stdout
	if opts.outputFile != "" {
		f, err := os.Create(opts.outputFile) // #nosec G304 - user-provided CLI argument
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		writer = f
	}
	if err := FormatReport(report, format, writer); err != nil {
		return fmt.Errorf("format report: %w", err)
	}

	// Save JSON for CI artifacts (always save if output specified and not already json)
	if opts.outputFile != "" && format != FormatJSON {
		jsonPath := strings.TrimSuffix(opts.outputFile, "."+string(format)) + ".json"
		if err := SaveReport(report, jsonPath); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not save JSON report: %v\n", err)
		}
	}

	if opts.ciMode && report.Comparison != nil && report.Comparison.HasRegression {
		return fmt.Errorf("benchmark regression detected")
	}
	return nil
}

func getGitCommit() string {
	if commit := os.Getenv("GITHUB_SHA"); commit != "" {
		return commit
	}
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func getGitBranch() string {
	if ref := os.Getenv("GITHUB_REF_NAME"); ref != "" {
		return ref
	}
	out, err := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func getEnvironment() string {
	if os.Getenv("CI") != "" {
		return "ci"
	}
	return "local"
}
