package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Report represents a complete benchmark report with metadata
type Report struct {
	Version     string      `json:"version"`
	GeneratedAt time.Time   `json:"generated_at"`
	GitCommit   string      `json:"git_commit,omitempty"`
	GitBranch   string      `json:"git_branch,omitempty"`
	Environment string      `json:"environment,omitempty"`
	Results     []Result    `json:"results"`
	Comparison  *Comparison `json:"comparison,omitempty"`
}

// Result holds the measurements for one runtime mode.
type Result struct {
	Mode        string        `json:"mode"`
	Requests    int           `json:"requests"`
	Concurrency int           `json:"concurrency"`
	Elapsed     time.Duration `json:"elapsed"`
	Throughput  float64       `json:"throughput_rps"`
	P50         time.Duration `json:"p50"`
	P95         time.Duration `json:"p95"`
	P99         time.Duration `json:"p99"`
}

// Comparison represents comparison against a baseline
type Comparison struct {
	BaselineCommit string    `json:"baseline_commit"`
	BaselineDate   time.Time `json:"baseline_date"`
	Regressions    []string  `json:"regressions,omitempty"`
	Improvements   []string  `json:"improvements,omitempty"`
	HasRegression  bool      `json:"has_regression"`
}

// SaveReport saves report to a JSON file
func SaveReport(report *Report, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// LoadReport loads a report from a JSON file
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path) // #nosec G304 - user-provided CLI argument
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &report, nil
}

// Compare checks every mode measured in both reports. Throughput falling
// by more than tolerance, or p95 latency rising by more than twice
// tolerance, is a regression.
func Compare(current, baseline *Report, tolerance float64) *Comparison {
	c := &Comparison{
		BaselineCommit: baseline.GitCommit,
		BaselineDate:   baseline.GeneratedAt,
	}

	base := make(map[string]Result, len(baseline.Results))
	for _, r := range baseline.Results {
		base[r.Mode] = r
	}

	for _, cur := range current.Results {
		prev, ok := base[cur.Mode]
		if !ok || prev.Throughput <= 0 {
			continue
		}

		change := (cur.Throughput - prev.Throughput) / prev.Throughput
		switch {
		case change < -tolerance:
			c.Regressions = append(c.Regressions,
				fmt.Sprintf("%s: throughput decreased by %.1f%%", cur.Mode, -change*100))
		case change > tolerance:
			c.Improvements = append(c.Improvements,
				fmt.Sprintf("%s: throughput improved by %.1f%%", cur.Mode, change*100))
		}

		if prev.P95 > 0 {
			latency := float64(cur.P95-prev.P95) / float64(prev.P95)
			if latency > 2*tolerance {
				c.Regressions = append(c.Regressions,
					fmt.Sprintf("%s: p95 latency increased by %.1f%%", cur.Mode, latency*100))
			}
		}
	}
	c.HasRegression = len(c.Regressions) > 0
	return c
}

// OutputFormat represents output format type
type OutputFormat string

const (
	FormatJSON     OutputFormat = "json"
	FormatMarkdown OutputFormat = "markdown"
	FormatText     OutputFormat = "text"
)

func (f OutputFormat) valid() bool {
	return f == FormatJSON || f == FormatMarkdown || f == FormatText
}

// FormatReport formats the report in the specified format
func FormatReport(report *Report, format OutputFormat, w io.Writer) error {
	switch format {
	case FormatJSON:
		return formatJSON(report, w)
	case FormatMarkdown:
		return formatMarkdown(report, w)
	case FormatText:
		return formatText(report, w)
	default:
		return fmt.Errorf("unknown format: %s", format)
	}
}

func formatJSON(report *Report, w io.Writer) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func formatMarkdown(report *Report, w io.Writer) error {
	var sb strings.Builder

	sb.WriteString("# Benchmark Results\n\n")
	sb.WriteString(fmt.Sprintf("**Generated:** %s  \n", report.GeneratedAt.Format(time.RFC3339)))
	if report.GitCommit != "" {
		sb.WriteString(fmt.Sprintf("**Commit:** %s  \n", report.GitCommit))
	}
	sb.WriteString("\n")

	sb.WriteString("| Mode | Requests | Concurrency | Throughput | P50 | P95 | P99 |\n")
	sb.WriteString("|------|----------|-------------|------------|-----|-----|-----|\n")
	for _, r := range report.Results {
		sb.WriteString(fmt.Sprintf("| %s | %d | %d | %.0f req/s | %s | %s | %s |\n",
			r.Mode, r.Requests, r.Concurrency, r.Throughput, r.P50, r.P95, r.P99))
	}
	sb.WriteString("\n")

	if c := report.Comparison; c != nil {
		sb.WriteString("## Comparison with Baseline\n\n")
		sb.WriteString(fmt.Sprintf("**Baseline Commit:** %s  \n", c.BaselineCommit))
		writeList(&sb, "\n### Regressions\n", c.Regressions)
		writeList(&sb, "\n### Improvements\n", c.Improvements)
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

func formatText(report *Report, w io.Writer) error {
	fmt.Fprintf(w, "Generated:  %s\n", report.GeneratedAt.Format(time.RFC3339))
	if report.GitCommit != "" {
		fmt.Fprintf(w, "Commit:     %s\n", report.GitCommit)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODE\tREQUESTS\tCONCURRENCY\tREQ/S\tP50\tP95\tP99")
	for _, r := range report.Results {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.0f\t%s\t%s\t%s\n",
			r.Mode, r.Requests, r.Concurrency, r.Throughput, r.P50, r.P95, r.P99)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if c := report.Comparison; c != nil {
		fmt.Fprintf(w, "\nBaseline:   %s\n", c.BaselineCommit)
		for _, r := range c.Regressions {
			fmt.Fprintf(w, "  REGRESSION  %s\n", r)
		}
		for _, i := range c.Improvements {
			fmt.Fprintf(w, "  improved    %s\n", i)
		}
	}
	return nil
}

func writeList(sb *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString(heading)
	for _, item := range items {
		sb.WriteString(fmt.Sprintf("- %s\n", item))
	}
}
