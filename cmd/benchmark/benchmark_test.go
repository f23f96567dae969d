package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMeasure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, mode := range []string{"local", "host"} {
		t.Run(mode, func(t *testing.T) {
			r, err := measure(ctx, mode, 200, 4, quietLogger())
			require.NoError(t, err)
			assert.Equal(t, mode, r.Mode)
			assert.Equal(t, 200, r.Requests)
			assert.Positive(t, r.Throughput)
			assert.LessOrEqual(t, r.P50, r.P95)
			assert.LessOrEqual(t, r.P95, r.P99)
		})
	}

	_, err := measure(ctx, "cluster", 10, 1, quietLogger())
	assert.Error(t, err)
	_, err = measure(ctx, "local", 0, 1, quietLogger())
	assert.Error(t, err)
}

func TestSummarizePercentiles(t *testing.T) {
	latencies := make([]time.Duration, 100)
	for i := range latencies {
		latencies[i] = time.Duration(100-i) * time.Millisecond
	}

	r := summarize("local", 2, 2*time.Second, latencies)
	assert.Equal(t, 50.0, r.Throughput)
	assert.Equal(t, 50*time.Millisecond, r.P50)
	assert.Equal(t, 95*time.Millisecond, r.P95)
	assert.Equal(t, 99*time.Millisecond, r.P99)
}

func TestCompare(t *testing.T) {
	baseline := &Report{
		GitCommit: "abc123",
		Results: []Result{
			{Mode: "local", Throughput: 1000, P95: time.Millisecond},
			{Mode: "host", Throughput: 100, P95: 10 * time.Millisecond},
		},
	}

	t.Run("within tolerance", func(t *testing.T) {
		current := &Report{Results: []Result{
			{Mode: "local", Throughput: 950, P95: time.Millisecond},
			{Mode: "host", Throughput: 105, P95: 11 * time.Millisecond},
		}}
		c := Compare(current, baseline, 0.10)
		assert.False(t, c.HasRegression)
		assert.Empty(t, c.Improvements)
		assert.Equal(t, "abc123", c.BaselineCommit)
	})

	t.Run("throughput drop", func(t *testing.T) {
		current := &Report{Results: []Result{{Mode: "host", Throughput: 50, P95: 10 * time.Millisecond}}}
		c := Compare(current, baseline, 0.10)
		assert.True(t, c.HasRegression)
		require.Len(t, c.Regressions, 1)
		assert.Contains(t, c.Regressions[0], "host: throughput decreased by 50.0%")
	})

	t.Run("latency rise and improvement", func(t *testing.T) {
		current := &Report{Results: []Result{{Mode: "local", Throughput: 2000, P95: 2 * time.Millisecond}}}
		c := Compare(current, baseline, 0.10)
		assert.True(t, c.HasRegression)
		assert.Len(t, c.Improvements, 1)
		assert.Contains(t, c.Regressions[0], "p95 latency")
	})

	t.Run("new mode is ignored", func(t *testing.T) {
		current := &Report{Results: []Result{{Mode: "remote", Throughput: 1}}}
		assert.False(t, Compare(current, baseline, 0.10).HasRegression)
	})
}

func TestReportFormats(t *testing.T) {
	report := &Report{
		Version:     "1.0.0",
		GeneratedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		GitCommit:   "def456",
		Results:     []Result{{Mode: "local", Requests: 10, Concurrency: 2, Throughput: 1234, P50: time.Millisecond}},
		Comparison:  &Comparison{BaselineCommit: "abc123", Regressions: []string{"local: throughput decreased by 20.0%"}, HasRegression: true},
	}

	var text bytes.Buffer
	require.NoError(t, FormatReport(report, FormatText, &text))
	assert.Contains(t, text.String(), "local")
	assert.Contains(t, text.String(), "REGRESSION  local: throughput decreased")

	var md bytes.Buffer
	require.NoError(t, FormatReport(report, FormatMarkdown, &md))
	assert.Contains(t, md.String(), "| local | 10 | 2 | 1234 req/s |")
	assert.Contains(t, md.String(), "### Regressions")

	assert.Error(t, FormatReport(report, OutputFormat("csv"), &md))

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, SaveReport(report, path))
	loaded, err := LoadReport(path)
	require.NoError(t, err)
	assert.Equal(t, report.Results, loaded.Results)
	assert.True(t, loaded.Comparison.HasRegression)
}

func TestRunWritesReportAndFailsOnRegression(t *testing.T) {
	dir := t.TempDir()
	baseline := filepath.Join(dir, "baseline.json")
	require.NoError(t, SaveReport(&Report{
		Results: []Result{{Mode: "local", Throughput: 1e12}},
	}, baseline))

	out := filepath.Join(dir, "out.markdown")
	err := run(options{
		modes:        "local",
		requests:     50,
		concurrency:  2,
		outputFile:   out,
		outputFormat: "markdown",
		baseline:     baseline,
		tolerance:    0.10,
		timeout:      30 * time.Second,
		ciMode:       true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "regression")

	saved, err := LoadReport(filepath.Join(dir, "out.json"))
	require.NoError(t, err)
	require.Len(t, saved.Results, 1)
	assert.Equal(t, "local", saved.Results[0].Mode)
}
