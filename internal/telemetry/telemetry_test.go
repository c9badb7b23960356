package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, slog.LevelInfo, "json").Info("hello", "step", "A")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("expected JSON output, got %q", buf.String())
	}

	buf.Reset()
	NewLogger(&buf, slog.LevelInfo, "text").Info("hello", "step", "A")
	if !strings.Contains(buf.String(), "step=A") {
		t.Errorf("expected text output, got %q", buf.String())
	}

	// DEBUG ниже уровня INFO не пишется
	buf.Reset()
	NewLogger(&buf, slog.LevelInfo, "text").Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug message should be filtered, got %q", buf.String())
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "text")

	ctx := WithLogger(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Error("FromContext should return the stored logger")
	}
	if FromContext(context.Background()) != slog.Default() {
		t.Error("FromContext should fall back to slog.Default()")
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.InstanceFinished("B", "SUCCEEDED", 2*time.Second)
	m.InstanceFinished("B", "SUCCEEDED", time.Second)
	m.JobSubmitted("cluster")
	m.JobFinished()
	m.Retried("ExecutionFailed")

	values := gather(t, m)
	if got := values["batchflow_instances_total"]; got != 2 {
		t.Errorf("instances_total = %v, want 2", got)
	}
	if got := values["batchflow_jobs_in_flight"]; got != 0 {
		t.Errorf("jobs_in_flight = %v, want 0", got)
	}
	if got := values["batchflow_retries_total"]; got != 1 {
		t.Errorf("retries_total = %v, want 1", got)
	}
	if got := values["batchflow_job_submissions_total"]; got != 1 {
		t.Errorf("job_submissions_total = %v, want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	// Не должно паниковать
	m.InstanceFinished("A", "FAILED", time.Second)
	m.JobSubmitted("x")
	m.JobPolled("x")
	m.Retried("Timeout")
	m.WorkflowFinished("FAILED")

	if m.Handler() == nil {
		t.Error("nil Metrics should still return a handler")
	}
}

// gather суммирует значения счётчиков и gauge по имени метрики.
func gather(t *testing.T, m *Metrics) map[string]float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	values := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[mf.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[mf.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}
	return values
}
