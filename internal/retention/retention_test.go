package retention

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/kapten-dev/kapten/internal/model"
)

func TestSweepReportsOnlyStaleIncompleteRecords(t *testing.T) {
	now := time.Now()
	old := now.Add(-2 * time.Hour)
	recent := now.Add(-time.Minute)

	records := []Record{
		{Pipeline: "p1", Task: "stale_one", State: model.TaskState{Status: model.StatusIncomplete, StartTime: &old}},
		{Pipeline: "p1", Task: "fresh_incomplete", State: model.TaskState{Status: model.StatusIncomplete, StartTime: &recent}},
		{Pipeline: "p1", Task: "finished", State: model.TaskState{Status: model.StatusSuccess, StartTime: &old}},
		{Pipeline: "p1", Task: "no_start_time", State: model.TaskState{Status: model.StatusIncomplete}},
	}

	scanCalled := false
	scanner := func(ctx context.Context) ([]Record, error) {
		scanCalled = true
		return records, nil
	}

	mp := noopmetric.MeterProvider{}
	s, err := New("0 0 0 1 1 *", time.Hour, scanner, mp.Meter("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	s.sweep(context.Background())

	if !scanCalled {
		t.Fatalf("scanner was never invoked")
	}
	out := buf.String()
	if strings.Count(out, "stale incomplete task record") != 1 {
		t.Fatalf("log output = %q, want exactly one stale record reported", out)
	}
	if !strings.Contains(out, "stale_one") {
		t.Fatalf("log output missing the genuinely stale task name: %q", out)
	}
	if strings.Contains(out, "fresh_incomplete") || strings.Contains(out, "no_start_time") {
		t.Fatalf("log output wrongly reported a non-stale record: %q", out)
	}
}

func TestSweepHandlesScanError(t *testing.T) {
	scanner := func(ctx context.Context) ([]Record, error) {
		return nil, context.DeadlineExceeded
	}
	mp := noopmetric.MeterProvider{}
	s, err := New("0 0 0 1 1 *", time.Hour, scanner, mp.Meter("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Should not panic even when the scan fails.
	s.sweep(context.Background())
}
