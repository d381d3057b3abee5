package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/ghsync/internal/schema"
)

func smallOptions(t *testing.T) Options {
	t.Helper()
	opts := DefaultOptions(filepath.Join(t.TempDir(), "load.db"))
	opts.Users = 200
	opts.Readers = 8
	opts.Writers = 2
	opts.Duration = 300 * time.Millisecond
	opts.Logger = nil
	return opts
}

// TestRun_Small verifies a short mixed run stays consistent.
func TestRun_Small(t *testing.T) {
	res, err := Run(context.Background(), smallOptions(t))
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if res.Violations != 0 {
		t.Errorf("Expected no violations, got %d (%s)", res.Violations, res.FirstViolation)
	}
	if res.Users != 200 {
		t.Errorf("Expected 200 users, got %d", res.Users)
	}
	if res.Reads.TotalQueries == 0 {
		t.Error("Expected some reads")
	}
	if res.Writes.TotalQueries == 0 {
		t.Error("Expected some writes")
	}
	if res.Reads.Errors > 0 || res.Writes.Errors > 0 {
		t.Errorf("Got %d read and %d write errors", res.Reads.Errors, res.Writes.Errors)
	}

	var buf bytes.Buffer
	res.Reads.PrintStats(&buf, "Reads")
	t.Log(buf.String())
}

// TestRun_100Readers runs the full reader count against a larger table.
func TestRun_100Readers(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}

	opts := smallOptions(t)
	opts.Users = 2000
	opts.Readers = 100
	opts.Writers = 4
	opts.Duration = 2 * time.Second

	res, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Violations != 0 {
		t.Errorf("Expected no violations, got %d (%s)", res.Violations, res.FirstViolation)
	}
	if res.Reads.TotalQueries == 0 {
		t.Error("Expected some reads")
	}

	// Latency depends on the machine; report it without asserting a bound.
	var buf bytes.Buffer
	res.Reads.PrintStats(&buf, "Reads")
	res.Writes.PrintStats(&buf, "Writes")
	t.Log(buf.String())
}

func TestRun_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"missing path", func(o *Options) { o.Path = "" }},
		{"no users", func(o *Options) { o.Users = 0 }},
		{"no readers", func(o *Options) { o.Readers = 0 }},
		{"no writers", func(o *Options) { o.Writers = 0 }},
		{"no duration", func(o *Options) { o.Duration = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := smallOptions(t)
			tt.modify(&opts)
			if _, err := Run(context.Background(), opts); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestCheckRecord(t *testing.T) {
	tests := []struct {
		name   string
		record schema.Record
		bad    bool
	}{
		{"list only", listRecord(1), false},
		{"viewed with details", func() schema.Record { r := detailRecord(2, 0); r.Viewed = true; return r }(), false},
		{"viewed without details", func() schema.Record { r := listRecord(3); r.Viewed = true; return r }(), true},
		{"details without viewed", detailRecord(4, 1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := checkRecord(tt.record)
			if (msg != "") != tt.bad {
				t.Errorf("checkRecord() = %q, want violation %v", msg, tt.bad)
			}
		})
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Unexpected min/max: %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("Expected P50 51ms, got %v", stats.P50)
	}
	if stats.TotalQueries != 100 {
		t.Errorf("Expected 100 samples, got %d", stats.TotalQueries)
	}
	if durations[0] != 100*time.Millisecond {
		t.Error("computeLatencyStats must not reorder its input")
	}

	if empty := computeLatencyStats(nil); empty.TotalQueries != 0 {
		t.Errorf("Expected empty stats, got %+v", empty)
	}

	var buf bytes.Buffer
	stats.PrintStats(&buf, "Reads")
	if !strings.Contains(buf.String(), "P95") {
		t.Errorf("PrintStats output missing percentiles: %s", buf.String())
	}
}
