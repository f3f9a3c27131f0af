package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		cron     string
		duration time.Duration
	}{
		{name: "cron", raw: "*/30 * * * *", kind: SpecCron, source: "cron", cron: "*/30 * * * *"},
		{name: "descriptor", raw: "@every 6h", kind: SpecCron, source: "cron", cron: "@every 6h"},
		{name: "prefixed cron", raw: "cron:0 9 * * *", kind: SpecCron, source: "cron", cron: "0 9 * * *"},
		{name: "daily", raw: "daily:09:30", kind: SpecCron, source: "daily", cron: "30 9 * * *"},
		{name: "duration", raw: "45m", kind: SpecInterval, source: "duration", duration: 45 * time.Minute},
		{name: "prefixed interval", raw: "every:2h", kind: SpecInterval, source: "duration", duration: 2 * time.Hour},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecCron && got.Cron != tt.cron {
				t.Fatalf("Cron = %q, want %q", got.Cron, tt.cron)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "00:00", "daily:25:00", "interval:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}

	if _, _, err := parseHHMM("24:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}
