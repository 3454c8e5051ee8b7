package durable

import (
	"errors"
	"testing"
	"time"
)

func TestCronNextRun(t *testing.T) {
	base := time.Date(2024, time.March, 10, 12, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		pattern string
		want    time.Time
	}{
		{
			name:    "every minute",
			pattern: "* * * * *",
			want:    time.Date(2024, time.March, 10, 12, 31, 0, 0, time.UTC),
		},
		{
			name:    "top of every hour",
			pattern: "0 * * * *",
			want:    time.Date(2024, time.March, 10, 13, 0, 0, 0, time.UTC),
		},
		{
			name:    "daily at 09:15",
			pattern: "15 9 * * *",
			want:    time.Date(2024, time.March, 11, 9, 15, 0, 0, time.UTC),
		},
		{
			name:    "every 5 minutes",
			pattern: "*/5 * * * *",
			want:    time.Date(2024, time.March, 10, 12, 35, 0, 0, time.UTC),
		},
		{
			name:    "mondays at midnight",
			pattern: "0 0 * * 1",
			want:    time.Date(2024, time.March, 11, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "first of month",
			pattern: "0 0 1 * *",
			want:    time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "minute range",
			pattern: "10-12 * * * *",
			want:    time.Date(2024, time.March, 10, 13, 10, 0, 0, time.UTC),
		},
		{
			name:    "minute list",
			pattern: "5,35 * * * *",
			want:    time.Date(2024, time.March, 10, 12, 35, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := nextRun(ScheduleCron, tt.pattern, base)
			if err != nil {
				t.Fatalf("nextRun(%q): %v", tt.pattern, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("nextRun(%q) = %v, want %v", tt.pattern, got, tt.want)
			}
			if !got.After(base) {
				t.Errorf("next run must be strictly after now")
			}
		})
	}
}

func TestIntervalNextRun(t *testing.T) {
	base := time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

	got, err := nextRun(ScheduleInterval, "1500", base)
	if err != nil {
		t.Fatalf("nextRun: %v", err)
	}
	want := base.Add(1500 * time.Millisecond)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestNextRunRejectsInvalidPatterns(t *testing.T) {
	base := time.Now()

	invalid := []struct {
		schedType ScheduleType
		pattern   string
	}{
		{ScheduleCron, "not a cron"},
		{ScheduleCron, "* * * *"},    // 4 fields
		{ScheduleCron, "61 * * * *"}, // out of range
		{ScheduleInterval, "abc"},
		{ScheduleInterval, "-5"},
		{ScheduleInterval, "0"},
		{ScheduleType("weird"), "1000"},
	}
	for _, tt := range invalid {
		if _, err := nextRun(tt.schedType, tt.pattern, base); !errors.Is(err, ErrInvalidConfiguration) {
			t.Errorf("nextRun(%s, %q): expected invalid configuration, got %v", tt.schedType, tt.pattern, err)
		}
	}
}
