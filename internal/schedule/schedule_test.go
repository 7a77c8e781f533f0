package schedule

import (
	"testing"
	"time"
)

func TestNormalizePlainCron(t *testing.T) {
	norm, err := Normalize("0 * * * *")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}

	s, err := Parse(norm)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Kind != "cron" || s.CronExpr != "0 * * * *" {
		t.Errorf("unexpected schedule: %+v", s)
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	if _, err := Normalize("not a schedule"); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if _, err := Normalize(`{"kind":"interval","interval_ms":0}`); err == nil {
		t.Error("expected error for non-positive interval")
	}
}

func TestNextRunInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := NextRun(`{"kind":"interval","interval_ms":60000}`, now)
	if next == nil {
		t.Fatal("expected next run")
	}
	if want := now.Add(time.Minute); !next.Equal(want) {
		t.Errorf("expected %s, got %s", want, next)
	}
}

func TestNextRunOnceInPast(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := NextRun(`{"kind":"once","at_ms":1}`, now)
	if next != nil {
		t.Errorf("expected nil for past one-off, got %s", next)
	}
}

func TestNextRunCron(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	next := NextRun(`{"kind":"cron","cron_expr":"0 * * * *"}`, now)
	if next == nil {
		t.Fatal("expected next run")
	}
	if next.Minute() != 0 || !next.After(now) {
		t.Errorf("expected next top of hour after %s, got %s", now, next)
	}
}
