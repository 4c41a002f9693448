package config

import (
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "250ms")
	if v := envDuration("TEST_DUR", time.Second); v != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", v)
	}
}

func TestParseToolTypes(t *testing.T) {
	entries, err := parseToolTypes("7:workflow generator:workflow_generator, 8:doc generator:doc_generator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Code != 7 || entries[0].Name != "workflow generator" || entries[0].DispatchKey != "workflow_generator" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Code != 8 {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
}

func TestParseToolTypesEmpty(t *testing.T) {
	entries, err := parseToolTypes("  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entries != nil {
		t.Fatalf("expected nil entries, got %+v", entries)
	}
}

func TestParseToolTypesMalformed(t *testing.T) {
	for _, raw := range []string{"7", "7:name", "x:name:key", "7::key"} {
		if _, err := parseToolTypes(raw); err == nil {
			t.Fatalf("expected error for %q, got nil", raw)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.DispatchMaxAttempts != 10 {
		t.Fatalf("expected default max attempts 10, got %d", cfg.DispatchMaxAttempts)
	}
}

func TestValidateRejectsEmptyDatabaseURL(t *testing.T) {
	cfg := Config{MaxRequestBodyBytes: 1, DispatchMaxAttempts: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty DATABASE_URL")
	}
}
