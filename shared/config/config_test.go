package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y"}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestLoadRequiresSlotLockTimeout(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("SLOT_LOCK_TIMEOUT_MS", "")
	_, problems := Load("api", 8080)
	found := false
	for _, p := range problems {
		if p.Field == "SLOT_LOCK_TIMEOUT_MS" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected SLOT_LOCK_TIMEOUT_MS problem, got %#v", problems)
	}
}

func TestLoadOutboxDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("SLOT_LOCK_TIMEOUT_MS", "500")
	cfg, _ := Load("worker", 8083)
	if cfg.OutboxMaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", cfg.OutboxMaxAttempts)
	}
	if cfg.OutboxBackoffCapMS < cfg.OutboxBackoffBaseMS {
		t.Fatalf("backoff cap %d below base %d", cfg.OutboxBackoffCapMS, cfg.OutboxBackoffBaseMS)
	}
	if cfg.SlotLockTimeoutMS != 500 {
		t.Fatalf("expected lock timeout 500, got %d", cfg.SlotLockTimeoutMS)
	}
}

func TestLoadConfigFileMerge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.json")
	data := `{"ENV": "test", "SLOT_LOCK_TIMEOUT_MS": 750, "MAX_PARTY_SIZE": 12, "KAFKA_BROKERS": ["localhost:9092"]}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("ENV", "")
	cfg, problems := Load("api", 8080)
	for _, p := range problems {
		t.Fatalf("unexpected problem: %#v", p)
	}
	if cfg.SlotLockTimeoutMS != 750 || cfg.MaxPartySize != 12 {
		t.Fatalf("file values not applied: %#v", cfg)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Fatalf("brokers not applied: %#v", cfg.KafkaBrokers)
	}
}
