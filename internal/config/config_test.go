package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mubit-ai/codaph/internal/config"
)

func TestLoadReturnsDefaultsWhenConfigFileMissing(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	want := config.Defaults()
	if cfg != want {
		t.Fatalf("expected defaults %+v, got %+v", want, cfg)
	}
}

func TestLoadMergesUserConfigOverDefaults(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".codaph"), 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := "cooldownSeconds: 120\nautoPullOnSync: false\nmemoryBatchSize: 24\n"
	if err := os.WriteFile(filepath.Join(root, ".codaph", "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CooldownSeconds != 120 {
		t.Errorf("expected cooldownSeconds override to apply, got %d", cfg.CooldownSeconds)
	}
	if cfg.AutoPullOnSync {
		t.Errorf("expected autoPullOnSync override to apply")
	}
	if cfg.MemoryBatchSize != 24 {
		t.Errorf("expected memoryBatchSize override to apply, got %d", cfg.MemoryBatchSize)
	}
	// Untouched fields keep their compiled-in default.
	if cfg.MemoryWriteConcurrency != config.Defaults().MemoryWriteConcurrency {
		t.Errorf("expected memoryWriteConcurrency to stay at its default")
	}
}

func TestWriteSnapshotWritesProjectJSON(t *testing.T) {
	root := t.TempDir()
	cfg := config.Defaults()
	if err := config.WriteSnapshot(root, cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(config.SnapshotPath(root)); err != nil {
		t.Fatalf("expected project.json to exist: %v", err)
	}
}
