package state_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mubit-ai/codaph/internal/state"
)

func TestReadLocalPushStateDefaultsWhenMissing(t *testing.T) {
	root := t.TempDir()
	st, err := state.ReadLocalPushState(root, "repo1")
	if err != nil {
		t.Fatal(err)
	}
	if st.ProviderCounts == nil {
		t.Fatalf("expected a non-nil default ProviderCounts map")
	}
	if len(st.ProviderCounts) != 0 {
		t.Fatalf("expected an empty default, got %v", st.ProviderCounts)
	}
}

func TestWriteThenReadLocalPushStateRoundTrips(t *testing.T) {
	root := t.TempDir()
	st := state.LocalPushState{
		LastRunAt: "2026-07-30T00:00:00Z",
		ProviderCounts: map[string]state.ProviderCounts{
			"codex_history": {Imported: 5, Skipped: 1},
		},
	}
	if err := state.WriteLocalPushState(root, "repo1", st); err != nil {
		t.Fatal(err)
	}
	got, err := state.ReadLocalPushState(root, "repo1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ProviderCounts["codex_history"].Imported != 5 {
		t.Fatalf("got %+v", got)
	}
}

func TestReadLocalPushStateFallsBackToLegacyFormat(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "index", "repo1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	legacy := `{"lastRunAt":"2026-01-01T00:00:00Z","imported":3,"skipped":2,"deduplicated":1}`
	if err := os.WriteFile(filepath.Join(dir, "codex-local-push-state.json"), []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := state.ReadLocalPushState(root, "repo1")
	if err != nil {
		t.Fatal(err)
	}
	counts := got.ProviderCounts["codex_history"]
	if counts.Imported != 3 || counts.Skipped != 2 || counts.Deduplicated != 1 {
		t.Fatalf("legacy projection mismatch: %+v", counts)
	}
}

func TestReadRemoteSyncStateDefaultsWhenMissing(t *testing.T) {
	root := t.TempDir()
	st, err := state.ReadRemoteSyncState(root, "repo1")
	if err != nil {
		t.Fatal(err)
	}
	if st.SuspectedServerCap {
		t.Fatalf("expected zero-value default")
	}
}

func TestWriteThenReadRemoteSyncStateRoundTrips(t *testing.T) {
	root := t.TempDir()
	fp := "abc123"
	st := state.RemoteSyncState{
		LastRunAt:                    "2026-07-30T00:00:00Z",
		ConsecutiveSameSnapshotCount: 3,
		SuspectedServerCap:           true,
		LastSnapshotFingerprint:      &fp,
		PendingTrigger:               state.PendingTrigger{Pending: true, Source: "hook"},
	}
	if err := state.WriteRemoteSyncState(root, "repo1", st); err != nil {
		t.Fatal(err)
	}
	got, err := state.ReadRemoteSyncState(root, "repo1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.SuspectedServerCap || got.ConsecutiveSameSnapshotCount != 3 {
		t.Fatalf("got %+v", got)
	}
	if got.LastSnapshotFingerprint == nil || *got.LastSnapshotFingerprint != "abc123" {
		t.Fatalf("fingerprint round-trip failed: %+v", got.LastSnapshotFingerprint)
	}
	if !got.PendingTrigger.Pending || got.PendingTrigger.Source != "hook" {
		t.Fatalf("pendingTrigger round-trip failed: %+v", got.PendingTrigger)
	}
}

func TestReadLocalPushStateToleratesMalformedFile(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "index", "repo1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "local-push-state.json"), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := state.ReadLocalPushState(root, "repo1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ProviderCounts == nil {
		t.Fatalf("expected typed default on malformed file")
	}
}
