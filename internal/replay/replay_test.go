package replay_test

import (
	"context"
	"testing"

	"github.com/mubit-ai/codaph/internal/event"
	"github.com/mubit-ai/codaph/internal/mirror"
	"github.com/mubit-ai/codaph/internal/remote"
	"github.com/mubit-ai/codaph/internal/replay"
	"github.com/mubit-ai/codaph/internal/state"
)

type fakeEngine struct {
	snapshot map[string]any
}

func (f *fakeEngine) WriteEvent(context.Context, event.CapturedEvent) (remote.WriteResult, error) {
	return remote.WriteResult{}, nil
}
func (f *fakeEngine) WriteRunState(context.Context, string, string, any) error { return nil }
func (f *fakeEngine) QuerySemanticContext(context.Context, remote.QueryParams) (map[string]any, error) {
	return nil, nil
}
func (f *fakeEngine) FetchContextSnapshot(context.Context, remote.SnapshotParams) (map[string]any, error) {
	return f.snapshot, nil
}

func newMirror(t *testing.T) *mirror.Mirror {
	t.Helper()
	return mirror.New(mirror.Options{Root: t.TempDir()})
}

func TestRunImportsRecognizedCodaphActivities(t *testing.T) {
	eng := &fakeEngine{snapshot: map[string]any{
		"timeline": []any{
			map[string]any{
				"id":         "entry-1",
				"created_at": "2026-07-30T00:00:00Z",
				"activity": map[string]any{
					"type": "codaph_event",
					"payload": map[string]any{
						"eventType": "prompt.submitted",
						"sessionId": "sess-1",
						"eventId":   "fixedid0000000000000001",
						"ts":        "2026-07-30T00:00:01Z",
						"payload":   map[string]any{"prompt": "hi"},
					},
				},
			},
			map[string]any{
				"id":         "entry-2",
				"created_at": "2026-07-30T00:00:02Z",
				"activity":   map[string]any{"type": "some_other_product_event"},
			},
		},
	}}

	m := newMirror(t)
	mirrorRoot := m.Root()
	summary, err := replay.Run(context.Background(), eng, m, replay.Params{
		RepoID: "repo1", MirrorRoot: mirrorRoot, RunID: "run-1", TimelineLimit: 50,
	})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Imported != 1 {
		t.Fatalf("expected 1 imported event, got %d", summary.Imported)
	}
	if summary.Skipped != 1 {
		t.Fatalf("expected 1 skipped (unrecognized) entry, got %d", summary.Skipped)
	}
	if summary.SnapshotFingerprint == nil {
		t.Fatalf("expected a non-nil fingerprint for a non-empty timeline")
	}
}

func TestRunDetectsDeduplication(t *testing.T) {
	eng := &fakeEngine{snapshot: map[string]any{
		"timeline": []any{
			map[string]any{
				"id": "entry-1", "created_at": "2026-07-30T00:00:00Z",
				"activity": map[string]any{
					"type": "codaph_event",
					"payload": map[string]any{
						"eventType": "item.completed", "sessionId": "sess-1",
						"eventId": "dupe-id-000000000000000", "ts": "2026-07-30T00:00:01Z",
					},
				},
			},
		},
	}}

	m := newMirror(t)
	params := replay.Params{RepoID: "repo1", MirrorRoot: m.Root(), RunID: "run-1", TimelineLimit: 10}

	if _, err := replay.Run(context.Background(), eng, m, params); err != nil {
		t.Fatal(err)
	}
	summary, err := replay.Run(context.Background(), eng, m, params)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Deduplicated != 1 {
		t.Fatalf("expected the second run to deduplicate the same event, got %+v", summary)
	}
}

func TestRunDetectsSuspectedServerCap(t *testing.T) {
	timeline := []any{
		map[string]any{
			"id": "entry-1", "created_at": "2026-07-30T00:00:00Z",
			"activity": map[string]any{
				"type": "codaph_event",
				"payload": map[string]any{
					"eventType": "item.completed", "sessionId": "sess-1",
					"eventId": "capped-id-00000000000000", "ts": "2026-07-30T00:00:01Z",
				},
			},
		},
	}
	eng := &fakeEngine{snapshot: map[string]any{"timeline": timeline}}
	m := newMirror(t)
	params := replay.Params{RepoID: "repo1", MirrorRoot: m.Root(), RunID: "run-1", TimelineLimit: 500}

	var summary replay.Summary
	var err error
	for i := 0; i < 4; i++ {
		summary, err = replay.Run(context.Background(), eng, m, params)
		if err != nil {
			t.Fatal(err)
		}
	}
	if !summary.SuspectedServerCap {
		t.Fatalf("expected suspectedServerCap after 4 runs returning the same capped timeline: %+v", summary)
	}
	if summary.DiagnosticNote == "" {
		t.Errorf("expected a diagnostic note explaining the suspected cap")
	}
}

func TestRunPersistsPartialStateOnFetchError(t *testing.T) {
	eng := &erroringEngine{}
	m := newMirror(t)
	_, err := replay.Run(context.Background(), eng, m, replay.Params{
		RepoID: "repo1", MirrorRoot: m.Root(), RunID: "run-1", TimelineLimit: 10, TriggerSource: "manual",
	})
	if err == nil {
		t.Fatal("expected an error from the fetch failure")
	}
	st, readErr := state.ReadRemoteSyncState(m.Root(), "repo1")
	if readErr != nil {
		t.Fatal(readErr)
	}
	if st.LastError == "" {
		t.Errorf("expected lastError to be persisted on a thrown fetch error")
	}
	if st.LastTriggerSource != "manual" {
		t.Errorf("expected lastTriggerSource to be persisted even on error")
	}
}

func TestRunDetectsNoRemoteChangesAcrossTwoEmptyTimelines(t *testing.T) {
	eng := &fakeEngine{snapshot: map[string]any{"timeline": []any{}}}
	m := newMirror(t)
	params := replay.Params{RepoID: "repo1", MirrorRoot: m.Root(), RunID: "run-1", TimelineLimit: 10}

	first, err := replay.Run(context.Background(), eng, m, params)
	if err != nil {
		t.Fatal(err)
	}
	if first.SnapshotFingerprint != nil {
		t.Fatalf("expected a nil fingerprint for an empty timeline, got %v", *first.SnapshotFingerprint)
	}
	if !first.NoRemoteChangesDetected {
		t.Fatalf("expected the first run to report noRemoteChangesDetected: with no prior state the prior fingerprint is also nil")
	}

	second, err := replay.Run(context.Background(), eng, m, params)
	if err != nil {
		t.Fatal(err)
	}
	if second.SnapshotFingerprint != nil {
		t.Fatalf("expected a nil fingerprint on the second empty-timeline run too")
	}
	if !second.NoRemoteChangesDetected {
		t.Fatalf("expected two consecutive empty timelines to report noRemoteChangesDetected, got %+v", second)
	}
	if second.Skipped != 0 || second.Imported != 0 {
		t.Fatalf("expected skipped=0 and imported=0 for an empty timeline, got %+v", second)
	}
}

type erroringEngine struct{}

func (erroringEngine) WriteEvent(context.Context, event.CapturedEvent) (remote.WriteResult, error) {
	return remote.WriteResult{}, nil
}
func (erroringEngine) WriteRunState(context.Context, string, string, any) error { return nil }
func (erroringEngine) QuerySemanticContext(context.Context, remote.QueryParams) (map[string]any, error) {
	return nil, nil
}
func (erroringEngine) FetchContextSnapshot(context.Context, remote.SnapshotParams) (map[string]any, error) {
	return nil, context.DeadlineExceeded
}
