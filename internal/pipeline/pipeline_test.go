package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mubit-ai/codaph/internal/event"
	"github.com/mubit-ai/codaph/internal/mirror"
	"github.com/mubit-ai/codaph/internal/pipeline"
	"github.com/mubit-ai/codaph/internal/redact"
	"github.com/mubit-ai/codaph/internal/remote"
)

// fakeEngine is an in-memory remote.BatchEngine for exercising the
// pipeline without an HTTP server.
type fakeEngine struct {
	mu          sync.Mutex
	writes      []event.CapturedEvent
	batches     [][]event.CapturedEvent
	failNext    int32 // number of remaining calls to fail
	failForever bool
}

func (f *fakeEngine) WriteEvent(_ context.Context, e event.CapturedEvent) (remote.WriteResult, error) {
	if f.shouldFail() {
		return remote.WriteResult{}, errors.New("fake: write failed")
	}
	f.mu.Lock()
	f.writes = append(f.writes, e)
	f.mu.Unlock()
	return remote.WriteResult{Accepted: true}, nil
}

func (f *fakeEngine) WriteEventsBatch(_ context.Context, events []event.CapturedEvent) (remote.BatchWriteResult, error) {
	if f.shouldFail() {
		return remote.BatchWriteResult{}, errors.New("fake: batch write failed")
	}
	f.mu.Lock()
	f.batches = append(f.batches, events)
	f.mu.Unlock()
	results := make([]remote.WriteResult, len(events))
	for i := range results {
		results[i] = remote.WriteResult{Accepted: true}
	}
	return remote.BatchWriteResult{Results: results}, nil
}

func (f *fakeEngine) WriteRunState(context.Context, string, string, any) error { return nil }
func (f *fakeEngine) QuerySemanticContext(context.Context, remote.QueryParams) (map[string]any, error) {
	return nil, nil
}
func (f *fakeEngine) FetchContextSnapshot(context.Context, remote.SnapshotParams) (map[string]any, error) {
	return nil, nil
}

func (f *fakeEngine) shouldFail() bool {
	if f.failForever {
		return true
	}
	if atomic.LoadInt32(&f.failNext) > 0 {
		atomic.AddInt32(&f.failNext, -1)
		return true
	}
	return false
}

func (f *fakeEngine) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeEngine) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func newMirror(t *testing.T) *mirror.Mirror {
	t.Helper()
	return mirror.New(mirror.Options{Root: t.TempDir()})
}

func TestIngestWritesThroughToRemote(t *testing.T) {
	eng := &fakeEngine{}
	p := pipeline.New(pipeline.Options{
		Mirror:   newMirror(t),
		Redactor: redact.NewDefault(),
		Remote:   eng,
	})

	_, err := p.Ingest("item.completed", event.Payload{"item": map[string]any{"type": "agent_message"}}, pipeline.Context{
		Source: event.SourceLiveSDK, RepoID: "repo1", SessionID: "sess-1", Sequence: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}
	if eng.writeCount() != 1 {
		t.Fatalf("expected 1 remote write, got %d", eng.writeCount())
	}
}

func TestIngestDeduplicatesAndSkipsRemote(t *testing.T) {
	eng := &fakeEngine{}
	p := pipeline.New(pipeline.Options{
		Mirror:   newMirror(t),
		Redactor: redact.NewDefault(),
		Remote:   eng,
	})

	ctx := pipeline.Context{Source: event.SourceLiveSDK, RepoID: "repo1", SessionID: "sess-1", Sequence: 1, EventID: "fixed-id"}
	if _, err := p.Ingest("item.completed", event.Payload{"a": 1}, ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Ingest("item.completed", event.Payload{"a": 1}, ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}
	if eng.writeCount() != 1 {
		t.Fatalf("expected the duplicate ingest to skip the remote write, got %d writes", eng.writeCount())
	}
}

func TestIngestRedactsSensitiveFields(t *testing.T) {
	eng := &fakeEngine{}
	p := pipeline.New(pipeline.Options{
		Mirror:   newMirror(t),
		Redactor: redact.NewDefault(),
		Remote:   eng,
	})

	e, err := p.Ingest("item.completed", event.Payload{"api_key": "sk-abcdefghijklmnopqrstuvwx"}, pipeline.Context{
		Source: event.SourceLiveSDK, RepoID: "repo1", SessionID: "sess-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if e.Payload["api_key"] == "sk-abcdefghijklmnopqrstuvwx" {
		t.Errorf("expected api_key to be redacted before mirroring")
	}
}

func TestIngestBatchesRemoteWrites(t *testing.T) {
	eng := &fakeEngine{}
	p := pipeline.New(pipeline.Options{
		Mirror:                newMirror(t),
		Redactor:              redact.NewDefault(),
		Remote:                eng,
		MemoryBatchSize:       3,
		MemoryWriteConcurrency: 1,
	})

	for i := 0; i < 7; i++ {
		if _, err := p.Ingest("item.completed", event.Payload{"i": i}, pipeline.Context{
			Source: event.SourceLiveSDK, RepoID: "repo1", SessionID: "sess-1", Sequence: int64(i),
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}

	if got := eng.batchCount(); got != 3 {
		t.Fatalf("expected 3 batches (3+3+1), got %d", got)
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	eng := &fakeEngine{failForever: true}
	var errCount int32
	p := pipeline.New(pipeline.Options{
		Mirror:                     newMirror(t),
		Redactor:                   redact.NewDefault(),
		Remote:                     eng,
		MemoryMaxConsecutiveErrors: 2,
		OnMemoryError: func(err error, e *event.CapturedEvent) {
			atomic.AddInt32(&errCount, 1)
		},
	})

	for i := 0; i < 5; i++ {
		if _, err := p.Ingest("item.completed", event.Payload{"i": i}, pipeline.Context{
			Source: event.SourceLiveSDK, RepoID: "repo1", SessionID: "sess-1", Sequence: int64(i),
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}

	// Two failures open the circuit; the onMemoryError hook fires once per
	// failure plus once more for the circuit-opened transition.
	if atomic.LoadInt32(&errCount) < 3 {
		t.Fatalf("expected at least 3 error callbacks (2 failures + circuit-open), got %d", errCount)
	}
	if eng.writeCount() != 0 {
		t.Fatalf("expected no successful writes, got %d", eng.writeCount())
	}
}

func TestFailOnMemoryErrorPropagatesFromIngest(t *testing.T) {
	eng := &fakeEngine{failForever: true}
	p := pipeline.New(pipeline.Options{
		Mirror:            newMirror(t),
		Redactor:          redact.NewDefault(),
		Remote:            eng,
		FailOnMemoryError: true,
	})

	if _, err := p.Ingest("item.completed", event.Payload{"a": 1}, pipeline.Context{
		Source: event.SourceLiveSDK, RepoID: "repo1", SessionID: "sess-1",
	}); err == nil {
		t.Fatalf("expected Ingest to surface the remote failure when FailOnMemoryError is set")
	}
}

func TestIngestRawLinePassesThroughToMirror(t *testing.T) {
	m := newMirror(t)
	p := pipeline.New(pipeline.Options{Mirror: m, Redactor: redact.NewDefault()})

	if err := p.IngestRawLine("sess-1", `{"raw":"line"}`); err != nil {
		t.Fatal(err)
	}
}
