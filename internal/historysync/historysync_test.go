package historysync_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mubit-ai/codaph/internal/event"
	"github.com/mubit-ai/codaph/internal/historysync"
	"github.com/mubit-ai/codaph/internal/pipeline"
)

// fakePipeline is a minimal historysync.Ingester recording every call
// without touching a real mirror or remote.
type fakePipeline struct {
	rawLines []string
	ingested []string
	flushes  int
	seq      int64
}

func (f *fakePipeline) IngestRawLine(sessionID, line string) error {
	f.rawLines = append(f.rawLines, line)
	return nil
}

func (f *fakePipeline) Ingest(eventType string, payload event.Payload, ctx pipeline.Context) (event.CapturedEvent, error) {
	f.ingested = append(f.ingested, eventType)
	f.seq++
	return event.Build(event.Context{
		Source: ctx.Source, RepoID: ctx.RepoID, SessionID: ctx.SessionID,
		ThreadID: ctx.ThreadID, Sequence: ctx.Sequence, ActorID: ctx.ActorID,
	}, eventType, payload), nil
}

func (f *fakePipeline) Flush() error {
	f.flushes++
	return nil
}

func writeCodexSession(t *testing.T, dir, name, cwd, sessionID string) string {
	t.Helper()
	lines := []string{
		`{"type":"session_meta","payload":{"id":"` + sessionID + `","cwd":"` + cwd + `"}}`,
		`{"type":"response_item","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"hello"}]}}`,
		`{"type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"hi there"}]}}`,
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCodexSyncProjectsPromptAndAgentMessage(t *testing.T) {
	histDir := t.TempDir()
	mirrorRoot := t.TempDir()
	writeCodexSession(t, histDir, "session1.jsonl", "/repo/project", "sess-abc")

	fp := &fakePipeline{}
	summary, err := historysync.Sync(historysync.CodexProvider{}, mirrorRoot, "repo1", "/repo/project", "", histDir, fp)
	if err != nil {
		t.Fatal(err)
	}
	if summary.FilesScanned != 1 {
		t.Fatalf("expected 1 file scanned, got %d", summary.FilesScanned)
	}
	if summary.EventsIngested != 3 { // thread.started + prompt.submitted + item.completed
		t.Fatalf("expected 3 ingested events, got %d: %v", summary.EventsIngested, fp.ingested)
	}
	if fp.ingested[0] != "thread.started" {
		t.Fatalf("expected first event to be thread.started, got %v", fp.ingested)
	}
	if len(fp.rawLines) != 3 { // session_meta + user message + assistant message
		t.Fatalf("expected 3 raw lines mirrored, got %d: %v", len(fp.rawLines), fp.rawLines)
	}
}

func TestCodexSyncSkipsUnchangedFileOnSecondRun(t *testing.T) {
	histDir := t.TempDir()
	mirrorRoot := t.TempDir()
	writeCodexSession(t, histDir, "session1.jsonl", "/repo/project", "sess-abc")

	fp := &fakePipeline{}
	if _, err := historysync.Sync(historysync.CodexProvider{}, mirrorRoot, "repo1", "/repo/project", "", histDir, fp); err != nil {
		t.Fatal(err)
	}

	fp2 := &fakePipeline{}
	summary, err := historysync.Sync(historysync.CodexProvider{}, mirrorRoot, "repo1", "/repo/project", "", histDir, fp2)
	if err != nil {
		t.Fatal(err)
	}
	if summary.FilesSkipped != 1 {
		t.Fatalf("expected the unchanged file to be skipped, got %+v", summary)
	}
	if len(fp2.ingested) != 0 {
		t.Fatalf("expected no re-ingestion on an unchanged file, got %v", fp2.ingested)
	}
}

func TestCodexSyncMarksOutOfScopeCwdWithoutIngesting(t *testing.T) {
	histDir := t.TempDir()
	mirrorRoot := t.TempDir()
	writeCodexSession(t, histDir, "session1.jsonl", "/other/project", "sess-abc")

	fp := &fakePipeline{}
	summary, err := historysync.Sync(historysync.CodexProvider{}, mirrorRoot, "repo1", "/repo/project", "", histDir, fp)
	if err != nil {
		t.Fatal(err)
	}
	if summary.FilesOutOfScope != 1 {
		t.Fatalf("expected the file to be marked out of scope, got %+v", summary)
	}
	if len(fp.ingested) != 0 {
		t.Fatalf("expected no events ingested for an out-of-scope file, got %v", fp.ingested)
	}
}

func TestClaudeProjectSplitsThinkingTextAndToolUse(t *testing.T) {
	rec := historysync.Record{Parsed: map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"role": "assistant",
			"content": []any{
				map[string]any{"type": "thinking", "thinking": "considering options"},
				map[string]any{"type": "text", "text": "done"},
				map[string]any{"type": "tool_use", "name": "edit_file", "input": map[string]any{"path": "a.go"}},
			},
		},
	}}
	out := historysync.ClaudeProvider{}.Project(rec, "sess-1")
	if len(out) != 3 {
		t.Fatalf("expected 3 projected tuples, got %d: %+v", len(out), out)
	}
	if out[0].Payload["item"].(map[string]any)["type"] != "reasoning" {
		t.Errorf("expected first tuple to be reasoning")
	}
	if out[2].Payload["item"].(map[string]any)["type"] != "file_change" {
		t.Errorf("expected third tuple to be file_change")
	}
}

func TestGeminiProjectHandlesFunctionCall(t *testing.T) {
	rec := historysync.Record{Parsed: map[string]any{
		"role": "model",
		"parts": []any{
			map[string]any{"text": "here is the plan"},
			map[string]any{"functionCall": map[string]any{"name": "write_file", "args": map[string]any{"path": "b.go"}}},
		},
	}}
	out := historysync.GeminiProvider{}.Project(rec, "sess-1")
	if len(out) != 2 {
		t.Fatalf("expected 2 projected tuples, got %d", len(out))
	}
	if out[1].Payload["item"].(map[string]any)["tool"] != "write_file" {
		t.Errorf("expected function call projection to carry the tool name")
	}
}
