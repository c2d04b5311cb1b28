package historysync

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/mubit-ai/codaph/internal/event"
)

// CodexProvider reads Codex CLI session transcripts: JSONL files under
// ~/.codex/sessions/**, one `session_meta` line followed by
// `response_item` lines.
type CodexProvider struct{}

func (CodexProvider) Name() string          { return "codex" }
func (CodexProvider) Source() event.Source  { return event.SourceCodexHistory }

func (CodexProvider) CandidateFiles(historyRoot string) ([]string, error) {
	root := historyRoot
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		root = filepath.Join(home, ".codex", "sessions")
	}
	return globJSONL(root)
}

func (CodexProvider) Parse(data []byte) (ParsedFile, error) {
	var pf ParsedFile
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue // tolerate a corrupt line rather than aborting the file
		}
		pf.Records = append(pf.Records, Record{RawLine: line, Parsed: rec})

		if pf.SessionID == "" || pf.Cwd == "" {
			if rec["type"] == "session_meta" {
				if payload, ok := rec["payload"].(map[string]any); ok {
					if id, ok := payload["id"].(string); ok && pf.SessionID == "" {
						pf.SessionID = id
					}
					if cwd, ok := payload["cwd"].(string); ok && pf.Cwd == "" {
						pf.Cwd = cwd
					}
				}
			}
		}
	}
	return pf, scanner.Err()
}

func (CodexProvider) Project(rec Record, sessionID string) []Projected {
	if rec.Parsed["type"] != "response_item" {
		return nil
	}
	payload, ok := rec.Parsed["payload"].(map[string]any)
	if !ok {
		return nil
	}
	role, _ := payload["role"].(string)
	itemType, _ := payload["type"].(string)

	switch {
	case itemType == "message" && role == "user":
		return []Projected{{EventType: "prompt.submitted", Payload: event.Payload{"prompt": extractText(payload)}}}
	case itemType == "message" && role == "assistant":
		return []Projected{{EventType: "item.completed", Payload: event.Payload{"item": map[string]any{
			"type": "agent_message", "text": extractText(payload),
		}}}}
	case itemType == "reasoning":
		return []Projected{{EventType: "item.completed", Payload: event.Payload{"item": map[string]any{
			"type": "reasoning", "text": extractText(payload),
		}}}}
	case itemType == "file_change":
		return []Projected{{EventType: "item.completed", Payload: event.Payload{"item": map[string]any{
			"type": "file_change", "changes": payload["changes"],
		}}}}
	default:
		return nil
	}
}

// extractText pulls the first text segment out of a Codex-style content
// array (`[{"type":"input_text","text":"..."}]` or similar).
func extractText(payload map[string]any) string {
	content, ok := payload["content"].([]any)
	if !ok {
		if s, ok := payload["text"].(string); ok {
			return s
		}
		return ""
	}
	for _, c := range content {
		m, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := m["text"].(string); ok {
			return text
		}
	}
	return ""
}

// globJSONL recursively lists .jsonl files under root.
func globJSONL(root string) ([]string, error) {
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".jsonl" {
			out = append(out, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return out, nil
}
