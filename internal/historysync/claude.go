package historysync

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/mubit-ai/codaph/internal/event"
)

// ClaudeProvider reads Claude Code session transcripts: JSONL files
// under ~/.claude/projects/**, one line per turn, each carrying its own
// `cwd`/`sessionId`.
type ClaudeProvider struct{}

func (ClaudeProvider) Name() string         { return "claude" }
func (ClaudeProvider) Source() event.Source { return event.SourceClaudeHistory }

func (ClaudeProvider) CandidateFiles(historyRoot string) ([]string, error) {
	root := historyRoot
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		root = filepath.Join(home, ".claude", "projects")
	}
	return globJSONL(root)
}

func (ClaudeProvider) Parse(data []byte) (ParsedFile, error) {
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
			continue
		}
		pf.Records = append(pf.Records, Record{RawLine: line, Parsed: rec})

		if pf.SessionID == "" {
			if id, ok := rec["sessionId"].(string); ok {
				pf.SessionID = id
			}
		}
		if pf.Cwd == "" {
			if cwd, ok := rec["cwd"].(string); ok {
				pf.Cwd = cwd
			}
		}
	}
	return pf, scanner.Err()
}

func (ClaudeProvider) Project(rec Record, sessionID string) []Projected {
	recType, _ := rec.Parsed["type"].(string)
	msg, ok := rec.Parsed["message"].(map[string]any)
	if !ok {
		return nil
	}
	role, _ := msg["role"].(string)

	switch {
	case recType == "user" && role == "user":
		return []Projected{{EventType: "prompt.submitted", Payload: event.Payload{"prompt": claudeContentText(msg["content"])}}}
	case recType == "assistant" && role == "assistant":
		return claudeAssistantTurn(msg)
	default:
		return nil
	}
}

func claudeAssistantTurn(msg map[string]any) []Projected {
	content, ok := msg["content"].([]any)
	if !ok {
		return nil
	}
	var out []Projected
	for _, c := range content {
		block, ok := c.(map[string]any)
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			text, _ := block["text"].(string)
			out = append(out, Projected{EventType: "item.completed", Payload: event.Payload{"item": map[string]any{
				"type": "agent_message", "text": text,
			}}})
		case "thinking":
			text, _ := block["thinking"].(string)
			out = append(out, Projected{EventType: "item.completed", Payload: event.Payload{"item": map[string]any{
				"type": "reasoning", "text": text,
			}}})
		case "tool_use":
			out = append(out, Projected{EventType: "item.completed", Payload: event.Payload{"item": map[string]any{
				"type": "file_change", "tool": block["name"], "input": block["input"],
			}}})
		}
	}
	return out
}

func claudeContentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		for _, c := range v {
			if m, ok := c.(map[string]any); ok {
				if m["type"] == "text" {
					if s, ok := m["text"].(string); ok {
						return s
					}
				}
			}
		}
	}
	return ""
}
