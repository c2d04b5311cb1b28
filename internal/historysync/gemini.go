package historysync

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/mubit-ai/codaph/internal/event"
)

// GeminiProvider reads Gemini CLI checkpoint files: each file is a
// single JSON array of turns (not JSONL), under ~/.gemini/tmp/**.
type GeminiProvider struct{}

func (GeminiProvider) Name() string         { return "gemini" }
func (GeminiProvider) Source() event.Source { return event.SourceGeminiHistory }

func (GeminiProvider) CandidateFiles(historyRoot string) ([]string, error) {
	root := historyRoot
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		root = filepath.Join(home, ".gemini", "tmp")
	}
	return globJSON(root)
}

func (GeminiProvider) Parse(data []byte) (ParsedFile, error) {
	var turns []map[string]any
	if err := json.Unmarshal(data, &turns); err != nil {
		return ParsedFile{}, err
	}
	var pf ParsedFile
	for _, turn := range turns {
		raw, err := json.Marshal(turn)
		if err != nil {
			continue
		}
		pf.Records = append(pf.Records, Record{RawLine: string(raw), Parsed: turn})
		if pf.SessionID == "" {
			if id, ok := turn["sessionId"].(string); ok {
				pf.SessionID = id
			}
		}
		if pf.Cwd == "" {
			if cwd, ok := turn["cwd"].(string); ok {
				pf.Cwd = cwd
			}
		}
	}
	return pf, nil
}

func (GeminiProvider) Project(rec Record, sessionID string) []Projected {
	role, _ := rec.Parsed["role"].(string)
	switch role {
	case "user":
		text, _ := rec.Parsed["text"].(string)
		return []Projected{{EventType: "prompt.submitted", Payload: event.Payload{"prompt": text}}}
	case "model":
		var out []Projected
		if parts, ok := rec.Parsed["parts"].([]any); ok {
			for _, p := range parts {
				part, ok := p.(map[string]any)
				if !ok {
					continue
				}
				if text, ok := part["text"].(string); ok && text != "" {
					out = append(out, Projected{EventType: "item.completed", Payload: event.Payload{"item": map[string]any{
						"type": "agent_message", "text": text,
					}}})
				}
				if call, ok := part["functionCall"].(map[string]any); ok {
					out = append(out, Projected{EventType: "item.completed", Payload: event.Payload{"item": map[string]any{
						"type": "file_change", "tool": call["name"], "input": call["args"],
					}}})
				}
			}
		}
		return out
	default:
		return nil
	}
}

// globJSON recursively lists .json files under root.
func globJSON(root string) ([]string, error) {
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".json" {
			out = append(out, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return out, nil
}
