package remote

import (
	"github.com/mubit-ai/codaph/internal/event"
)

// Size bounds for activity envelopes, kept small enough that both
// envelope shapes stay appendable even for huge prompts.
const (
	maxActivityStringLen = 4096
	maxActivityItems      = 50
)

// EventActivitySchema/PromptActivitySchema tag the two envelope shapes
// appended to the remote's activity stream.
const (
	EventActivitySchema  = "codaph_event.v2"
	PromptActivitySchema = "codaph_prompt.v1"
)

// BuildEventActivity builds the compact envelope appended to an event's
// main run on every ingest.
func BuildEventActivity(e event.CapturedEvent) map[string]any {
	return map[string]any{
		"schema":     EventActivitySchema,
		"event_id":   e.EventID,
		"event_type": e.EventType,
		"session_id": e.SessionID,
		"thread_id":  derefOrEmpty(e.ThreadID),
		"ts":         e.Ts,
		"payload":    truncatePayload(e.Payload),
	}
}

// BuildPromptActivity builds the additional envelope appended to the
// project-wide prompt stream for prompt.submitted events.
func BuildPromptActivity(e event.CapturedEvent) map[string]any {
	prompt, _ := e.Payload["prompt"].(string)
	return map[string]any{
		"schema":     PromptActivitySchema,
		"event_id":   e.EventID,
		"session_id": e.SessionID,
		"ts":         e.Ts,
		"prompt":     truncateString(prompt),
	}
}

// BuildMinimalEventActivity is the fallback envelope retried once when
// the full envelope fails to append: identifiers only, no payload.
func BuildMinimalEventActivity(e event.CapturedEvent) map[string]any {
	return map[string]any{
		"schema":     EventActivitySchema,
		"event_id":   e.EventID,
		"event_type": e.EventType,
		"session_id": e.SessionID,
		"ts":         e.Ts,
		"payload":    map[string]any{},
	}
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncateString(s string) string {
	if len(s) <= maxActivityStringLen {
		return s
	}
	return s[:maxActivityStringLen] + "...[truncated]"
}

// truncatePayload bounds a payload's size: strings are truncated, and
// maps/slices are capped at maxActivityItems entries.
func truncatePayload(p event.Payload) map[string]any {
	return truncateValue(p, 0).(map[string]any)
}

func truncateValue(v any, depth int) any {
	if depth > 6 {
		return "[too deep]"
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		count := 0
		for k, val := range t {
			if count >= maxActivityItems {
				out["_truncated"] = true
				break
			}
			out[k] = truncateValue(val, depth+1)
			count++
		}
		return out
	case []any:
		limit := len(t)
		truncated := false
		if limit > maxActivityItems {
			limit = maxActivityItems
			truncated = true
		}
		out := make([]any, 0, limit)
		for i := 0; i < limit; i++ {
			out = append(out, truncateValue(t[i], depth+1))
		}
		if truncated {
			out = append(out, "[truncated]")
		}
		return out
	case string:
		return truncateString(t)
	default:
		return v
	}
}
