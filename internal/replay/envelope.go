package replay

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mubit-ai/codaph/internal/event"
)

// parseTimelineEntry implements a six-step tolerant parsing discipline
// for activity timeline entries of varying shape. It returns ok=false
// for any entry that cannot be recognized as a Codaph activity — the
// caller counts those as skipped.
func parseTimelineEntry(entry map[string]any, liveSource event.Source) (event.CapturedEvent, bool) {
	activity, ok := unwrapActivity(entry)
	if !ok {
		return event.CapturedEvent{}, false
	}

	envelope, ok := findEnvelope(activity)
	if !ok {
		return event.CapturedEvent{}, false
	}

	if !looksLikeCodaphActivity(activity, envelope) {
		return event.CapturedEvent{}, false
	}

	eventRec := resolveEventRecord(envelope)

	return buildEvent(eventRec, envelope, activity, entry, liveSource), true
}

// unwrapActivity implements step 1: the activity may be a direct
// sub-object of entry, or JSON-encoded under entry["payload"].
func unwrapActivity(entry map[string]any) (map[string]any, bool) {
	if a, ok := entry["activity"]; ok {
		if m, ok := asStringMap(a); ok {
			return m, true
		}
	}
	if p, ok := entry["payload"]; ok {
		if m, ok := asStringMap(p); ok {
			if a, ok := m["activity"]; ok {
				if am, ok := asStringMap(a); ok {
					return am, true
				}
			}
			return m, true
		}
	}
	// Some timelines carry the activity fields directly on the entry.
	if _, hasSchema := entry["schema"]; hasSchema {
		return entry, true
	}
	if _, hasType := entry["type"]; hasType {
		return entry, true
	}
	return nil, false
}

// findEnvelope implements step 2: look at activity.payload (itself
// possibly a JSON string), falling back to activity when it already
// carries event fields directly.
func findEnvelope(activity map[string]any) (map[string]any, bool) {
	if p, ok := activity["payload"]; ok {
		if m, ok := asStringMap(p); ok {
			return m, true
		}
	}
	if looksLikeEventFields(activity) {
		return activity, true
	}
	return activity, true // tolerant: still hand back activity, recognition happens next
}

// looksLikeCodaphActivity implements step 3.
func looksLikeCodaphActivity(activity, envelope map[string]any) bool {
	if t, _ := activity["type"].(string); t == "codaph_event" {
		return true
	}
	if t, _ := envelope["type"].(string); t == "codaph_event" {
		return true
	}
	if schema, _ := envelope["schema"].(string); strings.HasPrefix(schema, "codaph_event") {
		return true
	}
	if schema, _ := activity["schema"].(string); strings.HasPrefix(schema, "codaph_event") {
		return true
	}
	return false
}

// resolveEventRecord implements step 4: prefer envelope.event; else, if
// the envelope itself looks like a captured event, use it directly;
// else try parsing envelope.payload as a captured event.
func resolveEventRecord(envelope map[string]any) map[string]any {
	if ev, ok := envelope["event"]; ok {
		if m, ok := asStringMap(ev); ok {
			return m
		}
	}
	if looksLikeEventFields(envelope) {
		return envelope
	}
	if p, ok := envelope["payload"]; ok {
		if m, ok := asStringMap(p); ok && looksLikeEventFields(m) {
			return m
		}
	}
	return envelope
}

func looksLikeEventFields(m map[string]any) bool {
	for _, k := range []string{"eventType", "sessionId", "eventId", "threadId", "prompt"} {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// buildEvent implements steps 5-6: fill fields with defensible
// fallbacks, then overwrite source and normalize reasoningAvailability.
func buildEvent(eventRec, envelope, activity, entry map[string]any, liveSource event.Source) event.CapturedEvent {
	eventType, _ := eventRec["eventType"].(string)
	if eventType == "" {
		eventType, _ = eventRec["type"].(string)
	}
	if eventType == "" {
		eventType = "remote.activity"
	}

	sessionID, _ := eventRec["sessionId"].(string)
	if sessionID == "" {
		sessionID, _ = activity["input_ref"].(string)
	}
	if sessionID == "" {
		sessionID, _ = entry["id"].(string)
	}

	threadID, _ := eventRec["threadId"].(string)
	if threadID == "" {
		threadID = sessionID
	}

	ts, _ := eventRec["ts"].(string)
	if ts == "" {
		ts, _ = activity["created_at"].(string)
	}
	if ts == "" {
		ts, _ = entry["created_at"].(string)
	}
	if ts == "" {
		ts = event.NowUTC()
	}

	eventID, _ := eventRec["eventId"].(string)
	if eventID == "" {
		eventID, _ = activity["output_ref"].(string)
	}
	if eventID == "" {
		eventID = syntheticEventID(sessionID, threadID, eventType, ts)
	}

	var actorID *string
	if a, ok := eventRec["actorId"].(string); ok && a != "" {
		actorID = &a
	}

	payload, _ := eventRec["payload"].(map[string]any)
	if payload == nil {
		payload = event.Payload{}
	}

	var threadPtr *string
	if threadID != "" {
		threadPtr = &threadID
	}

	return event.CapturedEvent{
		EventID:               eventID,
		Source:                liveSource,
		ActorID:               actorID,
		SessionID:             sessionID,
		ThreadID:              threadPtr,
		Ts:                    ts,
		EventType:             eventType,
		Payload:               payload,
		ReasoningAvailability: event.DeriveReasoningAvailability(payload),
	}
}

// syntheticEventID derives a stable id for a replayed entry that carries
// no eventId/output_ref of its own.
func syntheticEventID(sessionID, threadID, eventType, ts string) string {
	joined := strings.Join([]string{sessionID, threadID, eventType, ts}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])[:24]
}
