// Package event defines the captured-event envelope that every other
// package in codaph reads, writes, or replays: the canonical record of one
// observed moment in an AI coding-agent session.
package event

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Source tags where a captured event originated.
type Source string

const (
	SourceLiveSDK       Source = "codex_sdk"
	SourceLiveExec      Source = "codex_exec"
	SourceCodexHistory  Source = "codex_history"
	SourceClaudeHistory Source = "claude_history"
	SourceGeminiHistory Source = "gemini_history"
)

// ReasoningAvailability describes how much of a reasoning item's text the
// envelope carries.
type ReasoningAvailability string

const (
	ReasoningFull        ReasoningAvailability = "full"
	ReasoningPartial     ReasoningAvailability = "partial"
	ReasoningUnavailable ReasoningAvailability = "unavailable"
)

// Payload is a free-form structured value: a JSON object decoded into a
// map, array, string, number, bool, or nil. Redaction and reasoning
// derivation both walk it uniformly rather than switching on a per-event
// struct type.
type Payload = map[string]any

// CapturedEvent is the canonical envelope for one observed moment in a
// session. Field order and JSON tags match the on-disk/wire shape
// exactly — segment files are this struct, one per line.
type CapturedEvent struct {
	EventID               string                `json:"eventId"`
	Source                Source                `json:"source"`
	RepoID                string                `json:"repoId"`
	ActorID               *string               `json:"actorId,omitempty"`
	SessionID             string                `json:"sessionId"`
	ThreadID              *string               `json:"threadId,omitempty"`
	Ts                    string                `json:"ts"`
	EventType             string                `json:"eventType"`
	Payload               Payload               `json:"payload,omitempty"`
	ReasoningAvailability ReasoningAvailability `json:"reasoningAvailability"`
}

// Context carries the fields a caller supplies to construct an envelope;
// everything else (EventID unless supplied, ReasoningAvailability) is
// derived.
type Context struct {
	Source    Source
	RepoID    string
	SessionID string
	ThreadID  string // empty means no thread
	Sequence  int64
	ActorID   string // empty means no actor
	EventID   string // empty means derive from the other fields
	Ts        string // empty means now, UTC, ISO-8601
}

// Build constructs a CapturedEvent from a context, event type, and
// payload, deriving EventID, Ts, and ReasoningAvailability as needed.
// Empty ActorID/EventID strings are normalized to nil/derived.
func Build(ctx Context, eventType string, payload Payload) CapturedEvent {
	ts := ctx.Ts
	if ts == "" {
		ts = NowUTC()
	}

	id := ctx.EventID
	if id == "" {
		id = EventID(ctx.Source, ctx.ThreadID, ctx.Sequence, eventType, ts)
	}

	var actorID *string
	if ctx.ActorID != "" {
		a := ctx.ActorID
		actorID = &a
	}

	var threadID *string
	if ctx.ThreadID != "" {
		th := ctx.ThreadID
		threadID = &th
	}

	return CapturedEvent{
		EventID:               id,
		Source:                ctx.Source,
		RepoID:                ctx.RepoID,
		ActorID:               actorID,
		SessionID:             ctx.SessionID,
		ThreadID:              threadID,
		Ts:                    ts,
		EventType:             eventType,
		Payload:               payload,
		ReasoningAvailability: DeriveReasoningAvailability(payload),
	}
}

// NowUTC returns the current time as an ISO-8601 UTC timestamp, matching
// the format segment comparisons rely on being lexicographically ordered.
func NowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// EventID derives a deterministic 24-hex-char event id: the first 24
// hex characters of SHA-256 over
// "source|threadId-or-no-thread|sequence|eventType|ts".
func EventID(source Source, threadID string, sequence int64, eventType, ts string) string {
	thread := threadID
	if thread == "" {
		thread = "no-thread"
	}
	joined := strings.Join([]string{
		string(source), thread, fmt.Sprintf("%d", sequence), eventType, ts,
	}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])[:24]
}

// RepoID derives the 12-hex-char repo id: the first 12 hex characters of
// SHA-1 over the absolute project path.
func RepoID(absPath string) string {
	sum := sha1.Sum([]byte(absPath)) //nolint:gosec — identifier hash, not a security boundary
	return hex.EncodeToString(sum[:])[:12]
}

// DeriveReasoningAvailability reports "full" if payload.item is
// reasoning with non-empty text, "partial" if reasoning-typed with no
// text, else "unavailable". It is a pure function of payload so callers
// can test it without constructing a full event.
func DeriveReasoningAvailability(payload Payload) ReasoningAvailability {
	if payload == nil {
		return ReasoningUnavailable
	}
	item, ok := payload["item"].(map[string]any)
	if !ok {
		return ReasoningUnavailable
	}
	itemType, _ := item["type"].(string)
	if itemType != "reasoning" {
		return ReasoningUnavailable
	}
	text, _ := item["text"].(string)
	if strings.TrimSpace(text) != "" {
		return ReasoningFull
	}
	return ReasoningPartial
}

// Checksum returns a stable hash of the JSON-encoded event line, used by
// the mirror to report a checksum for appended (and deduplicated) events
// without re-reading the segment file.
func Checksum(line []byte) string {
	sum := sha256.Sum256(line)
	return hex.EncodeToString(sum[:])[:16]
}

// MarshalLine encodes an event as a single JSON line with no trailing
// newline — callers append "\n" when writing to a segment.
func MarshalLine(e CapturedEvent) ([]byte, error) {
	return json.Marshal(e)
}

// SegmentDate returns the YYYYMMDD calendar key (UTC) for an event's
// timestamp, used to name per-day segment files.
func SegmentDate(ts string) (string, error) {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		t, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return "", fmt.Errorf("parse event timestamp %q: %w", ts, err)
		}
	}
	return t.UTC().Format("20060102"), nil
}
