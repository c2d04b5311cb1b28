// Package replay implements the remote-sync replayer: tolerant parsing
// of the remote memory's activity timeline back into CapturedEvents,
// snapshot fingerprinting, and server-cap detection.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mubit-ai/codaph/internal/event"
	"github.com/mubit-ai/codaph/internal/mirror"
	"github.com/mubit-ai/codaph/internal/remote"
	"github.com/mubit-ai/codaph/internal/state"
)

// Params parameterizes one replay run.
type Params struct {
	RepoID        string
	MirrorRoot    string
	RunID         string
	TimelineLimit int
	Refresh       bool
	TriggerSource string
	// LiveSource is the event.Source stamped on every parsed event,
	// overwriting whatever source the remote envelope carried; defaults
	// to the live-exec source when unset.
	LiveSource event.Source
}

// Summary reports the outcome of one replay run.
type Summary struct {
	RunID                        string
	TimelineEvents               int
	RequestedTimelineLimit       int
	Refresh                      bool
	Imported                     int
	Deduplicated                 int
	Skipped                      int
	Sessions                     []string
	Contributors                 []string
	LastTs                       string
	SnapshotFingerprint          *string
	ConsecutiveSameSnapshotCount int
	NoRemoteChangesDetected      bool
	SuspectedServerCap           bool
	DiagnosticNote               string
}

// Run fetches the remote's activity timeline and replays it into m,
// persisting remote-sync state atomically at the end. On error, only a
// partial state subset is persisted before the error is returned.
func Run(ctx context.Context, engine remote.Engine, m *mirror.Mirror, p Params) (Summary, error) {
	liveSource := p.LiveSource
	if liveSource == "" {
		liveSource = event.SourceLiveExec
	}

	summary := Summary{RunID: p.RunID, RequestedTimelineLimit: p.TimelineLimit, Refresh: p.Refresh}

	raw, err := engine.FetchContextSnapshot(ctx, remote.SnapshotParams{
		RunID: p.RunID, TimelineLimit: p.TimelineLimit, Refresh: p.Refresh,
	})
	if err != nil {
		persistPartial(p, err.Error())
		return summary, fmt.Errorf("fetch context snapshot: %w", err)
	}

	timeline := asEntrySlice(raw["timeline"])
	summary.TimelineEvents = len(timeline)

	sessions := map[string]bool{}
	contributors := map[string]bool{}
	var lastTs string

	for _, entry := range timeline {
		e, ok := parseTimelineEntry(entry, liveSource)
		if !ok {
			summary.Skipped++
			continue
		}
		e.RepoID = p.RepoID // the replay target repo, not whatever (if anything) the remote envelope carried

		res, err := m.AppendEvent(e)
		if err != nil {
			persistPartial(p, err.Error())
			return summary, fmt.Errorf("append replayed event %s: %w", e.EventID, err)
		}
		if res.Deduplicated {
			summary.Deduplicated++
		} else {
			summary.Imported++
		}
		sessions[e.SessionID] = true
		if e.ActorID != nil {
			contributors[*e.ActorID] = true
		}
		if e.Ts > lastTs {
			lastTs = e.Ts
		}
	}
	summary.Sessions = sortedKeys(sessions)
	summary.Contributors = sortedKeys(contributors)
	summary.LastTs = lastTs

	fingerprint := fingerprintTimeline(timeline)
	summary.SnapshotFingerprint = fingerprint

	prior, err := state.ReadRemoteSyncState(p.MirrorRoot, p.RepoID)
	if err != nil {
		persistPartial(p, err.Error())
		return summary, fmt.Errorf("read prior remote sync state: %w", err)
	}

	// A nil fingerprint means an empty timeline; two consecutive empty
	// timelines are themselves "no remote changes detected", so nil on
	// both sides counts as equal rather than falling through to false.
	// With no prior state the prior fingerprint is nil too, so a first
	// run over an empty timeline also reports no remote changes.
	sameAsPrior := (fingerprint == nil) == (prior.LastSnapshotFingerprint == nil) &&
		(fingerprint == nil || *fingerprint == *prior.LastSnapshotFingerprint)
	if sameAsPrior {
		summary.ConsecutiveSameSnapshotCount = prior.ConsecutiveSameSnapshotCount + 1
	} else {
		summary.ConsecutiveSameSnapshotCount = 0
	}
	summary.NoRemoteChangesDetected = sameAsPrior

	if summary.ConsecutiveSameSnapshotCount >= 3 && len(timeline) > 0 && p.TimelineLimit > len(timeline) {
		summary.SuspectedServerCap = true
		summary.DiagnosticNote = fmt.Sprintf(
			"remote snapshot has returned the same %d-entry timeline for %d consecutive runs despite a "+
				"requested limit of %d; the remote appears to cap timeline length and local dedup is expected",
			len(timeline), summary.ConsecutiveSameSnapshotCount, p.TimelineLimit)
	}

	next := state.RemoteSyncState{
		LastRunAt:                    nowRFC3339(),
		LastSuccessAt:                nowRFC3339(),
		LastTriggerSource:            p.TriggerSource,
		RequestedTimelineLimit:       p.TimelineLimit,
		ReceivedTimelineCount:        len(timeline),
		LastImported:                 summary.Imported,
		LastDeduplicated:             summary.Deduplicated,
		LastSkipped:                  summary.Skipped,
		LastMaxTs:                    lastTs,
		LastSnapshotFingerprint:      fingerprint,
		ConsecutiveSameSnapshotCount: summary.ConsecutiveSameSnapshotCount,
		SuspectedServerCap:           summary.SuspectedServerCap,
	}
	if err := state.WriteRemoteSyncState(p.MirrorRoot, p.RepoID, next); err != nil {
		return summary, fmt.Errorf("persist remote sync state: %w", err)
	}

	return summary, nil
}

// persistPartial writes only {lastRunAt, lastTriggerSource,
// requestedTimelineLimit, lastError} on a thrown error. Its own write
// failure is intentionally swallowed — the caller is already returning
// the original error.
func persistPartial(p Params, lastError string) {
	_ = state.WriteRemoteSyncState(p.MirrorRoot, p.RepoID, state.RemoteSyncState{
		LastRunAt:              nowRFC3339(),
		LastTriggerSource:      p.TriggerSource,
		RequestedTimelineLimit: p.TimelineLimit,
		LastError:              lastError,
	})
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func asEntrySlice(v any) []map[string]any {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// asStringMap decodes v as a map[string]any, tolerating a payload that
// arrived as a JSON-encoded string rather than a native object.
func asStringMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(t), &m); err != nil {
			return nil, false
		}
		return m, true
	default:
		return nil, false
	}
}

// fingerprintTimeline computes a cheap, order-sensitive fingerprint:
// SHA-256 over "id|created_at|hash(payload)\n" per entry, truncated to
// 24 hex chars; nil for an empty timeline.
func fingerprintTimeline(timeline []map[string]any) *string {
	if len(timeline) == 0 {
		return nil
	}
	var sb strings.Builder
	for _, entry := range timeline {
		id := stringField(entry, "id")
		createdAt := stringField(entry, "created_at")
		payloadHash := hashValue(entry["payload"])
		sb.WriteString(id)
		sb.WriteByte('|')
		sb.WriteString(createdAt)
		sb.WriteByte('|')
		sb.WriteString(payloadHash)
		sb.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(sb.String()))
	fp := hex.EncodeToString(sum[:])[:24]
	return &fp
}

func hashValue(v any) string {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	default:
		b, _ := json.Marshal(t)
		s = string(b)
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
