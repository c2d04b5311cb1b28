// Package state implements the per-repo JSON state stores: local-push-
// state and remote-sync-state. Both are single JSON files under
// <mirror>/index/<repoId>/, written atomically and read with a
// typed-default fallback for missing or malformed files.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/mubit-ai/codaph/internal/atomicfile"
)

// PendingTrigger records that a hook could not acquire the sync lock and
// wants a later run to pick the sync back up.
type PendingTrigger struct {
	Pending bool   `json:"pending"`
	Source  string `json:"source,omitempty"`
	Ts      string `json:"ts,omitempty"`
}

// ProviderCounts is the per-provider tally recorded after a history-push
// run.
type ProviderCounts struct {
	Imported     int `json:"imported"`
	Skipped      int `json:"skipped"`
	Deduplicated int `json:"deduplicated"`
}

// LocalPushState summarizes the most recent history-backfill run for one
// repo.
type LocalPushState struct {
	LastRunAt          string                    `json:"lastRunAt,omitempty"`
	LastSuccessAt      string                    `json:"lastSuccessAt,omitempty"`
	LastTriggerSource  string                    `json:"lastTriggerSource,omitempty"`
	ProviderCounts     map[string]ProviderCounts `json:"providerCounts,omitempty"`
	LastError          string                    `json:"lastError,omitempty"`
}

// RemoteSyncState tracks the remote-sync replayer's progress for one
// repo.
type RemoteSyncState struct {
	LastRunAt                    string          `json:"lastRunAt,omitempty"`
	LastSuccessAt                string          `json:"lastSuccessAt,omitempty"`
	LastTriggerSource            string          `json:"lastTriggerSource,omitempty"`
	RequestedTimelineLimit       int             `json:"requestedTimelineLimit,omitempty"`
	ReceivedTimelineCount        int             `json:"receivedTimelineCount,omitempty"`
	LastImported                 int             `json:"lastImported,omitempty"`
	LastDeduplicated             int             `json:"lastDeduplicated,omitempty"`
	LastSkipped                  int             `json:"lastSkipped,omitempty"`
	LastMaxTs                    string          `json:"lastMaxTs,omitempty"`
	LastSnapshotFingerprint      *string         `json:"lastSnapshotFingerprint,omitempty"`
	ConsecutiveSameSnapshotCount int             `json:"consecutiveSameSnapshotCount,omitempty"`
	SuspectedServerCap           bool            `json:"suspectedServerCap,omitempty"`
	LastError                    string          `json:"lastError,omitempty"`
	PendingTrigger               PendingTrigger `json:"pendingTrigger,omitempty"`
}

func localPushStatePath(root, repoID string) string {
	return filepath.Join(root, "index", repoID, "local-push-state.json")
}

func legacyLocalPushStatePath(root, repoID string) string {
	return filepath.Join(root, "index", repoID, "codex-local-push-state.json")
}

func remoteSyncStatePath(root, repoID string) string {
	return filepath.Join(root, "index", repoID, "mubit-remote-sync-state.json")
}

// ReadLocalPushState reads the local push state for repoID, falling back
// to the legacy `codex-local-push-state.json` file and projecting it
// into the current shape, and finally to a zero-value default if neither
// exists.
func ReadLocalPushState(root, repoID string) (LocalPushState, error) {
	var st LocalPushState
	ok, err := readJSONIfExists(localPushStatePath(root, repoID), &st)
	if err != nil {
		return LocalPushState{}, err
	}
	if ok {
		if st.ProviderCounts == nil {
			st.ProviderCounts = map[string]ProviderCounts{}
		}
		return st, nil
	}

	var legacy legacyLocalPushState
	ok, err = readJSONIfExists(legacyLocalPushStatePath(root, repoID), &legacy)
	if err != nil {
		return LocalPushState{}, err
	}
	if !ok {
		return LocalPushState{ProviderCounts: map[string]ProviderCounts{}}, nil
	}
	return legacy.toCurrent(), nil
}

// legacyLocalPushState is the older, codex-only on-disk shape: a single
// flat count set instead of a per-provider map.
type legacyLocalPushState struct {
	LastRunAt     string `json:"lastRunAt,omitempty"`
	LastSuccessAt string `json:"lastSuccessAt,omitempty"`
	Imported      int    `json:"imported,omitempty"`
	Skipped       int    `json:"skipped,omitempty"`
	Deduplicated  int    `json:"deduplicated,omitempty"`
	LastError     string `json:"lastError,omitempty"`
}

func (l legacyLocalPushState) toCurrent() LocalPushState {
	return LocalPushState{
		LastRunAt:     l.LastRunAt,
		LastSuccessAt: l.LastSuccessAt,
		LastError:     l.LastError,
		ProviderCounts: map[string]ProviderCounts{
			"codex_history": {Imported: l.Imported, Skipped: l.Skipped, Deduplicated: l.Deduplicated},
		},
	}
}

// WriteLocalPushState atomically replaces the local push state file.
func WriteLocalPushState(root, repoID string, st LocalPushState) error {
	return writeJSON(localPushStatePath(root, repoID), st)
}

// ReadRemoteSyncState reads the remote sync state for repoID, returning a
// zero-value default if the file is missing or malformed.
func ReadRemoteSyncState(root, repoID string) (RemoteSyncState, error) {
	var st RemoteSyncState
	if _, err := readJSONIfExists(remoteSyncStatePath(root, repoID), &st); err != nil {
		return RemoteSyncState{}, err
	}
	return st, nil
}

// WriteRemoteSyncState atomically replaces the remote sync state file.
func WriteRemoteSyncState(root, repoID string, st RemoteSyncState) error {
	return writeJSON(remoteSyncStatePath(root, repoID), st)
}

func readJSONIfExists(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		// A shape mismatch is treated the same as a missing file: the
		// caller gets its typed default.
		return false, nil
	}
	return true, nil
}

func writeJSON(path string, v any) error {
	if err := atomicfile.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteJSONPretty(path, data)
}
