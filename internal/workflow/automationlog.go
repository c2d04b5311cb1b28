package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// automationLogMeta is the optional trailing JSON blob on an automation
// log line, shaped "<iso-ts> <message> <json-meta?>".
type automationLogMeta struct {
	RepoID  string `json:"repoId"`
	Mode    string `json:"mode"`
	Trigger string `json:"trigger"`
	Note    string `json:"note,omitempty"`
}

func automationLogPath(mirrorRoot string) string {
	return filepath.Join(mirrorRoot, "logs", "sync-automation.log")
}

// appendAutomationLog appends one timestamped text line to
// logs/sync-automation.log, creating the parent directory and file as
// needed. This is a plain append, not an atomic-replace: the log is a
// record of history, not a point-in-time snapshot, so a torn last line
// on a crash is an acceptable loss.
func appendAutomationLog(mirrorRoot, repoID, mode, trigger, outcome, note string) error {
	path := automationLogPath(mirrorRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	meta, err := json.Marshal(automationLogMeta{RepoID: repoID, Mode: mode, Trigger: trigger, Note: note})
	if err != nil {
		return fmt.Errorf("marshal automation log metadata: %w", err)
	}
	line := fmt.Sprintf("%s sync %s %s\n", time.Now().UTC().Format(time.RFC3339Nano), outcome, meta)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open automation log: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append automation log: %w", err)
	}
	return nil
}
