package historysync

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/mubit-ai/codaph/internal/atomicfile"
)

// FileCursor is the resumption point for one transcript file: if the
// file has grown since lineCount was recorded, only the new records are
// reparsed; if it shrank (truncation/rotation), the cursor resets to
// zero.
type FileCursor struct {
	Size      int64  `json:"size"`
	ModTime   int64  `json:"mtime"`
	LineCount int     `json:"lineCount"`
	Sequence  int64  `json:"sequence"`
	SessionID string `json:"sessionId,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	OutOfScope bool  `json:"outOfScope,omitempty"`
}

// Cursors is the on-disk shape of one provider's sync file: a map from
// absolute transcript path to its FileCursor.
type Cursors struct {
	Files map[string]FileCursor `json:"files"`
}

func cursorPath(mirrorRoot, repoID, provider string) string {
	return filepath.Join(mirrorRoot, "index", repoID, provider+"-history-sync.json")
}

func readCursors(mirrorRoot, repoID, provider string) (Cursors, error) {
	data, err := os.ReadFile(cursorPath(mirrorRoot, repoID, provider))
	if err != nil {
		if os.IsNotExist(err) {
			return Cursors{Files: map[string]FileCursor{}}, nil
		}
		return Cursors{}, err
	}
	var c Cursors
	if err := json.Unmarshal(data, &c); err != nil {
		// A corrupt cursor file is treated as absent: the whole provider
		// reparses from scratch rather than erroring out the sync.
		return Cursors{Files: map[string]FileCursor{}}, nil
	}
	if c.Files == nil {
		c.Files = map[string]FileCursor{}
	}
	return c, nil
}

func writeCursors(mirrorRoot, repoID, provider string, c Cursors) error {
	path := cursorPath(mirrorRoot, repoID, provider)
	if err := atomicfile.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteJSONPretty(path, data)
}

// staleOrFresh returns cur unchanged while it is still valid against a
// file's current size. If the recorded size exceeds the current size, the
// file was truncated or rotated, and it returns a zero cursor so the whole
// file is reparsed.
func staleOrFresh(cur FileCursor, size, mtime int64) FileCursor {
	if cur.Size > size {
		return FileCursor{}
	}
	return cur
}
