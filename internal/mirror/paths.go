package mirror

import (
	"fmt"
	"path/filepath"
)

// DefaultRoot is the mirror root used when the caller does not configure
// one explicitly.
const DefaultRoot = ".codaph"

// segmentID returns the YYYYMMDD calendar key used both as the segment's
// id and as the stable part of its filename.
func segmentID(date string) string {
	return date
}

// segmentRelPath returns the path to a segment file relative to root:
// events/<repoId>/<YYYY>/<MM>/<DD>/segment-<YYYYMMDD>.jsonl
func segmentRelPath(repoID, date string) string {
	year, month, day := date[0:4], date[4:6], date[6:8]
	return filepath.Join("events", repoID, year, month, day, fmt.Sprintf("segment-%s.jsonl", date))
}

func indexDir(root, repoID string) string {
	return filepath.Join(root, "index", repoID)
}

func manifestPath(root, repoID string) string {
	return filepath.Join(indexDir(root, repoID), "manifest.json")
}

func sparseIndexPath(root, repoID string) string {
	return filepath.Join(indexDir(root, repoID), "sparse-index.json")
}

func eventIDIndexPath(root, repoID string) string {
	return filepath.Join(indexDir(root, repoID), "event-ids.json")
}

func rawRunPath(root, sessionID string) string {
	return filepath.Join(root, "runs", sessionID, "raw-codex.ndjson")
}
