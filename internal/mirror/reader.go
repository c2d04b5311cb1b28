package mirror

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/mubit-ai/codaph/internal/event"
)

// ReadEventsFromSegments reads each segment under root (relative paths)
// line-by-line and returns all successfully parsed events in
// file-iteration order. Malformed lines are skipped, never fatal.
// Filtering and sorting are the caller's job.
func ReadEventsFromSegments(root string, relPaths []string) ([]event.CapturedEvent, error) {
	var out []event.CapturedEvent
	for _, rel := range relPaths {
		events, err := readSegmentFile(filepath.Join(root, rel))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		out = append(out, events...)
	}
	return out, nil
}

func readSegmentFile(path string) ([]event.CapturedEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []event.CapturedEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e event.CapturedEvent
		if err := json.Unmarshal(line, &e); err != nil {
			continue // malformed line: skipped, not fatal
		}
		out = append(out, e)
	}
	return out, nil
}

// ReadManifest returns the stored manifest for repoID, or an empty
// default if none exists yet.
func ReadManifest(root, repoID string) (*RepoManifest, error) {
	return readManifestFile(manifestPath(root, repoID), repoID)
}

// ReadSparseIndex returns the stored sparse index for repoID, or an
// empty default if none exists yet.
func ReadSparseIndex(root, repoID string) (*SparseIndex, error) {
	return readSparseIndexFile(sparseIndexPath(root, repoID))
}

// ReadEventIDIndex returns the stored event-id index (dedup oracle) for
// repoID, or an empty default if none exists yet.
func ReadEventIDIndex(root, repoID string) (*EventIDIndex, error) {
	return readEventIDIndexFile(eventIDIndexPath(root, repoID), repoID)
}

func readManifestFile(path, repoID string) (*RepoManifest, error) {
	var m RepoManifest
	ok, err := readJSONIfExists(path, &m)
	if err != nil {
		return nil, err
	}
	if !ok || m.Segments == nil {
		return newManifest(repoID), nil
	}
	return &m, nil
}

func readSparseIndexFile(path string) (*SparseIndex, error) {
	var s SparseIndex
	ok, err := readJSONIfExists(path, &s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return newSparseIndex(), nil
	}
	if s.Sessions == nil {
		s.Sessions = map[string]*SparseEntry{}
	}
	if s.Threads == nil {
		s.Threads = map[string]*SparseEntry{}
	}
	if s.Actors == nil {
		s.Actors = map[string]*SparseEntry{}
	}
	return &s, nil
}

func readEventIDIndexFile(path, repoID string) (*EventIDIndex, error) {
	var idx EventIDIndex
	ok, err := readJSONIfExists(path, &idx)
	if err != nil {
		return nil, err
	}
	if !ok || idx.Events == nil {
		return newEventIDIndex(repoID), nil
	}
	return &idx, nil
}

// readJSONIfExists reads and unmarshals path into v, reporting whether
// the file existed. A missing file is not an error; shape mismatches
// (truncated/corrupt JSON) bubble up since callers need to know when
// state cannot be trusted.
func readJSONIfExists(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}
