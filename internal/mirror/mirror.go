// Package mirror implements the append-only JSONL event store: per-day
// segment files, manifest/sparse/event-id indexes, dedup, and batched
// index flush. One Mirror instance is the authoritative writer for its
// root directory for as long as it lives; external readers must go
// through ReadEventsFromSegments/ReadManifest/ReadSparseIndex/
// ReadEventIDIndex, which read from disk.
package mirror

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mubit-ai/codaph/internal/atomicfile"
	"github.com/mubit-ai/codaph/internal/event"
)

// IndexWriteMode controls when index files (manifest/sparse/event-ids)
// are flushed to disk.
type IndexWriteMode string

const (
	// ModeImmediate writes all three index files after every append.
	ModeImmediate IndexWriteMode = "immediate"
	// ModeBatch defers index writes until Flush or autoFlushEveryEvents
	// dirty appends accumulate.
	ModeBatch IndexWriteMode = "batch"
)

// batchFlushThresholdBytes is the per-segment buffer size at which a
// batch-mode segment buffer is flushed to disk.
const batchFlushThresholdBytes = 256 * 1024

// Options configures a Mirror.
type Options struct {
	Root                 string
	IndexWriteMode       IndexWriteMode
	AutoFlushEveryEvents int // 0 = never auto-flush within a batch
	Logger               zerolog.Logger
}

// Mirror is the append-only JSONL event store for one process. It owns
// an in-memory per-repo index cache that is authoritative until Flush.
type Mirror struct {
	root                 string
	mode                 IndexWriteMode
	autoFlushEveryEvents int
	log                  zerolog.Logger

	mu       sync.Mutex // guards caches map and dirCache
	caches   map[string]*repoCache
	dirCache map[string]bool
}

// repoCache is the in-memory state for one repoId: the three indexes
// plus any buffered (unflushed) segment bytes.
type repoCache struct {
	mu sync.Mutex // serializes AppendEvent calls for this repo

	manifest     *RepoManifest
	sparse       *SparseIndex
	eventIDIndex *EventIDIndex

	segBuffers      map[string]*bytes.Buffer // relPath -> pending bytes (batch mode)
	dirty           bool
	dirtyEventCount int
}

// New creates a Mirror rooted at opts.Root (DefaultRoot if empty).
func New(opts Options) *Mirror {
	root := opts.Root
	if root == "" {
		root = DefaultRoot
	}
	mode := opts.IndexWriteMode
	if mode == "" {
		mode = ModeImmediate
	}
	return &Mirror{
		root:                 root,
		mode:                 mode,
		autoFlushEveryEvents: opts.AutoFlushEveryEvents,
		log:                  opts.Logger,
		caches:               map[string]*repoCache{},
		dirCache:             map[string]bool{},
	}
}

// Root returns the mirror's root directory.
func (m *Mirror) Root() string { return m.root }

// repoCacheFor returns (loading from disk if necessary) the in-memory
// cache for repoID.
func (m *Mirror) repoCacheFor(repoID string) (*repoCache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rc, ok := m.caches[repoID]; ok {
		return rc, nil
	}

	manifest, err := readManifestFile(manifestPath(m.root, repoID), repoID)
	if err != nil {
		return nil, err
	}
	sparse, err := readSparseIndexFile(sparseIndexPath(m.root, repoID))
	if err != nil {
		return nil, err
	}
	eventIDs, err := readEventIDIndexFile(eventIDIndexPath(m.root, repoID), repoID)
	if err != nil {
		return nil, err
	}

	rc := &repoCache{
		manifest:     manifest,
		sparse:       sparse,
		eventIDIndex: eventIDs,
		segBuffers:   map[string]*bytes.Buffer{},
	}
	m.caches[repoID] = rc
	return rc, nil
}

func (m *Mirror) ensureDir(dir string) error {
	m.mu.Lock()
	done := m.dirCache[dir]
	m.mu.Unlock()
	if done {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	m.mu.Lock()
	m.dirCache[dir] = true
	m.mu.Unlock()
	return nil
}

// AppendEvent appends e to its day segment, updating indexes, and
// returns an AppendResult. A repeated eventId is a no-op append: the
// segment file and indexes are left untouched, and the result carries
// the location of the original append.
func (m *Mirror) AppendEvent(e event.CapturedEvent) (AppendResult, error) {
	rc, err := m.repoCacheFor(e.RepoID)
	if err != nil {
		return AppendResult{}, err
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if loc, exists := rc.eventIDIndex.Events[e.EventID]; exists {
		return AppendResult{
			Segment:      loc.Segment,
			Offset:       0,
			Checksum:     event.Checksum([]byte(e.EventID)),
			Deduplicated: true,
		}, nil
	}

	date, err := event.SegmentDate(e.Ts)
	if err != nil {
		return AppendResult{}, err
	}
	relPath := segmentRelPath(e.RepoID, date)
	absPath := filepath.Join(m.root, relPath)
	if err := m.ensureDir(filepath.Dir(absPath)); err != nil {
		return AppendResult{}, err
	}

	line, err := event.MarshalLine(e)
	if err != nil {
		return AppendResult{}, fmt.Errorf("marshal event %s: %w", e.EventID, err)
	}
	checksum := event.Checksum(line)

	if err := m.writeSegmentLine(rc, relPath, absPath, line); err != nil {
		return AppendResult{}, err
	}

	newCount := m.updateIndexes(rc, e, relPath, date)

	rc.dirty = true
	rc.dirtyEventCount++

	if m.mode == ModeImmediate {
		if err := m.flushIndexesLocked(e.RepoID, rc); err != nil {
			return AppendResult{}, err
		}
	} else if m.autoFlushEveryEvents > 0 && rc.dirtyEventCount >= m.autoFlushEveryEvents {
		if err := m.flushAllLocked(e.RepoID, rc); err != nil {
			return AppendResult{}, err
		}
	}

	return AppendResult{
		Segment:      relPath,
		Offset:       newCount,
		Checksum:     checksum,
		Deduplicated: false,
	}, nil
}

// writeSegmentLine appends one JSON line (with trailing newline) to the
// segment at relPath. In immediate mode it writes directly; in batch
// mode it buffers and flushes to disk once the buffer crosses
// batchFlushThresholdBytes.
func (m *Mirror) writeSegmentLine(rc *repoCache, relPath, absPath string, line []byte) error {
	if m.mode == ModeImmediate {
		return appendToFile(absPath, line)
	}

	buf, ok := rc.segBuffers[relPath]
	if !ok {
		buf = &bytes.Buffer{}
		rc.segBuffers[relPath] = buf
	}
	buf.Write(line)
	buf.WriteByte('\n')

	if buf.Len() >= batchFlushThresholdBytes {
		if err := appendToFile(absPath, buf.Bytes()); err != nil {
			return err
		}
		buf.Reset()
	}
	return nil
}

func appendToFile(absPath string, data []byte) error {
	f, err := os.OpenFile(absPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", absPath, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append segment %s: %w", absPath, err)
	}
	return nil
}

// updateIndexes stretches the segment/session/thread/actor windows to
// include e and cross-links them, returning the segment's new event
// count.
func (m *Mirror) updateIndexes(rc *repoCache, e event.CapturedEvent, relPath, date string) int {
	seg, ok := rc.manifest.Segments[date]
	if !ok {
		seg = SegmentMeta{ID: date, RelativePath: relPath}
	}
	seg.From, seg.To = stretch(seg.From, seg.To, e.Ts)
	seg.EventCount++
	rc.manifest.Segments[date] = seg

	sessEntry := rc.sparse.Sessions[e.SessionID]
	if sessEntry == nil {
		sessEntry = &SparseEntry{}
		rc.sparse.Sessions[e.SessionID] = sessEntry
	}
	sessEntry.From, sessEntry.To = stretch(sessEntry.From, sessEntry.To, e.Ts)
	sessEntry.EventCount++
	sessEntry.Segments = addSegmentIfAbsent(sessEntry.Segments, relPath)

	if e.ThreadID != nil {
		th := rc.sparse.Threads[*e.ThreadID]
		if th == nil {
			th = &SparseEntry{}
			rc.sparse.Threads[*e.ThreadID] = th
		}
		th.From, th.To = stretch(th.From, th.To, e.Ts)
		th.EventCount++
		th.Segments = addSegmentIfAbsent(th.Segments, relPath)
		sessEntry.Threads = addStringIfAbsent(sessEntry.Threads, *e.ThreadID)
	}

	if e.ActorID != nil {
		ac := rc.sparse.Actors[*e.ActorID]
		if ac == nil {
			ac = &SparseEntry{}
			rc.sparse.Actors[*e.ActorID] = ac
		}
		ac.From, ac.To = stretch(ac.From, ac.To, e.Ts)
		ac.EventCount++
		ac.Segments = addSegmentIfAbsent(ac.Segments, relPath)
		ac.Sessions = addStringIfAbsent(ac.Sessions, e.SessionID)
		sessEntry.Actors = addStringIfAbsent(sessEntry.Actors, *e.ActorID)
	}

	rc.eventIDIndex.Events[e.EventID] = EventLocation{
		Segment:   relPath,
		Ts:        e.Ts,
		SessionID: e.SessionID,
		ActorID:   e.ActorID,
	}

	return seg.EventCount
}

// AppendRawLine appends line verbatim to the per-session raw ndjson file
// under runs/<sessionId>/raw-codex.ndjson.
func (m *Mirror) AppendRawLine(sessionID, line string) error {
	fullPath := rawRunPath(m.root, sessionID)
	if err := m.ensureDir(filepath.Dir(fullPath)); err != nil {
		return err
	}
	return appendToFile(fullPath, []byte(line+"\n"))
}

// Flush drains all buffered segment writes and writes every dirty
// per-repo index to disk.
func (m *Mirror) Flush() error {
	m.mu.Lock()
	repoIDs := make([]string, 0, len(m.caches))
	for id := range m.caches {
		repoIDs = append(repoIDs, id)
	}
	m.mu.Unlock()

	for _, repoID := range repoIDs {
		m.mu.Lock()
		rc := m.caches[repoID]
		m.mu.Unlock()

		rc.mu.Lock()
		err := m.flushAllLocked(repoID, rc)
		rc.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// flushAllLocked flushes pending segment buffers and index files for one
// repo. Caller must hold rc.mu.
func (m *Mirror) flushAllLocked(repoID string, rc *repoCache) error {
	for relPath, buf := range rc.segBuffers {
		if buf.Len() == 0 {
			continue
		}
		absPath := filepath.Join(m.root, relPath)
		if err := m.ensureDir(filepath.Dir(absPath)); err != nil {
			return err
		}
		if err := appendToFile(absPath, buf.Bytes()); err != nil {
			return err
		}
		buf.Reset()
	}
	return m.flushIndexesLocked(repoID, rc)
}

// flushIndexesLocked writes the three index files if the cache is dirty.
// Caller must hold rc.mu.
func (m *Mirror) flushIndexesLocked(repoID string, rc *repoCache) error {
	if !rc.dirty {
		return nil
	}
	if err := m.ensureDir(indexDir(m.root, repoID)); err != nil {
		return err
	}
	if err := writeJSONIndex(manifestPath(m.root, repoID), rc.manifest); err != nil {
		return err
	}
	if err := writeJSONIndex(sparseIndexPath(m.root, repoID), rc.sparse); err != nil {
		return err
	}
	if err := writeJSONIndex(eventIDIndexPath(m.root, repoID), rc.eventIDIndex); err != nil {
		return err
	}
	rc.dirty = false
	rc.dirtyEventCount = 0
	return nil
}

func writeJSONIndex(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index %s: %w", path, err)
	}
	return atomicfile.WriteJSONPretty(path, data)
}
