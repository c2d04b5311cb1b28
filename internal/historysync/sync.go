// Package historysync implements the history backfill readers: Codex,
// Claude, and Gemini transcripts tailed into the ingest pipeline via a
// shared, resumable cursor-file contract.
package historysync

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mubit-ai/codaph/internal/event"
	"github.com/mubit-ai/codaph/internal/pipeline"
)

// Ingester is the subset of *pipeline.Pipeline the shared sync algorithm
// depends on; tests substitute a fake to avoid a real mirror/remote.
type Ingester interface {
	IngestRawLine(sessionID, line string) error
	Ingest(eventType string, payload event.Payload, ctx pipeline.Context) (event.CapturedEvent, error)
	Flush() error
}

// Summary reports the outcome of one provider sync run.
type Summary struct {
	Provider         string
	FilesScanned     int
	FilesSkipped     int
	FilesOutOfScope  int
	RecordsProcessed int
	EventsIngested   int
	Sessions         []string
}

// Sync runs one provider's shared backfill algorithm against
// projectPath, tailing new records since the provider's last persisted
// cursor into pipe.
func Sync(p Provider, mirrorRoot, repoID, projectPath, actorID, historyRoot string, pipe Ingester) (Summary, error) {
	summary := Summary{Provider: p.Name()}
	seenSessions := map[string]bool{}

	files, err := p.CandidateFiles(historyRoot)
	if err != nil {
		return summary, fmt.Errorf("%s: list candidate files: %w", p.Name(), err)
	}

	cursors, err := readCursors(mirrorRoot, repoID, p.Name())
	if err != nil {
		return summary, fmt.Errorf("%s: read cursor file: %w", p.Name(), err)
	}

	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return summary, fmt.Errorf("%s: stat %s: %w", p.Name(), file, err)
		}
		size := info.Size()
		mtime := info.ModTime().UnixNano()

		prior, existed := cursors.Files[file]
		cur := staleOrFresh(prior, size, mtime)
		if existed && prior.Size == size && prior.ModTime == mtime {
			summary.FilesSkipped++
			continue
		}
		summary.FilesScanned++

		if cur.OutOfScope && cur.Size == size && cur.ModTime == mtime {
			continue
		}

		data, err := os.ReadFile(file)
		if err != nil {
			return summary, fmt.Errorf("%s: read %s: %w", p.Name(), file, err)
		}
		parsed, err := p.Parse(data)
		if err != nil {
			return summary, fmt.Errorf("%s: parse %s: %w", p.Name(), file, err)
		}

		if parsed.Cwd != "" && !withinProject(parsed.Cwd, projectPath) {
			cursors.Files[file] = FileCursor{Size: size, ModTime: mtime, OutOfScope: true, Cwd: parsed.Cwd}
			summary.FilesOutOfScope++
			continue
		}

		sessionID := parsed.SessionID
		if sessionID == "" {
			sessionID = cur.SessionID
		}

		isNewFile := cur.LineCount == 0 && !existed
		sequence := cur.Sequence

		if isNewFile && len(parsed.Records) > 0 {
			threadID := sessionID
			ctx := pipeline.Context{
				Source: p.Source(), RepoID: repoID, SessionID: sessionID,
				ThreadID: threadID, Sequence: sequence, ActorID: actorID,
			}
			if _, err := pipe.Ingest("thread.started", event.Payload{"sessionId": sessionID}, ctx); err != nil {
				return summary, fmt.Errorf("%s: emit thread.started: %w", p.Name(), err)
			}
			sequence++
			summary.EventsIngested++
		}

		start := cur.LineCount
		if start > len(parsed.Records) {
			start = 0
		}
		for i := start; i < len(parsed.Records); i++ {
			rec := parsed.Records[i]
			if err := pipe.IngestRawLine(sessionID, rec.RawLine); err != nil {
				return summary, fmt.Errorf("%s: ingest raw line: %w", p.Name(), err)
			}
			summary.RecordsProcessed++

			for _, proj := range p.Project(rec, sessionID) {
				ctx := pipeline.Context{
					Source: p.Source(), RepoID: repoID, SessionID: sessionID,
					ThreadID: sessionID, Sequence: sequence, ActorID: actorID, Ts: proj.Ts,
				}
				if _, err := pipe.Ingest(proj.EventType, proj.Payload, ctx); err != nil {
					return summary, fmt.Errorf("%s: ingest projected event: %w", p.Name(), err)
				}
				sequence++
				summary.EventsIngested++
			}
		}

		cursors.Files[file] = FileCursor{
			Size: size, ModTime: mtime,
			LineCount: len(parsed.Records), Sequence: sequence,
			SessionID: sessionID, Cwd: parsed.Cwd,
		}
		if sessionID != "" {
			seenSessions[sessionID] = true
		}

		if err := pipe.Flush(); err != nil {
			return summary, fmt.Errorf("%s: flush at file boundary: %w", p.Name(), err)
		}
	}

	if err := writeCursors(mirrorRoot, repoID, p.Name(), cursors); err != nil {
		return summary, fmt.Errorf("%s: write cursor file: %w", p.Name(), err)
	}

	for s := range seenSessions {
		summary.Sessions = append(summary.Sessions, s)
	}
	return summary, nil
}

// withinProject reports whether cwd is projectPath or a descendant of
// it, after cleaning both paths.
func withinProject(cwd, projectPath string) bool {
	if projectPath == "" {
		return true
	}
	c := filepath.Clean(cwd)
	p := filepath.Clean(projectPath)
	if c == p {
		return true
	}
	return strings.HasPrefix(c, p+string(filepath.Separator))
}
