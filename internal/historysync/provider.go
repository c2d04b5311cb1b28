package historysync

import "github.com/mubit-ai/codaph/internal/event"

// Projected is one tuple a provider projects a transcript record into:
// zero or more per record (a single assistant turn can carry a
// reasoning item, an agent message, and a file change).
type Projected struct {
	EventType string
	Payload   event.Payload
	Ts        string // empty means the pipeline stamps the ingest time; the record's own timestamp is not consulted
}

// ParsedFile is the result of splitting one transcript file into
// records and deriving its session id / working directory.
type ParsedFile struct {
	SessionID string
	Cwd       string
	Records   []Record
}

// Record is one raw transcript record plus its original line text (the
// text ingestRawLine mirrors verbatim).
type Record struct {
	RawLine string
	Parsed  map[string]any
}

// Provider implements one history backfill reader's provider-specific
// logic; Sync (sync.go) supplies the shared cursor/mirror/pipeline
// plumbing common to all three providers.
type Provider interface {
	// Name identifies the provider for cursor-file naming ("codex",
	// "claude", "gemini"); Source returns the event Source tag
	// ("codex_history", "claude_history", "gemini_history").
	Name() string
	Source() event.Source

	// CandidateFiles lists transcript files under historyRoot that
	// might belong to projectPath. historyRoot defaults to the
	// provider's conventional location when empty.
	CandidateFiles(historyRoot string) ([]string, error)

	// Parse splits a file's bytes into records and derives the file's
	// session id / cwd by peeking at them.
	Parse(data []byte) (ParsedFile, error)

	// Project turns one record into zero-or-more captured-event
	// tuples.
	Project(rec Record, sessionID string) []Projected
}
