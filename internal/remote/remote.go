// Package remote implements the adapter to the remote semantic-memory
// service: per-event/batch ingest, activity stream appends, run-state
// variables, semantic query, and snapshot fetch. The remote service
// itself lives elsewhere — this package only implements the client
// side of the contract.
package remote

import (
	"context"

	"github.com/mubit-ai/codaph/internal/event"
)

// WriteResult is the remote's response to a single-event ingest.
type WriteResult struct {
	Accepted     bool
	Deduplicated bool
	JobID        string
	Raw          map[string]any
}

// BatchWriteResult is the remote's response to a batch ingest.
type BatchWriteResult struct {
	Results []WriteResult
	Raw     map[string]any
}

// QueryParams parameterizes QuerySemanticContext.
type QueryParams struct {
	RunID             string
	Query             string
	Limit             int
	Mode              string
	DirectLane        bool
	IncludeLinkedRuns bool
}

// SnapshotParams parameterizes FetchContextSnapshot.
type SnapshotParams struct {
	RunID         string
	TimelineLimit int
	Refresh       bool
}

// Engine is the capability interface the ingest pipeline and the
// workflow orchestrator depend on. Batch support is modeled as a
// separate, explicitly-detected interface (BatchEngine) rather than
// dynamic method probing, so an engine opts in by satisfying a wider
// interface instead of the caller guessing at runtime.
type Engine interface {
	WriteEvent(ctx context.Context, e event.CapturedEvent) (WriteResult, error)
	WriteRunState(ctx context.Context, runID, key string, value any) error
	QuerySemanticContext(ctx context.Context, p QueryParams) (map[string]any, error)
	FetchContextSnapshot(ctx context.Context, p SnapshotParams) (map[string]any, error)
}

// BatchEngine is implemented by engines that can coalesce several events
// into one remote call.
type BatchEngine interface {
	Engine
	WriteEventsBatch(ctx context.Context, events []event.CapturedEvent) (BatchWriteResult, error)
}
