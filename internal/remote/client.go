// Client is an HTTP implementation of Engine/BatchEngine: a
// BaseURL-prefixed wrapper over *http.Client. The remote memory
// contract's payload keys are snake_case JSON, sent as request bodies
// rather than as an RPC.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mubit-ai/codaph/internal/event"
)

// laneHDQL is the preferred semantic-query lane; laneSemanticSearch is
// the fallback used when the remote reports the HDQL lane unsupported.
const (
	laneHDQL           = "hdql"
	laneSemanticSearch = "semantic_search"
)

// Client talks to the remote memory service over HTTP.
type Client struct {
	// BaseURL is prepended to every request path. Must not have a
	// trailing slash.
	BaseURL string
	// HTTP is the underlying client; http.DefaultClient is used if nil.
	HTTP *http.Client
	// RunIDPrefix namespaces run ids derived by RunID/PromptStreamRunID.
	RunIDPrefix string
	// Scope selects per-session vs. per-project run grouping.
	Scope RunScope
	Log   zerolog.Logger
}

// NewClient constructs a Client for baseURL.
func NewClient(baseURL, runIDPrefix string, scope RunScope, log zerolog.Logger) *Client {
	return &Client{BaseURL: baseURL, RunIDPrefix: runIDPrefix, Scope: scope, Log: log}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) postJSON(ctx context.Context, path string, body any) (map[string]any, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body for %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body for %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return nil, &apiError{Path: path, StatusCode: resp.StatusCode, Body: string(data)}
	}

	var out map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode response body for %s: %w", path, err)
		}
	}
	return out, nil
}

// apiError captures a non-2xx remote response; the HDQL-lane fallback
// check and general error accounting both branch on it.
type apiError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("remote %s: HTTP %d: %s", e.Path, e.StatusCode, e.Body)
}

// isUnsupportedLane reports whether err looks like the remote rejecting
// the HDQL lane as unsupported/invalid — the trigger for falling back
// to the semantic-search lane.
func isUnsupportedLane(err error) bool {
	var ae *apiError
	if !asAPIError(err, &ae) {
		return false
	}
	return ae.StatusCode == http.StatusNotImplemented || ae.StatusCode == http.StatusBadRequest
}

func asAPIError(err error, target **apiError) bool {
	ae, ok := err.(*apiError)
	if !ok {
		return false
	}
	*target = ae
	return true
}

// WriteEvent ingests one event and appends its activity record(s).
func (c *Client) WriteEvent(ctx context.Context, e event.CapturedEvent) (WriteResult, error) {
	runID := RunID(c.RunIDPrefix, c.Scope, e)
	body := map[string]any{
		"run_id":           runID,
		"agent_id":         derefOrEmpty(e.ActorID),
		"item_id":          e.EventID,
		"payload_json":     e.Payload,
		"idempotency_key":  uuid.NewString(),
	}
	raw, err := c.postJSON(ctx, "/v1/events", body)
	if err != nil {
		return WriteResult{}, err
	}
	c.appendActivity(ctx, e, runID)
	return parseWriteResult(raw), nil
}

// WriteEventsBatch coalesces several events into one remote call.
// idempotency_key is only present on single-event writes — batched
// requests are de-duplicated by eventId instead.
func (c *Client) WriteEventsBatch(ctx context.Context, events []event.CapturedEvent) (BatchWriteResult, error) {
	if len(events) == 0 {
		return BatchWriteResult{}, nil
	}
	runID := RunID(c.RunIDPrefix, c.Scope, events[0])
	items := make([]map[string]any, 0, len(events))
	for _, e := range events {
		items = append(items, map[string]any{
			"item_id":      e.EventID,
			"agent_id":     derefOrEmpty(e.ActorID),
			"payload_json": e.Payload,
		})
	}
	body := map[string]any{"run_id": runID, "items": items}
	raw, err := c.postJSON(ctx, "/v1/events/batch", body)
	if err != nil {
		return BatchWriteResult{}, err
	}
	for _, e := range events {
		c.appendActivity(ctx, e, runID)
	}
	results := make([]WriteResult, len(events))
	for i := range results {
		results[i] = WriteResult{Accepted: true}
	}
	return BatchWriteResult{Results: results, Raw: raw}, nil
}

// appendActivity appends the main activity record and, for
// prompt.submitted events, the specialty prompt-stream record. Failures
// retry once with a minimal envelope and are otherwise logged at debug
// and swallowed — activity logging is best-effort and must never fail
// the ingest call that triggered it.
func (c *Client) appendActivity(ctx context.Context, e event.CapturedEvent, runID string) {
	c.appendActivityWithFallback(ctx, runID, BuildEventActivity(e), BuildMinimalEventActivity(e))

	if e.EventType == "prompt.submitted" {
		promptRunID := PromptStreamRunID(c.RunIDPrefix, e.RepoID)
		minimal := map[string]any{"schema": PromptActivitySchema, "event_id": e.EventID, "session_id": e.SessionID, "ts": e.Ts, "prompt": ""}
		c.appendActivityWithFallback(ctx, promptRunID, BuildPromptActivity(e), minimal)
	}
}

func (c *Client) appendActivityWithFallback(ctx context.Context, runID string, full, minimal map[string]any) {
	body := map[string]any{"run_id": runID, "activity": full}
	if _, err := c.postJSON(ctx, "/v1/activity", body); err == nil {
		return
	}
	fallbackBody := map[string]any{"run_id": runID, "activity": minimal}
	if _, err := c.postJSON(ctx, "/v1/activity", fallbackBody); err != nil {
		c.Log.Debug().Err(err).Str("runId", runID).Msg("activity append failed after fallback retry")
	}
}

// WriteRunState sets a named key on the run.
func (c *Client) WriteRunState(ctx context.Context, runID, key string, value any) error {
	body := map[string]any{"run_id": runID, "key": key, "value": value}
	_, err := c.postJSON(ctx, "/v1/run_state", body)
	return err
}

// QuerySemanticContext queries the remote, preferring the HDQL lane and
// retrying once on the semantic-search lane if the remote reports HDQL
// unsupported.
func (c *Client) QuerySemanticContext(ctx context.Context, p QueryParams) (map[string]any, error) {
	lane := laneSemanticSearch
	if !p.DirectLane {
		lane = laneHDQL
	}
	body := map[string]any{
		"run_id":             p.RunID,
		"query":              p.Query,
		"limit":              p.Limit,
		"mode":               p.Mode,
		"direct_lane":        lane,
		"include_linked_runs": p.IncludeLinkedRuns,
	}
	out, err := c.postJSON(ctx, "/v1/semantic_query", body)
	if err == nil || lane != laneHDQL || !isUnsupportedLane(err) {
		if out != nil {
			out["lane"] = lane
		}
		return out, err
	}

	body["direct_lane"] = laneSemanticSearch
	out, err = c.postJSON(ctx, "/v1/semantic_query", body)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	out["lane"] = laneSemanticSearch
	out["fallback"] = true
	return out, nil
}

// FetchContextSnapshot fetches a (possibly refreshed) activity timeline.
func (c *Client) FetchContextSnapshot(ctx context.Context, p SnapshotParams) (map[string]any, error) {
	body := map[string]any{
		"run_id":         p.RunID,
		"timeline_limit": p.TimelineLimit,
		"refresh":        p.Refresh,
	}
	return c.postJSON(ctx, "/v1/snapshot", body)
}

func parseWriteResult(raw map[string]any) WriteResult {
	wr := WriteResult{Accepted: true, Raw: raw}
	if raw == nil {
		return wr
	}
	if v, ok := raw["deduplicated"].(bool); ok {
		wr.Deduplicated = v
	}
	if v, ok := raw["job_id"].(string); ok {
		wr.JobID = v
	}
	return wr
}
