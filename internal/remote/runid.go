package remote

import (
	"fmt"

	"github.com/mubit-ai/codaph/internal/event"
)

// RunScope selects how events are grouped into remote "runs".
type RunScope string

const (
	// RunScopeSession groups events per agent session.
	RunScopeSession RunScope = "session"
	// RunScopeProject groups events per repo.
	RunScopeProject RunScope = "project"
)

// Specialty run-id namespaces, derived from the same prefix as the main
// run but reserved for cross-session streams.
const (
	promptStreamNamespace  = "prompts"
	sessionSummaryNamespace = "summaries"
)

// RunID derives the run id an event belongs to under the configured
// scope: "<prefix>:<repoId>:<sessionId>" for per-session scope, or
// "<prefix>:<repoId>" for per-project scope.
func RunID(prefix string, scope RunScope, e event.CapturedEvent) string {
	if scope == RunScopeSession {
		return fmt.Sprintf("%s:%s:%s", prefix, e.RepoID, e.SessionID)
	}
	return fmt.Sprintf("%s:%s", prefix, e.RepoID)
}

// PromptStreamRunID is the project-wide run a prompt.submitted event's
// activity record is additionally appended to.
func PromptStreamRunID(prefix, repoID string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, promptStreamNamespace, repoID)
}

// SessionSummaryRunID is the project-wide run session-summary activity
// records are appended to.
func SessionSummaryRunID(prefix, repoID string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, sessionSummaryNamespace, repoID)
}
