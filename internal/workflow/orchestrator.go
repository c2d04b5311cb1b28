// Package workflow implements the sync orchestrator: a per-repo-locked
// push/pull/all sequencer with cooldown-gated pulls, a pending-trigger
// fallback for hook-driven runs that lose the lock race, and idempotent
// git-hook installation.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matgreaves/run"
	"github.com/rs/zerolog"

	"github.com/mubit-ai/codaph/internal/event"
	"github.com/mubit-ai/codaph/internal/historysync"
	"github.com/mubit-ai/codaph/internal/mirror"
	"github.com/mubit-ai/codaph/internal/pipeline"
	"github.com/mubit-ai/codaph/internal/redact"
	"github.com/mubit-ai/codaph/internal/remote"
	"github.com/mubit-ai/codaph/internal/replay"
	"github.com/mubit-ai/codaph/internal/state"
)

// Mode selects which phases a run executes.
type Mode string

const (
	ModeAll  Mode = "all"
	ModePush Mode = "push"
	ModePull Mode = "pull"
)

// TriggerSource distinguishes why a run started.
type TriggerSource string

const (
	TriggerManual            TriggerSource = "manual"
	TriggerTUISync           TriggerSource = "tui_sync"
	TriggerTUIStartup        TriggerSource = "tui_startup"
	TriggerHookAgentComplete TriggerSource = "hook_agent_complete"
	TriggerHookPostPush      TriggerSource = "hook_post_push"
)

func (t TriggerSource) isHook() bool {
	return t == TriggerHookAgentComplete || t == TriggerHookPostPush
}

// isCooldownSensitive reports whether t is one of the trigger sources
// subject to the pull cooldown window.
func (t TriggerSource) isCooldownSensitive() bool {
	return t.isHook() || t == TriggerTUIStartup
}

// isUserDrivenSync reports whether t is a trigger the autoPullOnSync
// flag gates.
func (t TriggerSource) isUserDrivenSync() bool {
	return t == TriggerTUISync || t == TriggerManual || t == TriggerHookAgentComplete ||
		t == TriggerHookPostPush || t == TriggerTUIStartup
}

// PushKind selects the push phase's strategy.
type PushKind string

const (
	PushKindQueue   PushKind = "queue"
	PushKindHistory PushKind = "history"
)

const (
	defaultUserLockDeadline = 30 * time.Second
	hookLockDeadline        = 0 * time.Second
	defaultCooldown         = 45 * time.Second
)

// Dependencies are the shared, long-lived collaborators a Run call uses.
// One Dependencies value typically lives for the process's lifetime.
type Dependencies struct {
	Mirror      *mirror.Mirror
	MirrorRoot  string
	RepoID      string
	ProjectPath string
	Remote      remote.Engine
	Redactor    redact.Redactor
	RunIDPrefix string

	Providers    []historysync.Provider
	HistoryRoots map[string]string // provider name -> root override

	ActorID string
	Log     zerolog.Logger

	AutomationEnabled bool
	AutoPullOnSync    bool
	CooldownSeconds   int // 0 means defaultCooldown
}

// RunOptions parameterizes one orchestrator run.
type RunOptions struct {
	Mode          Mode
	TriggerSource TriggerSource
	PushKind      PushKind
	// LockDeadline overrides the trigger-based default (30s user-driven,
	// 0 hook-driven) when non-zero.
	LockDeadline time.Duration
}

// PushSummary reports the push phase's outcome.
type PushSummary struct {
	Kind              string
	Note              string
	ProviderSummaries map[string]historysync.Summary
}

// Summary reports one orchestrator run's outcome.
type Summary struct {
	Mode       string
	Skipped    bool
	SkipReason string
	Push       *PushSummary
	Pull       *replay.Summary
}

// Run executes one sync: acquire the per-repo lock, run the requested
// push/pull phases in order, then record the outcome to the automation
// log before releasing the lock.
func Run(deps Dependencies, opts RunOptions) (Summary, error) {
	summary := Summary{Mode: string(opts.Mode)}

	deadline := opts.LockDeadline
	if deadline == 0 {
		if opts.TriggerSource.isHook() {
			deadline = hookLockDeadline
		} else {
			deadline = defaultUserLockDeadline
		}
	}

	token, release, err := acquireLock(deps.MirrorRoot, deadline, map[string]any{
		"trigger": string(opts.TriggerSource), "mode": string(opts.Mode),
	})
	if err != nil {
		if errors.Is(err, ErrLockHeld) && opts.TriggerSource.isHook() {
			return skipForPendingTrigger(deps, opts)
		}
		return summary, fmt.Errorf("acquire sync lock: %w", err)
	}
	_ = token
	defer release()

	phases := run.Sequence{}
	var pushErr, pullErr error

	if opts.Mode == ModeAll || opts.Mode == ModePush {
		phases = append(phases, run.Func(func(context.Context) error {
			ps, err := runPush(deps, opts)
			if err != nil {
				pushErr = err
				return err
			}
			summary.Push = &ps
			return nil
		}))
	}

	if opts.Mode == ModeAll || opts.Mode == ModePull {
		phases = append(phases, run.Func(func(ctx context.Context) error {
			if deps.Remote == nil {
				summary.SkipReason = "no remote memory configured"
				return nil
			}
			if skip, reason := gatePull(deps, opts.TriggerSource); skip {
				summary.SkipReason = reason
				return nil
			}
			pullSummary, err := replay.Run(ctx, deps.Remote, deps.Mirror, replay.Params{
				RepoID:        deps.RepoID,
				MirrorRoot:    deps.MirrorRoot,
				RunID:         remote.RunID(deps.RunIDPrefix, remote.RunScopeProject, event.CapturedEvent{RepoID: deps.RepoID}),
				TimelineLimit: defaultTimelineLimit,
				TriggerSource: string(opts.TriggerSource),
			})
			if err != nil {
				pullErr = err
				return err
			}
			summary.Pull = &pullSummary
			return nil
		}))
	}

	runErr := phases.Run(context.Background())

	outcome := "ok"
	note := ""
	if runErr != nil {
		outcome = "error"
		if pushErr != nil {
			note = pushErr.Error()
		} else if pullErr != nil {
			note = pullErr.Error()
		} else {
			note = runErr.Error()
		}
	} else if summary.SkipReason != "" {
		outcome = "skipped"
		note = summary.SkipReason
	}
	_ = appendAutomationLog(deps.MirrorRoot, deps.RepoID, string(opts.Mode), string(opts.TriggerSource), outcome, note)

	if runErr != nil {
		return summary, runErr
	}
	return summary, nil
}

const defaultTimelineLimit = 200

func skipForPendingTrigger(deps Dependencies, opts RunOptions) (Summary, error) {
	cur, err := state.ReadRemoteSyncState(deps.MirrorRoot, deps.RepoID)
	if err != nil {
		return Summary{}, fmt.Errorf("read remote sync state for pending trigger: %w", err)
	}
	cur.PendingTrigger = state.PendingTrigger{
		Pending: true, Source: string(opts.TriggerSource), Ts: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := state.WriteRemoteSyncState(deps.MirrorRoot, deps.RepoID, cur); err != nil {
		return Summary{}, fmt.Errorf("persist pending trigger: %w", err)
	}
	_ = appendAutomationLog(deps.MirrorRoot, deps.RepoID, string(opts.Mode), string(opts.TriggerSource), "skipped_lock_held", "")
	return Summary{Mode: string(opts.Mode), Skipped: true, SkipReason: "sync lock held; recorded as a pending trigger"}, nil
}

// gatePull implements the two pull-phase gates: a cooldown window for
// automation-sensitive triggers, and the per-project autoPullOnSync
// opt-out for user-driven triggers.
func gatePull(deps Dependencies, trigger TriggerSource) (skip bool, reason string) {
	cooldown := time.Duration(deps.CooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}

	if deps.AutomationEnabled && trigger.isCooldownSensitive() {
		st, err := state.ReadRemoteSyncState(deps.MirrorRoot, deps.RepoID)
		if err == nil && st.LastRunAt != "" {
			if lastRun, perr := time.Parse(time.RFC3339Nano, st.LastRunAt); perr == nil {
				if time.Since(lastRun) < cooldown {
					return true, "Cooldown active"
				}
			}
		}
	}

	if !deps.AutoPullOnSync && trigger.isUserDrivenSync() {
		return true, "Per-project auto pull disabled"
	}

	return false, ""
}

// runPush executes the push phase, dispatching to the configured kind.
func runPush(deps Dependencies, opts RunOptions) (PushSummary, error) {
	kind := opts.PushKind
	if kind == "" {
		kind = PushKindQueue
	}

	if kind == PushKindQueue {
		return runQueuePush(deps)
	}
	return runHistoryPush(deps)
}

// runQueuePush is the no-op fast path: there is no standalone write
// queue in this design (remote writes happen inline from ingest), so a
// queue push only ever reports whether there was anything local-push
// state remembers needing a retry.
func runQueuePush(deps Dependencies) (PushSummary, error) {
	st, err := state.ReadLocalPushState(deps.MirrorRoot, deps.RepoID)
	if err != nil {
		return PushSummary{}, fmt.Errorf("read local push state: %w", err)
	}
	if len(st.ProviderCounts) == 0 {
		return PushSummary{Kind: string(PushKindQueue), Note: "nothing to replay"}, nil
	}
	return PushSummary{Kind: string(PushKindQueue), Note: "local push state already up to date; nothing queued"}, nil
}

// runHistoryPush runs every configured history provider through a
// pipeline tuned for bulk replication (memoryWriteConcurrency=2,
// memoryBatchSize=24, indexWriteMode=batch), then persists per-provider
// counts into local-push state.
func runHistoryPush(deps Dependencies) (PushSummary, error) {
	bulkMirror := mirror.New(mirror.Options{
		Root:           deps.MirrorRoot,
		IndexWriteMode: mirror.ModeBatch,
		Logger:         deps.Log,
	})
	bulkPipeline := pipeline.New(pipeline.Options{
		Mirror:                 bulkMirror,
		Redactor:               deps.Redactor,
		Remote:                 deps.Remote,
		MemoryWriteConcurrency: 2,
		MemoryBatchSize:        24,
		Log:                    deps.Log,
	})

	providerSummaries := map[string]historysync.Summary{}
	counts := map[string]state.ProviderCounts{}
	var firstErr error

	for _, p := range deps.Providers {
		historyRoot := deps.HistoryRoots[p.Name()]
		s, err := historysync.Sync(p, deps.MirrorRoot, deps.RepoID, deps.ProjectPath, deps.ActorID, historyRoot, bulkPipeline)
		if err != nil {
			firstErr = fmt.Errorf("history push (%s): %w", p.Name(), err)
			break
		}
		providerSummaries[p.Name()] = s
		counts[p.Name()] = state.ProviderCounts{
			Imported: s.EventsIngested, Skipped: s.FilesSkipped + s.FilesOutOfScope,
		}
	}

	if err := bulkPipeline.Flush(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("flush bulk pipeline: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	pushState := state.LocalPushState{LastRunAt: now, ProviderCounts: counts}
	if firstErr != nil {
		pushState.LastError = firstErr.Error()
		_ = state.WriteLocalPushState(deps.MirrorRoot, deps.RepoID, pushState)
		return PushSummary{}, firstErr
	}
	pushState.LastSuccessAt = now
	if err := state.WriteLocalPushState(deps.MirrorRoot, deps.RepoID, pushState); err != nil {
		return PushSummary{}, fmt.Errorf("persist local push state: %w", err)
	}

	return PushSummary{Kind: string(PushKindHistory), ProviderSummaries: providerSummaries}, nil
}
