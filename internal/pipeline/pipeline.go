// Package pipeline implements the ingest pipeline: redact/mirror/
// replicate with a circuit breaker, per-call timeout, batch coalescing,
// and concurrency-capped backpressure on the remote write path. Payloads
// and contexts are passed through without validation.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matgreaves/run"
	"github.com/rs/zerolog"

	"github.com/mubit-ai/codaph/internal/event"
	"github.com/mubit-ai/codaph/internal/mirror"
	"github.com/mubit-ai/codaph/internal/redact"
	"github.com/mubit-ai/codaph/internal/remote"
)

// Context carries per-call fields the pipeline needs to build an
// envelope.
type Context struct {
	Source    event.Source
	RepoID    string
	SessionID string
	ThreadID  string
	Sequence  int64
	ActorID   string
	EventID   string
	Ts        string
}

// OnErrorFunc is invoked for every failed remote call, and once more
// (with a synthetic error) the moment the circuit opens.
type OnErrorFunc func(err error, e *event.CapturedEvent)

// Options configures a Pipeline. Zero values take the defaults below.
type Options struct {
	Mirror   *mirror.Mirror
	Redactor redact.Redactor
	Remote   remote.Engine // nil = no remote replication

	MemoryWriteConcurrency     int // default 1
	MemoryBatchSize            int // default 1
	MemoryWriteTimeoutMs       int // default 15000
	MemoryMaxConsecutiveErrors int // default 3
	FailOnMemoryError         bool
	OnMemoryError             OnErrorFunc

	Log zerolog.Logger
}

// Pipeline is the hot path for capturing one event: redact, append to
// the mirror, and (unless deduplicated or the circuit is open) enqueue a
// remote write.
type Pipeline struct {
	mirror   *mirror.Mirror
	redactor redact.Redactor
	remote   remote.Engine
	batchEngine remote.BatchEngine // non-nil iff remote supports batching

	concurrency int
	batchSize   int
	timeout     time.Duration
	maxErrors   int
	failOnError bool
	onError     OnErrorFunc
	log         zerolog.Logger

	circuit *circuitBreaker

	mu           sync.Mutex // guards inflight/pendingBatch
	inflight     []chan error
	pendingBatch []event.CapturedEvent

	deferredErr error // sticky remote error, surfaced by Flush when failOnError is set
}

// New constructs a Pipeline from opts.
func New(opts Options) *Pipeline {
	concurrency := opts.MemoryWriteConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	batchSize := opts.MemoryBatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	timeoutMs := opts.MemoryWriteTimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 15000
	}
	maxErrors := opts.MemoryMaxConsecutiveErrors
	if maxErrors <= 0 {
		maxErrors = 3
	}

	var batchEngine remote.BatchEngine
	if be, ok := opts.Remote.(remote.BatchEngine); ok {
		batchEngine = be
	}

	return &Pipeline{
		mirror:      opts.Mirror,
		redactor:    opts.Redactor,
		remote:      opts.Remote,
		batchEngine: batchEngine,
		concurrency: concurrency,
		batchSize:   batchSize,
		timeout:     time.Duration(timeoutMs) * time.Millisecond,
		maxErrors:   maxErrors,
		failOnError: opts.FailOnMemoryError,
		onError:     opts.OnMemoryError,
		log:         opts.Log,
		circuit:     newCircuitBreaker(maxErrors),
	}
}

// Ingest is the hot path: redact, append, then (unless deduplicated)
// enqueue a remote write. The three steps run as a run.Sequence so the
// ordering guarantee (redact before append before enqueue, each step
// short-circuiting on error) is enforced the same way ordered lifecycle
// steps are composed elsewhere in this codebase.
func (p *Pipeline) Ingest(eventType string, payload event.Payload, ctx Context) (event.CapturedEvent, error) {
	var e event.CapturedEvent
	var res mirror.AppendResult

	steps := run.Sequence{
		run.Func(func(context.Context) error {
			sanitized := payload
			if p.redactor != nil && payload != nil {
				sanitized = p.redactor.Redact(payload)
			}
			e = event.Build(event.Context{
				Source:    ctx.Source,
				RepoID:    ctx.RepoID,
				SessionID: ctx.SessionID,
				ThreadID:  ctx.ThreadID,
				Sequence:  ctx.Sequence,
				ActorID:   ctx.ActorID,
				EventID:   ctx.EventID,
				Ts:        ctx.Ts,
			}, eventType, sanitized)
			return nil
		}),
		run.Func(func(context.Context) error {
			var err error
			res, err = p.mirror.AppendEvent(e)
			if err != nil {
				return fmt.Errorf("mirror append: %w", err)
			}
			return nil
		}),
		run.Func(func(context.Context) error {
			if res.Deduplicated || p.remote == nil || p.circuit.isOpen() {
				return nil
			}
			if err := p.enqueueRemote(e); err != nil && p.failOnError {
				return err
			}
			return nil
		}),
	}

	if err := steps.Run(context.Background()); err != nil {
		return event.CapturedEvent{}, err
	}
	return e, nil
}

// IngestRawLine is a transparent passthrough to the mirror.
func (p *Pipeline) IngestRawLine(sessionID, line string) error {
	return p.mirror.AppendRawLine(sessionID, line)
}

// enqueueRemote implements the pipeline's concurrency/batch discipline.
func (p *Pipeline) enqueueRemote(e event.CapturedEvent) error {
	if p.batchSize > 1 && p.batchEngine != nil {
		return p.enqueueBatched(e)
	}
	return p.dispatch(func(ctx context.Context) error {
		_, err := p.remote.WriteEvent(ctx, e)
		return err
	}, &e, p.timeout)
}

func (p *Pipeline) enqueueBatched(e event.CapturedEvent) error {
	p.mu.Lock()
	p.pendingBatch = append(p.pendingBatch, e)
	var batch []event.CapturedEvent
	if len(p.pendingBatch) >= p.batchSize {
		batch = p.pendingBatch
		p.pendingBatch = nil
	}
	p.mu.Unlock()

	if batch == nil {
		return nil
	}
	return p.dispatchBatch(batch)
}

func (p *Pipeline) dispatchBatch(batch []event.CapturedEvent) error {
	scale := len(batch)
	if scale > 6 {
		scale = 6
	}
	if scale < 1 {
		scale = 1
	}
	timeout := p.timeout * time.Duration(scale)

	var first *event.CapturedEvent
	if len(batch) > 0 {
		first = &batch[0]
	}
	return p.dispatch(func(ctx context.Context) error {
		_, err := p.batchEngine.WriteEventsBatch(ctx, batch)
		return err
	}, first, timeout)
}

// dispatch runs fn as a remote task respecting the concurrency cap: for
// concurrency == 1 it runs inline; for concurrency > 1 it blocks only
// while the in-flight set is at capacity, then spawns a new task.
func (p *Pipeline) dispatch(fn func(context.Context) error, e *event.CapturedEvent, timeout time.Duration) error {
	if p.concurrency == 1 {
		return p.runTimed(fn, e, timeout)
	}

	p.mu.Lock()
	for len(p.inflight) >= p.concurrency {
		oldest := p.inflight[0]
		p.inflight = p.inflight[1:]
		p.mu.Unlock()
		<-oldest // await completion; errors from this slot were already recorded
		p.mu.Lock()
	}
	done := make(chan error, 1)
	p.inflight = append(p.inflight, done)
	p.mu.Unlock()

	go func() {
		done <- p.runTimed(fn, e, timeout)
		close(done)
	}()
	return nil
}

// runTimed races fn against timeout, recording circuit-breaker state
// and invoking onError on failure.
func (p *Pipeline) runTimed(fn func(context.Context) error, e *event.CapturedEvent, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- fn(ctx) }()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = fmt.Errorf("remote write timed out after %s", timeout)
	}

	if err != nil {
		p.recordFailure(err, e)
		if p.failOnError {
			p.mu.Lock()
			p.deferredErr = err
			p.mu.Unlock()
		}
		return err
	}
	p.circuit.recordSuccess()
	return nil
}

func (p *Pipeline) recordFailure(err error, e *event.CapturedEvent) {
	if p.onError != nil {
		p.onError(err, e)
	}
	justOpened := p.circuit.recordFailure()
	if justOpened {
		p.log.Warn().Msg("pipeline: remote circuit opened after consecutive failures")
		if p.onError != nil {
			p.onError(ErrCircuitOpen, nil)
		}
	}
}

// Flush drains queued remote writes (dispatching any partial batch
// first), surfaces a deferred error if FailOnMemoryError is set, then
// flushes the mirror. Flush does not block new Ingest calls that arrive
// after it captures its in-flight snapshot — callers that need a hard
// barrier should stop calling Ingest before calling Flush.
func (p *Pipeline) Flush() error {
	p.mu.Lock()
	batch := p.pendingBatch
	p.pendingBatch = nil
	inflight := p.inflight
	p.inflight = nil
	p.mu.Unlock()

	if len(batch) > 0 && p.batchEngine != nil && !p.circuit.isOpen() {
		_ = p.dispatchBatch(batch)
	}

	p.mu.Lock()
	inflight = append(inflight, p.inflight...)
	p.inflight = nil
	p.mu.Unlock()

	for _, ch := range inflight {
		<-ch
	}

	p.mu.Lock()
	deferred := p.deferredErr
	p.deferredErr = nil
	p.mu.Unlock()

	if deferred != nil && p.failOnError {
		return deferred
	}

	return p.mirror.Flush()
}
