package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/sessions"
)

// DefaultWaitTimeout bounds agent.wait when the caller gives no timeout.
const DefaultWaitTimeout = 60 * time.Second

// Run terminal and non-terminal states.
type RunState string

const (
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunError     RunState = "error"
	RunAborted   RunState = "aborted"
)

// Errors surfaced to the router.
var (
	ErrUnknownRun  = errors.New("unknown run")
	ErrWaitTimeout = errors.New("timed out waiting for run")
)

// Publisher is where the engine emits agent and chat events. The gateway's
// broadcast bus satisfies it.
type Publisher interface {
	Publish(event string, payload any)
}

// Run is one in-flight or finished agent invocation. Runs are retained until
// process exit so agent.wait can find them after the fact.
type Run struct {
	ID         string
	SessionKey string
	Message    string
	StartedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	seq       int64
	state     RunState
	text      string
	thinking  string
	lastDelta time.Time
	waiters   []chan WaitResult
}

// State returns the run's current state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Text returns the accumulated assistant text so far.
func (r *Run) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text
}

// Cancelled reports whether the run's context has been cancelled.
func (r *Run) Cancelled() bool { return r.ctx.Err() != nil }

func (r *Run) nextSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}

// WaitResult is the payload resolved to every agent.wait waiter.
type WaitResult struct {
	RunID string   `json:"runId"`
	State RunState `json:"state"`
	Text  string   `json:"text"`
}

// EngineConfig wires an Engine. Handler nil falls back to the demo adapter.
type EngineConfig struct {
	Store       *sessions.Store
	Publisher   Publisher
	Handler     Handler
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	Provider    string
	Models      []Model
	ActiveModel string
	WaitTimeout time.Duration
}

// Engine owns the run table and drives the backend adapter.
type Engine struct {
	store       *sessions.Store
	pub         Publisher
	handler     Handler
	logger      *slog.Logger
	metrics     *observability.Metrics
	provider    string
	models      []Model
	waitTimeout time.Duration

	mu          sync.Mutex
	runs        map[string]*Run
	sessionRuns map[string][]*Run
	activeModel string
}

// NewEngine builds an engine from cfg.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	handler := cfg.Handler
	if handler == nil {
		handler = NewDemoHandler()
	}
	provider := cfg.Provider
	if provider == "" {
		provider = "demo"
	}
	active := cfg.ActiveModel
	if active == "" && len(cfg.Models) > 0 {
		active = cfg.Models[0].ID
	}
	if active == "" {
		active = "demo"
	}
	timeout := cfg.WaitTimeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	return &Engine{
		store:       cfg.Store,
		pub:         cfg.Publisher,
		handler:     handler,
		logger:      logger,
		metrics:     cfg.Metrics,
		provider:    provider,
		models:      cfg.Models,
		waitTimeout: timeout,
		runs:        make(map[string]*Run),
		sessionRuns: make(map[string][]*Run),
		activeModel: active,
	}
}

// Provider returns the backend provider name.
func (e *Engine) Provider() string { return e.provider }

// Models returns the selectable models.
func (e *Engine) Models() []Model {
	out := make([]Model, len(e.models))
	copy(out, e.models)
	return out
}

// ActiveModel returns the model id runs currently use.
func (e *Engine) ActiveModel() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeModel
}

// SetActiveModel switches the model used by subsequent runs.
func (e *Engine) SetActiveModel(id string) {
	e.mu.Lock()
	e.activeModel = id
	e.mu.Unlock()
}

// Submit appends the user message to history, creates a run, and starts it
// asynchronously. The returned run's id is the synchronous chat.send reply;
// the caller never waits on backend I/O.
func (e *Engine) Submit(sessionKey, message string) *Run {
	e.store.Append(sessionKey, sessions.Entry{
		Role:    sessions.RoleUser,
		Content: []sessions.ContentPart{sessions.TextPart(message)},
	})
	run := e.newRun(sessionKey, message)
	go e.executeRun(run)
	return run
}

// ChatAndWait runs a message synchronously and returns its terminal result.
// Used by the HTTP completions surface, which has no socket to stream to.
func (e *Engine) ChatAndWait(ctx context.Context, sessionKey, message string) (WaitResult, error) {
	run := e.Submit(sessionKey, message)
	return e.Wait(ctx, run.ID, 5*time.Minute)
}

// Get returns a run by id.
func (e *Engine) Get(runID string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[runID]
	return run, ok
}

// Abort cancels a run: the one named by runID, or the most recent running run
// in the session when runID is empty. The adapter observes the cancellation
// at its next suspension point; no final chat message is synthesized.
func (e *Engine) Abort(sessionKey, runID string) (string, bool) {
	e.mu.Lock()
	var run *Run
	if runID != "" {
		run = e.runs[runID]
	} else {
		list := e.sessionRuns[sessionKey]
		for i := len(list) - 1; i >= 0; i-- {
			if list[i].State() == RunRunning {
				run = list[i]
				break
			}
		}
	}
	e.mu.Unlock()

	if run == nil || run.State() != RunRunning {
		return "", false
	}
	run.cancel()
	return run.ID, true
}

// Wait blocks until the run reaches a terminal state, the timeout elapses
// (ErrWaitTimeout), or ctx is cancelled. A timeout resolves only this waiter;
// the run keeps going.
func (e *Engine) Wait(ctx context.Context, runID string, timeout time.Duration) (WaitResult, error) {
	if timeout <= 0 {
		timeout = e.waitTimeout
	}
	e.mu.Lock()
	run := e.runs[runID]
	e.mu.Unlock()
	if run == nil {
		return WaitResult{}, ErrUnknownRun
	}

	run.mu.Lock()
	if run.state != RunRunning {
		res := WaitResult{RunID: run.ID, State: run.state, Text: run.text}
		run.mu.Unlock()
		return res, nil
	}
	ch := make(chan WaitResult, 1)
	run.waiters = append(run.waiters, ch)
	run.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		return WaitResult{}, ErrWaitTimeout
	case <-ctx.Done():
		return WaitResult{}, ctx.Err()
	}
}

// Counts returns the number of runs per state, for status snapshots.
func (e *Engine) Counts() map[RunState]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[RunState]int, 4)
	for _, run := range e.runs {
		out[run.State()]++
	}
	return out
}

// Shutdown cancels every running run.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	runs := make([]*Run, 0, len(e.runs))
	for _, run := range e.runs {
		runs = append(runs, run)
	}
	e.mu.Unlock()
	for _, run := range runs {
		if run.State() == RunRunning {
			run.cancel()
		}
	}
}

func (e *Engine) newRun(sessionKey, message string) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	run := &Run{
		ID:         uuid.NewString(),
		SessionKey: sessionKey,
		Message:    message,
		StartedAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		state:      RunRunning,
	}
	e.mu.Lock()
	e.runs[run.ID] = run
	e.sessionRuns[sessionKey] = append(e.sessionRuns[sessionKey], run)
	e.mu.Unlock()
	return run
}

func (e *Engine) executeRun(run *Run) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("run panicked", "runId", run.ID, "panic", rec)
			e.finish(run, RunError, fmt.Sprintf("internal error: %v", rec), nil)
		}
	}()

	e.emitAgent(run, "lifecycle", map[string]any{"phase": "start"})

	if trimmed := strings.TrimSpace(run.Message); strings.HasPrefix(trimmed, "/") {
		reply := e.runCommand(run, trimmed)
		run.mu.Lock()
		run.text = reply
		run.mu.Unlock()
		e.emitChat(run, "delta", map[string]any{"text": reply})
		e.finish(run, RunCompleted, "", []sessions.ContentPart{sessions.TextPart(reply)})
		return
	}

	parts, err := e.handler.HandleRun(run.ctx, &RunHandle{e: e, run: run})
	switch {
	case run.Cancelled():
		e.finish(run, RunAborted, "", nil)
	case err != nil:
		e.logger.Warn("run failed", "runId", run.ID, "sessionKey", run.SessionKey, "error", err)
		e.finish(run, RunError, err.Error(), nil)
	default:
		e.finish(run, RunCompleted, "", parts)
	}
}

// finish applies the single terminal transition: emits the terminal lifecycle
// and chat events, appends assistant history on completed, and resolves every
// waiter. Later calls are no-ops.
func (e *Engine) finish(run *Run, state RunState, errMsg string, parts []sessions.ContentPart) {
	run.mu.Lock()
	if run.state != RunRunning {
		run.mu.Unlock()
		return
	}
	run.state = state
	text := run.text
	thinking := run.thinking
	waiters := run.waiters
	run.waiters = nil
	run.mu.Unlock()

	switch state {
	case RunCompleted:
		if len(parts) == 0 {
			if thinking != "" {
				parts = append(parts, sessions.ThinkingPart(thinking))
			}
			if text != "" {
				parts = append(parts, sessions.TextPart(text))
			}
		}
		entry := sessions.Entry{
			Role:       sessions.RoleAssistant,
			Content:    parts,
			Timestamp:  time.Now(),
			StopReason: "end_turn",
			Model:      e.ActiveModel(),
			Provider:   e.provider,
		}
		// Append before publishing so a chat.history issued on chat.final
		// already sees the assistant turn.
		e.store.Append(run.SessionKey, entry)
		e.emitChat(run, "final", map[string]any{"message": entry})
		e.emitAgent(run, "lifecycle", map[string]any{"phase": "end"})
	case RunError:
		e.emitAgent(run, "lifecycle", map[string]any{"phase": "error", "error": errMsg})
		e.emitChat(run, "error", map[string]any{"errorMessage": errMsg})
	case RunAborted:
		e.emitAgent(run, "lifecycle", map[string]any{"phase": "end", "aborted": true})
	}

	if e.metrics != nil {
		e.metrics.RunsFinished.WithLabelValues(string(state)).Inc()
		e.metrics.RunDuration.Observe(time.Since(run.StartedAt).Seconds())
	}

	res := WaitResult{RunID: run.ID, State: state, Text: text}
	for _, w := range waiters {
		w <- res
	}
	run.cancel()
}

func (e *Engine) emitAgent(run *Run, stream string, data map[string]any) {
	e.pub.Publish("agent", map[string]any{
		"runId":      run.ID,
		"sessionKey": run.SessionKey,
		"seq":        run.nextSeq(),
		"stream":     stream,
		"ts":         time.Now().UnixMilli(),
		"data":       data,
	})
}

func (e *Engine) emitChat(run *Run, state string, extra map[string]any) {
	payload := map[string]any{
		"runId":      run.ID,
		"sessionKey": run.SessionKey,
		"seq":        run.nextSeq(),
		"state":      state,
	}
	for k, v := range extra {
		payload[k] = v
	}
	e.pub.Publish("chat", payload)
}
