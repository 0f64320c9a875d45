package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/internal/sessions"
)

type recordedEvent struct {
	Event   string
	Payload map[string]any
}

// recordingBus normalizes payloads through JSON so tests see what clients
// would see on the wire.
type recordingBus struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (b *recordingBus) Publish(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(err)
	}
	b.mu.Lock()
	b.events = append(b.events, recordedEvent{Event: event, Payload: m})
	b.mu.Unlock()
}

func (b *recordingBus) snapshot() []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]recordedEvent, len(b.events))
	copy(out, b.events)
	return out
}

func (b *recordingBus) count(match func(recordedEvent) bool) int {
	n := 0
	for _, ev := range b.snapshot() {
		if match(ev) {
			n++
		}
	}
	return n
}

func isStream(stream string) func(recordedEvent) bool {
	return func(ev recordedEvent) bool {
		return ev.Event == "agent" && ev.Payload["stream"] == stream
	}
}

func isChatState(state string) func(recordedEvent) bool {
	return func(ev recordedEvent) bool {
		return ev.Event == "chat" && ev.Payload["state"] == state
	}
}

func newTestEngine(t *testing.T, cfg EngineConfig) (*Engine, *recordingBus) {
	t.Helper()
	bus := &recordingBus{}
	if cfg.Store == nil {
		cfg.Store = sessions.NewStore(nil)
	}
	cfg.Publisher = bus
	if cfg.Handler == nil {
		cfg.Handler = &DemoHandler{WordDelay: time.Millisecond}
	}
	return NewEngine(cfg), bus
}

func TestSubmitRepliesBeforeBackendFinishes(t *testing.T) {
	eng, _ := newTestEngine(t, EngineConfig{
		Handler: &DemoHandler{WordDelay: 20 * time.Millisecond},
	})
	start := time.Now()
	run := eng.Submit("main", "hello there")
	if elapsed := time.Since(start); elapsed > 15*time.Millisecond {
		t.Fatalf("Submit blocked for %v", elapsed)
	}
	if run.ID == "" || run.SessionKey != "main" {
		t.Fatalf("bad run: %+v", run)
	}
	if run.State() != RunRunning {
		t.Fatalf("state = %s, want running", run.State())
	}
	if _, err := eng.Wait(context.Background(), run.ID, 5*time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestRunLifecycleAndHistory(t *testing.T) {
	store := sessions.NewStore(nil)
	eng, bus := newTestEngine(t, EngineConfig{Store: store})

	run := eng.Submit("main", "hello there")
	res, err := eng.Wait(context.Background(), run.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.State != RunCompleted || res.Text == "" {
		t.Fatalf("result = %+v", res)
	}

	events := bus.snapshot()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	first := events[0]
	if first.Event != "agent" || first.Payload["stream"] != "lifecycle" {
		t.Fatalf("first event = %+v, want lifecycle start", first)
	}
	if phase := first.Payload["data"].(map[string]any)["phase"]; phase != "start" {
		t.Fatalf("first phase = %v", phase)
	}
	if n := bus.count(isStream("lifecycle")); n != 2 {
		t.Fatalf("lifecycle events = %d, want exactly start+end", n)
	}
	if n := bus.count(isChatState("final")); n != 1 {
		t.Fatalf("chat.final events = %d, want 1", n)
	}

	// Per-run seq strictly increasing across agent and chat events.
	last := int64(0)
	for _, ev := range events {
		seq := int64(ev.Payload["seq"].(float64))
		if seq <= last {
			t.Fatalf("seq %d after %d", seq, last)
		}
		last = seq
	}

	history := store.History("main", 0)
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want user+assistant", len(history))
	}
	if history[0].Role != sessions.RoleUser || history[1].Role != sessions.RoleAssistant {
		t.Fatalf("history roles: %s, %s", history[0].Role, history[1].Role)
	}
	if history[1].StopReason != "end_turn" {
		t.Fatalf("stopReason = %q", history[1].StopReason)
	}
}

func TestWeatherToolRoundTrip(t *testing.T) {
	eng, bus := newTestEngine(t, EngineConfig{})
	run := eng.Submit("main", "what's the weather like?")
	if _, err := eng.Wait(context.Background(), run.ID, 5*time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}

	var order []string
	for _, ev := range bus.snapshot() {
		switch {
		case ev.Event == "agent" && ev.Payload["stream"] == "lifecycle":
			order = append(order, "lifecycle."+ev.Payload["data"].(map[string]any)["phase"].(string))
		case ev.Event == "agent" && ev.Payload["stream"] == "tool":
			data := ev.Payload["data"].(map[string]any)
			order = append(order, "tool."+data["phase"].(string))
			if data["name"] != "web_search" {
				t.Fatalf("tool name = %v", data["name"])
			}
		case ev.Event == "agent" && ev.Payload["stream"] == "assistant":
			order = append(order, "assistant")
		case ev.Event == "chat":
			order = append(order, "chat."+ev.Payload["state"].(string))
		}
	}

	sawAssistant := false
	wantPrefix := []string{"lifecycle.start", "tool.start", "tool.result"}
	for i, want := range wantPrefix {
		if i >= len(order) || order[i] != want {
			t.Fatalf("event order = %v, want prefix %v", order, wantPrefix)
		}
	}
	for _, step := range order[3:] {
		if step == "assistant" {
			sawAssistant = true
		}
	}
	if !sawAssistant {
		t.Fatalf("no assistant events: %v", order)
	}
	if order[len(order)-2] != "chat.final" || order[len(order)-1] != "lifecycle.end" {
		t.Fatalf("terminal events = %v", order[len(order)-2:])
	}

	// chat.final carries the tool call part and the full table.
	var final recordedEvent
	for _, ev := range bus.snapshot() {
		if ev.Event == "chat" && ev.Payload["state"] == "final" {
			final = ev
		}
	}
	msg := final.Payload["message"].(map[string]any)
	content := msg["content"].([]any)
	if len(content) != 2 {
		t.Fatalf("final content parts = %d", len(content))
	}
	toolPart := content[0].(map[string]any)
	if toolPart["type"] != "tool_call" || toolPart["status"] != "success" {
		t.Fatalf("tool part = %+v", toolPart)
	}
	textPart := content[1].(map[string]any)
	if !strings.Contains(textPart["text"].(string), "| City | Conditions | Temp |") {
		t.Fatalf("final text missing table: %q", textPart["text"])
	}
}

func TestAbortMidStream(t *testing.T) {
	eng, bus := newTestEngine(t, EngineConfig{
		Handler: &DemoHandler{WordDelay: 20 * time.Millisecond},
	})
	run := eng.Submit("main", "tell me something long")

	deadline := time.Now().Add(5 * time.Second)
	for bus.count(isStream("assistant")) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("never saw three assistant events")
		}
		time.Sleep(5 * time.Millisecond)
	}

	runID, ok := eng.Abort("main", "")
	if !ok || runID != run.ID {
		t.Fatalf("abort = %q, %v", runID, ok)
	}

	res, err := eng.Wait(context.Background(), run.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.State != RunAborted {
		t.Fatalf("state = %s, want aborted", res.State)
	}
	if n := bus.count(isChatState("final")); n != 0 {
		t.Fatalf("aborted run produced %d chat.final events", n)
	}
	events := bus.snapshot()
	lastLifecycle := events[len(events)-1]
	data := lastLifecycle.Payload["data"].(map[string]any)
	if data["phase"] != "end" || data["aborted"] != true {
		t.Fatalf("terminal lifecycle = %+v", data)
	}
}

func TestAbortByRunID(t *testing.T) {
	eng, _ := newTestEngine(t, EngineConfig{
		Handler: &DemoHandler{WordDelay: 20 * time.Millisecond},
	})
	run := eng.Submit("main", "slow reply please")
	if _, ok := eng.Abort("", run.ID); !ok {
		t.Fatal("abort by id failed")
	}
	res, err := eng.Wait(context.Background(), run.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.State != RunAborted {
		t.Fatalf("state = %s", res.State)
	}
	// Second abort is a no-op on a terminal run.
	if _, ok := eng.Abort("", run.ID); ok {
		t.Fatal("abort succeeded on terminal run")
	}
}

type blockingHandler struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingHandler) HandleRun(ctx context.Context, h *RunHandle) ([]sessions.ContentPart, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWaitTimeoutLeavesRunRunning(t *testing.T) {
	handler := &blockingHandler{started: make(chan struct{})}
	eng, _ := newTestEngine(t, EngineConfig{Handler: handler})
	run := eng.Submit("main", "block forever")
	<-handler.started

	if _, err := eng.Wait(context.Background(), run.ID, 20*time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("err = %v, want ErrWaitTimeout", err)
	}
	if run.State() != RunRunning {
		t.Fatalf("timeout terminated the run: %s", run.State())
	}

	eng.Abort("main", run.ID)
	res, err := eng.Wait(context.Background(), run.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait after abort: %v", err)
	}
	if res.State != RunAborted {
		t.Fatalf("state = %s", res.State)
	}
}

func TestWaitFanout(t *testing.T) {
	handler := &blockingHandler{started: make(chan struct{})}
	eng, _ := newTestEngine(t, EngineConfig{Handler: handler})
	run := eng.Submit("main", "block")
	<-handler.started

	results := make(chan WaitResult, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := eng.Wait(context.Background(), run.ID, 5*time.Second)
			if err != nil {
				t.Errorf("wait: %v", err)
				return
			}
			results <- res
		}()
	}
	time.Sleep(20 * time.Millisecond)
	eng.Abort("main", "")
	wg.Wait()
	close(results)

	n := 0
	for res := range results {
		n++
		if res.RunID != run.ID || res.State != RunAborted {
			t.Fatalf("waiter got %+v", res)
		}
	}
	if n != 3 {
		t.Fatalf("resolved %d waiters, want 3", n)
	}
}

func TestWaitUnknownRun(t *testing.T) {
	eng, _ := newTestEngine(t, EngineConfig{})
	if _, err := eng.Wait(context.Background(), "nope", time.Second); !errors.Is(err, ErrUnknownRun) {
		t.Fatalf("err = %v, want ErrUnknownRun", err)
	}
}

type failingHandler struct{}

func (failingHandler) HandleRun(ctx context.Context, h *RunHandle) ([]sessions.ContentPart, error) {
	h.Assistant("partial ")
	return nil, errors.New("backend exploded")
}

func TestRunErrorEmitsChatError(t *testing.T) {
	store := sessions.NewStore(nil)
	eng, bus := newTestEngine(t, EngineConfig{Store: store, Handler: failingHandler{}})
	run := eng.Submit("main", "boom")
	res, err := eng.Wait(context.Background(), run.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.State != RunError {
		t.Fatalf("state = %s", res.State)
	}
	if n := bus.count(isChatState("error")); n != 1 {
		t.Fatalf("chat.error events = %d", n)
	}
	if n := bus.count(isChatState("final")); n != 0 {
		t.Fatalf("errored run emitted chat.final")
	}
	// No assistant history on error; the user entry stays.
	history := store.History("main", 0)
	if len(history) != 1 || history[0].Role != sessions.RoleUser {
		t.Fatalf("history after error: %+v", history)
	}
}

func TestChatAndWait(t *testing.T) {
	eng, _ := newTestEngine(t, EngineConfig{})
	res, err := eng.ChatAndWait(context.Background(), "http-default", "hello there")
	if err != nil {
		t.Fatalf("chatAndWait: %v", err)
	}
	if res.State != RunCompleted || res.Text == "" {
		t.Fatalf("result = %+v", res)
	}
}

func TestShutdownCancelsRunningRuns(t *testing.T) {
	handler := &blockingHandler{started: make(chan struct{})}
	eng, _ := newTestEngine(t, EngineConfig{Handler: handler})
	run := eng.Submit("main", "block")
	<-handler.started

	eng.Shutdown()
	res, err := eng.Wait(context.Background(), run.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.State != RunAborted {
		t.Fatalf("state = %s", res.State)
	}
}

type scriptedHandler struct {
	run func(ctx context.Context, h *RunHandle) ([]sessions.ContentPart, error)
}

func (s scriptedHandler) HandleRun(ctx context.Context, h *RunHandle) ([]sessions.ContentPart, error) {
	return s.run(ctx, h)
}

func chatDeltaTexts(bus *recordingBus) []string {
	var texts []string
	for _, ev := range bus.snapshot() {
		if ev.Event == "chat" && ev.Payload["state"] == "delta" {
			texts = append(texts, ev.Payload["text"].(string))
		}
	}
	return texts
}

func TestDeltaThrottleCoalescesBursts(t *testing.T) {
	eng, bus := newTestEngine(t, EngineConfig{Handler: scriptedHandler{
		run: func(ctx context.Context, h *RunHandle) ([]sessions.ContentPart, error) {
			for i := 0; i < 40; i++ {
				h.Assistant(fmt.Sprintf("w%d ", i))
			}
			return nil, nil
		},
	}})

	start := time.Now()
	run := eng.Submit("main", "go")
	if _, err := eng.Wait(context.Background(), run.ID, 5*time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
	elapsed := time.Since(start)

	// Every word still produces an agent.assistant event.
	if n := bus.count(isStream("assistant")); n != 40 {
		t.Fatalf("assistant events = %d, want 40", n)
	}
	// chat.delta is throttled: at most one per window, plus the initial flush.
	deltas := chatDeltaTexts(bus)
	maxDeltas := int(elapsed/DeltaThrottle) + 1
	if len(deltas) == 0 || len(deltas) > maxDeltas {
		t.Fatalf("chat.delta events = %d in %v, want between 1 and %d", len(deltas), elapsed, maxDeltas)
	}
}

func TestDeltaPayloadsExtendPreviousDelta(t *testing.T) {
	eng, bus := newTestEngine(t, EngineConfig{Handler: scriptedHandler{
		run: func(ctx context.Context, h *RunHandle) ([]sessions.ContentPart, error) {
			h.Assistant("Hello")
			h.Assistant(" there")
			time.Sleep(DeltaThrottle + 20*time.Millisecond)
			h.Assistant(" world")
			h.FlushDelta()
			return nil, nil
		},
	}})

	run := eng.Submit("main", "go")
	if _, err := eng.Wait(context.Background(), run.ID, 5*time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}

	texts := chatDeltaTexts(bus)
	if len(texts) != 3 {
		t.Fatalf("chat.delta texts = %v, want 3", texts)
	}
	// First delta always flushes; the throttled middle word is absorbed.
	if texts[0] != "Hello" {
		t.Fatalf("first delta = %q", texts[0])
	}
	if texts[len(texts)-1] != "Hello there world" {
		t.Fatalf("last delta = %q", texts[len(texts)-1])
	}
	// Each payload carries the cumulative text, so every delta extends the
	// previous one.
	prev := ""
	for i, text := range texts {
		if !strings.HasPrefix(text, prev) {
			t.Fatalf("delta %d = %q does not extend %q", i, text, prev)
		}
		prev = text
	}
}

// historyAtFinalBus checks, at the moment chat.final is published, whether the
// assistant turn is already visible in session history.
type historyAtFinalBus struct {
	store *sessions.Store

	mu           sync.Mutex
	finalSeen    bool
	sawAssistant bool
}

func (b *historyAtFinalBus) Publish(event string, payload any) {
	m, _ := payload.(map[string]any)
	if event != "chat" || m == nil || m["state"] != "final" {
		return
	}
	saw := false
	for _, entry := range b.store.History(m["sessionKey"].(string), 0) {
		if entry.Role == sessions.RoleAssistant {
			saw = true
		}
	}
	b.mu.Lock()
	b.finalSeen = true
	b.sawAssistant = saw
	b.mu.Unlock()
}

func TestAssistantTurnVisibleWhenFinalPublished(t *testing.T) {
	store := sessions.NewStore(nil)
	bus := &historyAtFinalBus{store: store}
	eng := NewEngine(EngineConfig{
		Store:     store,
		Publisher: bus,
		Handler:   &DemoHandler{WordDelay: time.Millisecond},
	})

	run := eng.Submit("main", "hello there")
	if _, err := eng.Wait(context.Background(), run.ID, 5*time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if !bus.finalSeen {
		t.Fatal("no chat.final observed")
	}
	if !bus.sawAssistant {
		t.Fatal("chat.final published before the assistant turn was appended")
	}
}

func TestCountsByState(t *testing.T) {
	eng, _ := newTestEngine(t, EngineConfig{})
	run := eng.Submit("main", "hello there")
	if _, err := eng.Wait(context.Background(), run.ID, 5*time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
	counts := eng.Counts()
	if counts[RunCompleted] != 1 {
		t.Fatalf("counts = %+v", counts)
	}
}
