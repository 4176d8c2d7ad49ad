package kernel

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/webbrain/internal/compaction"
	"github.com/nextlevelbuilder/webbrain/internal/config"
	"github.com/nextlevelbuilder/webbrain/internal/contracts"
	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
	"github.com/nextlevelbuilder/webbrain/internal/providers"
	"github.com/nextlevelbuilder/webbrain/internal/registry"
	"github.com/nextlevelbuilder/webbrain/internal/sessionstore"
)

// fakeProvider scripts Chat responses per model name.
type fakeProvider struct {
	mu      sync.Mutex
	byModel map[string]func(req providers.ChatRequest) (*providers.ChatResponse, error)
	calls   int
	gate    chan struct{} // when non-nil, Chat blocks until the gate closes
}

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	handler := f.byModel[req.Model]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if handler != nil {
		return handler(req)
	}
	return &providers.ChatResponse{Content: "ok", FinishReason: "stop"}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, _ func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return f.Chat(ctx, req)
}
func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Name() string         { return "fake" }

func newTestKernel(t *testing.T, cfg *config.Config) (*Kernel, *fakeProvider) {
	t.Helper()
	store, err := sessionstore.NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	regMgr := registry.NewManager(
		registry.NewCapabilityRegistry(),
		registry.NewModeRegistry(),
		registry.NewHookChain(nil),
		registry.NewPolicyRegistry(),
		registry.NewRouteTable(),
	)
	k := New(Options{
		Config:    cfg,
		Store:     store,
		Registry:  regMgr,
		Contracts: contracts.NewRegistry(),
	})
	fp := &fakeProvider{byModel: map[string]func(providers.ChatRequest) (*providers.ChatResponse, error){}}
	k.RegisterLLMProvider("fake", fp)
	return k, fp
}

func baseConfig(profiles ...config.LLMProfileConfig) *config.Config {
	cfg := config.Default()
	cfg.LLM.Profiles = profiles
	if len(profiles) > 0 {
		cfg.LLM.DefaultProfile = profiles[0].ID
	}
	return cfg
}

func waitNotRunning(t *testing.T, k *Kernel, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if st := k.Status(sessionID); !st.Running {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s still running", sessionID)
}

func eventNames(k *Kernel, sessionID string) []string {
	events, _ := k.StreamEvents(sessionID, 0, 0)
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.Name)
	}
	return names
}

func containsInOrder(haystack []string, needles ...string) bool {
	i := 0
	for _, h := range haystack {
		if i < len(needles) && h == needles[i] {
			i++
		}
	}
	return i == len(needles)
}

func TestHandleAgentEndOverflowAlwaysCompacts(t *testing.T) {
	decision := HandleAgentEnd(AgentEndInput{
		Err:      kernelerr.New(kernelerr.CodeInternal, "OVERFLOW"),
		Overflow: true,
	})
	if decision.Action != ActionContinue || decision.Reason != "overflow" {
		t.Fatalf("expected continue/overflow, got %#v", decision)
	}
}

func TestOverflowCompactionContinue(t *testing.T) {
	cfg := baseConfig(config.LLMProfileConfig{
		ID: "p1", Provider: "fake", LLMApiBase: "https://x", LLMApiKey: "k",
		LLMModel: "m1", RetryCapDelayMs: 1,
	})
	cfg.Compaction.ThresholdTokens = 100000 // pre-send check stays quiet
	k, fp := newTestKernel(t, cfg)

	failed := false
	fp.mu.Lock()
	fp.byModel["m1"] = func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		if !failed {
			failed = true
			return nil, kernelerr.New(kernelerr.CodeInternal, "OVERFLOW: prompt is too long")
		}
		return &providers.ChatResponse{Content: "recovered", FinishReason: "stop"}, nil
	}
	fp.mu.Unlock()

	res, err := k.Start(context.Background(), StartRequest{Prompt: "hello", AutoRun: true})
	if err != nil {
		t.Fatal(err)
	}
	waitNotRunning(t, k, res.SessionID)

	names := eventNames(k, res.SessionID)
	if !containsInOrder(names, "auto_compaction_start", "session_compact", "auto_compaction_end", "loop_done") {
		t.Fatalf("expected compaction event triple then loop_done, got %v", names)
	}

	entries, _ := k.Store().GetEntries(res.SessionID)
	foundCompaction := false
	for _, e := range entries {
		if e.Type == sessionstore.EntryTypeCompaction {
			foundCompaction = true
			if e.Reason != string(compaction.ReasonOverflow) {
				t.Fatalf("expected overflow reason, got %s", e.Reason)
			}
		}
	}
	if !foundCompaction {
		t.Fatal("expected a compaction entry in the log")
	}
}

func TestRouteEscalationBasicToPro(t *testing.T) {
	cfg := baseConfig(
		config.LLMProfileConfig{ID: "worker.basic", Provider: "fake", LLMApiBase: "https://x", LLMApiKey: "k", LLMModel: "m-basic", RetryMaxAttempts: 1, RetryCapDelayMs: 1},
		config.LLMProfileConfig{ID: "worker.pro", Provider: "fake", LLMApiBase: "https://x", LLMApiKey: "k", LLMModel: "m-pro", RetryMaxAttempts: 1, RetryCapDelayMs: 1},
	)
	cfg.LLM.ProfileChains = map[string][]string{"worker": {"worker.basic", "worker.pro"}}
	cfg.LLM.EscalationPolicy = "upgrade_only"
	k, fp := newTestKernel(t, cfg)

	fp.mu.Lock()
	fp.byModel["m-basic"] = func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		return nil, kernelerr.New(kernelerr.CodeInternal, "status 503: upstream unavailable")
	}
	fp.byModel["m-pro"] = func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Content: "done", FinishReason: "stop"}, nil
	}
	fp.mu.Unlock()

	res, err := k.Start(context.Background(), StartRequest{Prompt: "go", AutoRun: true, Role: "worker"})
	if err != nil {
		t.Fatal(err)
	}
	waitNotRunning(t, k, res.SessionID)

	names := eventNames(k, res.SessionID)
	if !containsInOrder(names, "llm.route.selected", "auto_retry_start", "llm.route.escalated", "llm.route.selected", "loop_done") {
		t.Fatalf("expected selected→retry→escalated→selected→done, got %v", names)
	}

	events, _ := k.StreamEvents(res.SessionID, 0, 0)
	var sawEscalatedSource, sawDone bool
	for _, ev := range events {
		if ev.Name == "llm.route.selected" && ev.Data["source"] == "escalation" && ev.Data["profile"] == "worker.pro" {
			sawEscalatedSource = true
		}
		if ev.Name == "loop_done" && ev.Data["status"] == "done" {
			sawDone = true
		}
	}
	if !sawEscalatedSource {
		t.Fatal("expected llm.route.selected with source=escalation for worker.pro")
	}
	if !sawDone {
		t.Fatal("expected loop_done with status=done")
	}
}

func TestStopBoundaryKeepsRunningUntilLoopObserves(t *testing.T) {
	cfg := baseConfig(config.LLMProfileConfig{
		ID: "p1", Provider: "fake", LLMApiBase: "https://x", LLMApiKey: "k", LLMModel: "m1",
	})
	k, fp := newTestKernel(t, cfg)

	gate := make(chan struct{})
	fp.mu.Lock()
	fp.gate = gate
	fp.mu.Unlock()

	res, err := k.Start(context.Background(), StartRequest{Prompt: "hi", AutoRun: true})
	if err != nil {
		t.Fatal(err)
	}

	// Wait until the loop is inside the LLM call.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		fp.mu.Lock()
		calls := fp.calls
		fp.mu.Unlock()
		if calls > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	status := k.Stop(res.SessionID)
	if !status.Running || !status.Stopped {
		t.Fatalf("expected running=true stopped=true immediately after stop, got %+v", status)
	}

	// A start in this window must not spawn a second loop.
	again, err := k.Start(context.Background(), StartRequest{SessionID: res.SessionID, Prompt: "more"})
	if err != nil {
		t.Fatal(err)
	}
	if !again.Running || !again.Stopped {
		t.Fatalf("expected ok with running=true stopped=true, got %+v", again)
	}

	close(gate)
	waitNotRunning(t, k, res.SessionID)

	// Stopped without autoRun: stays stopped, no loop.
	after, err := k.Start(context.Background(), StartRequest{SessionID: res.SessionID, Prompt: "later"})
	if err != nil {
		t.Fatal(err)
	}
	if after.Running || !after.Stopped {
		t.Fatalf("expected stopped session to stay stopped without autoRun, got %+v", after)
	}

	// autoRun clears stopped.
	resumed, err := k.Start(context.Background(), StartRequest{SessionID: res.SessionID, Prompt: "resume", AutoRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if !resumed.Running {
		t.Fatalf("expected autoRun start to run, got %+v", resumed)
	}
	waitNotRunning(t, k, res.SessionID)
}

func TestQueueSteerFollowUpAndPromote(t *testing.T) {
	cfg := baseConfig(config.LLMProfileConfig{
		ID: "p1", Provider: "fake", LLMApiBase: "https://x", LLMApiKey: "k", LLMModel: "m1",
	})
	k, fp := newTestKernel(t, cfg)

	gate := make(chan struct{})
	fp.mu.Lock()
	fp.gate = gate
	fp.mu.Unlock()

	res, err := k.Start(context.Background(), StartRequest{Prompt: "first", AutoRun: true})
	if err != nil {
		t.Fatal(err)
	}

	// Running without streamingBehavior is an error.
	if _, err := k.Start(context.Background(), StartRequest{SessionID: res.SessionID, Prompt: "x"}); err == nil {
		t.Fatal("expected error for start-while-running without streamingBehavior")
	}

	fu1, err := k.Start(context.Background(), StartRequest{SessionID: res.SessionID, Prompt: "fu1", StreamingBehavior: BehaviorFollowUp})
	if err != nil {
		t.Fatal(err)
	}
	fu2, err := k.Start(context.Background(), StartRequest{SessionID: res.SessionID, Prompt: "fu2", StreamingBehavior: BehaviorFollowUp})
	if err != nil {
		t.Fatal(err)
	}
	steer, err := k.Start(context.Background(), StartRequest{SessionID: res.SessionID, Prompt: "steer", StreamingBehavior: BehaviorSteer})
	if err != nil {
		t.Fatal(err)
	}

	status := k.Status(res.SessionID)
	if len(status.Queue) != 3 {
		t.Fatalf("expected 3 queued prompts, got %d", len(status.Queue))
	}
	if status.Queue[0].ID != steer.QueuedPromptID {
		t.Fatalf("expected steer at head, got %+v", status.Queue)
	}

	// Promote fu2 to the head.
	status = k.Promote(res.SessionID, fu2.QueuedPromptID)
	if status.Queue[0].ID != fu2.QueuedPromptID || status.Queue[0].Behavior != BehaviorSteer {
		t.Fatalf("expected promoted fu2 at head as steer, got %+v", status.Queue)
	}

	// Promote of a non-existent id is a no-op returning current state.
	before := k.Status(res.SessionID).Queue
	after := k.Promote(res.SessionID, "does-not-exist").Queue
	if len(before) != len(after) || before[0].ID != after[0].ID {
		t.Fatalf("expected no-op promote, got %+v vs %+v", before, after)
	}
	_ = fu1

	// Stop clears the queue.
	status = k.Stop(res.SessionID)
	if len(status.Queue) != 0 {
		t.Fatalf("expected stop to drain the queue, got %+v", status.Queue)
	}

	close(gate)
	waitNotRunning(t, k, res.SessionID)
}

func TestAgentRunParallelCap(t *testing.T) {
	cfg := baseConfig(config.LLMProfileConfig{
		ID: "p1", Provider: "fake", LLMApiBase: "https://x", LLMApiKey: "k", LLMModel: "m1",
	})
	k, _ := newTestKernel(t, cfg)

	nine := make([]string, 9)
	for i := range nine {
		nine[i] = "task"
	}
	_, err := k.AgentRun(context.Background(), AgentRunRequest{Mode: "parallel", Tasks: nine})
	var ce *kernelerr.CodedError
	if !kernelerr.AsCoded(err, &ce) || ce.Code != kernelerr.CodeArgs || !strings.Contains(ce.Message, "capped at 8") {
		t.Fatalf("expected explicit cap error for 9 tasks, got %v", err)
	}

	results, err := k.AgentRun(context.Background(), AgentRunRequest{Mode: "parallel", Tasks: []string{"a", "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.OK || r.Content == "" {
			t.Fatalf("expected successful task result, got %+v", r)
		}
	}
}

func TestForkPreservesSource(t *testing.T) {
	cfg := baseConfig(config.LLMProfileConfig{
		ID: "p1", Provider: "fake", LLMApiBase: "https://x", LLMApiKey: "k", LLMModel: "m1",
	})
	k, _ := newTestKernel(t, cfg)

	header, err := k.Store().CreateSession(sessionstore.Header{})
	if err != nil {
		t.Fatal(err)
	}
	q1, _ := k.Store().AppendMessage(header.ID, sessionstore.MessageAppend{Role: sessionstore.RoleUser, Text: "Q1"})
	a1, _ := k.Store().AppendMessage(header.ID, sessionstore.MessageAppend{Role: sessionstore.RoleAssistant, Text: "A1"})
	k.Store().AppendMessage(header.ID, sessionstore.MessageAppend{Role: sessionstore.RoleUser, Text: "Q2"})
	k.Store().AppendMessage(header.ID, sessionstore.MessageAppend{Role: sessionstore.RoleAssistant, Text: "A2"})

	forked, err := k.Fork(ForkRequest{SessionID: header.ID, SourceEntryID: a1.ID, LeafID: q1.ID, Reason: "test"})
	if err != nil {
		t.Fatal(err)
	}

	forkEntries, err := k.Store().GetEntries(forked.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(forkEntries) != 1 || forkEntries[0].Role != sessionstore.RoleUser || forkEntries[0].Text != "Q1" {
		t.Fatalf("expected forked session's first user to be Q1, got %+v", forkEntries)
	}
	if forked.ForkedFrom == nil || forked.ForkedFrom.SourceEntryID != a1.ID {
		t.Fatalf("expected fork lineage to record the source entry, got %+v", forked.ForkedFrom)
	}

	srcEntries, _ := k.Store().GetEntries(header.ID)
	if len(srcEntries) != 4 {
		t.Fatalf("expected source session unchanged (4 entries), got %d", len(srcEntries))
	}
}

func TestExecuteStepScriptFallsBackToCDP(t *testing.T) {
	cfg := baseConfig()
	k, _ := newTestKernel(t, cfg)

	k.reg.Modes.Register(&registry.ModeProvider{Mode: registry.ModeScript,
		Invoke: func(_ context.Context, _ registry.InvokeInput) (registry.InvokeResult, error) {
			return registry.InvokeResult{}, kernelerr.New(kernelerr.CodeInternal, "script failed")
		}})
	k.reg.Modes.Register(&registry.ModeProvider{Mode: registry.ModeCDP,
		Invoke: func(_ context.Context, _ registry.InvokeInput) (registry.InvokeResult, error) {
			return registry.InvokeResult{Data: map[string]any{"source": "cdp"}}, nil
		}})

	res := k.ExecuteStep(context.Background(), StepRequest{SessionID: "s1", Mode: "script", Action: "x"})
	if !res.OK || res.ModeUsed != "cdp" || res.FallbackFrom != "script" {
		t.Fatalf("expected cdp fallback attribution, got %+v", res)
	}
	data, ok := res.Data.(map[string]any)
	if !ok || data["source"] != "cdp" {
		t.Fatalf("expected cdp data, got %+v", res.Data)
	}

	// Policy is authoritative: allowScriptFallback=false refuses fallback.
	k.reg.Policies.Override("browser.action", registry.CapabilityPolicy{AllowScriptFallback: false})
	res = k.ExecuteStep(context.Background(), StepRequest{SessionID: "s1", Mode: "script", Action: "x"})
	if res.OK || res.Error != "script failed" {
		t.Fatalf("expected refusal with original script failure, got %+v", res)
	}

	// step_execute / step_execute_result is a strict pair per step.
	names := eventNames(k, "s1")
	execs, results := 0, 0
	for i, n := range names {
		switch n {
		case "step_execute":
			execs++
			if i+1 >= len(names) || names[i+1] != "step_execute_result" {
				t.Fatalf("step_execute not immediately followed by its result: %v", names)
			}
		case "step_execute_result":
			results++
		}
	}
	if execs != 2 || results != 2 {
		t.Fatalf("expected 2 strict pairs, got %d/%d", execs, results)
	}
}

func TestHookCanVetoCompaction(t *testing.T) {
	cfg := baseConfig(config.LLMProfileConfig{
		ID: "p1", Provider: "fake", LLMApiBase: "https://x", LLMApiKey: "k", LLMModel: "m1",
	})
	cfg.Compaction.ThresholdTokens = 1 // every check would compact
	cfg.Compaction.KeepTail = 1
	k, _ := newTestKernel(t, cfg)

	k.reg.Hooks.Register(registry.HookCompactionCheckBefore, "test", "veto",
		func(_ context.Context, _ map[string]any) registry.Verdict {
			return registry.Block("not now")
		}, registry.HookOptions{})

	res, err := k.Start(context.Background(), StartRequest{Prompt: "hello", AutoRun: true})
	if err != nil {
		t.Fatal(err)
	}
	waitNotRunning(t, k, res.SessionID)

	for _, n := range eventNames(k, res.SessionID) {
		if n == "session_compact" {
			t.Fatal("expected hook veto to suppress compaction")
		}
	}
}

func TestRingBufferStreamMeta(t *testing.T) {
	bus := NewBus(nil, 8)
	for i := 0; i < 20; i++ {
		bus.Emit("s", "ev", map[string]any{"i": i})
	}
	events, meta := bus.SessionEvents("s", 5, 0)
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	if meta.TotalEvents != 20 || meta.ReturnedEvents != 5 || !meta.Truncated {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	// Emission order is preserved: the window is the newest events in order.
	if events[0].Data["i"].(int) >= events[4].Data["i"].(int) {
		t.Fatalf("expected ascending order, got %v..%v", events[0].Data["i"], events[4].Data["i"])
	}
}

func TestBusSubscriberPanicIsIsolated(t *testing.T) {
	bus := NewBus(nil, 8)
	bus.Subscribe("bad", func(Event) { panic("boom") })
	delivered := false
	bus.Subscribe("good", func(Event) { delivered = true })
	bus.Emit("s", "ev", nil)
	if !delivered {
		t.Fatal("expected delivery to continue past a panicking subscriber")
	}
}
