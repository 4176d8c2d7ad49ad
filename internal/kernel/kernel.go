package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/webbrain/internal/compaction"
	"github.com/nextlevelbuilder/webbrain/internal/config"
	"github.com/nextlevelbuilder/webbrain/internal/contracts"
	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
	"github.com/nextlevelbuilder/webbrain/internal/providers"
	"github.com/nextlevelbuilder/webbrain/internal/registry"
	"github.com/nextlevelbuilder/webbrain/internal/sessionstore"
	"github.com/nextlevelbuilder/webbrain/pkg/protocol"
)

// SessionAborter aborts outstanding bridge invokes for a session when the
// session is stopped. Implemented by bridge.Client.
type SessionAborter interface {
	AbortBySession(sessionID string)
}

// Kernel is the orchestrator: it owns per-session run loops, routes tool
// calls through the provider runtime, and drives compaction and escalation.
// All session mutation funnels through the session store and this type;
// long-running work (LLM calls, bridge invokes) suspends at await points
// while other sessions progress.
type Kernel struct {
	log       *slog.Logger
	cfg       *config.Config
	store     sessionstore.Store
	bus       *Bus
	reg       *registry.Manager
	contracts *contracts.Registry
	states    *stateTable
	tracer    trace.Tracer

	bridge SessionAborter

	llmMu sync.RWMutex
	llm   map[string]providers.Provider

	calibMu sync.Mutex
	calib   map[string]calibration

	wg sync.WaitGroup
}

// calibration remembers the last observed prompt-token count per session so
// token estimates track ground truth instead of the chars/4 heuristic.
type calibration struct {
	promptTokens int
	entryCount   int
}

// Options wires a Kernel's collaborators.
type Options struct {
	Log       *slog.Logger
	Config    *config.Config
	Store     sessionstore.Store
	Bus       *Bus
	Registry  *registry.Manager
	Contracts *contracts.Registry
	Bridge    SessionAborter
}

func New(opts Options) *Kernel {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = NewBus(log, 0)
	}
	return &Kernel{
		log:       log,
		cfg:       opts.Config,
		store:     opts.Store,
		bus:       bus,
		reg:       opts.Registry,
		contracts: opts.Contracts,
		states:    newStateTable(),
		tracer:    otel.Tracer("webbrain/kernel"),
		bridge:    opts.Bridge,
		llm:       make(map[string]providers.Provider),
		calib:     make(map[string]calibration),
	}
}

// Bus exposes the event bus for gateway fan-out subscriptions.
func (k *Kernel) Bus() *Bus { return k.bus }

// Registry exposes the provider/hook runtime (brain.plugin.* methods).
func (k *Kernel) Registry() *registry.Manager { return k.reg }

// Contracts exposes the tool contract registry.
func (k *Kernel) Contracts() *contracts.Registry { return k.contracts }

// Store exposes the session store (brain.session.* methods).
func (k *Kernel) Store() sessionstore.Store { return k.store }

// RegisterLLMProvider makes a provider implementation available under name
// for route resolution.
func (k *Kernel) RegisterLLMProvider(name string, p providers.Provider) {
	k.llmMu.Lock()
	k.llm[name] = p
	k.llmMu.Unlock()
	k.reg.Routes.RegisterProvider(name, func() any { return p })
}

func (k *Kernel) provider(name string) (providers.Provider, bool) {
	k.llmMu.RLock()
	defer k.llmMu.RUnlock()
	p, ok := k.llm[name]
	return p, ok
}

// Wait blocks until every in-flight session loop has exited (shutdown).
func (k *Kernel) Wait() { k.wg.Wait() }

// routeConfig builds the registry's RouteConfig from the live config.
func (k *Kernel) routeConfig() registry.RouteConfig {
	snap := k.cfg.Snapshot()
	profiles := make([]registry.LLMProfile, 0, len(snap.LLM.Profiles))
	for _, p := range snap.LLM.Profiles {
		profiles = append(profiles, registry.LLMProfile{
			ID:               p.ID,
			Provider:         p.Provider,
			LLMApiBase:       p.LLMApiBase,
			LLMApiKey:        p.LLMApiKey,
			LLMModel:         p.LLMModel,
			Role:             p.Role,
			TimeoutMs:        p.TimeoutMs,
			RetryMaxAttempts: p.RetryMaxAttempts,
			RetryCapDelayMs:  p.RetryCapDelayMs,
		})
	}
	return registry.RouteConfig{
		Profiles:         profiles,
		DefaultProfile:   snap.LLM.DefaultProfile,
		ProfileChains:    snap.LLM.ProfileChains,
		EscalationPolicy: snap.LLM.EscalationPolicy,
	}
}

// busEmitter adapts the Bus to registry.EventEmitter for one session.
type busEmitter struct {
	bus     *Bus
	session string
}

func (e busEmitter) Emit(name string, data map[string]any) {
	e.bus.Emit(e.session, name, data)
}

// estimatorFor returns the calibrated token estimator for a session, falling
// back to the heuristic when no provider Usage has been observed yet.
func (k *Kernel) estimatorFor(sessionID string) compaction.TokenEstimator {
	k.calibMu.Lock()
	c, ok := k.calib[sessionID]
	k.calibMu.Unlock()
	if !ok || c.promptTokens <= 0 {
		return compaction.HeuristicEstimator{}
	}
	return compaction.NewCalibratedEstimator(c.promptTokens, c.entryCount)
}

func (k *Kernel) recordCalibration(sessionID string, usage *providers.Usage, entryCount int) {
	if usage == nil || usage.PromptTokens <= 0 {
		return
	}
	k.calibMu.Lock()
	k.calib[sessionID] = calibration{promptTokens: usage.PromptTokens, entryCount: entryCount}
	k.calibMu.Unlock()
}

// Status returns the run state for a session.
func (k *Kernel) Status(sessionID string) RunStatus {
	return k.states.get(sessionID).status()
}

// Stop marks a session stopped and drains its queue. The loop owns the
// running=false transition: running stays true until the loop observes
// stopped at its next boundary and exits cleanly. Outstanding bridge
// invokes for the session are aborted.
func (k *Kernel) Stop(sessionID string) RunStatus {
	st := k.states.get(sessionID)
	st.mu.Lock()
	st.stopped = true
	st.mu.Unlock()
	st.drainQueue()
	if k.bridge != nil {
		k.bridge.AbortBySession(sessionID)
	}
	k.bus.Emit(sessionID, "run_stopped", nil)
	return st.status()
}

// Promote reclassifies a queued followUp as a steer. A non-existent queued
// id is a no-op returning current state.
func (k *Kernel) Promote(sessionID, promptID string) RunStatus {
	st := k.states.get(sessionID)
	st.promote(promptID)
	return st.status()
}

// DeleteSession removes a session's log, run state, and ring buffer.
func (k *Kernel) DeleteSession(sessionID string) error {
	st := k.states.get(sessionID)
	st.mu.Lock()
	running := st.running
	st.stopped = true
	st.mu.Unlock()
	if running {
		return kernelerr.New(kernelerr.CodeBusy, "session is running; stop it before delete")
	}
	if err := k.store.DeleteSession(sessionID); err != nil {
		return err
	}
	k.states.drop(sessionID)
	k.bus.DropSession(sessionID)
	k.calibMu.Lock()
	delete(k.calib, sessionID)
	k.calibMu.Unlock()
	return nil
}

// StreamEvents returns a truncated window of the session's recent trace
// events (brain.step.stream).
func (k *Kernel) StreamEvents(sessionID string, maxEvents, maxBytes int) ([]Event, StreamMeta) {
	return k.bus.SessionEvents(sessionID, maxEvents, maxBytes)
}

// RefreshTitle regenerates a session's title. Manual titles are set
// verbatim; auto titles are derived from the first user message via the
// default LLM route, falling back to a trimmed snippet when no route is
// configured.
func (k *Kernel) RefreshTitle(ctx context.Context, sessionID, manualTitle string) (string, error) {
	if manualTitle != "" {
		if err := k.store.RefreshTitle(sessionID, manualTitle, "manual"); err != nil {
			return "", err
		}
		return manualTitle, nil
	}

	entries, err := k.store.GetEntries(sessionID)
	if err != nil {
		return "", err
	}
	var firstUser string
	for _, e := range entries {
		if e.Type == sessionstore.EntryTypeMessage && e.Role == sessionstore.RoleUser {
			firstUser = e.Text
			break
		}
	}
	if firstUser == "" {
		return "", kernelerr.New(kernelerr.CodeEntryNotFound, "no user message to title from")
	}

	snap := k.cfg.Snapshot()
	maxChars := snap.Title.MaxChars
	if maxChars <= 0 {
		maxChars = 64
	}

	title := trimTitle(firstUser, maxChars)
	route, rerr := k.reg.Routes.Resolve(k.routeConfig(), registry.RouteRequest{Profile: snap.Title.Profile}, nil)
	if rerr == nil {
		if p, ok := k.provider(route.Provider); ok {
			resp, cerr := p.Chat(ctx, providers.ChatRequest{
				Model: route.Model,
				Messages: []providers.Message{
					{Role: "system", Content: fmt.Sprintf("Write a title of at most %d characters for the conversation below. Reply with the title only.", maxChars)},
					{Role: "user", Content: firstUser},
				},
			})
			if cerr == nil && strings.TrimSpace(resp.Content) != "" {
				title = trimTitle(resp.Content, maxChars)
			}
		}
	}

	if err := k.store.RefreshTitle(sessionID, title, "auto"); err != nil {
		return "", err
	}
	return title, nil
}

func trimTitle(s string, maxChars int) string {
	s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"`))
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[:nl]
	}
	runes := []rune(s)
	if len(runes) > maxChars {
		s = string(runes[:maxChars-1]) + "…"
	}
	return s
}

// DebugDump assembles the brain.debug.dump payload.
func (k *Kernel) DebugDump(sessionID string) map[string]any {
	status := k.Status(sessionID)
	events, meta := k.StreamEvents(sessionID, 50, 0)
	out := map[string]any{
		"runState":   status,
		"events":     events,
		"streamMeta": meta,
	}
	if header, err := k.store.GetHeader(sessionID); err == nil {
		out["header"] = header
	}
	if entries, err := k.store.GetEntries(sessionID); err == nil {
		out["entryCount"] = len(entries)
	}
	return out
}

// emitLoopDone reports a loop's terminal status.
func (k *Kernel) emitLoopDone(sessionID, status, reason string) {
	data := map[string]any{"status": status}
	if reason != "" {
		data["reason"] = reason
	}
	k.bus.Emit(sessionID, protocol.EventLoopDone, data)
}
