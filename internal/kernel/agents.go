package kernel

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
	"github.com/nextlevelbuilder/webbrain/internal/sessionstore"
)

// maxParallelAgentTasks caps brain.agent.run mode=parallel.
const maxParallelAgentTasks = 8

// AgentRunRequest is brain.agent.run's payload.
type AgentRunRequest struct {
	Mode  string   // "single" | "parallel"
	Agent string   // role resolved through llmProfileChains
	Task  string   // single mode
	Tasks []string // parallel mode
}

// AgentTaskResult is one task's outcome.
type AgentTaskResult struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// AgentRun runs one or more ephemeral agent tasks to completion, each in its
// own fresh session routed through the named agent role. Parallel mode is
// capped at 8 tasks; a ninth is rejected outright rather than queued.
func (k *Kernel) AgentRun(ctx context.Context, req AgentRunRequest) ([]AgentTaskResult, error) {
	var tasks []string
	switch req.Mode {
	case "single", "":
		if req.Task == "" {
			return nil, kernelerr.New(kernelerr.CodeArgs, "agent.run single mode requires a task")
		}
		tasks = []string{req.Task}
	case "parallel":
		if len(req.Tasks) == 0 {
			return nil, kernelerr.New(kernelerr.CodeArgs, "agent.run parallel mode requires tasks")
		}
		if len(req.Tasks) > maxParallelAgentTasks {
			return nil, kernelerr.Newf(kernelerr.CodeArgs,
				"agent.run parallel is capped at %d tasks, got %d", maxParallelAgentTasks, len(req.Tasks))
		}
		tasks = req.Tasks
	default:
		return nil, kernelerr.Newf(kernelerr.CodeArgs, "unknown agent.run mode: %s", req.Mode)
	}

	results := make([]AgentTaskResult, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelAgentTasks)

	for i, task := range tasks {
		g.Go(func() error {
			results[i] = k.runAgentTask(gctx, req.Agent, task)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// runAgentTask runs one task synchronously: create session, start the loop,
// wait for it to finish, read back the final assistant message.
func (k *Kernel) runAgentTask(ctx context.Context, role, task string) AgentTaskResult {
	header, err := k.store.CreateSession(sessionstore.Header{})
	if err != nil {
		return AgentTaskResult{OK: false, Error: err.Error()}
	}

	if _, err := k.store.AppendMessage(header.ID, sessionstore.MessageAppend{
		Role: sessionstore.RoleUser, Text: task,
	}); err != nil {
		return AgentTaskResult{SessionID: header.ID, OK: false, Error: err.Error()}
	}

	st := k.states.get(header.ID)
	st.mu.Lock()
	st.running = true
	st.mu.Unlock()

	done := make(chan struct{})
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		defer close(done)
		k.runLoop(header.ID, loopOptions{role: role})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		k.Stop(header.ID)
		<-done
	}

	entries, err := k.store.GetEntries(header.ID)
	if err != nil {
		return AgentTaskResult{SessionID: header.ID, OK: false, Error: err.Error()}
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Type == sessionstore.EntryTypeMessage && e.Role == sessionstore.RoleAssistant {
			return AgentTaskResult{SessionID: header.ID, OK: true, Content: e.Text}
		}
	}
	st.mu.Lock()
	lastErr := st.lastError
	st.mu.Unlock()
	return AgentTaskResult{SessionID: header.ID, OK: false, Error: lastErr}
}
