package bridge

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
)

// testLane spins up a Server over httptest and a connected Client.
func testLane(t *testing.T, cfg ServerConfig, audit AuditLogger) (*Server, func(t *testing.T) *Client, func()) {
	t.Helper()
	srv := NewServer(nil, cfg, audit)
	httpSrv := httptest.NewServer(srv)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	ctx, cancel := context.WithCancel(context.Background())

	newClient := func(t *testing.T) *Client {
		t.Helper()
		c := NewClient(nil, ClientConfig{URL: wsURL, InvokeTimeoutSec: 10}, nil)
		c.Start(ctx)
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) && c.State() != StateConnected {
			time.Sleep(5 * time.Millisecond)
		}
		if c.State() != StateConnected {
			t.Fatal("client failed to connect")
		}
		return c
	}

	cleanup := func() {
		cancel()
		httpSrv.Close()
	}
	return srv, newClient, cleanup
}

func TestDedupRaceSingleExecutionBothAgentIDs(t *testing.T) {
	gate := make(chan struct{})
	var executions int
	var mu sync.Mutex

	srv, newClient, cleanup := testLane(t, ServerConfig{MaxConcurrency: 4}, nil)
	defer cleanup()
	srv.RegisterTool("test.delay.echo", func(ctx context.Context, args map[string]any) (any, error) {
		mu.Lock()
		executions++
		mu.Unlock()
		<-gate
		return map[string]any{"echo": args["value"]}, nil
	})

	c1 := newClient(t)
	c2 := newClient(t)

	type outcome struct {
		result ResultFrame
		err    error
	}
	results := make(chan outcome, 2)
	invoke := func(c *Client, agentID string) {
		r, err := c.Invoke(context.Background(), InvokeFrame{
			ID: "dup-1", Tool: "test.delay.echo", Args: map[string]any{"value": "x"},
			SessionID: "s", AgentID: agentID,
		})
		results <- outcome{r, err}
	}
	go invoke(c1, "a1")
	time.Sleep(100 * time.Millisecond) // first invoke reaches the gate
	go invoke(c2, "a2")
	time.Sleep(100 * time.Millisecond)
	close(gate)

	agents := map[string]bool{}
	for i := 0; i < 2; i++ {
		o := <-results
		if o.err != nil {
			t.Fatal(o.err)
		}
		if !o.result.OK {
			t.Fatalf("expected ok result, got %+v", o.result)
		}
		agents[o.result.AgentID] = true
	}
	if !agents["a1"] || !agents["a2"] {
		t.Fatalf("each response must carry its caller's own agentId, got %v", agents)
	}

	mu.Lock()
	defer mu.Unlock()
	if executions != 1 {
		t.Fatalf("expected exactly one server-side execution, got %d", executions)
	}
}

func TestDedupMismatchAndCachedReplay(t *testing.T) {
	gate := make(chan struct{})
	srv, newClient, cleanup := testLane(t, ServerConfig{MaxConcurrency: 4}, nil)
	defer cleanup()

	var executions int
	var mu sync.Mutex
	srv.RegisterTool("test.delay.echo", func(ctx context.Context, args map[string]any) (any, error) {
		mu.Lock()
		executions++
		mu.Unlock()
		<-gate
		return map[string]any{"echo": args["value"]}, nil
	})

	cA := newClient(t)
	cB := newClient(t)

	done := make(chan ResultFrame, 1)
	go func() {
		r, _ := cA.Invoke(context.Background(), InvokeFrame{
			ID: "c1", Tool: "test.delay.echo", Args: map[string]any{"value": "a"},
			SessionID: "s", AgentID: "agent-a",
		})
		done <- r
	}()
	time.Sleep(100 * time.Millisecond)

	// Same id, different args, while the first is in flight.
	r, err := cB.Invoke(context.Background(), InvokeFrame{
		ID: "c1", Tool: "test.delay.echo", Args: map[string]any{"value": "b"},
		SessionID: "s", AgentID: "agent-b",
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.OK || r.Error == nil || r.Error.Code != string(kernelerr.CodeArgs) || r.Error.Message != "duplicate invoke id" {
		t.Fatalf("expected E_ARGS duplicate invoke id, got %+v", r)
	}
	if r.AgentID != "agent-b" {
		t.Fatalf("mismatch response must carry the second caller's agentId, got %q", r.AgentID)
	}

	close(gate)
	first := <-done
	if !first.OK {
		t.Fatalf("expected first invoke to succeed, got %+v", first)
	}

	// After completion: changed args still fail...
	r, err = cB.Invoke(context.Background(), InvokeFrame{
		ID: "c1", Tool: "test.delay.echo", Args: map[string]any{"value": "b"},
		SessionID: "s", AgentID: "agent-b",
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.OK || r.Error == nil || r.Error.Code != string(kernelerr.CodeArgs) {
		t.Fatalf("expected E_ARGS after completion with changed args, got %+v", r)
	}

	// ...while the original args replay the cached response without
	// re-executing.
	r, err = cB.Invoke(context.Background(), InvokeFrame{
		ID: "c1", Tool: "test.delay.echo", Args: map[string]any{"value": "a"},
		SessionID: "s", AgentID: "agent-b",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !r.OK {
		t.Fatalf("expected cached replay to succeed, got %+v", r)
	}

	mu.Lock()
	defer mu.Unlock()
	if executions != 1 {
		t.Fatalf("expected one execution total, got %d", executions)
	}
}

func TestBusyCarriesLogicalSessionID(t *testing.T) {
	gate := make(chan struct{})
	srv, newClient, cleanup := testLane(t, ServerConfig{MaxConcurrency: 1}, nil)
	defer cleanup()
	srv.RegisterTool("slow", func(ctx context.Context, _ map[string]any) (any, error) {
		<-gate
		return "ok", nil
	})

	c := newClient(t)
	go c.Invoke(context.Background(), InvokeFrame{
		ID: "hold", Tool: "slow", Args: map[string]any{}, SessionID: "sess-1", AgentID: "holder",
	})
	time.Sleep(100 * time.Millisecond)

	r, err := c.Invoke(context.Background(), InvokeFrame{
		ID: "next", Tool: "slow", Args: map[string]any{}, SessionID: "sess-1", AgentID: "waiter",
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.OK || r.Error == nil || r.Error.Code != string(kernelerr.CodeBusy) {
		t.Fatalf("expected E_BUSY, got %+v", r)
	}
	if r.Error.Details["logicalSessionId"] != "sess-1" {
		t.Fatalf("expected details.logicalSessionId, got %+v", r.Error.Details)
	}
	if r.SessionID != "sess-1" || r.AgentID != "waiter" {
		t.Fatalf("busy response must keep the current request's identifiers, got %+v", r)
	}
	if !RetryableCode(r.Error.Code) {
		t.Fatal("E_BUSY must classify retryable")
	}
	close(gate)
}

func TestDisconnectRejectsPendingRetryable(t *testing.T) {
	gate := make(chan struct{})
	srv, newClient, cleanup := testLane(t, ServerConfig{MaxConcurrency: 4}, nil)
	srv.RegisterTool("slow", func(ctx context.Context, _ map[string]any) (any, error) {
		<-gate
		return "ok", nil
	})
	c := newClient(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Invoke(context.Background(), InvokeFrame{
			ID: "i1", Tool: "slow", Args: map[string]any{}, SessionID: "s",
		})
		errCh <- err
	}()
	time.Sleep(100 * time.Millisecond)

	cleanup() // tear the server down mid-invoke
	close(gate)

	err := <-errCh
	var ce *kernelerr.CodedError
	if !kernelerr.AsCoded(err, &ce) || ce.Code != kernelerr.CodeBridgeDisconnected {
		t.Fatalf("expected E_BRIDGE_DISCONNECTED, got %v", err)
	}
	if !ce.Retryable {
		t.Fatal("disconnect must classify retryable")
	}
}

func TestResponseBeforeCloseSucceeds(t *testing.T) {
	srv, newClient, cleanup := testLane(t, ServerConfig{MaxConcurrency: 4}, nil)
	srv.RegisterTool("fast", func(ctx context.Context, _ map[string]any) (any, error) {
		return "done", nil
	})
	c := newClient(t)

	r, err := c.Invoke(context.Background(), InvokeFrame{
		ID: "i1", Tool: "fast", Args: map[string]any{}, SessionID: "s",
	})
	if err != nil || !r.OK {
		t.Fatalf("expected success, got %+v / %v", r, err)
	}

	// The close arriving after the delivered response must not retroactively
	// fail anything.
	cleanup()
	time.Sleep(50 * time.Millisecond)
	if r.Data != "done" {
		t.Fatalf("delivered result must stand, got %+v", r.Data)
	}
}

func TestAbortBySessionResolvesPending(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	srv, newClient, cleanup := testLane(t, ServerConfig{MaxConcurrency: 4}, nil)
	defer cleanup()
	srv.RegisterTool("slow", func(ctx context.Context, _ map[string]any) (any, error) {
		<-gate
		return "ok", nil
	})
	c := newClient(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Invoke(context.Background(), InvokeFrame{
			ID: "i1", Tool: "slow", Args: map[string]any{}, SessionID: "s-abort",
		})
		errCh <- err
	}()
	time.Sleep(100 * time.Millisecond)

	c.AbortBySession("s-abort")

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected aborted invoke to resolve with an error, not succeed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("aborted invoke must resolve, not hang")
	}
}

// failingAudit always errors; the invoke must still succeed and the failure
// must surface as an invoke.stderr event with source=audit.
type failingAudit struct{}

func (failingAudit) Log(AuditRecord) error { return errors.New("disk full") }

func TestAuditFailureDoesNotPoisonInvoke(t *testing.T) {
	srv, newClient, cleanup := testLane(t, ServerConfig{MaxConcurrency: 4}, failingAudit{})
	defer cleanup()
	srv.RegisterTool("fast", func(ctx context.Context, _ map[string]any) (any, error) {
		return "done", nil
	})

	c := newClient(t)
	var stderrMu sync.Mutex
	sawAuditStderr := false
	c.OnStatus(func(event string, data map[string]any) {
		if event == "invoke.stderr" && data != nil && data["source"] == "audit" {
			stderrMu.Lock()
			sawAuditStderr = true
			stderrMu.Unlock()
		}
	})

	r, err := c.Invoke(context.Background(), InvokeFrame{
		ID: "i1", Tool: "fast", Args: map[string]any{}, SessionID: "s",
	})
	if err != nil || !r.OK {
		t.Fatalf("audit failure must not fail the invoke, got %+v / %v", r, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stderrMu.Lock()
		saw := sawAuditStderr
		stderrMu.Unlock()
		if saw {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected an invoke.stderr event with source=audit")
}

func TestSQLiteAuditRoundTrip(t *testing.T) {
	audit, err := NewSQLiteAudit(t.TempDir() + "/audit.db")
	if err != nil {
		t.Fatal(err)
	}
	defer audit.Close()

	if err := audit.Log(AuditRecord{
		ID: "i1", SessionID: "s", Tool: "exec",
		Args: map[string]any{"command": "ls"}, OK: true,
		StartedAt: time.Now(), Duration: 12 * time.Millisecond,
	}); err != nil {
		t.Fatal(err)
	}
}
