package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nextlevelbuilder/webbrain/internal/config"
	"github.com/nextlevelbuilder/webbrain/internal/contracts"
	"github.com/nextlevelbuilder/webbrain/internal/kernel"
	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
	"github.com/nextlevelbuilder/webbrain/internal/registry"
	"github.com/nextlevelbuilder/webbrain/internal/sessionstore"
	"github.com/nextlevelbuilder/webbrain/pkg/protocol"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	store, err := sessionstore.NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	k := kernel.New(kernel.Options{
		Config: cfg,
		Store:  store,
		Registry: registry.NewManager(
			registry.NewCapabilityRegistry(),
			registry.NewModeRegistry(),
			registry.NewHookChain(nil),
			registry.NewPolicyRegistry(),
			registry.NewRouteTable(),
		),
		Contracts: contracts.NewRegistry(),
	})
	return NewServer(cfg, k)
}

func request(t *testing.T, payload string) protocol.Request {
	t.Helper()
	var req protocol.Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		t.Fatal(err)
	}
	return req
}

func TestDispatchUnknownMethod(t *testing.T) {
	s := testServer(t)
	resp := s.Router().Dispatch(context.Background(), request(t, `{"type":"no.such.method","id":"r1"}`))
	if resp.OK || resp.ErrorCode != string(kernelerr.CodeArgs) {
		t.Fatalf("expected E_ARGS for unknown method, got %+v", resp)
	}
}

func TestSessionLifecycleOverRouter(t *testing.T) {
	s := testServer(t)
	r := s.Router()
	ctx := context.Background()

	// Create via fork-less path: list starts empty.
	resp := r.Dispatch(ctx, request(t, `{"type":"brain.session.list"}`))
	if !resp.OK {
		t.Fatalf("list failed: %+v", resp)
	}

	// brain.run.start without a configured profile still creates the
	// session and acknowledges before the loop resolves its route.
	resp = r.Dispatch(ctx, request(t, `{"type":"brain.run.start","prompt":"hello","autoRun":true}`))
	if !resp.OK {
		t.Fatalf("start failed: %+v", resp)
	}
	data := resp.Data.(kernel.StartResult)
	if data.SessionID == "" || !data.Running {
		t.Fatalf("expected a running session, got %+v", data)
	}

	// View returns header + entries (the prompt was appended).
	resp = r.Dispatch(ctx, request(t, `{"type":"brain.session.view","sessionId":"`+data.SessionID+`"}`))
	if !resp.OK {
		t.Fatalf("view failed: %+v", resp)
	}

	// Stop drains and reports the documented shape.
	resp = r.Dispatch(ctx, request(t, `{"type":"brain.run.stop","sessionId":"`+data.SessionID+`"}`))
	if !resp.OK {
		t.Fatalf("stop failed: %+v", resp)
	}

	// step.stream responds with stream + streamMeta even when empty-ish.
	resp = r.Dispatch(ctx, request(t, `{"type":"brain.step.stream","sessionId":"`+data.SessionID+`","maxEvents":5}`))
	if !resp.OK {
		t.Fatalf("stream failed: %+v", resp)
	}
	payload := resp.Data.(map[string]any)
	if _, ok := payload["streamMeta"]; !ok {
		t.Fatalf("expected streamMeta in response, got %+v", payload)
	}
}

func TestAgentRunNineTasksRejectedOverRouter(t *testing.T) {
	s := testServer(t)
	resp := s.Router().Dispatch(context.Background(), request(t,
		`{"type":"brain.agent.run","mode":"parallel","tasks":["1","2","3","4","5","6","7","8","9"]}`))
	if resp.OK || resp.ErrorCode != string(kernelerr.CodeArgs) {
		t.Fatalf("expected explicit cap rejection, got %+v", resp)
	}
}

func TestPluginRegisterValidatesHookNames(t *testing.T) {
	s := testServer(t)
	resp := s.Router().Dispatch(context.Background(), request(t,
		`{"type":"brain.plugin.register","manifest":{"ID":"p1","Hooks":["tool.before_call","not.a.hook"]}}`))
	if resp.OK {
		t.Fatalf("expected unknown hook to be rejected, got %+v", resp)
	}

	resp = s.Router().Dispatch(context.Background(), request(t,
		`{"type":"brain.plugin.register","manifest":{"ID":"p1","Hooks":["tool.before_call","loop.*"]}}`))
	if !resp.OK {
		t.Fatalf("expected valid manifest to register, got %+v", resp)
	}
}
