package cdp

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
)

func TestLeaseLockedByOtherUntilReleasedOrExpired(t *testing.T) {
	m := NewLeaseManager(time.Minute)
	now := time.Now()
	m.now = func() time.Time { return now }

	if _, err := m.Acquire("tab1", "owner-a"); err != nil {
		t.Fatal(err)
	}

	_, err := m.Acquire("tab1", "owner-b")
	var ce *kernelerr.CodedError
	if !kernelerr.AsCoded(err, &ce) || ce.Code != kernelerr.CodeBusy || ce.Message != "locked_by_other" {
		t.Fatalf("expected locked_by_other, got %v", err)
	}
	if ce.Details["holder"] != "owner-a" {
		t.Fatalf("expected holder attribution, got %+v", ce.Details)
	}

	// Release frees the tab for the next owner.
	m.Release("tab1", "owner-a")
	if _, err := m.Acquire("tab1", "owner-b"); err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}

	// TTL expiry frees it without a release.
	now = now.Add(2 * time.Minute)
	if _, err := m.Acquire("tab1", "owner-c"); err != nil {
		t.Fatalf("expected acquire after TTL expiry, got %v", err)
	}
}

func TestLeaseHeartbeatExtendsOnlyOwnLease(t *testing.T) {
	m := NewLeaseManager(time.Minute)
	now := time.Now()
	m.now = func() time.Time { return now }

	first, _ := m.Acquire("tab1", "owner-a")

	now = now.Add(30 * time.Second)
	extended, err := m.Heartbeat("tab1", "owner-a")
	if err != nil {
		t.Fatal(err)
	}
	if !extended.ExpiresAt.After(first.ExpiresAt) {
		t.Fatal("heartbeat must extend the lease")
	}

	if _, err := m.Heartbeat("tab1", "owner-b"); err == nil {
		t.Fatal("foreign heartbeat must fail")
	}

	now = now.Add(2 * time.Minute)
	if _, err := m.Heartbeat("tab1", "owner-a"); err == nil {
		t.Fatal("heartbeat on an expired lease must fail")
	}
}

func TestLeaseReacquireByOwnerExtends(t *testing.T) {
	m := NewLeaseManager(time.Minute)
	now := time.Now()
	m.now = func() time.Time { return now }

	first, _ := m.Acquire("tab1", "owner-a")
	now = now.Add(30 * time.Second)
	second, err := m.Acquire("tab1", "owner-a")
	if err != nil {
		t.Fatal(err)
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Fatal("re-acquire by the holder must extend")
	}
}

func TestStaleSnapshotBindingRejected(t *testing.T) {
	m := New(Options{LeaseTTL: time.Minute})

	// Simulate a snapshot binding, then a navigation bumping the generation.
	m.mu.Lock()
	m.bindings["sess"] = snapshotBinding{tabID: "tab1", generation: 0, refs: map[int]nodeRef{1: {selector: "#a"}}}
	m.bound["sess"] = "tab1"
	m.mu.Unlock()

	if _, err := m.resolveBinding("sess"); err != nil {
		t.Fatalf("fresh binding must resolve, got %v", err)
	}

	m.bumpGeneration("tab1")
	_, err := m.resolveBinding("sess")
	var ce *kernelerr.CodedError
	if !kernelerr.AsCoded(err, &ce) || ce.Code != kernelerr.CodeArgs {
		t.Fatalf("expected stale-ref binding failure, got %v", err)
	}

	// Cross-tab execution is rejected until a fresh snapshot follows the
	// target switch.
	m.mu.Lock()
	m.bindings["sess"] = snapshotBinding{tabID: "tab1", generation: 1, refs: map[int]nodeRef{}}
	m.mu.Unlock()
	m.SwitchTarget("sess", "tab2")
	if _, err := m.resolveBinding("sess"); err == nil {
		t.Fatal("expected rejection after target switch without a fresh snapshot")
	}
}
