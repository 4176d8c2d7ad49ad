// Package cdp is the browser facade: tab leases, ref-numbered snapshots
// bound to a tab generation, and the action/verify verbs, driven through
// go-rod. Two sessions can never mutate the same tab at once: a TTL-bounded
// lease (acquire → heartbeat → release) gates every action.
package cdp

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
)

// Lease is one owner's exclusive right to drive a tab.
type Lease struct {
	TabID     string    `json:"tabId"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LeaseManager arbitrates per-tab leases. A lease held by owner A answers
// locked_by_other to any other owner until released or TTL-expired.
type LeaseManager struct {
	mu     sync.Mutex
	ttl    time.Duration
	leases map[string]Lease // by tab id
	now    func() time.Time
}

func NewLeaseManager(ttl time.Duration) *LeaseManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &LeaseManager{ttl: ttl, leases: make(map[string]Lease), now: time.Now}
}

// Acquire grants (or renews) the lease on tabID for owner. Re-acquiring an
// own unexpired lease extends it.
func (m *LeaseManager) Acquire(tabID, owner string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.leases[tabID]; ok && l.Owner != owner && now.Before(l.ExpiresAt) {
		return Lease{}, kernelerr.Newf(kernelerr.CodeBusy, "locked_by_other").
			WithDetails(map[string]any{"tabId": tabID, "holder": l.Owner})
	}
	l := Lease{TabID: tabID, Owner: owner, ExpiresAt: now.Add(m.ttl)}
	m.leases[tabID] = l
	return l, nil
}

// Heartbeat extends an owner's unexpired lease.
func (m *LeaseManager) Heartbeat(tabID, owner string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	l, ok := m.leases[tabID]
	if !ok || now.After(l.ExpiresAt) {
		return Lease{}, kernelerr.Newf(kernelerr.CodeArgs, "no active lease on tab %s", tabID)
	}
	if l.Owner != owner {
		return Lease{}, kernelerr.Newf(kernelerr.CodeBusy, "locked_by_other").
			WithDetails(map[string]any{"tabId": tabID, "holder": l.Owner})
	}
	l.ExpiresAt = now.Add(m.ttl)
	m.leases[tabID] = l
	return l, nil
}

// Release drops an owner's lease. Releasing an expired or foreign lease is
// a no-op success: the caller's goal (not holding the tab) is already true.
func (m *LeaseManager) Release(tabID, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[tabID]; ok && l.Owner == owner {
		delete(m.leases, tabID)
	}
}

// Check reports whether owner currently holds tabID.
func (m *LeaseManager) Check(tabID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[tabID]
	if !ok || m.now().After(l.ExpiresAt) {
		return kernelerr.Newf(kernelerr.CodeArgs, "no active lease on tab %s", tabID)
	}
	if l.Owner != owner {
		return kernelerr.Newf(kernelerr.CodeBusy, "locked_by_other").
			WithDetails(map[string]any{"tabId": tabID, "holder": l.Owner})
	}
	return nil
}
