package cdp

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
)

// Options configures the facade.
type Options struct {
	Log        *slog.Logger
	ControlURL string // attach to an existing Chrome debug endpoint; empty = launch
	Headless   bool
	LeaseTTL   time.Duration
}

// snapshotBinding records which tab and generation a session's latest
// snapshot was taken against, plus the ref table it handed out. Refs are
// only valid against that exact generation; navigation and target switches
// bump it.
type snapshotBinding struct {
	tabID      string
	generation uint64
	refs       map[int]nodeRef
}

type nodeRef struct {
	selector      string
	backendNodeID int64
	uid           string
}

// Manager owns the rod browser handle, per-tab generations, and per-session
// snapshot bindings.
type Manager struct {
	log    *slog.Logger
	opts   Options
	Leases *LeaseManager

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
	gens     map[string]uint64          // tab id -> generation
	bindings map[string]snapshotBinding // session id -> latest snapshot binding
	bound    map[string]string          // session id -> explicitly targeted tab
	lastURLs map[string]string          // tab id -> last observed URL
}

func New(opts Options) *Manager {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Manager{
		log:      opts.Log,
		opts:     opts,
		Leases:   NewLeaseManager(opts.LeaseTTL),
		gens:     make(map[string]uint64),
		bindings: make(map[string]snapshotBinding),
		bound:    make(map[string]string),
		lastURLs: make(map[string]string),
	}
}

// connect lazily attaches to (or launches) the browser.
func (m *Manager) connect() (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser != nil {
		return m.browser, nil
	}

	controlURL := m.opts.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(m.opts.Headless)
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("cdp: launch browser: %w", err)
		}
		m.launcher = l
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("cdp: connect browser: %w", err)
	}
	m.browser = b
	m.log.Info("cdp connected", "control_url", controlURL)
	return b, nil
}

// Close tears the browser connection down.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.log.Debug("cdp close error", "error", err)
		}
		m.browser = nil
	}
	if m.launcher != nil {
		m.launcher.Cleanup()
		m.launcher = nil
	}
}

// page resolves a tab id to a live rod page.
func (m *Manager) page(tabID string) (*rod.Page, error) {
	b, err := m.connect()
	if err != nil {
		return nil, kernelerr.New(kernelerr.CodeRuntimeNotReady, err.Error())
	}
	pages, err := b.Pages()
	if err != nil {
		return nil, kernelerr.New(kernelerr.CodeInternal, "cdp: list pages: "+err.Error())
	}
	for _, p := range pages {
		if string(p.TargetID) == tabID {
			return p, nil
		}
	}
	return nil, kernelerr.Newf(kernelerr.CodeArgs, "tab not found: %s", tabID)
}

// bumpGeneration invalidates every outstanding snapshot ref on the tab.
func (m *Manager) bumpGeneration(tabID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gens[tabID]++
}

func (m *Manager) generation(tabID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gens[tabID]
}

// SwitchTarget binds a session to a tab. Execution against any other tab is
// rejected until a fresh snapshot is taken against the new target.
func (m *Manager) SwitchTarget(sessionID, tabID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bound[sessionID] = tabID
	delete(m.bindings, sessionID)
}

// resolveBinding validates that a session's snapshot refs are still usable:
// right tab, current generation.
func (m *Manager) resolveBinding(sessionID string) (snapshotBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	binding, ok := m.bindings[sessionID]
	if !ok {
		return snapshotBinding{}, kernelerr.New(kernelerr.CodeArgs,
			"no snapshot taken; take a snapshot before targeting elements")
	}
	if bound, ok := m.bound[sessionID]; ok && bound != binding.tabID {
		return snapshotBinding{}, kernelerr.New(kernelerr.CodeArgs,
			"snapshot belongs to a different tab; take a fresh snapshot after switching targets")
	}
	if m.gens[binding.tabID] != binding.generation {
		return snapshotBinding{}, kernelerr.New(kernelerr.CodeArgs,
			"stale snapshot ref: the tab changed since the snapshot was taken")
	}
	return binding, nil
}
