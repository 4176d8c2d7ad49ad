package cdp

import (
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
)

// ActionRequest is one browser.action invocation.
type ActionRequest struct {
	SessionID string
	Owner     string // lease owner (usually the session id)
	TabID     string
	Verb      string // navigate | click | fill | scroll
	URL       string
	Ref       int
	UID       string
	Text      string
	Submit    bool
	Double    bool
	DY        int
}

// Act executes one mutation verb against the leased tab. The lease check
// runs first; a stale snapshot ref rejects with a binding failure and the
// step is not marked done.
func (m *Manager) Act(req ActionRequest) (map[string]any, error) {
	if req.TabID == "" {
		m.mu.Lock()
		req.TabID = m.bound[req.SessionID]
		m.mu.Unlock()
	}
	if req.TabID == "" {
		return nil, kernelerr.New(kernelerr.CodeArgs, "no target tab; observe and switch targets first")
	}
	owner := req.Owner
	if owner == "" {
		owner = req.SessionID
	}
	if err := m.Leases.Check(req.TabID, owner); err != nil {
		return nil, err
	}

	page, err := m.page(req.TabID)
	if err != nil {
		return nil, err
	}
	if info, err := page.Info(); err == nil {
		m.mu.Lock()
		m.lastURLs[req.TabID] = info.URL
		m.mu.Unlock()
	}

	switch req.Verb {
	case "navigate":
		if req.URL == "" {
			return nil, kernelerr.New(kernelerr.CodeArgs, "navigate requires a url")
		}
		if err := page.Navigate(req.URL); err != nil {
			return nil, kernelerr.New(kernelerr.CodeInternal, "cdp: navigate: "+err.Error())
		}
		if err := page.WaitLoad(); err != nil {
			m.log.Debug("cdp wait load", "error", err)
		}
		m.bumpGeneration(req.TabID)
		return map[string]any{"url": req.URL}, nil

	case "click":
		el, err := m.elementFor(req)
		if err != nil {
			return nil, err
		}
		count := 1
		if req.Double {
			count = 2
		}
		if err := el.Click(proto.InputMouseButtonLeft, count); err != nil {
			return nil, kernelerr.New(kernelerr.CodeInternal, "cdp: click: "+err.Error())
		}
		// A click may navigate; give the page a beat and invalidate refs if
		// the URL moved.
		time.Sleep(150 * time.Millisecond)
		m.bumpIfNavigated(req.TabID, page)
		return map[string]any{"clicked": true}, nil

	case "fill":
		if req.Text == "" {
			return nil, kernelerr.New(kernelerr.CodeArgs, "fill requires text")
		}
		el, err := m.elementFor(req)
		if err != nil {
			return nil, err
		}
		if err := el.SelectAllText(); err == nil {
			_ = el.Input("")
		}
		if err := el.Input(req.Text); err != nil {
			return nil, kernelerr.New(kernelerr.CodeInternal, "cdp: input: "+err.Error())
		}
		if req.Submit {
			if err := el.Type(input.Enter); err != nil {
				return nil, kernelerr.New(kernelerr.CodeInternal, "cdp: submit: "+err.Error())
			}
			m.bumpIfNavigated(req.TabID, page)
		}
		return map[string]any{"filled": true}, nil

	case "scroll":
		if req.Ref > 0 || req.UID != "" {
			el, err := m.elementFor(req)
			if err != nil {
				return nil, err
			}
			if err := el.ScrollIntoView(); err != nil {
				return nil, kernelerr.New(kernelerr.CodeInternal, "cdp: scroll: "+err.Error())
			}
		} else {
			if err := page.Mouse.Scroll(0, float64(req.DY), 1); err != nil {
				return nil, kernelerr.New(kernelerr.CodeInternal, "cdp: scroll: "+err.Error())
			}
		}
		return map[string]any{"scrolled": true}, nil

	default:
		return nil, kernelerr.Newf(kernelerr.CodeArgs, "unknown browser action: %s", req.Verb)
	}
}

// elementFor resolves a ref/uid through the session's snapshot binding.
func (m *Manager) elementFor(req ActionRequest) (*rod.Element, error) {
	binding, err := m.resolveBinding(req.SessionID)
	if err != nil {
		return nil, err
	}
	if binding.tabID != req.TabID {
		return nil, kernelerr.New(kernelerr.CodeArgs,
			"snapshot belongs to a different tab; take a fresh snapshot after switching targets")
	}

	ref := req.Ref
	if ref == 0 && req.UID != "" {
		for r, n := range binding.refs {
			if n.uid == req.UID {
				ref = r
				break
			}
		}
	}
	node, ok := binding.refs[ref]
	if !ok {
		return nil, kernelerr.Newf(kernelerr.CodeArgs, "unknown snapshot ref: %d", ref)
	}

	page, err := m.page(req.TabID)
	if err != nil {
		return nil, err
	}
	el, err := page.Element(node.selector)
	if err != nil {
		return nil, kernelerr.Newf(kernelerr.CodeArgs, "element for ref %d no longer present", ref)
	}
	return el, nil
}

// bumpIfNavigated invalidates snapshot refs when an interaction moved the
// page to a new document.
func (m *Manager) bumpIfNavigated(tabID string, page *rod.Page) {
	info, err := page.Info()
	if err != nil {
		return
	}
	m.mu.Lock()
	last := m.lastURLs[tabID]
	m.lastURLs[tabID] = info.URL
	if last != "" && last != info.URL {
		m.gens[tabID]++
	}
	m.mu.Unlock()
}

// VerifyRequest is one browser.verify invocation.
type VerifyRequest struct {
	SessionID  string
	TabID      string
	ExpectText string
	ExpectURL  string
}

// Verify checks the visible page state against an expectation.
func (m *Manager) Verify(req VerifyRequest) (verified bool, reason string, err error) {
	if req.TabID == "" {
		m.mu.Lock()
		req.TabID = m.bound[req.SessionID]
		m.mu.Unlock()
	}
	page, err := m.page(req.TabID)
	if err != nil {
		return false, "", err
	}

	if req.ExpectURL != "" {
		info, err := page.Info()
		if err != nil {
			return false, "", kernelerr.New(kernelerr.CodeInternal, "cdp: page info: "+err.Error())
		}
		if !strings.Contains(info.URL, req.ExpectURL) {
			return false, "verify_failed", nil
		}
	}
	if req.ExpectText != "" {
		obj, err := page.Eval(`() => document.body ? document.body.innerText : ''`)
		if err != nil {
			return false, "", kernelerr.New(kernelerr.CodeInternal, "cdp: verify eval: "+err.Error())
		}
		if !strings.Contains(obj.Value.Str(), req.ExpectText) {
			return false, "verify_failed", nil
		}
	}
	return true, "verified", nil
}
