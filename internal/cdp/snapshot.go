package cdp

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
)

// SnapshotNode is one ref-numbered element in a snapshot.
type SnapshotNode struct {
	Ref           int    `json:"ref"`
	Role          string `json:"role"`
	Name          string `json:"name"`
	Selector      string `json:"selector,omitempty"`
	BackendNodeID int64  `json:"backendNodeId,omitempty"`
	FrameID       string `json:"frameId,omitempty"`
}

// Snapshot is a stable, ref-numbered view of a tab's interactive subset.
// Refs bind to the generation current at capture time.
type Snapshot struct {
	Nodes      []SnapshotNode `json:"nodes"`
	Source     string         `json:"source"` // ax | dom
	Text       string         `json:"text,omitempty"`
	Truncated  bool           `json:"truncated,omitempty"`
	TabID      string         `json:"tabId"`
	Generation uint64         `json:"generation"`
}

// snapshotJS walks the DOM for interactive and labeled elements, emitting a
// serialized node list with a CSS selector per element. The accessibility
// fields come from the element's computed role/name attributes — cheaper
// than a full AX tree pull and stable enough for ref-targeting.
const snapshotJS = `() => {
	const interactive = 'a[href], button, input, textarea, select, [role], [onclick], [contenteditable]';
	const out = [];
	const seen = new Set();
	let i = 0;
	const cssPath = (el) => {
		const parts = [];
		while (el && el.nodeType === 1 && parts.length < 6) {
			let sel = el.localName;
			if (el.id) { parts.unshift('#' + CSS.escape(el.id)); break; }
			const parent = el.parentElement;
			if (parent) {
				const siblings = Array.from(parent.children).filter(c => c.localName === el.localName);
				if (siblings.length > 1) sel += ':nth-of-type(' + (siblings.indexOf(el) + 1) + ')';
			}
			parts.unshift(sel);
			el = parent;
		}
		return parts.join(' > ');
	};
	for (const el of document.querySelectorAll(interactive)) {
		if (i >= 200) return JSON.stringify({nodes: out, truncated: true, text: document.title});
		const rect = el.getBoundingClientRect();
		if (rect.width === 0 && rect.height === 0) continue;
		const sel = cssPath(el);
		if (seen.has(sel)) continue;
		seen.add(sel);
		out.push({
			role: el.getAttribute('role') || el.localName,
			name: (el.getAttribute('aria-label') || el.textContent || el.getAttribute('placeholder') || '').trim().slice(0, 80),
			selector: sel,
		});
		i++;
	}
	return JSON.stringify({nodes: out, truncated: false, text: document.title});
}`

// TakeSnapshot captures the tab's current interactive elements and binds
// the resulting refs to the session and the tab's current generation.
func (m *Manager) TakeSnapshot(sessionID, tabID, source string) (Snapshot, error) {
	if source == "" {
		source = "dom"
	}
	page, err := m.page(tabID)
	if err != nil {
		return Snapshot{}, err
	}

	obj, err := page.Eval(snapshotJS)
	if err != nil {
		return Snapshot{}, kernelerr.New(kernelerr.CodeInternal, "cdp: snapshot eval: "+err.Error())
	}

	var raw struct {
		Nodes []struct {
			Role     string `json:"role"`
			Name     string `json:"name"`
			Selector string `json:"selector"`
		} `json:"nodes"`
		Truncated bool   `json:"truncated"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal([]byte(obj.Value.Str()), &raw); err != nil {
		return Snapshot{}, kernelerr.New(kernelerr.CodeInternal, "cdp: snapshot decode: "+err.Error())
	}

	gen := m.generation(tabID)
	snap := Snapshot{
		Source:     source,
		Text:       raw.Text,
		Truncated:  raw.Truncated,
		TabID:      tabID,
		Generation: gen,
	}
	refs := make(map[int]nodeRef, len(raw.Nodes))
	for i, n := range raw.Nodes {
		ref := i + 1
		snap.Nodes = append(snap.Nodes, SnapshotNode{
			Ref: ref, Role: n.Role, Name: n.Name, Selector: n.Selector,
		})
		refs[ref] = nodeRef{
			selector: n.Selector,
			uid:      fmt.Sprintf("%s-%d-%d", tabID, gen, ref),
		}
	}
	m.mu.Lock()
	m.bindings[sessionID] = snapshotBinding{tabID: tabID, generation: gen, refs: refs}
	m.bound[sessionID] = tabID
	m.mu.Unlock()

	return snap, nil
}

// Observe lists open tabs.
func (m *Manager) Observe() ([]map[string]any, error) {
	b, err := m.connect()
	if err != nil {
		return nil, kernelerr.New(kernelerr.CodeRuntimeNotReady, err.Error())
	}
	pages, err := b.Pages()
	if err != nil {
		return nil, kernelerr.New(kernelerr.CodeInternal, "cdp: list pages: "+err.Error())
	}
	out := make([]map[string]any, 0, len(pages))
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		out = append(out, map[string]any{
			"tabId": string(p.TargetID),
			"url":   info.URL,
			"title": info.Title,
		})
	}
	return out, nil
}
