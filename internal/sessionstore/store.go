// Package sessionstore implements the append-only session event log,
// its derived conversation-view projection (view.go), and the send-time
// message stitching pass. Persistence follows the atomic
// temp-file-then-rename pattern,
// restructured from a flat message array into an append-only entry log so
// that compaction cut points and derived conversation views can be expressed.
package sessionstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
)

// Store is the Session Store interface: append-only per-session log,
// Session Header, and the separately-persisted Session Index. A Postgres
// implementation satisfies the same interface for managed deployments
// without the rest of the kernel knowing the difference.
type Store interface {
	CreateSession(header Header) (Header, error)
	GetHeader(sessionID string) (Header, error)
	ListSessions() ([]IndexEntry, error)
	DeleteSession(sessionID string) error

	AppendMessage(sessionID string, msg MessageAppend) (Entry, error)
	AppendToolCall(sessionID, parentID string, call ToolCallSpec) (Entry, error)
	AppendCompaction(sessionID string, c CompactionAppend) (Entry, error)
	GetEntries(sessionID string) ([]Entry, error)

	RefreshTitle(sessionID, title, source string) error
}

// MessageAppend is the input to AppendMessage — everything about a message
// entry except its generated id/timestamp.
type MessageAppend struct {
	Role       Role
	Text       string
	ToolCallID string
	ToolName   string
	ParentID   string
}

// CompactionAppend is the input to AppendCompaction.
type CompactionAppend struct {
	Summary         string
	CutPointEntryID string
	TokensBefore    int
	TokensAfter     int
	Reason          string
}

// FileStore is the default Store backend: entries are sharded into
// size-bounded JSON pages under a storage directory, written with the
// atomic temp-file-then-os.Rename pattern, guarded by a sync.RWMutex over an in-memory map. The index
// (session:index) uses the same atomic-rename write. Startup recovers all
// sessions by scanning the storage directory, dropping any session left
// mid-tombstone by a crashed delete.
type FileStore struct {
	dir         string
	pageSize    int // max entries per page before a new page is started
	mu          sync.RWMutex
	sessions    map[string]*fileSession
	index       []IndexEntry
}

type fileSession struct {
	header  Header
	entries []Entry
	mu      sync.Mutex // serializes appends for this session (pages written in order)
}

// NewFileStore opens (and if necessary creates) a FileStore rooted at dir.
// pageSize <= 0 defaults to 500 entries per page.
func NewFileStore(dir string, pageSize int) (*FileStore, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessionstore: create storage dir: %w", err)
	}
	fs := &FileStore{dir: dir, pageSize: pageSize, sessions: make(map[string]*fileSession)}
	if err := fs.loadAll(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) metaPath(id string) string  { return filepath.Join(fs.dir, sanitizeID(id)+".meta.json") }
func (fs *FileStore) pageDir(id string) string    { return filepath.Join(fs.dir, sanitizeID(id)+".pages") }
func (fs *FileStore) pagePath(id string, n int) string {
	return filepath.Join(fs.pageDir(id), fmt.Sprintf("page-%06d.json", n))
}
func (fs *FileStore) indexPath() string { return filepath.Join(fs.dir, "index.json") }
func (fs *FileStore) tombstonePath(id string) string {
	return filepath.Join(fs.dir, sanitizeID(id)+".tombstone")
}

// loadAll recovers every session from disk at startup. Any session whose
// tombstone file is present is dropped (a crash mid-delete).
func (fs *FileStore) loadAll() error {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil
	}

	tombstoned := map[string]bool{}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tombstone") {
			tombstoned[strings.TrimSuffix(e.Name(), ".tombstone")] = true
		}
	}

	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".meta.json")
		if tombstoned[id] {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.dir, e.Name()))
		if err != nil {
			continue
		}
		var header Header
		if err := json.Unmarshal(data, &header); err != nil {
			continue
		}
		pages, err := fs.loadPages(header.ID)
		if err != nil {
			continue
		}
		fs.sessions[header.ID] = &fileSession{header: header, entries: pages}
	}

	if data, err := os.ReadFile(fs.indexPath()); err == nil {
		var idx Index
		if json.Unmarshal(data, &idx) == nil {
			for _, ie := range idx.Sessions {
				if !tombstoned[ie.ID] {
					fs.index = append(fs.index, ie)
				}
			}
		}
	}
	// An index is allowed to disagree transiently; reconcile it to the
	// recovered sessions so every id in the index has a corresponding log.
	fs.reconcileIndexLocked()
	return nil
}

func (fs *FileStore) loadPages(id string) ([]Entry, error) {
	dir := fs.pageDir(id)
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if strings.HasSuffix(f.Name(), ".json") {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)

	var all []Entry
	for _, n := range names {
		data, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return nil, fmt.Errorf("sessionstore: %w", kernelerr.New(kernelerr.CodeLogCorrupt, "page read failed: "+err.Error()))
		}
		var page []Entry
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("sessionstore: %w", kernelerr.New(kernelerr.CodeLogCorrupt, "page decode failed: "+err.Error()))
		}
		all = append(all, page...)
	}
	return all, nil
}

func (fs *FileStore) reconcileIndexLocked() {
	have := map[string]bool{}
	for id := range fs.sessions {
		have[id] = true
	}
	kept := fs.index[:0]
	for _, ie := range fs.index {
		if have[ie.ID] {
			kept = append(kept, ie)
			delete(have, ie.ID)
		}
	}
	// Any session on disk but missing from the index is re-added — cheap
	// enumeration is a derived convenience, the per-session log is the
	// source of truth.
	for id := range have {
		kept = append(kept, IndexEntry{ID: id, CreatedAt: fs.sessions[id].header.CreatedAt, UpdatedAt: fs.sessions[id].header.UpdatedAt})
	}
	fs.index = kept
}

// CreateSession registers a new session header and an empty log.
func (fs *FileStore) CreateSession(header Header) (Header, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if header.ID == "" {
		header.ID = uuid.NewString()
	}
	now := time.Now()
	if header.CreatedAt.IsZero() {
		header.CreatedAt = now
	}
	header.UpdatedAt = now

	fs.sessions[header.ID] = &fileSession{header: header}
	fs.index = append(fs.index, IndexEntry{ID: header.ID, CreatedAt: header.CreatedAt, UpdatedAt: header.UpdatedAt})

	if err := fs.writeMetaLocked(header); err != nil {
		return Header{}, err
	}
	if err := fs.writeIndexLocked(); err != nil {
		return Header{}, err
	}
	return header, nil
}

func (fs *FileStore) GetHeader(sessionID string) (Header, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	s, ok := fs.sessions[sessionID]
	if !ok {
		return Header{}, kernelerr.New(kernelerr.CodeSessionNotFound, "session not found: "+sessionID)
	}
	return s.header, nil
}

func (fs *FileStore) ListSessions() ([]IndexEntry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]IndexEntry, len(fs.index))
	copy(out, fs.index)
	return out, nil
}

// DeleteSession removes log pages, header, and index entry atomically-by-
// journal: write tombstone → remove pages → remove header → compact
// index. A crash between steps leaves a tombstone that startup's loadAll
// drops.
func (fs *FileStore) DeleteSession(sessionID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.sessions[sessionID]; !ok {
		return kernelerr.New(kernelerr.CodeSessionNotFound, "session not found: "+sessionID)
	}

	if err := os.WriteFile(fs.tombstonePath(sessionID), []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return fmt.Errorf("sessionstore: write tombstone: %w", err)
	}
	os.RemoveAll(fs.pageDir(sessionID))
	os.Remove(fs.metaPath(sessionID))
	delete(fs.sessions, sessionID)

	kept := fs.index[:0]
	for _, ie := range fs.index {
		if ie.ID != sessionID {
			kept = append(kept, ie)
		}
	}
	fs.index = kept
	if err := fs.writeIndexLocked(); err != nil {
		return err
	}
	os.Remove(fs.tombstonePath(sessionID))
	return nil
}

func (fs *FileStore) AppendMessage(sessionID string, msg MessageAppend) (Entry, error) {
	e := Entry{
		ID:         uuid.NewString(),
		Type:       EntryTypeMessage,
		Timestamp:  time.Now(),
		ParentID:   msg.ParentID,
		Role:       msg.Role,
		Text:       msg.Text,
		ToolCallID: msg.ToolCallID,
		ToolName:   msg.ToolName,
	}
	return fs.append(sessionID, e)
}

func (fs *FileStore) AppendToolCall(sessionID, parentID string, call ToolCallSpec) (Entry, error) {
	e := Entry{
		ID:        uuid.NewString(),
		Type:      EntryTypeToolCall,
		Timestamp: time.Now(),
		ParentID:  parentID,
		ToolCall:  &call,
	}
	return fs.append(sessionID, e)
}

func (fs *FileStore) AppendCompaction(sessionID string, c CompactionAppend) (Entry, error) {
	e := Entry{
		ID:              uuid.NewString(),
		Type:            EntryTypeCompaction,
		Timestamp:       time.Now(),
		Summary:         c.Summary,
		CutPointEntryID: c.CutPointEntryID,
		TokensBefore:    c.TokensBefore,
		TokensAfter:     c.TokensAfter,
		Reason:          c.Reason,
	}
	return fs.append(sessionID, e)
}

func (fs *FileStore) append(sessionID string, e Entry) (Entry, error) {
	fs.mu.RLock()
	sess, ok := fs.sessions[sessionID]
	fs.mu.RUnlock()
	if !ok {
		return Entry{}, kernelerr.New(kernelerr.CodeSessionNotFound, "session not found: "+sessionID)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.entries = append(sess.entries, e)
	pageIdx := (len(sess.entries) - 1) / fs.pageSize
	pageStart := pageIdx * fs.pageSize
	page := sess.entries[pageStart:]

	if err := fs.writePage(sessionID, pageIdx, page); err != nil {
		return Entry{}, err
	}

	fs.mu.Lock()
	sess.header.UpdatedAt = e.Timestamp
	header := sess.header
	for i := range fs.index {
		if fs.index[i].ID == sessionID {
			fs.index[i].UpdatedAt = e.Timestamp
			break
		}
	}
	writeIdxErr := fs.writeIndexLocked()
	fs.mu.Unlock()
	if writeIdxErr != nil {
		return Entry{}, writeIdxErr
	}
	if err := fs.writeMeta(header); err != nil {
		return Entry{}, err
	}

	return e, nil
}

func (fs *FileStore) GetEntries(sessionID string) ([]Entry, error) {
	fs.mu.RLock()
	sess, ok := fs.sessions[sessionID]
	fs.mu.RUnlock()
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeSessionNotFound, "session not found: "+sessionID)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]Entry, len(sess.entries))
	copy(out, sess.entries)
	return out, nil
}

func (fs *FileStore) RefreshTitle(sessionID, title, source string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	sess, ok := fs.sessions[sessionID]
	if !ok {
		return kernelerr.New(kernelerr.CodeSessionNotFound, "session not found: "+sessionID)
	}
	sess.header.Title = title
	sess.header.TitleSource = source
	sess.header.UpdatedAt = time.Now()
	return fs.writeMetaLocked(sess.header)
}

func (fs *FileStore) writeMeta(header Header) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.writeMetaLocked(header)
}

func (fs *FileStore) writeMetaLocked(header Header) error {
	return atomicWriteJSON(fs.dir, fs.metaPath(header.ID), header)
}

func (fs *FileStore) writeIndexLocked() error {
	idx := Index{Version: 1, Sessions: fs.index, UpdatedAt: time.Now()}
	return atomicWriteJSON(fs.dir, fs.indexPath(), idx)
}

func (fs *FileStore) writePage(sessionID string, pageIdx int, page []Entry) error {
	dir := fs.pageDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sessionstore: create page dir: %w", err)
	}
	return atomicWriteJSON(dir, fs.pagePath(sessionID, pageIdx), page)
}

// atomicWriteJSON marshals v and writes it to path via a temp file and
// os.Rename so readers never observe a torn page.
func atomicWriteJSON(dir, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionstore: marshal: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "page-*.tmp")
	if err != nil {
		return fmt.Errorf("sessionstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("sessionstore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sessionstore: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sessionstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("sessionstore: rename temp file: %w", err)
	}
	cleanup = false
	return nil
}

func sanitizeID(id string) string {
	return strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(id)
}
