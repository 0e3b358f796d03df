// internal/state/entry.go
package state

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/towdyouso/internal/types"
)

const (
	opAppend = "append"
	opStatus = "status"
)

// record is one line of a session's entries.jsonl. The file is an
// operation log: entries are appended once and status changes are appended
// as separate records, so the file itself is never rewritten.
type record struct {
	Op     string        `json:"op"`
	Entry  *types.Entry  `json:"entry,omitempty"`
	ID     types.EntryID `json:"id,omitempty"`
	Status types.Status  `json:"status,omitempty"`
	At     *time.Time    `json:"at,omitempty"`
}

type entryLog struct {
	mu      sync.Mutex
	loaded  bool
	entries []*types.Entry
	byID    map[types.EntryID]*types.Entry
}

// EntryStore is a JSONL-backed append-only entry store.
// Entries are stored per-session in sessions/<sessionID>/entries.jsonl and
// replayed into memory on first access.
type EntryStore struct {
	root string
	now  func() time.Time

	mu        sync.Mutex
	logs      map[types.SessionID]*entryLog
	index     map[types.EntryID]types.SessionID
	loadedAll bool
}

// NewEntryStore creates a new file-backed EntryStore rooted at the given directory.
func NewEntryStore(root string) *EntryStore {
	return &EntryStore{
		root:  root,
		now:   time.Now,
		logs:  make(map[types.SessionID]*entryLog),
		index: make(map[types.EntryID]types.SessionID),
	}
}

func (e *EntryStore) entriesPath(sessionID types.SessionID) string {
	return filepath.Join(e.root, "sessions", string(sessionID), "entries.jsonl")
}

// getLog returns the per-session log, creating an empty one if needed.
func (e *EntryStore) getLog(sessionID types.SessionID) *entryLog {
	e.mu.Lock()
	defer e.mu.Unlock()

	if l, ok := e.logs[sessionID]; ok {
		return l
	}
	l := &entryLog{byID: make(map[types.EntryID]*types.Entry)}
	e.logs[sessionID] = l
	return l
}

func (e *EntryStore) indexEntry(id types.EntryID, sessionID types.SessionID) {
	e.mu.Lock()
	e.index[id] = sessionID
	e.mu.Unlock()
}

// load replays the session file into l. Caller must hold l.mu.
//
// A final line that does not parse is a write torn by a crash: it is cut
// off the file so later appends start on a clean line. An unparsable line
// anywhere else is corruption and fails the load.
func (e *EntryStore) load(sessionID types.SessionID, l *entryLog) error {
	if l.loaded {
		return nil
	}

	path := e.entriesPath(sessionID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			l.loaded = true
			return nil
		}
		return fmt.Errorf("open entries file: %w", err)
	}
	defer f.Close()

	var (
		recs     []record
		good     int64
		torn     error
		lineNo   int
		reader   = bufio.NewReaderSize(f, 64*1024)
		tornLine int
	)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			if torn != nil {
				return fmt.Errorf("unmarshal entry record at line %d: %w", tornLine, torn)
			}
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) == 0 {
				good += int64(len(line))
				continue
			}
			var rec record
			if err := json.Unmarshal(trimmed, &rec); err != nil {
				torn, tornLine = err, lineNo
			} else if line[len(line)-1] != '\n' {
				torn, tornLine = errors.New("record is missing its line terminator"), lineNo
			} else {
				recs = append(recs, rec)
				good += int64(len(line))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read entries file: %w", readErr)
		}
	}
	if torn != nil {
		slog.Warn("truncating torn entry record", "session_id", sessionID, "line", tornLine, "error", torn)
		if err := os.Truncate(path, good); err != nil {
			return fmt.Errorf("truncate torn entry record: %w", err)
		}
	}

	for _, rec := range recs {
		switch rec.Op {
		case opAppend:
			if rec.Entry == nil {
				continue
			}
			l.entries = append(l.entries, rec.Entry)
			l.byID[rec.Entry.ID] = rec.Entry
			e.indexEntry(rec.Entry.ID, sessionID)
		case opStatus:
			if entry, ok := l.byID[rec.ID]; ok {
				s := rec.Status
				entry.Status = &s
			}
		}
	}

	l.loaded = true
	return nil
}

// loadAll replays every session directory so that Get and SetStatus can
// resolve entry IDs written by a previous process. A session that fails to
// load is logged and skipped; its own reads keep returning the error.
func (e *EntryStore) loadAll() error {
	e.mu.Lock()
	done := e.loadedAll
	e.mu.Unlock()
	if done {
		return nil
	}

	dirs, err := os.ReadDir(filepath.Join(e.root, "sessions"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read sessions dir: %w", err)
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		sid := types.SessionID(d.Name())
		l := e.getLog(sid)
		l.mu.Lock()
		err := e.load(sid, l)
		l.mu.Unlock()
		if err != nil {
			slog.Error("skipping unreadable session log", "session_id", sid, "error", err)
		}
	}

	e.mu.Lock()
	e.loadedAll = true
	e.mu.Unlock()
	return nil
}

// lookup finds the session owning an entry ID.
func (e *EntryStore) lookup(id types.EntryID) (types.SessionID, bool, error) {
	e.mu.Lock()
	sid, ok := e.index[id]
	e.mu.Unlock()
	if ok {
		return sid, true, nil
	}
	if err := e.loadAll(); err != nil {
		return "", false, err
	}
	e.mu.Lock()
	sid, ok = e.index[id]
	e.mu.Unlock()
	return sid, ok, nil
}

// writeRecord appends one record and syncs it to disk. Caller must hold the session lock.
func (e *EntryStore) writeRecord(sessionID types.SessionID, rec *record) error {
	dir := filepath.Dir(e.entriesPath(sessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal entry record: %w", err)
	}

	f, err := os.OpenFile(e.entriesPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open entries file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write entry record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync entries file: %w", err)
	}
	return nil
}

// Append adds an entry to the session's log. Executable kinds start pending.
func (e *EntryStore) Append(_ context.Context, sessionID types.SessionID, kind types.Kind, data any, attachment types.FileID) (*types.Entry, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown entry kind %q", kind)
	}
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}

	l := e.getLog(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := e.load(sessionID, l); err != nil {
		return nil, err
	}

	entry := &types.Entry{
		ID:           types.NewEntryID(),
		SessionID:    sessionID,
		Seq:          int64(len(l.entries)) + 1,
		Kind:         kind,
		Data:         raw,
		AttachmentID: attachment,
		CreatedAt:    e.now().UTC(),
	}
	// Creation time must not run backwards within a session even if the wall clock does.
	if n := len(l.entries); n > 0 && entry.CreatedAt.Before(l.entries[n-1].CreatedAt) {
		entry.CreatedAt = l.entries[n-1].CreatedAt
	}
	if kind.Executable() {
		s := types.StatusPending
		entry.Status = &s
	}

	if err := e.writeRecord(sessionID, &record{Op: opAppend, Entry: entry}); err != nil {
		return nil, err
	}

	l.entries = append(l.entries, entry)
	l.byID[entry.ID] = entry
	e.indexEntry(entry.ID, sessionID)

	return entry.Clone(), nil
}

// List returns all entries of a session ordered by creation.
func (e *EntryStore) List(_ context.Context, sessionID types.SessionID) ([]*types.Entry, error) {
	l := e.getLog(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := e.load(sessionID, l); err != nil {
		return nil, err
	}
	out := make([]*types.Entry, len(l.entries))
	for i, entry := range l.entries {
		out[i] = entry.Clone()
	}
	return out, nil
}

// Get returns a single entry by ID.
func (e *EntryStore) Get(_ context.Context, id types.EntryID) (*types.Entry, error) {
	sid, ok, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", id, types.ErrNotFound)
	}

	l := e.getLog(sid)
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byID[id]
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", id, types.ErrNotFound)
	}
	return entry.Clone(), nil
}

// SetStatus moves an executable entry forward. Missing entries and repeated
// statuses are no-ops; regressions return ErrInvalidTransition.
func (e *EntryStore) SetStatus(_ context.Context, id types.EntryID, status types.Status) error {
	sid, ok, err := e.lookup(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	l := e.getLog(sid)
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byID[id]
	if !ok {
		return nil
	}
	if entry.Status == nil {
		return fmt.Errorf("%w: %s entry has no status", types.ErrInvalidTransition, entry.Kind)
	}
	current := *entry.Status
	if current == status {
		return nil
	}
	if !types.CanTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, current, status)
	}

	at := e.now().UTC()
	if err := e.writeRecord(sid, &record{Op: opStatus, ID: id, Status: status, At: &at}); err != nil {
		return err
	}
	entry.Status = &status
	return nil
}

// Unresolved returns the session's executable entries still pending or running.
func (e *EntryStore) Unresolved(ctx context.Context, sessionID types.SessionID) ([]*types.Entry, error) {
	entries, err := e.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return filterUnresolved(entries), nil
}

func filterUnresolved(entries []*types.Entry) []*types.Entry {
	var out []*types.Entry
	for _, entry := range entries {
		if entry.Status != nil && !entry.Status.Terminal() {
			out = append(out, entry)
		}
	}
	return out
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("entry data is not valid JSON")
		}
		return v, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal entry data: %w", err)
	}
	return raw, nil
}
