package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/towdyouso/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	parent_id   TEXT NOT NULL DEFAULT '',
	session_key TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_key_idx ON sessions (session_key);
CREATE TABLE IF NOT EXISTS entries (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	kind          TEXT NOT NULL,
	data          TEXT NOT NULL,
	status        TEXT,
	attachment_id TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	UNIQUE (session_id, seq)
);
CREATE INDEX IF NOT EXISTS entries_status_idx ON entries (session_id, status);
`

const entryColumns = "id, session_id, seq, kind, data, status, attachment_id, created_at"

// SQLStore implements both SessionStore and EntryStore on top of SQLite.
// Status updates are compare-and-swap UPDATEs, so concurrent workers can
// never move an entry backwards.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time

	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

// OpenSQLite opens (or creates) a SQLite database at dsn and applies the schema.
func OpenSQLite(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; one connection keeps writes serialized.
	db.SetMaxOpenConns(1)

	store := NewSQLStore(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an existing database handle. The schema is not applied.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{
		db:    db,
		now:   time.Now,
		locks: make(map[types.SessionID]*sync.Mutex),
	}
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) getLock(sessionID types.SessionID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[sessionID] = lock
	return lock
}

// sqlTimeLayout is fixed width so that text ordering matches time ordering.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(sqlTimeLayout, s)
}

// Sessions

func (s *SQLStore) insertSession(ctx context.Context, parentID types.SessionID, key types.SessionKey) (*types.Session, error) {
	session := &types.Session{
		ID:        types.NewSessionID(),
		ParentID:  parentID,
		Key:       key,
		CreatedAt: s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, parent_id, session_key, created_at) VALUES (?, ?, ?, ?)",
		string(session.ID), string(session.ParentID), string(session.Key), formatTime(session.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// Create starts a new session, optionally as a child of parentID.
func (s *SQLStore) Create(ctx context.Context, parentID types.SessionID) (*types.Session, error) {
	if parentID != "" {
		if _, err := s.Get(ctx, parentID); err != nil {
			return nil, fmt.Errorf("parent session: %w", err)
		}
	}
	return s.insertSession(ctx, parentID, "")
}

// ResolveOrCreate returns the session registered under key, creating one if needed.
func (s *SQLStore) ResolveOrCreate(ctx context.Context, key types.SessionKey) (*types.Session, error) {
	lock := s.getLock(types.SessionID("key:" + string(key)))
	lock.Lock()
	defer lock.Unlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT id, parent_id, session_key, created_at FROM sessions WHERE session_key = ?", string(key))
	session, err := scanSession(row)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	return s.insertSession(ctx, "", key)
}

// Get returns the session with the given ID.
func (s *SQLStore) Get(ctx context.Context, id types.SessionID) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, parent_id, session_key, created_at FROM sessions WHERE id = ?", string(id))
	session, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return session, nil
}

// List returns all sessions, oldest first.
func (s *SQLStore) List(ctx context.Context) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, parent_id, session_key, created_at FROM sessions ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var id, parentID, key, created string
	if err := row.Scan(&id, &parentID, &key, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	createdAt, err := parseTime(created)
	if err != nil {
		return nil, fmt.Errorf("parse session created_at: %w", err)
	}
	return &types.Session{
		ID:        types.SessionID(id),
		ParentID:  types.SessionID(parentID),
		Key:       types.SessionKey(key),
		CreatedAt: createdAt,
	}, nil
}

// Entries

// Entries returns the EntryStore view of the database.
func (s *SQLStore) Entries() *SQLEntries {
	return &SQLEntries{store: s}
}

// SQLEntries is the EntryStore view of a SQLStore.
type SQLEntries struct {
	store *SQLStore
}

// Append adds an entry to the session's log. Executable kinds start pending.
func (e *SQLEntries) Append(ctx context.Context, sessionID types.SessionID, kind types.Kind, data any, attachment types.FileID) (*types.Entry, error) {
	s := e.store
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown entry kind %q", kind)
	}
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}

	lock := s.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var lastSeq int64
	var lastCreated string
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0), COALESCE(MAX(created_at), '') FROM entries WHERE session_id = ?",
		string(sessionID),
	).Scan(&lastSeq, &lastCreated)
	if err != nil {
		return nil, fmt.Errorf("read last seq: %w", err)
	}

	entry := &types.Entry{
		ID:           types.NewEntryID(),
		SessionID:    sessionID,
		Seq:          lastSeq + 1,
		Kind:         kind,
		Data:         raw,
		AttachmentID: attachment,
		CreatedAt:    s.now().UTC(),
	}
	if lastCreated != "" {
		if prev, err := parseTime(lastCreated); err == nil && entry.CreatedAt.Before(prev) {
			entry.CreatedAt = prev
		}
	}
	var status sql.NullString
	if kind.Executable() {
		st := types.StatusPending
		entry.Status = &st
		status = sql.NullString{String: string(st), Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO entries ("+entryColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		string(entry.ID), string(sessionID), entry.Seq, string(kind), string(raw),
		status, string(attachment), formatTime(entry.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return entry, nil
}

// List returns all entries of a session ordered by creation.
func (e *SQLEntries) List(ctx context.Context, sessionID types.SessionID) ([]*types.Entry, error) {
	return e.query(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE session_id = ? ORDER BY seq",
		string(sessionID))
}

// Unresolved returns executable entries still pending or running.
func (e *SQLEntries) Unresolved(ctx context.Context, sessionID types.SessionID) ([]*types.Entry, error) {
	return e.query(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE session_id = ? AND status IN (?, ?) ORDER BY seq",
		string(sessionID), string(types.StatusPending), string(types.StatusRunning))
}

func (e *SQLEntries) query(ctx context.Context, query string, args ...any) ([]*types.Entry, error) {
	rows, err := e.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []*types.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// Get returns a single entry by ID.
func (e *SQLEntries) Get(ctx context.Context, id types.EntryID) (*types.Entry, error) {
	row := e.store.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE id = ?", string(id))
	entry, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", id, err)
	}
	return entry, nil
}

// SetStatus moves an executable entry forward with a conditional UPDATE.
// Missing entries and repeated statuses are no-ops; regressions return
// ErrInvalidTransition.
func (e *SQLEntries) SetStatus(ctx context.Context, id types.EntryID, status types.Status) error {
	from := allowedFrom(status)
	if len(from) > 0 {
		args := []any{string(status), string(id)}
		for _, f := range from {
			args = append(args, string(f))
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
		res, err := e.store.db.ExecContext(ctx,
			"UPDATE entries SET status = ? WHERE id = ? AND status IN ("+placeholders+")", args...)
		if err != nil {
			return fmt.Errorf("update entry status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update entry status: %w", err)
		}
		if n == 1 {
			return nil
		}
	}

	var current sql.NullString
	err := e.store.db.QueryRowContext(ctx, "SELECT status FROM entries WHERE id = ?", string(id)).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read entry status: %w", err)
	}
	if !current.Valid {
		return fmt.Errorf("%w: entry %s has no status", types.ErrInvalidTransition, id)
	}
	if types.Status(current.String) == status {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, current.String, status)
}

// allowedFrom lists the statuses that may move to the target status.
func allowedFrom(to types.Status) []types.Status {
	var out []types.Status
	for _, s := range []types.Status{types.StatusPending, types.StatusRunning} {
		if types.CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

func scanEntry(row rowScanner) (*types.Entry, error) {
	var (
		id, sessionID, kind, data, attachment, created string
		seq                                            int64
		status                                         sql.NullString
	)
	if err := row.Scan(&id, &sessionID, &seq, &kind, &data, &status, &attachment, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	createdAt, err := parseTime(created)
	if err != nil {
		return nil, fmt.Errorf("parse entry created_at: %w", err)
	}
	entry := &types.Entry{
		ID:           types.EntryID(id),
		SessionID:    types.SessionID(sessionID),
		Seq:          seq,
		Kind:         types.Kind(kind),
		Data:         []byte(data),
		AttachmentID: types.FileID(attachment),
		CreatedAt:    createdAt,
	}
	if status.Valid {
		s := types.Status(status.String)
		entry.Status = &s
	}
	return entry, nil
}
