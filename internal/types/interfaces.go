// internal/types/interfaces.go
package types

import (
	"context"
	"io"
)

type SessionStore interface {
	Create(ctx context.Context, parentID SessionID) (*Session, error)
	ResolveOrCreate(ctx context.Context, key SessionKey) (*Session, error)
	Get(ctx context.Context, id SessionID) (*Session, error)
	List(ctx context.Context) ([]*Session, error)
}

// EntryStore is the system of record for conversation entries.
type EntryStore interface {
	Append(ctx context.Context, sessionID SessionID, kind Kind, data any, attachment FileID) (*Entry, error)
	List(ctx context.Context, sessionID SessionID) ([]*Entry, error)
	Get(ctx context.Context, id EntryID) (*Entry, error)
	SetStatus(ctx context.Context, id EntryID, status Status) error
	Unresolved(ctx context.Context, sessionID SessionID) ([]*Entry, error)
}

type FileStore interface {
	Save(ctx context.Context, data []byte, filename, mimeType string) (*UploadedFile, error)
	Get(ctx context.Context, id FileID) (*UploadedFile, error)
	Open(ctx context.Context, id FileID) (io.ReadCloser, error)
	URLFor(file *UploadedFile) string
	DataURL(ctx context.Context, id FileID) (string, error)
}

type MemoryStore interface {
	Create(ctx context.Context, content string) (*Memory, error)
	Update(ctx context.Context, id MemoryID, content string) (*Memory, error)
	Delete(ctx context.Context, id MemoryID) error
	List(ctx context.Context) ([]*Memory, error)
}

type SignStore interface {
	Save(ctx context.Context, loc *SignLocation) (*SignLocation, error)
	List(ctx context.Context) ([]*SignLocation, error)
}
