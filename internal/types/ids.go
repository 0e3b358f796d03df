// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type SessionKey string
type SessionID string
type EntryID string
type FileID string
type MemoryID string
type SignID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewEntryID() EntryID {
	return EntryID(uuid.New().String())
}

func NewFileID() FileID {
	return FileID(uuid.New().String())
}

func NewMemoryID() MemoryID {
	return MemoryID(uuid.New().String())
}

func NewSignID() SignID {
	return SignID(uuid.New().String())
}

func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}
