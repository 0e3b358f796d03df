// Package state provides filesystem and SQLite backed storage implementations.
package state

import "github.com/user/towdyouso/internal/types"

// Compile-time interface compliance checks.
var _ types.SessionStore = (*SessionStore)(nil)
var _ types.EntryStore = (*EntryStore)(nil)
var _ types.SessionStore = (*SQLStore)(nil)
var _ types.EntryStore = (*SQLEntries)(nil)
var _ types.FileStore = (*FileStore)(nil)
var _ types.MemoryStore = (*MemoryStore)(nil)
var _ types.SignStore = (*SignStore)(nil)
