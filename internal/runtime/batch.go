package runtime

import (
	"sync"

	"github.com/user/towdyouso/internal/types"
)

// BatchTracker records, per session, the tool calls issued by one model
// response that have not finished yet. The call that empties a batch is the
// one that resumes the model.
type BatchTracker struct {
	mu      sync.Mutex
	batches map[types.SessionID]map[string]struct{}
}

// NewBatchTracker creates an empty tracker.
func NewBatchTracker() *BatchTracker {
	return &BatchTracker{batches: make(map[types.SessionID]map[string]struct{})}
}

// Register starts a new batch for the session, replacing any previous one.
func (b *BatchTracker) Register(sessionID types.SessionID, callIDs ...string) {
	if len(callIDs) == 0 {
		return
	}
	set := make(map[string]struct{}, len(callIDs))
	for _, id := range callIDs {
		set[id] = struct{}{}
	}
	b.mu.Lock()
	b.batches[sessionID] = set
	b.mu.Unlock()
}

// MarkDone removes callID from the session's batch. It returns true exactly
// once per batch: for the call that leaves it empty. Unknown sessions and
// call IDs return false.
func (b *BatchTracker) MarkDone(sessionID types.SessionID, callID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.batches[sessionID]
	if !ok {
		return false
	}
	if _, ok := set[callID]; !ok {
		return false
	}
	delete(set, callID)
	if len(set) > 0 {
		return false
	}
	delete(b.batches, sessionID)
	return true
}

// Pending returns how many calls of the session's batch are outstanding.
func (b *BatchTracker) Pending(sessionID types.SessionID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches[sessionID])
}

// Forget discards the session's batch.
func (b *BatchTracker) Forget(sessionID types.SessionID) {
	b.mu.Lock()
	delete(b.batches, sessionID)
	b.mu.Unlock()
}
