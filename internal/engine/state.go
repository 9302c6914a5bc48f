package engine

import (
	"context"
	"sync"
	"time"
)

// Status enumerates the process-wide sync states.
type Status string

const (
	// StatusOffline means the authority is unreachable.
	StatusOffline Status = "offline"
	// StatusOnline means the authority is reachable and no cycle is running.
	StatusOnline Status = "online"
	// StatusSyncing means a pull/push cycle is in progress.
	StatusSyncing Status = "syncing"
	// StatusError means the last cycle failed; not sticky, the next tick
	// re-derives the status from actual connectivity.
	StatusError Status = "error"
)

// SyncState is the operator-visible snapshot of the engine. Pending count
// and status are a correctness surface, not cosmetics: they are how an
// operator knows whether edits are confirmed, queued, or failed.
type SyncState struct {
	Status       Status
	PendingCount int64
	LastSyncAt   time.Time
	LastError    string
}

// StateTracker holds the current SyncState and fans updates out to watchers.
type StateTracker struct {
	mu          sync.RWMutex
	state       SyncState
	subscribers map[int64]chan SyncState
	nextID      int64
	bufferSize  int
}

// NewStateTracker constructs a tracker starting offline.
func NewStateTracker() *StateTracker {
	return &StateTracker{
		state:       SyncState{Status: StatusOffline},
		subscribers: make(map[int64]chan SyncState),
		bufferSize:  16,
	}
}

// Current returns a copy of the tracked state.
func (t *StateTracker) Current() SyncState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Watch subscribes to state updates until ctx is done or the cleanup
// function runs. Slow watchers drop intermediate updates.
func (t *StateTracker) Watch(ctx context.Context) (<-chan SyncState, func()) {
	t.mu.Lock()
	t.nextID++
	subscriberID := t.nextID
	stream := make(chan SyncState, t.bufferSize)
	t.subscribers[subscriberID] = stream
	t.mu.Unlock()

	cleanup := func() {
		t.mu.Lock()
		delete(t.subscribers, subscriberID)
		t.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

func (t *StateTracker) update(mutate func(state *SyncState)) {
	t.mu.Lock()
	mutate(&t.state)
	snapshot := t.state
	streams := make([]chan SyncState, 0, len(t.subscribers))
	for _, stream := range t.subscribers {
		streams = append(streams, stream)
	}
	t.mu.Unlock()

	for _, stream := range streams {
		select {
		case stream <- snapshot:
		default:
		}
	}
}
