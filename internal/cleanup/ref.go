package cleanup

import (
	"strings"
	"sync"
	"sync/atomic"
)

// SessionRef holds the active session id. The session-creation flow sets it;
// the coordinator reads it when cleaning up.
type SessionRef struct {
	mu sync.RWMutex
	id string
}

func (r *SessionRef) Set(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id = strings.TrimSpace(id)
}

func (r *SessionRef) Get() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

// UnloadFlag lets in-flight work tell "the user is leaving" apart from an
// ordinary runtime failure.
type UnloadFlag struct {
	unloading atomic.Bool
}

func (f *UnloadFlag) Set(unloading bool) {
	if f == nil {
		return
	}
	f.unloading.Store(unloading)
}

func (f *UnloadFlag) IsUnloading() bool {
	if f == nil {
		return false
	}
	return f.unloading.Load()
}
