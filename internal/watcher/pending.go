package watcher

import (
	"strings"
	"sync"
	"time"
)

type pendingKind int

const (
	pendingFile pendingKind = iota
	pendingFolder
)

// pendingEntry is a deletion waiting for its fate: either its timer fires
// and the deletion is dispatched, or a subsequent add claims the path (a
// re-add cycle) or its content hash (a move).
type pendingEntry struct {
	kind  pendingKind
	path  string // rel, slash-separated
	timer *time.Timer
}

// pendingTable guards the per-path pending deletion records. Keys are
// normalized ids so producers and the checksum index agree on identity.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingEntry)}
}

// put registers an entry and its timer. An existing entry for the same key
// is replaced, its timer stopped.
func (t *pendingTable) put(key string, e *pendingEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.entries[key]; ok && old.timer != nil {
		old.timer.Stop()
	}
	t.entries[key] = e
}

// take removes and returns the entry at key, stopping its timer.
func (t *pendingTable) take(key string) (*pendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	delete(t.entries, key)
	if e.timer != nil {
		e.timer.Stop()
	}
	return e, true
}

// has reports whether key is pending. Timers use it to check they are still
// the owner before dispatching.
func (t *pendingTable) has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

func (t *pendingTable) empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries) == 0
}

// hasChildOf reports whether any pending entry lies strictly under the
// folder key. Folder deletions wait for their children to dispatch first.
func (t *pendingTable) hasChildOf(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefix := key + "/"
	for k := range t.entries {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// drain removes and returns every entry, children before parents, stopping
// all timers. Used on shutdown to finalize outstanding deletions.
func (t *pendingTable) drain() []*pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make([]*pendingEntry, 0, len(t.entries))
	for _, e := range t.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		all = append(all, e)
	}
	t.entries = make(map[string]*pendingEntry)

	// deepest paths first
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if strings.Count(all[j].path, "/") > strings.Count(all[i].path, "/") {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	return all
}
