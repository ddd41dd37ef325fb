package watcher

import (
	"context"
	"io/fs"
	"time"
)

// EventType enumerates the raw event kinds the stream reports. Moves are
// never reported; the LocalWatcher infers them from content hashes.
type EventType string

const (
	EventAdd       EventType = "add"
	EventAddDir    EventType = "addDir"
	EventChange    EventType = "change"
	EventUnlink    EventType = "unlink"
	EventUnlinkDir EventType = "unlinkDir"
	EventReady     EventType = "ready"
)

// Stats is the filesystem metadata attached to add/addDir/change events.
type Stats struct {
	Mode  fs.FileMode
	Size  int64
	Mtime time.Time
	Ctime time.Time
}

// Event is one raw filesystem observation with a sync-root-relative,
// slash-separated path.
type Event struct {
	Type  EventType
	Path  string
	Stats *Stats
}

// FilterFunc returns true when a relative path must be ignored by the
// stream (the private control directory, user patterns).
type FilterFunc func(relPath string) bool

// EventSource abstracts the raw stream so the LocalWatcher can be driven by
// a real filesystem watcher or by tests.
type EventSource interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan Event
	Errors() <-chan error
}
