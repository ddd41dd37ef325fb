// Package watcher turns raw filesystem notifications into the semantic
// operations the reconciler understands: adds, updates, moves, deletions.
// Moves are inferred by matching the content hash of a fresh file against
// the paths whose deletion is still pending.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Peltoche/cozy-desktop/internal/checksum"
	"github.com/Peltoche/cozy-desktop/internal/merge"
	"github.com/Peltoche/cozy-desktop/internal/metadata"
	"github.com/Peltoche/cozy-desktop/internal/store"
)

const (
	// fileDeleteDelay is how long an unlinked file stays pending before its
	// deletion is dispatched, giving a subsequent add the chance to claim
	// it as a move.
	fileDeleteDelay = 1250 * time.Millisecond
	// fileDeleteRecheck re-arms the pending timer while hashes are still in
	// flight, since one of them may claim the deletion.
	fileDeleteRecheck = 100 * time.Millisecond
	// folderDeleteInterval is the cadence at which a pending folder
	// deletion checks that all child deletions dispatched first.
	folderDeleteInterval = 350 * time.Millisecond
	// stopGrace bounds how long Stop waits for outstanding hash
	// completions before giving up on them.
	stopGrace = 3 * time.Second

	checksumCacheSize = 4096
)

// cachedSum lets a rescan skip rehashing files whose size and mtime did not
// change since the last computed digest.
type cachedSum struct {
	size   int64
	mtime  time.Time
	digest string
}

// LocalWatcher is the local-side change producer. It consumes the raw
// stream, maintains the pending-deletion table, and dispatches semantic
// operations into Prep with side=local. It reads the store's checksum index
// but never writes to the store.
type LocalWatcher struct {
	source EventSource
	queue  *checksum.Queue
	prep   *merge.Prep
	store  *store.Store
	root   string

	pending *pendingTable

	// scanPaths collects ids seen during the initial scan; nil afterwards
	scanMu    sync.Mutex
	scanPaths mapset.Set[string]
	scanFiles int
	scanBytes int64

	sums *lru.Cache[string, cachedSum]

	fileDelay      time.Duration
	fileRecheck    time.Duration
	folderInterval time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	wg      sync.WaitGroup
}

func NewLocalWatcher(root string, source EventSource, queue *checksum.Queue, prep *merge.Prep, st *store.Store) *LocalWatcher {
	sums, _ := lru.New[string, cachedSum](checksumCacheSize)
	return &LocalWatcher{
		source:         source,
		queue:          queue,
		prep:           prep,
		store:          st,
		root:           root,
		pending:        newPendingTable(),
		scanPaths:      mapset.NewSet[string](),
		sums:           sums,
		fileDelay:      fileDeleteDelay,
		fileRecheck:    fileDeleteRecheck,
		folderInterval: folderDeleteInterval,
		stopped:        make(chan struct{}),
	}
}

// SetDeleteTimings overrides the pending-deletion delays. Mostly useful in
// tests; production keeps the defaults.
func (w *LocalWatcher) SetDeleteTimings(fileDelay, fileRecheck, folderInterval time.Duration) {
	w.fileDelay = fileDelay
	w.fileRecheck = fileRecheck
	w.folderInterval = folderInterval
}

// Start launches the event loop. A fatal subscription error (ENOSPC) is
// returned immediately; no partial state is left behind.
func (w *LocalWatcher) Start(ctx context.Context) error {
	slog.Info("local watcher start", "dir", w.root)

	w.ctx, w.cancel = context.WithCancel(ctx)
	if err := w.source.Start(w.ctx); err != nil {
		w.cancel()
		return err
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop finalizes every pending deletion, releases the raw stream, and
// waits a bounded grace period for outstanding hash completions. No
// operations are emitted past the grace period.
func (w *LocalWatcher) Stop() {
	slog.Info("local watcher stopping")
	close(w.stopped)

	// dispatch outstanding deletions, children first
	for _, e := range w.pending.drain() {
		w.dispatchPendingDelete(e)
	}

	w.source.Stop()

	graceDone := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(graceDone)
	}()
	select {
	case <-graceDone:
	case <-time.After(stopGrace):
		slog.Warn("local watcher stop grace expired", "inFlight", w.queue.InFlight())
	}

	w.cancel()
	slog.Info("local watcher stopped")
}

func (w *LocalWatcher) loop() {
	defer w.wg.Done()

	events := w.source.Events()
	errs := w.source.Errors()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.stopped:
			return
		case err := <-errs:
			if errors.Is(err, ErrWatcherFatal) {
				slog.Error("local watcher fatal", "error", err)
				w.cancel()
				return
			}
			slog.Warn("local watcher", "error", err)
		case ev := <-events:
			w.handle(ev)
		}
	}
}

func (w *LocalWatcher) handle(ev Event) {
	switch ev.Type {
	case EventAdd:
		w.onAddFile(ev)
	case EventAddDir:
		w.onAddDir(ev)
	case EventChange:
		w.onChange(ev)
	case EventUnlink:
		w.onUnlinkFile(ev)
	case EventUnlinkDir:
		w.onUnlinkFolder(ev)
	case EventReady:
		w.onReady()
	}
}

func (w *LocalWatcher) onAddFile(ev Event) {
	id := metadata.NewID(ev.Path)
	w.recordScanned(id, ev)
	w.finalizePendingAt(id)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		digest, err := w.digest(ev)
		if err != nil {
			slog.Warn("watcher hash", "path", ev.Path, "error", err)
			return
		}
		doc := w.fileDoc(ev, digest)

		if w.pending.empty() {
			w.dispatch("addFile", ev.Path, func(ctx context.Context) error {
				return w.prep.AddFile(ctx, metadata.Local, doc)
			})
			return
		}

		// a pending deletion with this content is a move, not an add
		matches, err := w.store.ByChecksum(digest)
		if err != nil {
			slog.Warn("watcher checksum lookup", "path", ev.Path, "error", err)
			matches = nil
		}
		for _, match := range matches {
			if match.ID == doc.ID {
				continue
			}
			if _, ok := w.pending.take(match.ID); ok {
				was := match
				w.dispatch("moveFile", ev.Path, func(ctx context.Context) error {
					return w.prep.MoveFile(ctx, metadata.Local, doc, was)
				})
				return
			}
		}

		w.dispatch("addFile", ev.Path, func(ctx context.Context) error {
			return w.prep.AddFile(ctx, metadata.Local, doc)
		})
	}()
}

func (w *LocalWatcher) onAddDir(ev Event) {
	id := metadata.NewID(ev.Path)
	w.recordScanned(id, ev)
	w.finalizePendingAt(id)

	doc := metadata.NewFolder(ev.Path, time.Now())
	if ev.Stats != nil {
		doc.CreatedAt = ev.Stats.Ctime
		doc.UpdatedAt = ev.Stats.Mtime
	}
	w.dispatch("putFolder", ev.Path, func(ctx context.Context) error {
		return w.prep.PutFolder(ctx, metadata.Local, doc)
	})
}

func (w *LocalWatcher) onChange(ev Event) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		digest, err := w.digest(ev)
		if err != nil {
			slog.Warn("watcher hash", "path", ev.Path, "error", err)
			return
		}
		doc := w.fileDoc(ev, digest)
		w.dispatch("updateFile", ev.Path, func(ctx context.Context) error {
			return w.prep.UpdateFile(ctx, metadata.Local, doc)
		})
	}()
}

func (w *LocalWatcher) onUnlinkFile(ev Event) {
	id := metadata.NewID(ev.Path)
	entry := &pendingEntry{kind: pendingFile, path: ev.Path}
	entry.timer = time.AfterFunc(w.fileDelay, func() { w.fileDeleteTick(id) })
	w.pending.put(id, entry)
}

// fileDeleteTick fires when an unlinked file found no claimant yet. While
// hashes are in flight one of them may still claim this path as a move, so
// the decision is postponed in short increments.
func (w *LocalWatcher) fileDeleteTick(id string) {
	if w.queue.InFlight() > 0 {
		w.pending.mu.Lock()
		if e, ok := w.pending.entries[id]; ok {
			e.timer.Reset(w.fileRecheck)
		}
		w.pending.mu.Unlock()
		return
	}

	if e, ok := w.pending.take(id); ok {
		w.dispatchPendingDelete(e)
	}
}

func (w *LocalWatcher) onUnlinkFolder(ev Event) {
	id := metadata.NewID(ev.Path)
	entry := &pendingEntry{kind: pendingFolder, path: ev.Path}
	entry.timer = time.AfterFunc(w.folderInterval, func() { w.folderDeleteTick(id) })
	w.pending.put(id, entry)
}

// folderDeleteTick dispatches the folder deletion only once no child is
// still pending: the raw stream reports parent and children in no
// particular order, but children must reach the reconciler first.
func (w *LocalWatcher) folderDeleteTick(id string) {
	if w.pending.hasChildOf(id) {
		w.pending.mu.Lock()
		if e, ok := w.pending.entries[id]; ok {
			e.timer.Reset(w.folderInterval)
		}
		w.pending.mu.Unlock()
		return
	}

	if e, ok := w.pending.take(id); ok {
		w.dispatchPendingDelete(e)
	}
}

func (w *LocalWatcher) dispatchPendingDelete(e *pendingEntry) {
	doc := &metadata.Document{Path: filepath.FromSlash(e.path)}
	switch e.kind {
	case pendingFolder:
		w.dispatch("deleteFolder", e.path, func(ctx context.Context) error {
			return w.prep.DeleteFolder(ctx, metadata.Local, doc)
		})
	default:
		w.dispatch("deleteFile", e.path, func(ctx context.Context) error {
			return w.prep.DeleteFile(ctx, metadata.Local, doc)
		})
	}
}

// finalizePendingAt resolves a delete→re-add cycle: the pending deletion is
// dispatched right away so the following add recreates the document in
// order.
func (w *LocalWatcher) finalizePendingAt(id string) {
	if e, ok := w.pending.take(id); ok {
		w.dispatchPendingDelete(e)
	}
}

// onReady reconciles the store against what the scan actually saw: any
// journaled document whose path is gone from disk was deleted while the
// process was stopped. The sweep runs in reverse id order so children are
// deleted before their parents.
func (w *LocalWatcher) onReady() {
	w.scanMu.Lock()
	paths := w.scanPaths
	files, bytes := w.scanFiles, w.scanBytes
	w.scanPaths = nil
	w.scanMu.Unlock()

	if paths == nil {
		return
	}

	docs, err := w.store.ByRecursivePath("")
	if err != nil {
		slog.Error("watcher initial sweep", "error", err)
		return
	}

	missing := 0
	for i := len(docs) - 1; i >= 0; i-- {
		doc := docs[i]
		if paths.Contains(doc.ID) {
			continue
		}
		missing++
		w.dispatch("deleteDoc", doc.Path, func(ctx context.Context) error {
			return w.prep.DeleteDoc(ctx, metadata.Local, doc)
		})
	}

	slog.Info("initial scan done",
		"files", files,
		"size", humanize.Bytes(uint64(bytes)),
		"missing", missing)
}

func (w *LocalWatcher) recordScanned(id string, ev Event) {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()
	if w.scanPaths == nil {
		return
	}
	w.scanPaths.Add(id)
	if ev.Type == EventAdd && ev.Stats != nil {
		w.scanFiles++
		w.scanBytes += ev.Stats.Size
	}
}

// digest returns the base64 MD5 of the file, reusing a cached value when
// size and mtime are unchanged since it was computed.
func (w *LocalWatcher) digest(ev Event) (string, error) {
	if ev.Stats != nil {
		if c, ok := w.sums.Get(ev.Path); ok &&
			c.size == ev.Stats.Size && c.mtime.Equal(ev.Stats.Mtime) {
			return c.digest, nil
		}
	}

	res := <-w.queue.Enqueue(filepath.Join(w.root, filepath.FromSlash(ev.Path)))
	if res.Err != nil {
		return "", res.Err
	}

	if ev.Stats != nil {
		w.sums.Add(ev.Path, cachedSum{size: ev.Stats.Size, mtime: ev.Stats.Mtime, digest: res.Digest})
	}
	return res.Digest, nil
}

func (w *LocalWatcher) fileDoc(ev Event, digest string) *metadata.Document {
	var size int64
	var executable bool
	if ev.Stats != nil {
		size = ev.Stats.Size
		executable = ev.Stats.Mode&0o111 != 0
	}
	doc := metadata.NewFile(ev.Path, digest, size, executable, time.Now())
	if ev.Stats != nil {
		doc.CreatedAt = ev.Stats.Ctime
		doc.UpdatedAt = ev.Stats.Mtime
	}
	return doc
}

// dispatch runs one semantic operation against Prep, logging failures.
// Producers log and continue; they never abort the loop.
func (w *LocalWatcher) dispatch(op, path string, fn func(ctx context.Context) error) {
	if w.ctx.Err() != nil {
		// stopped: nothing is emitted once the watcher context is gone
		return
	}
	if err := fn(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("watcher dispatch", "op", op, "path", path, "error", err)
	}
}
