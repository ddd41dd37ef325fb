package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	rawBufferSize   = 256
	eventBufferSize = 256

	// DefaultStabilityThreshold is how long a file must stay quiet before
	// its write burst is flushed as a single event.
	DefaultStabilityThreshold = time.Second
	// DefaultPollInterval is the cadence of stability re-checks.
	DefaultPollInterval = 200 * time.Millisecond
)

// ErrWatcherFatal wraps conditions the watcher cannot recover from, such as
// kernel watch exhaustion (ENOSPC).
var ErrWatcherFatal = errors.New("fatal watcher error")

// StreamOptions tunes the raw stream.
type StreamOptions struct {
	// StabilityThreshold and PollInterval implement write-finish waiting:
	// bursts of writes to one file are coalesced until the file stays
	// quiet for the threshold.
	StabilityThreshold time.Duration
	PollInterval       time.Duration
	// Filter drops paths before classification (control dir, user
	// patterns). May be nil.
	Filter FilterFunc
}

// Stream adapts the OS notification primitive into the add/addDir/change/
// unlink/unlinkDir/ready event vocabulary. It performs the initial scan,
// classifies raw notifications against a table of known paths, and
// debounces file write bursts. Symlinks are not followed.
type Stream struct {
	root   string
	opts   StreamOptions
	events chan Event
	errs   chan error
	raw    chan notify.EventInfo

	mu    sync.Mutex
	known map[string]bool // rel path -> isDir

	// debounce state, one timer per path under burst
	pendingWrites map[string]*time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

func NewStream(root string, opts StreamOptions) *Stream {
	if opts.StabilityThreshold <= 0 {
		opts.StabilityThreshold = DefaultStabilityThreshold
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Stream{
		root:          root,
		opts:          opts,
		events:        make(chan Event, eventBufferSize),
		errs:          make(chan error, 1),
		raw:           make(chan notify.EventInfo, rawBufferSize),
		known:         make(map[string]bool),
		pendingWrites: make(map[string]*time.Timer),
		done:          make(chan struct{}),
	}
}

func (s *Stream) Events() <-chan Event { return s.events }
func (s *Stream) Errors() <-chan error { return s.errs }

// Start subscribes to the OS watcher and launches the scan + translate
// loop. ENOSPC at subscription time is fatal.
func (s *Stream) Start(ctx context.Context) error {
	if err := notify.Watch(filepath.Join(s.root, "..."), s.raw, notify.All); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return errors.Join(ErrWatcherFatal, err)
		}
		return err
	}

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop unsubscribes and drains the translation loop.
func (s *Stream) Stop() {
	close(s.done)
	notify.Stop(s.raw)
	s.wg.Wait()
}

func (s *Stream) run(ctx context.Context) {
	// The events channel is never closed: late debounce timers may still
	// try to emit, and their sends are dropped via the done channel
	// instead. Consumers stop through their own lifecycle.
	defer func() {
		s.flushAllWrites()
		s.wg.Done()
	}()

	s.initialScan(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case ei, ok := <-s.raw:
			if !ok {
				return
			}
			s.translate(ei)
		}
	}
}

// initialScan walks the whole tree, emitting add/addDir for every entry,
// then a single ready event.
func (s *Stream) initialScan(ctx context.Context) {
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			slog.Warn("watcher scan", "path", path, "error", walkErr)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == s.root {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if s.opts.Filter != nil && s.opts.Filter(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// symlinks are reported by WalkDir but never followed; skip them
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			slog.Warn("watcher scan stat", "path", path, "error", err)
			return nil
		}

		if d.IsDir() {
			s.setKnown(rel, true)
			s.emit(Event{Type: EventAddDir, Path: rel, Stats: statsOf(info)})
		} else {
			s.setKnown(rel, false)
			s.emit(Event{Type: EventAdd, Path: rel, Stats: statsOf(info)})
		}
		return nil
	})
	if err != nil {
		return
	}

	s.emit(Event{Type: EventReady})
}

// translate classifies one raw notification. Writes are debounced per path;
// removals flush immediately.
func (s *Stream) translate(ei notify.EventInfo) {
	rel, err := filepath.Rel(s.root, ei.Path())
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." {
		return
	}
	if s.opts.Filter != nil && s.opts.Filter(rel) {
		return
	}

	info, statErr := os.Lstat(ei.Path())
	switch {
	case statErr == nil && info.Mode()&fs.ModeSymlink != 0:
		return

	case statErr == nil && info.IsDir():
		if !s.isKnown(rel) {
			s.setKnown(rel, true)
			s.emit(Event{Type: EventAddDir, Path: rel, Stats: statsOf(info)})
		}

	case statErr == nil:
		// a file appeared or is being written: coalesce the burst
		s.debounceWrite(rel, ei.Path())

	default:
		// the path is gone
		s.cancelWrite(rel)
		isDir, known := s.lookupKnown(rel)
		if !known {
			return
		}
		s.forgetKnown(rel)
		if isDir {
			s.emit(Event{Type: EventUnlinkDir, Path: rel})
		} else {
			s.emit(Event{Type: EventUnlink, Path: rel})
		}
	}
}

// debounceWrite (re)arms the per-path quiet timer. When it fires, the file
// is stated once more and flushed as add or change.
func (s *Stream) debounceWrite(rel, absPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.pendingWrites[rel]; ok {
		timer.Reset(s.opts.StabilityThreshold)
		return
	}
	s.pendingWrites[rel] = time.AfterFunc(s.opts.StabilityThreshold, func() {
		s.flushWrite(rel, absPath)
	})
}

func (s *Stream) flushWrite(rel, absPath string) {
	s.mu.Lock()
	delete(s.pendingWrites, rel)
	s.mu.Unlock()

	info, err := os.Lstat(absPath)
	if err != nil || info.IsDir() {
		return
	}

	// write-finish check: if the file grew during the poll window the burst
	// is not over yet, go back to debouncing
	size := info.Size()
	time.Sleep(s.opts.PollInterval)
	info, err = os.Lstat(absPath)
	if err != nil || info.IsDir() {
		return
	}
	if info.Size() != size {
		s.debounceWrite(rel, absPath)
		return
	}

	if s.isKnown(rel) {
		s.emit(Event{Type: EventChange, Path: rel, Stats: statsOf(info)})
	} else {
		s.setKnown(rel, false)
		s.emit(Event{Type: EventAdd, Path: rel, Stats: statsOf(info)})
	}
}

func (s *Stream) cancelWrite(rel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.pendingWrites[rel]; ok {
		timer.Stop()
		delete(s.pendingWrites, rel)
	}
}

func (s *Stream) flushAllWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for rel, timer := range s.pendingWrites {
		timer.Stop()
		delete(s.pendingWrites, rel)
	}
}

func (s *Stream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Stream) setKnown(rel string, isDir bool) {
	s.mu.Lock()
	s.known[rel] = isDir
	s.mu.Unlock()
}

func (s *Stream) forgetKnown(rel string) {
	s.mu.Lock()
	delete(s.known, rel)
	s.mu.Unlock()
}

func (s *Stream) isKnown(rel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.known[rel]
	return ok
}

func (s *Stream) lookupKnown(rel string) (isDir, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	isDir, known = s.known[rel]
	return isDir, known
}

func statsOf(info fs.FileInfo) *Stats {
	return &Stats{
		Mode:  info.Mode(),
		Size:  info.Size(),
		Mtime: info.ModTime(),
		Ctime: info.ModTime(),
	}
}
