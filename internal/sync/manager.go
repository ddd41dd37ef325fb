// Package sync wires the change producers, the serial reconciler queue and
// the metadata journal into one lifecycle.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/Peltoche/cozy-desktop/internal/checksum"
	"github.com/Peltoche/cozy-desktop/internal/config"
	"github.com/Peltoche/cozy-desktop/internal/merge"
	"github.com/Peltoche/cozy-desktop/internal/store"
	"github.com/Peltoche/cozy-desktop/internal/watcher"
)

// Manager owns every moving part of the engine: the journal, the checksum
// worker, the Prep/Merge queue, and the local watcher. The remote producer
// plugs into the same Prep with side=remote through the Prep accessor.
type Manager struct {
	cfg     *config.Config
	store   *store.Store
	queue   *checksum.Queue
	merge   *merge.Merge
	prep    *merge.Prep
	ignore  *IgnoreList
	stream  *watcher.Stream
	watcher *watcher.LocalWatcher
}

func NewManager(cfg *config.Config) (*Manager, error) {
	dbPath := filepath.Join(cfg.SyncDir, ControlDirName, "journal.db")
	st := store.New(dbPath)

	ignore := NewIgnoreList(cfg.SyncDir, cfg.IgnoredPatterns)
	ignore.Load()

	queue := checksum.NewQueue()
	m := merge.New(st)
	prep := merge.NewPrep(m)

	stream := watcher.NewStream(cfg.SyncDir, watcher.StreamOptions{
		StabilityThreshold: cfg.AwaitWriteFinish.StabilityThreshold,
		PollInterval:       cfg.AwaitWriteFinish.PollInterval,
		Filter:             ignore.ShouldIgnore,
	})
	lw := watcher.NewLocalWatcher(cfg.SyncDir, stream, queue, prep, st)

	return &Manager{
		cfg:     cfg,
		store:   st,
		queue:   queue,
		merge:   m,
		prep:    prep,
		ignore:  ignore,
		stream:  stream,
		watcher: lw,
	}, nil
}

// Prep exposes the operation entry point for the remote producer.
func (m *Manager) Prep() *merge.Prep { return m.prep }

// Store exposes the journal for the downstream synchronizer.
func (m *Manager) Store() *store.Store { return m.store }

// Start opens the journal and brings up the queue, the reconciler loop and
// the watcher, in dependency order.
func (m *Manager) Start(ctx context.Context) error {
	slog.Info("sync manager start", "dir", m.cfg.SyncDir)

	if err := m.store.Open(); err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}

	docs, err := m.store.Count()
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	slog.Info("journal ready", "documents", docs)

	m.queue.Start(ctx)
	m.prep.Start(ctx)

	if err := m.watcher.Start(ctx); err != nil {
		m.queue.Stop()
		m.prep.Stop()
		m.store.Close()
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	return nil
}

// Stop tears everything down in reverse order: the watcher first so its
// final deletions still reach the queue, then the queue and the journal.
func (m *Manager) Stop() error {
	slog.Info("sync manager stop")

	m.watcher.Stop()
	m.queue.Stop()
	m.prep.Stop()

	return m.store.Close()
}
