package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sync"

	"github.com/Peltoche/cozy-desktop/internal/metadata"
)

const opBufferSize = 64

// ErrStopped is returned for operations submitted after the Prep queue shut
// down.
var ErrStopped = errors.New("prep queue stopped")

type prepOp struct {
	name string
	run  func() error
	done chan error
}

// Prep is the single entry point of both producers. It normalizes paths,
// derives ids, and funnels every operation through one bounded queue with a
// single Merge consumer, which makes store access linearizable by
// construction.
type Prep struct {
	merge *Merge
	ops   chan prepOp

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func NewPrep(m *Merge) *Prep {
	return &Prep{
		merge: m,
		ops:   make(chan prepOp, opBufferSize),
	}
}

// Start launches the consumer loop.
func (p *Prep) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.wg.Add(1)
	go p.consume(ctx)
}

// Stop drains the queue and stops the consumer. Pending operations still
// run; new submissions fail with ErrStopped.
func (p *Prep) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ops)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Prep) consume(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued so no submitter hangs.
			for {
				select {
				case op, ok := <-p.ops:
					if !ok {
						return
					}
					op.done <- ctx.Err()
				default:
					return
				}
			}
		case op, ok := <-p.ops:
			if !ok {
				return
			}
			err := op.run()
			if err != nil {
				slog.Error("prep", "op", op.name, "error", err)
			}
			op.done <- err
		}
	}
}

// do submits one operation and waits for the merge outcome. The submission
// happens under the lock so Stop cannot close the queue mid-send.
func (p *Prep) do(ctx context.Context, name string, run func() error) error {
	op := prepOp{name: name, run: run, done: make(chan error, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrStopped
	}
	select {
	case p.ops <- op:
		p.mu.Unlock()
	case <-ctx.Done():
		p.mu.Unlock()
		return ctx.Err()
	}

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// normalize cleans a producer document in place: platform-agnostic path,
// derived id, default timestamps.
func (p *Prep) normalize(doc *metadata.Document) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", ErrInvalidPath)
	}
	slashed := filepath.ToSlash(doc.Path)
	if !metadata.ValidPath(slashed) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, doc.Path)
	}

	clean := path.Clean(slashed)
	doc.Path = filepath.FromSlash(clean)
	doc.ID = metadata.NewID(clean)

	now := p.merge.clock()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = now
	}
	return nil
}

func (p *Prep) AddFile(ctx context.Context, side metadata.Side, doc *metadata.Document) error {
	if err := p.normalize(doc); err != nil {
		return err
	}
	doc.DocType = metadata.FileType
	return p.do(ctx, "addFile", func() error { return p.merge.AddFile(side, doc) })
}

func (p *Prep) UpdateFile(ctx context.Context, side metadata.Side, doc *metadata.Document) error {
	if err := p.normalize(doc); err != nil {
		return err
	}
	doc.DocType = metadata.FileType
	return p.do(ctx, "updateFile", func() error { return p.merge.UpdateFile(side, doc) })
}

func (p *Prep) PutFolder(ctx context.Context, side metadata.Side, doc *metadata.Document) error {
	if err := p.normalize(doc); err != nil {
		return err
	}
	doc.DocType = metadata.FolderType
	return p.do(ctx, "putFolder", func() error { return p.merge.PutFolder(side, doc) })
}

func (p *Prep) MoveFile(ctx context.Context, side metadata.Side, doc, was *metadata.Document) error {
	if err := p.normalize(doc); err != nil {
		return err
	}
	doc.DocType = metadata.FileType
	return p.do(ctx, "moveFile", func() error { return p.merge.MoveFile(side, doc, was) })
}

func (p *Prep) MoveFolder(ctx context.Context, side metadata.Side, doc, was *metadata.Document) error {
	if err := p.normalize(doc); err != nil {
		return err
	}
	doc.DocType = metadata.FolderType
	return p.do(ctx, "moveFolder", func() error { return p.merge.MoveFolder(side, doc, was) })
}

func (p *Prep) DeleteFile(ctx context.Context, side metadata.Side, doc *metadata.Document) error {
	if err := p.normalize(doc); err != nil {
		return err
	}
	return p.do(ctx, "deleteFile", func() error { return p.merge.DeleteFile(side, doc) })
}

func (p *Prep) DeleteFolder(ctx context.Context, side metadata.Side, doc *metadata.Document) error {
	if err := p.normalize(doc); err != nil {
		return err
	}
	return p.do(ctx, "deleteFolder", func() error { return p.merge.DeleteFolder(side, doc) })
}

func (p *Prep) DeleteDoc(ctx context.Context, side metadata.Side, doc *metadata.Document) error {
	if err := p.normalize(doc); err != nil {
		return err
	}
	return p.do(ctx, "deleteDoc", func() error { return p.merge.DeleteDoc(side, doc) })
}

func (p *Prep) TrashFile(ctx context.Context, side metadata.Side, was, doc *metadata.Document) error {
	if err := p.normalize(doc); err != nil {
		return err
	}
	return p.do(ctx, "trashFile", func() error { return p.merge.TrashFile(side, was, doc) })
}

func (p *Prep) TrashFolder(ctx context.Context, side metadata.Side, was, doc *metadata.Document) error {
	if err := p.normalize(doc); err != nil {
		return err
	}
	return p.do(ctx, "trashFolder", func() error { return p.merge.TrashFolder(side, was, doc) })
}

func (p *Prep) RestoreFile(ctx context.Context, side metadata.Side, was, doc *metadata.Document) error {
	if err := p.normalize(doc); err != nil {
		return err
	}
	doc.DocType = metadata.FileType
	return p.do(ctx, "restoreFile", func() error { return p.merge.RestoreFile(side, was, doc) })
}

func (p *Prep) RestoreFolder(ctx context.Context, side metadata.Side, was, doc *metadata.Document) error {
	if err := p.normalize(doc); err != nil {
		return err
	}
	doc.DocType = metadata.FolderType
	return p.do(ctx, "restoreFolder", func() error { return p.merge.RestoreFolder(side, was, doc) })
}
