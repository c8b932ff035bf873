package buf

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weiihann/silo/page"
)

// cleaner is the background flusher of dirty frames.
type cleaner struct {
	group  *errgroup.Group
	cancel context.CancelFunc
}

// StartCleaner launches the page cleaner. It flushes dirty frames on a
// timer and whenever FlushEvent is poked, skipping frames whose
// SkipFlushCheck flag is set.
func (p *Pool) StartCleaner(interval time.Duration) {
	if p.cleaner != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	p.cleaner = &cleaner{group: g, cancel: cancel}

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		slog.Debug("page cleaner started", "space", p.spaceID, "interval", interval)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			case <-p.FlushEvent:
			}
			p.FlushDirty()
		}
	})
}

// StopCleaner stops the cleaner and flushes what remains.
func (p *Pool) StopCleaner() error {
	if p.cleaner == nil {
		return nil
	}
	p.cleaner.cancel()
	err := p.cleaner.group.Wait()
	p.cleaner = nil
	p.FlushDirty()
	return err
}

// FlushDirty writes out every dirty frame whose flush check is not
// suppressed and whose latch is not held exclusively. Pinned frames are
// flushed too; pins only prevent eviction. Returns the number of pages
// flushed.
func (p *Pool) FlushDirty() int {
	flushed := 0
	for _, b := range p.snapshot() {
		if !b.IsDirty() || b.SkipFlushCheck.Load() {
			continue
		}
		if !b.Latch.TryRLock() {
			// Held exclusively by a mini-transaction; catch it next round.
			continue
		}
		frame := b.Frame
		if b.ZipFrame != nil {
			// The zip image is the persisted form. Its header type is
			// stamped so a later read knows to decompress; the logical
			// type is restored by pagezip.Decompress.
			page.Page(b.ZipFrame).SetType(page.PageTypeCompressed)
			page.SetChecksum(b.ZipFrame)
			frame = b.ZipFrame
		} else {
			page.SetChecksum(b.Frame)
		}
		err := p.io.WritePage(b.PageNo, frame)
		b.Latch.RUnlock()
		if err != nil {
			slog.Error("page flush failed", "space", p.spaceID, "page", b.PageNo, "err", err)
			continue
		}
		b.clearDirty()
		flushed++
	}
	return flushed
}
