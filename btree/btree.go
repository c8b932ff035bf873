// Package btree implements B-tree page management for the silo storage
// engine. Its centerpiece is the bulk loader: a bottom-up builder that
// turns a sorted tuple stream into a complete balanced tree, writing
// every page exactly once on the happy path.
package btree

import (
	"errors"

	"github.com/weiihann/silo/buf"
	"github.com/weiihann/silo/dict"
	"github.com/weiihann/silo/fsp"
	"github.com/weiihann/silo/mtr"
	"github.com/weiihann/silo/page"
	"github.com/weiihann/silo/redo"
)

var (
	// ErrTooBigRecord is returned when a record cannot be made to fit a
	// page, even after moving columns to external storage, or cannot fit
	// a compressed page at all.
	ErrTooBigRecord = errors.New("btree: record too big")

	// ErrInterrupted is returned when the owning transaction was
	// interrupted between sibling pages.
	ErrInterrupted = errors.New("btree: interrupted")
)

// Config tunes a bulk load.
type Config struct {
	// FillFactor is the percentage of each page to fill, in [10, 100].
	// 100 keeps the legacy behavior of a small fixed reserve on
	// clustered indexes.
	FillFactor int

	// CompressionLevel is handed to the page compressor.
	CompressionLevel int

	// PageSize is the uncompressed page frame size.
	PageSize int
}

// DefaultConfig returns the standard 16 KiB configuration.
func DefaultConfig() Config {
	return Config{
		FillFactor:       100,
		CompressionLevel: 6,
		PageSize:         16 * 1024,
	}
}

// Env bundles the storage collaborators a bulk load runs against.
type Env struct {
	Space  *fsp.Space
	Pool   *buf.Pool
	Redo   *redo.Log
	Config Config
}

// Trx is the minimal transaction surface the loader needs: an id for
// max-trx-id stamping and an interruption flag checked between leaf
// sibling pages.
type Trx struct {
	ID          uint64
	interrupted chan struct{}
}

// NewTrx creates a transaction handle.
func NewTrx(id uint64) *Trx {
	return &Trx{ID: id, interrupted: make(chan struct{})}
}

// Interrupt flags the transaction as cancelled.
func (t *Trx) Interrupt() {
	select {
	case <-t.interrupted:
	default:
		close(t.interrupted)
	}
}

// IsInterrupted reports whether Interrupt was called.
func (t *Trx) IsInterrupted() bool {
	select {
	case <-t.interrupted:
		return true
	default:
		return false
	}
}

// blockGet pins and exclusively latches an existing page.
func blockGet(env *Env, pageNo uint32, m *mtr.Mtr) (*buf.Block, error) {
	b, err := env.Pool.Get(pageNo)
	if err != nil {
		return nil, err
	}
	m.XLatch(b)
	return b, nil
}

// CreateIndexRoot allocates and initializes an empty root page for the
// index and records it in the metadata. The DDL driver calls this before
// a bulk load; the loader itself only ever re-initializes this page
// during the root swap.
func CreateIndexRoot(env *Env, ix *dict.Index) error {
	var m mtr.Mtr
	m.Start(env.Redo)

	pageNo, err := env.Space.PageAlloc(&m)
	if err != nil {
		m.Commit()
		return err
	}
	b := env.Pool.Alloc(pageNo, ix.ZipSize)
	m.XLatch(b)

	page.Create(b.Frame, ix.Comp)
	p := page.Page(b.Frame)
	p.SetPageNo(pageNo)
	p.SetSpaceID(env.Space.ID)
	p.SetPrev(page.FilNull)
	p.SetNext(page.FilNull)
	m.Memcpy(b, 0, page.SupremumEnd(ix.Comp))
	// The initial directory slots sit at the page tail and need their
	// own log record.
	m.Memcpy(b, p.SlotOffset(1), 2*page.PageDirSlotSize)
	if err := m.Commit(); err != nil {
		return err
	}

	ix.RootPageNo = pageNo
	return nil
}
