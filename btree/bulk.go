package btree

import (
	"context"
	"log/slog"

	"github.com/weiihann/silo/dict"
	"github.com/weiihann/silo/mtr"
	"github.com/weiihann/silo/page"
	"github.com/weiihann/silo/pagezip"
	"github.com/weiihann/silo/rec"
)

// TreeBuilder drives a bulk load: one PageBuilder per open tree level,
// leaf at index 0. Tuples arrive in key order; full pages are committed
// left to right and their node pointers propagate upward, growing new
// levels on demand. Finalize commits the rightmost page of every level
// and swaps the top page into the index's root slot.
type TreeBuilder struct {
	env   *Env
	index *dict.Index
	trx   *Trx

	pageBuilders []*PageBuilder
	rootLevel    int
}

// NewTreeBuilder prepares a bulk load of one index.
func NewTreeBuilder(env *Env, ix *dict.Index, trx *Trx) *TreeBuilder {
	return &TreeBuilder{
		env:   env,
		index: ix,
		trx:   trx,
	}
}

// Insert adds the next tuple. Tuples must arrive in strictly ascending
// key order.
func (tb *TreeBuilder) Insert(t *rec.Tuple) error {
	return tb.insert(t, 0)
}

// insert places a tuple at the given level, creating the level's
// PageBuilder on first use and rolling to a fresh sibling when the
// current page is full.
func (tb *TreeBuilder) insert(t *rec.Tuple, level int) (err error) {
	isLeftMost := false

	if level+1 > len(tb.pageBuilders) {
		pb := newPageBuilder(tb.env, tb.index, tb.trx.ID, page.FilNull, level)
		if err := pb.init(); err != nil {
			return err
		}
		tb.pageBuilders = append(tb.pageBuilders, pb)
		tb.rootLevel = level
		isLeftMost = true
	}

	pb := tb.pageBuilders[level]

	if isLeftMost && level > 0 && pb.RecNo() == 0 {
		// The leftmost node pointer of a level has no lower bound; mark
		// it as the predefined minimum record.
		t.InfoBits |= rec.InfoMinRec
	}

	t.Level = level
	recSize := rec.ConvertedSize(tb.index, t)

	var big *rec.BigRec
	defer func() {
		if big != nil {
			rec.ConvertBackBigRec(tb.index, t, big)
		}
	}()

	if pb.needExt(t, recSize) {
		// Move the longest columns out to blob pages until the record
		// fits locally.
		big = rec.ConvertBigRec(tb.index, t, pagezip.LocalLimit(
			tb.index.Comp, len(t.Fields), tb.index.ZipSize, tb.env.Config.PageSize))
		if big == nil {
			return ErrTooBigRecord
		}
		recSize = rec.ConvertedSize(tb.index, t)
	}

	if pb.isZip() && pagezip.IsTooBig(tb.index, t, tb.env.Config.PageSize) {
		return ErrTooBigRecord
	}

	if !pb.isSpaceAvailable(recSize) {
		sibling := newPageBuilder(tb.env, tb.index, tb.trx.ID, page.FilNull, level)
		if err := sibling.init(); err != nil {
			return err
		}

		if err := tb.pageCommit(pb, sibling, true); err != nil {
			tb.pageAbort(sibling)
			return err
		}

		tb.pageBuilders[level] = sibling
		pb = sibling

		if level == 0 {
			if tb.trx.IsInterrupted() {
				return ErrInterrupted
			}
			// Wake the cleaner to flush what we just committed, and
			// yield to the redo log if it needs a checkpoint.
			tb.env.Pool.PokeCleaner()
			if err := tb.logFreeCheck(); err != nil {
				return err
			}
		}
	}

	buf, org := rec.ConvertTupleToRec(tb.index, t)
	offsets := rec.GetOffsets(buf, org, tb.index, level)
	pb.insert(buf, org, offsets)

	if big != nil {
		// Blob pages are fresh allocations; the non-leaf latches are not
		// needed while they are written.
		for l := 1; l <= tb.rootLevel; l++ {
			if err := tb.pageBuilders[l].release(); err != nil {
				return err
			}
		}
		err = pb.storeExt(big, offsets)
		for l := 1; l <= tb.rootLevel; l++ {
			if lerr := tb.pageBuilders[l].latch(); lerr != nil && err == nil {
				err = lerr
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// pageCommit finishes a page: links the siblings, compresses when
// applicable (splitting on failure), inserts the node pointer into the
// parent, and commits the page's mini-transaction. A child page is
// always committed after its node pointer reached the parent's open
// mini-transaction, so a parent referencing a child on recovery implies
// the child was durable first.
func (tb *TreeBuilder) pageCommit(pb, next *PageBuilder, insertFather bool) error {
	pb.finish()

	if next != nil {
		if pb.Level() != next.Level() {
			panic("btree: sibling commit across levels")
		}
		pb.setNext(next.PageNo())
		next.setPrev(pb.PageNo())
	} else {
		if page.Page(pb.frame()).Next() != page.FilNull {
			panic("btree: rightmost page has a next link")
		}
		// A release/latch cycle since the last logged write would leave
		// the mini-transaction thinking the page is unchanged.
		pb.m.SetModified()
	}

	if pb.isZip() && !pb.compress() {
		return tb.pageSplit(pb, next)
	}

	if insertFather {
		np := pb.nodePtrTuple()
		if err := tb.insert(np, pb.Level()+1); err != nil {
			return err
		}
	}

	return pb.commit(true)
}

// pageSplit halves a compressed page whose compression failed and
// commits both halves. With fewer than two records there is nothing to
// split and the record is simply too big.
func (tb *TreeBuilder) pageSplit(pb, next *PageBuilder) error {
	if pb.RecNo() <= 1 {
		return ErrTooBigRecord
	}

	newPb := newPageBuilder(tb.env, tb.index, tb.trx.ID, page.FilNull, pb.Level())
	if err := newPb.init(); err != nil {
		return err
	}

	splitOrg := pb.getSplitRec()
	newPb.copyIn(pb.frame(), splitOrg)
	pb.copyOut(splitOrg)

	if err := tb.pageCommit(pb, newPb, true); err != nil {
		tb.pageAbort(newPb)
		return err
	}
	if err := tb.pageCommit(newPb, next, true); err != nil {
		tb.pageAbort(newPb)
		return err
	}
	return nil
}

// pageAbort releases a page's mini-transaction without finalizing it.
// The allocated page leaks until the surrounding DDL rollback reclaims
// it.
func (tb *TreeBuilder) pageAbort(pb *PageBuilder) {
	pb.commit(false)
}

// logFreeCheck yields to the redo log when it needs a checkpoint. The
// wait requires holding no page latches, so every open PageBuilder is
// released around it and re-latched after.
func (tb *TreeBuilder) logFreeCheck() error {
	if !tb.env.Redo.CheckFlushOrCheckpoint() {
		return nil
	}
	if err := tb.release(); err != nil {
		return err
	}
	if err := tb.env.Redo.FreeCheck(context.Background()); err != nil {
		return err
	}
	return tb.latch()
}

// release drops the latches of every open PageBuilder, leaf upward.
func (tb *TreeBuilder) release() error {
	for _, pb := range tb.pageBuilders {
		if err := pb.release(); err != nil {
			return err
		}
	}
	return nil
}

// latch re-acquires every open PageBuilder's latch.
func (tb *TreeBuilder) latch() error {
	for _, pb := range tb.pageBuilders {
		if err := pb.latch(); err != nil {
			return err
		}
	}
	return nil
}

// Finalize ends the build. On the success path it commits the rightmost
// page of every level bottom-up and then swaps the top-level page's
// contents into the index's well-known root page. On the error path it
// aborts every open page and returns the error unchanged. With no pages
// ever opened the root is already a valid empty tree.
func (tb *TreeBuilder) Finalize(err error) error {
	if len(tb.pageBuilders) == 0 {
		return err
	}

	lastPageNo := page.FilNull
	for level := 0; level <= tb.rootLevel; level++ {
		pb := tb.pageBuilders[level]
		lastPageNo = pb.PageNo()

		if err == nil {
			err = tb.pageCommit(pb, nil, level != tb.rootLevel)
		}
		if err != nil {
			tb.pageAbort(pb)
		}
	}
	tb.pageBuilders = nil

	if err != nil {
		return err
	}
	return tb.rootSwap(lastPageNo)
}

// rootSwap copies the final top-level page into the index's root page.
// The root page number is index identity: the rest of the system knows
// it, and only now is its content known. The index tree latch is held
// for the swap; bulk load never takes it elsewhere.
func (tb *TreeBuilder) rootSwap(lastPageNo uint32) error {
	tb.index.Lock.Lock()
	defer tb.index.Lock.Unlock()

	var m mtr.Mtr
	m.Start(tb.env.Redo)

	lastBlock, err := blockGet(tb.env, lastPageNo, &m)
	if err != nil {
		m.Commit()
		return err
	}
	lastFrame := lastBlock.Frame
	firstRec := page.Page(lastFrame).NextRec(page.Page(lastFrame).Infimum())
	if !page.Page(lastFrame).IsUserRec(firstRec) {
		panic("btree: empty top-level page at root swap")
	}

	rootPb := newPageBuilder(tb.env, tb.index, tb.trx.ID, tb.index.RootPageNo, tb.rootLevel)
	if err := rootPb.init(); err != nil {
		m.Commit()
		return err
	}
	rootPb.copyIn(lastFrame, firstRec)

	tb.env.Space.PageFree(lastPageNo, &m)
	if err := m.Commit(); err != nil {
		tb.pageAbort(rootPb)
		return err
	}

	if err := tb.pageCommit(rootPb, nil, false); err != nil {
		return err
	}
	slog.Info("bulk load finished", "index", tb.index.Name,
		"root", tb.index.RootPageNo, "rootLevel", tb.rootLevel)
	return nil
}
