package btree

import (
	"fmt"

	"github.com/weiihann/silo/blob"
	"github.com/weiihann/silo/buf"
	"github.com/weiihann/silo/dict"
	"github.com/weiihann/silo/ibuf"
	"github.com/weiihann/silo/mtr"
	"github.com/weiihann/silo/page"
	"github.com/weiihann/silo/pagezip"
	"github.com/weiihann/silo/rec"
)

// debugChecks enables the per-insert ordering assertion and the finish
// accounting assertion. Violations are programming errors and panic.
const debugChecks = true

// PageBuilder owns one page frame under construction at a fixed tree
// level. Records are appended in key order; the slot directory is
// materialized once at finish.
type PageBuilder struct {
	env   *Env
	index *dict.Index
	level int
	trxID uint64

	pageNo uint32
	block  *buf.Block
	m      mtr.Mtr

	// curRec is the origin of the last inserted record, or the infimum
	// on an empty page.
	curRec    int
	heapTop   int
	recNo     int
	freeSpace int
	isComp    bool

	// reservedSpace is the fill-factor tail kept free on uncompressed
	// pages; paddingSpace is the optimism margin kept free so compressed
	// pages are expected to compress.
	reservedSpace int
	paddingSpace  int

	// modifyClock is saved at release for the optimistic re-latch.
	modifyClock uint64

	totalData int
}

// newPageBuilder prepares a builder for a page at the given level. Pass
// page.FilNull to allocate a fresh page at init.
func newPageBuilder(env *Env, ix *dict.Index, trxID uint64, pageNo uint32, level int) *PageBuilder {
	return &PageBuilder{
		env:    env,
		index:  ix,
		level:  level,
		trxID:  trxID,
		pageNo: pageNo,
		isComp: ix.Comp,
	}
}

// Level returns the builder's tree level.
func (pb *PageBuilder) Level() int { return pb.level }

// PageNo returns the page number, valid after init.
func (pb *PageBuilder) PageNo() uint32 { return pb.pageNo }

// RecNo returns the number of user records inserted so far.
func (pb *PageBuilder) RecNo() int { return pb.recNo }

// isZip reports whether the page carries a compressed shadow frame.
func (pb *PageBuilder) isZip() bool { return pb.index.IsZip() }

func (pb *PageBuilder) frame() []byte { return pb.block.Frame }

// init starts the mini-transaction and binds the page frame. A fresh
// page is allocated under a separate mini-transaction committed first:
// pages are not committed in allocation order, and the allocation redo
// must exist regardless. On any failure the open mini-transaction is
// committed (released) before returning.
func (pb *PageBuilder) init() error {
	pb.m.Start(pb.env.Redo)

	if pb.pageNo == page.FilNull {
		var allocMtr mtr.Mtr
		allocMtr.Start(pb.env.Redo)

		if err := pb.env.Space.ReserveFreeExtents(1); err != nil {
			allocMtr.Commit()
			pb.m.Commit()
			return fmt.Errorf("btree: init page: %w", err)
		}
		pageNo, err := pb.env.Space.PageAlloc(&allocMtr)
		pb.env.Space.ReleaseFreeExtents(1)
		if err != nil {
			allocMtr.Commit()
			pb.m.Commit()
			return fmt.Errorf("btree: init page: %w", err)
		}
		if err := allocMtr.Commit(); err != nil {
			pb.m.Commit()
			return err
		}

		block := pb.env.Pool.Alloc(pageNo, pb.index.ZipSize)
		pb.m.XLatch(block)
		page.Create(block.Frame, pb.isComp)
		p := page.Page(block.Frame)
		p.SetPageNo(pageNo)
		p.SetSpaceID(pb.env.Space.ID)

		if pb.isZip() {
			// Contents of a compressed page are logged as one image at
			// compress time.
			p.SetPrev(page.FilNull)
			p.SetNext(page.FilNull)
			p.SetLevel(pb.level)
			p.SetIndexID(pb.index.ID)
			pb.m.SetModified()
		} else {
			pb.m.Memcpy(block, 0, page.SupremumEnd(pb.isComp))
			// The two initial directory slots live at the page tail,
			// outside the skeleton region above.
			pb.m.Memcpy(block, p.SlotOffset(1), 2*page.PageDirSlotSize)
			pb.m.Memset(block, page.FilPagePrev, 8, 0xff)
			pb.m.WriteOpt2(block, page.PageLevel, uint16(pb.level))
			pb.m.Write8(block, page.PageIndexID, pb.index.ID)
		}

		pb.block = block
		pb.pageNo = pageNo
	} else {
		block, err := blockGet(pb.env, pb.pageNo, &pb.m)
		if err != nil {
			pb.m.Commit()
			return err
		}
		p := page.Page(block.Frame)
		if p.NHeap() != page.HeapNoUserLow {
			panic(fmt.Sprintf("btree: bulk init on non-empty page %d", pb.pageNo))
		}
		if pb.isZip() {
			p.SetLevel(pb.level)
			pb.m.SetModified()
		} else {
			pb.m.WriteOpt2(block, page.PageLevel, uint16(pb.level))
		}
		pb.block = block
	}

	if pb.level == 0 && !pb.index.IsClust() {
		if pb.isZip() {
			page.Page(pb.frame()).SetMaxTrxID(pb.trxID)
		} else {
			pb.m.Write8(pb.block, page.PageMaxTrxID, pb.trxID)
		}
	}

	pb.block.SkipFlushCheck.Store(true)

	pageSize := pb.env.Config.PageSize
	pb.curRec = page.Page(pb.frame()).Infimum()
	pb.heapTop = page.Page(pb.frame()).HeapTop()
	pb.recNo = page.Page(pb.frame()).NRecs()
	pb.freeSpace = page.FreeSpaceOfEmpty(pageSize, pb.isComp)

	if pb.env.Config.FillFactor == 100 && pb.index.IsClust() {
		// Keep the legacy fixed reserve for clustered indexes.
		pb.reservedSpace = dict.SpaceReserveBytes
	} else {
		pb.reservedSpace = pageSize * (100 - pb.env.Config.FillFactor) / 100
	}
	pb.paddingSpace = pageSize - pb.index.ZipPadOptimalPageSize(pageSize)
	pb.totalData = 0
	return nil
}

// insert appends a converted record. recBuf holds the full physical
// record with its origin at org; offsets describe it. The caller must
// have verified isSpaceAvailable and key order.
func (pb *PageBuilder) insert(recBuf []byte, org int, offsets *rec.Offsets) {
	size := offsets.Size()
	frame := pb.frame()

	if debugChecks && page.Page(frame).IsUserRec(pb.curRec) {
		old := rec.GetOffsets(frame, pb.curRec, pb.index, pb.level)
		if rec.Compare(pb.index, recBuf, org, offsets, frame, pb.curRec, old) <= 0 {
			panic("btree: inserts out of key order")
		}
	}
	pb.totalData += size

	// 1. Copy the record to the heap top.
	insertOrg := pb.heapTop + offsets.Extra
	copy(frame[pb.heapTop:], recBuf[:size])

	// 2. Thread the singly-linked list through the new record.
	next := rec.Next(frame, pb.curRec, pb.isComp)
	rec.SetNext(frame, insertOrg, pb.isComp, next)
	rec.SetNext(frame, pb.curRec, pb.isComp, insertOrg)

	// 3. Heap number and a zero owned count until finish.
	rec.SetHeapNo(frame, insertOrg, pb.isComp, page.HeapNoUserLow+pb.recNo)
	rec.SetNOwned(frame, insertOrg, pb.isComp, 0)

	// 4. Redo: the predecessor's next link and the record body. For the
	// compressed format neither is logged here; the compressed image
	// carries both.
	if !pb.isZip() {
		pb.m.Memcpy(pb.block, pb.curRec-2, 2)
		pb.m.Memcpy(pb.block, pb.heapTop, size)
	} else {
		pb.m.SetModified()
	}

	// 5. Bookkeeping.
	slotDelta := page.DirCalcReservedSpace(pb.recNo+1) - page.DirCalcReservedSpace(pb.recNo)
	if pb.freeSpace < size+slotDelta {
		panic("btree: insert into full page")
	}
	pb.freeSpace -= size + slotDelta
	pb.heapTop += size
	pb.recNo++
	pb.curRec = insertOrg
}

// isSpaceAvailable reports whether a record of recSize still fits. The
// fill-factor reserve (uncompressed) or the compression padding
// (compressed) is honored only once the page holds two records, so a
// page never goes out with fewer and the tree's height stays bounded.
func (pb *PageBuilder) isSpaceAvailable(recSize int) bool {
	slotDelta := page.DirCalcReservedSpace(pb.recNo+1) - page.DirCalcReservedSpace(pb.recNo)
	required := recSize + slotDelta
	if required > pb.freeSpace {
		return false
	}
	if pb.recNo >= 2 {
		tail := pb.reservedSpace
		if pb.isZip() {
			tail = pb.paddingSpace
		}
		if pb.freeSpace-required < tail {
			return false
		}
	}
	return true
}

// needExt reports whether the tuple's record must move columns to
// external storage before it can live on this page.
func (pb *PageBuilder) needExt(t *rec.Tuple, recSize int) bool {
	return pagezip.RecNeedsExt(recSize, pb.isComp, len(t.Fields),
		pb.index.ZipSize, pb.env.Config.PageSize)
}

// finish scans the record chain once and materializes the slot
// directory and header fields. The final partial slot group is merged
// with its predecessor when the combined count still fits, so the
// directory matches what record-at-a-time insertion would have built.
func (pb *PageBuilder) finish() {
	if pb.recNo == 0 {
		panic("btree: finish on empty page")
	}
	frame := pb.frame()
	p := page.Page(frame)
	inf, sup := p.Infimum(), p.Supremum()

	count := 0
	lastSlot := 0 // slot 0 holds the infimum
	org := rec.Next(frame, inf, pb.isComp)
	for org != sup {
		count++
		if count == (page.DirSlotMaxNOwned+1)/2 {
			lastSlot++
			pb.setSlot(lastSlot, org)
			pb.setNOwned(org, count)
			count = 0
		}
		org = rec.Next(frame, org, pb.isComp)
	}

	if lastSlot > 0 && count+1+(page.DirSlotMaxNOwned+1)/2 <= page.DirSlotMaxNOwned {
		// Undo the split of the last directory slot, to match
		// record-at-a-time insertion.
		count += (page.DirSlotMaxNOwned + 1) / 2
		pb.setNOwned(p.Slot(lastSlot), 0)
	} else {
		lastSlot++
	}
	pb.setSlot(lastSlot, sup)
	pb.setNOwned(sup, count+1)

	nSlots := lastSlot + 1
	if pb.isZip() {
		p.SetNDirSlots(nSlots)
		p.SetHeapTop(pb.heapTop)
		p.SetNHeapRaw(nHeapWord(pb.recNo, pb.isComp))
		p.SetNRecs(pb.recNo)
		p.SetLastInsert(pb.curRec)
		p.SetDirection(page.DirectionRight)
		pb.m.SetModified()
	} else {
		pb.m.WriteOpt2(pb.block, page.PageNDirSlots, uint16(nSlots))
		pb.m.Write2(pb.block, page.PageHeapTop, uint16(pb.heapTop))
		pb.m.Write2(pb.block, page.PageNHeap, nHeapWord(pb.recNo, pb.isComp))
		pb.m.Write2(pb.block, page.PageNRecs, uint16(pb.recNo))
		pb.m.Write2(pb.block, page.PageLastInsert, uint16(pb.curRec))
		pb.m.Write2(pb.block, page.PageDirection, page.DirectionRight)
	}

	if debugChecks {
		if pb.totalData+page.DirCalcReservedSpace(pb.recNo) >
			page.FreeSpaceOfEmpty(pb.env.Config.PageSize, pb.isComp) {
			panic("btree: page accounting overflow")
		}
	}
	pb.block.SkipFlushCheck.Store(false)
}

// setSlot writes a directory slot, logged unless compressed.
func (pb *PageBuilder) setSlot(i, org int) {
	p := page.Page(pb.frame())
	if pb.isZip() {
		p.SetSlot(i, org)
		return
	}
	pb.m.WriteOpt2(pb.block, p.SlotOffset(i), uint16(org))
}

// setNOwned stamps an owned count, logged unless compressed.
func (pb *PageBuilder) setNOwned(org, n int) {
	frame := pb.frame()
	rec.SetNOwned(frame, org, pb.isComp, n)
	if !pb.isZip() {
		off := rec.InfoByteOffset(org, pb.isComp)
		pb.m.Memcpy(pb.block, off, 1)
	}
}

// compress encodes the finished page into the compressed frame and logs
// the image. False means the caller must split the page.
func (pb *PageBuilder) compress() bool {
	return pagezip.Compress(pb.block, pb.index, pb.env.Config.CompressionLevel, &pb.m)
}

// nodePtrTuple builds the node pointer for this page: its first user
// key paired with its page number, destined one level up.
func (pb *PageBuilder) nodePtrTuple() *rec.Tuple {
	frame := pb.frame()
	first := rec.Next(frame, page.Page(frame).Infimum(), pb.isComp)
	if !page.Page(frame).IsUserRec(first) {
		panic("btree: node pointer from empty page")
	}
	o := rec.GetOffsets(frame, first, pb.index, pb.level)
	return rec.BuildNodePtr(pb.index, frame, first, o, pb.pageNo, pb.level+1)
}

// getSplitRec walks the chain until half the used bytes are consumed
// and returns the first record of the right half. At least one record
// stays on the left page.
func (pb *PageBuilder) getSplitRec() int {
	frame := pb.frame()
	p := page.Page(frame)
	used := page.FreeSpaceOfEmpty(pb.env.Config.PageSize, pb.isComp) - pb.freeSpace

	total := 0
	n := 0
	org := rec.Next(frame, p.Infimum(), pb.isComp)
	for {
		o := rec.GetOffsets(frame, org, pb.index, pb.level)
		total += o.Size()
		n++
		if total+page.DirCalcReservedSpace(n) >= used/2 {
			break
		}
		org = rec.Next(frame, org, pb.isComp)
	}
	if org == rec.Next(frame, p.Infimum(), pb.isComp) {
		org = rec.Next(frame, org, pb.isComp)
		if !p.IsUserRec(org) {
			panic("btree: split leaves empty page")
		}
	}
	return org
}

// copyIn appends every record from splitOrg through the source page's
// last user record, in order.
func (pb *PageBuilder) copyIn(srcFrame []byte, splitOrg int) {
	if pb.recNo != 0 {
		panic("btree: copyIn on non-empty page")
	}
	src := page.Page(srcFrame)
	sup := src.Supremum()
	org := splitOrg
	for org != sup {
		o := rec.GetOffsets(srcFrame, org, pb.index, pb.level)
		buf := make([]byte, o.Size())
		copy(buf, srcFrame[o.Start(org):o.End(org)])
		pb.insert(buf, o.Extra, o)
		org = rec.Next(srcFrame, org, src.IsComp())
	}
	if pb.recNo == 0 {
		panic("btree: copyIn moved nothing")
	}
}

// copyOut truncates the page before splitOrg: the predecessor is linked
// straight to the supremum and the builder's accounting is rewound.
// Directory adjustment is left to the next finish. The page is
// compressed-format only, so the in-place writes are not logged.
func (pb *PageBuilder) copyOut(splitOrg int) {
	frame := pb.frame()
	p := page.Page(frame)
	inf, sup := p.Infimum(), p.Supremum()

	prev := inf
	n := 0
	org := rec.Next(frame, inf, pb.isComp)
	for org != splitOrg {
		prev = org
		n++
		org = rec.Next(frame, org, pb.isComp)
		if org == sup {
			panic("btree: split record not on page")
		}
	}
	if n == 0 {
		panic("btree: copyOut keeps no records")
	}

	// Find the old last record's end for the freed-byte accounting.
	last := splitOrg
	for next := rec.Next(frame, last, pb.isComp); next != sup; next = rec.Next(frame, next, pb.isComp) {
		last = next
	}
	lastO := rec.GetOffsets(frame, last, pb.index, pb.level)
	prevO := rec.GetOffsets(frame, prev, pb.index, pb.level)

	rec.SetNext(frame, prev, pb.isComp, sup)
	pb.m.SetModified()

	newHeapTop := prevO.End(prev)
	pb.freeSpace += lastO.End(last) - newHeapTop +
		page.DirCalcReservedSpace(pb.recNo) - page.DirCalcReservedSpace(n)
	pb.totalData -= lastO.End(last) - newHeapTop
	pb.curRec = prev
	pb.heapTop = newHeapTop
	pb.recNo = n
}

// setNext writes the right sibling link.
func (pb *PageBuilder) setNext(nextPageNo uint32) {
	if pb.isZip() {
		// Captured by the next compress.
		page.Page(pb.frame()).SetNext(nextPageNo)
		return
	}
	pb.m.Write4(pb.block, page.FilPageNext, nextPageNo)
}

// setPrev writes the left sibling link.
func (pb *PageBuilder) setPrev(prevPageNo uint32) {
	if pb.isZip() {
		page.Page(pb.frame()).SetPrev(prevPageNo)
		return
	}
	pb.m.Write4(pb.block, page.FilPagePrev, prevPageNo)
}

// storeExt writes the big-record columns to blob pages and patches the
// extern references into the record just inserted. The block and
// current record are re-read from the cursor afterwards; blob storage
// is not expected to rebind them, but the re-read is kept defensive.
func (pb *PageBuilder) storeExt(big *rec.BigRec, offsets *rec.Offsets) error {
	cur := &blob.Cursor{
		Index:   pb.index,
		Block:   pb.block,
		Org:     pb.curRec,
		Offsets: offsets,
	}
	err := blob.StoreExternFields(cur, big, pb.env.Space, pb.env.Pool, &pb.m, blob.OpInsertBulk)

	if cur.Block != pb.block {
		panic("btree: blob storage rebound the leaf block")
	}
	pb.block = cur.Block
	pb.curRec = cur.Org
	return err
}

// release commits the mini-transaction, dropping the page latch while
// keeping the block pinned, and saves the modify clock for an
// optimistic re-latch.
func (pb *PageBuilder) release() error {
	pb.block.FixInc()
	pb.modifyClock = pb.block.ModifyClock()
	return pb.m.Commit()
}

// latch reopens a mini-transaction and re-acquires the exclusive latch:
// optimistically via the saved modify clock, or through a full pool
// lookup when the block moved.
func (pb *PageBuilder) latch() error {
	pb.m.Start(pb.env.Redo)

	if pb.env.Pool.OptimisticGet(pb.block, pb.modifyClock) {
		pb.m.XLatchAcquired(pb.block)
	} else {
		b, err := pb.env.Pool.Get(pb.pageNo)
		if err != nil {
			pb.block.FixDec()
			pb.m.Commit()
			return err
		}
		pb.block = b
		pb.m.XLatch(b)
	}
	pb.block.FixDec()

	if pb.curRec <= 0 || pb.curRec > pb.heapTop {
		panic("btree: builder state lost across release")
	}
	return nil
}

// commit finishes the page's mini-transaction. With success, the page is
// validated and, for a non-clustered leaf, the change-buffer bitmap is
// marked so nothing buffers into a bulk-loaded page. Abort is
// commit(false): the mini-transaction is released without the page
// finalization; the orphaned page is reclaimed by DDL rollback.
func (pb *PageBuilder) commit(success bool) error {
	if !pb.m.Active() {
		// Already committed by a page split; aborting again is a no-op.
		return nil
	}
	if success {
		if err := page.Validate(pb.frame(), pb.index); err != nil {
			panic(err)
		}
		if !pb.index.IsClust() && pb.level == 0 {
			bitmap, err := pb.env.Pool.Get(ibuf.BitmapPageNo)
			if err != nil {
				pb.m.Commit()
				return err
			}
			ibuf.SetBitmapForBulkLoad(bitmap, &pb.m, pb.pageNo,
				pb.env.Config.FillFactor == 100)
		}
	}
	return pb.m.Commit()
}

func nHeapWord(recNo int, comp bool) uint16 {
	v := uint16(page.HeapNoUserLow + recNo)
	if comp {
		v |= 0x8000
	}
	return v
}
