// Package page defines the fixed on-disk page frame of the silo storage
// engine and typed accessors over it.
//
// Frame layout (pageSize bytes, typically 16 KiB):
//
//	[0..38)    fil header: checksum, page no, prev, next, LSN, type,
//	           flush LSN, space id
//	[38..74)   index page header
//	[74..94)   file segment headers
//	[94..]     infimum and supremum sentinel records, then the record
//	           heap growing upward
//	[..end-8)  directory slots growing downward, 2 bytes each
//	[end-8..]  fil trailer: low checksum word and LSN low word
package page

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/weiihann/silo/rec"
)

// Fil header field offsets.
const (
	FilPageChecksum = 0
	FilPageOffset   = 4
	FilPagePrev     = 8
	FilPageNext     = 12
	FilPageLSN      = 16
	FilPageType     = 24
	FilPageFlushLSN = 26
	FilPageSpaceID  = 34

	// FilPageData is the size of the fil header.
	FilPageData = 38

	// FilPageDataEnd is the size of the fil trailer at the frame end.
	FilPageDataEnd = 8
)

// FilNull is the nil page number.
const FilNull uint32 = 0xFFFFFFFF

// File page types.
const (
	PageTypeAllocated  uint16 = 0
	PageTypeIbufBitmap uint16 = 5
	PageTypeFspHdr     uint16 = 8
	PageTypeBlob       uint16 = 10
	PageTypeCompressed uint16 = 14
	PageTypeIndex      uint16 = 17855
)

// Index page header field offsets.
const (
	PageNDirSlots  = FilPageData + 0
	PageHeapTop    = FilPageData + 2
	PageNHeap      = FilPageData + 4
	PageFree       = FilPageData + 6
	PageGarbage    = FilPageData + 8
	PageLastInsert = FilPageData + 10
	PageDirection  = FilPageData + 12
	PageNDirection = FilPageData + 14
	PageNRecs      = FilPageData + 16
	PageMaxTrxID   = FilPageData + 18
	PageLevel      = FilPageData + 26
	PageIndexID    = FilPageData + 28

	// PageData is where the sentinel records start: fil header, index
	// page header, and two 10-byte file segment headers.
	PageData = FilPageData + 36 + 20
)

// Sentinel record offsets per format. Bodies are the literal strings
// "infimum\x00" and "supremum", 8 bytes each.
const (
	NewInfimum     = PageData + rec.NewExtraBytes          // 99
	NewSupremum    = NewInfimum + 8 + rec.NewExtraBytes    // 112
	NewSupremumEnd = NewSupremum + 8                       // 120
	OldInfimum     = PageData + rec.OldBaseExtraBytes + 1  // 101
	OldSupremum    = OldInfimum + 8 + rec.OldBaseExtraBytes + 1 // 116
	OldSupremumEnd = OldSupremum + 8                       // 124
)

// Directory constants.
const (
	// PageDirSlotSize is the size of one directory slot.
	PageDirSlotSize = 2

	// DirSlotMaxNOwned and DirSlotMinNOwned bound the number of records
	// owned by one directory slot.
	DirSlotMaxNOwned = 8
	DirSlotMinNOwned = DirSlotMaxNOwned / 2

	// HeapNoUserLow is the heap number of the first user record; 0 and 1
	// belong to infimum and supremum.
	HeapNoUserLow = 2
)

// Insert direction hints.
const (
	DirectionLeft  uint16 = 1
	DirectionRight uint16 = 2
	DirectionNone  uint16 = 5
)

// nHeapCompFlag marks the compact format in the PageNHeap word.
const nHeapCompFlag uint16 = 0x8000

// A Page is a typed view over one page frame.
type Page []byte

func (p Page) u16(off int) uint16       { return binary.BigEndian.Uint16(p[off:]) }
func (p Page) setU16(off int, v uint16) { binary.BigEndian.PutUint16(p[off:], v) }
func (p Page) u32(off int) uint32       { return binary.BigEndian.Uint32(p[off:]) }
func (p Page) setU32(off int, v uint32) { binary.BigEndian.PutUint32(p[off:], v) }
func (p Page) u64(off int) uint64       { return binary.BigEndian.Uint64(p[off:]) }
func (p Page) setU64(off int, v uint64) { binary.BigEndian.PutUint64(p[off:], v) }

// PageNo returns the page's own number from the fil header.
func (p Page) PageNo() uint32 { return p.u32(FilPageOffset) }

// SetPageNo writes the page number.
func (p Page) SetPageNo(no uint32) { p.setU32(FilPageOffset, no) }

// Prev returns the left sibling page number.
func (p Page) Prev() uint32 { return p.u32(FilPagePrev) }

// Next returns the right sibling page number.
func (p Page) Next() uint32 { return p.u32(FilPageNext) }

// SetPrev writes the left sibling link.
func (p Page) SetPrev(no uint32) { p.setU32(FilPagePrev, no) }

// SetNext writes the right sibling link.
func (p Page) SetNext(no uint32) { p.setU32(FilPageNext, no) }

// Type returns the fil page type.
func (p Page) Type() uint16 { return p.u16(FilPageType) }

// SetType writes the fil page type.
func (p Page) SetType(t uint16) { p.setU16(FilPageType, t) }

// SpaceID returns the tablespace id stamped on the page.
func (p Page) SpaceID() uint32 { return p.u32(FilPageSpaceID) }

// SetSpaceID writes the tablespace id.
func (p Page) SetSpaceID(id uint32) { p.setU32(FilPageSpaceID, id) }

// NDirSlots returns the number of directory slots.
func (p Page) NDirSlots() int { return int(p.u16(PageNDirSlots)) }

// HeapTop returns the offset of the first free byte of the record heap.
func (p Page) HeapTop() int { return int(p.u16(PageHeapTop)) }

// NHeap returns the number of heap records including the sentinels.
func (p Page) NHeap() int { return int(p.u16(PageNHeap) &^ nHeapCompFlag) }

// IsComp reports whether the page uses the compact record format.
func (p Page) IsComp() bool { return p.u16(PageNHeap)&nHeapCompFlag != 0 }

// NRecs returns the user record count.
func (p Page) NRecs() int { return int(p.u16(PageNRecs)) }

// LastInsert returns the offset of the last inserted record.
func (p Page) LastInsert() int { return int(p.u16(PageLastInsert)) }

// Level returns the tree level stored in the header.
func (p Page) Level() int { return int(p.u16(PageLevel)) }

// IndexID returns the owning index id.
func (p Page) IndexID() uint64 { return p.u64(PageIndexID) }

// MaxTrxID returns the maximum transaction id stamped on the page.
func (p Page) MaxTrxID() uint64 { return p.u64(PageMaxTrxID) }

// SetLevel writes the tree level. Unlogged; mini-transactions log this
// field themselves on uncompressed pages.
func (p Page) SetLevel(l int) { p.setU16(PageLevel, uint16(l)) }

// SetIndexID writes the owning index id.
func (p Page) SetIndexID(id uint64) { p.setU64(PageIndexID, id) }

// SetNDirSlots writes the directory slot count.
func (p Page) SetNDirSlots(n int) { p.setU16(PageNDirSlots, uint16(n)) }

// SetHeapTop writes the heap top pointer.
func (p Page) SetHeapTop(off int) { p.setU16(PageHeapTop, uint16(off)) }

// SetNHeapRaw writes the raw heap-count word including the format flag.
func (p Page) SetNHeapRaw(v uint16) { p.setU16(PageNHeap, v) }

// SetNRecs writes the user record count.
func (p Page) SetNRecs(n int) { p.setU16(PageNRecs, uint16(n)) }

// SetLastInsert writes the last-insert hint.
func (p Page) SetLastInsert(off int) { p.setU16(PageLastInsert, uint16(off)) }

// SetDirection writes the insert direction hint.
func (p Page) SetDirection(d uint16) { p.setU16(PageDirection, d) }

// SetMaxTrxID stamps the maximum transaction id.
func (p Page) SetMaxTrxID(id uint64) { p.setU64(PageMaxTrxID, id) }

// IsLeaf reports whether this is a level-0 page.
func (p Page) IsLeaf() bool { return p.Level() == 0 }

// Infimum returns the origin of the infimum sentinel.
func (p Page) Infimum() int {
	if p.IsComp() {
		return NewInfimum
	}
	return OldInfimum
}

// Supremum returns the origin of the supremum sentinel.
func (p Page) Supremum() int {
	if p.IsComp() {
		return NewSupremum
	}
	return OldSupremum
}

// SupremumEnd returns the first heap byte after the sentinels.
func SupremumEnd(comp bool) int {
	if comp {
		return NewSupremumEnd
	}
	return OldSupremumEnd
}

// NextRec follows the record chain from org.
func (p Page) NextRec(org int) int {
	return rec.Next(p, org, p.IsComp())
}

// IsUserRec reports whether org addresses a user record rather than a
// sentinel.
func (p Page) IsUserRec(org int) bool {
	return org != p.Infimum() && org != p.Supremum()
}

// Slot returns the record origin stored in directory slot i. Slot 0 is at
// the highest address.
func (p Page) Slot(i int) int {
	return int(p.u16(len(p) - FilPageDataEnd - PageDirSlotSize*(i+1)))
}

// SlotOffset returns the frame offset of directory slot i.
func (p Page) SlotOffset(i int) int {
	return len(p) - FilPageDataEnd - PageDirSlotSize*(i+1)
}

// SetSlot stores a record origin in directory slot i.
func (p Page) SetSlot(i, org int) {
	p.setU16(p.SlotOffset(i), uint16(org))
}

// FreeSpaceOfEmpty returns the usable byte capacity of an empty page in
// the given format: everything between the sentinel area and the two
// initial directory slots.
func FreeSpaceOfEmpty(pageSize int, comp bool) int {
	return pageSize - SupremumEnd(comp) - FilPageDataEnd - 2*PageDirSlotSize
}

// DirCalcReservedSpace returns the directory bytes reserved for n user
// records: one slot's bytes per DirSlotMinNOwned records, rounded up to a
// whole byte.
func DirCalcReservedSpace(n int) int {
	return (PageDirSlotSize*n + DirSlotMinNOwned - 1) / DirSlotMinNOwned
}

// Create writes the empty-page skeleton into a zeroed frame: page type,
// heap bookkeeping, the two sentinel records linked to each other, and
// the two initial directory slots.
func Create(frame []byte, comp bool) {
	p := Page(frame)
	p.SetType(PageTypeIndex)

	nHeap := uint16(HeapNoUserLow)
	if comp {
		nHeap |= nHeapCompFlag
	}
	p.setU16(PageNHeap, nHeap)
	p.setU16(PageHeapTop, uint16(SupremumEnd(comp)))
	p.setU16(PageNDirSlots, 2)

	inf, sup := p.Infimum(), p.Supremum()
	copy(frame[inf:], "infimum\x00")
	copy(frame[sup:], "supremum")

	if !comp {
		// Redundant sentinels use the short one-byte offset array with a
		// single 8-byte field.
		frame[inf-3] = 1 | 0x80
		frame[inf-rec.OldBaseExtraBytes-1] = 8
		frame[sup-3] = 1 | 0x80
		frame[sup-rec.OldBaseExtraBytes-1] = 8
	}

	rec.SetStatus(frame, inf, comp, rec.StatusInfimum)
	rec.SetHeapNo(frame, inf, comp, 0)
	rec.SetNOwned(frame, inf, comp, 1)
	rec.SetNext(frame, inf, comp, sup)

	rec.SetStatus(frame, sup, comp, rec.StatusSupremum)
	rec.SetHeapNo(frame, sup, comp, 1)
	rec.SetNOwned(frame, sup, comp, 1)
	rec.SetNext(frame, sup, comp, 0)

	p.SetSlot(0, inf)
	p.SetSlot(1, sup)
}

// Checksum computes the frame checksum: xxhash64 over the body, excluding
// the checksum field itself and the trailer.
func Checksum(frame []byte) uint32 {
	return uint32(xxhash.Sum64(frame[FilPageOffset : len(frame)-FilPageDataEnd]))
}

// SetChecksum stamps the checksum into the fil header and the trailer low
// word.
func SetChecksum(frame []byte) {
	c := Checksum(frame)
	binary.BigEndian.PutUint32(frame[FilPageChecksum:], c)
	binary.BigEndian.PutUint32(frame[len(frame)-FilPageDataEnd:], c)
}

// VerifyChecksum reports whether the stored checksum matches the frame.
// An all-zero checksum on a never-flushed page passes.
func VerifyChecksum(frame []byte) bool {
	stored := binary.BigEndian.Uint32(frame[FilPageChecksum:])
	if stored == 0 {
		return true
	}
	return stored == Checksum(frame)
}

// String formats a short page description for diagnostics.
func (p Page) String() string {
	return fmt.Sprintf("page %d level %d n_recs %d prev %d next %d",
		p.PageNo(), p.Level(), p.NRecs(), int32(p.Prev()), int32(p.Next()))
}
