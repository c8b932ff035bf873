// Package ibuf maintains the change-buffer bitmap: per-page bits on a
// bitmap page recording free space and whether deferred changes are
// buffered. Bulk load touches it exactly once per committed non-clustered
// leaf page, to mark the page full and unbuffered.
package ibuf

import (
	"github.com/weiihann/silo/buf"
	"github.com/weiihann/silo/mtr"
	"github.com/weiihann/silo/page"
)

// BitmapPageNo is the change-buffer bitmap page of the space. One bitmap
// page covers the spans silo supports; larger files would add one per
// bitmap range.
const BitmapPageNo uint32 = 1

// Bits per page in the bitmap: 2 free-space bits and 1 buffered bit,
// packed into a nibble.
const bitsPerPage = 4

// Free-space encodings.
const (
	FreeNone    byte = 0
	FreeLow     byte = 1
	FreeHigh    byte = 2
	freeMask    byte = 0x3
	bufferedBit byte = 0x4
)

// bitmapPos returns the byte offset and shift of pageNo's nibble.
func bitmapPos(pageNo uint32) (off int, shift uint) {
	bit := int(pageNo) * bitsPerPage
	return page.FilPageData + bit/8, uint(bit % 8)
}

// SetBitmapForBulkLoad marks a freshly bulk-loaded leaf page in the
// bitmap: no buffered changes, and free space of none (fill factor 100)
// or low. The write goes through the caller's mini-transaction.
func SetBitmapForBulkLoad(bitmap *buf.Block, m *mtr.Mtr, pageNo uint32, full bool) {
	m.XLatch(bitmap)
	if page.Page(bitmap.Frame).Type() != page.PageTypeIbufBitmap {
		m.Write2(bitmap, page.FilPageType, page.PageTypeIbufBitmap)
	}

	off, shift := bitmapPos(pageNo)
	free := FreeLow
	if full {
		free = FreeNone
	}
	v := bitmap.Frame[off]
	v &^= (freeMask | bufferedBit) << shift
	v |= (free & freeMask) << shift
	m.Write1(bitmap, off, v)
}

// PageBits reads back the bitmap nibble for a page: its free-space code
// and buffered flag.
func PageBits(bitmap []byte, pageNo uint32) (free byte, buffered bool) {
	off, shift := bitmapPos(pageNo)
	v := bitmap[off] >> shift
	return v & freeMask, v&bufferedBit != 0
}
