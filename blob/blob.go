// Package blob stores oversize columns on dedicated chained pages. The
// record on the index leaf keeps a fixed-size extern reference; the
// column bytes live on blob pages allocated from the same tablespace.
//
// In bulk-insert mode the blob pages are redo-logged through the
// caller's mini-transaction before the owning record is finalized, so a
// recovered log never references blob data it does not contain.
package blob

import (
	"encoding/binary"
	"fmt"

	"github.com/weiihann/silo/buf"
	"github.com/weiihann/silo/dict"
	"github.com/weiihann/silo/fsp"
	"github.com/weiihann/silo/mtr"
	"github.com/weiihann/silo/page"
	"github.com/weiihann/silo/rec"
)

// Blob page layout after the fil header: the chunk length and the next
// blob page in the chain.
const (
	blobDataLenOff = page.FilPageData
	blobNextOff    = page.FilPageData + 4
	blobDataOff    = page.FilPageData + 8
)

// Cursor is the narrow record position handed to blob storage: the
// latched leaf block, the record origin, and its offsets.
type Cursor struct {
	Index   *dict.Index
	Block   *buf.Block
	Org     int
	Offsets *rec.Offsets
}

// StoreMode selects logging behavior.
type StoreMode int

const (
	// OpInsertBulk is the bulk-load mode: blob writes are logged through
	// the caller's open mini-transaction, the record itself is logged by
	// the bulk machinery.
	OpInsertBulk StoreMode = iota
)

// StoreExternFields writes every field of big to chained blob pages and
// patches the extern references into the record under the cursor.
func StoreExternFields(cur *Cursor, big *rec.BigRec, space *fsp.Space, pool *buf.Pool, m *mtr.Mtr, mode StoreMode) error {
	if mode != OpInsertBulk {
		return fmt.Errorf("blob: unsupported store mode %d", mode)
	}
	pageSize := pool.PageSize()
	chunkCap := pageSize - blobDataOff - page.FilPageDataEnd

	for _, f := range big.Fields {
		firstPage, err := storeOneField(f.Data, chunkCap, space, pool, m)
		if err != nil {
			return err
		}
		writeRef(cur, f.FieldNo, space.ID, firstPage, uint64(len(f.Data)), m)
	}
	return nil
}

// storeOneField writes one column across as many blob pages as needed
// and returns the first page of the chain. Each page is allocated under
// its own short mini-transaction, keeping the space header latch out of
// the caller's long-lived one.
func storeOneField(data []byte, chunkCap int, space *fsp.Space, pool *buf.Pool, m *mtr.Mtr) (uint32, error) {
	var (
		firstPage = page.FilNull
		prevBlock *buf.Block
	)
	remaining := data
	for len(remaining) > 0 || firstPage == page.FilNull {
		var allocMtr mtr.Mtr
		allocMtr.Start(m.Log())
		pageNo, err := space.PageAlloc(&allocMtr)
		if aerr := allocMtr.Commit(); aerr != nil && err == nil {
			err = aerr
		}
		if err != nil {
			return 0, fmt.Errorf("blob: alloc: %w", err)
		}
		b := pool.Alloc(pageNo, 0)
		m.XLatch(b)

		m.Write4(b, page.FilPageOffset, pageNo)
		m.Write2(b, page.FilPageType, page.PageTypeBlob)
		m.Write4(b, page.FilPageSpaceID, space.ID)
		m.Write4(b, blobNextOff, page.FilNull)

		n := len(remaining)
		if n > chunkCap {
			n = chunkCap
		}
		copy(b.Frame[blobDataOff:], remaining[:n])
		m.Write4(b, blobDataLenOff, uint32(n))
		if n > 0 {
			m.Memcpy(b, blobDataOff, n)
		}
		remaining = remaining[n:]

		if firstPage == page.FilNull {
			firstPage = pageNo
		} else {
			m.Write4(prevBlock, blobNextOff, pageNo)
		}
		prevBlock = b
	}
	return firstPage, nil
}

// writeRef patches the 20-byte extern reference into field fieldNo of
// the record under the cursor. On a compressed index the write is
// in-memory only; the compressed image carries it into the log.
func writeRef(cur *Cursor, fieldNo int, spaceID, firstPage uint32, length uint64, m *mtr.Mtr) {
	start := 0
	if fieldNo > 0 {
		start = cur.Offsets.Ends[fieldNo-1]
	}
	off := cur.Org + start
	frame := cur.Block.Frame

	binary.BigEndian.PutUint32(frame[off:], spaceID)
	binary.BigEndian.PutUint32(frame[off+4:], firstPage)
	binary.BigEndian.PutUint32(frame[off+8:], blobDataOff)
	binary.BigEndian.PutUint64(frame[off+12:], length)

	if cur.Block.ZipFrame == nil {
		m.Memcpy(cur.Block, off, rec.ExternFieldRefSize)
	}
}

// ParseRef decodes an extern reference.
func ParseRef(ref []byte) (spaceID, firstPage, offset uint32, length uint64) {
	spaceID = binary.BigEndian.Uint32(ref[0:])
	firstPage = binary.BigEndian.Uint32(ref[4:])
	offset = binary.BigEndian.Uint32(ref[8:])
	length = binary.BigEndian.Uint64(ref[12:])
	return
}

// ReadExternField reassembles an externally stored column by walking its
// blob page chain.
func ReadExternField(ref []byte, pool *buf.Pool) ([]byte, error) {
	_, pageNo, _, length := ParseRef(ref)
	out := make([]byte, 0, length)
	for pageNo != page.FilNull {
		b, err := pool.Get(pageNo)
		if err != nil {
			return nil, fmt.Errorf("blob: read chain: %w", err)
		}
		n := binary.BigEndian.Uint32(b.Frame[blobDataLenOff:])
		out = append(out, b.Frame[blobDataOff:blobDataOff+int(n)]...)
		pageNo = binary.BigEndian.Uint32(b.Frame[blobNextOff:])
	}
	if uint64(len(out)) != length {
		return nil, fmt.Errorf("blob: chain length %d, reference says %d", len(out), length)
	}
	return out, nil
}
