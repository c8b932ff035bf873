// Package pagezip implements the compressed row format: a finalized
// uncompressed page frame is DEFLATE-encoded into the block's compressed
// shadow frame, and the compressed image is the unit of redo logging for
// such pages.
package pagezip

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/flate"

	"github.com/weiihann/silo/buf"
	"github.com/weiihann/silo/dict"
	"github.com/weiihann/silo/mtr"
	"github.com/weiihann/silo/page"
	"github.com/weiihann/silo/rec"
)

// zipDataOff is where the compressed payload starts in the shadow frame:
// the fil header is carried verbatim, followed by the 4-byte payload
// length.
const zipDataOff = page.FilPageData + 4

// Compress encodes the block's uncompressed frame into its compressed
// shadow frame at the given level. On success the image is logged through
// m as the page's atomic redo record and the index pad estimate decays;
// on failure the pad estimate grows and the shadow frame is untouched.
func Compress(b *buf.Block, ix *dict.Index, level int, m *mtr.Mtr) bool {
	if b.ZipFrame == nil {
		panic("pagezip: block has no compressed frame")
	}
	p := page.Page(b.Frame)

	// Compress the live region only: everything from the sentinels to the
	// heap top, plus the directory tail.
	heapTop := p.HeapTop()
	dirBytes := p.NDirSlots()*page.PageDirSlotSize + page.FilPageDataEnd
	body := b.Frame[page.FilPageData:heapTop]
	tail := b.Frame[len(b.Frame)-dirBytes:]

	var out bytes.Buffer
	w, err := flate.NewWriter(&out, level)
	if err != nil {
		panic(fmt.Sprintf("pagezip: bad compression level %d", level))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:], uint16(heapTop))
	binary.BigEndian.PutUint16(hdr[2:], uint16(dirBytes))
	w.Write(hdr[:])
	w.Write(body)
	w.Write(tail)
	if err := w.Close(); err != nil {
		panic(fmt.Sprintf("pagezip: flate: %v", err))
	}

	if zipDataOff+4+out.Len() > len(b.ZipFrame) {
		ix.ZipPadFailure(len(b.Frame))
		return false
	}

	copy(b.ZipFrame[:page.FilPageData], b.Frame[:page.FilPageData])
	binary.BigEndian.PutUint32(b.ZipFrame[page.FilPageData:], uint32(out.Len()))
	copy(b.ZipFrame[zipDataOff:], out.Bytes())
	for i := zipDataOff + out.Len(); i < len(b.ZipFrame); i++ {
		b.ZipFrame[i] = 0
	}

	m.ZipImage(b)
	ix.ZipPadSuccess()
	return true
}

// Decompress rebuilds an uncompressed frame from a compressed shadow
// frame. It is the frame codec handed to buf.Pool.SetFrameCodec for
// reading persisted compressed pages back.
func Decompress(zipFrame, frame []byte) error {
	n := binary.BigEndian.Uint32(zipFrame[page.FilPageData:])
	r := flate.NewReader(bytes.NewReader(zipFrame[zipDataOff : zipDataOff+int(n)]))
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return fmt.Errorf("pagezip: decompress: %w", err)
	}
	data := out.Bytes()
	if len(data) < 4 {
		return fmt.Errorf("pagezip: truncated image")
	}
	heapTop := int(binary.BigEndian.Uint16(data[0:]))
	dirBytes := int(binary.BigEndian.Uint16(data[2:]))
	body := data[4:]
	if len(body) != heapTop-page.FilPageData+dirBytes {
		return fmt.Errorf("pagezip: image size mismatch")
	}
	for i := range frame {
		frame[i] = 0
	}
	copy(frame[:page.FilPageData], zipFrame[:page.FilPageData])
	copy(frame[page.FilPageData:heapTop], body[:heapTop-page.FilPageData])
	copy(frame[len(frame)-dirBytes:], body[heapTop-page.FilPageData:])

	// The zip image's fil header carries the compressed marker and its
	// own checksum; the reconstructed frame is an ordinary index page.
	page.Page(frame).SetType(page.PageTypeIndex)
	binary.BigEndian.PutUint32(frame[page.FilPageChecksum:], 0)
	return nil
}

// EmptySize returns the byte budget of an empty compressed page for
// records: the zip frame minus headers, split across the record heap.
func EmptySize(nFields, zipSize int) int {
	return zipSize - zipDataOff - 4 - nFields
}

// RecNeedsExt reports whether a record of recSize must move columns to
// external storage: it may use at most half the empty page, in either
// the compressed budget or the uncompressed one.
func RecNeedsExt(recSize int, comp bool, nFields, zipSize, pageSize int) bool {
	if zipSize > 0 {
		return recSize >= EmptySize(nFields, zipSize)/2
	}
	return recSize >= page.FreeSpaceOfEmpty(pageSize, comp)/2
}

// LocalLimit returns the largest record size that does not require
// external storage, the complement of RecNeedsExt.
func LocalLimit(comp bool, nFields, zipSize, pageSize int) int {
	if zipSize > 0 {
		return EmptySize(nFields, zipSize)/2 - 1
	}
	return page.FreeSpaceOfEmpty(pageSize, comp)/2 - 1
}

// IsTooBig reports whether a tuple can never fit a compressed page of
// the index, even alone and with all movable columns stored externally.
func IsTooBig(ix *dict.Index, t *rec.Tuple, pageSize int) bool {
	if ix.ZipSize == 0 {
		return false
	}
	size := rec.ConvertedSize(ix, t)
	n := len(t.Fields)
	return size >= EmptySize(n, ix.ZipSize)
}
