package pagezip

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiihann/silo/buf"
	"github.com/weiihann/silo/dict"
	"github.com/weiihann/silo/mtr"
	"github.com/weiihann/silo/page"
	"github.com/weiihann/silo/redo"
)

const testPageSize = 16 * 1024

func testZipIndex() *dict.Index {
	return &dict.Index{
		ID:      11,
		KeyCols: 1,
		Cols: []dict.Col{
			{Name: "k", FixedLen: 8},
			{Name: "v", MaxLen: 8192},
		},
		Clustered: true,
		Comp:      true,
		ZipSize:   8 * 1024,
	}
}

func zipBlock() *buf.Block {
	b := &buf.Block{SpaceID: 1, PageNo: 4, Frame: make([]byte, testPageSize)}
	b.ZipFrame = make([]byte, 8*1024)
	page.Create(b.Frame, true)
	page.Page(b.Frame).SetPageNo(4)
	return b
}

func openMtr(t *testing.T) *mtr.Mtr {
	t.Helper()
	l, err := redo.Open(redo.DefaultConfig(filepath.Join(t.TempDir(), "redo.log")))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	var m mtr.Mtr
	m.Start(l)
	t.Cleanup(func() {
		if m.Active() {
			m.Commit()
		}
	})
	return &m
}

func TestCompressEmptyishPage(t *testing.T) {
	ix := testZipIndex()
	b := zipBlock()
	m := openMtr(t)
	m.XLatch(b)

	require.True(t, Compress(b, ix, 6, m))

	// Round trip back into a fresh frame.
	frame := make([]byte, testPageSize)
	require.NoError(t, Decompress(b.ZipFrame, frame))
	assert.Equal(t, b.Frame[:page.NewSupremumEnd], frame[:page.NewSupremumEnd])
}

func TestCompressFailsOnIncompressible(t *testing.T) {
	ix := testZipIndex()
	b := zipBlock()
	m := openMtr(t)
	m.XLatch(b)

	// Fill the heap with incompressible bytes and pretend they are
	// records by raising the heap top.
	rng := rand.New(rand.NewSource(1))
	heapTop := testPageSize - 1024
	rng.Read(b.Frame[page.NewSupremumEnd:heapTop])
	page.Page(b.Frame).SetHeapTop(heapTop)

	before := ix.ZipPadOptimalPageSize(testPageSize)
	assert.False(t, Compress(b, ix, 6, m))
	// A failure grows the padding estimate.
	assert.Less(t, ix.ZipPadOptimalPageSize(testPageSize), before)
}

func TestRecNeedsExt(t *testing.T) {
	// Uncompressed: the threshold is half the empty page.
	half := page.FreeSpaceOfEmpty(testPageSize, true) / 2
	assert.False(t, RecNeedsExt(half-1, true, 2, 0, testPageSize))
	assert.True(t, RecNeedsExt(half, true, 2, 0, testPageSize))

	// Compressed: the budget shrinks to the zip size.
	zipHalf := EmptySize(2, 8*1024) / 2
	assert.False(t, RecNeedsExt(zipHalf-1, true, 2, 8*1024, testPageSize))
	assert.True(t, RecNeedsExt(zipHalf, true, 2, 8*1024, testPageSize))
}

func TestLocalLimitComplementsNeedsExt(t *testing.T) {
	limit := LocalLimit(true, 2, 8*1024, testPageSize)
	assert.False(t, RecNeedsExt(limit, true, 2, 8*1024, testPageSize))
	assert.True(t, RecNeedsExt(limit+1, true, 2, 8*1024, testPageSize))
}
