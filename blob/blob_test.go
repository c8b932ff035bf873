package blob

import (
	"encoding/binary"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiihann/silo/buf"
	"github.com/weiihann/silo/dict"
	"github.com/weiihann/silo/fsp"
	"github.com/weiihann/silo/mtr"
	"github.com/weiihann/silo/page"
	"github.com/weiihann/silo/rec"
	"github.com/weiihann/silo/redo"
)

const testPageSize = 16 * 1024

func testSetup(t *testing.T) (*fsp.Space, *buf.Pool, *redo.Log) {
	t.Helper()
	dir := t.TempDir()
	space, err := fsp.Create(filepath.Join(dir, "blob.silo"),
		fsp.Config{ID: 1, PageSize: testPageSize})
	require.NoError(t, err)
	t.Cleanup(func() { space.Close() })

	pool := buf.NewPool(1, testPageSize, space)
	require.NoError(t, space.AttachPool(pool))

	log, err := redo.Open(redo.DefaultConfig(filepath.Join(dir, "redo.log")))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return space, pool, log
}

func TestStoreAndReadExternField(t *testing.T) {
	space, pool, log := testSetup(t)

	ix := &dict.Index{
		ID:      31,
		KeyCols: 1,
		Cols: []dict.Col{
			{Name: "k", FixedLen: 8},
			{Name: "v", MaxLen: 1 << 20},
		},
		Clustered: true,
		Comp:      true,
	}

	// A record whose value column was split out for external storage.
	data := make([]byte, 50000)
	rand.New(rand.NewSource(3)).Read(data)
	tup := rec.NewTuple([][]byte{make([]byte, 8), data})
	big := rec.ConvertBigRec(ix, tup, 4096)
	require.NotNil(t, big)

	// Place the skeleton record on a leaf frame.
	leafNo, err := space.PageAlloc(nil)
	require.NoError(t, err)
	leaf := pool.Alloc(leafNo, 0)
	page.Create(leaf.Frame, true)

	buf0, org0 := rec.ConvertTupleToRec(ix, tup)
	o := rec.GetOffsets(buf0, org0, ix, 0)
	heapTop := page.SupremumEnd(true)
	copy(leaf.Frame[heapTop:], buf0)
	org := heapTop + o.Extra

	var m mtr.Mtr
	m.Start(log)
	m.XLatch(leaf)

	cur := &Cursor{Index: ix, Block: leaf, Org: org, Offsets: o}
	require.NoError(t, StoreExternFields(cur, big, space, pool, &m, OpInsertBulk))
	require.NoError(t, m.Commit())

	// The reference landed in the record and resolves to the data.
	ref := rec.Field(leaf.Frame, org, o, 1)
	require.Len(t, ref, rec.ExternFieldRefSize)
	_, firstPage, _, length := ParseRef(ref)
	assert.NotEqual(t, page.FilNull, firstPage)
	assert.Equal(t, uint64(len(data)), length)

	got, err := ReadExternField(ref, pool)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The chain starts on a blob page.
	b, err := pool.Get(firstPage)
	require.NoError(t, err)
	assert.Equal(t, page.PageTypeBlob, page.Page(b.Frame).Type())
}

func TestStoreEmptyField(t *testing.T) {
	space, pool, log := testSetup(t)

	var m mtr.Mtr
	m.Start(log)
	first, err := storeOneField(nil, testPageSize-128, space, pool, &m)
	require.NoError(t, err)
	require.NoError(t, m.Commit())

	assert.NotEqual(t, page.FilNull, first)
	b, err := pool.Get(first)
	require.NoError(t, err)
	assert.Equal(t, page.FilNull, binary.BigEndian.Uint32(b.Frame[blobNextOff:]))
	assert.Zero(t, binary.BigEndian.Uint32(b.Frame[blobDataLenOff:]))
}
