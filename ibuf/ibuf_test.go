package ibuf

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiihann/silo/buf"
	"github.com/weiihann/silo/mtr"
	"github.com/weiihann/silo/page"
	"github.com/weiihann/silo/redo"
)

func TestSetBitmapForBulkLoad(t *testing.T) {
	log, err := redo.Open(redo.DefaultConfig(filepath.Join(t.TempDir(), "redo.log")))
	require.NoError(t, err)
	defer log.Close()

	bitmap := &buf.Block{SpaceID: 1, PageNo: BitmapPageNo, Frame: make([]byte, 16*1024)}

	var m mtr.Mtr
	m.Start(log)
	SetBitmapForBulkLoad(bitmap, &m, 5, true)
	SetBitmapForBulkLoad(bitmap, &m, 6, false)
	require.NoError(t, m.Commit())

	assert.Equal(t, page.PageTypeIbufBitmap, page.Page(bitmap.Frame).Type())

	free, buffered := PageBits(bitmap.Frame, 5)
	assert.Equal(t, FreeNone, free)
	assert.False(t, buffered)

	free, buffered = PageBits(bitmap.Frame, 6)
	assert.Equal(t, FreeLow, free)
	assert.False(t, buffered)

	// Neighboring nibbles stay untouched.
	free, buffered = PageBits(bitmap.Frame, 4)
	assert.Equal(t, byte(0), free)
	assert.False(t, buffered)
}
