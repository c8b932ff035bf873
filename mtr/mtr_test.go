package mtr

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiihann/silo/buf"
	"github.com/weiihann/silo/redo"
)

func testBlock(pageNo uint32) *buf.Block {
	return &buf.Block{SpaceID: 1, PageNo: pageNo, Frame: make([]byte, 16*1024)}
}

func testLog(t *testing.T) (*redo.Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "redo.log")
	l, err := redo.Open(redo.DefaultConfig(path))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestTypedWrites(t *testing.T) {
	l, path := testLog(t)
	b := testBlock(3)

	var m Mtr
	m.Start(l)
	m.XLatch(b)
	m.Write1(b, 10, 0xab)
	m.Write2(b, 12, 0x1234)
	m.Write4(b, 14, 0xdeadbeef)
	m.Write8(b, 18, 0x0102030405060708)
	m.Memset(b, 30, 4, 0xff)
	copy(b.Frame[40:], "hello")
	m.Memcpy(b, 40, 5)
	require.NoError(t, m.Commit())

	assert.Equal(t, byte(0xab), b.Frame[10])
	assert.Equal(t, []byte{0x12, 0x34}, b.Frame[12:14])
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, b.Frame[30:34])
	assert.True(t, b.IsDirty())

	groups, err := readGroups(t, l, path)
	require.Len(t, groups, 1)
	require.NoError(t, err)
	assert.Len(t, groups[0], 6)
}

func readGroups(t *testing.T, l *redo.Log, path string) ([][]redo.Record, error) {
	t.Helper()
	require.NoError(t, l.Close())
	return redo.ReadGroups(path)
}

func TestOptionalWriteSuppressed(t *testing.T) {
	l, path := testLog(t)
	b := testBlock(1)
	b.Frame[20] = 0x00
	b.Frame[21] = 0x07

	var m Mtr
	m.Start(l)
	m.XLatch(b)
	m.WriteOpt2(b, 20, 0x0007) // pre-image already matches
	require.NoError(t, m.Commit())

	// Nothing was modified, nothing logged, block stays clean.
	assert.False(t, b.IsDirty())
	groups, err := readGroups(t, l, path)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestCommitReleasesLatches(t *testing.T) {
	l, _ := testLog(t)
	b := testBlock(2)

	var m Mtr
	m.Start(l)
	m.XLatch(b)
	assert.True(t, m.Holds(b))
	require.NoError(t, m.Commit())

	// The latch must be free again.
	assert.True(t, b.Latch.TryLock())
	b.Latch.Unlock()
}

func TestXLatchIdempotent(t *testing.T) {
	l, _ := testLog(t)
	b := testBlock(9)

	var m Mtr
	m.Start(l)
	m.XLatch(b)
	m.XLatch(b) // second latch of the same block must not deadlock
	require.NoError(t, m.Commit())

	assert.True(t, b.Latch.TryLock())
	b.Latch.Unlock()
}

func TestSetModifiedWithoutWrites(t *testing.T) {
	l, _ := testLog(t)
	b := testBlock(4)

	var m Mtr
	m.Start(l)
	m.XLatch(b)
	b.Frame[100] = 0x55 // unlogged in-memory write, compressed-page style
	m.SetModified()
	require.NoError(t, m.Commit())

	assert.True(t, b.IsDirty())
}

func TestZipImage(t *testing.T) {
	l, path := testLog(t)
	b := testBlock(6)
	b.ZipFrame = make([]byte, 8*1024)
	copy(b.ZipFrame, "compressed image bytes")

	var m Mtr
	m.Start(l)
	m.XLatch(b)
	m.ZipImage(b)
	// Mutating the zip frame after logging must not alter the record.
	b.ZipFrame[0] = 'X'
	require.NoError(t, m.Commit())

	groups, err := readGroups(t, l, path)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0], 1)
	assert.Equal(t, redo.OpZipImage, groups[0][0].Op)
	assert.Equal(t, byte('c'), groups[0][0].Data[0])
}
