package fsp

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 16 * 1024

func createTestSpace(t *testing.T, maxPages uint32) (*Space, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.silo")
	s, err := Create(path, Config{ID: 1, PageSize: testPageSize, MaxSizePages: maxPages})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestCreateLaysOutFirstExtent(t *testing.T) {
	s, _ := createTestSpace(t, 0)
	assert.Equal(t, uint32(ExtentSize), s.SizeInPages())
}

func TestAllocAscending(t *testing.T) {
	s, _ := createTestSpace(t, 0)

	// Pages 0 and 1 are the header and the bitmap page.
	var prev uint32 = reservedPages - 1
	for i := 0; i < 100; i++ {
		no, err := s.PageAlloc(nil)
		require.NoError(t, err)
		assert.Equal(t, prev+1, no)
		prev = no
	}
	// Growth past the first extent happened.
	assert.Greater(t, s.SizeInPages(), uint32(ExtentSize))
}

func TestFreeAndRealloc(t *testing.T) {
	s, _ := createTestSpace(t, 0)

	a, err := s.PageAlloc(nil)
	require.NoError(t, err)
	b, err := s.PageAlloc(nil)
	require.NoError(t, err)
	require.Equal(t, a+1, b)

	s.PageFree(a, nil)
	c, err := s.PageAlloc(nil)
	require.NoError(t, err)
	assert.Equal(t, a, c) // lowest page first
}

func TestReserveOutOfSpace(t *testing.T) {
	s, _ := createTestSpace(t, ExtentSize) // one extent only

	require.NoError(t, s.ReserveFreeExtents(0))
	err := s.ReserveFreeExtents(2)
	assert.ErrorIs(t, err, ErrOutOfFileSpace)
}

func TestReadWritePage(t *testing.T) {
	s, _ := createTestSpace(t, 0)

	no, err := s.PageAlloc(nil)
	require.NoError(t, err)

	out := make([]byte, testPageSize)
	copy(out, "page contents")
	require.NoError(t, s.WritePage(no, out))

	in := make([]byte, testPageSize)
	require.NoError(t, s.ReadPage(no, in))
	assert.Equal(t, out, in)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "re.silo")
	s, err := Create(path, Config{ID: 9, PageSize: testPageSize})
	require.NoError(t, err)
	_, err = s.PageAlloc(nil)
	require.NoError(t, err)
	size := s.SizeInPages()
	require.NoError(t, s.Close())

	s2, err := Open(path, Config{ID: 9, PageSize: testPageSize})
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, size, s2.SizeInPages())
}

func TestOpenWrongSpaceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id.silo")
	s, err := Create(path, Config{ID: 3, PageSize: testPageSize})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path, Config{ID: 4, PageSize: testPageSize})
	assert.Error(t, err)
}

func TestFileLockExcludesSecondOpen(t *testing.T) {
	s, path := createTestSpace(t, 0)
	_ = s

	_, err := Open(path, Config{ID: 1, PageSize: testPageSize})
	assert.Error(t, err)
}
