package buf

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiihann/silo/page"
)

const testPageSize = 4 * 1024

// memIO is an in-memory PageIO for pool tests.
type memIO struct {
	pages map[uint32][]byte
}

func newMemIO() *memIO {
	return &memIO{pages: make(map[uint32][]byte)}
}

func (io *memIO) ReadPage(pageNo uint32, frame []byte) error {
	p, ok := io.pages[pageNo]
	if !ok {
		return fmt.Errorf("no page %d", pageNo)
	}
	copy(frame, p)
	return nil
}

func (io *memIO) WritePage(pageNo uint32, frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	io.pages[pageNo] = cp
	return nil
}

func TestAllocAndGet(t *testing.T) {
	p := NewPool(1, testPageSize, newMemIO())

	b := p.Alloc(5, 0)
	assert.Equal(t, uint32(5), b.PageNo)
	assert.Len(t, b.Frame, testPageSize)
	assert.Nil(t, b.ZipFrame)

	got, err := p.Get(5)
	require.NoError(t, err)
	assert.Same(t, b, got)
}

func TestAllocZipShadow(t *testing.T) {
	p := NewPool(1, testPageSize, newMemIO())
	b := p.Alloc(2, 2048)
	assert.Len(t, b.ZipFrame, 2048)
}

func TestGetReadsFromStore(t *testing.T) {
	io := newMemIO()
	frame := make([]byte, testPageSize)
	copy(frame[100:], "persisted")
	io.pages[9] = frame

	p := NewPool(1, testPageSize, io)
	b, err := p.Get(9)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(b.Frame[100:109]))

	_, err = p.Get(10)
	assert.ErrorIs(t, err, ErrPageNotFound)
}

func TestOptimisticGet(t *testing.T) {
	p := NewPool(1, testPageSize, newMemIO())
	b := p.Alloc(3, 0)

	clock := b.ModifyClock()
	require.True(t, p.OptimisticGet(b, clock))
	b.Latch.Unlock()

	// Rebinding the page number invalidates the clock.
	p.Alloc(3, 0)
	assert.False(t, p.OptimisticGet(b, clock))
}

func TestEvictRespectsPins(t *testing.T) {
	p := NewPool(1, testPageSize, newMemIO())
	b := p.Alloc(7, 0)

	b.FixInc()
	assert.False(t, p.Evict(7))
	b.FixDec()

	b.MarkDirty()
	assert.False(t, p.Evict(7))
	b.clearDirty()

	clock := b.ModifyClock()
	assert.True(t, p.Evict(7))
	assert.NotEqual(t, clock, b.ModifyClock())
	assert.Nil(t, p.GetIfInPool(7))
}

func TestFlushDirtySkipsSuppressed(t *testing.T) {
	io := newMemIO()
	p := NewPool(1, testPageSize, io)

	a := p.Alloc(1, 0)
	a.MarkDirty()
	b := p.Alloc(2, 0)
	b.MarkDirty()
	b.SkipFlushCheck.Store(true)

	n := p.FlushDirty()
	assert.Equal(t, 1, n)
	assert.False(t, a.IsDirty())
	assert.True(t, b.IsDirty())
	_, flushed := io.pages[1]
	assert.True(t, flushed)
	_, flushed = io.pages[2]
	assert.False(t, flushed)

	// Flushed frames carry a valid checksum.
	assert.True(t, page.VerifyChecksum(io.pages[1]))
}

func TestFlushSkipsLatchedFrames(t *testing.T) {
	io := newMemIO()
	p := NewPool(1, testPageSize, io)

	b := p.Alloc(4, 0)
	b.MarkDirty()
	b.Latch.Lock()
	assert.Equal(t, 0, p.FlushDirty())
	b.Latch.Unlock()
	assert.Equal(t, 1, p.FlushDirty())
}
