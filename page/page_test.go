package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiihann/silo/rec"
)

const testPageSize = 16 * 1024

func TestCreateCompact(t *testing.T) {
	frame := make([]byte, testPageSize)
	Create(frame, true)
	p := Page(frame)

	assert.Equal(t, PageTypeIndex, p.Type())
	assert.True(t, p.IsComp())
	assert.Equal(t, HeapNoUserLow, p.NHeap())
	assert.Equal(t, 0, p.NRecs())
	assert.Equal(t, NewSupremumEnd, p.HeapTop())
	assert.Equal(t, 2, p.NDirSlots())

	// Sentinels link to each other.
	assert.Equal(t, NewSupremum, p.NextRec(p.Infimum()))
	assert.Equal(t, "infimum\x00", string(frame[NewInfimum:NewInfimum+8]))
	assert.Equal(t, "supremum", string(frame[NewSupremum:NewSupremum+8]))

	assert.Equal(t, rec.StatusInfimum, rec.Status(frame, p.Infimum(), true))
	assert.Equal(t, rec.StatusSupremum, rec.Status(frame, p.Supremum(), true))
	assert.Equal(t, 0, rec.HeapNo(frame, p.Infimum(), true))
	assert.Equal(t, 1, rec.HeapNo(frame, p.Supremum(), true))

	assert.Equal(t, p.Infimum(), p.Slot(0))
	assert.Equal(t, p.Supremum(), p.Slot(1))
}

func TestCreateRedundant(t *testing.T) {
	frame := make([]byte, testPageSize)
	Create(frame, false)
	p := Page(frame)

	assert.False(t, p.IsComp())
	assert.Equal(t, OldInfimum, p.Infimum())
	assert.Equal(t, OldSupremum, p.Supremum())
	assert.Equal(t, OldSupremum, p.NextRec(p.Infimum()))
	assert.Equal(t, OldSupremumEnd, p.HeapTop())
}

func TestSentinelOffsets(t *testing.T) {
	// These are constants of the external format.
	assert.Equal(t, 94, PageData)
	assert.Equal(t, 99, NewInfimum)
	assert.Equal(t, 112, NewSupremum)
	assert.Equal(t, 101, OldInfimum)
	assert.Equal(t, 116, OldSupremum)
}

func TestSiblingLinks(t *testing.T) {
	frame := make([]byte, testPageSize)
	p := Page(frame)
	p.SetPrev(FilNull)
	p.SetNext(7)
	assert.Equal(t, FilNull, p.Prev())
	assert.Equal(t, uint32(7), p.Next())
}

func TestDirCalcReservedSpace(t *testing.T) {
	assert.Equal(t, 0, DirCalcReservedSpace(0))
	assert.Equal(t, 1, DirCalcReservedSpace(1))
	assert.Equal(t, 1, DirCalcReservedSpace(2))
	assert.Equal(t, 2, DirCalcReservedSpace(3))
	assert.Equal(t, 2, DirCalcReservedSpace(4))
	// Monotone, roughly half a byte per record.
	for n := 1; n < 1000; n++ {
		assert.GreaterOrEqual(t, DirCalcReservedSpace(n), DirCalcReservedSpace(n-1))
	}
}

func TestFreeSpaceOfEmpty(t *testing.T) {
	comp := FreeSpaceOfEmpty(testPageSize, true)
	red := FreeSpaceOfEmpty(testPageSize, false)
	assert.Equal(t, testPageSize-NewSupremumEnd-FilPageDataEnd-2*PageDirSlotSize, comp)
	assert.Equal(t, testPageSize-OldSupremumEnd-FilPageDataEnd-2*PageDirSlotSize, red)
	assert.Greater(t, comp, red)
}

func TestChecksum(t *testing.T) {
	frame := make([]byte, testPageSize)
	Create(frame, true)
	p := Page(frame)
	p.SetPageNo(5)

	require.True(t, VerifyChecksum(frame)) // unflushed pages pass
	SetChecksum(frame)
	require.True(t, VerifyChecksum(frame))

	frame[200] ^= 0xff
	assert.False(t, VerifyChecksum(frame))
}
