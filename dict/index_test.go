package dict

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareKeyColumnsOnly(t *testing.T) {
	ix := &Index{
		KeyCols: 1,
		Cols: []Col{
			{Name: "k", FixedLen: 4},
			{Name: "v", MaxLen: 64},
		},
	}

	assert.Negative(t, ix.Compare(
		[][]byte{{0, 0, 0, 1}, []byte("zzz")},
		[][]byte{{0, 0, 0, 2}, []byte("aaa")},
	))
	// Equal keys compare equal regardless of the value column.
	assert.Zero(t, ix.Compare(
		[][]byte{{0, 0, 0, 5}, []byte("x")},
		[][]byte{{0, 0, 0, 5}, []byte("y")},
	))
}

func TestCompareNullsFirst(t *testing.T) {
	ix := &Index{
		KeyCols: 1,
		Cols:    []Col{{Name: "k", MaxLen: 8, Nullable: true}},
	}
	assert.Negative(t, ix.Compare([][]byte{nil}, [][]byte{{0}}))
	assert.Positive(t, ix.Compare([][]byte{{0}}, [][]byte{nil}))
	assert.Zero(t, ix.Compare([][]byte{nil}, [][]byte{nil}))
}

func TestZipPadAdapts(t *testing.T) {
	ix := &Index{ZipSize: 8 * 1024}
	const pageSize = 16 * 1024

	assert.Equal(t, pageSize, ix.ZipPadOptimalPageSize(pageSize))

	ix.ZipPadFailure(pageSize)
	after := ix.ZipPadOptimalPageSize(pageSize)
	assert.Less(t, after, pageSize)

	// The estimate never exceeds half the page.
	for i := 0; i < 100; i++ {
		ix.ZipPadFailure(pageSize)
	}
	assert.GreaterOrEqual(t, ix.ZipPadOptimalPageSize(pageSize), pageSize/2)

	// Success decays it back toward zero.
	for i := 0; i < 200; i++ {
		ix.ZipPadSuccess()
	}
	assert.Equal(t, pageSize, ix.ZipPadOptimalPageSize(pageSize))
}

func TestColCounts(t *testing.T) {
	ix := &Index{
		KeyCols: 2,
		Cols: []Col{
			{Name: "a", FixedLen: 4},
			{Name: "b", MaxLen: 16},
			{Name: "c", MaxLen: 16, Nullable: true},
		},
	}
	assert.Equal(t, 1, ix.NVarCols(2))
	assert.Equal(t, 2, ix.NVarCols(3))
	assert.Equal(t, 0, ix.NNullableCols(2))
	assert.Equal(t, 1, ix.NNullableCols(3))
}
