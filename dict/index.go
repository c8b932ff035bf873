// Package dict holds index and table metadata for the silo storage engine.
// An Index is immutable for the duration of a bulk load, except for the
// adaptive compression-padding estimate, which is updated from compression
// outcomes.
package dict

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Col describes one column of an index.
type Col struct {
	Name string

	// FixedLen is the on-page length of a fixed-length column, or 0 for a
	// variable-length column.
	FixedLen int

	// MaxLen bounds the byte length of a variable-length column.
	MaxLen int

	Nullable bool
}

// IsVar reports whether the column is variable-length.
func (c *Col) IsVar() bool {
	return c.FixedLen == 0
}

// Index is the metadata of one persistent B-tree.
type Index struct {
	ID        uint64
	Name      string
	TableName string

	// SpaceID is the tablespace the tree lives in.
	SpaceID uint32

	// RootPageNo is the well-known root page. It never changes for the
	// lifetime of the index; the bulk loader copies its final top page
	// into this slot.
	RootPageNo uint32

	// Cols lists all columns stored in leaf records. The first KeyCols of
	// them form the key.
	Cols    []Col
	KeyCols int

	// Clustered marks the primary index of the table.
	Clustered bool

	// Comp selects the compact record format. Redundant otherwise.
	Comp bool

	// ZipSize is the compressed page size in bytes, or 0 for an
	// uncompressed index. A compressed index is always compact.
	ZipSize int

	// Lock is the index tree latch. Bulk load bypasses it except for the
	// brief root swap at the end of a build.
	Lock sync.RWMutex

	// pad is the adaptive padding estimate for compressed pages, in
	// bytes. Grown when page compression fails, shrunk slowly on success.
	pad atomic.Int64
}

// SpaceReserveBytes is the fixed page reserve used for clustered indexes
// when the fill factor is 100, for compatibility with record-at-a-time
// inserts that need room for updates.
const SpaceReserveBytes = 16 * 32

// IsClust reports whether this is the clustered index.
func (ix *Index) IsClust() bool {
	return ix.Clustered
}

// IsZip reports whether the index uses the compressed row format.
func (ix *Index) IsZip() bool {
	return ix.ZipSize > 0
}

// Compare compares two tuples' key column values. Nil marks SQL NULL and
// sorts before any value.
func (ix *Index) Compare(a, b [][]byte) int {
	n := ix.KeyCols
	for i := 0; i < n; i++ {
		av, bv := a[i], b[i]
		if av == nil || bv == nil {
			if av == nil && bv == nil {
				continue
			}
			if av == nil {
				return -1
			}
			return 1
		}
		if c := bytes.Compare(av, bv); c != 0 {
			return c
		}
	}
	return 0
}

// ZipPadOptimalPageSize returns the portion of the uncompressed page that
// should be used so that compression is expected to succeed: the page size
// minus the current padding estimate.
func (ix *Index) ZipPadOptimalPageSize(pageSize int) int {
	pad := int(ix.pad.Load())
	if pad > pageSize/2 {
		pad = pageSize / 2
	}
	return pageSize - pad
}

// ZipPadFailure records a failed page compression, growing the padding
// estimate.
func (ix *Index) ZipPadFailure(pageSize int) {
	for {
		old := ix.pad.Load()
		next := old + int64(pageSize)/32
		if next > int64(pageSize)/2 {
			next = int64(pageSize) / 2
		}
		if ix.pad.CompareAndSwap(old, next) {
			return
		}
	}
}

// ZipPadSuccess records a successful page compression, decaying the
// padding estimate.
func (ix *Index) ZipPadSuccess() {
	for {
		old := ix.pad.Load()
		if old == 0 {
			return
		}
		if ix.pad.CompareAndSwap(old, old-old/8-1) {
			return
		}
	}
}

// NVarCols returns the number of variable-length columns among the first
// n columns.
func (ix *Index) NVarCols(n int) int {
	nv := 0
	for i := 0; i < n && i < len(ix.Cols); i++ {
		if ix.Cols[i].IsVar() {
			nv++
		}
	}
	return nv
}

// NNullableCols returns the number of nullable columns among the first n
// columns.
func (ix *Index) NNullableCols(n int) int {
	nn := 0
	for i := 0; i < n && i < len(ix.Cols); i++ {
		if ix.Cols[i].Nullable {
			nn++
		}
	}
	return nn
}
