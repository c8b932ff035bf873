// Package rec implements the physical record formats of the silo storage
// engine: the compact (new-style) format used by dynamic and compressed
// pages, and the redundant (old-style) format kept for legacy tables.
//
// A physical record is addressed by its origin: the offset of the first
// data byte within a page frame. Header bytes sit immediately before the
// origin, and grow downward:
//
//	compact:    [var-len array][null bitmap][info+n_owned 1][heap_no+status 2][next 2] origin
//	redundant:  [field end offsets][info+n_owned 1][heap_no+status 2][n_fields 1][next 2] origin
//
// The compact next pointer is a signed 2-byte delta from the origin; the
// redundant next pointer is an absolute 2-byte page offset.
package rec

import (
	"encoding/binary"
	"fmt"

	"github.com/weiihann/silo/dict"
)

// Record status values, stored in the low 3 bits of the heap-no word.
const (
	StatusOrdinary byte = 0
	StatusNodePtr  byte = 1
	StatusInfimum  byte = 2
	StatusSupremum byte = 3
)

// Info bits, stored in the high nibble of the info byte.
const (
	// InfoMinRec marks the leftmost node pointer of a non-leaf level.
	InfoMinRec byte = 0x10
	// InfoDeleted marks a delete-marked record. Never set by bulk load.
	InfoDeleted byte = 0x20
)

const (
	// NewExtraBytes is the fixed header size of a compact record, in
	// addition to the null bitmap and the variable-length array.
	NewExtraBytes = 5

	// OldBaseExtraBytes is the fixed header size of a redundant record,
	// in addition to the field end-offset array.
	OldBaseExtraBytes = 6

	// ExternFieldRefSize is the size of the reference stored in place of
	// an externally stored column: space id (4), first blob page (4),
	// offset in that page (4), data length (8).
	ExternFieldRefSize = 20

	// nOwnedMask covers the owned count in the info byte.
	nOwnedMask byte = 0x0f

	// end-offset flags in the redundant 2-byte offset array and in the
	// compact variable-length array.
	endNullFlag uint16 = 0x8000
	endExtFlag  uint16 = 0x4000
	endMask     uint16 = 0x3fff

	// oldShortFlag in the redundant n_fields byte selects 1-byte end
	// offsets. Only the page sentinels use it.
	oldShortFlag byte = 0x80
)

// infoByteOff returns the offset of the info+n_owned byte relative to the
// origin.
func infoByteOff(comp bool) int {
	if comp {
		return -5
	}
	return -6
}

// heapWordOff returns the offset of the heap_no+status word.
func heapWordOff(comp bool) int {
	if comp {
		return -4
	}
	return -5
}

// InfoByteOffset returns the frame offset of the info+n_owned byte of
// the record at org, for callers that log the byte after mutating it.
func InfoByteOffset(org int, comp bool) int {
	return org + infoByteOff(comp)
}

// InfoBits returns the info bits of the record at org.
func InfoBits(page []byte, org int, comp bool) byte {
	return page[org+infoByteOff(comp)] &^ nOwnedMask
}

// SetInfoBits sets the info bits, preserving n_owned.
func SetInfoBits(page []byte, org int, comp bool, bits byte) {
	p := &page[org+infoByteOff(comp)]
	*p = (*p & nOwnedMask) | (bits &^ nOwnedMask)
}

// NOwned returns the owned-record count of the record at org.
func NOwned(page []byte, org int, comp bool) int {
	return int(page[org+infoByteOff(comp)] & nOwnedMask)
}

// SetNOwned sets the owned-record count, preserving the info bits.
func SetNOwned(page []byte, org int, comp bool, n int) {
	if n > int(nOwnedMask) {
		panic(fmt.Sprintf("rec: n_owned %d out of range", n))
	}
	p := &page[org+infoByteOff(comp)]
	*p = (*p &^ nOwnedMask) | byte(n)
}

// HeapNo returns the heap number of the record at org.
func HeapNo(page []byte, org int, comp bool) int {
	w := binary.BigEndian.Uint16(page[org+heapWordOff(comp):])
	return int(w >> 3)
}

// SetHeapNo sets the heap number, preserving the status bits.
func SetHeapNo(page []byte, org int, comp bool, heapNo int) {
	off := org + heapWordOff(comp)
	w := binary.BigEndian.Uint16(page[off:])
	w = uint16(heapNo)<<3 | (w & 0x7)
	binary.BigEndian.PutUint16(page[off:], w)
}

// Status returns the record status of the record at org.
func Status(page []byte, org int, comp bool) byte {
	w := binary.BigEndian.Uint16(page[org+heapWordOff(comp):])
	return byte(w & 0x7)
}

// SetStatus sets the record status bits.
func SetStatus(page []byte, org int, comp bool, status byte) {
	off := org + heapWordOff(comp)
	w := binary.BigEndian.Uint16(page[off:])
	w = (w &^ 0x7) | uint16(status)
	binary.BigEndian.PutUint16(page[off:], w)
}

// Next returns the origin of the successor of the record at org, following
// the format's next encoding.
func Next(page []byte, org int, comp bool) int {
	v := binary.BigEndian.Uint16(page[org-2:])
	if comp {
		return org + int(int16(v))
	}
	return int(v)
}

// SetNext links the record at org to the record at next.
func SetNext(page []byte, org int, comp bool, next int) {
	if comp {
		binary.BigEndian.PutUint16(page[org-2:], uint16(int16(next-org)))
	} else {
		binary.BigEndian.PutUint16(page[org-2:], uint16(next))
	}
}

// NextEncoded returns the raw 2-byte next field for the record at org.
func NextEncoded(page []byte, org int) uint16 {
	return binary.BigEndian.Uint16(page[org-2:])
}

// Offsets describes the physical layout of one record: its header size and
// the end offset of every stored field relative to the origin.
type Offsets struct {
	Comp bool

	// Extra is the total header size before the origin.
	Extra int

	// Ends[i] is the end of field i's data, relative to the origin.
	Ends []int

	// Null[i] reports whether field i is SQL NULL (no data bytes in the
	// compact format, an empty run in the redundant format).
	Null []bool

	// Ext[i] reports whether field i is stored externally; its in-page
	// data is the 20-byte extern reference.
	Ext []bool

	Status byte
}

// Size returns the total record size: header plus data.
func (o *Offsets) Size() int {
	return o.Extra + o.DataSize()
}

// DataSize returns the size of the data part.
func (o *Offsets) DataSize() int {
	if len(o.Ends) == 0 {
		return 0
	}
	return o.Ends[len(o.Ends)-1]
}

// End returns the page offset one past the record's data at org.
func (o *Offsets) End(org int) int {
	return org + o.DataSize()
}

// Start returns the page offset of the first header byte at org.
func (o *Offsets) Start(org int) int {
	return org - o.Extra
}

// NFieldsForLevel returns the number of fields stored in a record at the
// given tree level: all columns on a leaf, the key columns plus the child
// page number on a node-pointer page.
func NFieldsForLevel(ix *dict.Index, level int) int {
	if level > 0 {
		return ix.KeyCols + 1
	}
	return len(ix.Cols)
}

// statusForLevel returns the record status used at a tree level.
func statusForLevel(level int) byte {
	if level > 0 {
		return StatusNodePtr
	}
	return StatusOrdinary
}

// colAt returns the column descriptor of stored field i at the given
// level. The trailing child-pointer field of a node pointer is a fixed
// 4-byte non-nullable pseudo column.
var childPtrCol = dict.Col{Name: "child", FixedLen: 4}

func colAt(ix *dict.Index, level, i int) *dict.Col {
	if level > 0 && i == ix.KeyCols {
		return &childPtrCol
	}
	return &ix.Cols[i]
}

// headerSize returns the header size of a record with the given stored
// fields in the chosen format.
func headerSize(ix *dict.Index, level int, comp bool, n int) int {
	if comp {
		nNull := 0
		nVar := 0
		for i := 0; i < n; i++ {
			c := colAt(ix, level, i)
			if c.Nullable {
				nNull++
			}
			if c.IsVar() {
				nVar++
			}
		}
		return NewExtraBytes + (nNull+7)/8 + 2*nVar
	}
	return OldBaseExtraBytes + 2*n
}

// GetOffsets parses the record at org into an Offsets table. The level
// selects the stored field count and per-field schema.
func GetOffsets(page []byte, org int, ix *dict.Index, level int) *Offsets {
	comp := ix.Comp
	n := NFieldsForLevel(ix, level)
	o := &Offsets{
		Comp:   comp,
		Ends:   make([]int, n),
		Null:   make([]bool, n),
		Ext:    make([]bool, n),
		Status: Status(page, org, comp),
	}

	if comp {
		nNull := 0
		for i := 0; i < n; i++ {
			if colAt(ix, level, i).Nullable {
				nNull++
			}
		}
		nullBytes := (nNull + 7) / 8
		nullBase := org - NewExtraBytes - nullBytes
		lenPos := nullBase // var-len entries grow downward from here

		end := 0
		nullBit := 0
		for i := 0; i < n; i++ {
			c := colAt(ix, level, i)
			isNull := false
			if c.Nullable {
				isNull = page[nullBase+nullBit/8]&(1<<(nullBit%8)) != 0
				nullBit++
			}
			fieldLen := 0
			if c.IsVar() {
				lenPos -= 2
				v := binary.BigEndian.Uint16(page[lenPos:])
				if v&endExtFlag != 0 {
					o.Ext[i] = true
				}
				fieldLen = int(v & endMask)
			} else {
				fieldLen = c.FixedLen
			}
			if isNull {
				o.Null[i] = true
				fieldLen = 0
			}
			end += fieldLen
			o.Ends[i] = end
		}
		o.Extra = org - lenPos
		return o
	}

	// Redundant: the end-offset array records everything.
	nStored := int(page[org-3] &^ oldShortFlag)
	short := page[org-3]&oldShortFlag != 0
	if nStored != n {
		panic(fmt.Sprintf("rec: stored field count %d, want %d", nStored, n))
	}
	base := org - OldBaseExtraBytes
	for i := 0; i < n; i++ {
		if short {
			o.Ends[i] = int(page[base-1-i])
		} else {
			v := binary.BigEndian.Uint16(page[base-2*(i+1):])
			o.Ends[i] = int(v & endMask)
			o.Null[i] = v&endNullFlag != 0
			o.Ext[i] = v&endExtFlag != 0
		}
	}
	if short {
		o.Extra = OldBaseExtraBytes + n
	} else {
		o.Extra = OldBaseExtraBytes + 2*n
	}
	return o
}

// Field returns the data bytes of field i of the record at org, or nil
// for NULL.
func Field(page []byte, org int, o *Offsets, i int) []byte {
	if o.Null[i] {
		return nil
	}
	start := 0
	if i > 0 {
		start = o.Ends[i-1]
	}
	return page[org+start : org+o.Ends[i]]
}

// Fields extracts all stored field values of the record at org.
func Fields(page []byte, org int, o *Offsets) [][]byte {
	out := make([][]byte, len(o.Ends))
	for i := range o.Ends {
		out[i] = Field(page, org, o, i)
	}
	return out
}

// Compare orders two physical records by the index key.
func Compare(ix *dict.Index, pageA []byte, orgA int, oA *Offsets, pageB []byte, orgB int, oB *Offsets) int {
	return ix.Compare(Fields(pageA, orgA, oA), Fields(pageB, orgB, oB))
}

// ChildPageNo reads the child page number of a node-pointer record.
func ChildPageNo(page []byte, org int, o *Offsets) uint32 {
	f := Field(page, org, o, len(o.Ends)-1)
	return binary.BigEndian.Uint32(f)
}
