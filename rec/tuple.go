package rec

import (
	"encoding/binary"
	"fmt"

	"github.com/weiihann/silo/dict"
)

// Tuple is the logical form of a record before conversion to the physical
// format. Fields holds one value per stored field; nil marks SQL NULL.
// Ext flags fields whose in-page data has been replaced by an extern
// reference (see ConvertBigRec).
type Tuple struct {
	Fields   [][]byte
	Ext      []bool
	InfoBits byte

	// Level the tuple is destined for; selects leaf vs node-pointer
	// schema.
	Level int
}

// NewTuple builds a leaf tuple over the given field values.
func NewTuple(fields [][]byte) *Tuple {
	return &Tuple{
		Fields: fields,
		Ext:    make([]bool, len(fields)),
	}
}

// NFields returns the number of stored fields.
func (t *Tuple) NFields() int {
	return len(t.Fields)
}

// fieldDataLen returns the in-page data length of field i.
func (t *Tuple) fieldDataLen(ix *dict.Index, i int) int {
	if t.Ext[i] {
		return ExternFieldRefSize
	}
	f := t.Fields[i]
	if f == nil {
		return 0
	}
	c := colAt(ix, t.Level, i)
	if !c.IsVar() {
		if len(f) != c.FixedLen {
			panic(fmt.Sprintf("rec: fixed column %q length %d, want %d",
				c.Name, len(f), c.FixedLen))
		}
	}
	return len(f)
}

// ConvertedSize returns the physical size the tuple will occupy once
// converted: header plus data, with externally stored fields counted at
// the size of their extern reference.
func ConvertedSize(ix *dict.Index, t *Tuple) int {
	n := len(t.Fields)
	size := headerSize(ix, t.Level, ix.Comp, n)
	for i := range t.Fields {
		size += t.fieldDataLen(ix, i)
	}
	return size
}

// ConvertTupleToRec serializes the tuple into a standalone buffer in the
// index's record format. It returns the buffer and the origin offset
// within it. The caller copies buf into a page, placing the origin at the
// insertion point plus the header size.
func ConvertTupleToRec(ix *dict.Index, t *Tuple) (buf []byte, org int) {
	n := len(t.Fields)
	extra := headerSize(ix, t.Level, ix.Comp, n)
	dataLen := 0
	for i := range t.Fields {
		dataLen += t.fieldDataLen(ix, i)
	}
	buf = make([]byte, extra+dataLen)
	org = extra

	if ix.Comp {
		convertNew(ix, t, buf, org)
	} else {
		convertOld(ix, t, buf, org)
	}

	// Common header bits. The heap number and next link are assigned at
	// page insertion time.
	SetStatus(buf, org, ix.Comp, statusForLevel(t.Level))
	SetInfoBits(buf, org, ix.Comp, t.InfoBits)
	return buf, org
}

func convertNew(ix *dict.Index, t *Tuple, buf []byte, org int) {
	n := len(t.Fields)
	nNull := 0
	for i := 0; i < n; i++ {
		if colAt(ix, t.Level, i).Nullable {
			nNull++
		}
	}
	nullBytes := (nNull + 7) / 8
	nullBase := org - NewExtraBytes - nullBytes
	lenPos := nullBase

	end := 0
	nullBit := 0
	for i := 0; i < n; i++ {
		c := colAt(ix, t.Level, i)
		fieldLen := t.fieldDataLen(ix, i)
		if c.Nullable {
			if t.Fields[i] == nil && !t.Ext[i] {
				buf[nullBase+nullBit/8] |= 1 << (nullBit % 8)
				fieldLen = 0
			}
			nullBit++
		}
		if c.IsVar() {
			lenPos -= 2
			v := uint16(fieldLen)
			if t.Ext[i] {
				v |= endExtFlag
			}
			binary.BigEndian.PutUint16(buf[lenPos:], v)
		}
		copyFieldData(buf, org+end, t, ix, i)
		end += fieldLen
	}
}

func convertOld(ix *dict.Index, t *Tuple, buf []byte, org int) {
	n := len(t.Fields)
	buf[org-3] = byte(n)
	base := org - OldBaseExtraBytes
	end := 0
	for i := 0; i < n; i++ {
		fieldLen := t.fieldDataLen(ix, i)
		v := uint16(end + fieldLen)
		if t.Fields[i] == nil && !t.Ext[i] {
			v = uint16(end) | endNullFlag
			fieldLen = 0
		}
		if t.Ext[i] {
			v |= endExtFlag
		}
		binary.BigEndian.PutUint16(buf[base-2*(i+1):], v)
		copyFieldData(buf, org+end, t, ix, i)
		end += fieldLen
	}
}

// copyFieldData writes field i's in-page bytes at dst. An ext field whose
// reference has not been filled in yet gets a zeroed reference; blob
// storage overwrites it in place later.
func copyFieldData(buf []byte, dst int, t *Tuple, ix *dict.Index, i int) {
	if t.Ext[i] {
		// Zero reference; filled by blob storage.
		return
	}
	if t.Fields[i] != nil {
		copy(buf[dst:], t.Fields[i])
	}
}

// BuildNodePtr constructs the node-pointer tuple for a child page: the key
// columns of the child's first user record paired with the child page
// number, destined for level.
func BuildNodePtr(ix *dict.Index, page []byte, org int, o *Offsets, childPageNo uint32, level int) *Tuple {
	fields := make([][]byte, ix.KeyCols+1)
	for i := 0; i < ix.KeyCols; i++ {
		f := Field(page, org, o, i)
		if f != nil {
			cp := make([]byte, len(f))
			copy(cp, f)
			fields[i] = cp
		}
	}
	child := make([]byte, 4)
	binary.BigEndian.PutUint32(child, childPageNo)
	fields[ix.KeyCols] = child

	return &Tuple{
		Fields: fields,
		Ext:    make([]bool, len(fields)),
		Level:  level,
	}
}
