package rec

import (
	"github.com/weiihann/silo/dict"
)

// BigField is one column moved out of a record for external storage.
type BigField struct {
	FieldNo int
	Data    []byte
}

// BigRec carries the columns of a tuple that will be written to dedicated
// blob pages instead of the record itself.
type BigRec struct {
	Fields []BigField
}

// ConvertBigRec moves the longest variable-length non-key columns of the
// tuple out into a BigRec until the converted record size fits localLimit.
// The tuple is modified in place: converted fields are flagged Ext and
// their in-page data becomes a zeroed extern reference. Returns nil if no
// further column can be moved out.
func ConvertBigRec(ix *dict.Index, t *Tuple, localLimit int) *BigRec {
	if t.Level != 0 {
		return nil
	}
	big := &BigRec{}

	for ConvertedSize(ix, t) > localLimit {
		longest := -1
		longestLen := ExternFieldRefSize // below this, moving out gains nothing
		for i := ix.KeyCols; i < len(t.Fields); i++ {
			c := colAt(ix, t.Level, i)
			if !c.IsVar() || t.Ext[i] || t.Fields[i] == nil {
				continue
			}
			if len(t.Fields[i]) > longestLen {
				longest = i
				longestLen = len(t.Fields[i])
			}
		}
		if longest < 0 {
			// Nothing left to move out; undo and give up.
			ConvertBackBigRec(ix, t, big)
			return nil
		}
		big.Fields = append(big.Fields, BigField{
			FieldNo: longest,
			Data:    t.Fields[longest],
		})
		t.Ext[longest] = true
	}
	return big
}

// ConvertBackBigRec restores a tuple modified by ConvertBigRec.
func ConvertBackBigRec(ix *dict.Index, t *Tuple, big *BigRec) {
	if big == nil {
		return
	}
	for _, f := range big.Fields {
		t.Fields[f.FieldNo] = f.Data
		t.Ext[f.FieldNo] = false
	}
	big.Fields = big.Fields[:0]
}
