package page

import (
	"fmt"

	"github.com/weiihann/silo/dict"
	"github.com/weiihann/silo/rec"
)

// Validate checks the structural invariants of a finished index page:
// the record chain runs infimum to supremum in strictly ascending key
// order, the record count matches the header, every directory slot
// between the infimum and supremum slots owns between DirSlotMinNOwned
// and DirSlotMaxNOwned records, the supremum owns the final group, and
// each slot's record is reachable on the chain.
func Validate(frame []byte, ix *dict.Index) error {
	p := Page(frame)
	comp := p.IsComp()
	if comp != ix.Comp {
		return fmt.Errorf("page: format flag mismatch on page %d", p.PageNo())
	}
	level := p.Level()
	inf, sup := p.Infimum(), p.Supremum()

	// Collect directory slots, highest address (slot 0, infimum) first.
	nSlots := p.NDirSlots()
	if nSlots < 2 {
		return fmt.Errorf("page %d: %d directory slots", p.PageNo(), nSlots)
	}
	if p.Slot(0) != inf {
		return fmt.Errorf("page %d: slot 0 points at %d, want infimum", p.PageNo(), p.Slot(0))
	}
	if p.Slot(nSlots-1) != sup {
		return fmt.Errorf("page %d: last slot points at %d, want supremum", p.PageNo(), p.Slot(nSlots-1))
	}

	slotRecs := make(map[int]bool, nSlots)
	for i := 1; i < nSlots; i++ {
		slotRecs[p.Slot(i)] = false
	}

	var (
		prevOrg     = inf
		prevOffsets *rec.Offsets
		count       = 0
		owned       = 0
	)
	org := p.NextRec(inf)
	for org != sup {
		if org <= 0 || org >= len(frame) {
			return fmt.Errorf("page %d: record chain escapes frame at %d", p.PageNo(), org)
		}
		o := rec.GetOffsets(frame, org, ix, level)
		if prevOffsets != nil {
			if rec.Compare(ix, frame, org, o, frame, prevOrg, prevOffsets) <= 0 {
				return fmt.Errorf("page %d: records out of order at %d", p.PageNo(), org)
			}
		}
		count++
		owned++
		if _, isSlot := slotRecs[org]; isSlot {
			slotRecs[org] = true
			n := rec.NOwned(frame, org, comp)
			if n != owned {
				return fmt.Errorf("page %d: slot record %d owns %d, counted %d",
					p.PageNo(), org, n, owned)
			}
			if n < DirSlotMinNOwned || n > DirSlotMaxNOwned {
				return fmt.Errorf("page %d: slot record %d n_owned %d out of range",
					p.PageNo(), org, n)
			}
			owned = 0
		}
		prevOrg, prevOffsets = org, o
		org = p.NextRec(org)
	}

	// Supremum owns the final group.
	owned++
	if n := rec.NOwned(frame, sup, comp); n != owned {
		return fmt.Errorf("page %d: supremum owns %d, counted %d", p.PageNo(), n, owned)
	}

	for slotOrg, seen := range slotRecs {
		if slotOrg == sup {
			continue
		}
		if !seen {
			return fmt.Errorf("page %d: slot record %d unreachable", p.PageNo(), slotOrg)
		}
	}

	if count != p.NRecs() {
		return fmt.Errorf("page %d: chain has %d records, header says %d",
			p.PageNo(), count, p.NRecs())
	}
	return nil
}
