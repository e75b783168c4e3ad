package freelist

import (
	"github.com/Giulio2002/cowdb/internal/common"
)

// array keeps free ids in one sorted slice and allocates first fit,
// so the lowest usable run is always chosen.
type array struct {
	ids common.Pgids
}

func newArray() *array {
	return &array{}
}

func (a *array) Init(ids common.Pgids) {
	a.ids = append(a.ids[:0], ids...)
}

func (a *array) Allocate(n int) common.Pgid {
	if len(a.ids) == 0 {
		return 0
	}

	var initial, previd common.Pgid
	for i, id := range a.ids {
		if id <= 1 {
			panic("freelist: invalid page allocation")
		}

		// Reset initial page if this is not contiguous.
		if previd == 0 || id-previd != 1 {
			initial = id
		}

		if (id-initial)+1 == common.Pgid(n) {
			// Shift the tail over the taken run.
			if i+1 == n {
				a.ids = a.ids[i+1:]
			} else {
				copy(a.ids[i-n+1:], a.ids[i+1:])
				a.ids = a.ids[:len(a.ids)-n]
			}
			return initial
		}

		previd = id
	}
	return 0
}

func (a *array) Merge(ids common.Pgids) {
	if len(a.ids) == 0 {
		a.ids = append(a.ids, ids...)
		return
	}
	a.ids = a.ids.Merge(ids)
}

func (a *array) Count() int {
	return len(a.ids)
}

func (a *array) IDs() common.Pgids {
	ids := make(common.Pgids, len(a.ids))
	copy(ids, a.ids)
	return ids
}
