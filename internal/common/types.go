// Package common holds the identifier types shared by the storage core and
// the freelist backends.
package common

import "sort"

// Pgid is a page identifier. Page n lives at byte offset n*pageSize.
type Pgid uint64

// Txid is a transaction identifier. It doubles as the MVCC snapshot version.
type Txid uint64

// Pgids is a sortable list of page ids.
type Pgids []Pgid

func (s Pgids) Len() int           { return len(s) }
func (s Pgids) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s Pgids) Less(i, j int) bool { return s[i] < s[j] }

// Sort sorts the ids ascending in place.
func (s Pgids) Sort() { sort.Sort(s) }

// Merge returns the sorted union of s and b.
func (s Pgids) Merge(b Pgids) Pgids {
	if len(s) == 0 {
		return b
	}
	if len(b) == 0 {
		return s
	}
	merged := make(Pgids, len(s)+len(b))
	Mergepgids(merged, s, b)
	return merged
}

// Mergepgids copies the sorted union of a and b into dst.
// dst must be at least len(a)+len(b) long.
func Mergepgids(dst, a, b Pgids) {
	if len(dst) < len(a)+len(b) {
		panic("mergepgids: dst too small")
	}
	if len(a) == 0 {
		copy(dst, b)
		return
	}
	if len(b) == 0 {
		copy(dst, a)
		return
	}

	merged := dst[:0]

	// Always start with the list that has the smaller head.
	lead, follow := a, b
	if b[0] < a[0] {
		lead, follow = b, a
	}

	for len(lead) > 0 {
		n := sort.Search(len(lead), func(i int) bool { return lead[i] > follow[0] })
		merged = append(merged, lead[:n]...)
		if n >= len(lead) {
			break
		}
		lead, follow = follow, lead[n:]
	}

	_ = append(merged, follow...)
}
