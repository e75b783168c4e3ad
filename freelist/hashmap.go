package freelist

import (
	"github.com/Giulio2002/cowdb/internal/common"
	"github.com/Giulio2002/cowdb/internal/fastmap"
)

type pidSet map[common.Pgid]struct{}

// hashmap stores the free set as maximal spans of contiguous ids.
// Spans are indexed by size, by first id and by last id, so allocation
// and merging are O(1) on average. Which span serves an allocation is
// unspecified.
type hashmap struct {
	freemaps map[uint64]pidSet    // span size -> span starts
	forward  *fastmap.Map[uint64] // span start -> size
	backward *fastmap.Map[uint64] // span end -> size
	count    int
}

func newHashMap() *hashmap {
	return &hashmap{
		freemaps: make(map[uint64]pidSet),
		forward:  fastmap.New[uint64](0),
		backward: fastmap.New[uint64](0),
	}
}

func (h *hashmap) Init(ids common.Pgids) {
	clear(h.freemaps)
	h.forward.Clear()
	h.backward.Clear()
	h.count = 0

	if len(ids) == 0 {
		return
	}

	size := uint64(1)
	start := ids[0]
	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1]+1 {
			size++
			continue
		}
		h.addSpan(start, size)
		size = 1
		start = ids[i]
	}
	h.addSpan(start, size)
}

func (h *hashmap) Allocate(n int) common.Pgid {
	want := uint64(n)

	// Exact fit first.
	if bm, ok := h.freemaps[want]; ok {
		for pid := range bm {
			h.delSpan(pid, want)
			return pid
		}
	}

	for size, bm := range h.freemaps {
		if size < want {
			continue
		}
		for pid := range bm {
			h.delSpan(pid, size)
			h.addSpan(pid+common.Pgid(want), size-want)
			return pid
		}
	}
	return 0
}

func (h *hashmap) Merge(ids common.Pgids) {
	for _, id := range ids {
		h.mergeWithExisting(id)
	}
}

func (h *hashmap) mergeWithExisting(pid common.Pgid) {
	prev := pid - 1
	next := pid + 1

	newStart := pid
	newSize := uint64(1)

	if preSize, ok := h.backward.Get(uint64(prev)); ok {
		start := prev + 1 - common.Pgid(preSize)
		h.delSpan(start, preSize)
		newStart -= common.Pgid(preSize)
		newSize += preSize
	}
	if nextSize, ok := h.forward.Get(uint64(next)); ok {
		h.delSpan(next, nextSize)
		newSize += nextSize
	}

	h.addSpan(newStart, newSize)
}

func (h *hashmap) addSpan(start common.Pgid, size uint64) {
	if size == 0 {
		return
	}
	h.backward.Set(uint64(start)+size-1, size)
	h.forward.Set(uint64(start), size)
	if _, ok := h.freemaps[size]; !ok {
		h.freemaps[size] = make(pidSet)
	}
	h.freemaps[size][start] = struct{}{}
	h.count += int(size)
}

func (h *hashmap) delSpan(start common.Pgid, size uint64) {
	h.forward.Delete(uint64(start))
	h.backward.Delete(uint64(start) + size - 1)
	delete(h.freemaps[size], start)
	if len(h.freemaps[size]) == 0 {
		delete(h.freemaps, size)
	}
	h.count -= int(size)
}

func (h *hashmap) Count() int {
	return h.count
}

func (h *hashmap) IDs() common.Pgids {
	ids := make(common.Pgids, 0, h.count)
	h.forward.ForEach(func(start uint64, size uint64) bool {
		for i := uint64(0); i < size; i++ {
			ids = append(ids, common.Pgid(start+i))
		}
		return true
	})
	ids.Sort()
	return ids
}
