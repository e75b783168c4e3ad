// Package freelist tracks reusable pages of the data file.
//
// A page id is in at most one of three states: free (allocatable now),
// pending (freed by a write transaction but possibly still reachable by an
// open reader), or allocated. Pending ids are keyed by the txid of the
// transaction that freed them and move to the free set once no open reader
// can observe them.
//
// The free set itself lives in a Backend. Two are provided: a sorted array
// that always returns the lowest fitting run, and a span hashmap with O(1)
// average lookups that makes no ordering promise.
package freelist

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Giulio2002/cowdb/internal/common"
)

var (
	// ErrNeedsGrowth is returned by Allocate when no contiguous run of the
	// requested length is free. The caller allocates at the high-water mark.
	ErrNeedsGrowth = errors.New("freelist: no free run, file must grow")

	// ErrDoubleFree is returned when a page is freed while already free or pending.
	ErrDoubleFree = errors.New("freelist: page already freed")

	// ErrFreeMeta is returned when a meta page is freed.
	ErrFreeMeta = errors.New("freelist: cannot free meta page")

	// ErrInvalidRun is returned for a zero or negative run length.
	ErrInvalidRun = errors.New("freelist: invalid run length")
)

// Backend stores the free set. Implementations are not safe for concurrent
// use; Freelist serializes all calls.
type Backend interface {
	// Init replaces the free set with ids, which must be sorted.
	Init(ids common.Pgids)
	// Allocate removes a run of n contiguous ids and returns its first id,
	// or 0 if no such run exists.
	Allocate(n int) common.Pgid
	// Merge adds sorted ids to the free set.
	Merge(ids common.Pgids)
	// Count returns the number of free ids.
	Count() int
	// IDs returns the free ids in ascending order.
	IDs() common.Pgids
}

type txPending struct {
	ids              []common.Pgid
	alloctx          []common.Txid // txid that allocated each id, 0 if unknown
	lastReleaseBegin common.Txid
}

// Freelist is the free and pending page registry shared by all transactions.
// It is safe for concurrent use.
type Freelist struct {
	mu      sync.Mutex
	backend Backend
	allocs  map[common.Pgid]common.Txid // run start -> txid that allocated it
	pending map[common.Txid]*txPending  // freed by txid, not yet reusable
	cache   map[common.Pgid]struct{}    // every free or pending id
}

// New returns an empty freelist on top of backend.
func New(backend Backend) *Freelist {
	return &Freelist{
		backend: backend,
		allocs:  make(map[common.Pgid]common.Txid),
		pending: make(map[common.Txid]*txPending),
		cache:   make(map[common.Pgid]struct{}),
	}
}

// NewArray returns a freelist backed by a sorted array.
func NewArray() *Freelist { return New(newArray()) }

// NewHashMap returns a freelist backed by span hash maps.
func NewHashMap() *Freelist { return New(newHashMap()) }

// Init replaces the free set with ids and drops every pending entry.
func (f *Freelist) Init(ids common.Pgids) {
	sorted := make(common.Pgids, len(ids))
	copy(sorted, ids)
	sorted.Sort()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.backend.Init(sorted)
	clear(f.allocs)
	clear(f.pending)
	clear(f.cache)
	for _, id := range sorted {
		f.cache[id] = struct{}{}
	}
}

// Allocate takes n contiguous free pages for txid and returns the first id.
func (f *Freelist) Allocate(txid common.Txid, n int) (common.Pgid, error) {
	if n < 1 {
		return 0, ErrInvalidRun
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.backend.Allocate(n)
	if id == 0 {
		return 0, ErrNeedsGrowth
	}
	for i := common.Pgid(0); i < common.Pgid(n); i++ {
		delete(f.cache, id+i)
	}
	f.allocs[id] = txid
	return id, nil
}

// Free moves the run [start, start+overflow] into pending[txid].
func (f *Freelist) Free(txid common.Txid, start common.Pgid, overflow uint32) error {
	if start <= 1 {
		return fmt.Errorf("%w: %d", ErrFreeMeta, start)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	end := start + common.Pgid(overflow)
	for id := start; id <= end; id++ {
		if _, ok := f.cache[id]; ok {
			return fmt.Errorf("%w: %d", ErrDoubleFree, id)
		}
	}

	txp := f.pending[txid]
	if txp == nil {
		txp = &txPending{}
		f.pending[txid] = txp
	}
	allocTxid, ok := f.allocs[start]
	if ok {
		delete(f.allocs, start)
	}
	for id := start; id <= end; id++ {
		txp.ids = append(txp.ids, id)
		txp.alloctx = append(txp.alloctx, allocTxid)
		f.cache[id] = struct{}{}
	}
	return nil
}

// Release moves every pending entry with key <= txid into the free set.
func (f *Freelist) Release(txid common.Txid) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var m common.Pgids
	for tid, txp := range f.pending {
		if tid <= txid {
			m = append(m, txp.ids...)
			delete(f.pending, tid)
		}
	}
	f.merge(m)
}

// ReleaseRange frees pending ids whose whole lifetime, from the allocating
// txid to the freeing txid, lies within [begin, end]. The caller guarantees
// no open reader has a txid in that range.
func (f *Freelist) ReleaseRange(begin, end common.Txid) {
	if begin > end {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var m common.Pgids
	for tid, txp := range f.pending {
		if tid < begin || tid > end {
			continue
		}
		if txp.lastReleaseBegin == begin {
			continue
		}
		for i := 0; i < len(txp.ids); i++ {
			if atx := txp.alloctx[i]; atx < begin || atx > end {
				continue
			}
			m = append(m, txp.ids[i])
			last := len(txp.ids) - 1
			txp.ids[i] = txp.ids[last]
			txp.ids = txp.ids[:last]
			txp.alloctx[i] = txp.alloctx[last]
			txp.alloctx = txp.alloctx[:last]
			i--
		}
		txp.lastReleaseBegin = begin
		if len(txp.ids) == 0 {
			delete(f.pending, tid)
		}
	}
	f.merge(m)
}

// Rollback undoes the frees and allocations of an uncommitted transaction.
// owned lists the ids txid took from the free set and still holds; they go
// back to the free set. Ids txid both allocated and freed are returned too,
// and frees of pages owned by earlier transactions are cancelled.
func (f *Freelist) Rollback(txid common.Txid, owned common.Pgids) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var m common.Pgids
	if txp := f.pending[txid]; txp != nil {
		for i, id := range txp.ids {
			delete(f.cache, id)
			switch atx := txp.alloctx[i]; {
			case atx == 0:
				// Allocated before open or past the high-water mark.
			case atx != txid:
				f.allocs[id] = atx
			default:
				m = append(m, id)
			}
		}
		delete(f.pending, txid)
	}
	for _, id := range owned {
		if f.allocs[id] == txid {
			delete(f.allocs, id)
		}
		m = append(m, id)
	}
	f.merge(m)
}

// merge adds ids to the free set. Callers hold f.mu.
func (f *Freelist) merge(ids common.Pgids) {
	if len(ids) == 0 {
		return
	}
	ids.Sort()
	for _, id := range ids {
		f.cache[id] = struct{}{}
	}
	f.backend.Merge(ids)
}

// Freed reports whether id is free or pending.
func (f *Freelist) Freed(id common.Pgid) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.cache[id]
	return ok
}

// FreeCount returns the number of free pages.
func (f *Freelist) FreeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backend.Count()
}

// PendingCount returns the number of pending pages.
func (f *Freelist) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingCount()
}

func (f *Freelist) pendingCount() int {
	var n int
	for _, txp := range f.pending {
		n += len(txp.ids)
	}
	return n
}

// Count returns the number of free and pending pages.
func (f *Freelist) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backend.Count() + f.pendingCount()
}

// FreePageIds returns the free ids in ascending order.
func (f *Freelist) FreePageIds() common.Pgids {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backend.IDs()
}

// PendingPageIds returns a copy of the pending ids by freeing txid.
func (f *Freelist) PendingPageIds() map[common.Txid]common.Pgids {
	f.mu.Lock()
	defer f.mu.Unlock()

	m := make(map[common.Txid]common.Pgids, len(f.pending))
	for tid, txp := range f.pending {
		ids := make(common.Pgids, len(txp.ids))
		copy(ids, txp.ids)
		ids.Sort()
		m[tid] = ids
	}
	return m
}

// Copyall writes the sorted union of free and pending ids into dst.
// Pending ids are included so a crash before their release loses nothing:
// on reopen no reader exists and they are free.
func (f *Freelist) Copyall(dst []common.Pgid) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var pending common.Pgids
	for _, txp := range f.pending {
		pending = append(pending, txp.ids...)
	}
	sort.Sort(pending)

	free := f.backend.IDs()
	n := len(free) + len(pending)
	common.Mergepgids(dst[:n], free, pending)
	return n
}
