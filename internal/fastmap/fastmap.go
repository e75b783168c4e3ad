// Package fastmap provides a fast hash map for integer keys.
// Uses fibonacci hashing for better distribution of sequential keys.
package fastmap

// Map is an open-addressing hash map from uint64 to V.
// Linear probing with backward-shift deletion, so no tombstones are needed.
type Map[V any] struct {
	buckets []bucket[V]
	count   int
	mask    uint64
}

type bucket[V any] struct {
	key   uint64
	value V
	used  bool // Needed because key=0 might be valid
}

// Fibonacci hash constant: 2^64 / golden ratio
const fibHash64 = 11400714819323198485

// New returns a map sized for at least hint entries.
func New[V any](hint int) *Map[V] {
	m := &Map[V]{}
	if hint > 0 {
		size := 16
		for size*3/4 < hint {
			size *= 2
		}
		m.buckets = make([]bucket[V], size)
		m.mask = uint64(size - 1)
	}
	return m
}

func (m *Map[V]) slot(key uint64) uint64 {
	return (key * fibHash64) & m.mask
}

// Get returns the value for the given key and whether it was present.
func (m *Map[V]) Get(key uint64) (V, bool) {
	var zero V
	if len(m.buckets) == 0 {
		return zero, false
	}
	idx := m.slot(key)
	for {
		b := &m.buckets[idx]
		if !b.used {
			return zero, false
		}
		if b.key == key {
			return b.value, true
		}
		idx = (idx + 1) & m.mask
	}
}

// Set stores a key-value pair.
func (m *Map[V]) Set(key uint64, value V) {
	if len(m.buckets) == 0 {
		m.buckets = make([]bucket[V], 16)
		m.mask = 15
	} else if m.count >= len(m.buckets)*3/4 {
		m.grow()
	}

	idx := m.slot(key)
	for {
		b := &m.buckets[idx]
		if !b.used {
			b.key = key
			b.value = value
			b.used = true
			m.count++
			return
		}
		if b.key == key {
			b.value = value
			return
		}
		idx = (idx + 1) & m.mask
	}
}

// Delete removes key from the map. It reports whether the key was present.
func (m *Map[V]) Delete(key uint64) bool {
	if len(m.buckets) == 0 {
		return false
	}
	idx := m.slot(key)
	for {
		b := &m.buckets[idx]
		if !b.used {
			return false
		}
		if b.key == key {
			break
		}
		idx = (idx + 1) & m.mask
	}

	// Shift following entries of the same probe chain back into the hole.
	hole := idx
	next := (hole + 1) & m.mask
	for m.buckets[next].used {
		home := m.slot(m.buckets[next].key)
		if (next-home)&m.mask >= (next-hole)&m.mask {
			m.buckets[hole] = m.buckets[next]
			hole = next
		}
		next = (next + 1) & m.mask
	}
	m.buckets[hole] = bucket[V]{}
	m.count--
	return true
}

// grow doubles the hash table size
func (m *Map[V]) grow() {
	oldBuckets := m.buckets
	newSize := len(oldBuckets) * 2
	m.buckets = make([]bucket[V], newSize)
	m.mask = uint64(newSize - 1)
	m.count = 0

	for i := range oldBuckets {
		if oldBuckets[i].used {
			m.Set(oldBuckets[i].key, oldBuckets[i].value)
		}
	}
}

// ForEach iterates over all key-value pairs in unspecified order.
// Returning false from fn stops the iteration. fn must not modify the map.
func (m *Map[V]) ForEach(fn func(uint64, V) bool) {
	for i := range m.buckets {
		if m.buckets[i].used {
			if !fn(m.buckets[i].key, m.buckets[i].value) {
				return
			}
		}
	}
}

// Clear removes all entries but keeps the backing array.
func (m *Map[V]) Clear() {
	clear(m.buckets)
	m.count = 0
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	return m.count
}
