package fastmap

import (
	"math/rand"
	"testing"
)

// Test basic functionality
func TestMap(t *testing.T) {
	m := &Map[uint64]{}

	// Test empty map
	if _, ok := m.Get(1); ok {
		t.Error("Expected miss for empty map")
	}

	m.Set(1, 100)
	m.Set(2, 200)

	if v, ok := m.Get(1); !ok || v != 100 {
		t.Errorf("Get(1) = %d, %v", v, ok)
	}
	if v, ok := m.Get(2); !ok || v != 200 {
		t.Errorf("Get(2) = %d, %v", v, ok)
	}
	if _, ok := m.Get(3); ok {
		t.Error("Get(3) should miss")
	}

	// Test update
	m.Set(1, 300)
	if v, _ := m.Get(1); v != 300 {
		t.Error("Update failed")
	}

	if m.Len() != 2 {
		t.Errorf("Expected len=2, got %d", m.Len())
	}

	m.Clear()
	if m.Len() != 0 {
		t.Error("Clear failed")
	}
	if _, ok := m.Get(1); ok {
		t.Error("Get after clear should miss")
	}
}

// Test with many entries to trigger growth
func TestMapGrowth(t *testing.T) {
	m := New[int](0)

	n := 10000
	for i := 0; i < n; i++ {
		m.Set(uint64(i), i*10)
	}

	if m.Len() != n {
		t.Errorf("Expected len=%d, got %d", n, m.Len())
	}

	for i := 0; i < n; i++ {
		if v, ok := m.Get(uint64(i)); !ok || v != i*10 {
			t.Fatalf("Get(%d) = %d, %v", i, v, ok)
		}
	}
}

// Test with key=0
func TestMapZeroKey(t *testing.T) {
	m := &Map[string]{}

	m.Set(0, "zero")
	if v, ok := m.Get(0); !ok || v != "zero" {
		t.Error("Zero key failed")
	}
	if m.Len() != 1 {
		t.Error("Len should be 1")
	}
	if !m.Delete(0) {
		t.Error("Delete(0) should report presence")
	}
	if m.Len() != 0 {
		t.Error("Len should be 0 after delete")
	}
}

// Deleting from the middle of probe chains must keep every other key reachable.
func TestMapDeleteKeepsChains(t *testing.T) {
	m := New[uint64](64)
	ref := make(map[uint64]uint64)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 20000; i++ {
		k := uint64(rng.Intn(512))
		if rng.Intn(3) == 0 {
			_, want := ref[k]
			if got := m.Delete(k); got != want {
				t.Fatalf("Delete(%d) = %v, want %v", k, got, want)
			}
			delete(ref, k)
			continue
		}
		m.Set(k, uint64(i))
		ref[k] = uint64(i)
	}

	if m.Len() != len(ref) {
		t.Fatalf("len mismatch: got %d, want %d", m.Len(), len(ref))
	}
	for k, want := range ref {
		if v, ok := m.Get(k); !ok || v != want {
			t.Fatalf("Get(%d) = %d, %v; want %d", k, v, ok, want)
		}
	}

	seen := 0
	m.ForEach(func(k, v uint64) bool {
		if ref[k] != v {
			t.Errorf("ForEach yielded %d=%d, want %d", k, v, ref[k])
		}
		seen++
		return true
	})
	if seen != len(ref) {
		t.Errorf("ForEach visited %d entries, want %d", seen, len(ref))
	}
}

func TestMapForEachStops(t *testing.T) {
	m := New[int](0)
	for i := 0; i < 10; i++ {
		m.Set(uint64(i), i)
	}
	calls := 0
	m.ForEach(func(uint64, int) bool {
		calls++
		return calls < 3
	})
	if calls != 3 {
		t.Errorf("ForEach should stop after 3 calls, got %d", calls)
	}
}

// Benchmark: Sequential writes - FastMap
func BenchmarkFastMapSeqWrite(b *testing.B) {
	m := &Map[uint64]{}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Set(uint64(i), uint64(i))
	}
}

// Benchmark: Sequential writes - Go map
func BenchmarkGoMapSeqWrite(b *testing.B) {
	m := make(map[uint64]uint64)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m[uint64(i)] = uint64(i)
	}
}

// Benchmark: Random reads - FastMap
func BenchmarkFastMapRandRead(b *testing.B) {
	m := &Map[uint64]{}
	keys := make([]uint64, 100000)
	for i := range keys {
		keys[i] = rand.Uint64()
		m.Set(keys[i], uint64(i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = m.Get(keys[i%100000])
	}
}

// Benchmark: Random reads - Go map
func BenchmarkGoMapRandRead(b *testing.B) {
	m := make(map[uint64]uint64)
	keys := make([]uint64, 100000)
	for i := range keys {
		keys[i] = rand.Uint64()
		m[keys[i]] = uint64(i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m[keys[i%100000]]
	}
}

// Benchmark: Set/Delete churn, the span-map access pattern - FastMap
func BenchmarkFastMapChurn(b *testing.B) {
	m := New[uint64](1024)
	for i := 0; i < 1024; i++ {
		m.Set(uint64(i), uint64(i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := uint64(i % 1024)
		m.Delete(k)
		m.Set(k, uint64(i))
	}
}
