// Package ordmap is a small sorted-key map used wherever the scanning
// engines need ordered range queries over an Address-keyed collection
// (forward/inverse pointer maps, the disassembler's global index). Go has
// no built-in ordered map and nothing in the retrieved reference pack pulls
// in a generic ordered-container library, so this is a direct hand-rolled
// replacement for Rust's BTreeMap, kept deliberately small.
package ordmap

import "sort"

// Map is a map keyed by K (any type whose underlying type is uint64) that
// keeps its keys sorted so Range can answer "all keys in [lo, hi]" in
// O(log n + output).
type Map[K ~uint64, V any] struct {
	keys   []K
	values map[K]V
}

// New creates an empty Map.
func New[K ~uint64, V any]() *Map[K, V] {
	return &Map[K, V]{values: make(map[K]V)}
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int { return len(m.keys) }

// Get returns the value for k and whether it was present.
func (m *Map[K, V]) Get(k K) (V, bool) {
	v, ok := m.values[k]
	return v, ok
}

// Set inserts or overwrites the value at k.
func (m *Map[K, V]) Set(k K, v V) {
	if _, exists := m.values[k]; !exists {
		idx := sort.Search(len(m.keys), func(i int) bool { return m.keys[i] >= k })
		m.keys = append(m.keys, 0)
		copy(m.keys[idx+1:], m.keys[idx:])
		m.keys[idx] = k
	}
	m.values[k] = v
}

// Keys returns the sorted key slice. The caller must not mutate it.
func (m *Map[K, V]) Keys() []K { return m.keys }

// Clear empties the map in place, keeping underlying storage.
func (m *Map[K, V]) Clear() {
	m.keys = m.keys[:0]
	for k := range m.values {
		delete(m.values, k)
	}
}

// Range calls fn for every key k with lo <= k <= hi, in ascending order.
// Iteration stops early if fn returns false.
func (m *Map[K, V]) Range(lo, hi K, fn func(k K, v V) bool) {
	idx := sort.Search(len(m.keys), func(i int) bool { return m.keys[i] >= lo })
	for ; idx < len(m.keys); idx++ {
		k := m.keys[idx]
		if k > hi {
			return
		}
		if !fn(k, m.values[k]) {
			return
		}
	}
}

// LowerBound returns the index of the first key >= k (len(m.keys) if none).
func (m *Map[K, V]) LowerBound(k K) int {
	return sort.Search(len(m.keys), func(i int) bool { return m.keys[i] >= k })
}

// KeyAt returns the key at sorted position i.
func (m *Map[K, V]) KeyAt(i int) K { return m.keys[i] }

// SliceMap is a tiny helper map of K -> []V where each append keeps the
// outer key set sorted the same way Map does, used for inverse maps where
// one key fans out to many sources.
type SliceMap[K ~uint64, V any] struct {
	*Map[K, []V]
}

// NewSlice creates an empty SliceMap.
func NewSlice[K ~uint64, V any]() SliceMap[K, V] {
	return SliceMap[K, V]{New[K, []V]()}
}

// Append adds v to the slice stored at k, creating it if absent.
func (m SliceMap[K, V]) Append(k K, v V) {
	cur, _ := m.Get(k)
	cur = append(cur, v)
	m.Set(k, cur)
}
