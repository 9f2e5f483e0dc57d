package ordmap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Urethramancer/scanflow/internal/ordmap"
)

func TestMapSetKeepsKeysSorted(t *testing.T) {
	m := ordmap.New[uint64, string]()
	m.Set(30, "c")
	m.Set(10, "a")
	m.Set(20, "b")
	m.Set(10, "a2") // overwrite, no new key

	assert.Equal(t, []uint64{10, 20, 30}, m.Keys())
	v, ok := m.Get(10)
	assert.True(t, ok)
	assert.Equal(t, "a2", v)

	_, ok = m.Get(999)
	assert.False(t, ok)
}

func TestMapRangeBounds(t *testing.T) {
	m := ordmap.New[uint64, int]()
	for _, k := range []uint64{5, 10, 15, 20, 25} {
		m.Set(k, int(k))
	}

	var got []uint64
	m.Range(10, 20, func(k uint64, v int) bool {
		got = append(got, k)
		return true
	})
	assert.Equal(t, []uint64{10, 15, 20}, got)
}

func TestMapRangeEarlyStop(t *testing.T) {
	m := ordmap.New[uint64, int]()
	for _, k := range []uint64{1, 2, 3, 4} {
		m.Set(k, int(k))
	}

	var got []uint64
	m.Range(1, 4, func(k uint64, v int) bool {
		got = append(got, k)
		return k < 2
	})
	assert.Equal(t, []uint64{1, 2}, got)
}

func TestSliceMapAppendFanOut(t *testing.T) {
	m := ordmap.NewSlice[uint64, uint64]()
	m.Append(100, 1)
	m.Append(100, 2)
	m.Append(50, 3)

	sources, ok := m.Get(100)
	assert.True(t, ok)
	assert.Equal(t, []uint64{1, 2}, sources)
	assert.Equal(t, []uint64{50, 100}, m.Keys())
}

func TestMapClear(t *testing.T) {
	m := ordmap.New[uint64, int]()
	m.Set(1, 1)
	m.Set(2, 2)
	m.Clear()
	assert.Equal(t, 0, m.Len())
	assert.Empty(t, m.Keys())
}
