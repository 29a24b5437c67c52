package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing_FIFOOrder(t *testing.T) {
	r := NewRing[int](5)
	for i := 1; i <= 3; i++ {
		r.Add(i)
	}

	assert.Equal(t, []int{1, 2, 3}, r.Snapshot())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 5, r.Cap())
}

func TestRing_EvictsOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Add(i)
	}

	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
	assert.Equal(t, uint64(2), r.Evicted())
}

func TestRing_Newest(t *testing.T) {
	r := NewRing[int](10)
	for i := 1; i <= 6; i++ {
		r.Add(i)
	}

	assert.Equal(t, []int{5, 6}, r.Newest(2))
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, r.Newest(100))
	assert.Empty(t, r.Newest(0))
}

func TestRing_ClampsCapacity(t *testing.T) {
	r := NewRing[string](0)
	r.Add("a")
	r.Add("b")

	assert.Equal(t, []string{"b"}, r.Snapshot())
	assert.Equal(t, 1, r.Cap())
}

func TestRing_Clear(t *testing.T) {
	r := NewRing[int](4)
	r.Add(1)
	r.Add(2)
	r.Clear()

	assert.Zero(t, r.Len())
	assert.Empty(t, r.Snapshot())

	r.Add(9)
	assert.Equal(t, []int{9}, r.Snapshot())
}

func TestRing_ConcurrentAdds(t *testing.T) {
	r := NewRing[int](100)

	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			r.Add(v)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 100, r.Len())
	assert.Equal(t, uint64(400), r.Evicted())
}
