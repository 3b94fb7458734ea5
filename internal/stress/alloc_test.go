package stress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapAllocator_Unlimited(t *testing.T) {
	h := NewHeapAllocator(0)

	for i := 0; i < 4; i++ {
		b, err := h.Alloc(4096)
		require.NoError(t, err)
		assert.Len(t, b, 4096)
	}
	assert.Equal(t, int64(4*4096), h.Used())
	assert.Equal(t, AllocatorHeap, h.Name())
}

func TestHeapAllocator_Budget(t *testing.T) {
	h := NewHeapAllocator(10000)

	_, err := h.Alloc(4000)
	require.NoError(t, err)
	_, err = h.Alloc(4000)
	require.NoError(t, err)

	_, err = h.Alloc(4000)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllocationExhausted)
	assert.Equal(t, int64(8000), h.Used())

	// a smaller request still fits
	_, err = h.Alloc(2000)
	assert.NoError(t, err)
}

func TestHeapAllocator_InvalidSize(t *testing.T) {
	h := NewHeapAllocator(0)
	_, err := h.Alloc(0)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrAllocationExhausted)
}

func TestNewAllocator(t *testing.T) {
	heap, err := NewAllocator("heap", 1024)
	require.NoError(t, err)
	assert.Equal(t, AllocatorHeap, heap.Name())

	def, err := NewAllocator("", 0)
	require.NoError(t, err)
	if platformMmapAllocator() == nil {
		assert.Equal(t, AllocatorHeap, def.Name())
	} else {
		assert.Equal(t, AllocatorMmap, def.Name())
	}

	_, err = NewAllocator("jemalloc", 0)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown allocator")
}

func TestRun_HeapBudgetExhaustion(t *testing.T) {
	cfg := testConfig(10)
	alloc := NewHeapAllocator(3 * 1024)
	r, out, _ := newTestRunner(t, cfg, alloc)

	res, err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Equal(t, 3, res.Allocations())
	assert.Equal(t, 3, res.FailedAt)
	assert.Contains(t, out.String(), "!! malloc failed.")
}
