package stress

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrAllocationExhausted is returned by an Allocator that cannot satisfy a request
var ErrAllocationExhausted = errors.New("allocation exhausted")

// Allocator hands out raw memory blocks. Returned blocks are opaque handles:
// the stress loop never reads or writes them and never gives them back.
type Allocator interface {
	Alloc(size int) ([]byte, error)

	// Name returns the allocator name used in logs and reports
	Name() string
}

const (
	AllocatorMmap = "mmap"
	AllocatorHeap = "heap"
)

// NewAllocator returns the allocator registered under kind.
// limit only applies to the heap allocator (0 means no budget).
func NewAllocator(kind string, limit int64) (Allocator, error) {
	switch strings.ToLower(kind) {
	case "", AllocatorMmap:
		if a := platformMmapAllocator(); a != nil {
			return a, nil
		}
		// no anonymous mappings on this platform
		return NewHeapAllocator(limit), nil
	case AllocatorHeap:
		return NewHeapAllocator(limit), nil
	default:
		return nil, fmt.Errorf("unknown allocator %q (expected %q or %q)", kind, AllocatorMmap, AllocatorHeap)
	}
}

// platformMmapAllocator is replaced by alloc_mmap.go on platforms with mmap(2)
var platformMmapAllocator = func() Allocator {
	return nil
}

// HeapAllocator allocates from the Go heap. The Go runtime treats running out
// of memory as fatal, so an optional budget lets the loop observe exhaustion
// before the runtime does.
type HeapAllocator struct {
	mu    sync.Mutex
	limit int64
	used  int64
}

// NewHeapAllocator creates a heap allocator refusing requests beyond limit bytes (0 = unlimited)
func NewHeapAllocator(limit int64) *HeapAllocator {
	if limit < 0 {
		limit = 0
	}
	return &HeapAllocator{limit: limit}
}

// Alloc returns a fresh heap buffer of size bytes
func (h *HeapAllocator) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid allocation size: %d", size)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.limit > 0 && h.used+int64(size) > h.limit {
		return nil, fmt.Errorf("%w: heap budget of %d bytes reached (%d in use)", ErrAllocationExhausted, h.limit, h.used)
	}

	buf := make([]byte, size)
	h.used += int64(size)
	return buf, nil
}

// Used returns the number of bytes handed out so far
func (h *HeapAllocator) Used() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

func (h *HeapAllocator) Name() string {
	return AllocatorHeap
}
