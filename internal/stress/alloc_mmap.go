//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package stress

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

func init() {
	platformMmapAllocator = func() Allocator {
		return NewMmapAllocator()
	}
}

// MmapAllocator requests anonymous private mappings straight from the kernel,
// so RLIMIT_AS, cgroup limits and the overcommit policy surface as ENOMEM
// instead of a runtime abort.
type MmapAllocator struct {
	prot  int
	flags int
}

// NewMmapAllocator creates an allocator backed by mmap(2)
func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{
		prot:  unix.PROT_READ | unix.PROT_WRITE,
		flags: unix.MAP_PRIVATE | unix.MAP_ANON,
	}
}

// Alloc maps size bytes of anonymous memory. The mapping is never unmapped;
// process teardown releases it.
func (m *MmapAllocator) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid allocation size: %d", size)
	}

	b, err := unix.Mmap(-1, 0, size, m.prot, m.flags)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EAGAIN) {
			return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrAllocationExhausted, size, err)
		}
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return b, nil
}

func (m *MmapAllocator) Name() string {
	return AllocatorMmap
}
