//go:build linux

package launcher

import (
	"fmt"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// procSampler reads /proc/<pid>/stat
type procSampler struct {
	fs procfs.FS
}

func newProcSampler() Sampler {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil
	}
	return &procSampler{fs: fs}
}

func (s *procSampler) RSS(pid int) (int64, error) {
	proc, err := s.fs.Proc(pid)
	if err != nil {
		return 0, fmt.Errorf("cannot open process %d: %w", pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, fmt.Errorf("cannot read stat of process %d: %w", pid, err)
	}
	return int64(stat.ResidentMemory()), nil
}

// setAddressSpaceLimit applies RLIMIT_AS to a running process via prlimit(2)
func setAddressSpaceLimit(pid int, bytes int64) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	rlim := unix.Rlimit{Cur: uint64(bytes), Max: uint64(bytes)}
	return unix.Prlimit(pid, unix.RLIMIT_AS, &rlim, nil)
}
