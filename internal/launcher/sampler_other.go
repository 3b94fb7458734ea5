//go:build !linux

package launcher

import (
	"fmt"
	"runtime"
)

func newProcSampler() Sampler {
	return nil
}

func setAddressSpaceLimit(pid int, bytes int64) error {
	return fmt.Errorf("prlimit(2) not supported on %s", runtime.GOOS)
}
