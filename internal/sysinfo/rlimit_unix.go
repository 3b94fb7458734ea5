//go:build linux || darwin

package sysinfo

import (
	"math"

	"golang.org/x/sys/unix"
)

func addressSpaceLimit() int64 {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_AS, &rlim); err != nil {
		return Unlimited
	}
	// RLIM_INFINITY is all ones on linux and MaxInt64 on darwin
	if rlim.Cur >= math.MaxInt64 {
		return Unlimited
	}
	return int64(rlim.Cur)
}
