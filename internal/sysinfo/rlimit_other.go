//go:build !linux && !darwin

package sysinfo

func addressSpaceLimit() int64 {
	return Unlimited
}
