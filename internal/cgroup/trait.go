package cgroup

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultCFSPeriod is the CFS period used when none (or a value below 100µs) is given
const DefaultCFSPeriod = 1000000

// CPUTrait sets CFS bandwidth limits on a group
type CPUTrait struct {
	dir     string
	version Version
}

// Dir returns the cgroup directory the trait writes to
func (t *CPUTrait) Dir() string {
	return t.dir
}

// SetCPUPercentage caps the group at percent (0 < percent <= 1) of one CPU per
// period. periodUS below 100 selects DefaultCFSPeriod.
func (t *CPUTrait) SetCPUPercentage(percent float64, periodUS int) error {
	if !(percent > 0 && percent <= 1) {
		return fmt.Errorf("invalid percent value: %v (expected 0 < percent <= 1)", percent)
	}
	if periodUS < 100 {
		periodUS = DefaultCFSPeriod
	}
	quota := int64(math.Floor(float64(periodUS) * percent))

	if t.version == V2 {
		value := fmt.Sprintf("%d %d", quota, periodUS)
		if err := writeValue(filepath.Join(t.dir, "cpu.max"), value); err != nil {
			return fmt.Errorf("error in accessing cgroup: %w", err)
		}
		return nil
	}

	// period first: the kernel validates the quota against the current period
	if err := writeValue(filepath.Join(t.dir, "cpu.cfs_period_us"), strconv.Itoa(periodUS)); err != nil {
		return fmt.Errorf("error in accessing cgroup: %w", err)
	}
	if err := writeValue(filepath.Join(t.dir, "cpu.cfs_quota_us"), strconv.FormatInt(quota, 10)); err != nil {
		return fmt.Errorf("error in accessing cgroup: %w", err)
	}
	return nil
}

// MemoryTrait sets and reads memory limits of a group
type MemoryTrait struct {
	dir     string
	version Version
}

// Dir returns the cgroup directory the trait writes to
func (t *MemoryTrait) Dir() string {
	return t.dir
}

// SetLimit caps the group's memory at bytes
func (t *MemoryTrait) SetLimit(bytes int64) error {
	if bytes <= 0 {
		return fmt.Errorf("memory limit must be positive: got %d", bytes)
	}
	if err := writeValue(filepath.Join(t.dir, t.limitFile()), strconv.FormatInt(bytes, 10)); err != nil {
		return fmt.Errorf("error in accessing cgroup: %w", err)
	}
	return nil
}

// Usage returns the group's current memory usage in bytes
func (t *MemoryTrait) Usage() (int64, error) {
	path := filepath.Join(t.dir, t.usageFile())
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("cannot read cgroup file: %w", err)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(content)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value in %s: %w", path, err)
	}
	return v, nil
}

func (t *MemoryTrait) limitFile() string {
	if t.version == V2 {
		return "memory.max"
	}
	return "memory.limit_in_bytes"
}

func (t *MemoryTrait) usageFile() string {
	if t.version == V2 {
		return "memory.current"
	}
	return "memory.usage_in_bytes"
}
