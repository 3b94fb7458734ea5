package sysinfo

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/pbnjay/memory"

	"github.com/PelionIoT/node-cgroups/internal/cgroup"
)

// Unlimited marks a resource limit that is not set
const Unlimited = -1

// DiagnosticInfo describes how the host will react to memory pressure
type DiagnosticInfo struct {
	OS              string   `json:"os" yaml:"os"`
	Arch            string   `json:"arch" yaml:"arch"`
	GoVersion       string   `json:"go_version" yaml:"go_version"`
	RunningAsRoot   bool     `json:"running_as_root" yaml:"running_as_root"`
	CgroupsVersion  string   `json:"cgroups_version" yaml:"cgroups_version"`
	TotalMemory     uint64   `json:"total_memory" yaml:"total_memory"`
	AddressSpace    int64    `json:"address_space_limit" yaml:"address_space_limit"` // RLIMIT_AS soft limit, -1 if unlimited
	Overcommit      string   `json:"overcommit" yaml:"overcommit"`
	PageSize        int      `json:"page_size" yaml:"page_size"`
	Recommendations []string `json:"recommendations,omitempty" yaml:"recommendations,omitempty"`
	Warnings        []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Options locate the pseudo-files Diagnose reads
type Options struct {
	CgroupRoot     string
	OvercommitFile string
}

// DefaultOptions returns the standard Linux locations
func DefaultOptions() Options {
	return Options{
		CgroupRoot:     "/sys/fs/cgroup",
		OvercommitFile: "/proc/sys/vm/overcommit_memory",
	}
}

// Diagnose returns diagnostic information about the current system
func Diagnose(opts Options) DiagnosticInfo {
	info := DiagnosticInfo{
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		GoVersion:   runtime.Version(),
		TotalMemory: memory.TotalMemory(),
		PageSize:    os.Getpagesize(),
		Overcommit:  "unknown",
	}

	// Check if running as root/admin
	info.RunningAsRoot = os.Geteuid() == 0

	info.AddressSpace = addressSpaceLimit()

	if runtime.GOOS == "linux" {
		if v, err := cgroup.Detect(opts.CgroupRoot); err == nil {
			info.CgroupsVersion = v.String()
		} else {
			info.CgroupsVersion = "unavailable"
		}
		info.Overcommit = readOvercommit(opts.OvercommitFile)

		if !info.RunningAsRoot {
			info.Warnings = append(info.Warnings,
				"Running without root privileges: creating cgroups will likely fail",
			)
		}
		if info.CgroupsVersion == "unavailable" {
			info.Recommendations = append(info.Recommendations,
				"No cgroup hierarchy found - use --address-space with launch to force allocation failures",
			)
		}
	} else {
		info.CgroupsVersion = "unavailable"
		info.Warnings = append(info.Warnings,
			runtime.GOOS+" has no cgroups - only RLIMIT_AS and the heap budget can bound the stress loop",
		)
	}

	switch info.Overcommit {
	case "always":
		info.Warnings = append(info.Warnings,
			"vm.overcommit_memory=1: mmap never fails, exhaustion ends with the OOM killer instead of a reported failure",
		)
	case "heuristic":
		info.Recommendations = append(info.Recommendations,
			"vm.overcommit_memory=0: untouched mappings rarely fail, set an address space limit or a heap budget to observe exhaustion",
		)
	}

	if info.TotalMemory > 0 && info.AddressSpace == Unlimited {
		info.Recommendations = append(info.Recommendations,
			"RLIMIT_AS is unlimited; total memory is "+units.BytesSize(float64(info.TotalMemory)),
		)
	}

	return info
}

// readOvercommit maps vm.overcommit_memory to a name
func readOvercommit(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	mode, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return "unknown"
	}
	switch mode {
	case 0:
		return "heuristic"
	case 1:
		return "always"
	case 2:
		return "never"
	default:
		return "unknown"
	}
}
