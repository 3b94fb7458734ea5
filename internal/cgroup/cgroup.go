// Package cgroup creates Linux control groups, moves processes into them and
// sets CPU and memory limits by writing the cgroup pseudo-files directly.
//
// Both layouts are supported: cgroups v1 with one mount per controller
// (/sys/fs/cgroup/cpu, /sys/fs/cgroup/memory, ...) and the cgroups v2 unified
// hierarchy. Controllers are called traits here.
package cgroup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/PelionIoT/node-cgroups/internal/logging"
)

// Trait names a cgroup controller
type Trait string

const (
	Blkio     Trait = "blkio"
	CPU       Trait = "cpu"
	CPUAcct   Trait = "cpuacct"
	CPUSet    Trait = "cpuset"
	Devices   Trait = "devices"
	Freezer   Trait = "freezer"
	Memory    Trait = "memory"
	HugeTLB   Trait = "hugetlb"
	PerfEvent Trait = "perf_event"
	NetCls    Trait = "net_cls"
	NetPrio   Trait = "net_prio"
	NS        Trait = "ns"
)

// v1 mount directory per trait, relative to the cgroup root. Traits with an
// empty directory are known but have no default mount.
var traitDirs = map[Trait]string{
	Blkio:     "blkio",
	CPU:       "cpu",
	CPUAcct:   "cpuacct",
	CPUSet:    "cpuset",
	Devices:   "devices",
	Freezer:   "freezer",
	Memory:    "memory",
	HugeTLB:   "hugetlb",
	PerfEvent: "perf_event",
	NetCls:    "",
	NetPrio:   "",
	NS:        "",
}

var (
	ErrUnknownTrait    = errors.New("unknown cgroup trait")
	ErrTraitNotMounted = errors.New("cgroup trait has no mount on this system")
	ErrInvalidPID      = errors.New("invalid pid")
	ErrNotAvailable    = errors.New("cgroups not available")
)

// Version is the cgroup hierarchy layout
type Version int

const (
	V1 Version = 1
	V2 Version = 2
)

func (v Version) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	default:
		return "unavailable"
	}
}

// ParseTrait validates a trait name
func ParseTrait(name string) (Trait, error) {
	t := Trait(strings.ToLower(name))
	if _, ok := traitDirs[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTrait, name)
	}
	return t, nil
}

// Detect reports which hierarchy is mounted under root
func Detect(root string) (Version, error) {
	// Try cgroups v2
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err == nil {
		return V2, nil
	}

	// Try cgroups v1
	if _, err := os.Stat(filepath.Join(root, "cpu")); err == nil {
		return V1, nil
	}

	return 0, fmt.Errorf("%w under %s", ErrNotAvailable, root)
}

// ResolveVersion turns a configured version ("auto", "v1", "v2") into a Version
func ResolveVersion(setting, root string) (Version, error) {
	switch strings.ToLower(setting) {
	case "", "auto":
		return Detect(root)
	case "v1":
		return V1, nil
	case "v2":
		return V2, nil
	default:
		return 0, fmt.Errorf("invalid cgroup version %q", setting)
	}
}

// DefaultMounts returns the conventional v1 mount points under root
func DefaultMounts(root string) map[Trait]string {
	mounts := make(map[Trait]string, len(traitDirs))
	for t, dir := range traitDirs {
		if dir == "" {
			continue
		}
		mounts[t] = filepath.Join(root, dir)
	}
	return mounts
}

// Controller hands out groups and remembers them by name
type Controller struct {
	mu      sync.Mutex
	version Version
	root    string
	mounts  map[Trait]string
	groups  map[string]*Group
	logger  *slog.Logger
}

// Option configures a Controller
type Option func(*controllerOptions)

type controllerOptions struct {
	version   Version
	root      string
	overrides map[Trait]string
	logger    *slog.Logger
}

// WithVersion selects the hierarchy layout (default V1)
func WithVersion(v Version) Option {
	return func(o *controllerOptions) {
		o.version = v
	}
}

// WithRoot sets the cgroup root (default /sys/fs/cgroup). v1 mounts default to root/<trait>.
func WithRoot(root string) Option {
	return func(o *controllerOptions) {
		o.root = root
	}
}

// WithMount overrides the v1 mount point of a single trait
func WithMount(t Trait, path string) Option {
	return func(o *controllerOptions) {
		o.overrides[t] = path
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *controllerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewController creates a controller
func NewController(opts ...Option) *Controller {
	o := &controllerOptions{
		version:   V1,
		root:      "/sys/fs/cgroup",
		overrides: make(map[Trait]string),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	mounts := DefaultMounts(o.root)
	for t, p := range o.overrides {
		mounts[t] = p
	}

	return &Controller{
		version: o.version,
		root:    o.root,
		mounts:  mounts,
		groups:  make(map[string]*Group),
		logger:  o.logger,
	}
}

// Version returns the hierarchy layout the controller writes
func (c *Controller) Version() Version {
	return c.version
}

// NewGroup returns the group called name, creating the handle on first use.
// Directories are only created when a process is assigned or a limit is set.
func (c *Controller) NewGroup(name string) (*Group, error) {
	if err := validateGroupName(name); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.groups[name]; ok {
		return g, nil
	}
	g := &Group{
		name:    name,
		c:       c,
		created: make(map[string]struct{}),
		logger:  c.logger.With(logging.Group(name)),
	}
	c.groups[name] = g
	return g, nil
}

// RemoveGroup deletes the directories the group created and forgets it.
// Unknown names are ignored.
func (c *Controller) RemoveGroup(name string) error {
	c.mu.Lock()
	g, ok := c.groups[name]
	if ok {
		delete(c.groups, name)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return g.remove()
}

// mountFor returns the directory the trait's groups live under
func (c *Controller) mountFor(t Trait) (string, error) {
	if _, ok := traitDirs[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTrait, t)
	}
	if c.version == V2 {
		return c.root, nil
	}
	m, ok := c.mounts[t]
	if !ok || m == "" {
		return "", fmt.Errorf("%w: %q", ErrTraitNotMounted, t)
	}
	return m, nil
}

func validateGroupName(name string) error {
	if name == "" {
		return fmt.Errorf("cgroup name cannot be empty")
	}
	if filepath.IsAbs(name) {
		return fmt.Errorf("cgroup name must be relative: %q", name)
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return fmt.Errorf("cgroup name must not contain '..': %q", name)
		}
	}
	return nil
}
