package cgroup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/PelionIoT/node-cgroups/internal/logging"
)

// Group is a named cgroup spanning one directory per trait (v1) or a single
// directory (v2)
type Group struct {
	name   string
	c      *Controller
	logger *slog.Logger

	mu      sync.Mutex
	created map[string]struct{} // directories this group made
}

// Name returns the group name
func (g *Group) Name() string {
	return g.name
}

// Path returns the group directory for the given trait
func (g *Group) Path(t Trait) (string, error) {
	mount, err := g.c.mountFor(t)
	if err != nil {
		return "", err
	}
	return filepath.Join(mount, g.name), nil
}

// AssignProcess moves pid into the group for trait, creating the group
// directory first when it does not exist
func (g *Group) AssignProcess(pid int, t Trait) error {
	if pid <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}

	dir, err := g.ensureDir(t)
	if err != nil {
		return err
	}

	procs := filepath.Join(dir, g.procsFile())
	g.logger.Debug("assigning process",
		logging.PID(pid),
		slog.String(logging.TraitKey, string(t)),
		slog.String("file", procs),
	)
	if err := writeValue(procs, strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("cannot add process %d to cgroup %s: %w", pid, dir, err)
	}
	return nil
}

// CPU returns the CPU trait of the group
func (g *Group) CPU() (*CPUTrait, error) {
	dir, err := g.ensureDir(CPU)
	if err != nil {
		return nil, err
	}
	return &CPUTrait{dir: dir, version: g.c.version}, nil
}

// Memory returns the memory trait of the group
func (g *Group) Memory() (*MemoryTrait, error) {
	dir, err := g.ensureDir(Memory)
	if err != nil {
		return nil, err
	}
	return &MemoryTrait{dir: dir, version: g.c.version}, nil
}

func (g *Group) procsFile() string {
	if g.c.version == V2 {
		return "cgroup.procs"
	}
	return "tasks"
}

// ensureDir makes sure the group directory for t exists and is a directory
func (g *Group) ensureDir(t Trait) (string, error) {
	dir, err := g.Path(t)
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	info, err := os.Stat(dir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return "", fmt.Errorf("not a valid cgroup directory: %s", dir)
		}
		return dir, nil
	case errors.Is(err, os.ErrNotExist):
		g.logger.Debug("creating cgroup directory", slog.String("path", dir))
		if err := os.Mkdir(dir, 0o755); err != nil {
			return "", fmt.Errorf("cannot create cgroup directory (may require elevated privileges): %w", err)
		}
		g.created[dir] = struct{}{}
		return dir, nil
	default:
		return "", fmt.Errorf("cannot stat cgroup directory %s: %w", dir, err)
	}
}

// remove deletes every directory the group created (best-effort)
func (g *Group) remove() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for dir := range g.created {
		if err := os.RemoveAll(dir); err != nil {
			g.logger.Debug("failed to remove cgroup", slog.String("path", dir), logging.Error(err))
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
			continue
		}
		delete(g.created, dir)
		g.logger.Debug("cgroup removed", slog.String("path", dir))
	}
	return errors.Join(errs...)
}

func writeValue(path, value string) error {
	return os.WriteFile(path, []byte(value), 0o644)
}
