package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/PelionIoT/node-cgroups/internal/cgroup"
	"github.com/PelionIoT/node-cgroups/internal/logging"
)

const (
	OutcomeExited  = "exited"
	OutcomeKilled  = "killed"
	OutcomeTimeout = "timeout"
)

// Limits are applied to the child after it has started
type Limits struct {
	CPUPercent   float64       // share of one CPU, 0 disables
	CPUPeriodUS  int           // CFS period, 0 selects the default
	MemoryBytes  int64         // cgroup memory limit, 0 disables
	AddressSpace int64         // RLIMIT_AS of the child, 0 disables
	Timeout      time.Duration // kill the child after this long, 0 disables
}

// Config describes what to launch
type Config struct {
	RunID          string   // generated when empty
	Command        []string // argv; empty re-executes the current binary without arguments
	GroupName      string   // cgroup name, defaults to mallocalot-<pid>
	KeepGroup      bool     // leave the cgroup in place after the child exits
	Limits         Limits
	SampleInterval time.Duration
	Stdout         io.Writer
	Stderr         io.Writer
}

// Report summarizes a launched child
type Report struct {
	RunID            string        `json:"run_id" yaml:"run_id"`
	PID              int           `json:"pid" yaml:"pid"`
	Command          []string      `json:"command" yaml:"command"`
	Group            string        `json:"cgroup,omitempty" yaml:"cgroup,omitempty"`
	ExitCode         int           `json:"exit_code" yaml:"exit_code"`
	Outcome          string        `json:"outcome" yaml:"outcome"`
	Duration         time.Duration `json:"duration" yaml:"duration"`
	PeakRSS          int64         `json:"peak_rss" yaml:"peak_rss"`
	PeakCgroupMemory int64         `json:"peak_cgroup_memory" yaml:"peak_cgroup_memory"`
	Samples          int           `json:"samples" yaml:"samples"`
	Warnings         []string      `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Launcher starts a child process, confines it and watches its memory
type Launcher struct {
	cfg        Config
	controller *cgroup.Controller
	sampler    Sampler
	logger     *slog.Logger
}

// New creates a launcher. controller may be nil, in which case no cgroup is used.
func New(cfg Config, controller *cgroup.Controller) (*Launcher, error) {
	if cfg.SampleInterval <= 0 {
		return nil, fmt.Errorf("sample interval must be positive: got %s", cfg.SampleInterval)
	}
	if cfg.Limits.CPUPercent < 0 || cfg.Limits.CPUPercent > 1 {
		return nil, fmt.Errorf("cpu percent must be within [0, 1]: got %v", cfg.Limits.CPUPercent)
	}
	if cfg.Limits.MemoryBytes < 0 || cfg.Limits.AddressSpace < 0 {
		return nil, fmt.Errorf("memory limits must not be negative")
	}
	if (cfg.Limits.CPUPercent > 0 || cfg.Limits.MemoryBytes > 0) && controller == nil {
		return nil, fmt.Errorf("cpu and memory limits require cgroups")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}

	return &Launcher{
		cfg:        cfg,
		controller: controller,
		sampler:    newProcSampler(),
		logger:     slog.Default(),
	}, nil
}

// SetLogger sets the logger
func (l *Launcher) SetLogger(logger *slog.Logger) {
	l.logger = logger
}

// SetSampler replaces the RSS sampler (nil disables RSS sampling)
func (l *Launcher) SetSampler(s Sampler) {
	l.sampler = s
}

// Launch starts the child, applies limits, samples memory until the child
// exits and returns the report. A non-zero exit of the child is not an error.
func (l *Launcher) Launch(ctx context.Context) (*Report, error) {
	argv, err := l.command()
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:   l.cfg.RunID,
		Command: argv,
	}
	if report.RunID == "" {
		report.RunID = uuid.NewString()
	}
	logger := l.logger.With(logging.RunID(report.RunID))

	if l.cfg.Limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Limits.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = l.cfg.Stdout
	cmd.Stderr = l.cfg.Stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	report.PID = cmd.Process.Pid
	logger.Info("process started", logging.PID(report.PID), slog.Any("command", argv))

	mem := l.postStart(report, logger)

	var waitErr error
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		waitErr = cmd.Wait()
		close(done)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(l.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			l.sample(report, mem)

			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	_ = g.Wait() //nolint:errcheck // both goroutines return nil
	report.Duration = time.Since(start)

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		report.Outcome = OutcomeTimeout
		report.ExitCode = exitCode(waitErr)
		logger.Warn("process timeout exceeded", slog.Duration("timeout", l.cfg.Limits.Timeout))
	case waitErr == nil:
		report.Outcome = OutcomeExited
	default:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			l.cleanup(report, logger)
			return report, fmt.Errorf("process execution error: %w", waitErr)
		}
		report.ExitCode = exitErr.ExitCode()
		report.Outcome = OutcomeExited
		if report.ExitCode < 0 {
			report.Outcome = OutcomeKilled
		}
	}

	logger.Info("process finished",
		slog.String("outcome", report.Outcome),
		slog.Int("exit_code", report.ExitCode),
		slog.Int64("peak_rss", report.PeakRSS),
		slog.Int64("peak_cgroup_memory", report.PeakCgroupMemory),
		slog.Duration("duration", report.Duration),
	)

	l.cleanup(report, logger)
	return report, nil
}

// command resolves the argv to run
func (l *Launcher) command() ([]string, error) {
	if len(l.cfg.Command) > 0 {
		return l.cfg.Command, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot locate own executable: %w", err)
	}
	return []string{self}, nil
}

// postStart confines the started child. Failures are logged and recorded as
// warnings, the child keeps running. Returns the memory trait to sample, if any.
func (l *Launcher) postStart(report *Report, logger *slog.Logger) *cgroup.MemoryTrait {
	pid := report.PID
	limits := l.cfg.Limits

	if limits.AddressSpace > 0 {
		if err := setAddressSpaceLimit(pid, limits.AddressSpace); err != nil {
			l.warn(report, logger, "address space limit not applied", err)
		} else {
			logger.Debug("RLIMIT_AS set via prlimit", slog.Int64("bytes", limits.AddressSpace))
		}
	}

	if l.controller == nil {
		return nil
	}

	name := l.cfg.GroupName
	if name == "" {
		name = fmt.Sprintf("mallocalot-%d", pid)
	}
	group, err := l.controller.NewGroup(name)
	if err != nil {
		l.warn(report, logger, "cgroup not created", err)
		return nil
	}
	report.Group = name
	logger = logger.With(logging.Group(name))

	if limits.CPUPercent > 0 {
		if err := l.applyCPU(group, pid, limits); err != nil {
			l.warn(report, logger, "cpu limit not applied", err)
		}
	}

	mem, err := group.Memory()
	if err != nil {
		l.warn(report, logger, "memory cgroup not available", err)
		return nil
	}
	if limits.MemoryBytes > 0 {
		if err := mem.SetLimit(limits.MemoryBytes); err != nil {
			l.warn(report, logger, "memory limit not applied", err)
		} else {
			logger.Debug("memory limit set", slog.Int64("bytes", limits.MemoryBytes))
		}
	}
	if err := group.AssignProcess(pid, cgroup.Memory); err != nil {
		l.warn(report, logger, "process not moved into memory cgroup", err)
		return nil
	}
	return mem
}

func (l *Launcher) applyCPU(group *cgroup.Group, pid int, limits Limits) error {
	cpu, err := group.CPU()
	if err != nil {
		return err
	}
	if err := cpu.SetCPUPercentage(limits.CPUPercent, limits.CPUPeriodUS); err != nil {
		return err
	}
	return group.AssignProcess(pid, cgroup.CPU)
}

// sample records one RSS and cgroup usage reading
func (l *Launcher) sample(report *Report, mem *cgroup.MemoryTrait) {
	report.Samples++

	if l.sampler != nil {
		if rss, err := l.sampler.RSS(report.PID); err == nil && rss > report.PeakRSS {
			report.PeakRSS = rss
		}
	}
	if mem != nil {
		if usage, err := mem.Usage(); err == nil && usage > report.PeakCgroupMemory {
			report.PeakCgroupMemory = usage
		}
	}
}

func (l *Launcher) cleanup(report *Report, logger *slog.Logger) {
	if l.controller == nil || report.Group == "" || l.cfg.KeepGroup {
		return
	}
	if err := l.controller.RemoveGroup(report.Group); err != nil {
		logger.Debug("failed to remove cgroup", logging.Error(err))
	}
}

func (l *Launcher) warn(report *Report, logger *slog.Logger, msg string, err error) {
	report.Warnings = append(report.Warnings, fmt.Sprintf("%s: %v", msg, err))
	logger.Warn(msg, logging.Error(err))
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 0
}
