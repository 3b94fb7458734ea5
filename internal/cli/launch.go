package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/PelionIoT/node-cgroups/internal/audit"
	"github.com/PelionIoT/node-cgroups/internal/cgroup"
	"github.com/PelionIoT/node-cgroups/internal/config"
	"github.com/PelionIoT/node-cgroups/internal/launcher"
	"github.com/PelionIoT/node-cgroups/internal/logging"
)

const launchCommand = "launch"

// launchCmdFlags holds flags for the launch command
type launchCmdFlags struct {
	cpu          float64
	cpuPeriod    int
	memory       string
	addressSpace string
	group        string
	keepGroup    bool
	timeout      time.Duration
}

var launchFlags launchCmdFlags

// launchCmd starts a child process inside a cgroup and watches its memory
var launchCmd = &cobra.Command{
	Use:   "launch [flags] [-- command [args...]]",
	Short: "Run a process under CPU and memory limits",
	Long: `Start a process, move it into a new cgroup with the requested CPU and
memory limits and sample its memory until it exits. Without a command the
stress loop of this binary is launched.

Example: mallocalot launch --memory 64M --cpu 0.1
Example: mallocalot launch --address-space 256M -- ./my-server --port 8080`,
	RunE: runLaunch,
}

func init() {
	launchCmd.Flags().Float64Var(&launchFlags.cpu, "cpu", 0, "CPU share of one core, 0 < cpu <= 1 (0 disables)")
	launchCmd.Flags().IntVar(&launchFlags.cpuPeriod, "cpu-period", cgroup.DefaultCFSPeriod, "CFS period in microseconds")
	launchCmd.Flags().StringVar(&launchFlags.memory, "memory", "", "cgroup memory limit, e.g. 64M")
	launchCmd.Flags().StringVar(&launchFlags.addressSpace, "address-space", "", "RLIMIT_AS of the child, e.g. 256M")
	launchCmd.Flags().StringVar(&launchFlags.group, "group", "", "cgroup name (default mallocalot-<pid>)")
	launchCmd.Flags().BoolVar(&launchFlags.keepGroup, "keep-group", false, "Do not remove the cgroup after the child exits")
	launchCmd.Flags().DurationVar(&launchFlags.timeout, "timeout", 0, "Kill the child after this long (e.g. 5m, 30s)")
}

func runLaunch(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	format, err := reportFormat()
	if err != nil {
		return err
	}

	limits, err := buildLimits(launchFlags)
	if err != nil {
		return err
	}

	// Create logger
	logger := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

	controller, err := newController(cfg, limits, launchFlags.group != "", logger)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	l, err := launcher.New(launcher.Config{
		RunID:          runID,
		Command:        args,
		GroupName:      launchFlags.group,
		KeepGroup:      launchFlags.keepGroup,
		Limits:         limits,
		SampleInterval: cfg.SampleInterval,
		Stdout:         cmd.OutOrStdout(),
		Stderr:         cmd.ErrOrStderr(),
	}, controller)
	if err != nil {
		return err
	}
	l.SetLogger(logger)

	// Create audit logger
	auditLogger := openAuditLogger(cfg, logger)
	defer func() {
		if auditLogger != nil {
			_ = auditLogger.Close() //nolint:errcheck // cleanup
		}
	}()

	if auditLogger != nil {
		metadata := map[string]string{"command": strings.Join(args, " "), "cgroup": launchFlags.group}
		if err := auditLogger.LogStart(runID, launchCommand, metadata); err != nil {
			logger.Warn("failed to write audit event", logging.Error(err))
		}
	}

	// Setup signal handling
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := l.Launch(ctx)
	if auditLogger != nil {
		recordLaunchEnd(auditLogger, runID, report, err, logger)
	}
	if err != nil {
		return fmt.Errorf("launch failed: %w", err)
	}

	// The child's stdout is the progress stream; the report goes to stderr
	return writeReport(cmd.ErrOrStderr(), format, report)
}

// buildLimits converts the launch flags into launcher limits
func buildLimits(f launchCmdFlags) (launcher.Limits, error) {
	limits := launcher.Limits{
		CPUPercent:  f.cpu,
		CPUPeriodUS: f.cpuPeriod,
		Timeout:     f.timeout,
	}
	if f.timeout < 0 {
		return limits, fmt.Errorf("invalid --timeout %s: must not be negative", f.timeout)
	}
	if f.memory != "" {
		n, err := units.RAMInBytes(f.memory)
		if err != nil {
			return limits, fmt.Errorf("invalid --memory %q: %w", f.memory, err)
		}
		limits.MemoryBytes = n
	}
	if f.addressSpace != "" {
		n, err := units.RAMInBytes(f.addressSpace)
		if err != nil {
			return limits, fmt.Errorf("invalid --address-space %q: %w", f.addressSpace, err)
		}
		limits.AddressSpace = n
	}
	return limits, nil
}

// newController returns a cgroup controller when limits or a group name need
// one, nil otherwise
func newController(c *config.Config, limits launcher.Limits, named bool, logger *slog.Logger) (*cgroup.Controller, error) {
	if limits.CPUPercent == 0 && limits.MemoryBytes == 0 && !named {
		return nil, nil
	}

	version, err := cgroup.ResolveVersion(c.CgroupVersion, c.CgroupRoot)
	if err != nil {
		return nil, fmt.Errorf("cgroups required for --cpu, --memory and --group: %w", err)
	}
	logger.Debug("using cgroups", slog.String("version", version.String()), slog.String("root", c.CgroupRoot))

	return cgroup.NewController(
		cgroup.WithVersion(version),
		cgroup.WithRoot(c.CgroupRoot),
		cgroup.WithLogger(logger),
	), nil
}

func recordLaunchEnd(auditLogger *audit.Logger, runID string, report *launcher.Report, launchErr error, logger *slog.Logger) {
	if launchErr != nil {
		if err := auditLogger.LogError(runID, launchCommand, launchErr.Error()); err != nil {
			logger.Warn("failed to write audit event", logging.Error(err))
		}
		return
	}
	stats := audit.RunStats{
		PID:      report.PID,
		ExitCode: report.ExitCode,
	}
	if err := auditLogger.LogEnd(runID, launchCommand, stats, report.Duration, report.Outcome); err != nil {
		logger.Warn("failed to write audit event", logging.Error(err))
	}
}

func writeReport(w io.Writer, format string, report *launcher.Report) error {
	if format != "text" {
		return writeStructured(w, format, report)
	}

	fmt.Fprintf(w, "Launch Report\n")
	fmt.Fprintf(w, "=============\n\n")
	fmt.Fprintf(w, "  Run ID:       %s\n", report.RunID)
	fmt.Fprintf(w, "  Command:      %s\n", strings.Join(report.Command, " "))
	fmt.Fprintf(w, "  PID:          %d\n", report.PID)
	if report.Group != "" {
		fmt.Fprintf(w, "  Cgroup:       %s\n", report.Group)
	}
	fmt.Fprintf(w, "  Outcome:      %s\n", report.Outcome)
	fmt.Fprintf(w, "  Exit code:    %d\n", report.ExitCode)
	fmt.Fprintf(w, "  Duration:     %s\n", report.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Peak RSS:     %s\n", units.BytesSize(float64(report.PeakRSS)))
	if report.Group != "" {
		fmt.Fprintf(w, "  Peak cgroup:  %s\n", units.BytesSize(float64(report.PeakCgroupMemory)))
	}
	fmt.Fprintf(w, "  Samples:      %d\n", report.Samples)

	if len(report.Warnings) > 0 {
		fmt.Fprintf(w, "\nWarnings:\n")
		for _, warning := range report.Warnings {
			fmt.Fprintf(w, "  [!] %s\n", warning)
		}
	}
	return nil
}
