package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/PelionIoT/node-cgroups/internal/audit"
	"github.com/PelionIoT/node-cgroups/internal/config"
	"github.com/PelionIoT/node-cgroups/internal/logging"
	"github.com/PelionIoT/node-cgroups/internal/stress"
)

const stressCommand = "stress"

// runStress runs the allocation loop. Exhaustion is an expected outcome and
// exits 0 like a completed loop.
func runStress(cmd *cobra.Command, args []string) error {
	if err := applyStressFlags(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Create logger
	logger := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

	// Create audit logger
	auditLogger := openAuditLogger(cfg, logger)
	defer func() {
		if auditLogger != nil {
			_ = auditLogger.Close() //nolint:errcheck // cleanup
		}
	}()

	_, err := executeStress(cfg, cmd.OutOrStdout(), logger, auditLogger, nil)
	return err
}

// executeStress builds the allocator and runner from c and runs the loop.
// sleep replaces time.Sleep when non-nil.
func executeStress(c *config.Config, out io.Writer, logger *slog.Logger, auditLogger *audit.Logger, sleep func(time.Duration)) (*stress.Result, error) {
	limit, err := c.HeapLimitBytes()
	if err != nil {
		return nil, err
	}
	alloc, err := stress.NewAllocator(c.Allocator, limit)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger = logger.With(logging.RunID(runID))

	runner, err := stress.NewRunner(c.StressConfig(), alloc, out,
		stress.WithLogger(logger),
		stress.WithSleeper(sleep),
	)
	if err != nil {
		return nil, err
	}

	if auditLogger != nil {
		metadata := map[string]string{
			"allocator":    alloc.Name(),
			"block_size":   strconv.Itoa(c.BlockSize),
			"max_attempts": strconv.Itoa(c.MaxAttempts),
		}
		if err := auditLogger.LogStart(runID, stressCommand, metadata); err != nil {
			logger.Warn("failed to write audit event", logging.Error(err))
		}
	}

	res, err := runner.Run()
	if err != nil {
		if auditLogger != nil {
			_ = auditLogger.LogError(runID, stressCommand, err.Error()) //nolint:errcheck // best effort
		}
		return res, err
	}

	if auditLogger != nil {
		stats := audit.RunStats{
			Allocations: res.Allocations(),
			TotalBytes:  res.TotalBytes,
		}
		if err := auditLogger.LogEnd(runID, stressCommand, stats, res.Duration, res.Outcome); err != nil {
			logger.Warn("failed to write audit event", logging.Error(err))
		}
	}

	return res, nil
}

// openAuditLogger returns nil when auditing is off or the log cannot be opened
func openAuditLogger(c *config.Config, logger *slog.Logger) *audit.Logger {
	if !c.AuditEnabled {
		return nil
	}
	auditLogger, err := audit.NewLogger(c.AuditLogFile)
	if err != nil {
		logger.Warn("failed to initialize audit logger", logging.Error(err))
		// Continue without audit logging
		return nil
	}
	auditLogger.SetLogger(logger)
	return auditLogger
}
