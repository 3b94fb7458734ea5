package stress

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/PelionIoT/node-cgroups/internal/logging"
)

const (
	OutcomeCompleted = "completed"
	OutcomeExhausted = "exhausted"
)

// Result summarizes a finished run
type Result struct {
	Attempts   int    // allocation attempts made
	TotalBytes int64  // bytes successfully allocated
	FailedAt   int    // index of the failed attempt, -1 if none failed
	Outcome    string // "completed" or "exhausted"
	Err        error  // allocator error that stopped the loop
	Ledger     *Ledger
	Duration   time.Duration // loop duration, excluding the post-loop pause
}

// Allocations returns the number of successful allocations
func (r *Result) Allocations() int {
	return r.Ledger.Len()
}

// Runner drives the allocation loop
type Runner struct {
	cfg    Config
	alloc  Allocator
	out    io.Writer
	logger *slog.Logger
	sleep  func(time.Duration)
}

// Option configures a Runner
type Option func(*Runner)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSleeper replaces time.Sleep for the inter-attempt delay and the post-loop pause
func WithSleeper(sleep func(time.Duration)) Option {
	return func(r *Runner) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// NewRunner creates a runner writing progress lines to out
func NewRunner(cfg Config, alloc Allocator, out io.Writer, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stress config: %w", err)
	}
	if alloc == nil {
		return nil, fmt.Errorf("allocator cannot be nil")
	}
	if out == nil {
		return nil, fmt.Errorf("progress writer cannot be nil")
	}

	r := &Runner{
		cfg:    cfg,
		alloc:  alloc,
		out:    out,
		logger: slog.Default(),
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run performs up to MaxAttempts allocations, stopping at the first failure,
// then waits PostLoopPause. Acquired blocks stay referenced by the returned
// ledger. The only error returned is a failure to write progress output;
// allocator exhaustion is reported through Result.
func (r *Runner) Run() (*Result, error) {
	res := &Result{
		FailedAt: -1,
		Outcome:  OutcomeCompleted,
		Ledger:   NewLedger(r.cfg.MaxAttempts),
	}

	r.logger.Info("starting allocation loop",
		slog.String("allocator", r.alloc.Name()),
		slog.Int("max_attempts", r.cfg.MaxAttempts),
		slog.Int("block_size", r.cfg.BlockSize),
		slog.Duration("inter_attempt_delay", r.cfg.InterAttemptDelay),
	)

	start := time.Now()
	var total int64
	for n := 0; n < r.cfg.MaxAttempts; n++ {
		if _, err := fmt.Fprintf(r.out, "malloc %d %d (tot: %d)\n", r.cfg.BlockSize, n, total); err != nil {
			return res, fmt.Errorf("failed to write progress: %w", err)
		}

		res.Attempts++
		block, err := r.alloc.Alloc(r.cfg.BlockSize)
		if err != nil {
			res.FailedAt = n
			res.Outcome = OutcomeExhausted
			res.Err = err
			if !errors.Is(err, ErrAllocationExhausted) {
				r.logger.Warn("allocator failed with an unexpected error", slog.Int("attempt", n), logging.Error(err))
			}
			r.logger.Info("allocation failed, stopping loop",
				slog.Int("attempt", n),
				slog.Int64("total_bytes", total),
				logging.Error(err),
			)
			if _, werr := fmt.Fprintln(r.out, "!! malloc failed."); werr != nil {
				return res, fmt.Errorf("failed to write progress: %w", werr)
			}
			break
		}

		if err := res.Ledger.Append(n, block); err != nil {
			return res, err
		}
		total += int64(r.cfg.BlockSize)
		res.TotalBytes = total

		if n < r.cfg.MaxAttempts-1 {
			r.sleep(r.cfg.InterAttemptDelay)
		}
	}
	res.Duration = time.Since(start)

	r.logger.Info("allocation loop finished",
		slog.String("outcome", res.Outcome),
		slog.Int("allocations", res.Ledger.Len()),
		slog.Int64("total_bytes", res.TotalBytes),
		slog.Duration("pause", r.cfg.PostLoopPause),
	)

	r.sleep(r.cfg.PostLoopPause)
	return res, nil
}
