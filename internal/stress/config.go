package stress

import (
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts       = 10000
	DefaultBlockSize         = 50000
	DefaultInterAttemptDelay = 500 * time.Microsecond
	DefaultPostLoopPause     = 30 * time.Second
)

// Config holds the parameters of a single stress run
type Config struct {
	MaxAttempts       int           // number of allocation attempts
	BlockSize         int           // bytes requested per attempt
	InterAttemptDelay time.Duration // pause between attempts
	PostLoopPause     time.Duration // pause after the loop ends, before returning
}

// DefaultConfig returns the fixed constants the tool runs with when nothing is overridden
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       DefaultMaxAttempts,
		BlockSize:         DefaultBlockSize,
		InterAttemptDelay: DefaultInterAttemptDelay,
		PostLoopPause:     DefaultPostLoopPause,
	}
}

// Validate checks that the configuration describes a runnable loop
func (c Config) Validate() error {
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must not be negative: got %d", c.MaxAttempts)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("block size must be positive: got %d", c.BlockSize)
	}
	if c.InterAttemptDelay < 0 {
		return fmt.Errorf("inter-attempt delay must not be negative: got %s", c.InterAttemptDelay)
	}
	if c.PostLoopPause < 0 {
		return fmt.Errorf("post-loop pause must not be negative: got %s", c.PostLoopPause)
	}
	return nil
}
