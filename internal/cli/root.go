package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/PelionIoT/node-cgroups/internal/config"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"

	// Global flags
	verbose      bool
	jsonOutput   bool
	outputFormat string
	auditEnabled bool

	// Global config
	cfg *config.Config
)

// stressCmdFlags holds the stress loop overrides of the root command
type stressCmdFlags struct {
	attempts  int
	blockSize string
	delay     time.Duration
	pause     time.Duration
	allocator string
	heapLimit string
}

var stressFlags stressCmdFlags

// rootCmd runs the allocation stress loop
var rootCmd = &cobra.Command{
	Use:   "mallocalot",
	Short: "mallocalot - allocate memory until the allocator gives up",
	Long: `mallocalot requests fixed-size memory blocks in a loop, printing one
progress line per attempt, and reports when an allocation fails. It is meant
to be run inside a memory-limited cgroup (see "mallocalot launch") to watch how
the limit is enforced.`,
	Version:       Version,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load configuration
		var err error
		cfg, err = config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags if provided
		if verbose {
			cfg.LogLevel = "debug"
		}
		if auditEnabled {
			cfg.AuditEnabled = true
		}

		return nil
	},
	RunE: runStress,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global persistent flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format (same as --format json)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "", "Output format for reports: text, json or yaml")
	rootCmd.PersistentFlags().BoolVar(&auditEnabled, "audit", false, "Append run events to the audit log")

	// Stress loop flags
	addStressFlags(rootCmd)

	// Version template
	rootCmd.SetVersionTemplate(fmt.Sprintf("mallocalot version %s\ncommit: %s\nbuilt: %s\n", Version, GitCommit, BuildDate))

	// Add subcommands
	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(doctorCmd)
}

func addStressFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&stressFlags.attempts, "attempts", 0, "Number of allocation attempts (overrides config)")
	cmd.Flags().StringVar(&stressFlags.blockSize, "block-size", "", "Bytes per allocation, e.g. 50000 or 4M (overrides config)")
	cmd.Flags().DurationVar(&stressFlags.delay, "delay", 0, "Pause between attempts (overrides config)")
	cmd.Flags().DurationVar(&stressFlags.pause, "pause", 0, "Pause after the loop ends (overrides config)")
	cmd.Flags().StringVar(&stressFlags.allocator, "allocator", "", "Allocator: mmap or heap (overrides config)")
	cmd.Flags().StringVar(&stressFlags.heapLimit, "heap-limit", "", "Byte budget of the heap allocator, e.g. 512M (overrides config)")
}

// applyStressFlags copies the root flags the user set onto c
func applyStressFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("attempts") {
		c.MaxAttempts = stressFlags.attempts
	}
	if flags.Changed("block-size") {
		n, err := units.RAMInBytes(stressFlags.blockSize)
		if err != nil {
			return fmt.Errorf("invalid --block-size %q: %w", stressFlags.blockSize, err)
		}
		c.BlockSize = int(n)
	}
	if flags.Changed("delay") {
		c.InterAttemptDelay = stressFlags.delay
	}
	if flags.Changed("pause") {
		c.PostLoopPause = stressFlags.pause
	}
	if flags.Changed("allocator") {
		c.Allocator = strings.ToLower(stressFlags.allocator)
	}
	if flags.Changed("heap-limit") {
		c.HeapLimit = stressFlags.heapLimit
	}
	return nil
}

// reportFormat resolves --format and --json into text, json or yaml
func reportFormat() (string, error) {
	format := strings.ToLower(outputFormat)
	if format == "" {
		if jsonOutput {
			return "json", nil
		}
		return "text", nil
	}
	switch format {
	case "text", "json", "yaml":
		return format, nil
	default:
		return "", fmt.Errorf("invalid --format %q (expected text, json or yaml)", outputFormat)
	}
}
