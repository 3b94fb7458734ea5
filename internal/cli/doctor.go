package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/PelionIoT/node-cgroups/internal/sysinfo"
)

// doctorCmd diagnoses system capabilities
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose system capabilities",
	Long:  `Diagnose how allocation failures can be observed on this system (cgroups, RLIMIT_AS, overcommit mode).`,
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	format, err := reportFormat()
	if err != nil {
		return err
	}

	opts := sysinfo.DefaultOptions()
	opts.CgroupRoot = cfg.CgroupRoot
	info := sysinfo.Diagnose(opts)

	if format != "text" {
		return writeStructured(cmd.OutOrStdout(), format, &info)
	}
	return outputDoctorText(cmd.OutOrStdout(), &info)
}

func outputDoctorText(w io.Writer, info *sysinfo.DiagnosticInfo) error {
	// Header
	fmt.Fprintf(w, "mallocalot Diagnostics\n")
	fmt.Fprintf(w, "======================\n\n")

	// System Information
	fmt.Fprintf(w, "System Information:\n")
	fmt.Fprintf(w, "  OS:          %s\n", info.OS)
	fmt.Fprintf(w, "  Arch:        %s\n", info.Arch)
	fmt.Fprintf(w, "  Go Version:  %s\n", info.GoVersion)
	if info.RunningAsRoot {
		fmt.Fprintf(w, "  Running as:  root/admin\n")
	} else {
		fmt.Fprintf(w, "  Running as:  non-root user\n")
	}
	fmt.Fprintln(w)

	// Memory
	fmt.Fprintf(w, "Memory:\n")
	fmt.Fprintf(w, "  Total:          %s\n", formatBytes(info.TotalMemory))
	if info.AddressSpace == sysinfo.Unlimited {
		fmt.Fprintf(w, "  Address space:  unlimited\n")
	} else {
		fmt.Fprintf(w, "  Address space:  %s\n", units.BytesSize(float64(info.AddressSpace)))
	}
	fmt.Fprintf(w, "  Page size:      %d\n", info.PageSize)
	fmt.Fprintf(w, "  Overcommit:     %s\n", info.Overcommit)
	fmt.Fprintln(w)

	// Platform-specific information
	if info.OS == "linux" {
		fmt.Fprintf(w, "Linux-Specific Information:\n")
		fmt.Fprintf(w, "  Cgroups Version: %s\n", info.CgroupsVersion)
		fmt.Fprintln(w)
	}

	// Warnings
	if len(info.Warnings) > 0 {
		fmt.Fprintf(w, "Warnings:\n")
		for _, warning := range info.Warnings {
			fmt.Fprintf(w, "  [!] %s\n", warning)
		}
		fmt.Fprintln(w)
	}

	// Recommendations
	if len(info.Recommendations) > 0 {
		fmt.Fprintf(w, "Recommendations:\n")
		for _, r := range info.Recommendations {
			fmt.Fprintf(w, "  [*] %s\n", r)
		}
		fmt.Fprintln(w)
	}

	return nil
}

func formatBytes(n uint64) string {
	if n == 0 {
		return "unknown"
	}
	return units.BytesSize(float64(n))
}

// writeStructured encodes v as indented JSON or as YAML
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(v); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return encoder.Close()
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
