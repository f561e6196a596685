// Package cli defines the command surface: run, plan, and version. It
// translates flags into pipeline options and process exit codes, and
// owns nothing else.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// ExitError carries a specific process exit code. Code 1 is fatal
// (missing input, invalid configuration, unrecoverable step failure);
// code 2 is command-line misuse.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	logFile    string
	cores      int
}

// NewRootCommand assembles the CLI tree.
func NewRootCommand() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "spineprep",
		Short:         "Preprocess spinal-cord functional MRI datasets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to a YAML configuration file")
	pf.StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	pf.StringVar(&flags.logFormat, "log-format", "text", "log format: text or json")
	pf.StringVar(&flags.logFile, "log-file", "", "also log to this rotated file")
	pf.IntVar(&flags.cores, "cores", 1, "step-level worker count")

	root.AddCommand(newRunCommand(flags))
	root.AddCommand(newPlanCommand(flags))
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "spineprep "+Version)
		},
	}
}

// Main runs the CLI and returns the process exit code.
func Main() int {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		if exitErr, ok := err.(*ExitError); ok {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			return exitErr.Code
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
