// Package cmd implements ionengine's command-line surface.
package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	flagVerbose bool
	flagCwd     string
)

// Execute runs the root command, returning the process exit code.
func Execute() int {
	root := &cobra.Command{
		Use:           "ion",
		Short:         "ionengine: an autonomous coding agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			initLogging(flagVerbose)
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&flagCwd, "cwd", "", "working directory (defaults to the current directory)")

	root.AddCommand(newRunCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ion:", err)
		return exitErr
	}
	return lastExitCode
}

// initLogging configures the global zerolog logger for CLI output: a
// compact console writer on stderr so stdout stays clean for -o text/json.
func initLogging(verbose bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: false, TimeFormat: "15:04:05"})
}

const (
	exitSuccess  = 0
	exitErr      = 1
	exitMaxTurns = 3
)

// lastExitCode is set by subcommands that need a non-default exit code
// (cobra itself only distinguishes "error" from "no error").
var lastExitCode = exitSuccess
