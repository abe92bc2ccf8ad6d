package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tasklane/loadgate/internal/config"
)

var version = "0.1.0"

// streams are the process handles a command writes to and reads the
// environment from. Tests replace them.
type streams struct {
	stdout io.Writer
	stderr io.Writer
	lookup config.LookupFunc
}

// exitError carries a process exit code out of a command. err may be nil
// when the command already reported the failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&streams{stdout: os.Stdout, stderr: os.Stderr, lookup: os.LookupEnv})
}

func newRootCmd(s *streams) *cobra.Command {
	root := &cobra.Command{
		Use:     "loadgate",
		Short:   "Staged load testing with pass/fail thresholds",
		Version: version,
		Long: `loadgate drives synthetic traffic against the task API, measures latency
and success rates per operation, and exits non-zero when a declared
threshold is not met. It is meant to gate CI pipelines.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
	root.SetOut(s.stdout)
	root.SetErr(s.stderr)

	root.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "console", "Log format (console, json)")

	root.AddCommand(newRunCmd(s))
	root.AddCommand(newReportCmd(s))
	root.AddCommand(newMockCmd(s))
	return root
}

// Execute runs the command line and returns the process exit code.
// This is called by main.main().
func Execute() int {
	return execute(os.Args[1:], &streams{stdout: os.Stdout, stderr: os.Stderr, lookup: os.LookupEnv})
}

func execute(args []string, s *streams) int {
	root := newRootCmd(s)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	if err == nil {
		return 0
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(s.stderr, "Error: %v\n", exit.err)
		}
		return exit.code
	}
	fmt.Fprintf(s.stderr, "Error: %v\n", err)
	return 1
}
