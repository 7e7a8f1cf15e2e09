// Package cli implements the broker's administrative command line:
// project link management (§6's "link, unlink, status, list"), plus a
// serve command that runs the broker's event stream server and a
// migrate command that runs schema migrations standalone. Every other
// operation is programmatic, via internal/facade. Grounded on the
// teacher's cmd/thrum/main.go root command wiring (persistent flags,
// SilenceUsage/SilenceErrors, grouped AddCommand calls).
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/claude-slack/broker/internal/config"
)

// Exit codes per §6: 0 success, 1 argument error, 2 runtime error.
const (
	ExitSuccess  = 0
	ExitArgError = 1
	ExitRuntime  = 2
)

var flagJSON bool

// NewRootCommand builds the broker CLI's root cobra.Command.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "claude-slack",
		Short:         "Administrative CLI for the claude-slack message broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")

	root.AddCommand(linkCmd())
	root.AddCommand(unlinkCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(listCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())

	return root
}

// Main runs the CLI and returns the process exit code, without calling
// os.Exit itself — cmd/claude-slack's main() owns that.
func Main(args []string) int {
	root := NewRootCommand()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if isArgError(err) {
			return ExitArgError
		}
		return ExitRuntime
	}
	return ExitSuccess
}

// isArgError reports whether err is an argument error rather than a
// runtime failure: an *argumentError returned by a command's RunE, or
// cobra's own argument validation (unknown command, wrong arg count).
func isArgError(err error) bool {
	if _, ok := err.(*argumentError); ok {
		return true
	}
	// cobra reports an unknown subcommand (and cobra.NoArgs extra
	// arguments) as "unknown command ...", and a cobra.ExactArgs
	// mismatch as "accepts N arg(s), received M".
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command ") || strings.HasPrefix(msg, "accepts ")
}

// argumentError marks an error as an argument-validation failure so
// Main can map it to exit code 1 instead of 2.
type argumentError struct{ err error }

func (e *argumentError) Error() string { return e.err.Error() }
func (e *argumentError) Unwrap() error { return e.err }

func newArgError(format string, args ...any) error {
	return &argumentError{err: fmt.Errorf(format, args...)}
}

func loadConfig() (*config.Config, error) {
	return config.Load()
}
