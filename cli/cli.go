// Package cli provides the certtrust command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Exit codes of the validate command.
const (
	ExitOK            = 0
	ExitInvalid       = 1
	ExitIndeterminate = 2
	ExitError         = 3
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// exitCodeError carries a non-zero exit code without an error message.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Run executes the CLI with the given arguments and exits with the result.
// This is the main entry point for the CLI.
func Run(args []string) {
	osExit(execute(context.Background(), args[1:], os.Stdout, os.Stderr))
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	var exitErr *exitCodeError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &exitErr):
		return exitErr.code
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitError
	}
}

// NewRootCommand builds the certtrust command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "certtrust",
		Short: "certtrust - certificate chain and revocation validation",
		Long: `certtrust validates certificate chains against purpose-scoped trust
anchors and checks revocation status using CRLs and OCSP responses.

Trust anchors are configured per purpose: general, ocsp, crl, timestamp
and ca. A certificate trusted for one purpose is not trusted for another.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newValidateCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "certtrust version %s\n", Version)
			fmt.Fprintf(out, "Build time: %s\n", BuildTime)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
		},
	}
}
