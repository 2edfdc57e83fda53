// fleetd is the agent-fleet coordinator daemon: it owns session
// lifecycle, inter-agent message delivery, wake scheduling, and crash
// recovery for interactive agents running in terminal panes.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// version is stamped by the release build.
var version = "dev"

// run executes the fleetd CLI with the given args. Returns the exit
// code: 0 success, 1 generic error, 2 coordinator unavailable.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		var ec exitError
		if ok := asExitError(err, &ec); ok {
			return ec.code
		}
		return 1
	}
	return 0
}

// exitError carries a specific process exit code out of a RunE.
type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit %d", e.code) }

func asExitError(err error, out *exitError) bool {
	ec, ok := err.(exitError)
	if ok {
		*out = ec
	}
	return ok
}

// newRootCmd creates the root cobra command with all subcommands.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "fleetd",
		Short:         "fleetd — coordinator for interactive agent fleets",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		newServeCmd(stdout, stderr),
		newSchemaCmd(stdout, stderr),
		newVersionCmd(stdout),
	)
	return root
}

// newVersionCmd prints the build version.
func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fleetd version",
		RunE: func(*cobra.Command, []string) error {
			fmt.Fprintln(stdout, "fleetd", version) //nolint:errcheck // best-effort stdout
			return nil
		},
	}
}
