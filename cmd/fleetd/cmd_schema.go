package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fleetd/fleetd/internal/config"
)

// newSchemaCmd prints the JSON schema for fleetd.toml.
func newSchemaCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(*cobra.Command, []string) error {
			data, err := config.Schema()
			if err != nil {
				fmt.Fprintf(stderr, "fleetd: %v\n", err) //nolint:errcheck // best-effort stderr
				return exitError{code: 1}
			}
			fmt.Fprintln(stdout, string(data)) //nolint:errcheck // best-effort stdout
			return nil
		},
	}
}
