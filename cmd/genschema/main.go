// Command genschema writes the fleetd configuration JSON schema to
// docs/schema/fleetd-schema.json. Run from the repository root:
//
//	go run ./cmd/genschema
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fleetd/fleetd/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "genschema: %v\n", err) //nolint:errcheck // best-effort stderr
		os.Exit(1)
	}
}

func run() error {
	if _, err := os.Stat("go.mod"); err != nil {
		return fmt.Errorf("must run from repository root (go.mod not found)")
	}
	if err := os.MkdirAll("docs/schema", 0o755); err != nil {
		return fmt.Errorf("creating docs/schema: %w", err)
	}
	data, err := config.Schema()
	if err != nil {
		return err
	}
	out := filepath.Join("docs", "schema", "fleetd-schema.json")
	if err := os.WriteFile(out, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}
	fmt.Println("wrote", out)
	return nil
}
