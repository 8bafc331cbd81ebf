// Package cmd provides CLI commands for the theory binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags.
var (
	// ConfigFlag points at theory.yaml. CLI flags always override it.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to theory.yaml config file",
	}

	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// JSONFlag forces a single JSON document on stdout.
	JSONFlag = &cli.BoolFlag{
		Name:  "json",
		Usage: "Force JSON output (single document on stdout)",
	}
)

// ReadOnlyFlags returns the shared flags for all read-only commands.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		FormatFlag,
		JSONFlag,
	}
}
