package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/sshrecipe/pkg/config"
	"github.com/ormasoftchile/sshrecipe/pkg/ledger"
	"github.com/ormasoftchile/sshrecipe/pkg/runtime"
	"github.com/ormasoftchile/sshrecipe/pkg/script"
)

// --- parse ---

var parseYAML bool

var parseCmd = &cobra.Command{
	Use:   "parse [recipe.sshrecipe]",
	Short: "Check a recipe for syntax errors and print its directives",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printDirectives(cmd.OutOrStdout(), args[0], parseYAML)
	},
}

func printDirectives(w io.Writer, path string, asYAML bool) error {
	directives, err := script.ParseFile(path)
	if err != nil {
		return err
	}
	if asYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(directives); err != nil {
			return err
		}
		return enc.Close()
	}
	for _, d := range directives {
		fmt.Fprintf(w, "%4d  %s\n", d.Line, d)
	}
	fmt.Fprintf(w, "✓ %s: %d directives\n", path, len(directives))
	return nil
}

// --- ledger ---

var ledgerConfig string

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect per-target ledgers",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show [address]",
	Short: "Print the fingerprints recorded for a target (. for this machine)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showLedger(cmd.OutOrStdout(), ledgerConfig, args[0])
	},
}

func showLedger(w io.Writer, profilePath, address string) error {
	profile, err := config.Resolve(profilePath, "")
	if err != nil {
		return err
	}
	dir := config.ExpandHome(profile.LedgerDir)
	if dir == "" {
		if dir, err = ledger.DefaultDir(); err != nil {
			return err
		}
	}
	id, err := ledger.Identity(address)
	if err != nil {
		return err
	}
	path := ledger.FilePath(dir, id)
	entries, err := ledger.ReadEntries(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(w, "No ledger for %s (%s)\n", address, path)
			return nil
		}
		return err
	}
	fmt.Fprintf(w, "%s (%d entries)\n", path, len(entries))
	for _, e := range entries {
		fmt.Fprintf(w, "  %s\n", strings.ReplaceAll(e, "\t", " | "))
	}
	return nil
}

// --- trace ---

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Trace file operations",
}

var traceShowCmd = &cobra.Command{
	Use:   "show [trace.jsonl]",
	Short: "Summarize a JSONL trace written by run --trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showTrace(cmd.OutOrStdout(), args[0])
	},
}

func showTrace(w io.Writer, path string) error {
	events, err := runtime.ReadTrace(path)
	if err != nil {
		return err
	}
	var failed int
	for _, ev := range events {
		r := ev.Result
		if r == nil {
			continue
		}
		marker := outcomeMarker(r)
		if r.Error != "" {
			failed++
		}
		fmt.Fprintf(w, "%s %s  %s:%d  %s\n", marker, r.RunID, r.Script, r.Line, r.Directive)
		if r.Error != "" {
			fmt.Fprintf(w, "     error: %s\n", r.Error)
		}
	}
	if failed > 0 {
		fmt.Fprintf(w, "✗ %d events, %d failed\n", len(events), failed)
		return nil
	}
	fmt.Fprintf(w, "✓ %d events\n", len(events))
	return nil
}

func outcomeMarker(r *runtime.DirectiveResult) string {
	if r.Error != "" {
		return "✗"
	}
	switch r.Outcome {
	case runtime.OutcomeSkipped:
		return "⊘"
	case runtime.OutcomeGuarded:
		return "-"
	case runtime.OutcomeState:
		return "="
	}
	return "✓"
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Profile operations",
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Export the profile JSON Schema to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.GenerateJSONSchema()
		if err != nil {
			return fmt.Errorf("generate schema: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [sshrecipe.yaml]",
	Short: "Validate a profile against the schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateProfile(cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0])
	},
}

func validateProfile(stdout, stderr io.Writer, path string) error {
	_, errs := config.ValidateFile(path)
	if len(errs) == 0 {
		fmt.Fprintf(stdout, "✓ %s is valid\n", path)
		return nil
	}
	fmt.Fprintf(stderr, "Validation failed: %d error(s)\n\n", len(errs))
	for i, e := range errs {
		fmt.Fprintf(stderr, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
		if e.Path != "" {
			fmt.Fprintf(stderr, "     at: %s\n", e.Path)
		}
	}
	return errReported
}

func init() {
	parseCmd.Flags().BoolVar(&parseYAML, "yaml", false, "Print directives as YAML")

	ledgerShowCmd.Flags().StringVar(&ledgerConfig, "config", "", "Profile YAML that sets ledger_dir")
	ledgerCmd.AddCommand(ledgerShowCmd)

	traceCmd.AddCommand(traceShowCmd)

	configCmd.AddCommand(configSchemaCmd)
	configCmd.AddCommand(configValidateCmd)

	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(configCmd)
}
