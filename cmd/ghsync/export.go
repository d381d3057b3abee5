package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/ghsync/internal/export"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "maint",
	Short:   "Export cached users as JSONL or YAML",
	Long: `Export every cached user, including notes and viewed state.

JSONL is the backup format and can be read back with 'ghsync import'.
YAML is for reading. Without -o the export goes to stdout.

Examples:
  ghsync export -o users.jsonl
  ghsync export --format yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		formatFlag, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		format, err := export.ParseFormat(formatFlag)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		a, err := openApp(ctx, 0)
		if err != nil {
			return err
		}
		defer a.close()

		if output == "" {
			if _, err := export.Write(ctx, a.store, cmd.OutOrStdout(), format); err != nil {
				return fmt.Errorf("export failed: %w", err)
			}
			return nil
		}

		n, err := export.WriteFile(ctx, a.store, output, format)
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		a.out.Success("exported %d users to %s", n, output)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "maint",
	Short:   "Import users from a JSONL export",
	Long: `Merge a JSONL export into the cache.

Users already in the cache keep their stored values and notes; only
missing users and missing fields are filled in. A user marked viewed in
either copy stays viewed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		ctx, cancel := signalContext()
		defer cancel()

		a, err := openApp(ctx, 0)
		if err != nil {
			return err
		}
		defer a.close()

		result, err := export.ImportFile(ctx, a.store, args[0], export.ImportOptions{DryRun: dryRun})
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}

		for _, msg := range result.Errors {
			a.out.Warn("%s", msg)
		}
		if dryRun {
			a.out.Success("dry run: %d records read, %d would be imported", result.Read, result.Read-result.Skipped)
			return nil
		}
		a.out.Success("imported %d users (%d read, %d duplicates)", result.Imported, result.Read, result.Skipped)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("format", "jsonl", "Output format: jsonl or yaml")
	exportCmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")
	importCmd.Flags().Bool("dry-run", false, "Parse and validate without writing")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
