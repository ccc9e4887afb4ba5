package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/larderhq/larder/internal/fixtures"
)

var seedCmd = &cobra.Command{
	Use:     "seed <file>",
	GroupID: "maint",
	Short:   "Load households, recipes and food items from a fixture file",
	Long: `Write every record of a fixture file into the configured backend.

Supported formats (by extension):
  .toml         [[households]], [[recipes]] and [[food_items]] tables
  .yaml, .yml   households, recipes and food_items lists
  .jsonl        {"collection": "...", "doc": {...}} per line

Examples:
  larder seed testdata/pantry.toml
  larder seed export.jsonl --dry-run`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		fixture, err := fixtures.Load(args[0])
		if err != nil {
			fatalf("%v", err)
		}

		ctx, cancel := signalContext()
		defer cancel()
		b := openBackend(ctx)
		defer closeOnExit(b)()

		result, err := fixtures.Seed(ctx, b, fixture, fixtures.SeedOptions{DryRun: dryRun})
		if err != nil {
			fatalf("seed failed: %v", err)
		}

		for _, w := range result.Warnings {
			out.Warn("⚠ %s", w)
		}
		verb := "Seeded"
		if dryRun {
			verb = "Would seed"
		}
		out.Info("%s %d households, %d recipes, %d food items", verb, result.Households, result.Recipes, result.FoodItems)
		if len(result.Errors) > 0 {
			for _, e := range result.Errors {
				fmt.Fprintln(os.Stderr, e)
			}
			fatalf("%d records failed", len(result.Errors))
		}
	},
}

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "maint",
	Short:   "Dump every record as JSONL",
	Long: `Write every household, recipe and food item in the configured backend as
JSONL, the format accepted by 'larder seed'.

Example:
  larder export --backend postgres > backup.jsonl`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		outPath, _ := cmd.Flags().GetString("out")

		ctx, cancel := signalContext()
		defer cancel()
		b := openBackend(ctx)
		defer closeOnExit(b)()

		fixture, err := fixtures.Export(ctx, b)
		if err != nil {
			fatalf("export failed: %v", err)
		}

		w := os.Stdout
		if outPath != "" {
			// #nosec G304 - controlled path from CLI
			f, err := os.Create(outPath)
			if err != nil {
				fatalf("failed to create %s: %v", outPath, err)
			}
			defer f.Close()
			w = f
		}
		if err := fixtures.WriteJSONL(w, fixture); err != nil {
			fatalf("%v", err)
		}
		if outPath != "" {
			out.Info("Exported %d records to %s", fixture.Len(), outPath)
		}
	},
}

func init() {
	seedCmd.Flags().Bool("dry-run", false, "Validate without writing")
	exportCmd.Flags().StringP("out", "o", "", "Output file (default stdout)")
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(exportCmd)
}
