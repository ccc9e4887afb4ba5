package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/larderhq/larder/internal/loadtest"
	"github.com/larderhq/larder/internal/logging"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Measure optimistic apply and remote commit latency",
	Long: `Run concurrent workers that add, update and delete recipes through one
repository against the configured backend, then read the surviving recipes
back to verify the backend agrees with what the workers observed.

Examples:
  larder bench --backend memory
  larder bench --workers 64 --ops 100 --json`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		workers, _ := cmd.Flags().GetInt("workers")
		ops, _ := cmd.Flags().GetInt("ops")
		updates, _ := cmd.Flags().GetFloat64("updates")
		deletes, _ := cmd.Flags().GetFloat64("deletes")
		seed, _ := cmd.Flags().GetInt64("seed")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		ctx, cancel := signalContext()
		defer cancel()
		b := openBackend(ctx)
		defer closeOnExit(b)()

		opts := loadtest.DefaultConfig()
		opts.Workers = workers
		opts.OpsPerWorker = ops
		opts.UpdateRatio = updates
		opts.DeleteRatio = deletes
		opts.Seed = seed
		opts.Logger = logging.New(logOut, "bench")

		if !jsonOutput {
			out.Title("Running %d workers x %d ops against %s", workers, ops, backendName())
		}
		result, err := loadtest.Run(ctx, b, opts)
		if err != nil {
			fatalf("load test failed: %v", err)
		}

		if jsonOutput {
			printJSON(result)
		} else {
			result.Print(os.Stdout)
		}
		if !result.Verified {
			fatalf("backend returned %d of %d expected recipes", result.Found, result.Expected)
		}
	},
}

func init() {
	benchCmd.Flags().Int("workers", 16, "Number of concurrent workers")
	benchCmd.Flags().Int("ops", 50, "Operations per worker")
	benchCmd.Flags().Float64("updates", 0.3, "Share of operations that update (0.0-1.0)")
	benchCmd.Flags().Float64("deletes", 0.1, "Share of operations that delete (0.0-1.0)")
	benchCmd.Flags().Int64("seed", 42, "Random seed for the operation mix")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchCmd)
}
