package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/larderhq/larder/internal/cache"
	"github.com/larderhq/larder/internal/pantry"
	"github.com/larderhq/larder/internal/schema"
	"github.com/larderhq/larder/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch <household>",
	GroupID: "sync",
	Short:   "Follow a household's recipes and food items live",
	Long: `Open a session on a household and redraw its recipes and food items
whenever the local cache changes, whether from this machine or another
client writing to the same backend.

Example:
  larder watch h-1 --also h-2`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		also, _ := cmd.Flags().GetStringSlice("also")
		householdUID := args[0]

		ctx, cancel := signalContext()
		defer cancel()
		b := openBackend(ctx)
		defer closeOnExit(b)()

		s := pantry.New(b, pantry.Options{
			LogOutput:                logOut,
			WriteTimeout:             cfg.Sync.WriteTimeout,
			ReselectOnDeleteRollback: cfg.Sync.ReselectOnDeleteRollback,
		})
		defer onExit(s.Close)()

		changed := make(chan struct{}, 1)
		signal := func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		}
		defer s.Households.View().Subscribe(func(cache.State[schema.Household]) { signal() })()
		defer s.Recipes.View().Subscribe(func(cache.State[schema.Recipe]) { signal() })()
		defer s.FoodItems.View().Subscribe(func(cache.State[schema.FoodItem]) { signal() })()

		if err := s.Open(ctx, append([]string{householdUID}, also...), householdUID); err != nil {
			fatalf("%v", err)
		}

		// Bursts of snapshots are redrawn at most every 100ms.
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		dirty := true
		for {
			select {
			case <-ctx.Done():
				fmt.Println()
				return
			case <-changed:
				dirty = true
			case <-ticker.C:
				if dirty {
					render(s)
					dirty = false
				}
			}
		}
	},
}

func render(s *pantry.Session) {
	if ui.IsTerminal(os.Stdout) {
		fmt.Print("\033[H\033[2J")
	}
	h, ok := s.Household()
	if !ok {
		out.Warn("Household not available (deleted, or the backend is unreachable)")
		return
	}
	out.Households(s.Households.Snapshot(), h.ID)
	fmt.Println()
	out.Household(h)
	out.Title("Recipes")
	out.Recipes(s.Recipes.Snapshot())
	out.Title("Food items")
	out.FoodItems(s.FoodItems.Snapshot(), time.Now())

	pending := s.Households.Pending() + s.Recipes.Pending() + s.FoodItems.Pending()
	if pending > 0 {
		out.Warn("%d changes waiting for the backend", pending)
	}
	fmt.Printf("\nUpdated %s. Press Ctrl+C to stop.\n", time.Now().Format("15:04:05"))
}

func init() {
	watchCmd.Flags().StringSlice("also", nil, "Other household uids to keep in sync")
	rootCmd.AddCommand(watchCmd)
}
