package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/larderhq/larder/internal/docstore"
	"github.com/larderhq/larder/internal/schema"
)

var listCmd = &cobra.Command{
	Use:     "list <collection> [uid...]",
	GroupID: "data",
	Short:   "List records of a collection",
	Long: `List households, recipes or food_items straight from the backend.
With uids only those records are fetched.

Examples:
  larder list households
  larder list recipes r-1 r-2 --json`,
	Args:      cobra.MinimumNArgs(1),
	ValidArgs: schema.Collections,
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		collection, uids := args[0], args[1:]
		if !schema.IsCollection(collection) {
			fatalf("unknown collection %q (want one of %v)", collection, schema.Collections)
		}

		ctx, cancel := signalContext()
		defer cancel()
		b := openBackend(ctx)
		defer closeOnExit(b)()

		switch collection {
		case schema.CollectionHouseholds:
			hs := fetch[schema.Household](ctx, b, collection, uids)
			if !jsonOutput {
				out.Households(hs, "")
				return
			}
			printJSON(hs)
		case schema.CollectionRecipes:
			rs := fetch[schema.Recipe](ctx, b, collection, uids)
			if !jsonOutput {
				out.Recipes(rs)
				return
			}
			printJSON(rs)
		case schema.CollectionFoodItems:
			fs := fetch[schema.FoodItem](ctx, b, collection, uids)
			if !jsonOutput {
				out.FoodItems(fs, time.Now())
				return
			}
			printJSON(fs)
		}
	},
}

func fetch[E schema.Entity](ctx context.Context, b docstore.Backend, collection string, uids []string) []E {
	c := docstore.NewCollection[E](b, collection)
	var (
		entities []E
		err      error
	)
	if len(uids) == 0 {
		entities, err = c.List(ctx)
	} else {
		entities, err = c.FetchMany(ctx, uids)
	}
	if err != nil {
		fatalf("failed to list %s: %v", collection, err)
	}
	return entities
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("failed to encode output: %v", err)
	}
}

func init() {
	listCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(listCmd)
}
