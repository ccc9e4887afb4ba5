package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/larderhq/larder/internal/schema"
)

var recipeCmd = &cobra.Command{
	Use:     "recipe",
	GroupID: "data",
	Short:   "Add or remove a household's recipes",
}

var recipeAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a recipe to a household",
	Long: `Add a recipe and list it in the household. The change is applied to the
local cache first and rolled back if the backend rejects it.

Example:
  larder recipe add "Red lentil dal" --household h-1 --servings 4 \
    --ingredient "red lentils=200g" --ingredient "coconut milk=400ml" \
    --step "Rinse the lentils" --step "Simmer 20 minutes" --tag vegan`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		householdUID, _ := cmd.Flags().GetString("household")
		description, _ := cmd.Flags().GetString("description")
		servings, _ := cmd.Flags().GetInt("servings")
		ingredients, _ := cmd.Flags().GetStringArray("ingredient")
		steps, _ := cmd.Flags().GetStringArray("step")
		tags, _ := cmd.Flags().GetStringSlice("tag")

		recipe := schema.Recipe{
			Name:        args[0],
			Description: description,
			Servings:    servings,
			Ingredients: parseIngredients(ingredients),
			Steps:       steps,
			Tags:        tags,
		}

		ctx, cancel := signalContext()
		defer cancel()
		b := openBackend(ctx)
		defer closeOnExit(b)()
		s, closeSession := openHousehold(ctx, b, householdUID)
		defer closeSession()

		change, err := s.AddRecipe(recipe)
		if err != nil {
			fatalf("%v", err)
		}
		if !waitChange(ctx, "add recipe "+recipe.Name+" ("+change.Entity.UID()+")", change) {
			fatalf("recipe was not saved")
		}
	},
}

var recipeRmCmd = &cobra.Command{
	Use:   "rm <uid>",
	Short: "Remove a recipe from a household",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		householdUID, _ := cmd.Flags().GetString("household")

		ctx, cancel := signalContext()
		defer cancel()
		b := openBackend(ctx)
		defer closeOnExit(b)()
		s, closeSession := openHousehold(ctx, b, householdUID)
		defer closeSession()

		change, err := s.RemoveRecipe(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if !waitChange(ctx, "remove recipe "+args[0], change) {
			fatalf("recipe was not removed")
		}
	},
}

// parseIngredients turns "name=quantity" flags into ingredients.
func parseIngredients(specs []string) []schema.Ingredient {
	ingredients := make([]schema.Ingredient, 0, len(specs))
	for _, spec := range specs {
		name, quantity, _ := strings.Cut(spec, "=")
		ingredients = append(ingredients, schema.Ingredient{
			Name:     strings.TrimSpace(name),
			Quantity: strings.TrimSpace(quantity),
		})
	}
	return ingredients
}

func init() {
	for _, c := range []*cobra.Command{recipeAddCmd, recipeRmCmd} {
		c.Flags().String("household", "", "Household uid (required)")
		_ = c.MarkFlagRequired("household")
	}
	recipeAddCmd.Flags().String("description", "", "Short description")
	recipeAddCmd.Flags().Int("servings", 0, "Number of servings")
	recipeAddCmd.Flags().StringArray("ingredient", nil, "Ingredient as name=quantity (repeatable)")
	recipeAddCmd.Flags().StringArray("step", nil, "Preparation step (repeatable)")
	recipeAddCmd.Flags().StringSlice("tag", nil, "Tags (comma-separated or repeatable)")

	recipeCmd.AddCommand(recipeAddCmd)
	recipeCmd.AddCommand(recipeRmCmd)
	rootCmd.AddCommand(recipeCmd)
}
