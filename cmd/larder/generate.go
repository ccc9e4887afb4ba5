package main

import (
	"github.com/spf13/cobra"

	"github.com/larderhq/larder/internal/generator"
	"github.com/larderhq/larder/internal/logging"
	"github.com/larderhq/larder/internal/pantry"
	"github.com/larderhq/larder/internal/schema"
)

var generateCmd = &cobra.Command{
	Use:     "generate",
	GroupID: "data",
	Short:   "Draft a recipe from ingredients with Claude",
	Long: `Ask Claude for a recipe. With --household the pantry's food items are used
as ingredients unless --ingredient is given, and --save adds the recipe to
the household.

The API key is read from generator.api_key or ANTHROPIC_API_KEY.

Examples:
  larder generate --ingredient rice --ingredient eggs --servings 2
  larder generate --household h-1 --save`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		householdUID, _ := cmd.Flags().GetString("household")
		ingredients, _ := cmd.Flags().GetStringArray("ingredient")
		servings, _ := cmd.Flags().GetInt("servings")
		notes, _ := cmd.Flags().GetString("notes")
		save, _ := cmd.Flags().GetBool("save")
		if save && householdUID == "" {
			fatalf("--save requires --household")
		}

		ctx, cancel := signalContext()
		defer cancel()

		gen := generator.New(generator.Options{
			APIKey:    cfg.Generator.APIKey,
			Model:     cfg.Generator.Model,
			MaxTokens: cfg.Generator.MaxTokens,
			Logger:    logging.New(logOut, "generator"),
		})
		req := generator.Request{Ingredients: ingredients, Servings: servings, Notes: notes}

		var s *pantry.Session
		if householdUID != "" {
			b := openBackend(ctx)
			defer closeOnExit(b)()
			var closeSession func()
			s, closeSession = openHousehold(ctx, b, householdUID)
			defer closeSession()

			if len(req.Ingredients) == 0 {
				for _, f := range s.FoodItems.Snapshot() {
					req.Ingredients = append(req.Ingredients, f.Name)
				}
			}
		}

		recipe, err := gen.Generate(ctx, req)
		if err != nil {
			fatalf("%v", err)
		}
		printRecipe(recipe)

		if !save {
			return
		}
		change, err := s.AddRecipe(recipe)
		if err != nil {
			fatalf("%v", err)
		}
		if !waitChange(ctx, "save recipe "+recipe.Name+" ("+change.Entity.UID()+")", change) {
			fatalf("recipe was not saved")
		}
	},
}

func printRecipe(r schema.Recipe) {
	out.Title("%s", r.Name)
	if r.Description != "" {
		out.Info("%s", r.Description)
	}
	out.Info("Serves %d", r.Servings)
	for _, ing := range r.Ingredients {
		out.Info("  - %s %s", ing.Quantity, ing.Name)
	}
	for i, step := range r.Steps {
		out.Info("%2d. %s", i+1, step)
	}
}

func init() {
	generateCmd.Flags().String("household", "", "Household whose pantry supplies the ingredients")
	generateCmd.Flags().StringArray("ingredient", nil, "Ingredient to use (repeatable)")
	generateCmd.Flags().Int("servings", 0, "Number of servings")
	generateCmd.Flags().String("notes", "", "Extra instructions, e.g. dietary needs")
	generateCmd.Flags().Bool("save", false, "Add the generated recipe to the household")
	generateCmd.Flags().String("model", "", "Model name (default from generator.model)")
	rootCmd.AddCommand(generateCmd)
}
