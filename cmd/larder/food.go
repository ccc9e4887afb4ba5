package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/larderhq/larder/internal/schema"
)

var foodCmd = &cobra.Command{
	Use:     "food",
	GroupID: "data",
	Short:   "Add or remove a household's food items",
}

var foodAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a food item to a household",
	Long: `Add a food item and list it in the household. --expires accepts dates
such as 2026-11-02, "tomorrow", "next friday" or "in 3 days".

Example:
  larder food add Milk --household h-1 --quantity 2 --unit l --expires "in 5 days"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		householdUID, _ := cmd.Flags().GetString("household")
		quantity, _ := cmd.Flags().GetFloat64("quantity")
		unit, _ := cmd.Flags().GetString("unit")
		barcode, _ := cmd.Flags().GetString("barcode")
		expires, _ := cmd.Flags().GetString("expires")

		item := schema.FoodItem{
			Name:     args[0],
			Quantity: quantity,
			Unit:     unit,
			Barcode:  barcode,
		}
		if expires != "" {
			at, err := schema.ParseExpiry(expires, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			item.ExpiresAt = &at
		}

		ctx, cancel := signalContext()
		defer cancel()
		b := openBackend(ctx)
		defer closeOnExit(b)()
		s, closeSession := openHousehold(ctx, b, householdUID)
		defer closeSession()

		change, err := s.AddFoodItem(item)
		if err != nil {
			fatalf("%v", err)
		}
		if !waitChange(ctx, "add food item "+item.Name+" ("+change.Entity.UID()+")", change) {
			fatalf("food item was not saved")
		}
	},
}

var foodRmCmd = &cobra.Command{
	Use:   "rm <uid>",
	Short: "Remove a food item from a household",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		householdUID, _ := cmd.Flags().GetString("household")

		ctx, cancel := signalContext()
		defer cancel()
		b := openBackend(ctx)
		defer closeOnExit(b)()
		s, closeSession := openHousehold(ctx, b, householdUID)
		defer closeSession()

		change, err := s.RemoveFoodItem(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if !waitChange(ctx, "remove food item "+args[0], change) {
			fatalf("food item was not removed")
		}
	},
}

func init() {
	for _, c := range []*cobra.Command{foodAddCmd, foodRmCmd} {
		c.Flags().String("household", "", "Household uid (required)")
		_ = c.MarkFlagRequired("household")
	}
	foodAddCmd.Flags().Float64("quantity", 0, "Quantity (default 1)")
	foodAddCmd.Flags().String("unit", "", "Unit such as g, kg, l")
	foodAddCmd.Flags().String("barcode", "", "Barcode")
	foodAddCmd.Flags().String("expires", "", "Expiry date, natural language allowed")

	foodCmd.AddCommand(foodAddCmd)
	foodCmd.AddCommand(foodRmCmd)
	rootCmd.AddCommand(foodCmd)
}
