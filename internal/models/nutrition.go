package models

import "math"

// NutritionalInfo holds the macro totals of an analysed meal
type NutritionalInfo struct {
	Calories float64 `json:"calories"` // kcal
	Protein  float64 `json:"protein"`  // grams
	Carbs    float64 `json:"carbs"`    // grams
	Fat      float64 `json:"fat"`      // grams
}

// IsZero reports whether every value is zero
func (n NutritionalInfo) IsZero() bool {
	return n.Calories == 0 && n.Protein == 0 && n.Carbs == 0 && n.Fat == 0
}

// Clamp replaces negative or non-finite values with zero
func (n NutritionalInfo) Clamp() NutritionalInfo {
	return NutritionalInfo{
		Calories: nonNegative(n.Calories),
		Protein:  nonNegative(n.Protein),
		Carbs:    nonNegative(n.Carbs),
		Fat:      nonNegative(n.Fat),
	}
}

// DishItem is one editable row of a dish breakdown
type DishItem struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Weight   float64 `json:"weight"`   // grams
	Calories float64 `json:"calories"` // kcal
}

// TotalDishCalories sums the calories of all rows
func TotalDishCalories(items []DishItem) float64 {
	var total float64
	for _, item := range items {
		total += nonNegative(item.Calories)
	}
	return math.Round(total*10) / 10
}

func nonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
