package models

import "encoding/json"

// NutritionSummary is the meal-level summary returned by the analysis service
type NutritionSummary struct {
	TotalFoodVolumeML float64 `json:"total_food_volume_ml"`
	TotalMassG        float64 `json:"total_mass_g"`
	TotalCaloriesKcal float64 `json:"total_calories_kcal"`
	NumFoodItems      int     `json:"num_food_items"`
}

// FoodItem is one detected food in an analysis result
type FoodItem struct {
	FoodName      string  `json:"food_name"`
	MassG         float64 `json:"mass_g"`
	TotalCalories float64 `json:"total_calories"`
	ProteinG      float64 `json:"protein_g,omitempty"`
	CarbsG        float64 `json:"carbs_g,omitempty"`
	FatG          float64 `json:"fat_g,omitempty"`
}

// AnalysisResult is the payload of a finished analysis job
type AnalysisResult struct {
	JobID            string            `json:"job_id"`
	Status           string            `json:"status,omitempty"`
	MealName         string            `json:"meal_name,omitempty"`
	NutritionSummary *NutritionSummary `json:"nutrition_summary,omitempty"`
	Items            []FoodItem        `json:"items,omitempty"`
	DetailedResults  json.RawMessage   `json:"detailed_results,omitempty"`
	SegmentedImages  *SegmentedImages  `json:"segmented_images,omitempty"`
}

// Complete reports whether the result carries a nutrition summary
func (r *AnalysisResult) Complete() bool {
	return r != nil && r.NutritionSummary != nil
}

// Normalize fills a missing summary from the items and defaults the meal name
func (r *AnalysisResult) Normalize() {
	if r == nil {
		return
	}
	for i := range r.Items {
		if r.Items[i].FoodName == "" {
			r.Items[i].FoodName = "Unknown Food"
		}
	}
	if r.NutritionSummary == nil && len(r.Items) > 0 {
		var cal, mass float64
		for _, item := range r.Items {
			cal += item.TotalCalories
			mass += item.MassG
		}
		r.NutritionSummary = &NutritionSummary{
			TotalCaloriesKcal: cal,
			TotalMassG:        mass,
			TotalFoodVolumeML: mass,
			NumFoodItems:      len(r.Items),
		}
	}
	if r.NutritionSummary != nil && r.NutritionSummary.NumFoodItems == 0 {
		r.NutritionSummary.NumFoodItems = len(r.Items)
	}
	if r.MealName == "" && r.NutritionSummary != nil {
		r.MealName = "Analyzed Meal"
	}
}

// Nutrition derives entry-level totals. Macros come from the items when the
// service reported them and stay zero otherwise.
func (r *AnalysisResult) Nutrition() NutritionalInfo {
	var info NutritionalInfo
	if r == nil {
		return info
	}
	for _, item := range r.Items {
		info.Protein += item.ProteinG
		info.Carbs += item.CarbsG
		info.Fat += item.FatG
	}
	if r.NutritionSummary != nil {
		info.Calories = r.NutritionSummary.TotalCaloriesKcal
	} else {
		for _, item := range r.Items {
			info.Calories += item.TotalCalories
		}
	}
	return info.Clamp()
}
