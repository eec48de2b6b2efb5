package ml

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/franckalain/ukcal/internal/models"
)

// food is one entry of the built-in reference table, values per 100 g
type food struct {
	name     string
	keywords []string
	kcal     float64
	protein  float64
	carbs    float64
	fat      float64
	portionG float64
}

var foodTable = []food{
	{"Rice", []string{"rice", "risotto", "pilaf"}, 130, 2.7, 28, 0.3, 200},
	{"Chips", []string{"chips", "fries"}, 312, 3.4, 41, 15, 150},
	{"Fish", []string{"fish", "cod", "haddock", "salmon"}, 206, 22, 0, 12, 150},
	{"Chicken", []string{"chicken"}, 239, 27, 0, 14, 150},
	{"Beef", []string{"beef", "steak", "burger"}, 250, 26, 0, 15, 150},
	{"Pork", []string{"pork", "bacon", "ham", "sausage"}, 242, 27, 0, 14, 120},
	{"Egg", []string{"egg", "omelette"}, 155, 13, 1.1, 11, 60},
	{"Bread", []string{"bread", "toast", "sandwich", "bun"}, 265, 9, 49, 3.2, 80},
	{"Pasta", []string{"pasta", "spaghetti", "noodle", "noodles", "ramen"}, 158, 5.8, 31, 0.9, 220},
	{"Curry sauce", []string{"curry"}, 110, 2, 10, 7, 150},
	{"Salad", []string{"salad", "lettuce", "greens"}, 20, 1.4, 3.3, 0.2, 100},
	{"Vegetables", []string{"vegetable", "vegetables", "veg", "broccoli", "carrot", "peas"}, 50, 2.5, 9, 0.4, 100},
	{"Potato", []string{"potato", "mash", "jacket"}, 93, 2.5, 21, 0.1, 200},
	{"Pizza", []string{"pizza"}, 266, 11, 33, 10, 250},
	{"Cheese", []string{"cheese"}, 402, 25, 1.3, 33, 40},
	{"Soup", []string{"soup", "broth"}, 40, 2, 5, 1.5, 300},
	{"Cake", []string{"cake", "brownie", "muffin", "pastry"}, 371, 5, 53, 16, 100},
	{"Fruit", []string{"fruit", "apple", "banana", "berries"}, 60, 0.8, 15, 0.2, 150},
	{"Tofu", []string{"tofu"}, 76, 8, 1.9, 4.8, 150},
	{"Beans", []string{"beans", "lentils", "dal", "chickpeas"}, 120, 8, 20, 0.5, 150},
}

// generic portions when nothing in the description is recognised
var (
	genericImageMeal = food{"Mixed meal", nil, 150, 7, 18, 6, 350}
	genericVideoMeal = food{"Mixed meal", nil, 150, 7, 18, 6, 450}
)

var wordPattern = regexp.MustCompile(`[a-z]+`)

// LocalModel is a deterministic, network-free estimator. It matches words
// of the description against a reference table; the same request always
// produces the same result.
type LocalModel struct{}

// LocalModelFactory implements ModelFactory for local models
type LocalModelFactory struct{}

// NewLocalModelFactory creates a new local model factory
func NewLocalModelFactory() *LocalModelFactory {
	return &LocalModelFactory{}
}

// CreateModel creates a new local model instance
func (f *LocalModelFactory) CreateModel() (Model, error) {
	return &LocalModel{}, nil
}

// NewLocalModel returns a ready-to-use local model
func NewLocalModel() *LocalModel {
	return &LocalModel{}
}

// Load is a no-op; the reference table is compiled in
func (m *LocalModel) Load(ctx context.Context) error {
	return nil
}

// Estimate builds a result from the description
func (m *LocalModel) Estimate(ctx context.Context, req EstimateRequest) (*models.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matched := matchFoods(req.Description)
	if len(matched) == 0 {
		if req.Kind == MediaVideo {
			matched = []food{genericVideoMeal}
		} else {
			matched = []food{genericImageMeal}
		}
	}

	result := &models.AnalysisResult{
		JobID:    localJobID(req),
		Status:   "completed",
		MealName: mealName(matched),
	}
	for _, f := range matched {
		factor := f.portionG / 100
		result.Items = append(result.Items, models.FoodItem{
			FoodName:      f.name,
			MassG:         f.portionG,
			TotalCalories: round1(f.kcal * factor),
			ProteinG:      round1(f.protein * factor),
			CarbsG:        round1(f.carbs * factor),
			FatG:          round1(f.fat * factor),
		})
	}
	result.Normalize()
	result.NutritionSummary.TotalCaloriesKcal = round1(result.NutritionSummary.TotalCaloriesKcal)
	return result, nil
}

func matchFoods(description string) []food {
	words := map[string]bool{}
	for _, w := range wordPattern.FindAllString(strings.ToLower(description), -1) {
		words[w] = true
	}

	var matched []food
	for _, f := range foodTable {
		for _, kw := range f.keywords {
			if words[kw] {
				matched = append(matched, f)
				break
			}
		}
	}
	return matched
}

func mealName(foods []food) string {
	if len(foods) == 1 {
		return foods[0].name
	}
	names := make([]string, 0, len(foods))
	for _, f := range foods {
		names = append(names, f.name)
	}
	sort.Strings(names)
	if len(names) > 3 {
		names = names[:3]
	}
	return strings.Join(names, " & ")
}

func localJobID(req EstimateRequest) string {
	sum := sha256.Sum256([]byte(string(req.Kind) + "|" + strings.ToLower(strings.TrimSpace(req.Description))))
	return "local-" + hex.EncodeToString(sum[:8])
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
