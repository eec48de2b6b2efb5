package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/franckalain/ukcal/internal/models"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

const defaultGeminiModel = "gemini-1.5-flash"

const nutritionPrompt = `You are a nutrition expert. Analyze this food image or video and return a detailed nutritional breakdown.

Return ONLY valid JSON with this exact structure (no markdown, no extra text):
{
  "meal_name": "Name of the overall meal or dish",
  "items": [
    {
      "food_name": "Specific food item name",
      "mass_g": 150,
      "total_calories": 320,
      "protein_g": 20,
      "carbs_g": 30,
      "fat_g": 10
    }
  ],
  "nutrition_summary": {
    "total_calories_kcal": 320,
    "total_mass_g": 150,
    "num_food_items": 1,
    "total_food_volume_ml": 150
  }
}

Rules:
- List every distinct food item you can see as a separate entry in "items"
- Use realistic portion weights
- nutrition_summary totals must match the sum of all items
- If you cannot identify food, return an empty items array and zero totals`

// GoogleModel implements the Model interface for Google's Vertex AI
type GoogleModel struct {
	config Config
	client *genai.Client
	model  *genai.GenerativeModel
}

// GoogleModelFactory implements ModelFactory for Google models
type GoogleModelFactory struct {
	config Config
}

// NewGoogleModelFactory creates a new Google model factory
func NewGoogleModelFactory(config Config) *GoogleModelFactory {
	return &GoogleModelFactory{config: config}
}

// CreateModel creates a new Google model instance
func (f *GoogleModelFactory) CreateModel() (Model, error) {
	if f.config.ProjectID == "" || f.config.Location == "" {
		return nil, fmt.Errorf("google model requires project_id and location")
	}
	return &GoogleModel{config: f.config}, nil
}

// Load initializes the Vertex AI client
func (m *GoogleModel) Load(ctx context.Context) error {
	opts := []option.ClientOption{}
	if m.config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(m.config.CredentialsFile))
	}

	client, err := genai.NewClient(ctx, m.config.ProjectID, m.config.Location, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	m.client = client
	m.model = client.GenerativeModel(m.config.Model)
	temperature := float32(0.2)
	m.model.Temperature = &temperature
	return nil
}

// Close releases the Vertex AI client
func (m *GoogleModel) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

// Estimate sends the captured media to Gemini and parses its JSON answer
func (m *GoogleModel) Estimate(ctx context.Context, req EstimateRequest) (*models.AnalysisResult, error) {
	if m.model == nil {
		return nil, fmt.Errorf("model not loaded")
	}
	if len(req.MediaData) == 0 {
		return nil, fmt.Errorf("no media data")
	}

	prompt := nutritionPrompt
	if req.Description != "" {
		prompt += "\n\nThe user described the meal as: " + req.Description
	}

	resp, err := m.model.GenerateContent(ctx, genai.Text(prompt), mediaPart(req))
	if err != nil {
		return nil, fmt.Errorf("failed to call ai: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no response generated")
	}

	candidate := resp.Candidates[0]
	if len(candidate.Content.Parts) == 0 {
		return nil, fmt.Errorf("no content in response")
	}
	text, ok := candidate.Content.Parts[0].(genai.Text)
	if !ok {
		return nil, fmt.Errorf("unexpected response part %T", candidate.Content.Parts[0])
	}

	result, err := ParseEstimate(string(text))
	if err != nil {
		return nil, err
	}
	result.JobID = uuid.New().String()
	result.Status = "completed"
	return result, nil
}

func mediaPart(req EstimateRequest) genai.Part {
	mimeType := req.MimeType
	if mimeType == "" {
		if req.Kind == MediaVideo {
			mimeType = "video/mp4"
		} else {
			mimeType = "image/jpeg"
		}
	}
	return genai.Blob{MIMEType: mimeType, Data: req.MediaData}
}

// ParseEstimate decodes a model answer, tolerating a markdown code fence
func ParseEstimate(text string) (*models.AnalysisResult, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("model returned non-json output: %.200s", text)
	}

	var result models.AnalysisResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}
	result.Normalize()
	if result.NutritionSummary == nil {
		// an empty plate is still an answer
		result.NutritionSummary = &models.NutritionSummary{}
		if result.MealName == "" {
			result.MealName = "Analyzed Meal"
		}
	}
	return &result, nil
}
