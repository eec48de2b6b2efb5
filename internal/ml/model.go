package ml

import (
	"context"
	"fmt"

	"github.com/franckalain/ukcal/internal/models"
)

// MediaKind distinguishes photos from videos
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// EstimateRequest is the input of one estimation
type EstimateRequest struct {
	MediaData   []byte
	MimeType    string
	Kind        MediaKind
	Description string
}

// Model estimates nutrition for a captured meal
type Model interface {
	// Load initializes the model with its configuration
	Load(ctx context.Context) error
	// Estimate returns an analysis result for the request
	Estimate(ctx context.Context, req EstimateRequest) (*models.AnalysisResult, error)
}

// ModelFactory creates a new model instance based on configuration
type ModelFactory interface {
	CreateModel() (Model, error)
}

// NewModel creates a new model instance based on the model type
func NewModel(config Config) (Model, error) {
	var factory ModelFactory

	switch config.Type {
	case "google":
		factory = NewGoogleModelFactory(config.withEnv())
	case "local", "":
		factory = NewLocalModelFactory()
	default:
		return nil, fmt.Errorf("unsupported model type: %s", config.Type)
	}
	return factory.CreateModel()
}
