package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/franckalain/ukcal/internal/ml"
	"github.com/franckalain/ukcal/internal/models"
)

var ErrResultNotFound = errors.New("no result for job")

// ResultsFetcher re-fetches results of a finished job by id
type ResultsFetcher interface {
	GetResults(ctx context.Context, jobID string, forceRefresh bool) (*models.AnalysisResult, error)
}

// ModelAnalyzer runs estimations in-process with an ml.Model instead of the
// remote service
type ModelAnalyzer struct {
	model ml.Model
	cache *ResultsCache
}

// NewModelAnalyzer adapts model to the Analyzer interface
func NewModelAnalyzer(model ml.Model, cacheSize int) (*ModelAnalyzer, error) {
	cache, err := NewResultsCache(cacheSize)
	if err != nil {
		return nil, err
	}
	return &ModelAnalyzer{model: model, cache: cache}, nil
}

func (a *ModelAnalyzer) Analyze(ctx context.Context, mediaURI, filename string, onProgress ProgressFunc) (*models.AnalysisResult, error) {
	report(onProgress, NewProgress(PhasePreparing))
	data, err := os.ReadFile(LocalPath(mediaURI))
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}

	report(onProgress, NewProgress(PhaseProcessing))
	result, err := a.model.Estimate(ctx, ml.EstimateRequest{
		MediaData: data,
		MimeType:  ContentTypeFor(filename),
		Kind:      kindOf(filename, mediaURI),
	})
	if err != nil {
		return nil, err
	}
	if !result.Complete() {
		return nil, ErrIncompleteResult
	}

	a.cache.Add(result.JobID, result)
	report(onProgress, NewProgress(PhaseComplete))
	return result, nil
}

// GetResults returns a result produced earlier by this analyzer. Local
// results carry no expiring URLs, so forceRefresh has nothing to renew.
func (a *ModelAnalyzer) GetResults(ctx context.Context, jobID string, forceRefresh bool) (*models.AnalysisResult, error) {
	if result, ok := a.cache.Get(jobID); ok {
		return result, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrResultNotFound, jobID)
}

// kindOf prefers the upload filename, which callers derive from the kind
// of capture, over the media URI
func kindOf(filename, mediaURI string) ml.MediaKind {
	if filename != "" {
		return MediaKindFor(filename)
	}
	return MediaKindFor(mediaURI)
}
