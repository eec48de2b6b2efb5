package analysis

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/franckalain/ukcal/internal/models"
)

const defaultCacheSize = 128

// ResultsCache keeps recently fetched results by job id
type ResultsCache struct {
	lru *lru.Cache[string, *models.AnalysisResult]
}

// NewResultsCache creates a cache holding up to size results
func NewResultsCache(size int) (*ResultsCache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	c, err := lru.New[string, *models.AnalysisResult](size)
	if err != nil {
		return nil, fmt.Errorf("create results cache: %w", err)
	}
	return &ResultsCache{lru: c}, nil
}

func (c *ResultsCache) Get(jobID string) (*models.AnalysisResult, bool) {
	return c.lru.Get(jobID)
}

func (c *ResultsCache) Add(jobID string, result *models.AnalysisResult) {
	c.lru.Add(jobID, result)
}

func (c *ResultsCache) Len() int {
	return c.lru.Len()
}
