package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidMedia    = errors.New("exactly one of imageUri or videoUri is required")
	ErrInvalidFeedback = errors.New("invalid feedback")
)

// AnalysisStatus is the lifecycle state of an analysis entry
type AnalysisStatus string

const (
	StatusAnalyzing AnalysisStatus = "analyzing"
	StatusCompleted AnalysisStatus = "completed"
	StatusFailed    AnalysisStatus = "failed"
)

// Valid reports whether s is one of the known statuses
func (s AnalysisStatus) Valid() bool {
	switch s {
	case StatusAnalyzing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// SegmentedImage is one overlay or mask produced by the analysis service.
// URLs are presigned and expire; Key stays valid.
type SegmentedImage struct {
	Frame    string `json:"frame"`
	URL      string `json:"url"`
	Key      string `json:"key,omitempty"`
	Type     string `json:"type,omitempty"`
	ObjectID string `json:"object_id,omitempty"`
}

// SegmentedImages groups overlay and mask assets of a job
type SegmentedImages struct {
	OverlayURLs []SegmentedImage `json:"overlay_urls,omitempty"`
	MaskURLs    []SegmentedImage `json:"mask_urls,omitempty"`
}

// Empty reports whether there is nothing to display
func (s *SegmentedImages) Empty() bool {
	return s == nil || (len(s.OverlayURLs) == 0 && len(s.MaskURLs) == 0)
}

// Ratings are the five study feedback dimensions, each 1 to 5
type Ratings struct {
	Accuracy    int `json:"accuracy"`
	PortionSize int `json:"portionSize"`
	EaseOfUse   int `json:"easeOfUse"`
	Speed       int `json:"speed"`
	Overall     int `json:"overall"`
}

// Feedback is attached to an entry after the analysis completed
type Feedback struct {
	Ratings   Ratings   `json:"ratings"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp Timestamp `json:"timestamp"`
}

// Validate checks that every rating is within 1..5
func (f *Feedback) Validate() error {
	fields := []struct {
		name  string
		value int
	}{
		{"accuracy", f.Ratings.Accuracy},
		{"portionSize", f.Ratings.PortionSize},
		{"easeOfUse", f.Ratings.EaseOfUse},
		{"speed", f.Ratings.Speed},
		{"overall", f.Ratings.Overall},
	}
	for _, field := range fields {
		if field.value < 1 || field.value > 5 {
			return fmt.Errorf("%w: rating %s must be between 1 and 5, got %d", ErrInvalidFeedback, field.name, field.value)
		}
	}
	return nil
}

// AnalysisEntry is one submitted photo or video and its, possibly pending, result
type AnalysisEntry struct {
	ID               string           `json:"id"`
	ImageURI         string           `json:"imageUri,omitempty"`
	VideoURI         string           `json:"videoUri,omitempty"`
	TextDescription  string           `json:"textDescription,omitempty"`
	AnalysisStatus   AnalysisStatus   `json:"analysisStatus"`
	AnalysisProgress int              `json:"analysisProgress"`
	ResultAvailable  bool             `json:"resultAvailable"`
	NutritionalInfo  NutritionalInfo  `json:"nutritionalInfo"`
	MealName         string           `json:"mealName,omitempty"`
	DishContents     []DishItem       `json:"dishContents,omitempty"`
	SegmentedImages  *SegmentedImages `json:"segmented_images,omitempty"`
	JobID            string           `json:"job_id,omitempty"`
	Feedback         *Feedback        `json:"feedback,omitempty"`
	Timestamp        Timestamp        `json:"timestamp"`
}

// Validate checks the media invariant
func (e *AnalysisEntry) Validate() error {
	hasImage := strings.TrimSpace(e.ImageURI) != ""
	hasVideo := strings.TrimSpace(e.VideoURI) != ""
	if hasImage == hasVideo {
		return ErrInvalidMedia
	}
	return nil
}

// MediaURI returns whichever media reference is set
func (e *AnalysisEntry) MediaURI() string {
	if e.ImageURI != "" {
		return e.ImageURI
	}
	return e.VideoURI
}

// IsVideo reports whether the entry references a video
func (e *AnalysisEntry) IsVideo() bool {
	return e.VideoURI != "" && e.ImageURI == ""
}

// IsPending reports whether the entry has no usable result yet
func (e *AnalysisEntry) IsPending() bool {
	if e.AnalysisStatus == StatusFailed {
		return false
	}
	return e.AnalysisStatus == StatusAnalyzing || !e.ResultAvailable
}

// Clone returns a deep copy
func (e *AnalysisEntry) Clone() *AnalysisEntry {
	c := *e
	if e.DishContents != nil {
		c.DishContents = append([]DishItem(nil), e.DishContents...)
	}
	if e.SegmentedImages != nil {
		s := SegmentedImages{
			OverlayURLs: append([]SegmentedImage(nil), e.SegmentedImages.OverlayURLs...),
			MaskURLs:    append([]SegmentedImage(nil), e.SegmentedImages.MaskURLs...),
		}
		c.SegmentedImages = &s
	}
	if e.Feedback != nil {
		f := *e.Feedback
		c.Feedback = &f
	}
	return &c
}

// UnmarshalJSON fills ResultAvailable for records written before the field
// existed: a completed record counts as having a result when it carries a
// meal name or a non-zero calorie count.
func (e *AnalysisEntry) UnmarshalJSON(data []byte) error {
	type plain AnalysisEntry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	var probe struct {
		ResultAvailable *bool `json:"resultAvailable"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	*e = AnalysisEntry(p)
	if probe.ResultAvailable == nil {
		e.ResultAvailable = e.AnalysisStatus == StatusCompleted &&
			(e.MealName != "" || e.NutritionalInfo.Calories > 0)
	}
	if !e.AnalysisStatus.Valid() {
		e.AnalysisStatus = StatusFailed
	}
	return nil
}
