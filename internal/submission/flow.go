package submission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/franckalain/ukcal/internal/analysis"
	"github.com/franckalain/ukcal/internal/database"
	"github.com/franckalain/ukcal/internal/history"
	"github.com/franckalain/ukcal/internal/logger"
	"github.com/franckalain/ukcal/internal/ml"
	"github.com/franckalain/ukcal/internal/models"
)

// Outcome is how a submission ended
type Outcome string

const (
	OutcomeRemote   Outcome = "completed-remote"
	OutcomeFallback Outcome = "completed-fallback"
	OutcomeFailed   Outcome = "failed"
)

// finishTimeout bounds fallback estimation and finalization, which run
// after the analysis deadline may already have passed
const finishTimeout = 30 * time.Second

// Request is one capture to analyze; exactly one of ImageURI and VideoURI is set
type Request struct {
	ImageURI    string `json:"imageUri,omitempty"`
	VideoURI    string `json:"videoUri,omitempty"`
	Description string `json:"description,omitempty"`
	Filename    string `json:"filename,omitempty"`
}

// Notifier is told when a submission produced a usable result
type Notifier interface {
	AnalysisCompleted(email string, entry *models.AnalysisEntry, outcome Outcome)
}

// Options holds the collaborators of a Flow
type Options struct {
	Analyzer analysis.Analyzer
	// Fallback estimates without network when the analyzer fails; nil
	// disables the fallback
	Fallback ml.Model
	Store    database.Store
	Notifier Notifier
	Timeout  time.Duration
	Logger   *logger.Logger
}

// Flow submits captures of one session
type Flow struct {
	history  *history.Store
	analyzer analysis.Analyzer
	fallback ml.Model
	kv       database.Store
	notifier Notifier
	timeout  time.Duration
	log      *logger.Logger
}

// NewFlow creates a submission flow writing to the given history store
func NewFlow(h *history.Store, opts Options) *Flow {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	return &Flow{
		history:  h,
		analyzer: opts.Analyzer,
		fallback: opts.Fallback,
		kv:       opts.Store,
		notifier: opts.Notifier,
		timeout:  opts.Timeout,
		log:      opts.Logger.WithComponent("submission"),
	}
}

// Submit validates the request, stores a pending entry and returns it at
// once. Analysis continues in the background, detached from ctx, and
// reports through the history store and the returned task.
func (f *Flow) Submit(ctx context.Context, email string, req Request) (*models.AnalysisEntry, *Task, error) {
	draft := models.AnalysisEntry{
		ImageURI:         strings.TrimSpace(req.ImageURI),
		VideoURI:         strings.TrimSpace(req.VideoURI),
		TextDescription:  strings.TrimSpace(req.Description),
		AnalysisStatus:   models.StatusAnalyzing,
		AnalysisProgress: 0,
	}
	if err := draft.Validate(); err != nil {
		return nil, nil, err
	}

	entry, err := f.history.AddAnalysis(ctx, email, draft)
	if err != nil {
		return nil, nil, err
	}

	task := newTask(entry.ID)
	email = database.NormalizeEmail(email)
	go f.run(email, entry.Clone(), req, task)
	return entry, task, nil
}

func (f *Flow) run(email string, entry *models.AnalysisEntry, req Request, task *Task) {
	log := f.log.With("email", email, "entry_id", entry.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("submission panicked", "panic", r)
			task.finish(OutcomeFailed, fmt.Errorf("submission panicked: %v", r))
		}
	}()

	result, err := f.analyze(email, entry, req, log)
	outcome := OutcomeRemote
	if err != nil {
		log.Error("analysis failed, trying local estimate", "error", err)
		result, err = f.estimateLocally(entry)
		outcome = OutcomeFallback
	}

	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	var (
		updated   *models.AnalysisEntry
		finishErr error
	)
	if err != nil {
		log.Error("no result available, marking failed", "error", err)
		outcome = OutcomeFailed
		finishErr = f.markFailed(ctx, email, entry.ID)
	} else {
		updated, finishErr = f.finalize(ctx, email, entry.ID, result)
	}
	if finishErr != nil {
		// the entry was deleted or the user storage is unavailable
		log.Warn("could not finalize analysis", "outcome", outcome, "error", finishErr)
	}

	if n, err := f.bumpStreak(ctx, email); err != nil {
		log.Warn("streak update failed", "error", err)
	} else {
		log.Debug("streak updated", "streak", n)
	}

	// the streak is counted before the user hears about the result
	if updated != nil && f.notifier != nil {
		f.notifier.AnalysisCompleted(email, updated, outcome)
	}

	log.Info("submission finished", "outcome", outcome)
	task.finish(outcome, finishErr)
}

func (f *Flow) analyze(email string, entry *models.AnalysisEntry, req Request, log *logger.Logger) (*models.AnalysisResult, error) {
	if f.analyzer == nil {
		return nil, errors.New("no analyzer configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	uri := entry.MediaURI()
	filename := req.Filename
	if filename == "" {
		filename = analysis.GenerateFilename(mediaKind(entry), time.Now())
	}

	onProgress := func(p analysis.Progress) {
		err := f.history.UpdateAnalysisProgress(ctx, email, entry.ID, p.Percent, models.StatusAnalyzing)
		if err != nil {
			log.Debug("progress not recorded", "percent", p.Percent, "error", err)
		}
	}

	result, err := f.analyzer.Analyze(ctx, uri, filename, onProgress)
	if err != nil {
		return nil, err
	}
	if !result.Complete() {
		return nil, analysis.ErrIncompleteResult
	}
	return result, nil
}

func (f *Flow) estimateLocally(entry *models.AnalysisEntry) (*models.AnalysisResult, error) {
	if f.fallback == nil {
		return nil, errors.New("local fallback disabled")
	}
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	result, err := f.fallback.Estimate(ctx, ml.EstimateRequest{
		Kind:        mediaKind(entry),
		Description: entry.TextDescription,
	})
	if err != nil {
		return nil, fmt.Errorf("local estimate: %w", err)
	}
	if !result.Complete() {
		return nil, analysis.ErrIncompleteResult
	}
	return result, nil
}

// mediaKind follows the field the capture was stored in; content URIs
// often carry no extension
func mediaKind(entry *models.AnalysisEntry) ml.MediaKind {
	if entry.IsVideo() {
		return ml.MediaVideo
	}
	return ml.MediaImage
}

func (f *Flow) finalize(ctx context.Context, email, id string, result *models.AnalysisResult) (*models.AnalysisEntry, error) {
	status := models.StatusCompleted
	progress := 100
	available := true
	info := result.Nutrition()
	mealName := result.MealName
	jobID := result.JobID

	dishes := make([]models.DishItem, 0, len(result.Items))
	for _, item := range result.Items {
		dishes = append(dishes, models.DishItem{
			ID:       uuid.New().String(),
			Name:     item.FoodName,
			Weight:   item.MassG,
			Calories: item.TotalCalories,
		})
	}

	patch := history.Patch{
		AnalysisStatus:   &status,
		AnalysisProgress: &progress,
		ResultAvailable:  &available,
		NutritionalInfo:  &info,
		MealName:         &mealName,
		DishContents:     &dishes,
		JobID:            &jobID,
	}
	if !result.SegmentedImages.Empty() {
		patch.SegmentedImages = result.SegmentedImages
	}
	return f.history.UpdateAnalysis(ctx, email, id, patch)
}

func (f *Flow) markFailed(ctx context.Context, email, id string) error {
	status := models.StatusFailed
	available := false
	_, err := f.history.UpdateAnalysis(ctx, email, id, history.Patch{
		AnalysisStatus:  &status,
		ResultAvailable: &available,
	})
	return err
}

func (f *Flow) bumpStreak(ctx context.Context, email string) (int, error) {
	if f.kv == nil {
		return 0, nil
	}
	var n int
	err := f.kv.Update(ctx, database.StreakKey(email), func(current string, ok bool) (string, error) {
		n, _ = strconv.Atoi(strings.TrimSpace(current))
		n++
		return strconv.Itoa(n), nil
	})
	return n, err
}

// Streak returns the submission counter of email
func Streak(ctx context.Context, kv database.Store, email string) (int, error) {
	raw, ok, err := kv.Get(ctx, database.StreakKey(email))
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// SetStreak overwrites the submission counter of email, used by restores
func SetStreak(ctx context.Context, kv database.Store, email string, n int) error {
	if n < 0 {
		n = 0
	}
	return kv.Set(ctx, database.StreakKey(email), strconv.Itoa(n))
}
