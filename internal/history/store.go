package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/franckalain/ukcal/internal/database"
	"github.com/franckalain/ukcal/internal/logger"
	"github.com/franckalain/ukcal/internal/models"
)

var (
	ErrEntryNotFound     = errors.New("analysis entry not found")
	ErrNotLoaded         = errors.New("history not loaded for this user")
	ErrStaleLoad         = errors.New("history load superseded")
	ErrNoUser            = errors.New("user email is required")
	ErrInvalidTransition = errors.New("invalid analysis status transition")
)

// Patch lists the fields an update changes; nil fields are left alone
type Patch struct {
	TextDescription  *string
	AnalysisStatus   *models.AnalysisStatus
	AnalysisProgress *int
	ResultAvailable  *bool
	NutritionalInfo  *models.NutritionalInfo
	MealName         *string
	DishContents     *[]models.DishItem
	SegmentedImages  *models.SegmentedImages
	JobID            *string
	Feedback         *models.Feedback
}

// Store is the history of one session. It mirrors the signed-in user's
// entries in memory and persists every mutation to the local store under
// the owner's key. Mutations name their owner explicitly; entries of any
// other user than the loaded one are written to storage only.
type Store struct {
	db  database.Store
	bus *Bus
	log *logger.Logger

	// ioMu serializes persisted mutations and loads of this session so a
	// load never interleaves with a read-modify-write of the same list
	ioMu sync.Mutex

	mu      sync.Mutex
	email   string
	loaded  bool
	gen     uint64
	entries []*models.AnalysisEntry // newest first
	dirty   map[string]bool         // ids with progress not yet persisted
}

// NewStore creates an empty, unloaded history store
func NewStore(db database.Store, bus *Bus, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	if bus == nil {
		bus = NewBus()
	}
	return &Store{
		db:    db,
		bus:   bus,
		log:   log.WithComponent("history"),
		dirty: make(map[string]bool),
	}
}

// Bus returns the bus the store publishes on
func (s *Store) Bus() *Bus {
	return s.bus
}

// CurrentUser returns the email whose history is loaded or loading
func (s *Store) CurrentUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.email
}

// AddAnalysis assigns an id to entry, stores it as the newest entry of the
// user and returns the stored copy
func (s *Store) AddAnalysis(ctx context.Context, email string, entry models.AnalysisEntry) (*models.AnalysisEntry, error) {
	email = database.NormalizeEmail(email)
	if email == "" {
		return nil, ErrNoUser
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	e := entry.Clone()
	e.ID = uuid.New().String()
	if e.AnalysisStatus == "" {
		e.AnalysisStatus = models.StatusAnalyzing
	}
	if !e.AnalysisStatus.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, e.AnalysisStatus)
	}
	e.AnalysisProgress = clampProgress(e.AnalysisProgress)
	if e.AnalysisStatus == models.StatusCompleted {
		e.AnalysisProgress = 100
	}
	e.NutritionalInfo = e.NutritionalInfo.Clamp()
	if e.Timestamp.IsZero() {
		e.Timestamp = models.NewTimestamp(time.Now())
	}

	s.ioMu.Lock()
	err := s.mutate(ctx, email, func(list []*models.AnalysisEntry) ([]*models.AnalysisEntry, error) {
		return append([]*models.AnalysisEntry{e}, list...), nil
	})
	if err == nil {
		s.mu.Lock()
		if s.isCurrent(email) {
			s.entries = upsertFront(s.entries, e.Clone())
		}
		s.mu.Unlock()
	}
	s.ioMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("add analysis: %w", err)
	}

	s.log.Debug("analysis added", "email", email, "entry_id", e.ID)
	s.publish(EventAdded, email, e)
	return e.Clone(), nil
}

// UpdateAnalysis merges patch into the entry. It fails with
// ErrEntryNotFound when the entry no longer exists for that user and then
// leaves every other entry untouched.
func (s *Store) UpdateAnalysis(ctx context.Context, email, id string, patch Patch) (*models.AnalysisEntry, error) {
	email = database.NormalizeEmail(email)
	if email == "" {
		return nil, ErrNoUser
	}
	if patch.Feedback != nil {
		if err := patch.Feedback.Validate(); err != nil {
			return nil, err
		}
	}
	if patch.AnalysisStatus != nil && !patch.AnalysisStatus.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, *patch.AnalysisStatus)
	}

	var updated *models.AnalysisEntry
	s.ioMu.Lock()
	err := s.mutate(ctx, email, func(list []*models.AnalysisEntry) ([]*models.AnalysisEntry, error) {
		i := indexOf(list, id)
		if i < 0 {
			return nil, ErrEntryNotFound
		}
		e := list[i]
		// carry unflushed progress ticks so the write never regresses them
		if mem := s.memoryProgress(email, id); mem > e.AnalysisProgress && e.AnalysisStatus == models.StatusAnalyzing {
			e.AnalysisProgress = mem
		}
		if err := applyPatch(e, patch); err != nil {
			return nil, err
		}
		updated = e.Clone()
		return list, nil
	})
	if err == nil {
		s.mu.Lock()
		if s.isCurrent(email) {
			if i := indexOf(s.entries, id); i >= 0 {
				s.entries[i] = updated.Clone()
			}
			if updated.AnalysisStatus != models.StatusAnalyzing {
				delete(s.dirty, id)
			}
		}
		s.mu.Unlock()
	}
	s.ioMu.Unlock()

	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, fmt.Errorf("update %s: %w", id, err)
		}
		return nil, fmt.Errorf("update analysis: %w", err)
	}

	s.log.Debug("analysis updated", "email", email, "entry_id", id, "status", updated.AnalysisStatus)
	s.publish(EventUpdated, email, updated)
	return updated, nil
}

// UpdateAnalysisProgress records a progress tick for the loaded user. Ticks
// stay in memory until the next Flush; progress never decreases. Any status
// other than analyzing is a real transition and is persisted immediately.
func (s *Store) UpdateAnalysisProgress(ctx context.Context, email, id string, progress int, status models.AnalysisStatus) error {
	if status != "" && status != models.StatusAnalyzing {
		p := Patch{AnalysisStatus: &status, AnalysisProgress: &progress}
		_, err := s.UpdateAnalysis(ctx, email, id, p)
		return err
	}

	email = database.NormalizeEmail(email)
	s.mu.Lock()
	if !s.isCurrent(email) {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	i := indexOf(s.entries, id)
	if i < 0 {
		s.mu.Unlock()
		return ErrEntryNotFound
	}
	e := s.entries[i]
	progress = clampProgress(progress)
	if e.AnalysisStatus != models.StatusAnalyzing || progress <= e.AnalysisProgress {
		s.mu.Unlock()
		return nil
	}
	e.AnalysisProgress = progress
	s.dirty[id] = true
	snapshot := e.Clone()
	s.mu.Unlock()

	s.publish(EventProgress, email, snapshot)
	return nil
}

// DeleteAnalysis removes the entry from memory and storage. Deleting an
// unknown id is a no-op.
func (s *Store) DeleteAnalysis(ctx context.Context, email, id string) error {
	email = database.NormalizeEmail(email)
	if email == "" {
		return ErrNoUser
	}

	found := false
	s.ioMu.Lock()
	err := s.mutate(ctx, email, func(list []*models.AnalysisEntry) ([]*models.AnalysisEntry, error) {
		i := indexOf(list, id)
		if i < 0 {
			return list, nil
		}
		found = true
		return append(list[:i], list[i+1:]...), nil
	})
	if err == nil {
		s.mu.Lock()
		if s.isCurrent(email) {
			if i := indexOf(s.entries, id); i >= 0 {
				s.entries = append(s.entries[:i], s.entries[i+1:]...)
				found = true
			}
			delete(s.dirty, id)
		}
		s.mu.Unlock()
	}
	s.ioMu.Unlock()

	if err != nil {
		return fmt.Errorf("delete analysis: %w", err)
	}
	if !found {
		s.log.Warn("delete of unknown analysis", "email", email, "entry_id", id)
		return nil
	}

	s.log.Info("analysis deleted", "email", email, "entry_id", id)
	s.bus.Publish(Event{Type: EventDeleted, Email: email, EntryID: id})
	return nil
}

// LoadHistory clears memory and replaces it with the user's stored
// entries. A load overtaken by ClearHistoryLocal or another load returns
// ErrStaleLoad and leaves memory alone.
func (s *Store) LoadHistory(ctx context.Context, email string) ([]*models.AnalysisEntry, error) {
	email = database.NormalizeEmail(email)
	if email == "" {
		return nil, ErrNoUser
	}

	if err := s.Flush(ctx); err != nil {
		s.log.Warn("flush before load failed", "error", err)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.email = email
	s.loaded = false
	s.entries = nil
	s.dirty = make(map[string]bool)
	s.mu.Unlock()

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	raw, ok, err := s.db.Get(ctx, database.HistoryKey(email))
	if err != nil {
		s.log.Error("history read failed, starting empty", "email", email, "error", err)
		ok = false
	}
	var entries []*models.AnalysisEntry
	if ok {
		entries = s.decode(email, raw)
	}
	sortNewestFirst(entries)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		s.log.Debug("discarding stale history load", "email", email)
		return nil, ErrStaleLoad
	}
	s.entries = entries
	s.loaded = true
	s.log.Info("history loaded", "email", email, "entries", len(entries))
	return cloneAll(entries), nil
}

// ClearHistoryLocal evicts every entry from memory without touching
// storage and invalidates any load still in flight
func (s *Store) ClearHistoryLocal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.email = ""
	s.loaded = false
	s.entries = nil
	s.dirty = make(map[string]bool)
}

// Entries returns the loaded entries of email, newest first
func (s *Store) Entries(email string) ([]*models.AnalysisEntry, error) {
	email = database.NormalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isCurrent(email) {
		return nil, ErrNotLoaded
	}
	return cloneAll(s.entries), nil
}

// Get returns one loaded entry
func (s *Store) Get(email, id string) (*models.AnalysisEntry, error) {
	email = database.NormalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isCurrent(email) {
		return nil, ErrNotLoaded
	}
	if i := indexOf(s.entries, id); i >= 0 {
		return s.entries[i].Clone(), nil
	}
	return nil, ErrEntryNotFound
}

// Flush persists progress ticks recorded since the last flush
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.loaded || len(s.dirty) == 0 {
		s.mu.Unlock()
		return nil
	}
	email := s.email
	ticks := make(map[string]int, len(s.dirty))
	for id := range s.dirty {
		if i := indexOf(s.entries, id); i >= 0 {
			ticks[id] = s.entries[i].AnalysisProgress
		}
	}
	s.mu.Unlock()

	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	err := s.mutate(ctx, email, func(list []*models.AnalysisEntry) ([]*models.AnalysisEntry, error) {
		for _, e := range list {
			if p, ok := ticks[e.ID]; ok && e.AnalysisStatus == models.StatusAnalyzing && p > e.AnalysisProgress {
				e.AnalysisProgress = p
			}
		}
		return list, nil
	})
	if err != nil {
		return fmt.Errorf("flush progress: %w", err)
	}

	s.mu.Lock()
	if s.email == email {
		for id, p := range ticks {
			if i := indexOf(s.entries, id); i < 0 || s.entries[i].AnalysisProgress <= p {
				delete(s.dirty, id)
			}
		}
	}
	s.mu.Unlock()
	s.log.Debug("progress flushed", "email", email, "entries", len(ticks))
	return nil
}

// StartFlusher flushes progress every interval until ctx is done, then
// flushes once more. The returned channel is closed when it has stopped.
func (s *Store) StartFlusher(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := s.Flush(flushCtx); err != nil {
					s.log.Warn("final progress flush failed", "error", err)
				}
				cancel()
				return
			case <-ticker.C:
				if err := s.Flush(ctx); err != nil {
					s.log.Warn("progress flush failed", "error", err)
				}
			}
		}
	}()
	return done
}

// ReplaceStored overwrites the stored list of email, used by restores. The
// memory mirror is reloaded when email is the loaded user.
func (s *Store) ReplaceStored(ctx context.Context, email string, entries []*models.AnalysisEntry) error {
	email = database.NormalizeEmail(email)
	if email == "" {
		return ErrNoUser
	}
	s.ioMu.Lock()
	err := s.mutate(ctx, email, func([]*models.AnalysisEntry) ([]*models.AnalysisEntry, error) {
		return entries, nil
	})
	s.ioMu.Unlock()
	if err != nil {
		return fmt.Errorf("replace history: %w", err)
	}

	if s.CurrentUser() == email {
		if _, err := s.LoadHistory(ctx, email); err != nil && !errors.Is(err, ErrStaleLoad) {
			return err
		}
	}
	return nil
}

// mutate runs fn on the stored list of email as one atomic update.
// Callers hold ioMu.
func (s *Store) mutate(ctx context.Context, email string, fn func([]*models.AnalysisEntry) ([]*models.AnalysisEntry, error)) error {
	return s.db.Update(ctx, database.HistoryKey(email), func(current string, ok bool) (string, error) {
		var list []*models.AnalysisEntry
		if ok {
			list = s.decode(email, current)
		}
		next, err := fn(list)
		if err != nil {
			return "", err
		}
		if next == nil {
			next = []*models.AnalysisEntry{}
		}
		data, err := json.Marshal(next)
		if err != nil {
			return "", fmt.Errorf("encode history: %w", err)
		}
		return string(data), nil
	})
}

// decode parses a stored list. Unreadable data counts as an empty history
// and unreadable records are skipped.
func (s *Store) decode(email, raw string) []*models.AnalysisEntry {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		s.log.Warn("stored history is corrupt, treating as empty", "email", email, "error", err)
		return nil
	}

	entries := make([]*models.AnalysisEntry, 0, len(records))
	for _, r := range records {
		var e models.AnalysisEntry
		if err := json.Unmarshal(r, &e); err != nil || e.ID == "" {
			s.log.Warn("skipping unreadable history record", "email", email, "error", err)
			continue
		}
		entries = append(entries, &e)
	}
	return entries
}

func (s *Store) publish(t EventType, email string, e *models.AnalysisEntry) {
	s.bus.Publish(Event{Type: t, Email: email, EntryID: e.ID, Entry: e.Clone()})
}

// isCurrent reports whether email's history is the one in memory. Callers hold mu.
func (s *Store) isCurrent(email string) bool {
	return s.loaded && s.email == email
}

func (s *Store) memoryProgress(email, id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isCurrent(email) {
		return 0
	}
	if i := indexOf(s.entries, id); i >= 0 {
		return s.entries[i].AnalysisProgress
	}
	return 0
}

func applyPatch(e *models.AnalysisEntry, p Patch) error {
	if p.AnalysisStatus != nil {
		next := *p.AnalysisStatus
		finishedToAnalyzing := e.AnalysisStatus != models.StatusAnalyzing && next == models.StatusAnalyzing
		// a completed entry only stays completed
		leavesCompleted := e.AnalysisStatus == models.StatusCompleted && next != models.StatusCompleted
		if finishedToAnalyzing || leavesCompleted {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, e.AnalysisStatus, next)
		}
		e.AnalysisStatus = next
	}
	if p.TextDescription != nil {
		e.TextDescription = *p.TextDescription
	}
	if p.ResultAvailable != nil {
		e.ResultAvailable = *p.ResultAvailable
	}
	if p.MealName != nil {
		e.MealName = *p.MealName
	}
	if p.NutritionalInfo != nil {
		e.NutritionalInfo = p.NutritionalInfo.Clamp()
	}
	if p.DishContents != nil {
		e.DishContents = append([]models.DishItem(nil), (*p.DishContents)...)
		if p.NutritionalInfo == nil {
			e.NutritionalInfo.Calories = models.TotalDishCalories(e.DishContents)
		}
	}
	if p.SegmentedImages != nil {
		images := *p.SegmentedImages
		e.SegmentedImages = &images
	}
	if p.JobID != nil {
		e.JobID = *p.JobID
	}
	if p.Feedback != nil {
		f := *p.Feedback
		if f.Timestamp.IsZero() {
			f.Timestamp = models.NewTimestamp(time.Now())
		}
		e.Feedback = &f
	}

	switch e.AnalysisStatus {
	case models.StatusCompleted:
		e.AnalysisProgress = 100
	case models.StatusAnalyzing:
		if p.AnalysisProgress != nil {
			if v := clampProgress(*p.AnalysisProgress); v > e.AnalysisProgress {
				e.AnalysisProgress = v
			}
		}
	default:
		if p.AnalysisProgress != nil {
			e.AnalysisProgress = clampProgress(*p.AnalysisProgress)
		}
	}
	return nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func indexOf(list []*models.AnalysisEntry, id string) int {
	for i, e := range list {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func upsertFront(list []*models.AnalysisEntry, e *models.AnalysisEntry) []*models.AnalysisEntry {
	if i := indexOf(list, e.ID); i >= 0 {
		list[i] = e
		return list
	}
	return append([]*models.AnalysisEntry{e}, list...)
}

func sortNewestFirst(list []*models.AnalysisEntry) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Timestamp.After(list[j].Timestamp.Time)
	})
}

func cloneAll(list []*models.AnalysisEntry) []*models.AnalysisEntry {
	out := make([]*models.AnalysisEntry, len(list))
	for i, e := range list {
		out[i] = e.Clone()
	}
	return out
}
