package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/franckalain/ukcal/internal/database"
	"github.com/franckalain/ukcal/internal/logger"
	"github.com/franckalain/ukcal/internal/models"
)

const (
	alice = "alice@example.com"
	bob   = "bob@example.com"
)

// hookedStore lets a test intercept reads of the local store
type hookedStore struct {
	database.Store
	GetFunc func(ctx context.Context, key string) (string, bool, error)
}

func (h *hookedStore) Get(ctx context.Context, key string) (string, bool, error) {
	if h.GetFunc != nil {
		return h.GetFunc(ctx, key)
	}
	return h.Store.Get(ctx, key)
}

func newTestStore(t *testing.T, db database.Store) *Store {
	t.Helper()
	if db == nil {
		db = database.NewMemoryDB()
	}
	return NewStore(db, NewBus(), logger.Discard())
}

func mustLoad(t *testing.T, s *Store, email string) []*models.AnalysisEntry {
	t.Helper()
	entries, err := s.LoadHistory(context.Background(), email)
	if err != nil {
		t.Fatalf("LoadHistory(%s) failed: %v", email, err)
	}
	return entries
}

func mustAdd(t *testing.T, s *Store, email, uri string) *models.AnalysisEntry {
	t.Helper()
	e, err := s.AddAnalysis(context.Background(), email, models.AnalysisEntry{ImageURI: uri})
	if err != nil {
		t.Fatalf("AddAnalysis failed: %v", err)
	}
	return e
}

func TestAddThenLoad(t *testing.T) {
	s := newTestStore(t, nil)
	mustLoad(t, s, alice)

	added := mustAdd(t, s, alice, "file:///a.jpg")

	entries := mustLoad(t, s, alice)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ID != added.ID || e.ImageURI != "file:///a.jpg" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.AnalysisStatus != models.StatusAnalyzing || e.AnalysisProgress != 0 {
		t.Errorf("expected analyzing at 0, got %s at %d", e.AnalysisStatus, e.AnalysisProgress)
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestAdd_RejectsInvalidMedia(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := s.AddAnalysis(ctx, alice, models.AnalysisEntry{}); !errors.Is(err, models.ErrInvalidMedia) {
		t.Errorf("no media: got %v", err)
	}
	if _, err := s.AddAnalysis(ctx, alice, models.AnalysisEntry{ImageURI: "a", VideoURI: "b"}); !errors.Is(err, models.ErrInvalidMedia) {
		t.Errorf("both media: got %v", err)
	}
	if _, err := s.AddAnalysis(ctx, " ", models.AnalysisEntry{ImageURI: "a"}); !errors.Is(err, ErrNoUser) {
		t.Errorf("no user: got %v", err)
	}
}

func TestEntriesAreNewestFirst(t *testing.T) {
	s := newTestStore(t, nil)
	mustLoad(t, s, alice)

	first := mustAdd(t, s, alice, "1.jpg")
	second := mustAdd(t, s, alice, "2.jpg")

	entries, _ := s.Entries(alice)
	if entries[0].ID != second.ID || entries[1].ID != first.ID {
		t.Error("memory order should be newest first")
	}

	reloaded := mustLoad(t, s, alice)
	if reloaded[0].ID != second.ID {
		t.Error("stored order should be newest first")
	}
}

func TestDeleteThenLoad(t *testing.T) {
	s := newTestStore(t, nil)
	mustLoad(t, s, alice)
	keep := mustAdd(t, s, alice, "keep.jpg")
	drop := mustAdd(t, s, alice, "drop.jpg")

	if err := s.DeleteAnalysis(context.Background(), alice, drop.ID); err != nil {
		t.Fatalf("DeleteAnalysis failed: %v", err)
	}

	for _, e := range mustLoad(t, s, alice) {
		if e.ID == drop.ID {
			t.Fatal("deleted entry came back")
		}
	}
	if _, err := s.Get(alice, keep.ID); err != nil {
		t.Errorf("other entry lost: %v", err)
	}
}

func TestDelete_UnknownIDIsNoop(t *testing.T) {
	s := newTestStore(t, nil)
	mustLoad(t, s, alice)
	mustAdd(t, s, alice, "a.jpg")

	events := make(chan EventType, 4)
	unsubscribe := s.Bus().SubscribeMultiple([]EventType{EventDeleted, EventAdded}, func(ev Event) { events <- ev.Type })
	defer unsubscribe()

	if err := s.DeleteAnalysis(context.Background(), alice, "missing"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// events arrive in order, so the next one is the marker add
	mustAdd(t, s, alice, "marker.jpg")
	if got := nextEvent(t, events); got != EventAdded {
		t.Errorf("no deletion event expected, got %s", got)
	}
	if entries, _ := s.Entries(alice); len(entries) != 2 {
		t.Error("entries should be untouched")
	}
}

func TestUpdate_MissingEntryRejectsWithoutSideEffects(t *testing.T) {
	s := newTestStore(t, nil)
	mustLoad(t, s, alice)
	other := mustAdd(t, s, alice, "other.jpg")

	name := "X"
	_, err := s.UpdateAnalysis(context.Background(), alice, "missing", Patch{MealName: &name})
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}

	got, _ := s.Get(alice, other.ID)
	if got.MealName != "" {
		t.Error("other entry was mutated")
	}
	stored := mustLoad(t, s, alice)
	if len(stored) != 1 || stored[0].MealName != "" {
		t.Errorf("stored history changed: %+v", stored)
	}
}

func TestUserSwitchDiscardsInFlightLoad(t *testing.T) {
	// Arrange: alice and bob both have stored history
	mem := database.NewMemoryDB()
	seed := newTestStore(t, mem)
	mustLoad(t, seed, alice)
	mustAdd(t, seed, alice, "alice.jpg")
	mustLoad(t, seed, bob)
	mustAdd(t, seed, bob, "bob.jpg")

	release := make(chan struct{})
	reading := make(chan struct{})
	hooked := &hookedStore{Store: mem}
	hooked.GetFunc = func(ctx context.Context, key string) (string, bool, error) {
		if key == database.HistoryKey(alice) {
			close(reading)
			<-release
		}
		return mem.Get(ctx, key)
	}
	s := newTestStore(t, hooked)

	// Act: alice's load is stuck in storage while the session switches to bob
	aliceErr := make(chan error, 1)
	go func() {
		_, err := s.LoadHistory(context.Background(), alice)
		aliceErr <- err
	}()
	<-reading

	s.ClearHistoryLocal()
	bobDone := make(chan error, 1)
	go func() {
		_, err := s.LoadHistory(context.Background(), bob)
		bobDone <- err
	}()
	close(release)

	// Assert
	if err := <-aliceErr; !errors.Is(err, ErrStaleLoad) {
		t.Fatalf("alice load: expected ErrStaleLoad, got %v", err)
	}
	if err := <-bobDone; err != nil {
		t.Fatalf("bob load failed: %v", err)
	}

	entries, err := s.Entries(bob)
	if err != nil {
		t.Fatalf("Entries(bob) failed: %v", err)
	}
	for _, e := range entries {
		if e.ImageURI == "alice.jpg" {
			t.Fatal("alice's entry leaked into bob's session")
		}
	}
	if len(entries) != 1 {
		t.Errorf("expected bob's single entry, got %d", len(entries))
	}
	if _, err := s.Entries(alice); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Entries(alice) should be ErrNotLoaded, got %v", err)
	}
}

func TestEntriesGatedOnCurrentUser(t *testing.T) {
	s := newTestStore(t, nil)
	if _, err := s.Entries(alice); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("before load: %v", err)
	}
	mustLoad(t, s, alice)
	if _, err := s.Entries("ALICE@example.com "); err != nil {
		t.Errorf("emails should be normalized: %v", err)
	}
	s.ClearHistoryLocal()
	if _, err := s.Entries(alice); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("after clear: %v", err)
	}
}

func TestBackgroundUpdateAfterSwitchGoesToStorageOnly(t *testing.T) {
	mem := database.NewMemoryDB()
	s := newTestStore(t, mem)
	ctx := context.Background()
	mustLoad(t, s, alice)
	pending := mustAdd(t, s, alice, "a.jpg")

	s.ClearHistoryLocal()
	mustLoad(t, s, bob)

	done := models.StatusCompleted
	name := "Curry"
	if _, err := s.UpdateAnalysis(ctx, alice, pending.ID, Patch{AnalysisStatus: &done, MealName: &name}); err != nil {
		t.Fatalf("UpdateAnalysis failed: %v", err)
	}

	if entries, _ := s.Entries(bob); len(entries) != 0 {
		t.Fatalf("bob sees %d entries", len(entries))
	}

	other := newTestStore(t, mem)
	stored := mustLoad(t, other, alice)
	if stored[0].MealName != "Curry" || stored[0].AnalysisProgress != 100 {
		t.Errorf("alice's stored entry not finalized: %+v", stored[0])
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	mem := database.NewMemoryDB()
	s := newTestStore(t, mem)
	ctx := context.Background()
	mustLoad(t, s, alice)
	e := mustAdd(t, s, alice, "a.jpg")

	if err := s.UpdateAnalysisProgress(ctx, alice, e.ID, 60, models.StatusAnalyzing); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateAnalysisProgress(ctx, alice, e.ID, 40, models.StatusAnalyzing); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(alice, e.ID)
	if got.AnalysisProgress != 60 {
		t.Fatalf("progress regressed to %d", got.AnalysisProgress)
	}

	// a persisted update carrying a lower value does not regress either
	low := 10
	updated, err := s.UpdateAnalysis(ctx, alice, e.ID, Patch{AnalysisProgress: &low})
	if err != nil {
		t.Fatal(err)
	}
	if updated.AnalysisProgress != 60 {
		t.Errorf("persisted progress = %d, want 60", updated.AnalysisProgress)
	}
}

func TestProgressTicksArePersistedByFlush(t *testing.T) {
	mem := database.NewMemoryDB()
	s := newTestStore(t, mem)
	ctx := context.Background()
	mustLoad(t, s, alice)
	e := mustAdd(t, s, alice, "a.jpg")

	s.UpdateAnalysisProgress(ctx, alice, e.ID, 45, models.StatusAnalyzing)

	before := mustLoad(t, newTestStore(t, mem), alice)
	if before[0].AnalysisProgress != 0 {
		t.Fatalf("tick persisted before flush: %d", before[0].AnalysisProgress)
	}

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	after := mustLoad(t, newTestStore(t, mem), alice)
	if after[0].AnalysisProgress != 45 {
		t.Errorf("flushed progress = %d, want 45", after[0].AnalysisProgress)
	}
}

func TestStartFlusherFlushesOnStop(t *testing.T) {
	mem := database.NewMemoryDB()
	s := newTestStore(t, mem)
	mustLoad(t, s, alice)
	e := mustAdd(t, s, alice, "a.jpg")

	ctx, cancel := context.WithCancel(context.Background())
	done := s.StartFlusher(ctx, time.Hour)
	s.UpdateAnalysisProgress(context.Background(), alice, e.ID, 30, models.StatusAnalyzing)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flusher did not stop")
	}
	stored := mustLoad(t, newTestStore(t, mem), alice)
	if stored[0].AnalysisProgress != 30 {
		t.Errorf("progress = %d, want 30", stored[0].AnalysisProgress)
	}
}

func TestCompletionPinsProgress(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	mustLoad(t, s, alice)
	e := mustAdd(t, s, alice, "a.jpg")

	done := models.StatusCompleted
	got, err := s.UpdateAnalysis(ctx, alice, e.ID, Patch{AnalysisStatus: &done})
	if err != nil {
		t.Fatal(err)
	}
	if got.AnalysisProgress != 100 {
		t.Errorf("progress = %d, want 100", got.AnalysisProgress)
	}

	// ticks after completion are ignored
	s.UpdateAnalysisProgress(ctx, alice, e.ID, 50, models.StatusAnalyzing)
	got, _ = s.Get(alice, e.ID)
	if got.AnalysisProgress != 100 {
		t.Errorf("progress after late tick = %d", got.AnalysisProgress)
	}

	analyzing := models.StatusAnalyzing
	if _, err := s.UpdateAnalysis(ctx, alice, e.ID, Patch{AnalysisStatus: &analyzing}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("completed to analyzing should be rejected, got %v", err)
	}
}

func TestUpdateProgress_CompletedCannotFail(t *testing.T) {
	s := newTestStore(t, nil)
	mustLoad(t, s, alice)
	e := mustAdd(t, s, alice, "a.jpg")
	ctx := context.Background()

	completed := models.StatusCompleted
	available := true
	if _, err := s.UpdateAnalysis(ctx, alice, e.ID, Patch{AnalysisStatus: &completed, ResultAvailable: &available}); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateAnalysisProgress(ctx, alice, e.ID, 0, models.StatusFailed); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("completed to failed should be rejected, got %v", err)
	}
	got, _ := s.Get(alice, e.ID)
	if got.AnalysisStatus != models.StatusCompleted || got.AnalysisProgress != 100 || !got.ResultAvailable {
		t.Errorf("entry changed: status=%s progress=%d available=%v", got.AnalysisStatus, got.AnalysisProgress, got.ResultAvailable)
	}

	// re-completing is allowed
	if _, err := s.UpdateAnalysis(ctx, alice, e.ID, Patch{AnalysisStatus: &completed}); err != nil {
		t.Errorf("completed to completed: %v", err)
	}
}

func TestUpdate_DishEditsRecomputeCalories(t *testing.T) {
	s := newTestStore(t, nil)
	mustLoad(t, s, alice)
	e := mustAdd(t, s, alice, "a.jpg")

	dishes := []models.DishItem{
		{ID: "1", Name: "Rice", Weight: 200, Calories: 260},
		{ID: "2", Name: "Dal", Weight: 150, Calories: 180.25},
	}
	got, err := s.UpdateAnalysis(context.Background(), alice, e.ID, Patch{DishContents: &dishes})
	if err != nil {
		t.Fatal(err)
	}
	if got.NutritionalInfo.Calories != 440.3 {
		t.Errorf("calories = %v, want 440.3", got.NutritionalInfo.Calories)
	}
}

func TestUpdate_RejectsInvalidFeedback(t *testing.T) {
	s := newTestStore(t, nil)
	mustLoad(t, s, alice)
	e := mustAdd(t, s, alice, "a.jpg")

	bad := models.Feedback{Ratings: models.Ratings{Accuracy: 6, PortionSize: 3, EaseOfUse: 3, Speed: 3, Overall: 3}}
	if _, err := s.UpdateAnalysis(context.Background(), alice, e.ID, Patch{Feedback: &bad}); !errors.Is(err, models.ErrInvalidFeedback) {
		t.Errorf("expected ErrInvalidFeedback, got %v", err)
	}
}

func TestRoundTripThroughStorage(t *testing.T) {
	mem := database.NewMemoryDB()
	s := newTestStore(t, mem)
	ctx := context.Background()
	mustLoad(t, s, alice)
	e, err := s.AddAnalysis(ctx, alice, models.AnalysisEntry{VideoURI: "file:///v.mp4", TextDescription: "lunch"})
	if err != nil {
		t.Fatal(err)
	}

	done := models.StatusCompleted
	yes := true
	name := "Fish & Chips"
	job := "job-9"
	info := models.NutritionalInfo{Calories: 800, Protein: 30, Carbs: 90, Fat: 35}
	dishes := []models.DishItem{{ID: "d1", Name: "Fish", Weight: 150, Calories: 300}}
	images := models.SegmentedImages{OverlayURLs: []models.SegmentedImage{{Frame: "0", URL: "https://x/o.png", Key: "o.png"}}}
	fb := models.Feedback{Ratings: models.Ratings{Accuracy: 4, PortionSize: 3, EaseOfUse: 5, Speed: 2, Overall: 4}, Comment: "ok"}

	want, err := s.UpdateAnalysis(ctx, alice, e.ID, Patch{
		AnalysisStatus:  &done,
		ResultAvailable: &yes,
		MealName:        &name,
		JobID:           &job,
		NutritionalInfo: &info,
		DishContents:    &dishes,
		SegmentedImages: &images,
		Feedback:        &fb,
	})
	if err != nil {
		t.Fatal(err)
	}

	got := mustLoad(t, newTestStore(t, mem), alice)[0]
	if got.ID != want.ID || got.VideoURI != want.VideoURI || got.TextDescription != "lunch" ||
		got.AnalysisStatus != done || got.AnalysisProgress != 100 || !got.ResultAvailable ||
		got.MealName != name || got.JobID != job || got.NutritionalInfo != info {
		t.Errorf("scalar fields differ:\n got %+v\nwant %+v", got, want)
	}
	if len(got.DishContents) != 1 || got.DishContents[0] != dishes[0] {
		t.Errorf("dish contents differ: %+v", got.DishContents)
	}
	if got.SegmentedImages == nil || got.SegmentedImages.OverlayURLs[0] != images.OverlayURLs[0] {
		t.Errorf("segmented images differ: %+v", got.SegmentedImages)
	}
	if got.Feedback == nil || got.Feedback.Ratings != fb.Ratings || got.Feedback.Comment != "ok" || got.Feedback.Timestamp.IsZero() {
		t.Errorf("feedback differs: %+v", got.Feedback)
	}
	if !got.Timestamp.Equal(want.Timestamp.Time) {
		t.Errorf("timestamp %v != %v", got.Timestamp, want.Timestamp)
	}
}

func TestCorruptHistoryIsTreatedAsEmpty(t *testing.T) {
	mem := database.NewMemoryDB()
	ctx := context.Background()
	mem.Set(ctx, database.HistoryKey(alice), "{not json")

	s := newTestStore(t, mem)
	if entries := mustLoad(t, s, alice); len(entries) != 0 {
		t.Fatalf("expected empty history, got %d", len(entries))
	}

	// the next write replaces the corrupt value
	mustAdd(t, s, alice, "a.jpg")
	if entries := mustLoad(t, newTestStore(t, mem), alice); len(entries) != 1 {
		t.Errorf("expected 1 entry after rewrite, got %d", len(entries))
	}
}

func TestUnreadableRecordsAreSkipped(t *testing.T) {
	mem := database.NewMemoryDB()
	ctx := context.Background()
	mem.Set(ctx, database.HistoryKey(alice), `[
		{"id":"ok","imageUri":"a.jpg","analysisStatus":"completed","mealName":"Soup","timestamp":1700000000000},
		{"imageUri":"no-id.jpg"},
		"garbage"
	]`)

	entries := mustLoad(t, newTestStore(t, mem), alice)
	if len(entries) != 1 || entries[0].ID != "ok" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if !entries[0].ResultAvailable {
		t.Error("legacy completed record with a meal name should have a result")
	}
}

func TestConcurrentWritersDoNotClobber(t *testing.T) {
	mem := database.NewMemoryDB()
	a := newTestStore(t, mem)
	b := newTestStore(t, mem)
	mustLoad(t, a, alice)

	add := func(s *Store, uri string, wg *sync.WaitGroup) {
		defer wg.Done()
		if _, err := s.AddAnalysis(context.Background(), alice, models.AnalysisEntry{ImageURI: uri}); err != nil {
			t.Errorf("AddAnalysis failed: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go add(a, "a.jpg", &wg)
		go add(b, "b.jpg", &wg)
	}
	wg.Wait()

	if entries := mustLoad(t, newTestStore(t, mem), alice); len(entries) != 20 {
		t.Errorf("expected 20 stored entries, got %d", len(entries))
	}
}

func TestEventsArePublished(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	mustLoad(t, s, alice)

	events := make(chan EventType, 8)
	unsubscribe := s.Bus().SubscribeMultiple(
		[]EventType{EventAdded, EventProgress, EventUpdated, EventDeleted},
		func(ev Event) {
			if ev.Email != alice {
				t.Errorf("event email = %s", ev.Email)
			}
			events <- ev.Type
		},
	)

	e := mustAdd(t, s, alice, "a.jpg")
	s.UpdateAnalysisProgress(ctx, alice, e.ID, 20, models.StatusAnalyzing)
	name := "Toast"
	s.UpdateAnalysis(ctx, alice, e.ID, Patch{MealName: &name})
	s.DeleteAnalysis(ctx, alice, e.ID)

	want := []EventType{EventAdded, EventProgress, EventUpdated, EventDeleted}
	for i := range want {
		if got := nextEvent(t, events); got != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got, want[i])
		}
	}

	unsubscribe()
	mustAdd(t, s, alice, "b.jpg")
	select {
	case got := <-events:
		t.Errorf("event after unsubscribe: %s", got)
	case <-time.After(50 * time.Millisecond):
	}
	if s.Bus().Len(EventAdded) != 0 {
		t.Error("unsubscribe should remove the handler")
	}
}

func TestReplaceStoredReloadsCurrentUser(t *testing.T) {
	s := newTestStore(t, nil)
	mustLoad(t, s, alice)
	mustAdd(t, s, alice, "old.jpg")

	restored := []*models.AnalysisEntry{
		{ID: "r1", ImageURI: "restored.jpg", AnalysisStatus: models.StatusCompleted, AnalysisProgress: 100, ResultAvailable: true},
	}
	if err := s.ReplaceStored(context.Background(), alice, restored); err != nil {
		t.Fatalf("ReplaceStored failed: %v", err)
	}

	entries, err := s.Entries(alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != "r1" {
		t.Errorf("unexpected entries after restore: %+v", entries)
	}
}

func nextEvent(t *testing.T, events <-chan EventType) EventType {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func TestBus_BlockedSubscriberDoesNotDelayOtherUsers(t *testing.T) {
	db := database.NewMemoryDB()
	bus := NewBus()
	aliceStore := NewStore(db, bus, logger.Discard())
	bobStore := NewStore(db, bus, logger.Discard())
	mustLoad(t, aliceStore, alice)
	mustLoad(t, bobStore, bob)

	// bob's connection has stalled
	release := make(chan struct{})
	defer close(release)
	unsubscribe := bus.SubscribeMultiple([]EventType{EventAdded, EventProgress}, func(Event) { <-release })
	defer unsubscribe()

	e := mustAdd(t, aliceStore, alice, "a.jpg")
	done := make(chan error, 1)
	go func() {
		for p := 10; p <= 90; p += 10 {
			if err := aliceStore.UpdateAnalysisProgress(context.Background(), alice, e.ID, p, models.StatusAnalyzing); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("progress updates waited for a blocked subscriber")
	}
	got, _ := aliceStore.Get(alice, e.ID)
	if got.AnalysisProgress != 90 {
		t.Errorf("progress = %d, want 90", got.AnalysisProgress)
	}
}

func TestBus_FullMailboxDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	release := make(chan struct{})
	defer close(release)
	unsubscribe := bus.Subscribe(EventProgress, func(Event) { <-release })
	defer unsubscribe()

	for i := 0; i < mailboxSize+10; i++ {
		bus.Publish(Event{Type: EventProgress, Email: alice})
	}
	if bus.Dropped() == 0 {
		t.Error("expected deliveries to be dropped once the mailbox is full")
	}
}
