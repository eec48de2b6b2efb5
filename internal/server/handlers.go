package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/franckalain/ukcal/internal/analysis"
	"github.com/franckalain/ukcal/internal/backup"
	"github.com/franckalain/ukcal/internal/history"
	"github.com/franckalain/ukcal/internal/ml"
	"github.com/franckalain/ukcal/internal/models"
	"github.com/franckalain/ukcal/internal/postcode"
	"github.com/franckalain/ukcal/internal/profile"
	"github.com/franckalain/ukcal/internal/session"
	"github.com/franckalain/ukcal/internal/submission"
)

type handlerFunc func(c *client, ctx context.Context, data json.RawMessage)

var handlers = map[string]handlerFunc{
	"login":              (*client).handleLogin,
	"resume":             (*client).handleResume,
	"logout":             (*client).handleLogout,
	"give_consent":       (*client).handleGiveConsent,
	"get_history":        (*client).handleGetHistory,
	"submit":             (*client).handleSubmit,
	"update_analysis":    (*client).handleUpdateAnalysis,
	"submit_feedback":    (*client).handleSubmitFeedback,
	"delete_analysis":    (*client).handleDeleteAnalysis,
	"refresh_overlay":    (*client).handleRefreshOverlay,
	"get_profile":        (*client).handleGetProfile,
	"save_profile_draft": (*client).handleSaveProfileDraft,
	"complete_profile":   (*client).handleCompleteProfile,
	"update_profile":     (*client).handleUpdateProfile,
	"postcode_lookup":    (*client).handlePostcodeLookup,
	"backup":             (*client).handleBackup,
	"restore":            (*client).handleRestore,
}

var errMissingData = errors.New("missing data")

// settings is the backup document of per-user preferences
type settings struct {
	Streak     int       `json:"streak"`
	ExportedAt time.Time `json:"exportedAt"`
}

func (c *client) handleLogin(ctx context.Context, data json.RawMessage) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decode(data, &req); err != nil {
		c.sendError("Invalid login data")
		return
	}
	sess, err := c.session.Login(ctx, req.Email)
	if err != nil {
		c.fail("login", err, "Failed to sign in")
		return
	}
	c.sendMessage("session", sess)
}

func (c *client) handleResume(ctx context.Context, data json.RawMessage) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decode(data, &req); err != nil {
		c.sendError("Invalid session data")
		return
	}
	sess, err := c.session.Resume(ctx, req.Token)
	if err != nil {
		c.fail("resume", err, "Failed to restore session")
		return
	}
	c.sendMessage("session", sess)
}

func (c *client) handleLogout(ctx context.Context, _ json.RawMessage) {
	c.session.Logout(ctx)
	c.sendMessage("logged_out", nil)
}

func (c *client) handleGiveConsent(ctx context.Context, _ json.RawMessage) {
	flags, err := c.session.GiveConsent(ctx)
	if err != nil {
		c.fail("give consent", err, "Failed to record consent")
		return
	}
	c.sendMessage("consent", map[string]any{"flags": flags, "route": flags.Route()})
}

func (c *client) handleGetHistory(ctx context.Context, _ json.RawMessage) {
	email, ok := c.requireUser()
	if !ok {
		return
	}
	entries, err := c.entries(ctx, email)
	if err != nil {
		c.fail("get history", err, "Failed to retrieve history")
		return
	}
	c.sendHistory(ctx, email, entries)
}

func (c *client) handleSubmit(ctx context.Context, data json.RawMessage) {
	email, ok := c.requireUser()
	if !ok {
		return
	}
	var req struct {
		Media       string       `json:"media"`
		Kind        ml.MediaKind `json:"kind"`
		ImageURI    string       `json:"imageUri"`
		VideoURI    string       `json:"videoUri"`
		Description string       `json:"description"`
	}
	if err := decode(data, &req); err != nil {
		c.sendError("Invalid submission data")
		return
	}

	submit := submission.Request{
		ImageURI:    req.ImageURI,
		VideoURI:    req.VideoURI,
		Description: req.Description,
	}
	if req.Media != "" {
		if req.ImageURI != "" || req.VideoURI != "" {
			c.fail("submit", models.ErrInvalidMedia, "")
			return
		}
		path, err := c.saveMedia(req.Kind, req.Media)
		if err != nil {
			c.log.Warn("media not saved", "error", err)
			c.sendError("Invalid media format")
			return
		}
		if req.Kind == ml.MediaVideo {
			submit.VideoURI = path
		} else {
			submit.ImageURI = path
		}
		submit.Filename = filepath.Base(path)
	}

	entry, _, err := c.flow.Submit(ctx, email, submit)
	if err != nil {
		c.fail("submit", err, "Failed to submit analysis")
		return
	}
	c.sendMessage("analysis_submitted", entry)
}

func (c *client) handleUpdateAnalysis(ctx context.Context, data json.RawMessage) {
	email, ok := c.requireUser()
	if !ok {
		return
	}
	var req struct {
		ID              string                  `json:"id"`
		TextDescription *string                 `json:"textDescription"`
		MealName        *string                 `json:"mealName"`
		NutritionalInfo *models.NutritionalInfo `json:"nutritionalInfo"`
		DishContents    *[]models.DishItem      `json:"dishContents"`
	}
	if err := decode(data, &req); err != nil || req.ID == "" {
		c.sendError("Invalid analysis update")
		return
	}
	if req.DishContents != nil {
		for i := range *req.DishContents {
			if (*req.DishContents)[i].ID == "" {
				(*req.DishContents)[i].ID = uuid.New().String()
			}
		}
	}

	entry, err := c.history.UpdateAnalysis(ctx, email, req.ID, history.Patch{
		TextDescription: req.TextDescription,
		MealName:        req.MealName,
		NutritionalInfo: req.NutritionalInfo,
		DishContents:    req.DishContents,
	})
	if err != nil {
		c.fail("update analysis", err, "Failed to save changes")
		return
	}
	c.sendMessage("analysis_saved", entry)
}

func (c *client) handleSubmitFeedback(ctx context.Context, data json.RawMessage) {
	email, ok := c.requireUser()
	if !ok {
		return
	}
	var req struct {
		ID      string         `json:"id"`
		Ratings models.Ratings `json:"ratings"`
		Comment string         `json:"comment"`
	}
	if err := decode(data, &req); err != nil || req.ID == "" {
		c.sendError("Invalid feedback")
		return
	}

	entry, err := c.history.UpdateAnalysis(ctx, email, req.ID, history.Patch{
		Feedback: &models.Feedback{Ratings: req.Ratings, Comment: strings.TrimSpace(req.Comment)},
	})
	if err != nil {
		c.fail("submit feedback", err, "Failed to save feedback")
		return
	}
	c.sendMessage("feedback_saved", entry)
}

func (c *client) handleDeleteAnalysis(ctx context.Context, data json.RawMessage) {
	email, ok := c.requireUser()
	if !ok {
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := decode(data, &req); err != nil || req.ID == "" {
		c.sendError("Invalid analysis id")
		return
	}
	if err := c.history.DeleteAnalysis(ctx, email, req.ID); err != nil {
		c.fail("delete analysis", err, "Failed to delete analysis")
		return
	}
	c.sendMessage("analysis_removed", map[string]string{"id": req.ID})
}

// handleRefreshOverlay re-fetches the results of a finished job because
// overlay URLs expire
func (c *client) handleRefreshOverlay(ctx context.Context, data json.RawMessage) {
	email, ok := c.requireUser()
	if !ok {
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := decode(data, &req); err != nil || req.ID == "" {
		c.sendError("Invalid analysis id")
		return
	}
	entry, err := c.history.Get(email, req.ID)
	if err != nil {
		c.fail("refresh overlay", err, "Failed to refresh overlay")
		return
	}
	if entry.JobID == "" || c.server.opts.Results == nil {
		c.sendError("No overlay is available for this analysis")
		return
	}

	result, err := c.server.opts.Results.GetResults(ctx, entry.JobID, true)
	if err != nil {
		c.fail("refresh overlay", err, "Failed to refresh overlay")
		return
	}
	if !result.SegmentedImages.Empty() {
		entry, err = c.history.UpdateAnalysis(ctx, email, req.ID, history.Patch{SegmentedImages: result.SegmentedImages})
		if err != nil {
			c.fail("refresh overlay", err, "Failed to refresh overlay")
			return
		}
	}
	c.sendMessage("overlay", map[string]any{
		"id":               entry.ID,
		"segmented_images": entry.SegmentedImages,
	})
}

func (c *client) handleGetProfile(ctx context.Context, _ json.RawMessage) {
	email, ok := c.requireUser()
	if !ok {
		return
	}
	p, err := c.server.profiles.Get(ctx, email)
	if err != nil {
		c.fail("get profile", err, "Failed to load profile")
		return
	}
	draft, _ := c.server.profiles.GetDraft(ctx, email)
	c.sendMessage("profile", map[string]any{"profile": p, "draft": draft})
}

func (c *client) handleSaveProfileDraft(ctx context.Context, data json.RawMessage) {
	email, ok := c.requireUser()
	if !ok {
		return
	}
	var req struct {
		Step   int               `json:"step"`
		Fields map[string]string `json:"fields"`
	}
	if err := decode(data, &req); err != nil {
		c.sendError("Invalid profile data")
		return
	}
	draft, err := c.server.profiles.SaveDraft(ctx, email, req.Step, req.Fields)
	if err != nil {
		c.fail("save profile draft", err, "Failed to save profile")
		return
	}
	c.sendMessage("profile_draft", draft)
}

func (c *client) handleCompleteProfile(ctx context.Context, _ json.RawMessage) {
	email, ok := c.requireUser()
	if !ok {
		return
	}
	p, err := c.server.profiles.Complete(ctx, email)
	if err != nil {
		c.fail("complete profile", err, "Failed to save profile")
		return
	}
	flags := c.session.Reconcile(ctx, email)
	c.sendMessage("profile_completed", map[string]any{
		"profile": p,
		"flags":   flags,
		"route":   flags.Route(),
	})
}

func (c *client) handleUpdateProfile(ctx context.Context, data json.RawMessage) {
	email, ok := c.requireUser()
	if !ok {
		return
	}
	var req struct {
		Profile models.BusinessProfile `json:"profile"`
	}
	if err := decode(data, &req); err != nil {
		c.sendError("Invalid profile data")
		return
	}
	p, err := c.server.profiles.Update(ctx, email, req.Profile)
	if err != nil {
		c.fail("update profile", err, "Failed to save profile")
		return
	}
	c.sendMessage("profile", map[string]any{"profile": p})
}

func (c *client) handlePostcodeLookup(ctx context.Context, data json.RawMessage) {
	email, ok := c.requireUser()
	if !ok {
		return
	}
	var req struct {
		Postcode string `json:"postcode"`
	}
	if err := decode(data, &req); err != nil {
		c.sendError("Invalid postcode")
		return
	}
	draft, err := c.server.profiles.AutoFill(ctx, email, req.Postcode)
	if err != nil {
		c.fail("postcode lookup", err, "Failed to look up postcode")
		return
	}
	c.sendMessage("profile_draft", draft)
}

func (c *client) handleBackup(ctx context.Context, data json.RawMessage) {
	email, ok := c.requireUser()
	if !ok {
		return
	}
	var req struct {
		DataType string `json:"dataType"`
	}
	if err := decode(data, &req); err != nil {
		c.sendError("Invalid backup request")
		return
	}
	doc, err := c.export(ctx, email, req.DataType)
	if err != nil {
		c.fail("backup", err, "Failed to prepare backup")
		return
	}
	if err := c.server.opts.Backup.Save(ctx, userID(email), req.DataType, doc); err != nil {
		c.fail("backup", err, "Failed to save backup")
		return
	}
	c.sendMessage("backup_saved", map[string]any{"dataType": req.DataType, "bytes": len(doc)})
}

func (c *client) handleRestore(ctx context.Context, data json.RawMessage) {
	email, ok := c.requireUser()
	if !ok {
		return
	}
	var req struct {
		DataType string `json:"dataType"`
	}
	if err := decode(data, &req); err != nil {
		c.sendError("Invalid restore request")
		return
	}
	doc, err := c.server.opts.Backup.Load(ctx, userID(email), req.DataType)
	if err != nil {
		c.fail("restore", err, "Failed to load backup")
		return
	}

	switch req.DataType {
	case backup.DataHistory:
		var entries []*models.AnalysisEntry
		if err := json.Unmarshal(doc, &entries); err != nil {
			c.fail("restore", err, "Backup is unreadable")
			return
		}
		if err := c.history.ReplaceStored(ctx, email, validEntries(entries)); err != nil {
			c.fail("restore", err, "Failed to restore history")
			return
		}
		restored, err := c.entries(ctx, email)
		if err != nil {
			c.fail("restore", err, "Failed to restore history")
			return
		}
		c.sendHistory(ctx, email, restored)

	case backup.DataProfile:
		var p models.BusinessProfile
		if err := json.Unmarshal(doc, &p); err != nil {
			c.fail("restore", err, "Backup is unreadable")
			return
		}
		saved, err := c.server.profiles.Update(ctx, email, p)
		if err != nil {
			c.fail("restore", err, "Failed to restore profile")
			return
		}
		c.sendMessage("profile", map[string]any{"profile": saved})

	case backup.DataSettings:
		var s settings
		if err := json.Unmarshal(doc, &s); err != nil {
			c.fail("restore", err, "Backup is unreadable")
			return
		}
		if err := submission.SetStreak(ctx, c.server.opts.Store, email, s.Streak); err != nil {
			c.fail("restore", err, "Failed to restore settings")
			return
		}
		c.sendMessage("settings", s)
	}
}

// export serializes the user's data of one backup type
func (c *client) export(ctx context.Context, email, dataType string) ([]byte, error) {
	switch dataType {
	case backup.DataHistory:
		if err := c.history.Flush(ctx); err != nil {
			c.log.Warn("flush before backup failed", "error", err)
		}
		entries, err := c.entries(ctx, email)
		if err != nil {
			return nil, err
		}
		return json.Marshal(entries)
	case backup.DataProfile:
		p, err := c.server.profiles.Get(ctx, email)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, errNothingToBackUp
		}
		return json.Marshal(p)
	case backup.DataSettings:
		streak, err := submission.Streak(ctx, c.server.opts.Store, email)
		if err != nil {
			return nil, err
		}
		return json.Marshal(settings{Streak: streak, ExportedAt: time.Now().UTC()})
	default:
		return nil, backup.ErrInvalidDataType
	}
}

var errNothingToBackUp = errors.New("nothing to back up")

// entries returns the in-memory history, loading it when this connection
// has not yet done so
func (c *client) entries(ctx context.Context, email string) ([]*models.AnalysisEntry, error) {
	entries, err := c.history.Entries(email)
	if errors.Is(err, history.ErrNotLoaded) {
		return c.history.LoadHistory(ctx, email)
	}
	return entries, err
}

func (c *client) sendHistory(ctx context.Context, email string, entries []*models.AnalysisEntry) {
	streak, err := submission.Streak(ctx, c.server.opts.Store, email)
	if err != nil {
		c.log.Warn("streak unavailable", "error", err)
	}
	if entries == nil {
		entries = []*models.AnalysisEntry{}
	}
	c.sendMessage("history", map[string]any{"items": entries, "streak": streak})
}

// saveMedia writes base64 media to the media directory and returns its path
func (c *client) saveMedia(kind ml.MediaKind, encoded string) (string, error) {
	if i := strings.Index(encoded, "base64,"); i >= 0 {
		encoded = encoded[i+len("base64,"):]
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode media: %w", err)
	}
	if len(raw) == 0 {
		return "", errors.New("empty media")
	}
	if kind != ml.MediaVideo {
		kind = ml.MediaImage
	}

	dir := c.server.opts.MediaDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media directory: %w", err)
	}
	path := filepath.Join(dir, analysis.GenerateFilename(kind, time.Now()))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write media: %w", err)
	}
	return path, nil
}

func (c *client) requireUser() (string, bool) {
	email := c.session.CurrentUser()
	if email == "" {
		c.sendError("Please sign in first")
		return "", false
	}
	return email, true
}

// fail logs err and sends the caller a message it can show in place
func (c *client) fail(op string, err error, fallback string) {
	text, known := userMessage(err)
	if !known {
		c.log.Error(op+" failed", "error", err)
		text = fallback
	} else {
		c.log.Warn(op+" rejected", "error", err)
	}
	c.sendError(text)
}

func userMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, models.ErrInvalidMedia):
		return "Please attach exactly one photo or video", true
	case errors.Is(err, models.ErrInvalidFeedback):
		return "Please rate every question from 1 to 5", true
	case errors.Is(err, session.ErrInvalidEmail):
		return "Please enter a valid email address", true
	case errors.Is(err, session.ErrInvalidToken):
		return "Your session has expired, please sign in again", true
	case errors.Is(err, session.ErrNotSignedIn):
		return "Please sign in first", true
	case errors.Is(err, history.ErrEntryNotFound):
		return "This analysis no longer exists", true
	case errors.Is(err, history.ErrInvalidTransition):
		return "This analysis can no longer be changed", true
	case errors.Is(err, profile.ErrValidation):
		return strings.TrimPrefix(err.Error(), profile.ErrValidation.Error()+": "), true
	case errors.Is(err, profile.ErrWrongUser):
		return "This profile belongs to another account", true
	case errors.Is(err, postcode.ErrInvalidPostcode):
		return "Please enter a valid UK postcode", true
	case errors.Is(err, backup.ErrNotFound):
		return "No backup found", true
	case errors.Is(err, backup.ErrDisabled):
		return "Backup is not available", true
	case errors.Is(err, errNothingToBackUp):
		return "There is nothing to back up yet", true
	case errors.Is(err, backup.ErrInvalidDataType),
		errors.Is(err, backup.ErrTooLarge),
		errors.Is(err, backup.ErrInvalidJSON):
		return err.Error(), true
	}
	return "", false
}

// userID is the stable backup identity of an account
func userID(email string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("mailto:"+email)).String()
}

// validEntries keeps well-formed entries of a restored history. Analyses
// that were still running when the backup was taken have no task behind
// them any more and are restored as failed.
func validEntries(entries []*models.AnalysisEntry) []*models.AnalysisEntry {
	out := entries[:0]
	for _, e := range entries {
		if e == nil || e.ID == "" || e.Validate() != nil {
			continue
		}
		if e.AnalysisStatus == models.StatusAnalyzing {
			e.AnalysisStatus = models.StatusFailed
			e.ResultAvailable = false
		}
		out = append(out, e)
	}
	return out
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return errMissingData
	}
	return json.Unmarshal(data, v)
}
