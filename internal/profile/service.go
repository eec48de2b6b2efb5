package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/franckalain/ukcal/internal/database"
	"github.com/franckalain/ukcal/internal/logger"
	"github.com/franckalain/ukcal/internal/models"
	"github.com/franckalain/ukcal/internal/postcode"
)

var (
	ErrValidation = errors.New("invalid business profile")
	ErrWrongUser  = errors.New("profile belongs to another user")
)

// Wizard steps
const (
	StepBusiness = 1
	StepAddress  = 2
)

// Draft is the partially filled profile of the onboarding wizard
type Draft struct {
	Step    int                    `json:"step"`
	Profile models.BusinessProfile `json:"profile"`
}

// Lookup resolves a postcode to its administrative areas
type Lookup interface {
	Lookup(ctx context.Context, postcode string) (*postcode.Address, error)
}

// Service manages business profiles: wizard drafts in the local store,
// completed profiles in the account records
type Service struct {
	records   database.Records
	kv        database.Store
	postcodes Lookup
	log       *logger.Logger
}

// NewService creates a profile service. postcodes may be nil, which turns
// auto-fill into a no-op.
func NewService(records database.Records, kv database.Store, postcodes Lookup, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		records:   records,
		kv:        kv,
		postcodes: postcodes,
		log:       log.WithComponent("profile"),
	}
}

// GetDraft returns the saved draft, or an empty one. Unreadable drafts are
// treated as absent.
func (s *Service) GetDraft(ctx context.Context, email string) (*Draft, error) {
	email = database.NormalizeEmail(email)
	raw, ok, err := s.kv.Get(ctx, database.ProfileDraftKey(email))
	if err != nil {
		s.log.Warn("draft read failed", "email", email, "error", err)
		ok = false
	}

	draft := &Draft{Step: StepBusiness}
	if ok {
		if err := json.Unmarshal([]byte(raw), draft); err != nil {
			s.log.Warn("draft is corrupt, starting over", "email", email, "error", err)
			draft = &Draft{Step: StepBusiness}
		}
	}
	draft.Profile.Email = email
	return draft, nil
}

// SaveDraft merges fields into the draft and records the wizard step
func (s *Service) SaveDraft(ctx context.Context, email string, step int, fields map[string]string) (*Draft, error) {
	if step != StepBusiness && step != StepAddress {
		return nil, fmt.Errorf("%w: unknown step %d", ErrValidation, step)
	}
	draft, err := s.GetDraft(ctx, email)
	if err != nil {
		return nil, err
	}
	for name, value := range fields {
		if err := setField(&draft.Profile, name, value); err != nil {
			return nil, err
		}
	}
	draft.Step = step

	if err := s.saveDraft(ctx, email, draft); err != nil {
		return nil, err
	}
	return draft, nil
}

// AutoFill looks the postcode up and merges district, ward and town into
// the draft. A failed lookup leaves those fields blank; only a malformed
// postcode is an error.
func (s *Service) AutoFill(ctx context.Context, email, code string) (*Draft, error) {
	normalized, err := postcode.Normalize(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	draft, err := s.GetDraft(ctx, email)
	if err != nil {
		return nil, err
	}

	p := &draft.Profile
	p.Postcode = normalized
	p.District, p.Ward, p.Town = "", "", ""
	if s.postcodes != nil {
		addr, err := s.postcodes.Lookup(ctx, normalized)
		if err != nil {
			s.log.Warn("postcode lookup failed, leaving address blank", "postcode", normalized, "error", err)
		} else {
			p.Postcode = addr.Postcode
			p.District = addr.District
			p.Ward = addr.Ward
			p.Town = addr.Town
		}
	}

	if err := s.saveDraft(ctx, email, draft); err != nil {
		return nil, err
	}
	return draft, nil
}

// Complete validates the draft and saves it as the user's profile. The
// completion flags are written afterwards; if one of those writes fails the
// next session reconcile re-derives it from the saved profile.
func (s *Service) Complete(ctx context.Context, email string) (*models.BusinessProfile, error) {
	email = database.NormalizeEmail(email)
	draft, err := s.GetDraft(ctx, email)
	if err != nil {
		return nil, err
	}
	p := draft.Profile
	if err := Validate(&p); err != nil {
		return nil, err
	}
	if err := s.records.SaveProfile(ctx, &p); err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}

	log := s.log.With("email", email)
	if err := s.kv.Set(ctx, database.ProfileCompletedKey(email), "true"); err != nil {
		log.Warn("local completion flag not written", "error", err)
	}
	if err := s.markAccountCompleted(ctx, email); err != nil {
		log.Warn("account completion flag not written", "error", err)
	}
	if err := s.kv.Remove(ctx, database.ProfileDraftKey(email)); err != nil {
		log.Warn("draft not removed", "error", err)
	}

	log.Info("profile completed", "business", p.BusinessName)
	return &p, nil
}

// Get returns the saved profile of email, or nil when there is none
func (s *Service) Get(ctx context.Context, email string) (*models.BusinessProfile, error) {
	email = database.NormalizeEmail(email)
	p, err := s.records.GetProfile(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if p != nil && database.NormalizeEmail(p.Email) != email {
		s.log.Warn("skipping profile of another user", "email", email, "profile_email", p.Email)
		return nil, nil
	}
	return p, nil
}

// Update replaces the saved profile of email after validating it
func (s *Service) Update(ctx context.Context, email string, p models.BusinessProfile) (*models.BusinessProfile, error) {
	email = database.NormalizeEmail(email)
	if p.Email != "" && database.NormalizeEmail(p.Email) != email {
		s.log.Warn("refusing to update profile of another user", "email", email, "profile_email", p.Email)
		return nil, ErrWrongUser
	}
	p.Email = email
	if err := Validate(&p); err != nil {
		return nil, err
	}
	if err := s.records.SaveProfile(ctx, &p); err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return &p, nil
}

// Validate checks required fields and normalizes the postcode
func Validate(p *models.BusinessProfile) error {
	required := []struct {
		name  string
		value string
	}{
		{"businessName", p.BusinessName},
		{"category", p.Category},
		{"postcode", p.Postcode},
		{"district", p.District},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s is required", ErrValidation, f.name)
		}
	}
	if _, err := postcode.Normalize(p.Postcode); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if p.Phone != "" && !validPhone(p.Phone) {
		return fmt.Errorf("%w: phone must have 10 to 13 digits", ErrValidation)
	}
	return nil
}

func (s *Service) saveDraft(ctx context.Context, email string, draft *Draft) error {
	data, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	if err := s.kv.Set(ctx, database.ProfileDraftKey(email), string(data)); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func (s *Service) markAccountCompleted(ctx context.Context, email string) error {
	account, err := s.records.GetAccount(ctx, email)
	if err != nil {
		return err
	}
	if account == nil {
		account = &models.Account{Email: email}
	}
	account.ProfileCompleted = true
	return s.records.SaveAccount(ctx, account)
}

func setField(p *models.BusinessProfile, name, value string) error {
	value = strings.TrimSpace(value)
	switch name {
	case "businessName":
		p.BusinessName = value
	case "contactName":
		p.ContactName = value
	case "category":
		p.Category = value
	case "cuisine":
		p.Cuisine = value
	case "phone":
		p.Phone = value
	case "postcode":
		p.Postcode = strings.ToUpper(value)
	case "district":
		p.District = value
	case "ward":
		p.Ward = value
	case "town":
		p.Town = value
	case "addressLine":
		p.AddressLine = value
	default:
		return fmt.Errorf("%w: unknown field %q", ErrValidation, name)
	}
	return nil
}

func validPhone(phone string) bool {
	digits := 0
	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == ' ' || r == '-' || (r == '+' && i == 0):
		default:
			return false
		}
	}
	return digits >= 10 && digits <= 13
}
