package profile

import (
	"context"
	"errors"
	"testing"

	"github.com/franckalain/ukcal/internal/database"
	"github.com/franckalain/ukcal/internal/logger"
	"github.com/franckalain/ukcal/internal/models"
	"github.com/franckalain/ukcal/internal/postcode"
)

const email = "owner@cafe.co.uk"

type mockLookup struct {
	LookupFunc func(ctx context.Context, code string) (*postcode.Address, error)
}

func (m *mockLookup) Lookup(ctx context.Context, code string) (*postcode.Address, error) {
	return m.LookupFunc(ctx, code)
}

func westminster() *mockLookup {
	return &mockLookup{LookupFunc: func(ctx context.Context, code string) (*postcode.Address, error) {
		return &postcode.Address{Postcode: "SW1A 1AA", District: "Westminster", Ward: "St James's", Town: "Westminster"}, nil
	}}
}

func TestWizardFlow(t *testing.T) {
	db := database.NewMemoryDB()
	svc := NewService(db, db, westminster(), logger.Discard())
	ctx := context.Background()

	// Step 1
	if _, err := svc.SaveDraft(ctx, email, StepBusiness, map[string]string{
		"businessName": "  Dosa Hut ",
		"category":     "Restaurant",
		"cuisine":      "South Indian",
	}); err != nil {
		t.Fatalf("SaveDraft step 1 failed: %v", err)
	}

	// Step 2
	draft, err := svc.AutoFill(ctx, email, "sw1a1aa")
	if err != nil {
		t.Fatalf("AutoFill failed: %v", err)
	}
	if draft.Profile.District != "Westminster" || draft.Profile.BusinessName != "Dosa Hut" {
		t.Errorf("draft = %+v", draft.Profile)
	}
	if _, err := svc.SaveDraft(ctx, email, StepAddress, map[string]string{"addressLine": "1 Mall Road"}); err != nil {
		t.Fatal(err)
	}

	p, err := svc.Complete(ctx, email)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if p.AddressLine != "1 Mall Road" || p.Postcode != "SW1A 1AA" {
		t.Errorf("profile = %+v", p)
	}

	saved, _ := svc.Get(ctx, email)
	if saved == nil || saved.BusinessName != "Dosa Hut" {
		t.Errorf("saved profile = %+v", saved)
	}
	if v, _, _ := db.Get(ctx, database.ProfileCompletedKey(email)); v != "true" {
		t.Errorf("local flag = %q", v)
	}
	if acc, _ := db.GetAccount(ctx, email); acc == nil || !acc.ProfileCompleted {
		t.Errorf("account flag not set: %+v", acc)
	}
	if _, ok, _ := db.Get(ctx, database.ProfileDraftKey(email)); ok {
		t.Error("draft should be removed after completion")
	}
}

func TestComplete_RequiresFields(t *testing.T) {
	db := database.NewMemoryDB()
	svc := NewService(db, db, nil, logger.Discard())
	ctx := context.Background()

	svc.SaveDraft(ctx, email, StepBusiness, map[string]string{"businessName": "Chippy"})

	_, err := svc.Complete(ctx, email)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if p, _ := db.GetProfile(ctx, email); p != nil {
		t.Error("nothing should be saved")
	}
}

func TestSaveDraft_RejectsUnknownInput(t *testing.T) {
	db := database.NewMemoryDB()
	svc := NewService(db, db, nil, logger.Discard())
	ctx := context.Background()

	if _, err := svc.SaveDraft(ctx, email, 3, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("bad step: got %v", err)
	}
	if _, err := svc.SaveDraft(ctx, email, StepBusiness, map[string]string{"favouriteColour": "red"}); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown field: got %v", err)
	}
}

func TestGetDraft_CorruptIsEmpty(t *testing.T) {
	db := database.NewMemoryDB()
	ctx := context.Background()
	db.Set(ctx, database.ProfileDraftKey(email), "{oops")
	svc := NewService(db, db, nil, logger.Discard())

	draft, err := svc.GetDraft(ctx, email)
	if err != nil {
		t.Fatal(err)
	}
	if draft.Step != StepBusiness || draft.Profile.BusinessName != "" || draft.Profile.Email != email {
		t.Errorf("draft = %+v", draft)
	}
}

func TestAutoFill_LookupFailureLeavesFieldsBlank(t *testing.T) {
	db := database.NewMemoryDB()
	lookup := &mockLookup{LookupFunc: func(ctx context.Context, code string) (*postcode.Address, error) {
		return nil, errors.New("dial tcp: no route to host")
	}}
	svc := NewService(db, db, lookup, logger.Discard())
	ctx := context.Background()
	svc.SaveDraft(ctx, email, StepAddress, map[string]string{"district": "Old", "town": "Old"})

	draft, err := svc.AutoFill(ctx, email, "M1 1AE")
	if err != nil {
		t.Fatalf("AutoFill should not fail on network errors: %v", err)
	}
	p := draft.Profile
	if p.Postcode != "M11AE" || p.District != "" || p.Ward != "" || p.Town != "" {
		t.Errorf("draft = %+v", p)
	}
}

func TestAutoFill_InvalidPostcode(t *testing.T) {
	db := database.NewMemoryDB()
	svc := NewService(db, db, westminster(), logger.Discard())

	if _, err := svc.AutoFill(context.Background(), email, "M1"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	db := database.NewMemoryDB()
	svc := NewService(db, db, nil, logger.Discard())
	ctx := context.Background()

	valid := models.BusinessProfile{BusinessName: "Chippy", Category: "Takeaway", Postcode: "LS1 4AP", District: "Leeds"}
	p, err := svc.Update(ctx, email, valid)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if p.Email != email {
		t.Errorf("email = %s", p.Email)
	}

	other := valid
	other.Email = "someone@else.com"
	if _, err := svc.Update(ctx, email, other); !errors.Is(err, ErrWrongUser) {
		t.Errorf("expected ErrWrongUser, got %v", err)
	}

	badPhone := valid
	badPhone.Phone = "12ab"
	if _, err := svc.Update(ctx, email, badPhone); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for phone, got %v", err)
	}

	goodPhone := valid
	goodPhone.Phone = "+44 113 496 0000"
	if _, err := svc.Update(ctx, email, goodPhone); err != nil {
		t.Errorf("valid phone rejected: %v", err)
	}
}

// foreignRecords returns a profile stored under a different owner
type foreignRecords struct {
	*database.MemoryDB
}

func (f *foreignRecords) GetProfile(ctx context.Context, email string) (*models.BusinessProfile, error) {
	return &models.BusinessProfile{Email: "intruder@example.com", BusinessName: "Not yours"}, nil
}

func TestGet_SkipsProfileOfAnotherUser(t *testing.T) {
	db := database.NewMemoryDB()
	svc := NewService(&foreignRecords{db}, db, nil, logger.Discard())

	p, err := svc.Get(context.Background(), email)
	if err != nil || p != nil {
		t.Errorf("Get = %+v, %v; want nil, nil", p, err)
	}
}
