package database

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/franckalain/ukcal/internal/models"
)

func newTestSQLite(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func backends(t *testing.T) map[string]DB {
	return map[string]DB{
		"sqlite": newTestSQLite(t),
		"memory": NewMemoryDB(),
	}
}

func TestStore_GetSetRemove(t *testing.T) {
	ctx := context.Background()
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := db.Get(ctx, "missing"); err != nil || ok {
				t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
			}

			if err := db.Set(ctx, "k", "v1"); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			if err := db.Set(ctx, "k", "v2"); err != nil {
				t.Fatalf("Set overwrite failed: %v", err)
			}
			v, ok, err := db.Get(ctx, "k")
			if err != nil || !ok || v != "v2" {
				t.Fatalf("Get = %q, %v, %v; want v2", v, ok, err)
			}

			if err := db.Remove(ctx, "k"); err != nil {
				t.Fatalf("Remove failed: %v", err)
			}
			if err := db.Remove(ctx, "k"); err != nil {
				t.Fatalf("second Remove failed: %v", err)
			}
			if _, ok, _ := db.Get(ctx, "k"); ok {
				t.Error("key still present after Remove")
			}
		})
	}
}

func TestStore_UpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			increment := func(current string, ok bool) (string, error) {
				n := 0
				if ok {
					n, _ = strconv.Atoi(current)
				}
				return strconv.Itoa(n + 1), nil
			}

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := db.Update(ctx, "counter", increment); err != nil {
						t.Errorf("Update failed: %v", err)
					}
				}()
			}
			wg.Wait()

			v, _, _ := db.Get(ctx, "counter")
			if v != "20" {
				t.Errorf("counter = %s, want 20", v)
			}
		})
	}
}

func TestStore_UpdateErrorLeavesValue(t *testing.T) {
	ctx := context.Background()
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			db.Set(ctx, "k", "original")
			boom := errors.New("boom")
			err := db.Update(ctx, "k", func(string, bool) (string, error) { return "", boom })
			if !errors.Is(err, boom) {
				t.Fatalf("expected boom, got %v", err)
			}
			v, _, _ := db.Get(ctx, "k")
			if v != "original" {
				t.Errorf("value changed to %q", v)
			}
		})
	}
}

func TestRecords_Account(t *testing.T) {
	ctx := context.Background()
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := db.GetAccount(ctx, "Owner@Example.com")
			if err != nil || got != nil {
				t.Fatalf("expected no account, got %+v, %v", got, err)
			}

			consentAt := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
			acc := &models.Account{Email: " Owner@Example.com ", ConsentGiven: true, ConsentTimestamp: &consentAt}
			if err := db.SaveAccount(ctx, acc); err != nil {
				t.Fatalf("SaveAccount failed: %v", err)
			}

			got, err = db.GetAccount(ctx, "owner@example.com")
			if err != nil || got == nil {
				t.Fatalf("GetAccount failed: %v", err)
			}
			if got.Email != "owner@example.com" || !got.ConsentGiven || got.ProfileCompleted {
				t.Errorf("unexpected account: %+v", got)
			}
			if got.ConsentTimestamp == nil || !got.ConsentTimestamp.Equal(consentAt) {
				t.Errorf("consent timestamp = %v, want %v", got.ConsentTimestamp, consentAt)
			}

			got.ProfileCompleted = true
			if err := db.SaveAccount(ctx, got); err != nil {
				t.Fatalf("SaveAccount update failed: %v", err)
			}
			again, _ := db.GetAccount(ctx, "owner@example.com")
			if !again.ProfileCompleted {
				t.Error("profile flag not persisted")
			}
		})
	}
}

func TestRecords_Profile(t *testing.T) {
	ctx := context.Background()
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			p := &models.BusinessProfile{
				Email:        "cafe@example.com",
				BusinessName: "Corner Cafe",
				Category:     "cafe",
				Postcode:     "SW1A 1AA",
				District:     "Westminster",
			}
			if err := db.SaveProfile(ctx, p); err != nil {
				t.Fatalf("SaveProfile failed: %v", err)
			}

			got, err := db.GetProfile(ctx, "CAFE@example.com")
			if err != nil || got == nil {
				t.Fatalf("GetProfile failed: %v", err)
			}
			if got.BusinessName != "Corner Cafe" || got.District != "Westminster" || got.Ward != "" {
				t.Errorf("unexpected profile: %+v", got)
			}
			if got.UpdatedAt.IsZero() {
				t.Error("UpdatedAt not set")
			}
		})
	}
}

func TestKeysAreNamespaced(t *testing.T) {
	keys := []string{
		HistoryKey(" A@x.com"),
		ProfileDraftKey("a@x.com"),
		ProfileCompletedKey("a@x.com"),
		ConsentKey("a@x.com"),
		ConsentTimestampKey("a@x.com"),
		StreakKey("a@x.com"),
	}
	seen := map[string]bool{}
	for _, k := range keys {
		if seen[k] {
			t.Errorf("duplicate key %s", k)
		}
		seen[k] = true
	}
	if HistoryKey("A@X.com") != HistoryKey("a@x.com") {
		t.Error("keys must be case-insensitive on email")
	}
	if HistoryKey("a@x.com") == HistoryKey("b@x.com") {
		t.Errorf("keys for different users collide: %s", HistoryKey("a@x.com"))
	}
}
