package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/franckalain/ukcal/internal/logger"
	"github.com/franckalain/ukcal/internal/models"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

// UpdateFunc receives the current value of a key (ok is false when the key
// is absent) and returns the value to store
type UpdateFunc func(current string, ok bool) (string, error)

// Store is the local key-value store. Writes to different keys are not
// transactional; Update is atomic for a single key only.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// Records holds the durable account and business profile records
type Records interface {
	GetAccount(ctx context.Context, email string) (*models.Account, error)
	SaveAccount(ctx context.Context, account *models.Account) error
	GetProfile(ctx context.Context, email string) (*models.BusinessProfile, error)
	SaveProfile(ctx context.Context, profile *models.BusinessProfile) error
}

// DB is everything the SQLite backend offers
type DB interface {
	Store
	Records
	Close() error
}

// SQLiteDB implements the DB interface
type SQLiteDB struct {
	db  *sql.DB
	log *logger.Logger
}

// NewSQLiteDB creates a new SQLite database connection
func NewSQLiteDB(dbPath string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// One connection serializes Update transactions without SQLITE_BUSY retries
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("error enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("error setting busy timeout: %w", err)
	}

	s := &SQLiteDB{db: db, log: logger.Default().WithComponent("database")}
	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteDB) initializeSchema() error {
	schemaBytes, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("error reading schema file: %w", err)
	}
	if _, err := s.db.Exec(string(schemaBytes)); err != nil {
		return fmt.Errorf("error executing schema: %w", err)
	}
	s.log.Debug("database schema initialized")
	return nil
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key
func (s *SQLiteDB) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key
func (s *SQLiteDB) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, upsertKV, key, value, nowString())
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Remove deletes key; removing a missing key is not an error
func (s *SQLiteDB) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Update runs fn inside a transaction on a single key
func (s *SQLiteDB) Update(ctx context.Context, key string, fn UpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update %s: begin: %w", key, err)
	}
	defer tx.Rollback()

	var current string
	ok := true
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		ok = false
	} else if err != nil {
		return fmt.Errorf("update %s: read: %w", key, err)
	}

	next, err := fn(current, ok)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, upsertKV, key, next, nowString()); err != nil {
		return fmt.Errorf("update %s: write: %w", key, err)
	}
	return tx.Commit()
}

const upsertKV = `
	INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
`

// GetAccount returns the account for email, or nil when none exists
func (s *SQLiteDB) GetAccount(ctx context.Context, email string) (*models.Account, error) {
	query := `
		SELECT email, consent_given, consent_timestamp, profile_completed, created_at, updated_at
		FROM accounts WHERE email = ?
	`

	var (
		account              models.Account
		consentTS            sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, query, NormalizeEmail(email)).Scan(
		&account.Email, &account.ConsentGiven, &consentTS,
		&account.ProfileCompleted, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}

	if consentTS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, consentTS.String); err == nil {
			account.ConsentTimestamp = &t
		}
	}
	account.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	account.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &account, nil
}

// SaveAccount inserts or updates an account
func (s *SQLiteDB) SaveAccount(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (
			email, consent_given, consent_timestamp, profile_completed, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			consent_given = excluded.consent_given,
			consent_timestamp = excluded.consent_timestamp,
			profile_completed = excluded.profile_completed,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	account.Email = NormalizeEmail(account.Email)
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	var consentTS sql.NullString
	if account.ConsentTimestamp != nil {
		consentTS = sql.NullString{String: account.ConsentTimestamp.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		account.Email, account.ConsentGiven, consentTS, account.ProfileCompleted,
		account.CreatedAt.Format(time.RFC3339Nano), account.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// GetProfile returns the business profile for email, or nil when none exists
func (s *SQLiteDB) GetProfile(ctx context.Context, email string) (*models.BusinessProfile, error) {
	query := `
		SELECT email, business_name, contact_name, category, cuisine, phone,
			postcode, district, ward, town, address_line, updated_at
		FROM business_profiles WHERE email = ?
	`

	var (
		p                                           models.BusinessProfile
		contact, category, cuisine, phone, postcode sql.NullString
		district, ward, town, addressLine           sql.NullString
		updatedAt                                   string
	)
	err := s.db.QueryRowContext(ctx, query, NormalizeEmail(email)).Scan(
		&p.Email, &p.BusinessName, &contact, &category, &cuisine, &phone,
		&postcode, &district, &ward, &town, &addressLine, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	p.ContactName = contact.String
	p.Category = category.String
	p.Cuisine = cuisine.String
	p.Phone = phone.String
	p.Postcode = postcode.String
	p.District = district.String
	p.Ward = ward.String
	p.Town = town.String
	p.AddressLine = addressLine.String
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &p, nil
}

// SaveProfile inserts or updates a business profile
func (s *SQLiteDB) SaveProfile(ctx context.Context, p *models.BusinessProfile) error {
	query := `
		INSERT INTO business_profiles (
			email, business_name, contact_name, category, cuisine, phone,
			postcode, district, ward, town, address_line, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			business_name = excluded.business_name,
			contact_name = excluded.contact_name,
			category = excluded.category,
			cuisine = excluded.cuisine,
			phone = excluded.phone,
			postcode = excluded.postcode,
			district = excluded.district,
			ward = excluded.ward,
			town = excluded.town,
			address_line = excluded.address_line,
			updated_at = excluded.updated_at
	`

	p.Email = NormalizeEmail(p.Email)
	p.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, query,
		p.Email, p.BusinessName, p.ContactName, p.Category, p.Cuisine, p.Phone,
		p.Postcode, p.District, p.Ward, p.Town, p.AddressLine,
		p.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
