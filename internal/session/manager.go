package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/franckalain/ukcal/internal/database"
	"github.com/franckalain/ukcal/internal/history"
	"github.com/franckalain/ukcal/internal/logger"
	"github.com/franckalain/ukcal/internal/models"
)

var (
	ErrInvalidEmail = errors.New("a valid email is required")
	ErrNotSignedIn  = errors.New("not signed in")
)

// Route is the navigation flow a session is gated into
type Route string

const (
	RouteConsent    Route = "consent"
	RouteOnboarding Route = "onboarding"
	RouteMain       Route = "main"
)

// Flags are the gating flags of an account
type Flags struct {
	ConsentGiven     bool       `json:"consentGiven"`
	ConsentTimestamp *time.Time `json:"consentTimestamp,omitempty"`
	ProfileCompleted bool       `json:"profileCompleted"`
}

// Route answers which flow the flags allow
func (f Flags) Route() Route {
	switch {
	case !f.ConsentGiven:
		return RouteConsent
	case !f.ProfileCompleted:
		return RouteOnboarding
	default:
		return RouteMain
	}
}

// Session is what a successful login or resume returns
type Session struct {
	Email string `json:"email"`
	Token string `json:"token"`
	Flags Flags  `json:"flags"`
	Route Route  `json:"route"`
}

// Manager tracks the signed-in user of one app instance and keeps its
// history store bound to that user
type Manager struct {
	records database.Records
	kv      database.Store
	tokens  *Tokens
	history *history.Store
	log     *logger.Logger

	mu    sync.Mutex
	email string
}

// NewManager creates a signed-out session manager
func NewManager(records database.Records, kv database.Store, tokens *Tokens, h *history.Store, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		records: records,
		kv:      kv,
		tokens:  tokens,
		history: h,
		log:     log.WithComponent("session"),
	}
}

// CurrentUser returns the signed-in email, or "" when signed out
func (m *Manager) CurrentUser() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.email
}

// Login signs email in: the account is created when missing, the previous
// user's history is evicted before the new one is loaded
func (m *Manager) Login(ctx context.Context, email string) (*Session, error) {
	email = database.NormalizeEmail(email)
	if !validEmail(email) {
		return nil, ErrInvalidEmail
	}

	account, err := m.records.GetAccount(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if account == nil {
		account = &models.Account{Email: email}
		if err := m.records.SaveAccount(ctx, account); err != nil {
			return nil, fmt.Errorf("login: create account: %w", err)
		}
		m.log.Info("account created", "email", email)
	}

	m.switchUser(ctx, email)
	return m.open(ctx, email)
}

// Resume validates a token issued earlier and restores its session,
// switching user when the token belongs to someone else
func (m *Manager) Resume(ctx context.Context, token string) (*Session, error) {
	email, err := m.tokens.Validate(token)
	if err != nil {
		return nil, err
	}
	if m.CurrentUser() != email {
		m.switchUser(ctx, email)
	}
	return m.open(ctx, email)
}

// Logout evicts the user's history from memory and signs out
func (m *Manager) Logout(ctx context.Context) {
	if err := m.history.Flush(ctx); err != nil {
		m.log.Warn("flush on logout failed", "error", err)
	}
	m.history.ClearHistoryLocal()

	m.mu.Lock()
	email := m.email
	m.email = ""
	m.mu.Unlock()
	m.log.Info("signed out", "email", email)
}

// GiveConsent records consent on the account of the signed-in user
func (m *Manager) GiveConsent(ctx context.Context) (Flags, error) {
	email := m.CurrentUser()
	if email == "" {
		return Flags{}, ErrNotSignedIn
	}

	account, err := m.records.GetAccount(ctx, email)
	if err != nil {
		return Flags{}, fmt.Errorf("give consent: %w", err)
	}
	if account == nil {
		account = &models.Account{Email: email}
	}
	now := time.Now().UTC()
	account.ConsentGiven = true
	account.ConsentTimestamp = &now
	if err := m.records.SaveAccount(ctx, account); err != nil {
		return Flags{}, fmt.Errorf("give consent: %w", err)
	}
	return m.Reconcile(ctx, email), nil
}

// Reconcile makes the local flag cache match the account record. When the
// record cannot be read the cached flags are returned unchanged.
func (m *Manager) Reconcile(ctx context.Context, email string) Flags {
	email = database.NormalizeEmail(email)
	log := m.log.With("email", email)

	account, err := m.records.GetAccount(ctx, email)
	if err != nil || account == nil {
		log.Warn("account unavailable, using cached flags", "error", err)
		return m.cachedFlags(ctx, email)
	}

	// a saved profile whose completion flag never reached the account
	if !account.ProfileCompleted {
		if p, err := m.records.GetProfile(ctx, email); err == nil && p != nil && p.BusinessName != "" {
			account.ProfileCompleted = true
			if err := m.records.SaveAccount(ctx, account); err != nil {
				log.Warn("could not repair profile flag", "error", err)
			}
		}
	}

	flags := Flags{
		ConsentGiven:     account.ConsentGiven,
		ConsentTimestamp: account.ConsentTimestamp,
		ProfileCompleted: account.ProfileCompleted,
	}
	m.writeCache(ctx, email, flags)
	return flags
}

func (m *Manager) switchUser(ctx context.Context, email string) {
	if err := m.history.Flush(ctx); err != nil {
		m.log.Warn("flush before switch failed", "error", err)
	}
	m.history.ClearHistoryLocal()

	m.mu.Lock()
	previous := m.email
	m.email = email
	m.mu.Unlock()

	if previous != "" && previous != email {
		m.log.Info("user switched", "from", previous, "to", email)
	}
}

func (m *Manager) open(ctx context.Context, email string) (*Session, error) {
	flags := m.Reconcile(ctx, email)

	if _, err := m.history.Entries(email); errors.Is(err, history.ErrNotLoaded) {
		if _, err := m.history.LoadHistory(ctx, email); err != nil && !errors.Is(err, history.ErrStaleLoad) {
			m.log.Error("history load failed", "email", email, "error", err)
		}
	}

	token, err := m.tokens.Issue(email)
	if err != nil {
		return nil, err
	}
	m.log.Info("session opened", "email", email, "route", flags.Route())
	return &Session{Email: email, Token: token, Flags: flags, Route: flags.Route()}, nil
}

func (m *Manager) cachedFlags(ctx context.Context, email string) Flags {
	var flags Flags
	if v, ok, err := m.kv.Get(ctx, database.ConsentKey(email)); err == nil && ok {
		flags.ConsentGiven, _ = strconv.ParseBool(v)
	}
	if v, ok, err := m.kv.Get(ctx, database.ConsentTimestampKey(email)); err == nil && ok {
		if ts, ok := models.ParseTimestamp(v); ok {
			t := ts.Time
			flags.ConsentTimestamp = &t
		}
	}
	if v, ok, err := m.kv.Get(ctx, database.ProfileCompletedKey(email)); err == nil && ok {
		flags.ProfileCompleted, _ = strconv.ParseBool(v)
	}
	return flags
}

func (m *Manager) writeCache(ctx context.Context, email string, flags Flags) {
	writes := map[string]string{
		database.ConsentKey(email):          strconv.FormatBool(flags.ConsentGiven),
		database.ProfileCompletedKey(email): strconv.FormatBool(flags.ProfileCompleted),
	}
	for key, value := range writes {
		if err := m.kv.Set(ctx, key, value); err != nil {
			m.log.Warn("flag cache write failed", "key", key, "error", err)
		}
	}

	tsKey := database.ConsentTimestampKey(email)
	var err error
	if flags.ConsentTimestamp != nil {
		err = m.kv.Set(ctx, tsKey, flags.ConsentTimestamp.UTC().Format(time.RFC3339Nano))
	} else {
		err = m.kv.Remove(ctx, tsKey)
	}
	if err != nil {
		m.log.Warn("flag cache write failed", "key", tsKey, "error", err)
	}
}

func validEmail(email string) bool {
	at := strings.Index(email, "@")
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t")
}
