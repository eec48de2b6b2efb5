package database

import (
	"context"
	"sync"

	"github.com/franckalain/ukcal/internal/models"
)

// MemoryDB is an in-process DB used by tests and by the server when no
// database path is configured
type MemoryDB struct {
	mu       sync.Mutex
	kv       map[string]string
	accounts map[string]models.Account
	profiles map[string]models.BusinessProfile
}

// NewMemoryDB creates an empty in-memory DB
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		kv:       make(map[string]string),
		accounts: make(map[string]models.Account),
		profiles: make(map[string]models.BusinessProfile),
	}
}

func (m *MemoryDB) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *MemoryDB) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

func (m *MemoryDB) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *MemoryDB) Update(ctx context.Context, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.kv[key]
	next, err := fn(current, ok)
	if err != nil {
		return err
	}
	m.kv[key] = next
	return nil
}

func (m *MemoryDB) GetAccount(ctx context.Context, email string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[NormalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *MemoryDB) SaveAccount(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account.Email = NormalizeEmail(account.Email)
	m.accounts[account.Email] = *account
	return nil
}

func (m *MemoryDB) GetProfile(ctx context.Context, email string) (*models.BusinessProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[NormalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryDB) SaveProfile(ctx context.Context, profile *models.BusinessProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	profile.Email = NormalizeEmail(profile.Email)
	m.profiles[profile.Email] = *profile
	return nil
}

func (m *MemoryDB) Close() error { return nil }
