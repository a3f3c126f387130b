package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var ErrUserNotFound = errors.New("user not found")

// dummyPasswordHash is compared against when no account matches the email.
var dummyPasswordHash = sync.OnceValue(func() string {
	hash, err := bcrypt.GenerateFromPassword([]byte("school-portal-no-such-account"), bcrypt.DefaultCost)
	if err != nil {
		return ""
	}
	return string(hash)
})

// UserStore looks up accounts and checks their passwords.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (User, error)
	CheckPassword(user User, password string) bool
}

// MemoryUserStore is the mock user directory the portal's demo data
// services use.
type MemoryUserStore struct {
	mu      sync.RWMutex
	byEmail map[string]User
	cost    int
}

func NewMemoryUserStore(cost int) *MemoryUserStore {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &MemoryUserStore{byEmail: make(map[string]User), cost: cost}
}

func (m *MemoryUserStore) FindByEmail(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.byEmail[normalizeEmail(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (m *MemoryUserStore) CheckPassword(user User, password string) bool {
	return checkBcrypt(user.PasswordHash, password)
}

// Upsert stores an account with a bcrypt hash of plainPassword.
func (m *MemoryUserStore) Upsert(email, displayName string, role Role, plainPassword string) (User, error) {
	email = normalizeEmail(email)
	displayName = strings.TrimSpace(displayName)
	if email == "" || displayName == "" || plainPassword == "" {
		return User{}, errors.New("email, display name and password are required")
	}
	if !role.Valid() {
		return User{}, fmt.Errorf("unknown role %q", role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plainPassword), m.cost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.byEmail[email]
	if !ok {
		id, err := uuid.NewV7()
		if err != nil {
			return User{}, fmt.Errorf("generate uuid v7: %w", err)
		}
		user = User{ID: id.String(), Email: email, CreatedAt: now}
	}
	user.DisplayName = displayName
	user.Role = role
	user.PasswordHash = string(hash)
	user.UpdatedAt = now
	m.byEmail[email] = user

	return user, nil
}

// DemoAccount describes a seeded account of the mock directory.
type DemoAccount struct {
	Email       string
	DisplayName string
	Role        Role
}

// DemoAccounts has one account per portal role.
var DemoAccounts = []DemoAccount{
	{Email: "superadmin@school.test", DisplayName: "Grace Mwangi", Role: RoleSuperAdmin},
	{Email: "admin@school.test", DisplayName: "Joseph Otieno", Role: RoleAdmin},
	{Email: "teacher@school.test", DisplayName: "Amani Njoroge", Role: RoleTeacher},
	{Email: "student@school.test", DisplayName: "Wanjiru Kamau", Role: RoleStudent},
	{Email: "parent@school.test", DisplayName: "Peter Kamau", Role: RoleParent},
	{Email: "librarian@school.test", DisplayName: "Halima Said", Role: RoleLibrarian},
	{Email: "accountant@school.test", DisplayName: "Daniel Kiprop", Role: RoleAccountant},
}

// SeedDemoAccounts stores every demo account with the same password.
func SeedDemoAccounts(store *MemoryUserStore, password string) error {
	for _, account := range DemoAccounts {
		if _, err := store.Upsert(account.Email, account.DisplayName, account.Role, password); err != nil {
			return fmt.Errorf("seed %s: %w", account.Email, err)
		}
	}
	return nil
}

func checkBcrypt(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
