package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Repository is the Postgres-backed UserStore.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) FindByEmail(ctx context.Context, email string) (User, error) {
	var user User
	var role string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, role, password_hash, created_at, updated_at
		FROM users
		WHERE email = $1
	`, normalizeEmail(email)).Scan(&user.ID, &user.Email, &user.DisplayName, &role, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by email: %w", err)
	}
	user.Role = Role(role)

	return user, nil
}

func (r *Repository) CheckPassword(user User, password string) bool {
	return checkBcrypt(user.PasswordHash, password)
}

// UpsertUser creates the account or replaces its name, role and password.
func (r *Repository) UpsertUser(ctx context.Context, email, displayName string, role Role, plainPassword string) error {
	email = normalizeEmail(email)
	displayName = strings.TrimSpace(displayName)
	if email == "" || displayName == "" || plainPassword == "" {
		return errors.New("email, display name and password are required")
	}
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate uuid v7: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plainPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, role, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (email)
		DO UPDATE SET
			display_name = EXCLUDED.display_name,
			role = EXCLUDED.role,
			password_hash = EXCLUDED.password_hash,
			updated_at = EXCLUDED.updated_at
	`, id.String(), email, displayName, string(role), string(hash), now)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}

	return nil
}
