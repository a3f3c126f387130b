package auth

import (
	"time"

	"school-portal/internal/token"
)

type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleTeacher    Role = "teacher"
	RoleStudent    Role = "student"
	RoleParent     Role = "parent"
	RoleLibrarian  Role = "librarian"
	RoleAccountant Role = "accountant"
)

var roleLabels = map[Role]string{
	RoleSuperAdmin: "Super Admin",
	RoleAdmin:      "Administrator",
	RoleTeacher:    "Teacher",
	RoleStudent:    "Student",
	RoleParent:     "Parent",
	RoleLibrarian:  "Librarian",
	RoleAccountant: "Accountant",
}

func (r Role) Label() string {
	return roleLabels[r]
}

func (r Role) Valid() bool {
	_, ok := roleLabels[r]
	return ok
}

type User struct {
	ID           string
	Email        string
	DisplayName  string
	Role         Role
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PublicUser is the user shape returned to clients.
type PublicUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Role      Role   `json:"role"`
	RoleLabel string `json:"roleLabel"`
}

func (u User) Public() PublicUser {
	return PublicUser{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.DisplayName,
		Role:      u.Role,
		RoleLabel: u.Role.Label(),
	}
}

func (u User) identity() token.Identity {
	return token.Identity{
		Subject:     u.ID,
		Role:        string(u.Role),
		RoleLabel:   u.Role.Label(),
		DisplayName: u.DisplayName,
		Email:       u.Email,
	}
}

type LoginInput struct {
	Email    string
	Password string
	IP       string
}

type LoginResult struct {
	User   PublicUser
	Tokens token.Pair
}

type RefreshResult struct {
	AccessToken string
	ExpiresAt   time.Time
}

type PruneResult struct {
	DeletedIPEntries      int `json:"deleted_ip_entries"`
	DeletedAccountEntries int `json:"deleted_account_entries"`
}
