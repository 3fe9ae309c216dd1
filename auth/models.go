package auth

import "time"

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleSupport Role = "support"
	RoleService Role = "service"
)

// User is an operator of the admin console. It mirrors the admin_users
// table and carries no JSON annotations so presentation layers stay free to
// shape their own payloads.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Claims is what a verified bearer token asserts.
type Claims struct {
	UserID string
	Role   Role
}

// RegisterRequest contains operator registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
