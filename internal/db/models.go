// Package db defines persistence models and access for FileDash.
package db

// Role enumerates the two account roles the core distinguishes.
type Role string

const (
	// RoleAdmin can manage other users.
	RoleAdmin Role = "admin"
	// RoleUser is an ordinary authenticated principal.
	RoleUser Role = "user"
)

// User represents an authenticated account.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	Role         Role   `json:"role"`
	IsActive     bool   `json:"is_active"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// RevokedToken records a token that must no longer verify, keyed by jti.
type RevokedToken struct {
	JTI       string `json:"jti"`
	UserID    string `json:"user_id"`
	RevokedAt int64  `json:"revoked_at"`
}

// Session records a token at issuance time so a user can enumerate and
// bulk-revoke their own live sessions.
type Session struct {
	JTI       string `json:"jti"`
	UserID    string `json:"user_id"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}
