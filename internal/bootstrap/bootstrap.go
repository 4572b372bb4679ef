// Package bootstrap ensures at least one administrator account exists
// before the HTTP server starts accepting requests, so a fresh deployment
// is usable without an interactive setup step.
package bootstrap

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"filedash/internal/auth"
	"filedash/internal/db"
)

// adminStore is the subset of *db.DB bootstrap depends on.
type adminStore interface {
	CountAdmins(ctx context.Context) (int, error)
	InsertUser(ctx context.Context, id, email, passwordHash string, role db.Role) error
}

// EnsureAdmin creates an administrator account if and only if no admin-role
// user exists yet. When defaultPassword is empty, a random one is generated
// and logged at warn level — this is a bootstrap convenience, not a
// long-term credential. A warning is logged only on the startup that
// creates the account; later startups find the admin and log nothing.
func EnsureAdmin(ctx context.Context, store adminStore, log *slog.Logger, defaultEmail, defaultPassword string) error {
	count, err := store.CountAdmins(ctx)
	if err != nil {
		return fmt.Errorf("count admins: %w", err)
	}
	if count > 0 {
		return nil
	}

	password := defaultPassword
	generated := false
	if password == "" {
		password, err = randomPassword()
		if err != nil {
			return fmt.Errorf("generate admin password: %w", err)
		}
		generated = true
	}

	hash, err := auth.HashPassword(password, auth.DefaultArgon2Params())
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	id := uuid.NewString()
	if err := store.InsertUser(ctx, id, defaultEmail, hash, db.RoleAdmin); err != nil {
		return fmt.Errorf("insert admin user: %w", err)
	}

	if generated {
		log.Warn("bootstrap created administrator account with a generated password",
			"email", defaultEmail, "password", password)
	} else {
		log.Warn("bootstrap created administrator account using the configured default password; change it after first login",
			"email", defaultEmail)
	}
	return nil
}

func randomPassword() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
