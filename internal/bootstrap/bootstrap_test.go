package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"filedash/internal/db"
)

type fakeAdminStore struct {
	admins int
	users  []string
}

func (f *fakeAdminStore) CountAdmins(ctx context.Context) (int, error) {
	return f.admins, nil
}

func (f *fakeAdminStore) InsertUser(ctx context.Context, id, email, passwordHash string, role db.Role) error {
	f.admins++
	f.users = append(f.users, email)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnsureAdminCreatesWhenNoneExists(t *testing.T) {
	store := &fakeAdminStore{}
	if err := EnsureAdmin(context.Background(), store, discardLogger(), "admin@localhost", "configured-pass"); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	if store.admins != 1 {
		t.Fatalf("expected one admin created, got %d", store.admins)
	}
}

func TestEnsureAdminIsIdempotent(t *testing.T) {
	store := &fakeAdminStore{admins: 1}
	if err := EnsureAdmin(context.Background(), store, discardLogger(), "admin@localhost", "x"); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	if store.admins != 1 {
		t.Fatalf("expected no new admin created, got %d", store.admins)
	}
}

func TestEnsureAdminGeneratesPasswordWhenNoneConfigured(t *testing.T) {
	store := &fakeAdminStore{}
	if err := EnsureAdmin(context.Background(), store, discardLogger(), "admin@localhost", ""); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	if store.admins != 1 {
		t.Fatalf("expected admin created with generated password")
	}
}
