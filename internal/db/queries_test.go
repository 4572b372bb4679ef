// Package db tests verify database CRUD and revocation behavior.
package db

import (
	"context"
	"testing"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	d, err := Open(context.Background(), t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// TestInsertAndFindUser round-trips a user by email and by id.
func TestInsertAndFindUser(t *testing.T) {
	ctx := context.Background()
	d := openTest(t)

	if err := d.InsertUser(ctx, "u1", "Alice@Example.com", "hash", RoleAdmin); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}

	u, ok, err := d.FindUserByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("FindUserByEmail: %v", err)
	}
	if !ok {
		t.Fatalf("expected user")
	}
	if u.Email != "alice@example.com" {
		t.Fatalf("email not lowercased: %q", u.Email)
	}
	if u.Role != RoleAdmin {
		t.Fatalf("role=%q", u.Role)
	}

	byID, ok, err := d.FindUserByID(ctx, "u1")
	if err != nil {
		t.Fatalf("FindUserByID: %v", err)
	}
	if !ok || byID.ID != "u1" {
		t.Fatalf("unexpected lookup by id: %+v ok=%v", byID, ok)
	}
}

// TestCountAdmins reflects only admin-role users.
func TestCountAdmins(t *testing.T) {
	ctx := context.Background()
	d := openTest(t)

	if n, err := d.CountAdmins(ctx); err != nil || n != 0 {
		t.Fatalf("expected 0 admins, got n=%d err=%v", n, err)
	}
	if err := d.InsertUser(ctx, "u1", "admin@x.com", "hash", RoleAdmin); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}
	if err := d.InsertUser(ctx, "u2", "user@x.com", "hash", RoleUser); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}
	if n, err := d.CountAdmins(ctx); err != nil || n != 1 {
		t.Fatalf("expected 1 admin, got n=%d err=%v", n, err)
	}
}

// TestRevokeTokenIsIdempotent inserts the same jti twice without error.
func TestRevokeTokenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d := openTest(t)

	if err := d.InsertUser(ctx, "u1", "a@x.com", "hash", RoleUser); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}
	if err := d.RevokeToken(ctx, "jti-1", "u1"); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if err := d.RevokeToken(ctx, "jti-1", "u1"); err != nil {
		t.Fatalf("RevokeToken (repeat): %v", err)
	}
	revoked, err := d.IsTokenRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsTokenRevoked: %v", err)
	}
	if !revoked {
		t.Fatalf("expected jti-1 to be revoked")
	}
	revoked, err = d.IsTokenRevoked(ctx, "jti-2")
	if err != nil {
		t.Fatalf("IsTokenRevoked: %v", err)
	}
	if revoked {
		t.Fatalf("jti-2 should not be revoked")
	}
}

// TestRevokeAllForUser revokes every recorded session for that user only.
func TestRevokeAllForUser(t *testing.T) {
	ctx := context.Background()
	d := openTest(t)

	if err := d.InsertUser(ctx, "u1", "a@x.com", "hash", RoleUser); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}
	if err := d.InsertUser(ctx, "u2", "b@x.com", "hash", RoleUser); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}
	if err := d.CreateSession(ctx, "j1", "u1", 100, 200); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := d.CreateSession(ctx, "j2", "u1", 100, 200); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := d.CreateSession(ctx, "j3", "u2", 100, 200); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := d.RevokeAllForUser(ctx, "u1"); err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}

	for _, jti := range []string{"j1", "j2"} {
		revoked, err := d.IsTokenRevoked(ctx, jti)
		if err != nil || !revoked {
			t.Fatalf("expected %s revoked, got revoked=%v err=%v", jti, revoked, err)
		}
	}
	revoked, err := d.IsTokenRevoked(ctx, "j3")
	if err != nil {
		t.Fatalf("IsTokenRevoked: %v", err)
	}
	if revoked {
		t.Fatalf("j3 should not be revoked")
	}
}

// TestListSessionsForUser returns sessions newest first.
func TestListSessionsForUser(t *testing.T) {
	ctx := context.Background()
	d := openTest(t)

	if err := d.InsertUser(ctx, "u1", "a@x.com", "hash", RoleUser); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}
	if err := d.CreateSession(ctx, "j1", "u1", 100, 200); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := d.CreateSession(ctx, "j2", "u1", 300, 400); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sessions, err := d.ListSessionsForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListSessionsForUser: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].JTI != "j2" {
		t.Fatalf("expected newest session first, got %q", sessions[0].JTI)
	}
}
