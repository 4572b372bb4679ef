// Package httpapi tests exercise the router end to end: login, logout
// revocation, admin-only registration, and file operations behind bearer
// auth.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"filedash/internal/auth"
	"filedash/internal/db"
	"filedash/internal/filesvc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *db.DB) {
	t.Helper()
	ctx := context.Background()
	d, err := db.Open(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	tokens, err := auth.NewTokenService([]byte("01234567890123456789012345678901"), time.Hour, d)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}

	hash, err := auth.HashPassword("correct horse", auth.DefaultArgon2Params())
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := d.InsertUser(ctx, "u1", "admin@example.com", hash, db.RoleAdmin); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}

	s := &Server{
		DB:             d,
		Logger:         testLogger(),
		Tokens:         tokens,
		Files:          filesvc.New(t.TempDir()),
		MaxUploadSize:  10 << 20,
		MaxRequestSize: 20 << 20,
		CORSOrigins:    []string{"*"},
		EnableAuth:     true,
	}
	return s, d
}

func loginToken(t *testing.T, s *Server) string {
	t.Helper()
	body := `{"email":"admin@example.com","password":"correct horse"}`
	r := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("login status=%d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.Token == "" {
		t.Fatalf("expected non-empty token")
	}
	return resp.Token
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	s, _ := newTestServer(t)
	body := `{"email":"admin@example.com","password":"wrong"}`
	r := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestLoginThenMeRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	token := loginToken(t, s)

	r := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var got userView
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Email != "admin@example.com" {
		t.Fatalf("email=%q", got.Email)
	}
}

func TestFilesRequireAuth(t *testing.T) {
	s, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	s, _ := newTestServer(t)
	token := loginToken(t, s)

	r := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("logout status=%d body=%s", w.Code, w.Body.String())
	}

	r2 := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	r2.Header.Set("Authorization", "Bearer "+token)
	w2 := httptest.NewRecorder()
	s.Router().ServeHTTP(w2, r2)
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked token to be rejected, status=%d", w2.Code)
	}
}

func TestMkdirThenListShowsEntry(t *testing.T) {
	s, _ := newTestServer(t)
	token := loginToken(t, s)

	body := `{"path":"/reports","recursive":false}`
	r := httptest.NewRequest(http.MethodPost, "/api/files/mkdir", bytes.NewBufferString(body))
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("mkdir status=%d body=%s", w.Code, w.Body.String())
	}

	r2 := httptest.NewRequest(http.MethodGet, "/api/files?path=/", nil)
	r2.Header.Set("Authorization", "Bearer "+token)
	w2 := httptest.NewRecorder()
	s.Router().ServeHTTP(w2, r2)
	if w2.Code != http.StatusOK {
		t.Fatalf("list status=%d body=%s", w2.Code, w2.Body.String())
	}
	if !bytes.Contains(w2.Body.Bytes(), []byte("reports")) {
		t.Fatalf("expected listing to include reports, got %s", w2.Body.String())
	}
}

func TestUploadThenDownloadRoundTrips(t *testing.T) {
	s, _ := newTestServer(t)
	token := loginToken(t, s)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "hello.txt")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write([]byte("hello world")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, "/api/files/upload?path=/", &buf)
	r.Header.Set("Authorization", "Bearer "+token)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("upload status=%d body=%s", w.Code, w.Body.String())
	}

	r2 := httptest.NewRequest(http.MethodGet, "/api/files/download/hello.txt", nil)
	r2.Header.Set("Authorization", "Bearer "+token)
	w2 := httptest.NewRecorder()
	s.Router().ServeHTTP(w2, r2)
	if w2.Code != http.StatusOK {
		t.Fatalf("download status=%d body=%s", w2.Code, w2.Body.String())
	}
	if w2.Body.String() != "hello world" {
		t.Fatalf("body=%q", w2.Body.String())
	}
}

func TestRegisterRequiresAdminRole(t *testing.T) {
	s, d := newTestServer(t)

	hash, err := auth.HashPassword("plainuser-pw", auth.DefaultArgon2Params())
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := d.InsertUser(context.Background(), "u2", "user@example.com", hash, db.RoleUser); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}

	body := `{"email":"user@example.com","password":"plainuser-pw"}`
	r := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)
	var resp struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)

	body2 := `{"email":"new@example.com","password":"newpassword1"}`
	r2 := httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewBufferString(body2))
	r2.Header.Set("Authorization", "Bearer "+resp.Token)
	w2 := httptest.NewRecorder()
	s.Router().ServeHTTP(w2, r2)
	if w2.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden for non-admin register, status=%d body=%s", w2.Code, w2.Body.String())
	}
}
