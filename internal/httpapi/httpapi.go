// Package httpapi exposes the JSON HTTP API: authentication, file listing,
// ranged downloads, and multipart upload ingest, behind a chi router and a
// JWT bearer-auth middleware chain.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"filedash/internal/auth"
	"filedash/internal/db"
	"filedash/internal/filesvc"
	"filedash/internal/rangestream"
	"filedash/internal/safepath"
	"filedash/internal/validate"
)

// Server holds every dependency the HTTP handlers need.
type Server struct {
	DB             *db.DB
	Logger         *slog.Logger
	Tokens         *auth.TokenService
	Files          *filesvc.Service
	MaxUploadSize  int64
	MaxRequestSize int64
	CORSOrigins    []string
	EnableAuth     bool
	// StaticDir, when set, serves a single-page app: a request outside
	// /api that matches no route and names no file in the directory falls
	// through to its index.html so client-side routing keeps working on a
	// hard refresh.
	StaticDir string

	loginLimiter *fixedWindowLimiter
}

type ctxKey int

const ctxKeyClaims ctxKey = iota

// Router builds the full middleware chain and route table.
func (s *Server) Router() http.Handler {
	if s.loginLimiter == nil {
		s.loginLimiter = newFixedWindowLimiter(10, time.Minute)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.withRequestLog)
	r.Use(s.withRecover)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(s.withBodySizeLimit)

	r.Get("/health", s.handleHealth)

	r.Route("/api/auth", func(r chi.Router) {
		r.With(s.withLoginRateLimit).Post("/login", s.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(s.withAuth)
			r.Post("/logout", s.handleLogout)
			r.Get("/me", s.handleMe)
			r.Post("/register", s.handleRegister)
			r.Get("/sessions", s.handleListSessions)
			r.Post("/sessions/revoke-all", s.handleRevokeAllSessions)
		})
	})

	r.Route("/api/files", func(r chi.Router) {
		r.Use(s.withAuth)
		r.Get("/", s.handleListFiles)
		r.Get("/download/*", s.handleDownload)
		r.Post("/upload", s.handleUpload)
		r.Post("/upload-folder", s.handleUploadFolder)
		r.Delete("/*", s.handleDelete)
		r.Put("/rename", s.handleRename)
		r.Post("/mkdir", s.handleMkdir)
	})

	if s.StaticDir != "" {
		r.NotFound(s.handleStatic)
	}

	return r
}

// handleStatic serves the configured static directory, falling back to its
// index.html for any path that isn't a real file so client-side routes
// survive a hard refresh. Requests matching an /api route never reach here;
// unmatched /api/* paths do, and get a plain 404 error instead of the SPA
// shell.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		writeAPIError(w, newAPIError(CodeFileNotFound, "no such route"))
		return
	}
	fs := afero.NewHttpFs(afero.NewOsFs()).Dir(s.StaticDir)
	name := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	if name == "" || name == "." {
		name = "index.html"
	}
	f, err := fs.Open(name)
	if err != nil {
		f, err = fs.Open("index.html")
		if err != nil {
			writeAPIError(w, newAPIError(CodeFileNotFound, "static asset not found"))
			return
		}
		name = "index.html"
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeAPIError(w, newAPIError(CodeFileNotFound, "static asset not found"))
		return
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) withBodySizeLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestSize > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLoginRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retry := s.loginLimiter.Allow(clientIP(r))
		if !ok {
			w.Header().Set("Retry-After", retryAfterSeconds(retry))
			writeAPIError(w, newAPIError(CodeRateLimitExceeded, "too many login attempts, try again later"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.EnableAuth {
			next.ServeHTTP(w, r)
			return
		}
		hdr := r.Header.Get("Authorization")
		if !strings.HasPrefix(hdr, "Bearer ") {
			writeAPIError(w, newAPIError(CodeUnauthorized, "missing bearer token"))
			return
		}
		tok := strings.TrimPrefix(hdr, "Bearer ")
		claims, err := s.Tokens.Verify(r.Context(), tok)
		if err != nil {
			writeAPIError(w, newAPIError(CodeUnauthorized, tokenErrMessage(err)))
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tokenErrMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrExpired):
		return "token has expired"
	case errors.Is(err, auth.ErrRevoked):
		return "token has been revoked"
	case errors.Is(err, auth.ErrSignatureInvalid):
		return "token signature is invalid"
	default:
		return "invalid token"
	}
}

func claimsFrom(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(ctxKeyClaims).(*auth.Claims)
	return c, ok
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		writeAPIError(w, newAPIError(CodeUnauthorized, "authentication required"))
		return nil, false
	}
	if s.EnableAuth && claims.Role != db.RoleAdmin {
		writeAPIError(w, newAPIError(CodeForbidden, "admin role required"))
		return nil, false
	}
	return claims, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// --- auth ---

type userView struct {
	ID       string  `json:"id"`
	Email    string  `json:"email"`
	Role     db.Role `json:"role"`
	IsActive bool    `json:"is_active"`
}

func viewOf(u *db.User) userView {
	return userView{ID: u.ID, Email: u.Email, Role: u.Role, IsActive: u.IsActive}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req validate.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, newAPIError(CodeValidationFailed, "malformed request body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeAPIError(w, newAPIError(CodeValidationFailed, err.Error()))
		return
	}

	u, ok, err := s.DB.FindUserByEmail(r.Context(), req.Email)
	if err != nil {
		s.Logger.Error("find user by email", "err", err)
		writeAPIError(w, newAPIError(CodeInternal, "internal error"))
		return
	}
	if !ok || !u.IsActive {
		writeAPIError(w, newAPIError(CodeUnauthorized, "invalid email or password"))
		return
	}
	valid, verr := auth.VerifyPassword(req.Password, u.PasswordHash)
	if verr != nil || !valid {
		writeAPIError(w, newAPIError(CodeUnauthorized, "invalid email or password"))
		return
	}

	token, expiry, err := s.Tokens.Issue(r.Context(), u)
	if err != nil {
		s.Logger.Error("issue token", "err", err)
		writeAPIError(w, newAPIError(CodeInternal, "internal error"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"user":       viewOf(u),
		"expires_at": expiry.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		writeAPIError(w, newAPIError(CodeUnauthorized, "authentication required"))
		return
	}
	if err := s.Tokens.Revoke(r.Context(), claims.ID, claims.Subject); err != nil {
		s.Logger.Error("revoke token", "err", err)
		writeAPIError(w, newAPIError(CodeInternal, "internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		writeAPIError(w, newAPIError(CodeUnauthorized, "authentication required"))
		return
	}
	u, ok, err := s.DB.FindUserByID(r.Context(), claims.Subject)
	if err != nil {
		s.Logger.Error("find user by id", "err", err)
		writeAPIError(w, newAPIError(CodeInternal, "internal error"))
		return
	}
	if !ok {
		writeAPIError(w, newAPIError(CodeUnauthorized, "user no longer exists"))
		return
	}
	writeJSON(w, http.StatusOK, viewOf(u))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, newAPIError(CodeValidationFailed, "malformed request body"))
		return
	}
	if err := validate.Struct(validate.RegisterRequest{Email: req.Email, Password: req.Password}); err != nil {
		writeAPIError(w, newAPIError(CodeValidationFailed, err.Error()))
		return
	}
	role := db.Role(req.Role)
	if role != db.RoleAdmin && role != db.RoleUser {
		role = db.RoleUser
	}

	hash, err := auth.HashPassword(req.Password, auth.DefaultArgon2Params())
	if err != nil {
		s.Logger.Error("hash password", "err", err)
		writeAPIError(w, newAPIError(CodeInternal, "internal error"))
		return
	}

	id := uuid.NewString()
	if err := s.DB.InsertUser(r.Context(), id, req.Email, hash, role); err != nil {
		writeAPIError(w, newAPIError(CodeValidationFailed, "email already registered"))
		return
	}

	u, _, err := s.DB.FindUserByID(r.Context(), id)
	if err != nil {
		s.Logger.Error("find user by id", "err", err)
		writeAPIError(w, newAPIError(CodeInternal, "internal error"))
		return
	}
	writeJSON(w, http.StatusOK, viewOf(u))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		writeAPIError(w, newAPIError(CodeUnauthorized, "authentication required"))
		return
	}
	sessions, err := s.DB.ListSessionsForUser(r.Context(), claims.Subject)
	if err != nil {
		s.Logger.Error("list sessions", "err", err)
		writeAPIError(w, newAPIError(CodeInternal, "internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleRevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		writeAPIError(w, newAPIError(CodeUnauthorized, "authentication required"))
		return
	}
	if err := s.DB.RevokeAllForUser(r.Context(), claims.Subject); err != nil {
		s.Logger.Error("revoke all sessions", "err", err)
		writeAPIError(w, newAPIError(CodeInternal, "internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "all sessions revoked"})
}

// --- files ---

func translateSafepathErr(err error) *APIError {
	var se *safepath.Error
	if errors.As(err, &se) {
		switch se.Kind {
		case safepath.KindNotFound:
			return newAPIError(CodeFileNotFound, "path not found")
		default:
			return newAPIError(CodeInvalidPath, se.Error())
		}
	}
	return newAPIError(CodeInternal, "internal error")
}

func translateFilesvcErr(err error) *APIError {
	var fe *filesvc.Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case filesvc.KindNotFound:
			return newAPIError(CodeFileNotFound, fe.Error())
		case filesvc.KindAlreadyExists:
			return newAPIError(CodeFileExists, fe.Error())
		case filesvc.KindFileTooLarge:
			return newAPIError(CodeFileTooLarge, fe.Error())
		case filesvc.KindOutsideRoot, filesvc.KindInvalidArgument, filesvc.KindNotADirectory:
			return newAPIError(CodeInvalidPath, fe.Error())
		default:
			return newAPIError(CodeInternal, "internal error")
		}
	}
	return newAPIError(CodeInternal, "internal error")
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	dirPath := r.URL.Query().Get("path")
	if dirPath == "" {
		dirPath = "/"
	}
	dir, err := safepath.RequireDir(s.Files.Root, dirPath)
	if err != nil {
		writeAPIError(w, translateSafepathErr(err))
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, total, page, limit, err := s.Files.List(dir, page, limit)
	if err != nil {
		writeAPIError(w, translateFilesvcErr(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"files": entries,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rest := chi.URLParam(r, "*")
	f, err := safepath.RequireFile(s.Files.Root, "/"+rest)
	if err != nil {
		writeAPIError(w, translateSafepathErr(err))
		return
	}

	h, ferr := s.Files.OpenRead(f)
	if ferr != nil {
		writeAPIError(w, translateFilesvcErr(ferr))
		return
	}
	defer h.Close()

	mimeType := rangestream.GuessMime(h.Name)
	if err := rangestream.Serve(w, r, h.File, h.Name, h.Size, h.ModTime, mimeType); err != nil {
		s.Logger.Warn("stream download", "err", err, "path", f.RelSlash())
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.handleIngest(w, r, false)
}

func (s *Server) handleUploadFolder(w http.ResponseWriter, r *http.Request) {
	s.handleIngest(w, r, true)
}

// handleIngest resolves the target directory from the "path" query
// parameter (the multipart body itself is a single forward-only stream of
// "file" parts, so the destination is fixed before reading it) and streams
// every part through filesvc.Ingest's bounded concurrency pipeline.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request, folderMode bool) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeAPIError(w, newAPIError(CodeValidationFailed, "expected multipart/form-data body"))
		return
	}

	targetPath := r.URL.Query().Get("path")
	if targetPath == "" {
		targetPath = "/"
	}
	overwrite := r.URL.Query().Get("overwrite") == "true"

	dir, serr := safepath.Resolve(s.Files.Root, targetPath, false)
	if serr != nil {
		writeAPIError(w, translateSafepathErr(serr))
		return
	}
	if merr := s.Files.Mkdir(dir, true); merr != nil {
		if fe, ok := merr.(*filesvc.Error); !ok || fe.Kind != filesvc.KindAlreadyExists {
			writeAPIError(w, translateFilesvcErr(merr))
			return
		}
	}

	result, ierr := s.Files.Ingest(r.Context(), mr, dir, s.MaxUploadSize, overwrite, 4)
	if ierr != nil {
		writeAPIError(w, translateFilesvcErr(ierr))
		return
	}

	if folderMode {
		writeJSON(w, http.StatusOK, result)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uploaded": result.Uploaded,
		"errors":   result.Failed,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	rest := chi.URLParam(r, "*")
	recursive := r.URL.Query().Get("recursive") == "true"

	p, err := safepath.Resolve(s.Files.Root, "/"+rest, true)
	if err != nil {
		writeAPIError(w, translateSafepathErr(err))
		return
	}
	if ferr := s.Files.Delete(p, recursive); ferr != nil {
		writeAPIError(w, translateFilesvcErr(ferr))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "deleted", "path": p.RelSlash()})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req validate.RenameRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, newAPIError(CodeValidationFailed, "malformed request body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeAPIError(w, newAPIError(CodeValidationFailed, err.Error()))
		return
	}

	from, err := safepath.Resolve(s.Files.Root, req.From, true)
	if err != nil {
		writeAPIError(w, translateSafepathErr(err))
		return
	}
	to, err := safepath.Resolve(s.Files.Root, req.To, false)
	if err != nil {
		writeAPIError(w, translateSafepathErr(err))
		return
	}
	if ferr := s.Files.Rename(from, to); ferr != nil {
		writeAPIError(w, translateFilesvcErr(ferr))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "renamed", "from": req.From, "to": req.To})
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	var req validate.MkdirRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, newAPIError(CodeValidationFailed, "malformed request body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeAPIError(w, newAPIError(CodeValidationFailed, err.Error()))
		return
	}

	p, err := safepath.Resolve(s.Files.Root, req.Path, false)
	if err != nil {
		writeAPIError(w, translateSafepathErr(err))
		return
	}
	if ferr := s.Files.Mkdir(p, req.Recursive); ferr != nil {
		writeAPIError(w, translateFilesvcErr(ferr))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "created", "path": req.Path})
}
