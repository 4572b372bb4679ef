// Package filesvc implements listing, metadata, rename, delete, read, and
// multipart upload ingest for a single root-confined directory tree. Every
// operation accepts a safepath.Safe, so containment is proven before any
// syscall runs.
package filesvc

import (
	"errors"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"

	"filedash/internal/safepath"
)

// Kind classifies a filesvc-level failure so HTTP handlers can map it to the
// right status code without string matching.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindAlreadyExists
	KindNotADirectory
	KindFileTooLarge
	KindOutsideRoot
	KindInvalidArgument
	KindIO
)

// Error is the error type every exported filesvc function returns.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

func newErr(k Kind, msg string) *Error { return &Error{Kind: k, msg: msg} }

// DirEntry describes one file or directory returned by List or Stat.
type DirEntry struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	IsDir       bool      `json:"is_dir"`
	Size        int64     `json:"size"`
	Mime        string    `json:"mime,omitempty"`
	Modified    time.Time `json:"modified"`
	Permissions string    `json:"permissions"`
}

// Service performs filesystem operations rooted at Root. Every call site
// passes a safepath.Safe, so containment is already proven; Fs is the
// afero.Fs the operations themselves run against, the same jailed-fs
// wrapping pattern the filesystem layer has always used, generalized so
// tests can substitute an in-memory afero.Fs.
type Service struct {
	Root string
	Fs   afero.Fs
}

// New returns a Service rooted at the given absolute directory, backed by
// the real filesystem.
func New(root string) *Service {
	return &Service{Root: root, Fs: afero.NewOsFs()}
}

// Resolve proves p is contained in the service root without requiring
// existence.
func (s *Service) Resolve(p string) (safepath.Safe, error) {
	sp, err := safepath.Resolve(s.Root, p, false)
	if err != nil {
		return safepath.Safe{}, translateSafepathErr(err)
	}
	return sp, nil
}

func translateSafepathErr(err error) error {
	var se *safepath.Error
	if errors.As(err, &se) {
		switch se.Kind {
		case safepath.KindNotFound:
			return newErr(KindNotFound, se.Error())
		case safepath.KindNotADirectory, safepath.KindNotAFile:
			return newErr(KindNotADirectory, se.Error())
		case safepath.KindOutsideRoot:
			return newErr(KindOutsideRoot, se.Error())
		default:
			return newErr(KindInvalidArgument, se.Error())
		}
	}
	return newErr(KindIO, err.Error())
}

// List returns a page of directory entries. Directories sort before files;
// within each group entries are ordered by byte-wise name comparison. The
// returned page and limit are the normalized values actually applied, so
// callers can echo them back without re-deriving the clamping rules.
func (s *Service) List(dir safepath.Safe, page, limit int) ([]DirEntry, int, int, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	items, err := afero.ReadDir(s.Fs, dir.Abs())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, page, limit, newErr(KindNotFound, "directory not found")
		}
		return nil, 0, page, limit, newErr(KindIO, err.Error())
	}

	entries := make([]DirEntry, 0, len(items))
	for _, info := range items {
		entries = append(entries, entryFromInfo(dir, info.Name(), info))
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})

	total := len(entries)
	start := (page - 1) * limit
	if start >= total {
		return []DirEntry{}, total, page, limit, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return entries[start:end], total, page, limit, nil
}

func entryFromInfo(dir safepath.Safe, name string, info os.FileInfo) DirEntry {
	rel := path.Join(dir.RelSlash(), name)
	e := DirEntry{
		Name:        name,
		Path:        rel,
		IsDir:       info.IsDir(),
		Modified:    info.ModTime(),
		Permissions: info.Mode().Perm().String(),
	}
	if info.IsDir() {
		e.Size = 0
	} else {
		e.Size = info.Size()
		e.Mime = mimeFromExt(name)
	}
	return e
}

func mimeFromExt(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Stat returns metadata for a single existing path.
func (s *Service) Stat(p safepath.Safe) (DirEntry, error) {
	info, err := s.Fs.Stat(p.Abs())
	if err != nil {
		if os.IsNotExist(err) {
			return DirEntry{}, newErr(KindNotFound, "path not found")
		}
		return DirEntry{}, newErr(KindIO, err.Error())
	}
	name := filepath.Base(p.Abs())
	e := DirEntry{
		Name:        name,
		Path:        p.RelSlash(),
		IsDir:       info.IsDir(),
		Modified:    info.ModTime(),
		Permissions: info.Mode().Perm().String(),
	}
	if !info.IsDir() {
		e.Size = info.Size()
		e.Mime = mimeFromExt(name)
	}
	return e, nil
}

// Mkdir creates path. If recursive, missing ancestors are created; otherwise
// the immediate parent must already exist. Fails with AlreadyExists if the
// leaf already exists as a directory or file.
func (s *Service) Mkdir(p safepath.Safe, recursive bool) error {
	if _, err := s.Fs.Stat(p.Abs()); err == nil {
		return newErr(KindAlreadyExists, "path already exists")
	}
	if recursive {
		if err := s.Fs.MkdirAll(p.Abs(), 0o755); err != nil {
			return newErr(KindIO, err.Error())
		}
		return nil
	}
	if err := s.Fs.Mkdir(p.Abs(), 0o755); err != nil {
		if os.IsNotExist(err) {
			return newErr(KindNotFound, "parent directory does not exist")
		}
		return newErr(KindIO, err.Error())
	}
	return nil
}

// Rename moves from to to. Both must share the same root. The destination
// must not already exist and the root itself may not be renamed.
func (s *Service) Rename(from, to safepath.Safe) error {
	if from.IsRoot() {
		return newErr(KindInvalidArgument, "cannot rename root")
	}
	if from.Root() != to.Root() {
		return newErr(KindInvalidArgument, "from and to must share a root")
	}
	if _, err := s.Fs.Stat(from.Abs()); err != nil {
		return newErr(KindNotFound, "source not found")
	}
	if _, err := s.Fs.Stat(to.Abs()); err == nil {
		return newErr(KindAlreadyExists, "destination already exists")
	}
	if err := s.Fs.MkdirAll(filepath.Dir(to.Abs()), 0o755); err != nil {
		return newErr(KindIO, err.Error())
	}
	if err := s.Fs.Rename(from.Abs(), to.Abs()); err != nil {
		return newErr(KindIO, err.Error())
	}
	return nil
}

// Delete removes path. Directories require recursive=true to remove
// non-empty contents. Deletion is permanent; there is no trash.
func (s *Service) Delete(p safepath.Safe, recursive bool) error {
	if p.IsRoot() {
		return newErr(KindInvalidArgument, "cannot delete root")
	}
	info, err := s.Fs.Stat(p.Abs())
	if err != nil {
		return newErr(KindNotFound, "path not found")
	}
	if info.IsDir() && recursive {
		if err := s.Fs.RemoveAll(p.Abs()); err != nil {
			return newErr(KindIO, err.Error())
		}
		return nil
	}
	if err := s.Fs.Remove(p.Abs()); err != nil {
		if os.IsNotExist(err) {
			return newErr(KindNotFound, "path not found")
		}
		return newErr(KindIO, err.Error())
	}
	return nil
}

// StreamHandle exposes a readable file plus the metadata the range streamer
// needs to compute ETags and headers.
type StreamHandle struct {
	File    afero.File
	Name    string
	Size    int64
	ModTime time.Time
}

// Close releases the underlying file.
func (h *StreamHandle) Close() error {
	if h.File == nil {
		return nil
	}
	return h.File.Close()
}

// OpenRead opens path for streaming. Callers must Close the returned handle.
func (s *Service) OpenRead(p safepath.Safe) (*StreamHandle, error) {
	info, err := s.Fs.Stat(p.Abs())
	if err != nil {
		return nil, newErr(KindNotFound, "file not found")
	}
	if info.IsDir() {
		return nil, newErr(KindNotADirectory, "cannot stream a directory")
	}
	f, err := s.Fs.Open(p.Abs())
	if err != nil {
		return nil, newErr(KindIO, err.Error())
	}
	return &StreamHandle{
		File:    f,
		Name:    filepath.Base(p.Abs()),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// WriteFile writes the full contents of r to path atomically: it streams to
// a temp file in the destination directory, fsyncs, then renames into
// place. If path already exists and overwrite is false, it fails with
// AlreadyExists and the temp file is removed.
func (s *Service) WriteFile(p safepath.Safe, r io.Reader, maxSize int64, overwrite bool) (int64, error) {
	if !overwrite {
		if _, err := s.Fs.Stat(p.Abs()); err == nil {
			return 0, newErr(KindAlreadyExists, "file already exists")
		}
	}

	dir := filepath.Dir(p.Abs())
	if err := s.Fs.MkdirAll(dir, 0o755); err != nil {
		return 0, newErr(KindIO, err.Error())
	}

	tmp, err := afero.TempFile(s.Fs, dir, ".upload-*")
	if err != nil {
		return 0, newErr(KindIO, err.Error())
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = s.Fs.Remove(tmpPath)
	}()

	n, err := io.Copy(tmp, io.LimitReader(r, maxSize+1))
	if err != nil {
		_ = tmp.Close()
		return 0, newErr(KindIO, err.Error())
	}
	if n > maxSize {
		_ = tmp.Close()
		return 0, newErr(KindFileTooLarge, "upload exceeds maximum size")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return 0, newErr(KindIO, err.Error())
	}
	if err := tmp.Close(); err != nil {
		return 0, newErr(KindIO, err.Error())
	}

	if !overwrite {
		if _, err := s.Fs.Stat(p.Abs()); err == nil {
			return 0, newErr(KindAlreadyExists, "file already exists")
		}
	}
	if err := s.Fs.Rename(tmpPath, p.Abs()); err != nil {
		return 0, newErr(KindIO, err.Error())
	}
	return n, nil
}
