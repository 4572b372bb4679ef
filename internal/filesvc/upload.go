package filesvc

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"filedash/internal/safepath"
)

// smallFileThreshold splits parts into a bounded-concurrency pool (small)
// and a sequential pipeline (large), so a handful of large streams cannot
// starve many small ones sharing the same request.
const smallFileThreshold = 5 * 1024 * 1024

// UploadedFile describes one part that was written successfully.
type UploadedFile struct {
	Name    string `json:"name"`
	RelPath string `json:"relpath"`
	Size    int64  `json:"size"`
}

// FailedUpload describes one part that could not be written.
type FailedUpload struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// UploadResult is the response envelope for bulk/folder ingest.
type UploadResult struct {
	Uploaded        []UploadedFile `json:"uploaded"`
	Failed          []FailedUpload `json:"failed"`
	FoldersCreated  []string       `json:"folders_created"`
	TotalFiles      int            `json:"total_files"`
	SuccessfulFiles int            `json:"successful_files"`
	FailedFiles     int            `json:"failed_files"`
}

// folderTracker records, deduplicated and in first-seen order, every
// directory between the root and a written part's destination directory.
// Directories that already existed before the ingest are recorded as well.
// It is safe for concurrent use.
type folderTracker struct {
	mu      sync.Mutex
	seen    map[string]bool
	ordered []string
}

func newFolderTracker() *folderTracker {
	return &folderTracker{seen: map[string]bool{}}
}

// recordAll walks every ancestor of leafDir under root and records each one
// exactly once, in the order it is first seen.
func (t *folderTracker) recordAll(root, leafDir string) {
	rel, err := filepath.Rel(root, leafDir)
	if err != nil || rel == "." {
		return
	}
	cur := root
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg == "" {
			continue
		}
		cur = filepath.Join(cur, seg)
		t.record(relSlashFrom(root, cur))
	}
}

func relSlashFrom(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

func (t *folderTracker) record(relSlash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen[relSlash] {
		return
	}
	t.seen[relSlash] = true
	t.ordered = append(t.ordered, relSlash)
}

func (t *folderTracker) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.ordered))
	copy(out, t.ordered)
	return out
}

// resultCollector accumulates outcomes from concurrent writers.
type resultCollector struct {
	mu     sync.Mutex
	result *UploadResult
}

func (c *resultCollector) success(u UploadedFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Uploaded = append(c.result.Uploaded, u)
	c.result.SuccessfulFiles++
}

func (c *resultCollector) failure(f FailedUpload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Failed = append(c.result.Failed, f)
	c.result.FailedFiles++
}

// Ingest reads every "file" part from form, resolves each destination under
// targetDir, and writes it according to the per-part pipeline.
//
// A multipart body is one sequential stream: a part's bytes are only valid
// until the next call to NextPart, and real clients (browsers, curl, Go's
// own multipart.Writer) never send a per-part Content-Length header, so
// there is no size hint to trust ahead of time. Instead each part is read
// into a fixed smallFileThreshold-sized buffer as it arrives: if the part
// ends before the buffer fills, the whole thing is already in memory and
// its disk write is handed to a bounded worker pool, overlapping with
// reading of the next part; if the buffer fills first, the part is larger
// than the threshold and the buffered prefix plus the remainder are
// streamed straight to disk before the loop continues, keeping the
// large-file pipeline sequential and memory-bounded. A single bad part
// never aborts the request.
func (s *Service) Ingest(ctx context.Context, form *multipart.Reader, targetDir safepath.Safe, maxUploadSize int64, overwrite bool, smallConcurrency int) (*UploadResult, error) {
	if smallConcurrency < 2 {
		smallConcurrency = 2
	}
	if smallConcurrency > 8 {
		smallConcurrency = 8
	}

	collector := &resultCollector{result: &UploadResult{
		Uploaded: []UploadedFile{},
		Failed:   []FailedUpload{},
	}}
	tracker := newFolderTracker()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(smallConcurrency)

	total := 0
	for {
		part, err := form.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = g.Wait()
			return nil, newErr(KindIO, err.Error())
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}
		// part.FileName() strips directory components, so the filename is
		// read from Content-Disposition directly to keep sub-folder paths.
		filename := ""
		if _, params, perr := mime.ParseMediaType(part.Header.Get("Content-Disposition")); perr == nil {
			filename = params["filename"]
		}
		if filename == "" {
			_ = part.Close()
			continue
		}
		total++

		dest, resolveErr := safepath.Resolve(targetDir.Root(), path.Join(targetDir.RelSlash(), filename), false)
		if resolveErr != nil {
			collector.failure(FailedUpload{Filename: filename, Error: "path escapes root"})
			_ = part.Close()
			continue
		}

		peek := make([]byte, smallFileThreshold+1)
		n, readErr := io.ReadFull(part, peek)
		switch {
		case readErr == nil:
			// Buffer filled: the part is larger than the threshold. Stream
			// the buffered prefix plus whatever remains straight to disk
			// before advancing to the next part.
			combined := io.MultiReader(bytes.NewReader(peek[:n]), part)
			s.writePart(ctx, targetDir.Root(), dest.Abs(), dest.RelSlash(), filename, combined, maxUploadSize, overwrite, tracker, collector)
			_ = part.Close()
		case readErr == io.EOF || readErr == io.ErrUnexpectedEOF:
			// The part ended before the buffer filled: it's already
			// entirely in memory, so dispatch its disk write to the
			// bounded pool and move on to reading the next part.
			_ = part.Close()
			data := append([]byte(nil), peek[:n]...)
			g.Go(func() error {
				s.writePart(gctx, targetDir.Root(), dest.Abs(), dest.RelSlash(), filename, bytes.NewReader(data), maxUploadSize, overwrite, tracker, collector)
				return nil
			})
		default:
			_ = part.Close()
			collector.failure(FailedUpload{Filename: filename, Error: "read failed"})
		}
	}

	_ = g.Wait()

	collector.result.TotalFiles = total
	collector.result.FoldersCreated = tracker.list()
	return collector.result, nil
}

func (s *Service) writePart(ctx context.Context, root, destAbs, destRel, filename string, r io.Reader, maxUploadSize int64, overwrite bool, tracker *folderTracker, collector *resultCollector) {
	select {
	case <-ctx.Done():
		collector.failure(FailedUpload{Filename: filename, Error: "request cancelled"})
		return
	default:
	}

	destDir := filepath.Dir(destAbs)
	if err := s.Fs.MkdirAll(destDir, 0o755); err != nil {
		collector.failure(FailedUpload{Filename: filename, Error: "could not create destination directory"})
		return
	}
	tracker.recordAll(root, destDir)

	n, err := s.writePartAtomically(destDir, destAbs, r, maxUploadSize, overwrite)
	if err != nil {
		collector.failure(FailedUpload{Filename: filename, Error: err.Error()})
		return
	}

	collector.success(UploadedFile{
		Name:    filepath.Base(destAbs),
		RelPath: destRel,
		Size:    n,
	})
}

// writePartAtomically streams r into a temp file beside dest, fsyncs, then
// renames into place. Enforces maxSize during the copy so an oversized part
// fails without ever fully landing on disk.
func (s *Service) writePartAtomically(destDir, dest string, r io.Reader, maxSize int64, overwrite bool) (int64, error) {
	if !overwrite {
		if _, err := s.Fs.Stat(dest); err == nil {
			return 0, fmt.Errorf("file already exists")
		}
	}

	tmp, err := afero.TempFile(s.Fs, destDir, tempPattern())
	if err != nil {
		return 0, fmt.Errorf("could not create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	renamed := false
	defer func() {
		if !renamed {
			_ = s.Fs.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, io.LimitReader(r, maxSize+1))
	if err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("write failed: %w", err)
	}
	if n > maxSize {
		_ = tmp.Close()
		return 0, fmt.Errorf("file exceeds maximum upload size")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("fsync failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close failed: %w", err)
	}

	if !overwrite {
		if _, err := s.Fs.Stat(dest); err == nil {
			return 0, fmt.Errorf("file already exists")
		}
	}
	if err := s.Fs.Rename(tmpPath, dest); err != nil {
		return 0, fmt.Errorf("rename failed: %w", err)
	}
	renamed = true
	return n, nil
}

func tempPattern() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return ".upload-" + hex.EncodeToString(b) + "-*"
}
