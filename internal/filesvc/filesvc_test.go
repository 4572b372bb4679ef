package filesvc

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"filedash/internal/safepath"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	root := t.TempDir()
	return New(root)
}

func mustResolve(t *testing.T, s *Service, p string) safepath.Safe {
	t.Helper()
	sp, err := s.Resolve(p)
	if err != nil {
		t.Fatalf("Resolve(%q): %v", p, err)
	}
	return sp
}

func TestListOrdersDirectoriesBeforeFilesByName(t *testing.T) {
	s := newTestService(t)
	if err := os.Mkdir(filepath.Join(s.Root, "documents"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(s.Root, "welcome.txt"), []byte("hello world!"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	root := mustResolve(t, s, "/")
	entries, total, _, _, err := s.List(root, 1, 100)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 entries, got %d", total)
	}
	if entries[0].Name != "documents" || !entries[0].IsDir {
		t.Fatalf("expected documents first, got %+v", entries[0])
	}
	if entries[1].Name != "welcome.txt" || entries[1].Size != 12 {
		t.Fatalf("expected welcome.txt second with size 12, got %+v", entries[1])
	}
	if entries[1].Mime != "text/plain; charset=utf-8" && entries[1].Mime != "text/plain" {
		t.Fatalf("unexpected mime: %q", entries[1].Mime)
	}
}

func TestMkdirFailsIfLeafAlreadyExists(t *testing.T) {
	s := newTestService(t)
	p := mustResolve(t, s, "/dir")
	if err := s.Mkdir(p, false); err != nil {
		t.Fatalf("first Mkdir: %v", err)
	}
	if err := s.Mkdir(p, false); err == nil {
		t.Fatalf("expected AlreadyExists on second Mkdir")
	} else if fe, ok := err.(*Error); !ok || fe.Kind != KindAlreadyExists {
		t.Fatalf("expected KindAlreadyExists, got %v", err)
	}
}

func TestRenameRejectsCollision(t *testing.T) {
	s := newTestService(t)
	if err := os.WriteFile(filepath.Join(s.Root, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := os.WriteFile(filepath.Join(s.Root, "b.txt"), []byte("b"), 0o644); err != nil {
		t.Fatalf("write b: %v", err)
	}
	from := mustResolve(t, s, "/a.txt")
	to := mustResolve(t, s, "/b.txt")

	err := s.Rename(from, to)
	if err == nil {
		t.Fatalf("expected collision error")
	}
	if fe, ok := err.(*Error); !ok || fe.Kind != KindAlreadyExists {
		t.Fatalf("expected KindAlreadyExists, got %v", err)
	}

	aContent, _ := os.ReadFile(filepath.Join(s.Root, "a.txt"))
	bContent, _ := os.ReadFile(filepath.Join(s.Root, "b.txt"))
	if string(aContent) != "a" || string(bContent) != "b" {
		t.Fatalf("files must be unchanged after failed rename")
	}
}

func TestRenameRejectsRoot(t *testing.T) {
	s := newTestService(t)
	root := mustResolve(t, s, "/")
	to := mustResolve(t, s, "/elsewhere")
	if err := s.Rename(root, to); err == nil {
		t.Fatalf("expected error renaming root")
	}
}

func TestDeleteRequiresRecursiveForNonEmptyDir(t *testing.T) {
	s := newTestService(t)
	if err := os.MkdirAll(filepath.Join(s.Root, "d", "inner"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	d := mustResolve(t, s, "/d")
	if err := s.Delete(d, false); err == nil {
		t.Fatalf("expected error deleting non-empty dir without recursive")
	}
	if err := s.Delete(d, true); err != nil {
		t.Fatalf("Delete recursive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root, "d")); !os.IsNotExist(err) {
		t.Fatalf("expected directory to be gone")
	}
}

func TestWriteFileThenOpenReadRoundTrips(t *testing.T) {
	s := newTestService(t)
	p := mustResolve(t, s, "/blob.bin")
	data := []byte("0123456789")
	n, err := s.WriteFile(p, bytes.NewReader(data), 1024, false)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if n != int64(len(data)) {
		t.Fatalf("expected %d bytes written, got %d", len(data), n)
	}

	h, err := s.OpenRead(p)
	if err != nil {
		t.Fatalf("OpenRead: %v", err)
	}
	defer h.Close()
	if h.Size != int64(len(data)) {
		t.Fatalf("expected size %d, got %d", len(data), h.Size)
	}
}

func TestWriteFileRejectsOversizedPayload(t *testing.T) {
	s := newTestService(t)
	p := mustResolve(t, s, "/big.bin")
	data := make([]byte, 100)
	if _, err := s.WriteFile(p, bytes.NewReader(data), 10, false); err == nil {
		t.Fatalf("expected FileTooLarge error")
	} else if fe, ok := err.(*Error); !ok || fe.Kind != KindFileTooLarge {
		t.Fatalf("expected KindFileTooLarge, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root, "big.bin")); !os.IsNotExist(err) {
		t.Fatalf("oversized upload must not leave a partial file behind")
	}
}
