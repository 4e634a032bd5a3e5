package services

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	rfs "github.com/saamiyaaqeel/rime/internal/platform/filesystem"
	"github.com/saamiyaaqeel/rime/pkg/storage"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// fakeExportFS is a minimal DeviceFilesystem backed by a temp directory,
// covering only what Export actually calls.
type fakeExportFS struct {
	dir    string
	locked bool
}

func (f *fakeExportFS) Kind() rfs.Kind                               { return rfs.KindAndroidLoose }
func (f *fakeExportFS) ID() string                                   { return "export-test" }
func (f *fakeExportFS) IsSubsetFilesystem() bool                     { return true }
func (f *fakeExportFS) Exists(string) bool                           { return true }
func (f *fakeExportFS) GetSize(string) (int64, error)                { panic("not used by this test") }
func (f *fakeExportFS) CreateFile(string) (io.WriteCloser, error)    { panic("not used by this test") }
func (f *fakeExportFS) SQLite3Connect(string, bool) (*sql.DB, error) { panic("not used by this test") }
func (f *fakeExportFS) SQLite3Create(string) (*sql.DB, error)        { panic("not used by this test") }
func (f *fakeExportFS) Lock(locked bool) error                       { f.locked = locked; return nil }
func (f *fakeExportFS) IsLocked() bool                               { return f.locked }
func (f *fakeExportFS) Dirname(string) string                        { panic("not used by this test") }
func (f *fakeExportFS) PathToDirEntry(string) (rfs.DirEntry, error)  { panic("not used by this test") }

func (f *fakeExportFS) Open(path string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(f.dir, path))
}

func (f *fakeExportFS) Scandir(path string) ([]rfs.DirEntry, error) {
	entries, err := os.ReadDir(filepath.Join(f.dir, path))
	if err != nil {
		return nil, err
	}
	var out []rfs.DirEntry
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		rel := filepath.ToSlash(filepath.Join(path, e.Name()))
		out = append(out, rfs.DirEntry{Name: e.Name(), Path: rel, IsDir: e.IsDir(), IsFile: !e.IsDir(), Size: info.Size(), ModTime: info.ModTime()})
	}
	return out, nil
}

// recordingStore is a minimal storage.Service implementation that just
// records what it was asked to upload.
type recordingStore struct {
	bodies map[string][]byte
}

func newRecordingStore() *recordingStore {
	return &recordingStore{bodies: map[string][]byte{}}
}

func (s *recordingStore) PutObject(ctx context.Context, in storage.UploadInput) (string, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return "", err
	}
	s.bodies[in.Key] = data
	return fmt.Sprintf("https://export.test/%s", in.Key), nil
}

func (s *recordingStore) DeleteObject(ctx context.Context, key string) error {
	delete(s.bodies, key)
	return nil
}

func TestExportServiceRefusesWhenDisabled(t *testing.T) {
	svc := NewExportService(nil, waLog.Noop)
	if svc.Enabled() {
		t.Fatal("want Enabled() false with a nil storage backend")
	}
	_, err := svc.Export(context.Background(), "dev1", &fakeExportFS{dir: t.TempDir()})
	if err == nil {
		t.Fatal("want an error when no export storage is configured")
	}
}

func TestExportServiceRefusesUnlockedFilesystem(t *testing.T) {
	svc := NewExportService(newRecordingStore(), waLog.Noop)
	_, err := svc.Export(context.Background(), "dev1", &fakeExportFS{dir: t.TempDir(), locked: false})
	if err == nil {
		t.Fatal("want an error when the subset filesystem is not locked")
	}
}

func TestExportServiceUploadsEveryFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sdcard"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sdcard", "a.jpg"), []byte("aaa"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "db.sqlite"), []byte("bbbb"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	store := newRecordingStore()
	svc := NewExportService(store, waLog.Noop)
	if !svc.Enabled() {
		t.Fatal("want Enabled() true with a storage backend configured")
	}

	fsys := &fakeExportFS{dir: dir, locked: true}
	res, err := svc.Export(context.Background(), "dev1", fsys)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(res.URLs) != 2 {
		t.Fatalf("want 2 uploaded files, got %d: %v", len(res.URLs), res.URLs)
	}
	if _, ok := res.URLs["db.sqlite"]; !ok {
		t.Errorf("want db.sqlite uploaded, got %v", res.URLs)
	}
	if _, ok := res.URLs["sdcard/a.jpg"]; !ok {
		t.Errorf("want sdcard/a.jpg uploaded, got %v", res.URLs)
	}
	for path, body := range store.bodies {
		if len(body) == 0 {
			t.Errorf("uploaded file %s has no bytes", path)
		}
	}
}
