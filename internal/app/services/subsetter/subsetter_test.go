package subsetter

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/saamiyaaqeel/rime/internal/domain/subset"
	rfs "github.com/saamiyaaqeel/rime/internal/platform/filesystem"
	"github.com/saamiyaaqeel/rime/internal/platform/sqlitex"
)

// fakeDestFS is a minimal DeviceFilesystem backed by a plain temp
// directory, covering only the methods the subsetter actually calls.
type fakeDestFS struct{ dir string }

func (f *fakeDestFS) Kind() rfs.Kind           { return rfs.KindAndroidLoose }
func (f *fakeDestFS) ID() string               { return "test-subset" }
func (f *fakeDestFS) IsSubsetFilesystem() bool { return true }
func (f *fakeDestFS) Scandir(string) ([]rfs.DirEntry, error) { panic("not used by this test") }
func (f *fakeDestFS) Exists(path string) bool {
	_, err := os.Stat(filepath.Join(f.dir, path))
	return err == nil
}
func (f *fakeDestFS) GetSize(path string) (int64, error) {
	info, err := os.Stat(filepath.Join(f.dir, path))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
func (f *fakeDestFS) Open(path string) (io.ReadCloser, error) { return os.Open(filepath.Join(f.dir, path)) }
func (f *fakeDestFS) CreateFile(path string) (io.WriteCloser, error) {
	full := filepath.Join(f.dir, path)
	if err := rfs.EnsureDir(full); err != nil {
		return nil, err
	}
	return os.Create(full)
}
func (f *fakeDestFS) SQLite3Connect(string, bool) (*sql.DB, error) { panic("not used by this test") }
func (f *fakeDestFS) SQLite3Create(path string) (*sql.DB, error) {
	full := filepath.Join(f.dir, path)
	if err := rfs.EnsureDir(full); err != nil {
		return nil, err
	}
	return sqlitex.Create(full)
}
func (f *fakeDestFS) Lock(bool) error                            { return nil }
func (f *fakeDestFS) IsLocked() bool                             { return false }
func (f *fakeDestFS) Dirname(string) string                      { panic("not used by this test") }
func (f *fakeDestFS) PathToDirEntry(string) (rfs.DirEntry, error) { panic("not used by this test") }

func newSrcDB(t *testing.T, dir string) *sql.DB {
	t.Helper()
	db, err := sqlitex.Create(filepath.Join(dir, "src.db"))
	if err != nil {
		t.Fatalf("create src db: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE contacts (id INTEGER PRIMARY KEY, name TEXT COLLATE NOCASE)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE lookup (id INTEGER PRIMARY KEY, label TEXT)`); err != nil {
		t.Fatalf("create lookup table: %v", err)
	}
	for i, name := range []string{"alice", "bob", "carol"} {
		if _, err := db.Exec(`INSERT INTO contacts (id, name) VALUES (?, ?)`, i+1, name); err != nil {
			t.Fatalf("insert contact: %v", err)
		}
	}
	for i, label := range []string{"x", "y"} {
		if _, err := db.Exec(`INSERT INTO lookup (id, label) VALUES (?, ?)`, i+1, label); err != nil {
			t.Fatalf("insert lookup: %v", err)
		}
	}
	return db
}

func TestCreateDBAndCopyRowsFiltersByPrimaryKey(t *testing.T) {
	dir := t.TempDir()
	srcDB := newSrcDB(t, dir)
	defer srcDB.Close()

	svc := New(&fakeDestFS{dir: dir})
	rs := svc.RowSubset("contacts", "id")
	rs.Add(int64(1))
	rs.Add(int64(3))

	if err := svc.CreateDBAndCopyRows(context.Background(), srcDB, "out.db", []*subset.RowSubset{rs}); err != nil {
		t.Fatalf("CreateDBAndCopyRows: %v", err)
	}

	dstDB, err := sqlitex.Open(filepath.Join(dir, "out.db"), true, 1000)
	if err != nil {
		t.Fatalf("open dst: %v", err)
	}
	defer dstDB.Close()

	rows, err := dstDB.Query(`SELECT id, name FROM contacts ORDER BY id`)
	if err != nil {
		t.Fatalf("query dst: %v", err)
	}
	defer rows.Close()

	var got []string
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, name)
	}
	if len(got) != 2 || got[0] != "alice" || got[1] != "carol" {
		t.Errorf("want [alice carol], got %v", got)
	}
}

func TestCompleteTableCopiesWholeTableOnNextCall(t *testing.T) {
	dir := t.TempDir()
	srcDB := newSrcDB(t, dir)
	defer srcDB.Close()

	svc := New(&fakeDestFS{dir: dir})
	svc.CompleteTable("lookup")

	rs := svc.RowSubset("contacts", "id")
	rs.Add(int64(2))

	if err := svc.CreateDBAndCopyRows(context.Background(), srcDB, "out.db", []*subset.RowSubset{rs}); err != nil {
		t.Fatalf("CreateDBAndCopyRows: %v", err)
	}

	dstDB, err := sqlitex.Open(filepath.Join(dir, "out.db"), true, 1000)
	if err != nil {
		t.Fatalf("open dst: %v", err)
	}
	defer dstDB.Close()

	var count int
	if err := dstDB.QueryRow(`SELECT COUNT(*) FROM lookup`).Scan(&count); err != nil {
		t.Fatalf("query lookup: %v", err)
	}
	if count != 2 {
		t.Errorf("want complete table copied wholesale (2 rows), got %d", count)
	}
}

func TestCopyFileStreamsBytes(t *testing.T) {
	dir := t.TempDir()
	svc := New(&fakeDestFS{dir: dir})

	content := []byte("media bytes")
	if err := svc.CopyFile(bytes.NewReader(content), "sdcard/photo.jpg"); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "sdcard/photo.jpg"))
	if err != nil {
		t.Fatalf("read copied file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("want %q, got %q", content, got)
	}
}
