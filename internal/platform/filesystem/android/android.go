// Package android implements the Android loose-directory and zipped
// DeviceFilesystem variants.
package android

import (
	"archive/zip"
	"database/sql"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	rfs "github.com/saamiyaaqeel/rime/internal/platform/filesystem"
	"github.com/saamiyaaqeel/rime/internal/platform/sqlitex"
)

// markerPath is the path every Android backup root must contain for
// classification, per spec's variant-identification rule (a).
const markerPath = "data/data/android"

// Loose is a plain directory tree, the common case for an unpacked
// Android backup.
type Loose struct {
	id       string
	root     string
	settings *rfs.Settings
}

// LooseIsDeviceFilesystem reports whether path is the root of an
// Android loose backup: it must contain data/data/android.
func LooseIsDeviceFilesystem(path string) bool {
	_, err := os.Stat(filepath.Join(path, filepath.FromSlash(markerPath)))
	return err == nil
}

// New opens an existing Android loose filesystem rooted at root.
func New(id, root string) (*Loose, error) {
	settings, err := rfs.OpenSettings(root)
	if err != nil {
		return nil, err
	}
	return &Loose{id: id, root: root, settings: settings}, nil
}

// Create materialises a brand-new, empty Android loose filesystem at
// root, marked as a subset filesystem.
func Create(id, root string) (*Loose, error) {
	if _, err := os.Stat(root); err == nil {
		return nil, fmt.Errorf("%w: %s", rfs.ErrFileExists, root)
	}
	if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(markerPath)), 0o755); err != nil {
		return nil, err
	}
	fsys, err := New(id, root)
	if err != nil {
		return nil, err
	}
	if err := fsys.settings.SetSubsetFS(true); err != nil {
		return nil, err
	}
	return fsys, nil
}

func (a *Loose) Kind() rfs.Kind            { return rfs.KindAndroidLoose }
func (a *Loose) ID() string                { return a.id }
func (a *Loose) IsSubsetFilesystem() bool  { return a.settings.IsSubsetFS() }
func (a *Loose) Lock(locked bool) error    { return a.settings.SetLocked(locked) }
func (a *Loose) IsLocked() bool            { return a.settings.IsLocked() }
func (a *Loose) syspath(path string) string { return filepath.Join(a.root, filepath.FromSlash(path)) }

func (a *Loose) Dirname(pathname string) string {
	if !strings.Contains(pathname, "/") {
		return "/"
	}
	return pathname[:strings.LastIndex(pathname, "/")]
}

func (a *Loose) Exists(path string) bool {
	_, err := os.Stat(a.syspath(path))
	return err == nil
}

func (a *Loose) GetSize(path string) (int64, error) {
	info, err := os.Stat(a.syspath(path))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (a *Loose) Open(path string) (io.ReadCloser, error) {
	return os.Open(a.syspath(path))
}

func (a *Loose) CreateFile(path string) (io.WriteCloser, error) {
	sp := a.syspath(path)
	if err := rfs.EnsureDir(sp); err != nil {
		return nil, err
	}
	return os.Create(sp)
}

func (a *Loose) PathToDirEntry(path string) (rfs.DirEntry, error) {
	return statToDirEntry(path, a.syspath(path))
}

func (a *Loose) Scandir(path string) ([]rfs.DirEntry, error) {
	entries, err := os.ReadDir(a.syspath(path))
	if err != nil {
		return nil, err
	}
	out := make([]rfs.DirEntry, 0, len(entries))
	for _, e := range entries {
		childLogical := path + "/" + e.Name()
		de, err := statToDirEntry(childLogical, a.syspath(childLogical))
		if err != nil {
			return nil, err
		}
		out = append(out, de)
	}
	return out, nil
}

func statToDirEntry(logicalPath, syspath string) (rfs.DirEntry, error) {
	info, err := os.Stat(syspath)
	if err != nil {
		return rfs.DirEntry{}, err
	}
	return rfs.DirEntry{
		Name:    info.Name(),
		Path:    logicalPath,
		IsDir:   info.IsDir(),
		IsFile:  !info.IsDir(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

func (a *Loose) SQLite3Connect(path string, readOnly bool) (*sql.DB, error) {
	return sqlitex.Open(a.syspath(path), readOnly, 5000)
}

func (a *Loose) SQLite3Create(path string) (*sql.DB, error) {
	sp := a.syspath(path)
	if err := rfs.EnsureDir(sp); err != nil {
		return nil, err
	}
	return sqlitex.Create(sp)
}

// Zip is a single-top-level-directory ZIP archive of an Android backup,
// extracted in full into a temporary directory at construction so that
// SQLite (which needs a real file, not a zip stream) can open its
// contents.
type Zip struct {
	id       string
	tempDir  string
	inner    *Loose
}

// ZipIsDeviceFilesystem reports whether path is a ZIP with exactly one
// top-level directory containing data/data/android/.
func ZipIsDeviceFilesystem(path string) bool {
	r, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	defer r.Close()

	mainDir, ok := singleTopLevelDir(r.File)
	if !ok {
		return false
	}
	want := mainDir + markerPath + "/"
	for _, f := range r.File {
		if f.Name == want || strings.HasPrefix(f.Name, want) {
			return true
		}
	}
	return false
}

func singleTopLevelDir(files []*zip.File) (string, bool) {
	top := map[string]struct{}{}
	for _, f := range files {
		name := strings.TrimPrefix(f.Name, "/")
		idx := strings.Index(name, "/")
		if idx < 0 {
			continue
		}
		top[name[:idx+1]] = struct{}{}
	}
	if len(top) != 1 {
		return "", false
	}
	for k := range top {
		return k, true
	}
	return "", false
}

// NewZip extracts archivePath into a fresh temp directory and opens the
// resulting loose filesystem.
func NewZip(id, archivePath string) (*Zip, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	mainDir, ok := singleTopLevelDir(r.File)
	if !ok {
		return nil, fmt.Errorf("android: zip %s does not have exactly one top-level directory", archivePath)
	}

	tempDir, err := os.MkdirTemp("", "rime-android-zip-")
	if err != nil {
		return nil, err
	}

	for _, f := range r.File {
		if err := extractOne(f, mainDir, tempDir); err != nil {
			os.RemoveAll(tempDir)
			return nil, err
		}
	}

	inner, err := New(id, filepath.Join(tempDir, filepath.FromSlash(strings.TrimSuffix(mainDir, "/"))))
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, err
	}
	return &Zip{id: id, tempDir: tempDir, inner: inner}, nil
}

func extractOne(f *zip.File, mainDir, destRoot string) error {
	if !strings.HasPrefix(f.Name, mainDir) {
		return nil
	}
	rel := strings.TrimPrefix(f.Name, mainDir)
	if rel == "" {
		return nil
	}
	destPath := filepath.Join(destRoot, filepath.FromSlash(mainDir), filepath.FromSlash(rel))

	if f.FileInfo().IsDir() {
		return os.MkdirAll(destPath, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode()&fs.ModePerm|0o600)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

func (z *Zip) Kind() rfs.Kind           { return rfs.KindAndroidZip }
func (z *Zip) ID() string               { return z.id }
func (z *Zip) IsSubsetFilesystem() bool { return z.inner.IsSubsetFilesystem() }
func (z *Zip) Lock(locked bool) error   { return z.inner.Lock(locked) }
func (z *Zip) IsLocked() bool           { return z.inner.IsLocked() }
func (z *Zip) Dirname(p string) string  { return z.inner.Dirname(p) }
func (z *Zip) Exists(p string) bool     { return z.inner.Exists(p) }
func (z *Zip) GetSize(p string) (int64, error) { return z.inner.GetSize(p) }
func (z *Zip) Open(p string) (io.ReadCloser, error) { return z.inner.Open(p) }

func (z *Zip) CreateFile(string) (io.WriteCloser, error) { return nil, rfs.ErrUnsupported }
func (z *Zip) SQLite3Create(string) (*sql.DB, error)     { return nil, rfs.ErrUnsupported }

func (z *Zip) PathToDirEntry(p string) (rfs.DirEntry, error) { return z.inner.PathToDirEntry(p) }
func (z *Zip) Scandir(p string) ([]rfs.DirEntry, error)      { return z.inner.Scandir(p) }
func (z *Zip) SQLite3Connect(p string, readOnly bool) (*sql.DB, error) {
	return z.inner.SQLite3Connect(p, readOnly)
}

// Close removes the temporary extraction directory. Subsetting is not
// supported on zip variants (spec's "returns unsupported-operation"),
// so there is nothing else transient to release.
func (z *Zip) Close() error {
	return os.RemoveAll(z.tempDir)
}
