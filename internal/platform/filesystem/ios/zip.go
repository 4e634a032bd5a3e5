package ios

import (
	"archive/zip"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	rfs "github.com/saamiyaaqeel/rime/internal/platform/filesystem"
	"github.com/saamiyaaqeel/rime/internal/platform/sqlitex"
)

const settingsFilename = rfs.SettingsFilename

// Zip is a single-top-level-directory ZIP archive of an iOS backup.
// Manifest.db and the settings database are extracted once at
// construction; individual files are extracted lazily, per request,
// into a fresh temporary file.
type Zip struct {
	id          string
	archivePath string
	mainDir     string

	tempDir      string
	manifestConn *sql.DB
	manifest     *Manifest
	settings     *rfs.Settings
	settingsDir  string
}

func mainDirOf(r *zip.Reader) (string, bool) {
	top := map[string]struct{}{}
	for _, f := range r.File {
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

// ZipIsDeviceFilesystem reports whether path is a ZIP with one
// top-level directory containing Manifest.db and Info.plist.
func ZipIsDeviceFilesystem(path string) bool {
	r, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	defer r.Close()

	mainDir, ok := mainDirOf(&r.Reader)
	if !ok {
		return false
	}
	hasManifest, hasInfo := false, false
	for _, f := range r.File {
		if f.Name == mainDir+manifestFilename {
			hasManifest = true
		}
		if f.Name == mainDir+infoPlistName {
			hasInfo = true
		}
	}
	return hasManifest && hasInfo
}

// NewZip extracts Manifest.db and the settings database from archivePath
// into a fresh temp directory.
func NewZip(id, archivePath string) (*Zip, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	mainDir, ok := mainDirOf(&r.Reader)
	if !ok {
		return nil, fmt.Errorf("ios: zip %s does not have exactly one top-level directory", archivePath)
	}

	tempDir, err := os.MkdirTemp("", "rime-ios-zip-")
	if err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(tempDir, manifestFilename)
	if err := extractZipEntry(&r.Reader, mainDir+manifestFilename, manifestPath); err != nil {
		os.RemoveAll(tempDir)
		return nil, err
	}
	settingsPath := filepath.Join(tempDir, settingsFilename)
	if err := extractZipEntry(&r.Reader, mainDir+settingsFilename, settingsPath); err != nil {
		os.RemoveAll(tempDir)
		return nil, err
	}

	manifestConn, err := sqlitex.Open(manifestPath, true, 5000)
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, err
	}
	settings, err := rfs.OpenSettingsNamed(tempDir, settingsFilename)
	if err != nil {
		manifestConn.Close()
		os.RemoveAll(tempDir)
		return nil, err
	}

	return &Zip{
		id: id, archivePath: archivePath, mainDir: mainDir,
		tempDir: tempDir, manifestConn: manifestConn,
		manifest: NewManifest(manifestConn), settings: settings, settingsDir: tempDir,
	}, nil
}

func extractZipEntry(r *zip.Reader, name, destPath string) error {
	f, err := r.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	dst, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, f)
	return err
}

func (z *Zip) Kind() rfs.Kind           { return rfs.KindIOSZip }
func (z *Zip) ID() string               { return z.id }
func (z *Zip) IsSubsetFilesystem() bool { return z.settings.IsSubsetFS() }
func (z *Zip) IsLocked() bool           { return z.settings.IsLocked() }

func (z *Zip) Dirname(string) string                      { panic("ios: Dirname not implemented, matching original") }
func (z *Zip) PathToDirEntry(string) (rfs.DirEntry, error) { panic("ios: PathToDirEntry not implemented, matching original") }
func (z *Zip) Scandir(logicalPath string) ([]rfs.DirEntry, error) {
	return z.manifest.Scandir(logicalPath)
}

func (z *Zip) Exists(logicalPath string) bool {
	hashed, err := z.manifest.GetHashedPathname(logicalPath)
	if err != nil {
		return false
	}
	r, err := zip.OpenReader(z.archivePath)
	if err != nil {
		return false
	}
	defer r.Close()
	_, err = r.Open(z.mainDir + hashed)
	return err == nil
}

func (z *Zip) GetSize(logicalPath string) (int64, error) {
	hashed, err := z.manifest.GetHashedPathname(logicalPath)
	if err != nil {
		return 0, err
	}
	r, err := zip.OpenReader(z.archivePath)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	f, err := r.Open(z.mainDir + hashed)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// IOSOpenRaw extracts a path relative to the backup root into a fresh
// temp file and returns it opened for read.
func (z *Zip) IOSOpenRaw(path string) (io.ReadCloser, error) {
	r, err := zip.OpenReader(z.archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	tmp, err := os.CreateTemp("", "rime-ios-extract-")
	if err != nil {
		return nil, err
	}
	src, err := r.Open(z.mainDir + path)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	defer src.Close()
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	tmp.Seek(0, io.SeekStart)
	return tmp, nil
}

func (z *Zip) Open(logicalPath string) (io.ReadCloser, error) {
	hashed, err := z.manifest.GetHashedPathname(logicalPath)
	if err != nil {
		return nil, err
	}
	return z.IOSOpenRaw(hashed)
}

func (z *Zip) CreateFile(string) (io.WriteCloser, error) { return nil, rfs.ErrUnsupported }
func (z *Zip) SQLite3Create(string) (*sql.DB, error)     { return nil, rfs.ErrUnsupported }

// SQLite3Connect extracts the target database to a fresh temp file on
// every call, matching the original's per-request re-extraction.
func (z *Zip) SQLite3Connect(logicalPath string, readOnly bool) (*sql.DB, error) {
	hashed, err := z.manifest.GetHashedPathname(logicalPath)
	if err != nil {
		return nil, err
	}
	r, err := zip.OpenReader(z.archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	tmp, err := os.CreateTemp("", "rime-ios-db-")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()

	src, err := r.Open(z.mainDir + hashed)
	if err != nil {
		tmp.Close()
		return nil, err
	}
	_, copyErr := io.Copy(tmp, src)
	src.Close()
	tmp.Close()
	if copyErr != nil {
		return nil, copyErr
	}

	return sqlitex.Open(tmpPath, readOnly, 5000)
}

// Lock persists the locked flag, then rewrites the settings entry back
// into the zip archive so the change survives process restart.
func (z *Zip) Lock(locked bool) error {
	if err := z.settings.SetLocked(locked); err != nil {
		return err
	}
	return z.rewriteSettingsIntoZip()
}

func (z *Zip) rewriteSettingsIntoZip() error {
	settingsPath := filepath.Join(z.settingsDir, settingsFilename)
	data, err := os.ReadFile(settingsPath)
	if err != nil {
		return err
	}

	tmpArchive, err := os.CreateTemp(filepath.Dir(z.archivePath), "rime-ios-zip-rewrite-")
	if err != nil {
		return err
	}
	defer os.Remove(tmpArchive.Name())

	src, err := zip.OpenReader(z.archivePath)
	if err != nil {
		tmpArchive.Close()
		return err
	}
	w := zip.NewWriter(tmpArchive)
	for _, f := range src.File {
		if f.Name == z.mainDir+settingsFilename {
			continue
		}
		if err := copyZipEntry(w, f); err != nil {
			src.Close()
			w.Close()
			tmpArchive.Close()
			return err
		}
	}
	src.Close()

	dst, err := w.Create(z.mainDir + settingsFilename)
	if err != nil {
		w.Close()
		tmpArchive.Close()
		return err
	}
	if _, err := dst.Write(data); err != nil {
		w.Close()
		tmpArchive.Close()
		return err
	}
	if err := w.Close(); err != nil {
		tmpArchive.Close()
		return err
	}
	tmpArchive.Close()

	return os.Rename(tmpArchive.Name(), z.archivePath)
}

func copyZipEntry(w *zip.Writer, f *zip.File) error {
	dst, err := w.CreateHeader(&f.FileHeader)
	if err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(dst, src)
	return err
}

func (z *Zip) Close() error {
	z.settings.Close()
	z.manifestConn.Close()
	return os.RemoveAll(z.tempDir)
}
