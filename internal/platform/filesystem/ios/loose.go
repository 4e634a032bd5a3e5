package ios

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"howett.net/plist"

	rfs "github.com/saamiyaaqeel/rime/internal/platform/filesystem"
	"github.com/saamiyaaqeel/rime/internal/platform/sqlitex"
)

const (
	manifestFilename = "Manifest.db"
	infoPlistName    = "Info.plist"
	manifestPlist    = "Manifest.plist"
)

// RawOpener is implemented by every iOS variant so DeviceFilesystem
// creation can copy Info.plist from a template device regardless of
// its concrete type.
type RawOpener interface {
	IOSOpenRaw(path string) (io.ReadCloser, error)
}

// IsEncrypted reports whether Manifest.plist at path declares
// IsEncrypted=true. Absence of the file, or of the key, means false.
func IsEncrypted(path string) bool {
	f, err := os.Open(filepath.Join(path, manifestPlist))
	if err != nil {
		return false
	}
	defer f.Close()

	var manifest map[string]any
	if _, err := plist.NewDecoder(f).Decode(&manifest); err != nil {
		return false
	}
	enc, _ := manifest["IsEncrypted"].(bool)
	return enc
}

// Loose is an unpacked iOS backup directory containing Manifest.db and
// Info.plist, not encrypted.
type Loose struct {
	id       string
	root     string
	manifest *Manifest
	conn     *sql.DB
	settings *rfs.Settings
}

// LooseIsDeviceFilesystem reports whether path is an iOS loose backup:
// Manifest.db and Info.plist present, and not encrypted.
func LooseIsDeviceFilesystem(path string) bool {
	if !exists(filepath.Join(path, manifestFilename)) || !exists(filepath.Join(path, infoPlistName)) {
		return false
	}
	return !IsEncrypted(path)
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// New opens an existing iOS loose filesystem rooted at root.
func New(id, root string) (*Loose, error) {
	conn, err := sqlitex.Open(filepath.Join(root, manifestFilename), false, 5000)
	if err != nil {
		return nil, err
	}
	settings, err := rfs.OpenSettings(root)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Loose{id: id, root: root, manifest: NewManifest(conn), conn: conn, settings: settings}, nil
}

// Create materialises a brand-new iOS loose filesystem. If template is
// non-nil, Info.plist is copied from it (spec's disclosed design
// concession allowing the subset to be recognised as iOS); otherwise
// it is touched empty.
func Create(id, root string, template RawOpener) (*Loose, error) {
	if exists(root) {
		return nil, fmt.Errorf("%w: %s", rfs.ErrFileExists, root)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}

	conn, err := sqlitex.Create(filepath.Join(root, manifestFilename))
	if err != nil {
		return nil, err
	}
	if err := CreateManifestSchema(conn); err != nil {
		conn.Close()
		return nil, err
	}
	conn.Close()

	if template == nil {
		f, err := os.Create(filepath.Join(root, infoPlistName))
		if err != nil {
			return nil, err
		}
		f.Close()
	} else {
		src, err := template.IOSOpenRaw(infoPlistName)
		if err != nil {
			return nil, err
		}
		defer src.Close()
		dst, err := os.Create(filepath.Join(root, infoPlistName))
		if err != nil {
			return nil, err
		}
		defer dst.Close()
		if _, err := io.Copy(dst, src); err != nil {
			return nil, err
		}
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

func (i *Loose) Kind() rfs.Kind           { return rfs.KindIOSLoose }
func (i *Loose) ID() string               { return i.id }
func (i *Loose) IsSubsetFilesystem() bool { return i.settings.IsSubsetFS() }
func (i *Loose) Lock(locked bool) error   { return i.settings.SetLocked(locked) }
func (i *Loose) IsLocked() bool           { return i.settings.IsLocked() }

func (i *Loose) Dirname(string) string { panic("ios: Dirname not implemented, matching original") }

func (i *Loose) syspath(logicalPath string) (string, error) {
	hashed, err := i.manifest.GetHashedPathname(logicalPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(i.root, hashed), nil
}

func (i *Loose) Exists(logicalPath string) bool {
	sp, err := i.syspath(logicalPath)
	if err != nil {
		return false
	}
	return exists(sp)
}

func (i *Loose) GetSize(logicalPath string) (int64, error) {
	sp, err := i.syspath(logicalPath)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(sp)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// IOSOpenRaw opens a path that is already relative to the backup root
// (not a logical domain/relativePath), used for Info.plist access.
func (i *Loose) IOSOpenRaw(path string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(i.root, path))
}

func (i *Loose) Open(logicalPath string) (io.ReadCloser, error) {
	hashed, err := i.manifest.GetHashedPathname(logicalPath)
	if err != nil {
		return nil, err
	}
	return i.IOSOpenRaw(hashed)
}

func (i *Loose) CreateFile(string) (io.WriteCloser, error) {
	return nil, rfs.ErrUnsupported
}

func (i *Loose) PathToDirEntry(string) (rfs.DirEntry, error) {
	panic("ios: PathToDirEntry not implemented, matching original")
}

func (i *Loose) Scandir(logicalPath string) ([]rfs.DirEntry, error) {
	return i.manifest.Scandir(logicalPath)
}

func (i *Loose) SQLite3Connect(logicalPath string, readOnly bool) (*sql.DB, error) {
	sp, err := i.syspath(logicalPath)
	if err != nil {
		return nil, err
	}
	return sqlitex.Open(sp, readOnly, 5000)
}

// SQLite3Create registers logicalPath in the manifest, then creates the
// backing database file at its hashed location, failing if it already
// exists.
func (i *Loose) SQLite3Create(logicalPath string) (*sql.DB, error) {
	if err := i.manifest.AddFile(logicalPath); err != nil {
		return nil, err
	}
	sp, err := i.syspath(logicalPath)
	if err != nil {
		return nil, err
	}
	if exists(sp) {
		return nil, fmt.Errorf("%w: %s", rfs.ErrFileExists, logicalPath)
	}
	if err := rfs.EnsureDir(sp); err != nil {
		return nil, err
	}
	return sqlitex.Create(sp)
}

func (i *Loose) Close() error {
	i.settings.Close()
	return i.conn.Close()
}
