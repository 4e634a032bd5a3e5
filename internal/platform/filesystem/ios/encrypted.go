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

const decryptedManifestFilename = "Manifest-decrypted.db"

// Encrypted is an iOS backup whose Manifest.db (and every individual
// file) is encrypted under a passphrase-derived key bag. Until Decrypt
// succeeds, every read operation requiring the manifest fails with
// ErrNotDecrypted.
type Encrypted struct {
	id   string
	root string

	settings *rfs.Settings

	manifestConn *sql.DB
	manifest     *Manifest // nil until decrypted

	bag        *keyBag
	passphrase string
}

// EncryptedIsDeviceFilesystem reports whether path is an iOS backup
// with Manifest.db and Info.plist, flagged encrypted.
func EncryptedIsDeviceFilesystem(path string) bool {
	return exists(filepath.Join(path, manifestFilename)) &&
		exists(filepath.Join(path, infoPlistName)) &&
		IsEncrypted(path)
}

// NewEncrypted opens (without decrypting) an encrypted iOS backup. If a
// previously decrypted manifest sidecar is present, it is opened
// immediately and no passphrase is required for this process run.
func NewEncrypted(id, root string) (*Encrypted, error) {
	settings, err := rfs.OpenSettings(root)
	if err != nil {
		return nil, err
	}
	e := &Encrypted{id: id, root: root, settings: settings}

	decryptedPath := filepath.Join(root, decryptedManifestFilename)
	if exists(decryptedPath) {
		conn, err := sqlitex.Open(decryptedPath, false, 5000)
		if err != nil {
			return nil, err
		}
		e.manifestConn = conn
		e.manifest = NewManifest(conn)
	} else {
		if err := settings.SetEncrypted(true); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Encrypted) Kind() rfs.Kind           { return rfs.KindIOSEncrypted }
func (e *Encrypted) ID() string               { return e.id }
func (e *Encrypted) IsSubsetFilesystem() bool { return e.settings.IsSubsetFS() }
func (e *Encrypted) Lock(locked bool) error   { return e.settings.SetLocked(locked) }
func (e *Encrypted) IsLocked() bool           { return e.settings.IsLocked() }
func (e *Encrypted) IsEncrypted() bool        { return e.settings.IsEncrypted() }

func (e *Encrypted) Dirname(string) string                      { panic("ios: Dirname not implemented, matching original") }
func (e *Encrypted) PathToDirEntry(string) (rfs.DirEntry, error) { panic("ios: PathToDirEntry not implemented, matching original") }

// Scandir is not supported against an encrypted, undecrypted backup;
// matches the original's stub return.
func (e *Encrypted) Scandir(string) ([]rfs.DirEntry, error) { return nil, nil }

func (e *Encrypted) Exists(logicalPath string) bool {
	if e.manifest == nil {
		return false
	}
	hashed, err := e.manifest.GetHashedPathname(logicalPath)
	if err != nil {
		return false
	}
	return exists(filepath.Join(e.root, hashed))
}

func (e *Encrypted) GetSize(logicalPath string) (int64, error) {
	if e.manifest == nil {
		return 0, rfs.ErrNotDecrypted
	}
	hashed, err := e.manifest.GetHashedPathname(logicalPath)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(filepath.Join(e.root, hashed))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (e *Encrypted) Open(logicalPath string) (io.ReadCloser, error) {
	if e.manifest == nil {
		return nil, rfs.ErrNotDecrypted
	}
	decryptedPath, err := e.ensureFileDecrypted(logicalPath)
	if err != nil {
		return nil, err
	}
	return os.Open(decryptedPath)
}

func (e *Encrypted) CreateFile(string) (io.WriteCloser, error) { return nil, rfs.ErrUnsupported }

// SQLite3Create registers logicalPath in the manifest and opens a new,
// plaintext database for it (subsets of an encrypted device are created
// plaintext, as the original does).
func (e *Encrypted) SQLite3Create(logicalPath string) (*sql.DB, error) {
	if e.manifest == nil {
		return nil, rfs.ErrNotDecrypted
	}
	if err := e.manifest.AddFile(logicalPath); err != nil {
		return nil, err
	}
	hashed, err := e.manifest.GetHashedPathname(logicalPath)
	if err != nil {
		return nil, err
	}
	sp := filepath.Join(e.root, hashed)
	if exists(sp) {
		return nil, fmt.Errorf("%w: %s", rfs.ErrFileExists, logicalPath)
	}
	if err := rfs.EnsureDir(sp); err != nil {
		return nil, err
	}
	return sqlitex.Create(sp)
}

// SQLite3Connect decrypts logicalPath into a "-decrypted" sidecar on
// first access, then connects to that plaintext copy.
func (e *Encrypted) SQLite3Connect(logicalPath string, readOnly bool) (*sql.DB, error) {
	if e.manifest == nil {
		return nil, rfs.ErrNotDecrypted
	}
	decryptedPath, err := e.ensureFileDecrypted(logicalPath)
	if err != nil {
		return nil, err
	}
	return sqlitex.Open(decryptedPath, readOnly, 5000)
}

func (e *Encrypted) ensureFileDecrypted(logicalPath string) (string, error) {
	hashed, err := e.manifest.GetHashedPathname(logicalPath)
	if err != nil {
		return "", err
	}
	decryptedPath := filepath.Join(e.root, hashed+"-decrypted")
	if exists(decryptedPath) {
		return decryptedPath, nil
	}
	if err := e.decryptFile(logicalPath, decryptedPath); err != nil {
		return "", err
	}
	return decryptedPath, nil
}

// SetPassphrase stashes a passphrase to be used on the next Decrypt /
// decryptFile call, matching the original's separate set_passphrase
// step.
func (e *Encrypted) SetPassphrase(passphrase string) { e.passphrase = passphrase }

// Decrypt derives keys from passphrase, decrypts (or re-uses an
// existing) Manifest-decrypted.db sidecar, and makes the filesystem
// readable. Returns ErrNoPassphrase / ErrWrongPassphrase as appropriate.
func (e *Encrypted) Decrypt(passphrase string) error {
	e.passphrase = passphrase
	decryptedPath := filepath.Join(e.root, decryptedManifestFilename)

	if !exists(decryptedPath) {
		if err := e.decryptBackup(); err != nil {
			return err
		}
	}

	conn, err := sqlitex.Open(decryptedPath, false, 5000)
	if err != nil {
		return err
	}
	e.manifestConn = conn
	e.manifest = NewManifest(conn)
	return nil
}

// decryptBackup derives the key bag from the stored passphrase,
// decrypts the wrapped Manifest.db key out of Manifest.plist, and
// writes the plaintext manifest sidecar.
func (e *Encrypted) decryptBackup() error {
	if e.passphrase == "" {
		return rfs.ErrNoPassphrase
	}

	manifestPlistPath := filepath.Join(e.root, manifestPlist)
	f, err := os.Open(manifestPlistPath)
	if err != nil {
		return err
	}
	var doc map[string]any
	decodeErr := plist.NewDecoder(f).Decode(&doc)
	f.Close()
	if decodeErr != nil {
		return decodeErr
	}

	keyBagData, _ := doc["BackupKeyBag"].([]byte)
	if keyBagData == nil {
		return fmt.Errorf("ios: Manifest.plist missing BackupKeyBag")
	}
	bag, err := parseKeyBag(keyBagData)
	if err != nil {
		return err
	}
	if err := bag.deriveKey(e.passphrase); err != nil {
		return err
	}
	e.bag = bag

	manifestKeyEntry, _ := doc["ManifestKey"].([]byte)
	if len(manifestKeyEntry) < 4 {
		return fmt.Errorf("ios: Manifest.plist missing ManifestKey")
	}
	class := beUint32(manifestKeyEntry[:4])
	classKey, ok := bag.classKeys[class]
	if !ok {
		return rfs.ErrWrongPassphrase
	}
	manifestKey, err := aesKeyUnwrap(classKey, manifestKeyEntry[4:])
	if err != nil {
		return err
	}

	encryptedManifest, err := os.ReadFile(filepath.Join(e.root, manifestFilename))
	if err != nil {
		return err
	}
	plainManifest, err := aesCBCDecryptPKCS7(manifestKey, encryptedManifest)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(e.root, decryptedManifestFilename), plainManifest, 0o600); err != nil {
		return err
	}

	e.settings.SetEncrypted(false)
	return nil
}

// decryptFile decrypts one file out of the backup into a "-decrypted"
// sidecar, using the per-file EncryptionKey recorded in the Files
// table's blob column and the class keys derived in decryptBackup.
func (e *Encrypted) decryptFile(logicalPath, decryptedPath string) error {
	if e.bag == nil {
		if err := e.decryptBackup(); err != nil {
			return err
		}
	}

	hashed, err := e.manifest.GetHashedPathname(logicalPath)
	if err != nil {
		return err
	}
	_, relativePath, err := splitLogicalPath(logicalPath)
	if err != nil {
		return err
	}

	var blob []byte
	row := e.manifestConn.QueryRow(
		"SELECT file FROM Files WHERE relativePath = ?", relativePath,
	)
	if err := row.Scan(&blob); err != nil {
		return err
	}
	fileKey, err := fileKeyFromBlob(blob, e.bag)
	if err != nil {
		return err
	}

	encrypted, err := os.ReadFile(filepath.Join(e.root, hashed))
	if err != nil {
		return err
	}
	plain, err := aesCBCDecryptPKCS7(fileKey, encrypted)
	if err != nil {
		return err
	}
	return os.WriteFile(decryptedPath, plain, 0o600)
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// fileKeyFromBlob extracts the wrapped per-file key (class + wrapped
// bytes, the "EncryptionKey" entry of the $objects[1] dict inside the
// NSKeyedArchiver blob) and unwraps it using the matching class key.
func fileKeyFromBlob(blob []byte, bag *keyBag) ([]byte, error) {
	var archive map[string]any
	if _, err := plist.Unmarshal(blob, &archive); err != nil {
		return nil, err
	}
	objects, ok := archive["$objects"].([]any)
	if !ok || len(objects) < 2 {
		return nil, fmt.Errorf("ios: malformed file blob")
	}
	fileMeta, ok := objects[1].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("ios: malformed file blob")
	}
	wrapped, ok := fileMeta["EncryptionKey"].([]byte)
	if !ok || len(wrapped) < 4 {
		return nil, fmt.Errorf("ios: file is not individually encrypted")
	}
	class := beUint32(wrapped[:4])
	classKey, ok := bag.classKeys[class]
	if !ok {
		return nil, fmt.Errorf("ios: no class key for protection class %d", class)
	}
	return aesKeyUnwrap(classKey, wrapped[4:])
}

func (e *Encrypted) Close() error {
	e.settings.Close()
	if e.manifestConn != nil {
		return e.manifestConn.Close()
	}
	return nil
}
