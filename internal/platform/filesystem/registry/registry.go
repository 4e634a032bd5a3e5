// Package registry discovers, classifies, and holds every backup
// filesystem found under a base directory. It replaces the original's
// module-level dict-and-lock globals with an explicit type behind a
// single RWMutex, so the classification order is an ordered list, not
// an unordered set.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	rfs "github.com/saamiyaaqeel/rime/internal/platform/filesystem"
	"github.com/saamiyaaqeel/rime/internal/platform/filesystem/android"
	"github.com/saamiyaaqeel/rime/internal/platform/filesystem/ios"
)

// Registry holds every recognised device filesystem rooted under
// basePath, keyed by device id (the root's directory or file name).
type Registry struct {
	basePath    string
	passphrases map[string]string

	mu  sync.RWMutex
	fss map[string]rfs.DeviceFilesystem
}

// New creates an empty registry rooted at basePath. passphrases maps
// device id to the passphrase to try automatically while scanning, so
// already-known encrypted backups come up decrypted without a second
// pass.
func New(basePath string, passphrases map[string]string) *Registry {
	if passphrases == nil {
		passphrases = map[string]string{}
	}
	return &Registry{basePath: basePath, passphrases: passphrases, fss: map[string]rfs.DeviceFilesystem{}}
}

// classify tries each of the five variants, in the fixed order spec §4.1
// mandates, and returns the first match. Order matters: an iOS loose
// backup is also castable as neither Android marker nor an iOS zip, but
// an encrypted iOS backup must be distinguished from a loose one before
// either is opened, since IsDeviceFilesystem for "ios" would otherwise
// also pass for "ios-encrypted" inputs read with the wrong decoder.
func classify(path string) (rfs.Kind, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}

	if info.IsDir() {
		switch {
		case android.LooseIsDeviceFilesystem(path):
			return rfs.KindAndroidLoose, true
		case ios.EncryptedIsDeviceFilesystem(path):
			return rfs.KindIOSEncrypted, true
		case ios.LooseIsDeviceFilesystem(path):
			return rfs.KindIOSLoose, true
		}
		return "", false
	}

	switch {
	case android.ZipIsDeviceFilesystem(path):
		return rfs.KindAndroidZip, true
	case ios.ZipIsDeviceFilesystem(path):
		return rfs.KindIOSZip, true
	}
	return "", false
}

func (r *Registry) open(id, path string, kind rfs.Kind) (rfs.DeviceFilesystem, error) {
	switch kind {
	case rfs.KindAndroidLoose:
		return android.New(id, path)
	case rfs.KindAndroidZip:
		return android.NewZip(id, path)
	case rfs.KindIOSLoose:
		return ios.New(id, path)
	case rfs.KindIOSZip:
		return ios.NewZip(id, path)
	case rfs.KindIOSEncrypted:
		enc, err := ios.NewEncrypted(id, path)
		if err != nil {
			return nil, err
		}
		if pass, ok := r.passphrases[id]; ok {
			if err := enc.Decrypt(pass); err != nil && err != rfs.ErrWrongPassphrase {
				return nil, err
			}
		}
		return enc, nil
	default:
		return nil, fmt.Errorf("%w: %s", rfs.ErrFilesystemType, kind)
	}
}

// Rescan walks the base directory's immediate children, classifying
// and (re-)opening each recognised backup. Filesystems already open
// are closed and replaced; children that no longer classify as any
// known variant are dropped.
func (r *Registry) Rescan() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	next := map[string]rfs.DeviceFilesystem{}
	for _, entry := range entries {
		id := entry.Name()
		path := filepath.Join(r.basePath, id)

		kind, ok := classify(path)
		if !ok {
			continue
		}
		fsys, err := r.open(id, path, kind)
		if err != nil {
			continue
		}
		next[id] = fsys
	}

	r.mu.Lock()
	old := r.fss
	r.fss = next
	r.mu.Unlock()

	for id, fsys := range old {
		if next[id] != fsys {
			closeQuiet(fsys)
		}
	}
	return nil
}

func closeQuiet(fsys rfs.DeviceFilesystem) {
	type closer interface{ Close() error }
	if c, ok := fsys.(closer); ok {
		_ = c.Close()
	}
}

// BasePath returns the directory this registry scans.
func (r *Registry) BasePath() string {
	return r.basePath
}

// Get returns the filesystem registered under id, if any.
func (r *Registry) Get(id string) (rfs.DeviceFilesystem, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fsys, ok := r.fss[id]
	return fsys, ok
}

// All returns a snapshot of every currently registered filesystem.
func (r *Registry) All() map[string]rfs.DeviceFilesystem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]rfs.DeviceFilesystem, len(r.fss))
	for k, v := range r.fss {
		out[k] = v
	}
	return out
}

// CreateSubsetFilesystem materialises a new, empty, locked device of
// the given kind under the base directory. Android and iOS-loose are
// the only variants that can be freshly created; zipped and encrypted
// devices are disclosure inputs only.
func (r *Registry) CreateSubsetFilesystem(id string, kind rfs.Kind, template rfs.DeviceFilesystem) (rfs.DeviceFilesystem, error) {
	if !rfs.DeviceIDPattern.MatchString(id) {
		return nil, fmt.Errorf("filesystem: invalid device id %q", id)
	}
	r.mu.RLock()
	_, collision := r.fss[id]
	r.mu.RUnlock()
	if collision {
		return nil, fmt.Errorf("%w: device id %q already registered", rfs.ErrFileExists, id)
	}

	path := filepath.Join(r.basePath, id)
	var fsys rfs.DeviceFilesystem
	var err error

	switch kind {
	case rfs.KindAndroidLoose:
		fsys, err = android.Create(id, path)
	case rfs.KindIOSLoose:
		var opener ios.RawOpener
		if t, ok := template.(ios.RawOpener); ok {
			opener = t
		}
		fsys, err = ios.Create(id, path, opener)
	default:
		return nil, fmt.Errorf("%w: cannot create a fresh filesystem of kind %s", rfs.ErrUnsupported, kind)
	}
	if err != nil {
		return nil, err
	}

	if err := fsys.Lock(true); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.fss[id] = fsys
	r.mu.Unlock()
	return fsys, nil
}

// Delete removes a registered filesystem's backing storage entirely.
// The caller must ensure nothing else still references it.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	fsys, ok := r.fss[id]
	if ok {
		delete(r.fss, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", rfs.ErrFilesystemMissing, id)
	}
	closeQuiet(fsys)
	return os.RemoveAll(filepath.Join(r.basePath, id))
}
