package filesystem

import (
	"database/sql"
	"path/filepath"

	"github.com/saamiyaaqeel/rime/internal/platform/sqlitex"
)

// Settings is the per-device key/value store backed by _rime_settings.db
// at the filesystem's root. It recognises exactly three keys: subset_fs,
// locked, encrypted.
type Settings struct {
	conn *sql.DB
}

const SettingsFilename = "_rime_settings.db"

// OpenSettings opens (creating if absent) the settings database in dir.
func OpenSettings(dir string) (*Settings, error) {
	return OpenSettingsNamed(dir, SettingsFilename)
}

// OpenSettingsNamed lets callers (iOS zip's extracted temp copy) use a
// settings file with a different on-disk name.
func OpenSettingsNamed(dir, filename string) (*Settings, error) {
	conn, err := sqlitex.Create(filepath.Join(dir, filename))
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec("CREATE TABLE IF NOT EXISTS settings (key TEXT, value TEXT)"); err != nil {
		conn.Close()
		return nil, err
	}
	return &Settings{conn: conn}, nil
}

func (s *Settings) get(key string) (string, bool) {
	var value string
	err := s.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// set performs the teacher-pattern UPDATE-then-INSERT-if-no-rowcount
// write, mirroring DeviceSettings._set_setting exactly.
func (s *Settings) set(key, value string) error {
	res, err := s.conn.Exec("UPDATE settings SET value = ? WHERE key = ?", value, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.conn.Exec("INSERT INTO settings (key, value) VALUES (?, ?)", key, value); err != nil {
			return err
		}
	}
	return nil
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *Settings) IsSubsetFS() bool {
	v, _ := s.get("subset_fs")
	return v == "1"
}

func (s *Settings) SetSubsetFS(v bool) error { return s.set("subset_fs", boolString(v)) }

func (s *Settings) IsLocked() bool {
	v, _ := s.get("locked")
	return v == "1"
}

func (s *Settings) SetLocked(v bool) error { return s.set("locked", boolString(v)) }

func (s *Settings) IsEncrypted() bool {
	v, _ := s.get("encrypted")
	return v == "1"
}

func (s *Settings) SetEncrypted(v bool) error { return s.set("encrypted", boolString(v)) }

func (s *Settings) Close() error { return s.conn.Close() }
