package repositories

import (
	"context"
	"database/sql"

	"github.com/saamiyaaqeel/rime/internal/platform/sqlitex"
)

// CountryCodeRepository persists the country code associated with each
// device, the session store named in spec.md's "persistent per-device
// country-code table".
type CountryCodeRepository interface {
	Get(ctx context.Context, deviceID, fallback string) (string, error)
	Set(ctx context.Context, deviceID, countryCode string) error
	Close() error
}

type sqliteCountryCodeRepo struct {
	db *sql.DB
}

// NewSQLiteCountryCodeRepo opens (creating if absent) the session
// database at path, mirroring session.py's Session class.
func NewSQLiteCountryCodeRepo(path string) (CountryCodeRepository, error) {
	db, err := sqlitex.Create(path)
	if err != nil {
		return nil, err
	}
	repo := &sqliteCountryCodeRepo{db: db}
	if err := repo.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *sqliteCountryCodeRepo) ensureSchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS device_country_code (
			id TEXT PRIMARY KEY,
			country_code TEXT
		)`)
	return err
}

func (r *sqliteCountryCodeRepo) Get(ctx context.Context, deviceID, fallback string) (string, error) {
	var cc string
	err := r.db.QueryRowContext(ctx, `SELECT country_code FROM device_country_code WHERE id = ?`, deviceID).Scan(&cc)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return cc, nil
}

func (r *sqliteCountryCodeRepo) Set(ctx context.Context, deviceID, countryCode string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_country_code (id, country_code) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET country_code = excluded.country_code`,
		deviceID, countryCode)
	return err
}

func (r *sqliteCountryCodeRepo) Close() error {
	return r.db.Close()
}
