// Package anonymiser rewrites a subset device's databases in place,
// replacing every column a provider's PIIFields descriptor names with a
// stable anonymised stand-in.
package anonymiser

import (
	"context"
	"fmt"

	"github.com/saamiyaaqeel/rime/internal/app/providers"
	rfs "github.com/saamiyaaqeel/rime/internal/platform/filesystem"
)

// AnonymisationFailed wraps any error encountered while anonymising one
// provider's data, identifying which table/column (if any) was being
// processed, mirroring the Python original's AnonymisationFailed
// exception.
type AnonymisationFailed struct {
	ProviderName string
	DBPath       string
	Table        string
	Column       string
	Err          error
}

func (e *AnonymisationFailed) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("anonymiser: %s: %v", e.ProviderName, e.Err)
	}
	return fmt.Sprintf("anonymiser: failed to anonymise %s %s.%s: %v", e.ProviderName, e.Table, e.Column, e.Err)
}

func (e *AnonymisationFailed) Unwrap() error { return e.Err }

// Service holds the anonymisation map shared across every provider and
// database anonymised within one subsetting operation.
type Service struct {
	anonMap        *AnonMap
	nameAnonymiser NameAnonymiser
}

func New(nameAnonymiser NameAnonymiser) *Service {
	return &Service{anonMap: NewAnonMap(), nameAnonymiser: nameAnonymiser}
}

// AnonymiseDeviceProvider anonymises every PII-bearing column named by
// fields against fsys, the subset device's writable filesystem, which is
// still locked at this point (the orchestrator unlocks it afterwards).
func (s *Service) AnonymiseDeviceProvider(ctx context.Context, providerName string, fsys rfs.DeviceFilesystem, fields providers.PIIFields, countryCode string) error {
	if err := fields.Validate(); err != nil {
		return &AnonymisationFailed{ProviderName: providerName, Err: err}
	}

	for _, sq := range fields.Sqlite3 {
		if err := s.anonymiseSqlite3(ctx, providerName, fsys, sq, countryCode); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) anonymiseSqlite3(ctx context.Context, providerName string, fsys rfs.DeviceFilesystem, sq providers.Sqlite3Fields, countryCode string) error {
	db, err := fsys.SQLite3Connect(sq.DBPath, false)
	if err != nil {
		return &AnonymisationFailed{ProviderName: providerName, DBPath: sq.DBPath, Err: err}
	}
	defer db.Close()

	da := NewDBAnonymiser(db, s.anonMap, s.nameAnonymiser, countryCode)

	for table, columns := range sq.Tables {
		for column, kinds := range columns {
			for _, kind := range kinds {
				var anonErr error
				switch kind {
				case providers.AnonymisePhone:
					anonErr = da.AnonymisePhone(ctx, table, column)
				case providers.AnonymiseEmail:
					anonErr = da.AnonymiseEmail(ctx, table, column)
				case providers.AnonymiseName:
					anonErr = da.AnonymiseName(ctx, table, column)
				default:
					anonErr = fmt.Errorf("unknown anonymisation kind %q", kind)
				}
				if anonErr != nil {
					return &AnonymisationFailed{
						ProviderName: providerName,
						DBPath:       sq.DBPath,
						Table:        table,
						Column:       column,
						Err:          anonErr,
					}
				}
			}
		}
	}
	return nil
}
