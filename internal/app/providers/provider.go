// Package providers defines the contract every per-application adapter
// implements (Android WhatsApp, Android Telephony, Android Contacts,
// Android Generic Media, iOS WhatsApp, iOS iMessage, iOS Contacts), plus
// the AnonKind/PIIFields descriptor the anonymiser consumes.
package providers

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/saamiyaaqeel/rime/internal/domain/contact"
	"github.com/saamiyaaqeel/rime/internal/domain/event"
	"github.com/saamiyaaqeel/rime/internal/domain/filter"
	"github.com/saamiyaaqeel/rime/internal/domain/media"
	"github.com/saamiyaaqeel/rime/internal/domain/subset"
	rfs "github.com/saamiyaaqeel/rime/internal/platform/filesystem"
)

// AnonKind names one of the three substitution rules the anonymiser
// applies to a declared column.
type AnonKind string

const (
	AnonymisePhone AnonKind = "anonymise_phone"
	AnonymiseEmail AnonKind = "anonymise_email"
	AnonymiseName  AnonKind = "anonymise_name"
)

// Sqlite3Fields declares, for one sqlite database path reachable from
// the device filesystem, which columns of which tables carry PII and
// which anonymiser(s) apply to each.
type Sqlite3Fields struct {
	DBPath string
	Tables map[string]map[string][]AnonKind
}

// PIIFields is a provider's declarative PII descriptor. Only the
// sqlite3 storage method exists today (spec's single supported
// storage_method); the type is still a tagged variant, not a duck-typed
// map, so a provider registering a malformed descriptor fails fast.
type PIIFields struct {
	Sqlite3 []Sqlite3Fields
}

// Validate rejects an entry with an empty DBPath, an empty table or
// column name, or a column with no anonymiser kinds; a descriptor with
// no entries passes. device.New runs it for every provider it binds, so
// a broken PII_FIELDS surfaces when a device is loaded rather than at
// anonymisation time (spec's AnonymisationFailed cause:
// "a provider declared malformed or incomplete PII_FIELDS").
func (p PIIFields) Validate() error {
	for _, db := range p.Sqlite3 {
		if db.DBPath == "" {
			return fmt.Errorf("providers: PIIFields entry has empty DBPath")
		}
		for table, cols := range db.Tables {
			if table == "" {
				return fmt.Errorf("providers: PIIFields %s has empty table name", db.DBPath)
			}
			for col, kinds := range cols {
				if col == "" || len(kinds) == 0 {
					return fmt.Errorf("providers: PIIFields %s.%s has no anonymiser kinds", db.DBPath, table)
				}
			}
		}
	}
	return nil
}

// Provider is the contract every per-application adapter implements.
// A Provider is stateless with respect to any single device filesystem:
// FromFilesystem constructs one bound instance per (device, provider)
// pair, mirroring the Python classmethod constructor.
type Provider interface {
	Name() string
	FriendlyName() string
	PIIFields() PIIFields

	// SearchEvents streams every event matching f, in no particular
	// order; the caller applies its own sort if one is required.
	SearchEvents(ctx context.Context, f filter.Events) (<-chan event.Event, <-chan error)

	// SearchContacts returns every contact matching f.
	SearchContacts(ctx context.Context, f filter.Contacts) ([]contact.Contact, error)

	// GetMedia streams the media referenced by localID.
	GetMedia(ctx context.Context, localID string) (*media.Data, error)

	// Subset uses s to reproduce, in a fresh output filesystem, exactly
	// the events and contacts given.
	Subset(ctx context.Context, s Subsetter, events []event.Event, contacts []contact.Contact) error
}

// Subsetter is the collaborator a provider's Subset method uses to
// declare which rows survive into the output database and to copy
// media files across, without needing to know how the output
// filesystem or anonymisation pipeline are wired up.
type Subsetter interface {
	// RowSubset returns the (created-on-first-use) row accumulator for
	// table, keyed by pkColumn.
	RowSubset(table, pkColumn string) *subset.RowSubset

	// CompleteTable marks table for wholesale copy.
	CompleteTable(table string)

	// CreateDBAndCopyRows copies, from srcDB, every row named by
	// rowSubsets (and every row of any table named via CompleteTable),
	// into a freshly created database at logicalPath in the output
	// filesystem.
	CreateDBAndCopyRows(ctx context.Context, srcDB *sql.DB, logicalPath string, rowSubsets []*subset.RowSubset) error

	// CopyFile streams src into the output filesystem at logicalPath.
	CopyFile(src io.Reader, logicalPath string) error
}

// Factory constructs a Provider bound to one device filesystem, mirroring
// the Python classmethod from_filesystem. It returns (nil, nil) when the
// provider does not recognise this filesystem as one of its own.
type Factory func(fsys rfs.DeviceFilesystem) (Provider, error)

// registry is the process-wide set of known provider factories, keyed by
// provider name, populated by each provider package's init().
var registry = map[string]Factory{}

// Register adds a provider factory under name. Called from each
// concrete provider package's init(), mirroring how the original
// discovers provider subclasses at import time.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// DiscoverAll runs every registered factory against fsys and returns the
// providers that recognised it.
func DiscoverAll(fsys rfs.DeviceFilesystem) ([]Provider, error) {
	var found []Provider
	for name, factory := range registry {
		p, err := factory(fsys)
		if err != nil {
			return nil, fmt.Errorf("providers: %s.FromFilesystem: %w", name, err)
		}
		if p != nil {
			found = append(found, p)
		}
	}
	return found, nil
}
