// Package ioscontacts implements the iOS system contacts provider,
// reading HomeDomain/Library/AddressBook/AddressBook.sqlitedb.
package ioscontacts

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"strconv"

	"github.com/saamiyaaqeel/rime/internal/app/providers"
	"github.com/saamiyaaqeel/rime/internal/domain/contact"
	"github.com/saamiyaaqeel/rime/internal/domain/event"
	"github.com/saamiyaaqeel/rime/internal/domain/filter"
	"github.com/saamiyaaqeel/rime/internal/domain/media"
	"github.com/saamiyaaqeel/rime/internal/domain/subset"
	rfs "github.com/saamiyaaqeel/rime/internal/platform/filesystem"
)

const (
	Name         = "ios-AddressBook"
	FriendlyName = "iOS Contacts"

	// ABMultiValue.property codes.
	propertyPhone = 3
	propertyEmail = 4
)

var addressBookDB = path.Join("HomeDomain", "Library", "AddressBook", "AddressBook.sqlitedb")

func init() {
	providers.Register(Name, FromFilesystem)
}

type Provider struct {
	fsys rfs.DeviceFilesystem
	conn *sql.DB
}

func FromFilesystem(fsys rfs.DeviceFilesystem) (providers.Provider, error) {
	if !fsys.Exists(addressBookDB) {
		return nil, nil
	}
	conn, err := fsys.SQLite3Connect(addressBookDB, true)
	if err != nil {
		return nil, err
	}
	return &Provider{fsys: fsys, conn: conn}, nil
}

func (p *Provider) Name() string         { return Name }
func (p *Provider) FriendlyName() string { return FriendlyName }

func (p *Provider) PIIFields() providers.PIIFields {
	return providers.PIIFields{
		Sqlite3: []providers.Sqlite3Fields{{
			DBPath: addressBookDB,
			Tables: map[string]map[string][]providers.AnonKind{
				"ABMultiValue": {
					"value": {providers.AnonymisePhone, providers.AnonymiseEmail, providers.AnonymiseName},
				},
			},
		}},
	}
}

func (p *Provider) SearchEvents(ctx context.Context, f filter.Events) (<-chan event.Event, <-chan error) {
	out := make(chan event.Event)
	errs := make(chan error, 1)
	close(out)
	close(errs)
	return out, errs
}

// SearchContacts joins ABPerson to ABMultiValue, which returns several
// rows per person (ordered by ROWID); a contact is only complete once
// every row for its ROWID has been folded in, including the final group
// of rows at the end of the result set, which is handled explicitly
// here rather than relying on a sentinel row-change that never fires.
func (p *Provider) SearchContacts(ctx context.Context, f filter.Contacts) ([]contact.Contact, error) {
	rows, err := p.conn.QueryContext(ctx, `
		SELECT p.ROWID, p.First, p.Last, mv.property, mv.value
		FROM ABPerson p
		LEFT JOIN ABMultiValue mv ON p.ROWID = mv.record_id
		ORDER BY p.ROWID`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []contact.Contact
	var curID int64
	var curFirst, curLast, curPhone, curEmail string
	haveCurrent := false

	flush := func() {
		if !haveCurrent {
			return
		}
		c := contact.Contact{
			LocalID:              strconv.FormatInt(curID, 10),
			DeviceID:             p.fsys.ID(),
			ProviderName:         Name,
			ProviderFriendlyName: FriendlyName,
			Name:                 contact.Name{First: curFirst, Last: curLast},
			Phone:                curPhone,
			Email:                curEmail,
		}
		if f.Match(c) {
			out = append(out, c)
		}
	}

	for rows.Next() {
		var rowID int64
		var first, last sql.NullString
		var propertyCode sql.NullInt64
		var value sql.NullString
		if err := rows.Scan(&rowID, &first, &last, &propertyCode, &value); err != nil {
			return nil, err
		}

		if haveCurrent && rowID != curID {
			flush()
			curPhone, curEmail = "", ""
		}

		curID = rowID
		curFirst, curLast = first.String, last.String
		haveCurrent = true

		switch propertyCode.Int64 {
		case propertyPhone:
			curPhone = value.String
		case propertyEmail:
			curEmail = value.String
		}
	}
	flush()

	return out, nil
}

func (p *Provider) GetMedia(ctx context.Context, localID string) (*media.Data, error) {
	return nil, fmt.Errorf("ioscontacts: media not supported")
}

func (p *Provider) Subset(ctx context.Context, s providers.Subsetter, events []event.Event, contacts []contact.Contact) error {
	rowsPerson := s.RowSubset("ABPerson", "ROWID")
	rowsMultiValue := s.RowSubset("ABMultiValue", "record_id")

	for _, c := range contacts {
		if c.ProviderName != Name {
			continue
		}
		if id, err := strconv.ParseInt(c.LocalID, 10, 64); err == nil {
			rowsPerson.Add(id)
			rowsMultiValue.Add(id)
		}
	}

	return s.CreateDBAndCopyRows(ctx, p.conn, addressBookDB, []*subset.RowSubset{rowsPerson, rowsMultiValue})
}
