// Package androidcontacts implements the Android contacts provider,
// reading contacts2.db (the stock com.android.providers.contacts
// layout: contacts -> raw_contacts -> data, joined via mimetypes).
package androidcontacts

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/saamiyaaqeel/rime/internal/app/providers"
	"github.com/saamiyaaqeel/rime/internal/domain/contact"
	"github.com/saamiyaaqeel/rime/internal/domain/event"
	"github.com/saamiyaaqeel/rime/internal/domain/filter"
	"github.com/saamiyaaqeel/rime/internal/domain/media"
	"github.com/saamiyaaqeel/rime/internal/domain/subset"
	rfs "github.com/saamiyaaqeel/rime/internal/platform/filesystem"
)

const (
	Name         = "android-com.android.providers.contacts"
	FriendlyName = "Android Contacts"

	dbPath = "data/data/com.android.providers.contacts/databases/contacts2.db"
)

// mimeTypeField maps an Android contacts mime type to the Contact field
// it populates.
var mimeTypeField = map[string]string{
	"vnd.android.cursor.item/name":     "name.display",
	"vnd.android.cursor.item/phone_v2": "phone",
	"vnd.android.cursor.item/email_v2": "email",
}

func init() {
	providers.Register(Name, FromFilesystem)
}

type androidContact struct {
	ContactRowID    int64
	RawContactIDs   map[int64]struct{}
}

type Provider struct {
	fsys rfs.DeviceFilesystem
	conn *sql.DB

	mu             sync.Mutex
	mimeTypeByID   map[int64]string
	mimeTypesReady bool
}

func FromFilesystem(fsys rfs.DeviceFilesystem) (providers.Provider, error) {
	if !fsys.Exists(dbPath) {
		return nil, nil
	}
	conn, err := fsys.SQLite3Connect(dbPath, true)
	if err != nil {
		return nil, err
	}
	return &Provider{fsys: fsys, conn: conn, mimeTypeByID: map[int64]string{}}, nil
}

func (p *Provider) Name() string         { return Name }
func (p *Provider) FriendlyName() string { return FriendlyName }

func (p *Provider) PIIFields() providers.PIIFields {
	return providers.PIIFields{
		Sqlite3: []providers.Sqlite3Fields{{
			DBPath: dbPath,
			Tables: map[string]map[string][]providers.AnonKind{
				"contacts":     {"default_number": {providers.AnonymisePhone}},
				"raw_contacts": {"sync1": {providers.AnonymisePhone}},
				"data": {
					"data1": {providers.AnonymisePhone, providers.AnonymiseEmail, providers.AnonymiseName},
					"data2": {providers.AnonymisePhone, providers.AnonymiseEmail, providers.AnonymiseName},
					"data3": {providers.AnonymisePhone, providers.AnonymiseEmail, providers.AnonymiseName},
					"data4": {providers.AnonymisePhone, providers.AnonymiseEmail, providers.AnonymiseName},
				},
			},
		}},
	}
}

func (p *Provider) loadMimeTypes(ctx context.Context) (map[int64]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mimeTypesReady {
		return p.mimeTypeByID, nil
	}

	rows, err := p.conn.QueryContext(ctx,
		`SELECT _id, mimetype FROM mimetypes WHERE mimetype IN (?, ?, ?)`,
		"vnd.android.cursor.item/name", "vnd.android.cursor.item/phone_v2", "vnd.android.cursor.item/email_v2")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var mt string
		if err := rows.Scan(&id, &mt); err != nil {
			return nil, err
		}
		p.mimeTypeByID[id] = mt
	}
	p.mimeTypesReady = true
	return p.mimeTypeByID, nil
}

func (p *Provider) SearchEvents(ctx context.Context, f filter.Events) (<-chan event.Event, <-chan error) {
	out := make(chan event.Event)
	errs := make(chan error, 1)
	close(out)
	close(errs)
	return out, errs
}

func (p *Provider) SearchContacts(ctx context.Context, f filter.Contacts) ([]contact.Contact, error) {
	mimeTypes, err := p.loadMimeTypes(ctx)
	if err != nil {
		return nil, err
	}
	if len(mimeTypes) == 0 {
		return nil, nil
	}

	ids := make([]any, 0, len(mimeTypes))
	placeholders := ""
	for id := range mimeTypes {
		if placeholders != "" {
			placeholders += ","
		}
		placeholders += "?"
		ids = append(ids, id)
	}

	q := fmt.Sprintf(`
		SELECT c._id, c.name_raw_contact_id, d.mimetype_id, d.data1
		FROM contacts c
		JOIN raw_contacts rc ON c.name_raw_contact_id = rc._id
		JOIN data d ON rc._id = d.raw_contact_id
		WHERE d.mimetype_id IN (%s)`, placeholders)

	rows, err := p.conn.QueryContext(ctx, q, ids...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := map[int64]*contact.Contact{}
	meta := map[int64]*androidContact{}

	for rows.Next() {
		var contactID, rawContactID, mimeTypeID int64
		var data sql.NullString
		if err := rows.Scan(&contactID, &rawContactID, &mimeTypeID, &data); err != nil {
			return nil, err
		}

		c, ok := byID[contactID]
		if !ok {
			c = &contact.Contact{
				LocalID:              fmt.Sprintf("%d", contactID),
				DeviceID:             p.fsys.ID(),
				ProviderName:         Name,
				ProviderFriendlyName: FriendlyName,
			}
			ac := &androidContact{ContactRowID: contactID, RawContactIDs: map[int64]struct{}{}}
			c.ProviderData = ac
			byID[contactID] = c
			meta[contactID] = ac
		}
		meta[contactID].RawContactIDs[rawContactID] = struct{}{}

		switch mimeTypeField[mimeTypes[mimeTypeID]] {
		case "name.display":
			c.Name.Display = data.String
		case "phone":
			c.Phone = data.String
		case "email":
			c.Email = data.String
		}
	}

	var out []contact.Contact
	for _, c := range byID {
		if f.Match(*c) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (p *Provider) GetMedia(ctx context.Context, localID string) (*media.Data, error) {
	return nil, fmt.Errorf("androidcontacts: media not supported")
}

func (p *Provider) Subset(ctx context.Context, s providers.Subsetter, events []event.Event, contacts []contact.Contact) error {
	rowsContacts := s.RowSubset("contacts", "_id")
	rowsRawContacts := s.RowSubset("raw_contacts", "_id")
	rowsData := s.RowSubset("data", "raw_contact_id")
	s.CompleteTable("mimetypes")

	for _, c := range contacts {
		if c.ProviderName != Name {
			continue
		}
		ac, ok := c.ProviderData.(*androidContact)
		if !ok {
			continue
		}
		rowsContacts.Add(ac.ContactRowID)
		for rawID := range ac.RawContactIDs {
			rowsRawContacts.Add(rawID)
			rowsData.Add(rawID)
		}
	}

	return s.CreateDBAndCopyRows(ctx, p.conn, dbPath, []*subset.RowSubset{rowsContacts, rowsRawContacts, rowsData})
}
