// Package androidtelephony implements the Android SMS/MMS provider,
// reading mmssms.db.
package androidtelephony

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/saamiyaaqeel/rime/internal/app/providers"
	"github.com/saamiyaaqeel/rime/internal/domain/contact"
	"github.com/saamiyaaqeel/rime/internal/domain/event"
	"github.com/saamiyaaqeel/rime/internal/domain/filter"
	"github.com/saamiyaaqeel/rime/internal/domain/media"
	"github.com/saamiyaaqeel/rime/internal/domain/subset"
	rfs "github.com/saamiyaaqeel/rime/internal/platform/filesystem"
)

const (
	Name         = "android-com.android.providers.telephony"
	FriendlyName = "Android Telephony"

	typeFromMe = 2
)

var mmssmsDB = path.Join("data", "data", "com.android.providers.telephony", "databases", "mmssms.db")

func init() {
	providers.Register(Name, FromFilesystem)
}

// atMessage mirrors AtMessage, the original's provider_data for an SMS
// event.
type atMessage struct {
	ThreadsTableID int64
}

// Provider implements providers.Provider for stock Android SMS/MMS.
type Provider struct {
	fsys rfs.DeviceFilesystem
	db   *sql.DB

	mu       sync.Mutex
	loaded   bool
	contacts map[int64]*contact.Contact // address_id -> contact
	sessions map[int64]*event.MessageSession
}

func FromFilesystem(fsys rfs.DeviceFilesystem) (providers.Provider, error) {
	if !fsys.Exists(mmssmsDB) {
		return nil, nil
	}
	db, err := fsys.SQLite3Connect(mmssmsDB, true)
	if err != nil {
		return nil, err
	}
	return &Provider{
		fsys:     fsys,
		db:       db,
		contacts: map[int64]*contact.Contact{},
		sessions: map[int64]*event.MessageSession{},
	}, nil
}

func (p *Provider) Name() string         { return Name }
func (p *Provider) FriendlyName() string { return FriendlyName }

func (p *Provider) PIIFields() providers.PIIFields {
	return providers.PIIFields{
		Sqlite3: []providers.Sqlite3Fields{{
			DBPath: mmssmsDB,
			Tables: map[string]map[string][]providers.AnonKind{
				"sms": {
					"address":        {providers.AnonymisePhone},
					"service_center": {providers.AnonymisePhone},
					"body":           {providers.AnonymisePhone, providers.AnonymiseName},
				},
				"canonical_addresses": {"address": {providers.AnonymisePhone}},
				"threads":             {"snippet": {providers.AnonymisePhone, providers.AnonymiseName}},
			},
		}},
	}
}

func timestampToTime(ms int64) time.Time { return time.UnixMilli(ms) }

// loadContact resolves (and caches) one canonical_addresses row into a
// Contact, the android-telephony equivalent of the original's
// LazyContactProvider.
func (p *Provider) loadContact(ctx context.Context, addressID int64) (*contact.Contact, error) {
	p.mu.Lock()
	if c, ok := p.contacts[addressID]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	var address string
	row := p.db.QueryRowContext(ctx, `SELECT address FROM canonical_addresses WHERE _id = ?`, addressID)
	if err := row.Scan(&address); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	c := &contact.Contact{
		LocalID:              strconv.FormatInt(addressID, 10),
		DeviceID:             p.fsys.ID(),
		ProviderName:         Name,
		ProviderFriendlyName: FriendlyName,
		Name:                 contact.Name{Display: address},
		Phone:                address,
	}
	p.mu.Lock()
	p.contacts[addressID] = c
	p.mu.Unlock()
	return c, nil
}

// recipientAddressIDs splits a thread's recipient_ids column, which
// android stores as a space-separated list of canonical_addresses ids
// for group MMS threads, unlike the single-id join the original always
// assumed (spec's supplemented "SMS group threads" feature).
func recipientAddressIDs(recipientIDs string) []int64 {
	var out []int64
	for _, part := range strings.Fields(recipientIDs) {
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func (p *Provider) findSession(ctx context.Context, threadID int64, senderAddressID int64) (*event.MessageSession, error) {
	p.mu.Lock()
	s, ok := p.sessions[threadID]
	p.mu.Unlock()
	if ok {
		return s, nil
	}

	var recipientIDs sql.NullString
	row := p.db.QueryRowContext(ctx, `SELECT recipient_ids FROM threads WHERE _id = ?`, threadID)
	_ = row.Scan(&recipientIDs)

	var participants []contact.Contact
	ids := recipientAddressIDs(recipientIDs.String)
	if len(ids) == 0 && senderAddressID != 0 {
		ids = []int64{senderAddressID}
	}
	for _, id := range ids {
		c, err := p.loadContact(ctx, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			participants = append(participants, *c)
		}
	}

	s = &event.MessageSession{
		LocalID:      strconv.FormatInt(threadID, 10),
		ProviderName: Name,
		Participants: participants,
	}
	p.mu.Lock()
	p.sessions[threadID] = s
	p.mu.Unlock()
	return s, nil
}

func (p *Provider) SearchEvents(ctx context.Context, f filter.Events) (<-chan event.Event, <-chan error) {
	out := make(chan event.Event)
	errs := make(chan error, 1)

	if len(f.TypeNames) > 0 {
		if _, ok := f.TypeNames[event.TypeMessage]; !ok {
			close(out)
			close(errs)
			return out, errs
		}
	}

	go func() {
		defer close(out)
		defer close(errs)

		q := `SELECT s._id, a._id, s.thread_id, s.type, s.address, s.date, s.body
		      FROM sms s
		      LEFT JOIN threads t ON s.thread_id = t._id
		      LEFT JOIN canonical_addresses a ON t.recipient_ids = a._id`
		rows, err := p.db.QueryContext(ctx, q)
		if err != nil {
			errs <- err
			return
		}
		defer rows.Close()

		for rows.Next() {
			var smsID int64
			var addressID sql.NullInt64
			var threadID int64
			var typ int
			var address sql.NullString
			var date int64
			var body sql.NullString
			if err := rows.Scan(&smsID, &addressID, &threadID, &typ, &address, &date, &body); err != nil {
				errs <- err
				return
			}

			session, err := p.findSession(ctx, threadID, addressID.Int64)
			if err != nil {
				errs <- err
				return
			}
			var sender *contact.Contact
			if addressID.Valid {
				sender, err = p.loadContact(ctx, addressID.Int64)
				if err != nil {
					errs <- err
					return
				}
			}

			ev := event.MessageEvent{
				Base: event.Base{
					ID:               strconv.FormatInt(smsID, 10),
					Timestamp:        timestampToTime(date),
					ProviderName:     Name,
					ProviderFriendly: FriendlyName,
					ProviderData:     atMessage{ThreadsTableID: threadID},
				},
				SessionID: session.LocalID,
				Text:      body.String,
				FromMe:    typ == typeFromMe,
				Sender:    sender,
				Session:   session,
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return out, errs
}

func (p *Provider) SearchContacts(ctx context.Context, f filter.Contacts) ([]contact.Contact, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT _id, address FROM canonical_addresses`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []contact.Contact
	for rows.Next() {
		var id int64
		var address sql.NullString
		if err := rows.Scan(&id, &address); err != nil {
			return nil, err
		}
		c, err := p.loadContact(ctx, id)
		if err != nil {
			return nil, err
		}
		if c != nil && f.Match(*c) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (p *Provider) GetMedia(ctx context.Context, localID string) (*media.Data, error) {
	return nil, fmt.Errorf("androidtelephony: media not supported")
}

func (p *Provider) Subset(ctx context.Context, s providers.Subsetter, events []event.Event, contacts []contact.Contact) error {
	rowsSMS := s.RowSubset("sms", "_id")
	rowsThreads := s.RowSubset("threads", "_id")
	rowsAddress := s.RowSubset("canonical_addresses", "_id")

	for _, c := range contacts {
		if c.ProviderName != Name {
			continue
		}
		if id, err := strconv.ParseInt(c.LocalID, 10, 64); err == nil {
			rowsAddress.Add(id)
		}
	}
	for _, ev := range events {
		msg, ok := ev.(event.MessageEvent)
		if !ok || msg.ProviderName != Name {
			continue
		}
		am, ok := msg.ProviderData.(atMessage)
		if !ok {
			continue
		}
		rowsThreads.Add(am.ThreadsTableID)
		if id, err := strconv.ParseInt(msg.ID, 10, 64); err == nil {
			rowsSMS.Add(id)
		}
	}

	return s.CreateDBAndCopyRows(ctx, p.db, mmssmsDB, []*subset.RowSubset{rowsSMS, rowsThreads, rowsAddress})
}
