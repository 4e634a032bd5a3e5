// Package imessage implements the iOS Messages provider, reading
// HomeDomain/Library/SMS/sms.db.
package imessage

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"strconv"
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
	Name         = "ios-com.apple.messages"
	FriendlyName = "Apple Messages"
)

// messageDB is specified relative to the HomeDomain, per iOS backup
// filename conventions.
var messageDB = path.Join("HomeDomain", "Library", "SMS", "sms.db")

// cocoaEpoch is 2001-01-01 00:00:00 UTC, the reference point for every
// Cocoa/Core Data timestamp column in iOS system databases.
var cocoaEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

func timestampToTime(ns int64) time.Time {
	return cocoaEpoch.Add(time.Duration(ns))
}

func timeToTimestamp(t time.Time) int64 {
	return int64(t.Sub(cocoaEpoch))
}

func init() {
	providers.Register(Name, FromFilesystem)
}

// imessageContact mirrors ImessageContact: a handle row id, stashed so
// Subset can recreate the right handle rows for a retained contact.
type imessageContact struct {
	RowID int64
}

// imessageMessage mirrors ImessageMessage.
type imessageMessage struct {
	MessageRowID int64
	ChatRowID    int64
}

// Provider implements providers.Provider for Apple Messages (SMS and
// iMessage both land in the same sms.db).
type Provider struct {
	fsys rfs.DeviceFilesystem
	db   *sql.DB

	mu            sync.Mutex
	contacts      map[int64]*contact.Contact // handle ROWID -> contact
	sessions      map[int64]*event.MessageSession
	attachmentsOK bool // true once we've confirmed the attachment tables exist
}

func FromFilesystem(fsys rfs.DeviceFilesystem) (providers.Provider, error) {
	if !fsys.Exists(messageDB) {
		return nil, nil
	}
	db, err := fsys.SQLite3Connect(messageDB, true)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		fsys:     fsys,
		db:       db,
		contacts: map[int64]*contact.Contact{},
		sessions: map[int64]*event.MessageSession{},
	}
	var tables int
	row := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('attachment', 'message_attachment_join')`)
	p.attachmentsOK = row.Scan(&tables) == nil && tables == 2
	return p, nil
}

func (p *Provider) Name() string         { return Name }
func (p *Provider) FriendlyName() string { return FriendlyName }

func (p *Provider) PIIFields() providers.PIIFields {
	return providers.PIIFields{
		Sqlite3: []providers.Sqlite3Fields{{
			DBPath: messageDB,
			Tables: map[string]map[string][]providers.AnonKind{
				"handle": {
					"id":                 {providers.AnonymisePhone},
					"uncanonicalized_id": {providers.AnonymisePhone},
				},
				"chat": {
					"guid":                  {providers.AnonymisePhone},
					"chat_identifier":       {providers.AnonymisePhone},
					"account_login":         {providers.AnonymisePhone},
					"last_addressed_handle": {providers.AnonymisePhone},
				},
				"message": {
					"text":                  {providers.AnonymisePhone, providers.AnonymiseName},
					"account":               {providers.AnonymisePhone},
					"destination_caller_id": {providers.AnonymisePhone},
				},
			},
		}},
	}
}

func (p *Provider) getContact(ctx context.Context, handleID int64) (*contact.Contact, error) {
	p.mu.Lock()
	if c, ok := p.contacts[handleID]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	var id, uncanonicalizedID sql.NullString
	row := p.db.QueryRowContext(ctx, `SELECT id, uncanonicalized_id FROM handle WHERE ROWID = ?`, handleID)
	if err := row.Scan(&id, &uncanonicalizedID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	phone := id.String
	if phone == "" {
		phone = uncanonicalizedID.String
	}
	c := &contact.Contact{
		LocalID:              strconv.FormatInt(handleID, 10),
		DeviceID:             p.fsys.ID(),
		ProviderName:         Name,
		ProviderFriendlyName: FriendlyName,
		Phone:                phone,
		ProviderData:         imessageContact{RowID: handleID},
		// No explicit link to the system contacts DB; merging (by phone
		// number) reconciles this with ioscontacts.
	}
	p.mu.Lock()
	p.contacts[handleID] = c
	p.mu.Unlock()
	return c, nil
}

func (p *Provider) createSession(ctx context.Context, chatID int64) (*event.MessageSession, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT h.ROWID
		FROM handle h
		JOIN chat_handle_join chj ON chj.handle_id = h.ROWID
		JOIN chat c ON c.ROWID = chj.chat_id
		WHERE c.ROWID = ?`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []contact.Contact
	for rows.Next() {
		var handleID int64
		if err := rows.Scan(&handleID); err != nil {
			return nil, err
		}
		c, err := p.getContact(ctx, handleID)
		if err != nil {
			return nil, err
		}
		if c != nil {
			participants = append(participants, *c)
		}
	}

	return &event.MessageSession{
		LocalID:      strconv.FormatInt(chatID, 10),
		ProviderName: Name,
		Participants: participants,
	}, nil
}

// messageAttachment reports the pathname and mime type of the first
// attachment joined to a message, if any (spec's supplemented iMessage
// media support: the original provider never reads these tables).
func (p *Provider) messageAttachment(ctx context.Context, messageRowID int64) (pathname, mimeType string, attachmentID int64, ok bool) {
	if !p.attachmentsOK {
		return "", "", 0, false
	}
	row := p.db.QueryRowContext(ctx, `
		SELECT a.ROWID, a.filename, a.mime_type
		FROM attachment a
		JOIN message_attachment_join maj ON maj.attachment_id = a.ROWID
		WHERE maj.message_id = ?
		LIMIT 1`, messageRowID)
	var filename, mt sql.NullString
	var id int64
	if err := row.Scan(&id, &filename, &mt); err != nil {
		return "", "", 0, false
	}
	return filename.String, mt.String, id, filename.Valid
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

		q := `SELECT m.ROWID, m.guid, m.text, m.date, m.handle_id, m.is_from_me, cmj.chat_id
		      FROM message m
		      JOIN chat_message_join cmj ON cmj.message_id = m.ROWID`
		var args []any
		if f.TimestampStart != nil {
			q += ` WHERE m.date >= ?`
			args = append(args, timeToTimestamp(*f.TimestampStart))
		}
		if f.TimestampEnd != nil {
			if len(args) == 0 {
				q += ` WHERE m.date <= ?`
			} else {
				q += ` AND m.date <= ?`
			}
			args = append(args, timeToTimestamp(*f.TimestampEnd))
		}

		rows, err := p.db.QueryContext(ctx, q, args...)
		if err != nil {
			errs <- err
			return
		}
		defer rows.Close()

		for rows.Next() {
			var rowID int64
			var guid string
			var text sql.NullString
			var date int64
			var handleID sql.NullInt64
			var fromMe bool
			var chatID int64
			if err := rows.Scan(&rowID, &guid, &text, &date, &handleID, &fromMe, &chatID); err != nil {
				errs <- err
				return
			}

			p.mu.Lock()
			session, known := p.sessions[chatID]
			p.mu.Unlock()
			if !known {
				session, err = p.createSession(ctx, chatID)
				if err != nil {
					errs <- err
					return
				}
				p.mu.Lock()
				p.sessions[chatID] = session
				p.mu.Unlock()
			}

			var sender *contact.Contact
			if !fromMe && handleID.Valid {
				sender, err = p.getContact(ctx, handleID.Int64)
				if err != nil {
					errs <- err
					return
				}
			}

			var m *event.Media
			if pathname, mimeType, _, ok := p.messageAttachment(ctx, rowID); ok {
				m = &event.Media{MimeType: mimeType, LocalID: pathname}
			}

			ev := event.MessageEvent{
				Base: event.Base{
					ID:               guid,
					Timestamp:        timestampToTime(date),
					ProviderName:     Name,
					ProviderFriendly: FriendlyName,
					ProviderData:     imessageMessage{MessageRowID: rowID, ChatRowID: chatID},
				},
				SessionID: strconv.FormatInt(chatID, 10),
				Text:      text.String,
				Sender:    sender,
				FromMe:    fromMe,
				Session:   session,
				Media:     m,
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
	rows, err := p.db.QueryContext(ctx, `SELECT ROWID FROM handle`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []contact.Contact
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		c, err := p.getContact(ctx, id)
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
	if !p.attachmentsOK {
		return nil, fmt.Errorf("iosimessage: media not supported")
	}
	handle, err := p.fsys.Open(localID)
	if err != nil {
		return nil, err
	}
	size, err := p.fsys.GetSize(localID)
	if err != nil {
		handle.Close()
		return nil, err
	}
	row := p.db.QueryRowContext(ctx, `SELECT mime_type FROM attachment WHERE filename = ?`, localID)
	var mimeType string
	_ = row.Scan(&mimeType)
	return &media.Data{MimeType: mimeType, Handle: handle, Length: size}, nil
}

func (p *Provider) Subset(ctx context.Context, s providers.Subsetter, events []event.Event, contacts []contact.Contact) error {
	rowsHandle := s.RowSubset("handle", "ROWID")
	for _, c := range contacts {
		if c.ProviderName != Name {
			continue
		}
		if ic, ok := c.ProviderData.(imessageContact); ok {
			rowsHandle.Add(ic.RowID)
		}
	}

	rowsMessage := s.RowSubset("message", "ROWID")
	rowsChat := s.RowSubset("chat", "ROWID")
	rowsChatMessageJoin := s.RowSubset("chat_message_join", "chat_id")
	rowsChatHandleJoin := s.RowSubset("chat_handle_join", "chat_id")
	rowsAttachment := s.RowSubset("attachment", "ROWID")
	rowsMessageAttachmentJoin := s.RowSubset("message_attachment_join", "message_id")

	for _, ev := range events {
		msg, ok := ev.(event.MessageEvent)
		if !ok || msg.ProviderName != Name {
			continue
		}
		im, ok := msg.ProviderData.(imessageMessage)
		if !ok {
			continue
		}

		rowsMessage.Add(im.MessageRowID)
		rowsChat.Add(im.ChatRowID)
		rowsChatMessageJoin.Add(im.ChatRowID)
		rowsChatHandleJoin.Add(im.ChatRowID)
		if msg.Session != nil {
			for _, participant := range msg.Session.Participants {
				if ic, ok := participant.ProviderData.(imessageContact); ok {
					rowsHandle.Add(ic.RowID)
				}
			}
		}
		if p.attachmentsOK {
			if _, _, attachmentID, ok := p.messageAttachment(ctx, im.MessageRowID); ok {
				rowsAttachment.Add(attachmentID)
				rowsMessageAttachmentJoin.Add(im.MessageRowID)
			}
		}
	}

	subsets := []*subset.RowSubset{rowsHandle, rowsMessage, rowsChat, rowsChatMessageJoin, rowsChatHandleJoin}
	if p.attachmentsOK {
		subsets = append(subsets, rowsAttachment, rowsMessageAttachmentJoin)
	}
	if err := s.CreateDBAndCopyRows(ctx, p.db, messageDB, subsets); err != nil {
		return err
	}

	if p.attachmentsOK {
		for _, pk := range rowsAttachment.Keys() {
			rowID, ok := pk.(int64)
			if !ok {
				continue
			}
			var filename sql.NullString
			row := p.db.QueryRowContext(ctx, `SELECT filename FROM attachment WHERE ROWID = ?`, rowID)
			if err := row.Scan(&filename); err != nil || !filename.Valid {
				continue
			}
			handle, err := p.fsys.Open(filename.String)
			if err != nil {
				continue
			}
			err = s.CopyFile(handle, filename.String)
			handle.Close()
			if err != nil {
				return err
			}
		}
	}

	return nil
}
