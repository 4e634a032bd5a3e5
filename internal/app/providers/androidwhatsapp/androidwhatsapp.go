// Package androidwhatsapp implements the Android WhatsApp provider,
// reading msgstore.db (messages/chats) and wa.db (contacts).
package androidwhatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"path"
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
	Name         = "android-com.whatsapp.android"
	FriendlyName = "Android WhatsApp"
)

// Message type codes used by msgstore.db's message.message_type column.
const (
	messageTypeText  = 0
	messageTypeImage = 1
	messageTypeAudio = 2
	messageTypeVideo = 3
)

var mediaMessageTypes = map[int]struct{}{messageTypeImage: {}, messageTypeAudio: {}, messageTypeVideo: {}}

// JID type codes in the jid/group_participant_user tables.
const (
	jidTypeGroup = 1
	jidTypeUser  = 17
)

var (
	messageDB = path.Join("data", "data", "com.whatsapp", "databases", "msgstore.db")
	waDB      = path.Join("data", "data", "com.whatsapp", "databases", "wa.db")
)

func init() {
	providers.Register(Name, FromFilesystem)
}

// jidInfo mirrors WhatsappJid: one row of the msgdb jid table.
type jidInfo struct {
	ID        int64
	RawString string
	Name      string
	Typ       int
}

// waContact mirrors WhatsappContact: a wa.db contact plus every jid row
// that resolves to it, stashed in Contact.ProviderData so Subset can
// recreate the right rows.
type waContact struct {
	ID          int64
	Jid         string
	Number      string
	DisplayName string
	JidContacts []jidInfo
}

func (w *waContact) typContains(typ int) bool {
	for _, j := range w.JidContacts {
		if j.Typ == typ {
			return true
		}
	}
	return false
}

// waSession mirrors WhatsappMessageSession.
type waSession struct {
	GroupParticipantUserIDs []int64
	GroupUserID             *int64
	GroupJidRowID           *int64
}

// waMessageEvent mirrors WhatsappMessageEvent.
type waMessageEvent struct {
	MessageRowID int64
	ChatRowID    int64
}

// Provider implements providers.Provider for Android's bundled WhatsApp
// client.
type Provider struct {
	fsys  rfs.DeviceFilesystem
	msgdb *sql.DB
	wadb  *sql.DB

	mu                  sync.Mutex
	loaded              bool
	contactsByID        map[string]*contact.Contact
	contactsByJidRowID  map[int64]*contact.Contact
	groupUsers          map[int64][]int64
	groupParticipantIDs map[int64][]int64
	sessionsByChatRowID map[int64]*event.MessageSession
}

// FromFilesystem recognises an Android WhatsApp backup by the presence
// of msgstore.db.
func FromFilesystem(fsys rfs.DeviceFilesystem) (providers.Provider, error) {
	if !fsys.Exists(messageDB) {
		return nil, nil
	}
	msgdb, err := fsys.SQLite3Connect(messageDB, true)
	if err != nil {
		return nil, err
	}
	wadb, err := fsys.SQLite3Connect(waDB, true)
	if err != nil {
		msgdb.Close()
		return nil, err
	}
	return &Provider{
		fsys:                fsys,
		msgdb:               msgdb,
		wadb:                wadb,
		contactsByID:        map[string]*contact.Contact{},
		contactsByJidRowID:  map[int64]*contact.Contact{},
		groupUsers:          map[int64][]int64{},
		groupParticipantIDs: map[int64][]int64{},
		sessionsByChatRowID: map[int64]*event.MessageSession{},
	}, nil
}

func (p *Provider) Name() string         { return Name }
func (p *Provider) FriendlyName() string { return FriendlyName }

func (p *Provider) PIIFields() providers.PIIFields {
	return providers.PIIFields{
		Sqlite3: []providers.Sqlite3Fields{
			{
				DBPath: waDB,
				Tables: map[string]map[string][]providers.AnonKind{
					"wa_contacts": {
						"jid":          {providers.AnonymisePhone},
						"number":       {providers.AnonymisePhone},
						"display_name": {providers.AnonymiseName},
						"given_name":   {providers.AnonymiseName},
						"family_name":  {providers.AnonymiseName},
						"wa_name":      {providers.AnonymiseName},
					},
				},
			},
			{
				DBPath: messageDB,
				Tables: map[string]map[string][]providers.AnonKind{
					"jid": {
						"user":       {providers.AnonymisePhone},
						"raw_string": {providers.AnonymisePhone},
					},
					"message": {
						"text_data": {providers.AnonymisePhone, providers.AnonymiseName},
					},
				},
			},
		},
	}
}

// loadContacts reads wa.db's wa_contacts and msgdb's jid tables once,
// building the indices Subset/SearchEvents need to resolve senders and
// group membership.
func (p *Provider) loadContacts(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return nil
	}

	contactsByJid := map[string]*contact.Contact{}

	rows, err := p.wadb.QueryContext(ctx,
		`SELECT _id, jid, number, display_name, given_name, family_name, wa_name FROM wa_contacts`)
	if err != nil {
		return fmt.Errorf("androidwhatsapp: wa_contacts: %w", err)
	}
	for rows.Next() {
		var id int64
		var jid string
		var number, displayName, given, family, waName sql.NullString
		if err := rows.Scan(&id, &jid, &number, &displayName, &given, &family, &waName); err != nil {
			rows.Close()
			return err
		}
		num := number.String
		if num == "" {
			num = "+" + firstJidPart(jid)
		}
		wac := &waContact{ID: id, Jid: jid, Number: number.String, DisplayName: displayName.String}
		c := &contact.Contact{
			LocalID:              jid,
			DeviceID:             p.fsys.ID(),
			ProviderName:         Name,
			ProviderFriendlyName: FriendlyName,
			Phone:                num,
			ProviderData:         wac,
			Name: contact.Name{
				First:   given.String,
				Last:    family.String,
				Display: firstNonEmpty(displayName.String, waName.String),
			},
		}
		contactsByJid[jid] = c
		p.contactsByID[c.LocalID] = c
	}
	rows.Close()

	rows, err = p.msgdb.QueryContext(ctx, `SELECT _id, "user", server, type, raw_string FROM jid`)
	if err != nil {
		return fmt.Errorf("androidwhatsapp: jid: %w", err)
	}
	for rows.Next() {
		var id int64
		var user, server, rawString string
		var typ int
		if err := rows.Scan(&id, &user, &server, &typ, &rawString); err != nil {
			rows.Close()
			return err
		}
		jid := user + "@" + server
		c, ok := contactsByJid[jid]
		if !ok {
			wac := &waContact{ID: -1, Jid: jid, DisplayName: "Unknown"}
			c = &contact.Contact{
				LocalID:      jid,
				DeviceID:     p.fsys.ID(),
				ProviderName: Name,
				Phone:        user,
				ProviderData: wac,
				Name:         contact.Name{Display: "Unknown"},
			}
			contactsByJid[jid] = c
			p.contactsByID[c.LocalID] = c
		}
		wac := c.ProviderData.(*waContact)
		wac.JidContacts = append(wac.JidContacts, jidInfo{ID: id, Name: user, Typ: typ, RawString: rawString})
		p.contactsByJidRowID[id] = c
	}
	rows.Close()

	p.loaded = true
	return nil
}

func firstJidPart(jid string) string {
	for i, r := range jid {
		if r == '@' {
			return jid[:i]
		}
	}
	return jid
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func timestampToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func timeToTimestamp(t time.Time) int64 {
	return t.UnixMilli()
}

func (p *Provider) getGroupContacts(ctx context.Context, groupJidRowID int64) ([]contact.Contact, error) {
	if err := p.loadContacts(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	_, cached := p.groupUsers[groupJidRowID]
	p.mu.Unlock()

	if !cached {
		rows, err := p.msgdb.QueryContext(ctx,
			`SELECT _id, user_jid_row_id FROM group_participant_user WHERE group_jid_row_id = ?`, groupJidRowID)
		if err != nil {
			return nil, err
		}
		var users, ids []int64
		for rows.Next() {
			var id, userJidRowID int64
			if err := rows.Scan(&id, &userJidRowID); err != nil {
				rows.Close()
				return nil, err
			}
			ids = append(ids, id)
			users = append(users, userJidRowID)
		}
		rows.Close()
		p.mu.Lock()
		p.groupUsers[groupJidRowID] = users
		p.groupParticipantIDs[groupJidRowID] = ids
		p.mu.Unlock()
	}

	p.mu.Lock()
	userJids := append([]int64(nil), p.groupUsers[groupJidRowID]...)
	p.mu.Unlock()

	var out []contact.Contact
	for _, jidRowID := range userJids {
		p.mu.Lock()
		c, ok := p.contactsByJidRowID[jidRowID]
		p.mu.Unlock()
		if ok && c.ProviderData.(*waContact).typContains(jidTypeUser) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (p *Provider) getContact(jidRowID int64) *contact.Contact {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contactsByJidRowID[jidRowID]
}

func (p *Provider) createSession(ctx context.Context, chatID int64) (*event.MessageSession, *waSession, error) {
	var jidRowID int64
	var subject sql.NullString
	row := p.msgdb.QueryRowContext(ctx, `SELECT jid_row_id, subject FROM chat WHERE _id = ?`, chatID)
	if err := row.Scan(&jidRowID, &subject); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	c := p.getContact(jidRowID)
	var participants []contact.Contact
	ws := &waSession{}

	if c != nil {
		wac := c.ProviderData.(*waContact)
		if wac.typContains(jidTypeGroup) {
			group, err := p.getGroupContacts(ctx, jidRowID)
			if err != nil {
				return nil, nil, err
			}
			participants = group
			p.mu.Lock()
			ws.GroupParticipantUserIDs = append([]int64(nil), p.groupParticipantIDs[jidRowID]...)
			p.mu.Unlock()
			gu := wac.ID
			ws.GroupUserID = &gu
			gj := jidRowID
			ws.GroupJidRowID = &gj
		} else {
			participants = []contact.Contact{*c}
		}
	}

	return &event.MessageSession{
		LocalID:      fmt.Sprintf("%d", chatID),
		ProviderName: Name,
		Name:         subject.String,
		Participants: participants,
		ProviderData: ws,
	}, ws, nil
}

type messageRow struct {
	messageType     int
	id              int64
	chatRowID       int64
	text            sql.NullString
	timestamp       int64
	fromMe          bool
	authorDeviceJid sql.NullInt64
	mediaFilePath   sql.NullString
	mediaMimeType   sql.NullString
}

func (p *Provider) constructQuery(f filter.Events) (string, []any) {
	q := `SELECT m.sender_jid_row_id, m.message_type, m._id, m.chat_row_id, m.text_data, m.timestamp,
	             m.from_me, d.author_device_jid, md.file_path, md.mime_type
	      FROM message m
	      JOIN chat c ON c._id = m.chat_row_id
	      JOIN message_details d ON d.message_row_id = m._id
	      LEFT JOIN message_media md ON md.message_row_id = m._id
	      WHERE m.message_type IN (0, 1, 2, 3)`
	var args []any
	if f.TimestampStart != nil {
		q += ` AND m.timestamp >= ?`
		args = append(args, timeToTimestamp(*f.TimestampStart))
	}
	if f.TimestampEnd != nil {
		q += ` AND m.timestamp < ?`
		args = append(args, timeToTimestamp(f.TimestampEnd.Add(time.Millisecond)))
	}
	return q, args
}

// SearchEvents streams every WhatsApp message matching f. Only
// MessageEvent is ever produced, so a filter that excludes it yields
// nothing.
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

		if err := p.loadContacts(ctx); err != nil {
			errs <- err
			return
		}

		q, args := p.constructQuery(f)
		rows, err := p.msgdb.QueryContext(ctx, q, args...)
		if err != nil {
			errs <- err
			return
		}
		defer rows.Close()

		for rows.Next() {
			var r messageRow
			var senderJidRowID sql.NullInt64
			if err := rows.Scan(&senderJidRowID, &r.messageType, &r.id, &r.chatRowID, &r.text, &r.timestamp,
				&r.fromMe, &r.authorDeviceJid, &r.mediaFilePath, &r.mediaMimeType); err != nil {
				errs <- err
				return
			}

			var sender *contact.Contact
			if !senderJidRowID.Valid || senderJidRowID.Int64 == 0 {
				if r.authorDeviceJid.Valid {
					sender = p.getContact(r.authorDeviceJid.Int64)
				}
			} else {
				sender = p.getContact(senderJidRowID.Int64)
			}

			p.mu.Lock()
			session, sessionKnown := p.sessionsByChatRowID[r.chatRowID]
			p.mu.Unlock()
			if !sessionKnown {
				var err error
				session, _, err = p.createSession(ctx, r.chatRowID)
				if err != nil {
					errs <- err
					return
				}
				p.mu.Lock()
				p.sessionsByChatRowID[r.chatRowID] = session
				p.mu.Unlock()
			}

			var m *event.Media
			if _, isMedia := mediaMessageTypes[r.messageType]; isMedia && r.mediaFilePath.Valid {
				m = &event.Media{MimeType: r.mediaMimeType.String, LocalID: r.mediaFilePath.String}
			}

			ev := event.MessageEvent{
				Base: event.Base{
					ID:               fmt.Sprintf("%d", r.id),
					Timestamp:        timestampToTime(r.timestamp),
					ProviderName:     Name,
					ProviderFriendly: FriendlyName,
					ProviderData:     waMessageEvent{MessageRowID: r.id, ChatRowID: r.chatRowID},
				},
				SessionID: fmt.Sprintf("%d", r.chatRowID),
				Text:      r.text.String,
				Sender:    sender,
				FromMe:    r.fromMe,
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
	if err := p.loadContacts(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []contact.Contact
	for _, c := range p.contactsByID {
		if !c.ProviderData.(*waContact).typContains(jidTypeUser) {
			continue
		}
		if f.Match(*c) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (p *Provider) mediaPath(localID string) string {
	return "/sdcard/WhatsApp/" + localID
}

func (p *Provider) GetMedia(ctx context.Context, localID string) (*media.Data, error) {
	row := p.msgdb.QueryRowContext(ctx,
		`SELECT mime_type FROM message_media WHERE file_path = ?`, localID)
	var mimeType string
	if err := row.Scan(&mimeType); err != nil {
		return nil, fmt.Errorf("androidwhatsapp: no media found for %s: %w", localID, err)
	}

	mediaPath := p.mediaPath(localID)
	handle, err := p.fsys.Open(mediaPath)
	if err != nil {
		return nil, err
	}
	size, err := p.fsys.GetSize(mediaPath)
	if err != nil {
		handle.Close()
		return nil, err
	}
	return &media.Data{MimeType: mimeType, Handle: handle, Length: size}, nil
}

func (p *Provider) Subset(ctx context.Context, s providers.Subsetter, events []event.Event, contacts []contact.Contact) error {
	rowsWaContacts := s.RowSubset("wa_contacts", "_id")
	rowsGroupParticipantUser := s.RowSubset("group_participant_user", "_id")
	rowsMessage := s.RowSubset("message", "_id")
	rowsMessageMedia := s.RowSubset("message_media", "message_row_id")
	rowsMessageDetails := s.RowSubset("message_details", "message_row_id")
	rowsJid := s.RowSubset("jid", "_id")
	rowsChat := s.RowSubset("chat", "_id")

	for _, c := range contacts {
		if wac, ok := c.ProviderData.(*waContact); ok {
			rowsWaContacts.Add(wac.ID)
		}
	}

	for _, ev := range events {
		msg, ok := ev.(event.MessageEvent)
		if !ok || msg.ProviderName != Name {
			continue
		}
		wm, ok := msg.ProviderData.(waMessageEvent)
		if !ok {
			continue
		}

		rowsMessage.Add(wm.MessageRowID)
		if msg.Sender != nil {
			if wac, ok := msg.Sender.ProviderData.(*waContact); ok {
				for _, jc := range wac.JidContacts {
					rowsJid.Add(jc.ID)
				}
			}
		}
		if msg.Session != nil {
			if ws, ok := msg.Session.ProviderData.(*waSession); ok {
				for _, id := range ws.GroupParticipantUserIDs {
					rowsGroupParticipantUser.Add(id)
				}
				if ws.GroupUserID != nil {
					rowsWaContacts.Add(*ws.GroupUserID)
				}
				if ws.GroupJidRowID != nil {
					rowsJid.Add(*ws.GroupJidRowID)
				}
			}
		}
		rowsMessageDetails.Add(wm.MessageRowID)
		rowsChat.Add(wm.ChatRowID)
		rowsMessageMedia.Add(wm.MessageRowID)
	}

	if err := s.CreateDBAndCopyRows(ctx, p.msgdb, messageDB,
		[]*subset.RowSubset{rowsMessage, rowsMessageDetails, rowsMessageMedia, rowsJid, rowsChat, rowsGroupParticipantUser}); err != nil {
		return err
	}
	if err := s.CreateDBAndCopyRows(ctx, p.wadb, waDB, []*subset.RowSubset{rowsWaContacts}); err != nil {
		return err
	}

	mediaRowKeys := rowsMessageMedia.Keys()
	if len(mediaRowKeys) > 0 {
		placeholders := make([]string, len(mediaRowKeys))
		args := make([]any, len(mediaRowKeys))
		for i, k := range mediaRowKeys {
			placeholders[i] = "?"
			args[i] = k
		}
		q := fmt.Sprintf(`SELECT file_path FROM message_media WHERE message_row_id IN (%s)`, joinPlaceholders(placeholders))
		rows, err := p.msgdb.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var filePath string
			if err := rows.Scan(&filePath); err != nil {
				return err
			}
			pathname := p.mediaPath(filePath)
			handle, err := p.fsys.Open(pathname)
			if err != nil {
				continue
			}
			err = s.CopyFile(handle, pathname)
			handle.Close()
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func joinPlaceholders(ph []string) string {
	out := ph[0]
	for _, p := range ph[1:] {
		out += "," + p
	}
	return out
}
