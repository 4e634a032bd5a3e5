// Package ioswhatsapp implements the iOS WhatsApp provider, reading
// ChatStorage.sqlite.
package ioswhatsapp

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
	Name         = "ios-net.whatsapp.WhatsApp"
	FriendlyName = "iOS WhatsApp"

	messageTypeText = 0
)

var chatStorageDB = path.Join("AppDomainGroup-group.net.whatsapp.WhatsApp.shared", "ChatStorage.sqlite")

// waIOSEpoch is 2001-01-01 00:00:00 UTC, the same Cocoa reference point
// used throughout WhatsApp's iOS Core Data store.
var waIOSEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

func timestampToTime(s float64) time.Time {
	return waIOSEpoch.Add(time.Duration(s * float64(time.Second)))
}

func timeToTimestamp(t time.Time) float64 {
	return t.Sub(waIOSEpoch).Seconds()
}

func jidToPhone(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return ""
}

func init() {
	providers.Register(Name, FromFilesystem)
}

// messageEvent mirrors IosWhatsappMessageEvent.
type messageEvent struct {
	GroupMember   sql.NullInt64
	ChatSessionID int64
}

// waContact mirrors IosWhatsappContact: the Z_PK rows a contact spans
// across ZWACHATSESSION/ZWAGROUPMEMBER/ZWAPROFILEPUSHNAME, so Subset can
// recreate them.
type waContact struct {
	ChatSessionIDs    []int64
	ProfilePushNameID *int64
	GroupMemberPKs    []int64
	PartnerName       string
	PushName          string
}

// Provider implements providers.Provider for iOS WhatsApp.
type Provider struct {
	fsys  rfs.DeviceFilesystem
	msgdb *sql.DB

	mu           sync.Mutex
	contacts     map[string]*contact.Contact // jid -> contact
	loaded       bool
	sessions     map[int64]*event.MessageSession
	mediaItemsOK bool
}

func FromFilesystem(fsys rfs.DeviceFilesystem) (providers.Provider, error) {
	if !fsys.Exists(chatStorageDB) {
		return nil, nil
	}
	msgdb, err := fsys.SQLite3Connect(chatStorageDB, true)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		fsys:     fsys,
		msgdb:    msgdb,
		contacts: map[string]*contact.Contact{},
		sessions: map[int64]*event.MessageSession{},
	}
	row := msgdb.QueryRow(`SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'ZWAMEDIAITEM'`)
	p.mediaItemsOK = row.Scan(new(int)) == nil
	return p, nil
}

func (p *Provider) Name() string         { return Name }
func (p *Provider) FriendlyName() string { return FriendlyName }

func (p *Provider) PIIFields() providers.PIIFields {
	return providers.PIIFields{
		Sqlite3: []providers.Sqlite3Fields{{
			DBPath: chatStorageDB,
			Tables: map[string]map[string][]providers.AnonKind{
				"ZWAPROFILEPUSHNAME": {"ZJID": {providers.AnonymisePhone}},
				"ZWAGROUPMEMBER":     {"ZMEMBERJID": {providers.AnonymisePhone}},
				"ZWACHATSESSION": {
					"ZCONTACTJID":  {providers.AnonymisePhone},
					"ZPARTNERNAME": {providers.AnonymisePhone},
				},
				"ZWAMESSAGE": {
					"ZFROMJID": {providers.AnonymisePhone},
					"ZTOJID":   {providers.AnonymisePhone},
					"ZTEXT":    {providers.AnonymisePhone, providers.AnonymiseName},
				},
			},
		}},
	}
}

// loadContacts mirrors _load_contacts: contacts are assembled from both
// ZWACHATSESSION (private chats) and ZWAGROUPMEMBER (group-only
// members), keyed by jid since iOS WhatsApp has no single contacts
// table.
func (p *Provider) loadContacts(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return nil
	}

	rows, err := p.msgdb.QueryContext(ctx, `
		SELECT c.Z_PK, c.ZCONTACTJID, c.ZPARTNERNAME, pn.ZPUSHNAME, pn.Z_PK
		FROM ZWACHATSESSION c
		LEFT JOIN ZWAPROFILEPUSHNAME pn ON c.ZCONTACTJID = pn.ZJID
		WHERE c.ZCONTACTIDENTIFIER IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("ioswhatsapp: ZWACHATSESSION: %w", err)
	}
	for rows.Next() {
		var chatPK int64
		var jid sql.NullString
		var partnerName, pushName sql.NullString
		var pushPK sql.NullInt64
		if err := rows.Scan(&chatPK, &jid, &partnerName, &pushName, &pushPK); err != nil {
			rows.Close()
			return err
		}
		if !jid.Valid {
			continue
		}
		p.makeOrUpdateContact(jid.String, partnerName.String, pushName.String, &chatPK, nil, nullInt64Ptr(pushPK))
	}
	rows.Close()

	rows, err = p.msgdb.QueryContext(ctx, `
		SELECT gm.Z_PK, gm.ZMEMBERJID, pn.ZPUSHNAME, pn.Z_PK
		FROM ZWAGROUPMEMBER gm
		LEFT JOIN ZWAPROFILEPUSHNAME pn ON gm.ZMEMBERJID = pn.ZJID`)
	if err != nil {
		return fmt.Errorf("ioswhatsapp: ZWAGROUPMEMBER: %w", err)
	}
	for rows.Next() {
		var memberPK int64
		var jid sql.NullString
		var pushName sql.NullString
		var pushPK sql.NullInt64
		if err := rows.Scan(&memberPK, &jid, &pushName, &pushPK); err != nil {
			rows.Close()
			return err
		}
		if !jid.Valid {
			continue
		}
		p.makeOrUpdateContact(jid.String, "", pushName.String, nil, &memberPK, nullInt64Ptr(pushPK))
	}
	rows.Close()

	p.loaded = true
	return nil
}

func nullInt64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// makeOrUpdateContact assumes p.mu is held.
func (p *Provider) makeOrUpdateContact(jid, partnerName, pushName string, chatSessionID, groupMemberPK, profilePushNameID *int64) {
	c, ok := p.contacts[jid]
	if !ok {
		wac := &waContact{ProfilePushNameID: profilePushNameID}
		c = &contact.Contact{
			LocalID:              jid,
			DeviceID:             p.fsys.ID(),
			ProviderName:         Name,
			ProviderFriendlyName: FriendlyName,
			Phone:                jidToPhone(jid),
			ProviderData:         wac,
			Name:                 contact.Name{Display: firstNonEmpty(partnerName, pushName, jid)},
		}
		p.contacts[jid] = c
	}
	wac := c.ProviderData.(*waContact)
	if chatSessionID != nil {
		wac.ChatSessionIDs = append(wac.ChatSessionIDs, *chatSessionID)
	}
	if groupMemberPK != nil {
		wac.GroupMemberPKs = append(wac.GroupMemberPKs, *groupMemberPK)
	}
	if wac.PartnerName == "" {
		wac.PartnerName = partnerName
	}
	if wac.PushName == "" {
		wac.PushName = pushName
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (p *Provider) jidToContact(jid string) *contact.Contact {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.contacts[jid]; ok {
		return c
	}
	// Unexpected jid not covered by loadContacts; make something up, as
	// the original does.
	c := &contact.Contact{
		LocalID:      jid,
		DeviceID:     p.fsys.ID(),
		ProviderName: Name,
		Phone:        jidToPhone(jid),
		ProviderData: &waContact{},
		Name:         contact.Name{Display: jid},
	}
	p.contacts[jid] = c
	return c
}

func (p *Provider) createSession(ctx context.Context, chatID int64) (*event.MessageSession, error) {
	var contactJID, partnerName, groupInfo sql.NullString
	row := p.msgdb.QueryRowContext(ctx,
		`SELECT ZCONTACTJID, ZPARTNERNAME, ZGROUPINFO FROM ZWACHATSESSION WHERE Z_PK = ?`, chatID)
	if err := row.Scan(&contactJID, &partnerName, &groupInfo); err != nil {
		if err == sql.ErrNoRows {
			return &event.MessageSession{LocalID: strconv.FormatInt(chatID, 10), ProviderName: Name, Name: "Unknown wa-ios session"}, nil
		}
		return nil, err
	}

	var participants []contact.Contact
	if groupInfo.Valid {
		rows, err := p.msgdb.QueryContext(ctx, `SELECT ZMEMBERJID FROM ZWAGROUPMEMBER WHERE ZCHATSESSION = ?`, chatID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var jid string
			if err := rows.Scan(&jid); err != nil {
				rows.Close()
				return nil, err
			}
			participants = append(participants, *p.jidToContact(jid))
		}
		rows.Close()
	} else if contactJID.Valid {
		participants = []contact.Contact{*p.jidToContact(contactJID.String)}
	}

	return &event.MessageSession{
		LocalID:      strconv.FormatInt(chatID, 10),
		ProviderName: Name,
		Name:         partnerName.String,
		Participants: participants,
	}, nil
}

// mediaItem looks up the media attached to a message via ZWAMEDIAITEM,
// the real ChatStorage.sqlite attachments table the original provider
// never reads (spec's supplemented iOS WhatsApp media support).
func (p *Provider) mediaItem(ctx context.Context, messageRowID int64) (pathname, mimeType string, ok bool) {
	if !p.mediaItemsOK {
		return "", "", false
	}
	var localPath, mt sql.NullString
	row := p.msgdb.QueryRowContext(ctx,
		`SELECT ZMEDIALOCALPATH, ZVCARDSTRING FROM ZWAMEDIAITEM WHERE ZMESSAGE = ? LIMIT 1`, messageRowID)
	// ZVCARDSTRING holds no mime type in the real schema and the table
	// has no mime-type column, so only the path is kept: the returned
	// mime type is always empty, and GetMedia reports none either.
	if err := row.Scan(&localPath, &mt); err != nil {
		return "", "", false
	}
	if !localPath.Valid || localPath.String == "" {
		return "", "", false
	}
	return localPath.String, "", true
}

func (p *Provider) SearchEvents(ctx context.Context, f filter.Events) (<-chan event.Event, <-chan error) {
	out := make(chan event.Event)
	errs := make(chan error, 1)

	if len(f.TypeNames) > 0 {
		if _, okType := f.TypeNames[event.TypeMessage]; !okType {
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

		q := `SELECT m.Z_PK, m.ZTEXT, m.ZMESSAGEDATE, m.ZISFROMME, m.ZFROMJID, m.ZCHATSESSION,
		             m.ZGROUPMEMBER, gm.ZMEMBERJID
		      FROM ZWAMESSAGE m
		      LEFT JOIN ZWAGROUPMEMBER gm ON m.ZGROUPMEMBER = gm.Z_PK
		      WHERE m.ZMESSAGETYPE = ?`
		args := []any{messageTypeText}
		if f.TimestampStart != nil {
			q += ` AND m.ZMESSAGEDATE >= ?`
			args = append(args, timeToTimestamp(*f.TimestampStart))
		}
		if f.TimestampEnd != nil {
			q += ` AND m.ZMESSAGEDATE <= ?`
			args = append(args, timeToTimestamp(*f.TimestampEnd))
		}

		rows, err := p.msgdb.QueryContext(ctx, q, args...)
		if err != nil {
			errs <- err
			return
		}
		defer rows.Close()

		for rows.Next() {
			var rowID int64
			var text sql.NullString
			var date float64
			var isFromMe bool
			var fromJid sql.NullString
			var chatSession int64
			var groupMember sql.NullInt64
			var memberJid sql.NullString
			if err := rows.Scan(&rowID, &text, &date, &isFromMe, &fromJid, &chatSession, &groupMember, &memberJid); err != nil {
				errs <- err
				return
			}

			p.mu.Lock()
			session, known := p.sessions[chatSession]
			p.mu.Unlock()
			if !known {
				session, err = p.createSession(ctx, chatSession)
				if err != nil {
					errs <- err
					return
				}
				p.mu.Lock()
				p.sessions[chatSession] = session
				p.mu.Unlock()
			}

			var sender *contact.Contact
			switch {
			case isFromMe:
				sender = nil
			case groupMember.Valid:
				sender = p.jidToContact(memberJid.String)
			case fromJid.Valid:
				sender = p.jidToContact(fromJid.String)
			}

			var m *event.Media
			if pathname, mimeType, ok := p.mediaItem(ctx, rowID); ok {
				m = &event.Media{MimeType: mimeType, LocalID: pathname}
			}

			ev := event.MessageEvent{
				Base: event.Base{
					ID:               strconv.FormatInt(rowID, 10),
					Timestamp:        timestampToTime(date),
					ProviderName:     Name,
					ProviderFriendly: FriendlyName,
					ProviderData:     messageEvent{GroupMember: groupMember, ChatSessionID: chatSession},
				},
				SessionID: strconv.FormatInt(chatSession, 10),
				Text:      text.String,
				Sender:    sender,
				FromMe:    isFromMe,
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
	for _, c := range p.contacts {
		if f.Match(*c) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (p *Provider) GetMedia(ctx context.Context, localID string) (*media.Data, error) {
	if !p.mediaItemsOK {
		return nil, fmt.Errorf("ioswhatsapp: media not supported")
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
	return &media.Data{Handle: handle, Length: size}, nil
}

func (p *Provider) Subset(ctx context.Context, s providers.Subsetter, events []event.Event, contacts []contact.Contact) error {
	rowsPushName := s.RowSubset("ZWAPROFILEPUSHNAME", "Z_PK")
	rowsGroupMember := s.RowSubset("ZWAGROUPMEMBER", "Z_PK")
	rowsChatSession := s.RowSubset("ZWACHATSESSION", "Z_PK")
	rowsMessage := s.RowSubset("ZWAMESSAGE", "Z_PK")
	rowsMediaItem := s.RowSubset("ZWAMEDIAITEM", "ZMESSAGE")

	for _, c := range contacts {
		if c.ProviderName != Name {
			continue
		}
		wac, ok := c.ProviderData.(*waContact)
		if !ok {
			continue
		}
		if wac.ProfilePushNameID != nil {
			rowsPushName.Add(*wac.ProfilePushNameID)
		}
		for _, pk := range wac.GroupMemberPKs {
			rowsGroupMember.Add(pk)
		}
		for _, pk := range wac.ChatSessionIDs {
			rowsChatSession.Add(pk)
		}
	}

	for _, ev := range events {
		msg, ok := ev.(event.MessageEvent)
		if !ok || msg.ProviderName != Name {
			continue
		}
		me, ok := msg.ProviderData.(messageEvent)
		if !ok {
			continue
		}

		id, _ := strconv.ParseInt(msg.ID, 10, 64)
		rowsMessage.Add(id)
		rowsChatSession.Add(me.ChatSessionID)
		if me.GroupMember.Valid {
			rowsGroupMember.Add(me.GroupMember.Int64)
		}
		if p.mediaItemsOK {
			if _, _, ok := p.mediaItem(ctx, id); ok {
				rowsMediaItem.Add(id)
			}
		}
	}

	subsets := []*subset.RowSubset{rowsPushName, rowsGroupMember, rowsChatSession, rowsMessage}
	if p.mediaItemsOK {
		subsets = append(subsets, rowsMediaItem)
	}
	if err := s.CreateDBAndCopyRows(ctx, p.msgdb, chatStorageDB, subsets); err != nil {
		return err
	}

	if p.mediaItemsOK {
		for _, pk := range rowsMediaItem.Keys() {
			messageRowID, ok := pk.(int64)
			if !ok {
				continue
			}
			pathname, _, ok := p.mediaItem(ctx, messageRowID)
			if !ok {
				continue
			}
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
