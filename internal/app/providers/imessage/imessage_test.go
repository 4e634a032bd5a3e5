package imessage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/saamiyaaqeel/rime/internal/domain/event"
	"github.com/saamiyaaqeel/rime/internal/domain/filter"
	"github.com/saamiyaaqeel/rime/internal/platform/filesystem/ios"
)

func newTestFilesystem(t *testing.T) *ios.Loose {
	t.Helper()
	fsys, err := ios.Create("dev1", filepath.Join(t.TempDir(), "dev1"), nil)
	if err != nil {
		t.Fatalf("ios.Create: %v", err)
	}
	return fsys
}

func seedSMSDB(t *testing.T, fsys *ios.Loose) {
	t.Helper()
	conn, err := fsys.SQLite3Create(messageDB)
	if err != nil {
		t.Fatalf("SQLite3Create: %v", err)
	}
	defer conn.Close()

	stmts := []string{
		`CREATE TABLE handle (ROWID INTEGER PRIMARY KEY, id TEXT, uncanonicalized_id TEXT)`,
		`CREATE TABLE chat (ROWID INTEGER PRIMARY KEY, guid TEXT)`,
		`CREATE TABLE chat_handle_join (chat_id INTEGER, handle_id INTEGER)`,
		`CREATE TABLE chat_message_join (chat_id INTEGER, message_id INTEGER)`,
		`CREATE TABLE message (ROWID INTEGER PRIMARY KEY, guid TEXT, text TEXT, date INTEGER, handle_id INTEGER, is_from_me INTEGER)`,
		`INSERT INTO handle (ROWID, id, uncanonicalized_id) VALUES (1, '+441234567890', '+441234567890')`,
		`INSERT INTO chat (ROWID, guid) VALUES (10, 'chat-guid-1')`,
		`INSERT INTO chat_handle_join (chat_id, handle_id) VALUES (10, 1)`,
		`INSERT INTO message (ROWID, guid, text, date, handle_id, is_from_me) VALUES (100, 'msg-guid-1', 'hello imessage', 0, 1, 0)`,
		`INSERT INTO chat_message_join (chat_id, message_id) VALUES (10, 100)`,
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
}

func TestFromFilesystemSkipsDeviceWithoutSMSDB(t *testing.T) {
	fsys := newTestFilesystem(t)
	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
	}
	if p != nil {
		t.Fatal("want nil provider for a device with no sms.db")
	}
}

func TestSearchEventsResolvesSenderAndSession(t *testing.T) {
	fsys := newTestFilesystem(t)
	seedSMSDB(t, fsys)

	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
	}
	if p == nil {
		t.Fatal("want a non-nil provider once sms.db exists")
	}

	out, errs := p.SearchEvents(context.Background(), filter.Events{})
	var got []event.MessageEvent
	for ev := range out {
		got = append(got, ev.(event.MessageEvent))
	}
	if err := <-errs; err != nil {
		t.Fatalf("SearchEvents: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 message, got %d", len(got))
	}

	msg := got[0]
	if msg.Text != "hello imessage" {
		t.Errorf("want text 'hello imessage', got %q", msg.Text)
	}
	if msg.Sender == nil || msg.Sender.Phone != "+441234567890" {
		t.Errorf("want sender phone +441234567890, got %+v", msg.Sender)
	}
	if msg.Session == nil || len(msg.Session.Participants) != 1 {
		t.Fatalf("want a session with 1 participant, got %+v", msg.Session)
	}
	if msg.Timestamp.Year() != 2001 {
		t.Errorf("want a date of 0 to decode as the Cocoa epoch (2001), got %v", msg.Timestamp)
	}
}

func TestSearchContactsResolvesHandles(t *testing.T) {
	fsys := newTestFilesystem(t)
	seedSMSDB(t, fsys)
	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
	}

	contacts, err := p.SearchContacts(context.Background(), filter.Contacts{})
	if err != nil {
		t.Fatalf("SearchContacts: %v", err)
	}
	if len(contacts) != 1 {
		t.Fatalf("want 1 contact, got %d: %+v", len(contacts), contacts)
	}
	if contacts[0].Phone != "+441234567890" {
		t.Errorf("want phone +441234567890, got %q", contacts[0].Phone)
	}
}

func TestGetMediaFailsWithoutAttachmentTables(t *testing.T) {
	fsys := newTestFilesystem(t)
	seedSMSDB(t, fsys)
	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
	}
	if _, err := p.GetMedia(context.Background(), "anything"); err == nil {
		t.Fatal("want an error when the backup has no attachment tables")
	}
}
