package ioswhatsapp

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

func seedChatStorage(t *testing.T, fsys *ios.Loose) {
	t.Helper()
	conn, err := fsys.SQLite3Create(chatStorageDB)
	if err != nil {
		t.Fatalf("SQLite3Create: %v", err)
	}
	defer conn.Close()

	stmts := []string{
		`CREATE TABLE ZWACHATSESSION (Z_PK INTEGER PRIMARY KEY, ZCONTACTJID TEXT, ZCONTACTIDENTIFIER TEXT, ZPARTNERNAME TEXT, ZGROUPINFO TEXT)`,
		`CREATE TABLE ZWAPROFILEPUSHNAME (Z_PK INTEGER PRIMARY KEY, ZJID TEXT, ZPUSHNAME TEXT)`,
		`CREATE TABLE ZWAGROUPMEMBER (Z_PK INTEGER PRIMARY KEY, ZCHATSESSION INTEGER, ZMEMBERJID TEXT)`,
		`CREATE TABLE ZWAMESSAGE (Z_PK INTEGER PRIMARY KEY, ZTEXT TEXT, ZMESSAGEDATE REAL, ZISFROMME INTEGER, ZFROMJID TEXT, ZCHATSESSION INTEGER, ZGROUPMEMBER INTEGER, ZMESSAGETYPE INTEGER)`,
		`INSERT INTO ZWACHATSESSION (Z_PK, ZCONTACTJID, ZCONTACTIDENTIFIER, ZPARTNERNAME, ZGROUPINFO) VALUES (1, '441234567890@s.whatsapp.net', 'identifier-1', 'Ada Lovelace', NULL)`,
		`INSERT INTO ZWAMESSAGE (Z_PK, ZTEXT, ZMESSAGEDATE, ZISFROMME, ZFROMJID, ZCHATSESSION, ZGROUPMEMBER, ZMESSAGETYPE)
		 VALUES (500, 'hello from ios whatsapp', 0, 0, '441234567890@s.whatsapp.net', 1, NULL, 0)`,
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
}

func TestFromFilesystemSkipsDeviceWithoutChatStorage(t *testing.T) {
	fsys := newTestFilesystem(t)
	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
	}
	if p != nil {
		t.Fatal("want nil provider for a device with no ChatStorage.sqlite")
	}
}

func TestSearchEventsResolvesOneToOneSession(t *testing.T) {
	fsys := newTestFilesystem(t)
	seedChatStorage(t, fsys)

	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
	}
	if p == nil {
		t.Fatal("want a non-nil provider once ChatStorage.sqlite exists")
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
	if msg.Text != "hello from ios whatsapp" {
		t.Errorf("want text 'hello from ios whatsapp', got %q", msg.Text)
	}
	if msg.Sender == nil || msg.Sender.Phone != "441234567890" {
		t.Errorf("want sender phone 441234567890, got %+v", msg.Sender)
	}
	if msg.Session == nil || len(msg.Session.Participants) != 1 {
		t.Fatalf("want a one-to-one session with 1 participant, got %+v", msg.Session)
	}
	if msg.Session.Name != "Ada Lovelace" {
		t.Errorf("want session name Ada Lovelace, got %q", msg.Session.Name)
	}
}

func TestSearchEventsFromMeHasNoSender(t *testing.T) {
	fsys := newTestFilesystem(t)
	conn, err := fsys.SQLite3Create(chatStorageDB)
	if err != nil {
		t.Fatalf("SQLite3Create: %v", err)
	}
	stmts := []string{
		`CREATE TABLE ZWACHATSESSION (Z_PK INTEGER PRIMARY KEY, ZCONTACTJID TEXT, ZCONTACTIDENTIFIER TEXT, ZPARTNERNAME TEXT, ZGROUPINFO TEXT)`,
		`CREATE TABLE ZWAPROFILEPUSHNAME (Z_PK INTEGER PRIMARY KEY, ZJID TEXT, ZPUSHNAME TEXT)`,
		`CREATE TABLE ZWAGROUPMEMBER (Z_PK INTEGER PRIMARY KEY, ZCHATSESSION INTEGER, ZMEMBERJID TEXT)`,
		`CREATE TABLE ZWAMESSAGE (Z_PK INTEGER PRIMARY KEY, ZTEXT TEXT, ZMESSAGEDATE REAL, ZISFROMME INTEGER, ZFROMJID TEXT, ZCHATSESSION INTEGER, ZGROUPMEMBER INTEGER, ZMESSAGETYPE INTEGER)`,
		`INSERT INTO ZWACHATSESSION (Z_PK, ZCONTACTJID, ZCONTACTIDENTIFIER, ZPARTNERNAME, ZGROUPINFO) VALUES (1, '441234567890@s.whatsapp.net', 'identifier-1', 'Ada Lovelace', NULL)`,
		`INSERT INTO ZWAMESSAGE (Z_PK, ZTEXT, ZMESSAGEDATE, ZISFROMME, ZFROMJID, ZCHATSESSION, ZGROUPMEMBER, ZMESSAGETYPE)
		 VALUES (501, 'sent by me', 0, 1, NULL, 1, NULL, 0)`,
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
	conn.Close()

	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
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
	if !got[0].FromMe {
		t.Error("want FromMe true")
	}
	if got[0].Sender != nil {
		t.Errorf("want a nil sender for a from-me message, got %+v", got[0].Sender)
	}
}
