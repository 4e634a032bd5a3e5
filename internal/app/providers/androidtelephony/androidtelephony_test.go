package androidtelephony

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/saamiyaaqeel/rime/internal/domain/event"
	"github.com/saamiyaaqeel/rime/internal/domain/filter"
	"github.com/saamiyaaqeel/rime/internal/platform/filesystem/android"
)

func newTestFilesystem(t *testing.T) *android.Loose {
	t.Helper()
	fsys, err := android.Create("dev1", filepath.Join(t.TempDir(), "dev1"))
	if err != nil {
		t.Fatalf("android.Create: %v", err)
	}
	return fsys
}

func seedSMSDB(t *testing.T, fsys *android.Loose) {
	t.Helper()
	conn, err := fsys.SQLite3Create(mmssmsDB)
	if err != nil {
		t.Fatalf("SQLite3Create: %v", err)
	}
	defer conn.Close()

	stmts := []string{
		`CREATE TABLE sms (_id INTEGER PRIMARY KEY, thread_id INTEGER, type INTEGER, address TEXT, date INTEGER, body TEXT)`,
		`CREATE TABLE threads (_id INTEGER PRIMARY KEY, recipient_ids TEXT, snippet TEXT)`,
		`CREATE TABLE canonical_addresses (_id INTEGER PRIMARY KEY, address TEXT)`,
		`INSERT INTO canonical_addresses (_id, address) VALUES (1, '+441234567890')`,
		`INSERT INTO threads (_id, recipient_ids, snippet) VALUES (10, '1', 'hello')`,
		`INSERT INTO sms (_id, thread_id, type, address, date, body) VALUES (1000, 10, 1, '+441234567890', 1700000000000, 'hi there')`,
		`INSERT INTO sms (_id, thread_id, type, address, date, body) VALUES (1001, 10, 2, '+441234567890', 1700000001000, 'reply')`,
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
		t.Fatal("want nil provider for a device with no mmssms.db")
	}
}

func TestSearchEventsYieldsMessagesWithSessionAndSender(t *testing.T) {
	fsys := newTestFilesystem(t)
	seedSMSDB(t, fsys)

	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
	}
	if p == nil {
		t.Fatal("want a non-nil provider once mmssms.db exists")
	}

	out, errs := p.SearchEvents(context.Background(), filter.Events{})
	var got []event.MessageEvent
	for ev := range out {
		msg, ok := ev.(event.MessageEvent)
		if !ok {
			t.Fatalf("want a MessageEvent, got %T", ev)
		}
		got = append(got, msg)
	}
	if err := <-errs; err != nil {
		t.Fatalf("SearchEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 sms events, got %d", len(got))
	}

	for _, msg := range got {
		if msg.Session == nil || msg.Session.LocalID != "10" {
			t.Errorf("want every message bound to thread session 10, got %+v", msg.Session)
		}
		if msg.Sender == nil || msg.Sender.Phone != "+441234567890" {
			t.Errorf("want sender resolved to the canonical address, got %+v", msg.Sender)
		}
	}

	foundFromMe := false
	for _, msg := range got {
		if msg.FromMe {
			foundFromMe = true
		}
	}
	if !foundFromMe {
		t.Error("want at least one message flagged FromMe (type == typeFromMe)")
	}
}

func TestSearchEventsFilteredOutByTypeName(t *testing.T) {
	fsys := newTestFilesystem(t)
	seedSMSDB(t, fsys)
	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
	}

	f := filter.Events{TypeNames: map[event.TypeName]struct{}{"not-a-real-type": {}}}
	out, errs := p.SearchEvents(context.Background(), f)
	count := 0
	for range out {
		count++
	}
	if err := <-errs; err != nil {
		t.Fatalf("SearchEvents: %v", err)
	}
	if count != 0 {
		t.Fatalf("want 0 events when the type filter excludes message events, got %d", count)
	}
}

func TestSearchContactsResolvesCanonicalAddresses(t *testing.T) {
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
