package androidcontacts

import (
	"context"
	"path/filepath"
	"testing"

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

func seedContactsDB(t *testing.T, fsys *android.Loose) {
	t.Helper()
	conn, err := fsys.SQLite3Create(dbPath)
	if err != nil {
		t.Fatalf("SQLite3Create: %v", err)
	}
	defer conn.Close()

	stmts := []string{
		`CREATE TABLE mimetypes (_id INTEGER PRIMARY KEY, mimetype TEXT)`,
		`CREATE TABLE contacts (_id INTEGER PRIMARY KEY, name_raw_contact_id INTEGER)`,
		`CREATE TABLE raw_contacts (_id INTEGER PRIMARY KEY)`,
		`CREATE TABLE data (raw_contact_id INTEGER, mimetype_id INTEGER, data1 TEXT)`,
		`INSERT INTO mimetypes (_id, mimetype) VALUES (1, 'vnd.android.cursor.item/name')`,
		`INSERT INTO mimetypes (_id, mimetype) VALUES (2, 'vnd.android.cursor.item/phone_v2')`,
		`INSERT INTO mimetypes (_id, mimetype) VALUES (3, 'vnd.android.cursor.item/email_v2')`,
		`INSERT INTO contacts (_id, name_raw_contact_id) VALUES (100, 1)`,
		`INSERT INTO raw_contacts (_id) VALUES (1)`,
		`INSERT INTO data (raw_contact_id, mimetype_id, data1) VALUES (1, 1, 'Ada Lovelace')`,
		`INSERT INTO data (raw_contact_id, mimetype_id, data1) VALUES (1, 2, '+441234567890')`,
		`INSERT INTO data (raw_contact_id, mimetype_id, data1) VALUES (1, 3, 'ada@example.com')`,
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
}

func TestFromFilesystemSkipsDeviceWithoutContactsDB(t *testing.T) {
	fsys := newTestFilesystem(t)
	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
	}
	if p != nil {
		t.Fatal("want nil provider for a device with no contacts2.db")
	}
}

func TestSearchContactsJoinsNamePhoneEmail(t *testing.T) {
	fsys := newTestFilesystem(t)
	seedContactsDB(t, fsys)

	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
	}
	if p == nil {
		t.Fatal("want a non-nil provider once contacts2.db exists")
	}

	contacts, err := p.SearchContacts(context.Background(), filter.Contacts{})
	if err != nil {
		t.Fatalf("SearchContacts: %v", err)
	}
	if len(contacts) != 1 {
		t.Fatalf("want 1 contact, got %d: %+v", len(contacts), contacts)
	}

	c := contacts[0]
	if c.Name.Display != "Ada Lovelace" {
		t.Errorf("want name Ada Lovelace, got %q", c.Name.Display)
	}
	if c.Phone != "+441234567890" {
		t.Errorf("want phone +441234567890, got %q", c.Phone)
	}
	if c.Email != "ada@example.com" {
		t.Errorf("want email ada@example.com, got %q", c.Email)
	}
}
