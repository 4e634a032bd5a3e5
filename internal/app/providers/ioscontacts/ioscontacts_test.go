package ioscontacts

import (
	"context"
	"path/filepath"
	"testing"

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

func seedAddressBook(t *testing.T, fsys *ios.Loose) {
	t.Helper()
	conn, err := fsys.SQLite3Create(addressBookDB)
	if err != nil {
		t.Fatalf("SQLite3Create: %v", err)
	}
	defer conn.Close()

	stmts := []string{
		`CREATE TABLE ABPerson (ROWID INTEGER PRIMARY KEY, First TEXT, Last TEXT)`,
		`CREATE TABLE ABMultiValue (record_id INTEGER, property INTEGER, value TEXT)`,
		`INSERT INTO ABPerson (ROWID, First, Last) VALUES (1, 'Ada', 'Lovelace')`,
		`INSERT INTO ABMultiValue (record_id, property, value) VALUES (1, 3, '+441234567890')`,
		`INSERT INTO ABMultiValue (record_id, property, value) VALUES (1, 4, 'ada@example.com')`,
		`INSERT INTO ABPerson (ROWID, First, Last) VALUES (2, 'Grace', 'Hopper')`,
		`INSERT INTO ABMultiValue (record_id, property, value) VALUES (2, 3, '+441112223344')`,
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
}

func TestFromFilesystemSkipsDeviceWithoutAddressBook(t *testing.T) {
	fsys := newTestFilesystem(t)
	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
	}
	if p != nil {
		t.Fatal("want nil provider for a device with no AddressBook.sqlitedb")
	}
}

func TestSearchContactsFoldsMultiValueRows(t *testing.T) {
	fsys := newTestFilesystem(t)
	seedAddressBook(t, fsys)

	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
	}
	if p == nil {
		t.Fatal("want a non-nil provider once AddressBook.sqlitedb exists")
	}

	contacts, err := p.SearchContacts(context.Background(), filter.Contacts{})
	if err != nil {
		t.Fatalf("SearchContacts: %v", err)
	}
	if len(contacts) != 2 {
		t.Fatalf("want 2 contacts, got %d: %+v", len(contacts), contacts)
	}

	byLast := map[string]int{}
	for i, c := range contacts {
		byLast[c.Name.Last] = i
	}

	ada := contacts[byLast["Lovelace"]]
	if ada.Phone != "+441234567890" || ada.Email != "ada@example.com" {
		t.Errorf("want Ada's phone and email both folded in, got %+v", ada)
	}

	grace := contacts[byLast["Hopper"]]
	if grace.Phone != "+441112223344" {
		t.Errorf("want Grace's phone folded in, got %+v", grace)
	}
	if grace.Email != "" {
		t.Errorf("want Grace's email empty (no row for it), got %q", grace.Email)
	}
}

func TestPIIFieldsDeclaresAddressBookColumn(t *testing.T) {
	fsys := newTestFilesystem(t)
	seedAddressBook(t, fsys)
	p, err := FromFilesystem(fsys)
	if err != nil {
		t.Fatalf("FromFilesystem: %v", err)
	}
	fields := p.PIIFields()
	if err := fields.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(fields.Sqlite3) != 1 || fields.Sqlite3[0].DBPath != addressBookDB {
		t.Fatalf("want one Sqlite3Fields entry for %s, got %+v", addressBookDB, fields.Sqlite3)
	}
}
