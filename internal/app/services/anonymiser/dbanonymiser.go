package anonymiser

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/nyaruka/phonenumbers"
)

var (
	rePhone = regexp.MustCompile(`\+?[0-9 -]{8,15}`)
	reEmail = regexp.MustCompile(`[^@]+@[^@]+\.[^@]+`)
)

// NameAnonymiser replaces personal names within a column value. RIME
// ships no built-in implementation: the original's name anonymiser is a
// transformer-based NER model (see DESIGN.md for why no Go-ecosystem
// equivalent is wired in its place), so this is left as a collaborator
// a deployment supplies.
type NameAnonymiser interface {
	AnonymiseName(value string) string
}

// NoopNameAnonymiser leaves every value unchanged. orchestrator.New and
// NewDBAnonymiser substitute it when no name anonymiser is supplied, so
// name-bearing columns need no model at build time.
type NoopNameAnonymiser struct{}

func (NoopNameAnonymiser) AnonymiseName(value string) string { return value }

func canonicalisePhoneNumber(phone, countryCode string) string {
	num, err := phonenumbers.Parse(phone, countryCode)
	if err != nil {
		return phone
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

// DBAnonymiser rewrites PII-bearing columns of one already-open,
// writable sqlite3 database in place.
type DBAnonymiser struct {
	db             *sql.DB
	anonMap        *AnonMap
	nameAnonymiser NameAnonymiser
	countryCode    string
}

func NewDBAnonymiser(db *sql.DB, anonMap *AnonMap, nameAnonymiser NameAnonymiser, countryCode string) *DBAnonymiser {
	if nameAnonymiser == nil {
		nameAnonymiser = NoopNameAnonymiser{}
	}
	return &DBAnonymiser{db: db, anonMap: anonMap, nameAnonymiser: nameAnonymiser, countryCode: countryCode}
}

func (d *DBAnonymiser) AnonymisePhone(ctx context.Context, table, column string) error {
	return d.anonymiseRegex(ctx, table, column, rePhone, func(match string) string {
		canon := canonicalisePhoneNumber(match, d.countryCode)
		return d.anonMap.AnonymisePhone(canon)
	})
}

func (d *DBAnonymiser) AnonymiseEmail(ctx context.Context, table, column string) error {
	return d.anonymiseRegex(ctx, table, column, reEmail, d.anonMap.AnonymiseEmail)
}

func (d *DBAnonymiser) AnonymiseName(ctx context.Context, table, column string) error {
	return d.doDBAnonymisation(ctx, table, column, d.nameAnonymiser.AnonymiseName)
}

func (d *DBAnonymiser) anonymiseRegex(ctx context.Context, table, column string, re *regexp.Regexp, replace func(string) string) error {
	return d.doDBAnonymisation(ctx, table, column, func(value string) string {
		return re.ReplaceAllStringFunc(value, replace)
	})
}

// doDBAnonymisation reads every row's column value, computes the
// replacement for each one that changes, then applies the updates.
// Values are collected before writing (rather than updating mid-scan,
// as the Python original does) since this runs over the same
// single-connection *sql.DB the select is reading from.
func (d *DBAnonymiser) doDBAnonymisation(ctx context.Context, table, column string, cb func(string) string) error {
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(`SELECT rowid, %s FROM %s`, quoteIdent(column), quoteIdent(table)))
	if err != nil {
		return err
	}

	type pendingUpdate struct {
		rowid int64
		value string
	}
	var updates []pendingUpdate

	for rows.Next() {
		var rowid int64
		var value sql.NullString
		if err := rows.Scan(&rowid, &value); err != nil {
			rows.Close()
			return err
		}
		if !value.Valid {
			continue
		}
		newValue := cb(value.String)
		if newValue != value.String {
			updates = append(updates, pendingUpdate{rowid: rowid, value: newValue})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	updateSQL := fmt.Sprintf(`UPDATE %s SET %s = ? WHERE rowid = ?`, quoteIdent(table), quoteIdent(column))
	for _, u := range updates {
		if _, err := d.db.ExecContext(ctx, updateSQL, u.value, u.rowid); err != nil {
			return err
		}
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
