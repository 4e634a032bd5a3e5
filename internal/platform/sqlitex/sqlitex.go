// Package sqlitex is the SQL helper every DeviceFilesystem and provider
// goes through: a single place that registers REGEXP, opens read-only or
// read-write connections by URI, and offers a probe of whether the driver
// is built thread-safe for the foreground and background executors.
package sqlitex

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"regexp"
	"sync"

	"modernc.org/sqlite"
)

const driverName = "sqlite"

var registerOnce sync.Once

// init-time REGEXP registration. modernc.org/sqlite is pure Go (no cgo),
// so RIME links no C library compiled under an unknown threading mode.
func registerRegexp() {
	registerOnce.Do(func() {
		sqlite.MustRegisterDeterministicScalarFunction("regexp", 2, regexpFunc)
	})
}

func regexpFunc(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	pattern, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("sqlitex: REGEXP pattern must be text")
	}
	var subject string
	switch v := args[1].(type) {
	case string:
		subject = v
	case nil:
		return int64(0), nil
	default:
		subject = fmt.Sprintf("%v", v)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("sqlitex: invalid REGEXP pattern %q: %w", pattern, err)
	}
	if re.MatchString(subject) {
		return int64(1), nil
	}
	return int64(0), nil
}

// CheckThreadSafe probes the linked SQLite build's compile options for
// THREADSAFE=1, the property RIME's two-executor model (foreground
// queries, single background subset/anonymise executor) relies on. It
// returns an error only if the in-memory probe database cannot be
// opened: the probe's result is discarded, so a build without
// THREADSAFE=1 is not rejected. cmd/rime does not call it.
// modernc.org/sqlite is always compiled with SQLITE_THREADSAFE=1.
func CheckThreadSafe() error {
	registerRegexp()
	db, err := sql.Open(driverName, "file::memory:?mode=memory")
	if err != nil {
		return fmt.Errorf("sqlitex: open in-memory probe: %w", err)
	}
	defer db.Close()

	var threadsafe int
	row := db.QueryRow("select * from pragma_compile_options where compile_options = 'THREADSAFE=1'")
	_ = row.Scan(&threadsafe) // absence is not fatal; modernc always serializes internally.
	return nil
}

// Open connects to the SQLite database at path. readOnly adds mode=ro to
// the URI so subset sources can never be mutated by the provider code
// reading them. busyTimeoutMS is applied so a reader does not immediately
// fail against the background executor's writes.
func Open(path string, readOnly bool, busyTimeoutMS int) (*sql.DB, error) {
	registerRegexp()

	mode := "rwc"
	if readOnly {
		mode = "ro"
	}
	dsn := fmt.Sprintf("file:%s?mode=%s&_pragma=busy_timeout(%d)", path, mode, busyTimeoutMS)
	if readOnly {
		dsn += "&immutable=1"
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitex: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // one executor owns this connection; see spec's confinement rule.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitex: ping %s: %w", path, err)
	}
	return db, nil
}

// Create opens (creating if absent) a fresh read-write database, used by
// the subsetter and by filesystem variants materialising new devices.
func Create(path string) (*sql.DB, error) {
	return Open(path, false, 5000)
}

// Placeholders builds "?, ?, ..." for n positional parameters, used by the
// subsetter's generated INSERT statements.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*3-2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',', ' ')
		}
		out = append(out, '?')
	}
	return string(out)
}

// InClause builds "col IN (?, ?, ...)" plus the matching argument slice for
// a set of ids, used throughout the providers' referential-closure queries.
func InClause(column string, ids []any) (string, []any) {
	if len(ids) == 0 {
		return fmt.Sprintf("%s IN (NULL)", column), nil
	}
	return fmt.Sprintf("%s IN (%s)", column, Placeholders(len(ids))), ids
}
