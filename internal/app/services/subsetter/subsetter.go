// Package subsetter implements providers.Subsetter: it turns the
// RowSubset/CompleteTable accumulators a provider's Subset method
// populates into an actual destination filesystem containing real
// SQLite databases and media files.
package subsetter

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"regexp"
	"sync"

	"github.com/saamiyaaqeel/rime/internal/app/providers"
	"github.com/saamiyaaqeel/rime/internal/domain/subset"
	rfs "github.com/saamiyaaqeel/rime/internal/platform/filesystem"
	"github.com/saamiyaaqeel/rime/internal/platform/sqlitex"
)

// matchCollate strips custom collation sequences from a CREATE TABLE
// statement before replaying it in the destination database, which has
// no REGISTER'd collations of its own beyond sqlitex's REGEXP.
var matchCollate = regexp.MustCompile(`(?i)COLLATE \w+`)

func sanitiseCreateTableSQL(createSQL string) string {
	return matchCollate.ReplaceAllString(createSQL, "")
}

// Service implements providers.Subsetter against one destination
// filesystem for the lifetime of a single subsetting operation.
// CompleteTable marks accumulate until a CreateDBAndCopyRows call's
// source database actually has that table, so a provider can mark a
// lookup table belonging to a database it hasn't yet passed in.
type Service struct {
	destFS rfs.DeviceFilesystem

	mu              sync.Mutex
	pendingComplete map[string]struct{}
}

func New(destFS rfs.DeviceFilesystem) *Service {
	return &Service{destFS: destFS, pendingComplete: map[string]struct{}{}}
}

func (s *Service) RowSubset(table, pkColumn string) *subset.RowSubset {
	return subset.NewRowSubset(table, pkColumn)
}

func (s *Service) CompleteTable(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingComplete[table] = struct{}{}
}

// CopyFile streams src into the destination filesystem at logicalPath,
// the same mechanism every media-bearing provider uses to carry
// attachments into a subset.
func (s *Service) CopyFile(src io.Reader, logicalPath string) error {
	dst, err := s.destFS.CreateFile(logicalPath)
	if err != nil {
		return fmt.Errorf("subsetter: create %s: %w", logicalPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("subsetter: copy %s: %w", logicalPath, err)
	}
	return dst.Close()
}

// CreateDBAndCopyRows creates a fresh database at logicalPath in the
// destination filesystem, copies every table named by rowSubsets
// (filtered to their retained primary keys), and drains any pending
// CompleteTable marks whose table exists in srcDB.
func (s *Service) CreateDBAndCopyRows(ctx context.Context, srcDB *sql.DB, logicalPath string, rowSubsets []*subset.RowSubset) error {
	dst, err := s.destFS.SQLite3Create(logicalPath)
	if err != nil {
		return fmt.Errorf("subsetter: create db %s: %w", logicalPath, err)
	}
	defer dst.Close()

	for _, rs := range rowSubsets {
		if err := s.copyRowSubset(ctx, srcDB, dst, rs); err != nil {
			return err
		}
	}

	return s.drainCompleteTables(ctx, srcDB, dst)
}

func (s *Service) drainCompleteTables(ctx context.Context, srcDB, dst *sql.DB) error {
	s.mu.Lock()
	pending := s.pendingComplete
	s.pendingComplete = map[string]struct{}{}
	s.mu.Unlock()

	for table := range pending {
		createSQL, err := tableCreateSQL(ctx, srcDB, table)
		if err != nil {
			return err
		}
		if createSQL == "" {
			// Not in this source database; keep it pending for a later call.
			s.mu.Lock()
			s.pendingComplete[table] = struct{}{}
			s.mu.Unlock()
			continue
		}
		if err := copyWholeTable(ctx, srcDB, dst, table, createSQL); err != nil {
			return err
		}
	}
	return nil
}

func tableCreateSQL(ctx context.Context, db *sql.DB, table string) (string, error) {
	row := db.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
	var createSQL string
	if err := row.Scan(&createSQL); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return sanitiseCreateTableSQL(createSQL), nil
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

func (s *Service) copyRowSubset(ctx context.Context, srcDB, dst *sql.DB, rs *subset.RowSubset) error {
	createSQL, err := tableCreateSQL(ctx, srcDB, rs.Table)
	if err != nil {
		return err
	}
	if createSQL == "" {
		return nil
	}
	if _, err := dst.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("subsetter: create table %s: %w", rs.Table, err)
	}

	keys := rs.Keys()
	if len(keys) == 0 {
		return nil
	}

	whereClause, args := sqlitex.InClause(rs.PKColumn, keys)
	q := fmt.Sprintf(`SELECT * FROM %s WHERE %s`, quoteIdent(rs.Table), whereClause)
	return copyRows(ctx, srcDB, dst, rs.Table, q, args)
}

func copyWholeTable(ctx context.Context, srcDB, dst *sql.DB, table, createSQL string) error {
	if _, err := dst.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("subsetter: create table %s: %w", table, err)
	}
	q := fmt.Sprintf(`SELECT * FROM %s`, quoteIdent(table))
	return copyRows(ctx, srcDB, dst, table, q, nil)
}

func copyRows(ctx context.Context, srcDB, dst *sql.DB, table, query string, args []any) error {
	rows, err := srcDB.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("subsetter: select from %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	insertSQL := fmt.Sprintf(`INSERT INTO %s VALUES (%s)`, quoteIdent(table), sqlitex.Placeholders(len(cols)))

	for rows.Next() {
		values := make([]any, len(cols))
		scanDest := make([]any, len(cols))
		for i := range values {
			scanDest[i] = &values[i]
		}
		if err := rows.Scan(scanDest...); err != nil {
			return fmt.Errorf("subsetter: scan %s: %w", table, err)
		}
		if _, err := dst.ExecContext(ctx, insertSQL, values...); err != nil {
			return fmt.Errorf("subsetter: insert into %s: %w", table, err)
		}
	}
	return rows.Err()
}

var _ providers.Subsetter = (*Service)(nil)
