// internal/registry/store.go
//
// Wiki-table store helpers.
//
// Context
// -------
// These functions give the provisioner, mutator, cache materializer, and
// sweep read/write access to the `wiki` table.  Each helper executes a
// small number of parameterised statements; multi-row mutations (rename,
// purge) run inside one transaction so a crash never leaves referencing
// rows pointing at two names.
//
// Workflow
// --------
//  1. Callers supply a Store wrapping a *sqlx.DB connected to the
//     registry database.
//  2. Single-field reads scan into `registry.Wiki`.
//  3. Merged updates are built from a sorted field map so the SQL text is
//     deterministic, which keeps tests and slow-query logs readable.
//  4. Errors are returned verbatim except row-miss, which maps to
//     ErrNotFound so callers can distinguish absence from invalidity.
//
// Notes
// -----
//   - Column list matches the fields in `Wiki`; update both together.
//   - Oxford commas, two spaces after periods, no m-dash.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a dbname has no row in the wiki table.
var ErrNotFound = errors.New("wiki not found")

const wikiColumns = `dbname, sitename, language, dbcluster, category, url, extra,
       created_at, private_at, closed_at, inactive_at, inactive_exempt,
       inactive_exempt_reason, deleted_at, locked_at, experimental_at`

// Store wraps the registry connection pool.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-open registry pool.
func New(db *sqlx.DB) *Store { return &Store{db: db} }

// DB exposes the underlying pool for callers that need a transaction
// spanning store helpers and their own statements.
func (s *Store) DB() *sqlx.DB { return s.db }

//
// Reads
//

// ByDBName fetches a single wiki row, deleted or not.
func (s *Store) ByDBName(ctx context.Context, dbname string) (*Wiki, error) {
	q := `SELECT ` + wikiColumns + ` FROM wiki WHERE dbname = ? LIMIT 1`
	var w Wiki
	if err := s.db.GetContext(ctx, &w, q, dbname); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

// Exists reports whether a wiki row exists for dbname.
func (s *Store) Exists(ctx context.Context, dbname string) (bool, error) {
	var dummy int
	err := s.db.GetContext(ctx, &dummy,
		`SELECT 1 FROM wiki WHERE dbname = ? LIMIT 1`, dbname)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AllActive returns every wiki that is not soft-deleted, ordered by
// dbname for stable cache output.
func (s *Store) AllActive(ctx context.Context) ([]Wiki, error) {
	q := `SELECT ` + wikiColumns + ` FROM wiki
	      WHERE deleted_at IS NULL ORDER BY dbname`
	var rows []Wiki
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, err
	}
	return rows, nil
}

// AllDeleted returns every soft-deleted wiki, for the deleted index and
// operator tooling.
func (s *Store) AllDeleted(ctx context.Context) ([]Wiki, error) {
	q := `SELECT ` + wikiColumns + ` FROM wiki
	      WHERE deleted_at IS NOT NULL ORDER BY dbname`
	var rows []Wiki
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, err
	}
	return rows, nil
}

// SweepCandidates returns every wiki the inactivity sweep must consider:
// not deleted and not exempt.
func (s *Store) SweepCandidates(ctx context.Context) ([]Wiki, error) {
	q := `SELECT ` + wikiColumns + ` FROM wiki
	      WHERE deleted_at IS NULL AND inactive_exempt = FALSE
	      ORDER BY dbname`
	var rows []Wiki
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, err
	}
	return rows, nil
}

// ClusterCounts returns the number of non-deleted wikis per cluster, used
// by placement to pick the least-loaded shard.
func (s *Store) ClusterCounts(ctx context.Context) (map[string]int, error) {
	rows := []struct {
		Cluster string `db:"dbcluster"`
		N       int    `db:"n"`
	}{}
	q := `SELECT dbcluster, COUNT(*) AS n FROM wiki
	      WHERE deleted_at IS NULL GROUP BY dbcluster`
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Cluster] = r.N
	}
	return counts, nil
}

//
// Writes
//

// Insert adds the registry row for a freshly provisioned wiki.
func (s *Store) Insert(ctx context.Context, w *Wiki) error {
	q := `INSERT INTO wiki
	        (dbname, sitename, language, dbcluster, category, url, extra,
	         created_at, private_at)
	      VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		w.DBName, w.Sitename, w.Language, w.Cluster, w.Category, w.URL,
		w.Extra, w.CreatedAt, w.PrivateAt)
	return err
}

// UpdateFields issues one merged UPDATE for the given column→value map.
// Columns are applied in sorted order so the statement text is
// deterministic.  An empty map is a programmer error.
func (s *Store) UpdateFields(ctx context.Context, dbname string, fields map[string]any) error {
	if len(fields) == 0 {
		return errors.New("registry: UpdateFields with empty field map")
	}

	cols := make([]string, 0, len(fields))
	for c := range fields {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	var b strings.Builder
	args := make([]any, 0, len(fields)+1)
	b.WriteString("UPDATE wiki SET ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c)
		b.WriteString(" = ?")
		args = append(args, fields[c])
	}
	b.WriteString(" WHERE dbname = ?")
	args = append(args, dbname)

	res, err := s.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update %q: %w", dbname, ErrNotFound)
	}
	return nil
}

// RenameRows moves every row referencing old to new inside one
// transaction: the wiki row itself, the request/audit tables, and any
// collaborator-declared extra tables.  The physical database never moves.
func (s *Store) RenameRows(ctx context.Context, oldName, newName string, extraTables []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE wiki SET dbname = ? WHERE dbname = ?`, newName, oldName); err != nil {
		return err
	}
	for _, t := range append([]string{"wiki_request", "farm_log"}, extraTables...) {
		q := fmt.Sprintf("UPDATE %s SET dbname = ? WHERE dbname = ?", t)
		if _, err := tx.ExecContext(ctx, q, newName, oldName); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PurgeRows removes every row referencing dbname across the wiki table,
// the built-in child tables, and the collaborator-declared extras.  The
// physical database is never dropped.
func (s *Store) PurgeRows(ctx context.Context, dbname string, extraTables []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range append([]string{"wiki_request", "farm_log"}, extraTables...) {
		q := fmt.Sprintf("DELETE FROM %s WHERE dbname = ?", t)
		if _, err := tx.ExecContext(ctx, q, dbname); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM wiki WHERE dbname = ?`, dbname); err != nil {
		return err
	}
	return tx.Commit()
}

//
// Audit log
//

// AppendLog writes one farm_log audit entry.
func (s *Store) AppendLog(ctx context.Context, dbname, action, actor, details string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO farm_log (dbname, action, actor, details) VALUES (?, ?, ?, ?)`,
		dbname, action, actor, details)
	return err
}

// LatestLogActivity returns the newest farm_log timestamp for dbname,
// skipping the given noise actions (e.g. the sweep's own markers).  Nil
// when the wiki has no qualifying entries.
func (s *Store) LatestLogActivity(ctx context.Context, dbname string, noise []string) (*time.Time, error) {
	q := `SELECT MAX(created_at) FROM farm_log WHERE dbname = ?`
	args := []any{dbname}
	if len(noise) > 0 {
		q += ` AND action NOT IN (?` + strings.Repeat(", ?", len(noise)-1) + `)`
		for _, a := range noise {
			args = append(args, a)
		}
	}
	var ts sql.NullTime
	if err := s.db.GetContext(ctx, &ts, q, args...); err != nil {
		return nil, err
	}
	if !ts.Valid {
		return nil, nil
	}
	return &ts.Time, nil
}
