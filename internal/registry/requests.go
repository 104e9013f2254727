// internal/registry/requests.go
//
// Request-queue store helpers.
//
// Context
// -------
// The workflow engine drives every mutation of `wiki_request` and its two
// child tables through these helpers.  Status changes and field edits are
// merged into a single UPDATE by the engine (same pattern as the wiki
// mutator); this file only provides the primitives.
//
// Notes
// -----
//   - Comments and history entries are append-only; there is no update or
//     delete path on purpose.
//   - Oxford commas, two spaces after periods.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
)

// NormalizeSitename lowers and collapses whitespace.  The result is what
// `sitename_norm` stores and what the duplicate-submission guard compares;
// the display sitename itself is persisted verbatim.
func NormalizeSitename(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ErrRequestNotFound is returned when a request id has no row.
var ErrRequestNotFound = errors.New("wiki request not found")

const requestColumns = `id, dbname, sitename, language, private, category, reason,
       purpose, bio, url, requester, status, visibility, locked, extra,
       created_at, updated_at`

//
// Requests
//

// InsertRequest adds a new request in `inreview` state and returns its id.
// The normalized sitename is derived here so it can never drift from the
// display value.
func (s *Store) InsertRequest(ctx context.Context, r *Request) (int64, error) {
	q := `INSERT INTO wiki_request
	        (dbname, sitename, sitename_norm, language, private, category,
	         reason, purpose, bio, url, requester, status, visibility, locked,
	         extra)
	      VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q,
		r.DBName, r.Sitename, NormalizeSitename(r.Sitename), r.Language,
		r.Private, r.Category, r.Reason, r.Purpose, r.Bio, r.URL, r.Requester,
		StatusInReview, r.Visibility, r.Locked, r.Extra)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RequestByID fetches one request row.
func (s *Store) RequestByID(ctx context.Context, id int64) (*Request, error) {
	q := `SELECT ` + requestColumns + ` FROM wiki_request WHERE id = ? LIMIT 1`
	var r Request
	if err := s.db.GetContext(ctx, &r, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return &r, nil
}

// RecentRequests returns the newest requests at or below the caller's
// visibility clearance, newest first.
func (s *Store) RecentRequests(ctx context.Context, maxVisibility, limit int) ([]Request, error) {
	q := `SELECT ` + requestColumns + ` FROM wiki_request
	      WHERE visibility <= ? ORDER BY id DESC LIMIT ?`
	var rows []Request
	if err := s.db.SelectContext(ctx, &rows, q, maxVisibility, limit); err != nil {
		return nil, err
	}
	return rows, nil
}

// OpenRequestExists reports whether a non-terminal request already exists
// for the normalized sitename.  Used as the duplicate-submission guard;
// both sides of the comparison are NormalizeSitename output.
func (s *Store) OpenRequestExists(ctx context.Context, normalizedSitename string) (bool, error) {
	var dummy int
	err := s.db.GetContext(ctx, &dummy,
		`SELECT 1 FROM wiki_request
		 WHERE sitename_norm = ? AND status != ? LIMIT 1`,
		normalizedSitename, StatusApproved)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateRequestFields issues one merged UPDATE for the given column→value
// map, in sorted column order, and refreshes updated_at.
func (s *Store) UpdateRequestFields(ctx context.Context, id int64, fields map[string]any) error {
	if len(fields) == 0 {
		return errors.New("registry: UpdateRequestFields with empty field map")
	}

	cols := make([]string, 0, len(fields))
	for c := range fields {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	var b strings.Builder
	args := make([]any, 0, len(fields)+1)
	b.WriteString("UPDATE wiki_request SET ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c)
		b.WriteString(" = ?")
		args = append(args, fields[c])
	}
	b.WriteString(", updated_at = CURRENT_TIMESTAMP WHERE id = ?")
	args = append(args, id)

	_, err := s.db.ExecContext(ctx, b.String(), args...)
	return err
}

//
// Comments
//

// AppendComment attaches one comment to a request.
func (s *Store) AppendComment(ctx context.Context, requestID int64, author, body string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_comment (request_id, author, body) VALUES (?, ?, ?)`,
		requestID, author, body)
	return err
}

// CommentsByRequest returns a request's comments, oldest first.
func (s *Store) CommentsByRequest(ctx context.Context, requestID int64) ([]Comment, error) {
	q := `SELECT id, request_id, author, body, created_at
	      FROM request_comment WHERE request_id = ? ORDER BY id`
	var rows []Comment
	if err := s.db.SelectContext(ctx, &rows, q, requestID); err != nil {
		return nil, err
	}
	return rows, nil
}

// InvolvedUsers returns the requester plus every past commenter, which is
// the notification fan-out set for a request.
func (s *Store) InvolvedUsers(ctx context.Context, requestID int64) ([]string, error) {
	q := `SELECT requester FROM wiki_request WHERE id = ?
	      UNION
	      SELECT DISTINCT author FROM request_comment WHERE request_id = ?`
	var users []string
	if err := s.db.SelectContext(ctx, &users, q, requestID, requestID); err != nil {
		return nil, err
	}
	return users, nil
}

//
// History
//

// AppendHistory writes one audit entry for a request.  Restricted entries
// (visibility changes) are hidden from ordinary moderators.
func (s *Store) AppendHistory(ctx context.Context, requestID int64, action, actor, details string, restricted bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_history (request_id, action, actor, details, restricted)
		 VALUES (?, ?, ?, ?, ?)`,
		requestID, action, actor, details, restricted)
	return err
}

// HistoryByRequest returns a request's audit trail, oldest first,
// excluding restricted entries unless includeRestricted is set.
func (s *Store) HistoryByRequest(ctx context.Context, requestID int64, includeRestricted bool) ([]HistoryEntry, error) {
	q := `SELECT id, request_id, action, actor, details, restricted, created_at
	      FROM request_history WHERE request_id = ?`
	if !includeRestricted {
		q += ` AND restricted = FALSE`
	}
	q += ` ORDER BY id`
	var rows []HistoryEntry
	if err := s.db.SelectContext(ctx, &rows, q, requestID); err != nil {
		return nil, err
	}
	return rows, nil
}
