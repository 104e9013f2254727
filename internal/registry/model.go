// internal/registry/model.go
//
// Registry row models.
//
// Context
// -------
// The registry is the shared control-plane database holding one row per
// wiki plus the provisioning-request queue.  These structs mirror the
// persistent tables and are used by the store helpers, the state mutator,
// and the cache materializer.  They contain no behaviour beyond flag
// accessors; pure data models for sqlx scans.
//
// Schema reference (2026-07-12)
//
//	CREATE TABLE wiki (
//	    dbname                 VARCHAR(64)   PRIMARY KEY,
//	    sitename               VARCHAR(128)  NOT NULL,
//	    language               VARCHAR(16)   NOT NULL DEFAULT 'en',
//	    dbcluster              VARCHAR(32)   NOT NULL DEFAULT '',
//	    category               VARCHAR(64)   NOT NULL DEFAULT 'uncategorised',
//	    url                    VARCHAR(256)  NULL,
//	    extra                  JSON          NOT NULL,
//	    created_at             TIMESTAMP     NOT NULL DEFAULT CURRENT_TIMESTAMP,
//	    private_at             TIMESTAMP NULL,
//	    closed_at              TIMESTAMP NULL,
//	    inactive_at            TIMESTAMP NULL,
//	    inactive_exempt        TINYINT(1)    NOT NULL DEFAULT 0,
//	    inactive_exempt_reason VARCHAR(255)  NULL,
//	    deleted_at             TIMESTAMP NULL,
//	    locked_at              TIMESTAMP NULL,
//	    experimental_at        TIMESTAMP NULL
//	);
//
//	CREATE TABLE wiki_request (
//	    id            BIGINT UNSIGNED PRIMARY KEY AUTO_INCREMENT,
//	    dbname        VARCHAR(64)   NOT NULL,
//	    sitename      VARCHAR(128)  NOT NULL,
//	    sitename_norm VARCHAR(128)  NOT NULL,
//	    language      VARCHAR(16)   NOT NULL DEFAULT 'en',
//	    private       TINYINT(1)    NOT NULL DEFAULT 0,
//	    category      VARCHAR(64)   NOT NULL DEFAULT 'uncategorised',
//	    reason        TEXT          NOT NULL,
//	    purpose       VARCHAR(128)  NOT NULL DEFAULT '',
//	    bio           TINYINT(1)    NOT NULL DEFAULT 0,
//	    url           VARCHAR(256)  NULL,
//	    requester     VARCHAR(255)  NOT NULL,
//	    status        VARCHAR(16)   NOT NULL DEFAULT 'inreview',
//	    visibility    TINYINT       NOT NULL DEFAULT 0,
//	    locked        TINYINT(1)    NOT NULL DEFAULT 0,
//	    extra         JSON          NOT NULL,
//	    created_at    TIMESTAMP     NOT NULL DEFAULT CURRENT_TIMESTAMP,
//	    updated_at    TIMESTAMP     NOT NULL DEFAULT CURRENT_TIMESTAMP,
//	    KEY idx_wiki_request_norm (sitename_norm, status)
//	);
//
//	CREATE TABLE request_comment (
//	    id         BIGINT UNSIGNED PRIMARY KEY AUTO_INCREMENT,
//	    request_id BIGINT UNSIGNED NOT NULL,
//	    author     VARCHAR(255)  NOT NULL,
//	    body       TEXT          NOT NULL,
//	    created_at TIMESTAMP     NOT NULL DEFAULT CURRENT_TIMESTAMP
//	);
//
//	CREATE TABLE request_history (
//	    id         BIGINT UNSIGNED PRIMARY KEY AUTO_INCREMENT,
//	    request_id BIGINT UNSIGNED NOT NULL,
//	    action     VARCHAR(64)   NOT NULL,
//	    actor      VARCHAR(255)  NOT NULL,
//	    details    TEXT          NOT NULL,
//	    restricted TINYINT(1)    NOT NULL DEFAULT 0,
//	    created_at TIMESTAMP     NOT NULL DEFAULT CURRENT_TIMESTAMP
//	);
//
//	CREATE TABLE farm_log (
//	    id         BIGINT UNSIGNED PRIMARY KEY AUTO_INCREMENT,
//	    dbname     VARCHAR(64)   NOT NULL,
//	    action     VARCHAR(64)   NOT NULL,
//	    actor      VARCHAR(255)  NOT NULL,
//	    details    TEXT          NOT NULL,
//	    created_at TIMESTAMP     NOT NULL DEFAULT CURRENT_TIMESTAMP,
//	    KEY idx_farm_log_dbname (dbname, created_at)
//	);
//
// Notes
// -----
// • A flag is its timestamp: NULL means unset, non-NULL records when the
//   transition happened.  The timestamp is written only by the transition
//   that caused it.
// • Nullable timestamps are `*time.Time`; callers must nil-check.
// • Oxford commas, two spaces after periods.
package registry

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

//
// Wiki
//

// Wiki mirrors one row in the `wiki` table.
type Wiki struct {
	DBName               string         `db:"dbname"`
	Sitename             string         `db:"sitename"`
	Language             string         `db:"language"`
	Cluster              string         `db:"dbcluster"`
	Category             string         `db:"category"`
	URL                  *string        `db:"url"`
	Extra                types.JSONText `db:"extra"`
	CreatedAt            time.Time      `db:"created_at"`
	PrivateAt            *time.Time     `db:"private_at"`
	ClosedAt             *time.Time     `db:"closed_at"`
	InactiveAt           *time.Time     `db:"inactive_at"`
	InactiveExempt       bool           `db:"inactive_exempt"`
	InactiveExemptReason *string        `db:"inactive_exempt_reason"`
	DeletedAt            *time.Time     `db:"deleted_at"`
	LockedAt             *time.Time     `db:"locked_at"`
	ExperimentalAt       *time.Time     `db:"experimental_at"`
}

func (w *Wiki) IsPrivate() bool      { return w.PrivateAt != nil }
func (w *Wiki) IsClosed() bool       { return w.ClosedAt != nil }
func (w *Wiki) IsInactive() bool     { return w.InactiveAt != nil }
func (w *Wiki) IsDeleted() bool      { return w.DeletedAt != nil }
func (w *Wiki) IsLocked() bool       { return w.LockedAt != nil }
func (w *Wiki) IsExperimental() bool { return w.ExperimentalAt != nil }

//
// Request queue
//

// Status values for a provisioning request.  Approved is terminal.
const (
	StatusInReview    = "inreview"
	StatusApproved    = "approved"
	StatusDeclined    = "declined"
	StatusOnHold      = "onhold"
	StatusMoreDetails = "moredetails"
)

// Visibility levels gate who may see that a request exists at all.
const (
	VisibilityPublic     = 0
	VisibilityDeleteOnly = 1
	VisibilitySuppressed = 2
)

// Request mirrors one row in the `wiki_request` table.
type Request struct {
	ID         int64          `db:"id"`
	DBName     string         `db:"dbname"`
	Sitename   string         `db:"sitename"`
	Language   string         `db:"language"`
	Private    bool           `db:"private"`
	Category   string         `db:"category"`
	Reason     string         `db:"reason"`
	Purpose    string         `db:"purpose"`
	Bio        bool           `db:"bio"`
	URL        *string        `db:"url"`
	Requester  string         `db:"requester"`
	Status     string         `db:"status"`
	Visibility int            `db:"visibility"`
	Locked     bool           `db:"locked"`
	Extra      types.JSONText `db:"extra"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

// Open reports whether the request can still move through the workflow.
func (r *Request) Open() bool { return r.Status != StatusApproved }

// Comment mirrors one row in `request_comment`.  Append-only.
type Comment struct {
	ID        int64     `db:"id"`
	RequestID int64     `db:"request_id"`
	Author    string    `db:"author"`
	Body      string    `db:"body"`
	CreatedAt time.Time `db:"created_at"`
}

// HistoryEntry mirrors one row in `request_history`.  Append-only audit
// trail, distinct from comments.  Restricted entries record visibility
// changes and are only shown to privileged operators.
type HistoryEntry struct {
	ID         int64     `db:"id"`
	RequestID  int64     `db:"request_id"`
	Action     string    `db:"action"`
	Actor      string    `db:"actor"`
	Details    string    `db:"details"`
	Restricted bool      `db:"restricted"`
	CreatedAt  time.Time `db:"created_at"`
}

// LogEntry mirrors one row in `farm_log`, the per-wiki audit log.
type LogEntry struct {
	ID        int64     `db:"id"`
	DBName    string    `db:"dbname"`
	Action    string    `db:"action"`
	Actor     string    `db:"actor"`
	Details   string    `db:"details"`
	CreatedAt time.Time `db:"created_at"`
}
