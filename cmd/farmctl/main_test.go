// cmd/farmctl/main_test.go
//
// Tests for the command helpers that carry logic of their own; the thin
// wiring actions are exercised through the package tests of the components
// they call.
//
// Run: go test ./cmd/farmctl -v

package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/wikigrove/farm/internal/notify"
	"github.com/wikigrove/farm/internal/registry"
)

type recordingNotifier struct {
	sent []notify.Message
}

func (r *recordingNotifier) Send(_ context.Context, msg notify.Message) error {
	r.sent = append(r.sent, msg)
	return nil
}

func wikiRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"dbname", "sitename", "language", "dbcluster", "category", "url", "extra",
		"created_at", "private_at", "closed_at", "inactive_at", "inactive_exempt",
		"inactive_exempt_reason", "deleted_at", "locked_at", "experimental_at",
	})
}

func TestNotifyWikiDefaultsToSysopGroup(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := registry.New(sqlx.NewDb(db, "mysql"))

	mock.ExpectQuery("SELECT (.+) FROM wiki WHERE dbname").
		WithArgs("examplewiki").
		WillReturnRows(wikiRows().AddRow(
			"examplewiki", "Example", "en", "c1", "uncategorised", nil, []byte(`{}`),
			time.Now(), nil, nil, nil, false, nil, nil, nil, nil,
		))

	n := &recordingNotifier{}
	err = notifyWiki(context.Background(), store, n,
		"examplewiki", "Maintenance window", "Read-only on Sunday.", nil)
	if err != nil {
		t.Fatalf("notifyWiki error: %v", err)
	}
	if len(n.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(n.sent))
	}
	msg := n.sent[0]
	if msg.Category != notify.CategoryWikiNotice {
		t.Fatalf("category = %q", msg.Category)
	}
	if len(msg.Recipients) != 1 || msg.Recipients[0] != "sysop@examplewiki" {
		t.Fatalf("recipients = %v, want the wiki's sysop group", msg.Recipients)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestNotifyWikiUnknownDBName(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := registry.New(sqlx.NewDb(db, "mysql"))

	mock.ExpectQuery("SELECT (.+) FROM wiki WHERE dbname").
		WithArgs("nosuchwiki").
		WillReturnRows(wikiRows())

	n := &recordingNotifier{}
	err = notifyWiki(context.Background(), store, n, "nosuchwiki", "s", "b", nil)
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(n.sent) != 0 {
		t.Fatalf("expected no notifications, got %d", len(n.sent))
	}
}
