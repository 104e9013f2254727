// internal/mutator/mutator_test.go
//
// Unit-tests for the change-tracked mutator using sqlmock.  The cache
// builder is left nil; snapshot regeneration has its own tests.
//
// Run: go test ./internal/mutator -v

package mutator

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/wikigrove/farm/internal/counter"
	"github.com/wikigrove/farm/internal/hook"
	"github.com/wikigrove/farm/internal/registry"
)

func newFactory(t *testing.T) (*Factory, sqlmock.Sqlmock, *counter.MemStore, *hook.Hooks) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	counters := counter.NewMemStore()
	hooks := hook.New()
	f := &Factory{
		Store:    registry.New(sqlx.NewDb(db, "mysql")),
		Counters: counters,
		Hooks:    hooks,
	}
	return f, mock, counters, hooks
}

// expectLoad queues the snapshot SELECT for one wiki row.
func expectLoad(mock sqlmock.Sqlmock, dbname string, closed, inactive bool) {
	now := time.Now()
	var closedAt, inactiveAt any
	if closed {
		closedAt = now.Add(-time.Hour)
	}
	if inactive {
		inactiveAt = now.Add(-2 * time.Hour)
	}
	rows := sqlmock.NewRows([]string{
		"dbname", "sitename", "language", "dbcluster", "category", "url", "extra",
		"created_at", "private_at", "closed_at", "inactive_at", "inactive_exempt",
		"inactive_exempt_reason", "deleted_at", "locked_at", "experimental_at",
	}).AddRow(
		dbname, "Example", "en", "c1", "uncategorised", nil, []byte(`{}`),
		now.Add(-48*time.Hour), nil, closedAt, inactiveAt, false, nil, nil, nil, nil,
	)
	mock.ExpectQuery("SELECT (.+) FROM wiki WHERE dbname").
		WithArgs(dbname).
		WillReturnRows(rows)
}

func TestEmptyCommitDoesNothing(t *testing.T) {
	f, mock, counters, hooks := newFactory(t)
	expectLoad(mock, "examplewiki", false, false)

	fired := 0
	hooks.OnStateChanged(func(hook.StateChanged) error { fired++; return nil })

	m, err := f.Load(context.Background(), "examplewiki")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	// Setters with unchanged values must not create a change-set.
	m.SetSitename("Example")
	m.SetLanguage("en")
	m.MarkPublic()

	if err := m.Commit(context.Background(), "tester"); err != nil {
		t.Fatalf("Commit error: %v", err)
	}

	if fired != 0 {
		t.Fatalf("expected no events, got %d", fired)
	}
	if v, _ := counters.Current(context.Background(), counter.WikiKey("examplewiki")); v != 0 {
		t.Fatalf("expected no counter bump, got %d", v)
	}
	// No UPDATE or INSERT expectations were queued; any write would fail.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestMarkClosedClearsInactive(t *testing.T) {
	f, mock, counters, hooks := newFactory(t)
	expectLoad(mock, "examplewiki", false, true)

	var events []hook.StateChanged
	hooks.OnStateChanged(func(ev hook.StateChanged) error {
		events = append(events, ev)
		return nil
	})

	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE wiki SET closed_at = ?, inactive_at = ? WHERE dbname = ?`,
	)).
		WithArgs(sqlmock.AnyArg(), nil, "examplewiki").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO farm_log").
		WithArgs("examplewiki", "settings", "tester", "closed_at, inactive_at").
		WillReturnResult(sqlmock.NewResult(1, 1))

	m, err := f.Load(context.Background(), "examplewiki")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	m.MarkClosed()

	if !m.Wiki().IsClosed() || m.Wiki().IsInactive() {
		t.Fatalf("expected closed && !inactive, got closed=%v inactive=%v",
			m.Wiki().IsClosed(), m.Wiki().IsInactive())
	}

	if err := m.Commit(context.Background(), "tester"); err != nil {
		t.Fatalf("Commit error: %v", err)
	}

	if len(events) != 1 || events[0].Kind != hook.StateClosed {
		t.Fatalf("expected one StateClosed event, got %#v", events)
	}
	if v, _ := counters.Current(context.Background(), counter.WikiKey("examplewiki")); v != 1 {
		t.Fatalf("expected one counter bump, got %d", v)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestMarkActiveClearsClosedAndInactive(t *testing.T) {
	f, mock, _, hooks := newFactory(t)
	expectLoad(mock, "examplewiki", true, true)

	var events []hook.StateChanged
	hooks.OnStateChanged(func(ev hook.StateChanged) error {
		events = append(events, ev)
		return nil
	})

	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE wiki SET closed_at = ?, inactive_at = ? WHERE dbname = ?`,
	)).
		WithArgs(nil, nil, "examplewiki").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO farm_log").
		WillReturnResult(sqlmock.NewResult(1, 1))

	m, err := f.Load(context.Background(), "examplewiki")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	m.MarkActive()

	if m.Wiki().IsClosed() || m.Wiki().IsInactive() {
		t.Fatalf("expected !closed && !inactive")
	}
	if err := m.Commit(context.Background(), "tester"); err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	if len(events) != 1 || events[0].Kind != hook.StateOpened {
		t.Fatalf("expected one StateOpened event, got %#v", events)
	}
}

func TestDeleteClearsClosed(t *testing.T) {
	f, mock, counters, _ := newFactory(t)
	expectLoad(mock, "examplewiki", true, false)

	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE wiki SET closed_at = ?, deleted_at = ? WHERE dbname = ?`,
	)).
		WithArgs(nil, sqlmock.AnyArg(), "examplewiki").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO farm_log").
		WillReturnResult(sqlmock.NewResult(1, 1))

	m, err := f.Load(context.Background(), "examplewiki")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	m.Delete()

	if !m.Wiki().IsDeleted() || m.Wiki().IsClosed() {
		t.Fatalf("expected deleted && !closed")
	}
	if err := m.Commit(context.Background(), "tester"); err != nil {
		t.Fatalf("Commit error: %v", err)
	}

	// Existence changed, so the farm and deleted indexes go stale too.
	if v, _ := counters.Current(context.Background(), counter.IndexKey()); v != 1 {
		t.Fatalf("expected index bump, got %d", v)
	}
	if v, _ := counters.Current(context.Background(), counter.DeletedKey()); v != 1 {
		t.Fatalf("expected deleted-index bump, got %d", v)
	}
}

func TestDoubleCommitIsNoOp(t *testing.T) {
	f, mock, _, _ := newFactory(t)
	expectLoad(mock, "examplewiki", false, false)

	mock.ExpectExec("UPDATE wiki SET sitename").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO farm_log").
		WillReturnResult(sqlmock.NewResult(1, 1))

	m, err := f.Load(context.Background(), "examplewiki")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	m.SetSitename("Example Redux")

	if err := m.Commit(context.Background(), "tester"); err != nil {
		t.Fatalf("first Commit error: %v", err)
	}
	// Second commit has an empty change-set and must not write.
	if err := m.Commit(context.Background(), "tester"); err != nil {
		t.Fatalf("second Commit error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}
