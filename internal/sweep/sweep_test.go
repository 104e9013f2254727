// internal/sweep/sweep_test.go
//
// Dormancy-ladder tests: the decision table with a fixed clock, plus full
// report-mode and write-mode runs over a mocked registry.
//
// Run: go test ./internal/sweep -v

package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/wikigrove/farm/internal/config"
	"github.com/wikigrove/farm/internal/counter"
	"github.com/wikigrove/farm/internal/hook"
	"github.com/wikigrove/farm/internal/mutator"
	"github.com/wikigrove/farm/internal/registry"
)

// fakeActivity serves canned last-activity timestamps.
type fakeActivity struct {
	last map[string]time.Time
}

func (f fakeActivity) LastActivity(_ context.Context, dbname string) (*time.Time, error) {
	if ts, ok := f.last[dbname]; ok {
		return &ts, nil
	}
	return nil, nil
}

func sweepConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Farm.InactiveDays = 45
	cfg.Farm.CloseDays = 15
	cfg.Farm.RemovedDays = 120
	return cfg
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func TestDecide(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &Sweeper{cfg: sweepConfig(), now: func() time.Time { return clock }}

	wiki := func(inactiveAgo, closedAgo int) *registry.Wiki {
		w := &registry.Wiki{DBName: "examplewiki"}
		if inactiveAgo >= 0 {
			ts := clock.Add(-days(inactiveAgo))
			w.InactiveAt = &ts
		}
		if closedAgo >= 0 {
			ts := clock.Add(-days(closedAgo))
			w.ClosedAt = &ts
		}
		return w
	}

	cases := []struct {
		name    string
		w       *registry.Wiki
		lastAgo int
		want    Action
	}{
		{"active and busy", wiki(-1, -1), 10, ActionNone},
		{"active gone quiet", wiki(-1, -1), 50, ActionInactive},
		{"inactive long enough to close", wiki(20, -1), 65, ActionClose},
		{"inactive but close window open", wiki(5, -1), 50, ActionNone},
		{"inactive with fresh activity", wiki(20, -1), 2, ActionReactivate},
		{"closed with fresh activity", wiki(-1, 30), 2, ActionReactivate},
		{"closed past removal threshold", wiki(-1, 130), 200, ActionRemovable},
		{"closed inside removal threshold", wiki(-1, 30), 200, ActionNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := s.decide(tc.w, clock.Add(-days(tc.lastAgo)))
			if got != tc.want {
				t.Errorf("decide() = %v, want %v", got, tc.want)
			}
		})
	}
}

// The ladder is measured per stage: a wiki idle for 40 days with
// inactive_days=30 and close_days=15 closes only once inactive_at itself
// is older than close_days.  Seen cold, with no dormancy recorded yet,
// the same wiki is marked inactive first and closes on a later run.
func TestDecideCloseIsMeasuredFromInactiveAt(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := &config.Config{}
	cfg.Farm.InactiveDays = 30
	cfg.Farm.CloseDays = 15
	cfg.Farm.RemovedDays = 120
	s := &Sweeper{cfg: cfg, now: func() time.Time { return clock }}

	last := clock.Add(-days(40))

	cold := &registry.Wiki{DBName: "examplewiki"}
	if got := s.decide(cold, last); got != ActionInactive {
		t.Fatalf("cold run: decide() = %v, want inactive", got)
	}

	fresh := clock.Add(-days(10))
	staged := &registry.Wiki{DBName: "examplewiki", InactiveAt: &fresh}
	if got := s.decide(staged, last); got != ActionNone {
		t.Fatalf("young dormancy: decide() = %v, want none", got)
	}

	ripe := clock.Add(-days(16))
	staged.InactiveAt = &ripe
	if got := s.decide(staged, last); got != ActionClose {
		t.Fatalf("ripe dormancy: decide() = %v, want close", got)
	}
}

func TestDecideDisabledWhenInactiveDaysZero(t *testing.T) {
	clock := time.Now()
	cfg := sweepConfig()
	cfg.Farm.InactiveDays = 0
	s := &Sweeper{cfg: cfg, now: func() time.Time { return clock }}

	if got := s.decide(&registry.Wiki{DBName: "examplewiki"}, clock.Add(-days(400))); got != ActionNone {
		t.Fatalf("decide() = %v, want none when the sweep is disabled", got)
	}
}

func wikiRow(rows *sqlmock.Rows, dbname string, created time.Time, inactiveAt, closedAt any) *sqlmock.Rows {
	return rows.AddRow(
		dbname, "Example", "en", "c1", "uncategorised", nil, []byte(`{}`),
		created, nil, closedAt, inactiveAt, false, nil, nil, nil, nil,
	)
}

func wikiCols() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"dbname", "sitename", "language", "dbcluster", "category", "url", "extra",
		"created_at", "private_at", "closed_at", "inactive_at", "inactive_exempt",
		"inactive_exempt_reason", "deleted_at", "locked_at", "experimental_at",
	})
}

func TestRunReportModeMutatesNothing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := registry.New(sqlx.NewDb(db, "mysql"))

	clock := time.Now()
	created := clock.Add(-days(365))

	// Candidate list, then one fresh read per wiki.
	mock.ExpectQuery("SELECT (.+) FROM wiki").
		WillReturnRows(wikiRow(wikiRow(wikiCols(),
			"busywiki", created, nil, nil),
			"quietwiki", created, nil, nil))
	mock.ExpectQuery("SELECT (.+) FROM wiki WHERE dbname").
		WithArgs("busywiki").
		WillReturnRows(wikiRow(wikiCols(), "busywiki", created, nil, nil))
	mock.ExpectQuery("SELECT (.+) FROM wiki WHERE dbname").
		WithArgs("quietwiki").
		WillReturnRows(wikiRow(wikiCols(), "quietwiki", created, nil, nil))

	activity := fakeActivity{last: map[string]time.Time{
		"busywiki":  clock.Add(-days(3)),
		"quietwiki": clock.Add(-days(90)),
	}}
	s := New(sweepConfig(), store, nil, nil, activity)
	s.now = func() time.Time { return clock }

	findings, err := s.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(findings))
	}
	if findings[0].DBName != "quietwiki" || findings[0].Action != ActionInactive {
		t.Fatalf("unexpected finding %+v", findings[0])
	}
	// Report mode issues no writes; any UPDATE would be an unmet
	// expectation failure.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestRunWriteModeMarksInactive(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := registry.New(sqlx.NewDb(db, "mysql"))
	muts := &mutator.Factory{
		Store:    store,
		Counters: counter.NewMemStore(),
		Hooks:    hook.New(),
	}

	clock := time.Now()
	created := clock.Add(-days(365))

	mock.ExpectQuery("SELECT (.+) FROM wiki").
		WillReturnRows(wikiRow(wikiCols(), "quietwiki", created, nil, nil))
	mock.ExpectQuery("SELECT (.+) FROM wiki WHERE dbname").
		WithArgs("quietwiki").
		WillReturnRows(wikiRow(wikiCols(), "quietwiki", created, nil, nil))
	// Mutator load, merged UPDATE, and audit entry tagged with the sweep's
	// own action so the activity source skips it next run.
	mock.ExpectQuery("SELECT (.+) FROM wiki WHERE dbname").
		WithArgs("quietwiki").
		WillReturnRows(wikiRow(wikiCols(), "quietwiki", created, nil, nil))
	mock.ExpectExec("UPDATE wiki SET inactive_at").
		WithArgs(sqlmock.AnyArg(), "quietwiki").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO farm_log").
		WithArgs("quietwiki", "inactivity", "inactivity-sweep", "inactive_at").
		WillReturnResult(sqlmock.NewResult(1, 1))

	activity := fakeActivity{last: map[string]time.Time{
		"quietwiki": clock.Add(-days(90)),
	}}
	s := New(sweepConfig(), store, muts, nil, activity)
	s.now = func() time.Time { return clock }

	findings, err := s.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(findings) != 1 || findings[0].Action != ActionInactive {
		t.Fatalf("unexpected findings %+v", findings)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestRunRemovableIsReportOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := registry.New(sqlx.NewDb(db, "mysql"))

	clock := time.Now()
	created := clock.Add(-days(500))
	closedAt := clock.Add(-days(130))

	mock.ExpectQuery("SELECT (.+) FROM wiki").
		WillReturnRows(wikiRow(wikiCols(), "relicwiki", created, nil, closedAt))
	mock.ExpectQuery("SELECT (.+) FROM wiki WHERE dbname").
		WithArgs("relicwiki").
		WillReturnRows(wikiRow(wikiCols(), "relicwiki", created, nil, closedAt))

	activity := fakeActivity{last: map[string]time.Time{
		"relicwiki": clock.Add(-days(200)),
	}}
	// Even in write mode a removable wiki is only reported; no mutator is
	// wired and no write may run.
	s := New(sweepConfig(), store, nil, nil, activity)
	s.now = func() time.Time { return clock }

	findings, err := s.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(findings) != 1 || findings[0].Action != ActionRemovable {
		t.Fatalf("unexpected findings %+v", findings)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}
