// internal/sweep/sweep.go
//
// Inactivity sweep.
//
// Context
// -------
// A periodic batch walks every non-exempt, non-deleted wiki and moves it
// along the dormancy ladder: active → inactive → closed →
// eligible-for-removal.  Reactivation is checked first and always wins:
// fresh activity on a dormant wiki clears both inactive and closed.
// Eligibility for removal is only ever reported; the actual delete is a
// separate, explicitly gated operation.
//
// The sweep is an idempotent batch safe to re-run.  Each wiki's
// transition is computed from freshly read state, never from rows cached
// earlier in the same run, and one wiki's failure never aborts the rest.
//
// Modes
// -----
//   - Report (default): returns the intended transitions, mutates nothing.
//   - Write: applies the transitions through the state mutator and sends
//     stakeholder notifications on closure.
package sweep

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wikigrove/farm/internal/config"
	"github.com/wikigrove/farm/internal/metrics"
	"github.com/wikigrove/farm/internal/mutator"
	"github.com/wikigrove/farm/internal/notify"
	"github.com/wikigrove/farm/internal/registry"
)

// Action is one intended transition.
type Action string

const (
	ActionNone       Action = "none"
	ActionReactivate Action = "reactivate"
	ActionInactive   Action = "inactive"
	ActionClose      Action = "close"
	ActionRemovable  Action = "removable"
)

// Finding is the sweep's verdict for one wiki.
type Finding struct {
	DBName string
	Action Action
	Detail string
}

// ActivitySource reports when a wiki last saw real use: the newest of the
// latest content change and the latest non-noise audit event.  Nil means
// no recorded activity; callers fall back to the creation timestamp.
type ActivitySource interface {
	LastActivity(ctx context.Context, dbname string) (*time.Time, error)
}

// LogActivity derives activity from the farm audit log, skipping the
// sweep's own markers so a sweep run never counts as activity.
type LogActivity struct {
	Store *registry.Store
}

func (a LogActivity) LastActivity(ctx context.Context, dbname string) (*time.Time, error) {
	return a.Store.LatestLogActivity(ctx, dbname, []string{"inactivity"})
}

// Sweeper runs the inactivity batch.
type Sweeper struct {
	cfg      *config.Config
	store    *registry.Store
	muts     *mutator.Factory
	notifier notify.Notifier
	activity ActivitySource

	now func() time.Time
}

// New wires a Sweeper with production defaults.
func New(cfg *config.Config, store *registry.Store, muts *mutator.Factory,
	notifier notify.Notifier, activity ActivitySource) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		store:    store,
		muts:     muts,
		notifier: notifier,
		activity: activity,
		now:      time.Now,
	}
}

// Run sweeps the farm.  With write == false nothing mutates; the findings
// are the report.  With write == true each non-none finding is applied
// via the mutator, and failures are logged per wiki without aborting the
// run.
func (s *Sweeper) Run(ctx context.Context, write bool) ([]Finding, error) {
	candidates, err := s.store.SweepCandidates(ctx)
	if err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(candidates))
	for i := range candidates {
		dbname := candidates[i].DBName

		// Fresh read per wiki: the candidate list may be minutes stale by
		// the time we get here on a large farm.
		w, err := s.store.ByDBName(ctx, dbname)
		if err != nil {
			zap.S().Errorw("sweep read failed", "dbname", dbname, "err", err)
			continue
		}

		last, err := s.activity.LastActivity(ctx, dbname)
		if err != nil {
			zap.S().Errorw("sweep activity lookup failed", "dbname", dbname, "err", err)
			continue
		}
		if last == nil {
			last = &w.CreatedAt
		}

		f := Finding{DBName: dbname, Action: s.decide(w, *last)}
		switch f.Action {
		case ActionNone:
			continue
		case ActionReactivate:
			f.Detail = "fresh activity, should be reactivated"
		case ActionInactive:
			f.Detail = fmt.Sprintf("no activity for %d days, should be marked inactive",
				int(s.now().Sub(*last).Hours()/24))
		case ActionClose:
			f.Detail = "should be closed"
		case ActionRemovable:
			f.Detail = "closed past the removal threshold, eligible for removal"
		}
		findings = append(findings, f)

		if write {
			if err := s.apply(ctx, w, f.Action); err != nil {
				zap.S().Errorw("sweep apply failed",
					"dbname", dbname, "action", f.Action, "err", err)
				continue
			}
		}
		metrics.SweepTransitionsTotal.WithLabelValues(string(f.Action)).Inc()
	}
	return findings, nil
}

// decide computes one wiki's transition.  Reactivation is checked first
// and overrides everything; the ladder is otherwise monotonic forward.
func (s *Sweeper) decide(w *registry.Wiki, last time.Time) Action {
	now := s.now()
	inactiveAfter := time.Duration(s.cfg.Farm.InactiveDays) * 24 * time.Hour
	closeAfter := time.Duration(s.cfg.Farm.CloseDays) * 24 * time.Hour
	removeAfter := time.Duration(s.cfg.Farm.RemovedDays) * 24 * time.Hour

	if s.cfg.Farm.InactiveDays == 0 {
		return ActionNone
	}

	if now.Sub(last) < inactiveAfter {
		if w.IsInactive() || w.IsClosed() {
			return ActionReactivate
		}
		return ActionNone
	}

	if w.IsClosed() {
		if s.cfg.Farm.RemovedDays > 0 && now.Sub(*w.ClosedAt) > removeAfter {
			return ActionRemovable
		}
		return ActionNone
	}
	if w.IsInactive() {
		if s.cfg.Farm.CloseDays > 0 && now.Sub(*w.InactiveAt) > closeAfter {
			return ActionClose
		}
		return ActionNone
	}
	return ActionInactive
}

// apply performs one transition through the mutator.  Removable is
// never applied here; the delete path is a separate gated operation.
func (s *Sweeper) apply(ctx context.Context, w *registry.Wiki, action Action) error {
	if action == ActionRemovable {
		return nil
	}

	m, err := s.muts.Load(ctx, w.DBName)
	if err != nil {
		return err
	}
	m.SetAction("inactivity")

	switch action {
	case ActionReactivate:
		m.MarkActive()
	case ActionInactive:
		m.MarkInactive()
	case ActionClose:
		m.MarkClosed()
	}
	if err := m.Commit(ctx, "inactivity-sweep"); err != nil {
		return err
	}

	if action == ActionClose {
		if err := s.notifier.Send(ctx, notify.Message{
			Category: notify.CategoryWikiClosed,
			Subject:  fmt.Sprintf("Wiki %s has been closed for inactivity", w.DBName),
			Body: fmt.Sprintf(
				"The wiki %q saw no activity for %d days and has been closed.  Fresh activity will reopen it.",
				w.Sitename, s.cfg.Farm.InactiveDays+s.cfg.Farm.CloseDays),
		}); err != nil {
			zap.S().Errorw("closure notification failed", "dbname", w.DBName, "err", err)
		}
	}
	return nil
}
