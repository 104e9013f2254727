// internal/mutator/mutator.go
//
// Atomic, change-tracked mutation of one wiki's registry row.
//
// Context
// -------
// Every per-wiki state change in the farm flows through a Mutator: load a
// snapshot, call setters, Commit.  Setters are no-ops when the value is
// unchanged; otherwise they record an {old, new} diff and, for transitions
// with side effects, queue a typed post-commit event.  Commit issues one
// merged UPDATE, bumps the invalidation counters, regenerates the wiki's
// snapshot (and the farm indexes when existence or routing data changed),
// fires the queued events, and writes one audit entry, auto-labelled with
// the changed-field list unless SetAction was called.
//
// Invariants
// ----------
//   - MarkClosed clears inactive.
//   - MarkActive clears both closed and inactive.
//   - Delete clears closed.
//   - An empty change-set commits to nothing: no write, no events, no
//     counter bumps.
//
// Notes
// -----
//   - Mutual exclusion on the row is the registry's job (row locks), not
//     in-process coordination; the merged UPDATE avoids interleaved
//     partial writes.
//   - Oxford commas, two spaces after periods.
package mutator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wikigrove/farm/internal/cachegen"
	"github.com/wikigrove/farm/internal/counter"
	"github.com/wikigrove/farm/internal/hook"
	"github.com/wikigrove/farm/internal/registry"
)

// Change records one field's before and after values.
type Change struct {
	Old any
	New any
}

// Factory builds Mutators with the shared collaborators wired in.
type Factory struct {
	Store    *registry.Store
	Counters counter.Store
	Cache    *cachegen.Builder
	Hooks    *hook.Hooks
}

// Mutator holds one wiki's snapshot plus the accumulated change-set.
type Mutator struct {
	f    *Factory
	wiki *registry.Wiki

	changes map[string]Change
	fields  map[string]any // column → new value for the merged UPDATE
	events  []hook.StateChanged
	action  string // explicit audit action, empty → auto label

	indexDirty   bool // farm index must regenerate
	deletedDirty bool // deleted index must regenerate

	now func() time.Time
}

// Load snapshots one wiki row for mutation.
func (f *Factory) Load(ctx context.Context, dbname string) (*Mutator, error) {
	w, err := f.Store.ByDBName(ctx, dbname)
	if err != nil {
		return nil, err
	}
	return &Mutator{
		f:       f,
		wiki:    w,
		changes: make(map[string]Change),
		fields:  make(map[string]any),
		now:     time.Now,
	}, nil
}

// Wiki exposes the loaded snapshot read-only.
func (m *Mutator) Wiki() *registry.Wiki { return m.wiki }

// Changes returns the accumulated diff, keyed by column.
func (m *Mutator) Changes() map[string]Change { return m.changes }

// SetAction overrides the auto-generated audit label for this commit.
func (m *Mutator) SetAction(action string) { m.action = action }

//
// Plain setters
//

func (m *Mutator) record(col string, old, val any) {
	m.changes[col] = Change{Old: old, New: val}
	m.fields[col] = val
}

// SetSitename changes the display name.  The farm index carries sitename,
// so it goes stale too.
func (m *Mutator) SetSitename(s string) {
	if m.wiki.Sitename == s {
		return
	}
	m.record("sitename", m.wiki.Sitename, s)
	m.wiki.Sitename = s
	m.indexDirty = true
}

func (m *Mutator) SetLanguage(lang string) {
	if m.wiki.Language == lang {
		return
	}
	m.record("language", m.wiki.Language, lang)
	m.wiki.Language = lang
}

func (m *Mutator) SetCategory(cat string) {
	if m.wiki.Category == cat {
		return
	}
	m.record("category", m.wiki.Category, cat)
	m.wiki.Category = cat
}

// SetURL changes the custom url; nil reverts to the default subdomain.
func (m *Mutator) SetURL(url *string) {
	if equalPtr(m.wiki.URL, url) {
		return
	}
	m.record("url", deref(m.wiki.URL), deref(url))
	m.fields["url"] = url
	m.wiki.URL = url
	m.indexDirty = true
}

func (m *Mutator) SetDBCluster(cluster string) {
	if m.wiki.Cluster == cluster {
		return
	}
	m.record("dbcluster", m.wiki.Cluster, cluster)
	m.wiki.Cluster = cluster
	m.indexDirty = true
}

// SetExtraField sets one key in the opaque extra blob.  The whole blob is
// rewritten in the merged UPDATE.
func (m *Mutator) SetExtraField(key string, value any) error {
	extra := map[string]any{}
	if len(m.wiki.Extra) > 0 {
		if err := json.Unmarshal(m.wiki.Extra, &extra); err != nil {
			return fmt.Errorf("extra json: %w", err)
		}
	}
	if old, ok := extra[key]; ok && old == value {
		return nil
	}
	old := extra[key]
	extra[key] = value

	blob, err := json.Marshal(extra)
	if err != nil {
		return err
	}
	m.changes["extra."+key] = Change{Old: old, New: value}
	m.fields["extra"] = blob
	m.wiki.Extra = blob
	return nil
}

//
// Flag markers
//

// MarkPrivate hides the wiki from anonymous readers.
func (m *Mutator) MarkPrivate() {
	if m.wiki.IsPrivate() {
		return
	}
	ts := m.now()
	m.record("private_at", nil, ts)
	m.wiki.PrivateAt = &ts
	m.queueState(hook.StatePrivate, ts)
}

// MarkPublic reverses MarkPrivate.
func (m *Mutator) MarkPublic() {
	if !m.wiki.IsPrivate() {
		return
	}
	m.record("private_at", *m.wiki.PrivateAt, nil)
	m.fields["private_at"] = nil
	m.wiki.PrivateAt = nil
	m.queueState(hook.StatePublic, m.now())
}

// MarkClosed closes the wiki and clears the inactive flag; closed is the
// stronger state.
func (m *Mutator) MarkClosed() {
	if m.wiki.IsClosed() {
		return
	}
	ts := m.now()
	m.record("closed_at", nil, ts)
	m.wiki.ClosedAt = &ts
	if m.wiki.IsInactive() {
		m.record("inactive_at", *m.wiki.InactiveAt, nil)
		m.fields["inactive_at"] = nil
		m.wiki.InactiveAt = nil
	}
	m.queueState(hook.StateClosed, ts)
}

// MarkActive reopens the wiki, clearing both closed and inactive.
func (m *Mutator) MarkActive() {
	reopened := false
	if m.wiki.IsClosed() {
		m.record("closed_at", *m.wiki.ClosedAt, nil)
		m.fields["closed_at"] = nil
		m.wiki.ClosedAt = nil
		reopened = true
	}
	if m.wiki.IsInactive() {
		m.record("inactive_at", *m.wiki.InactiveAt, nil)
		m.fields["inactive_at"] = nil
		m.wiki.InactiveAt = nil
	}
	if reopened {
		m.queueState(hook.StateOpened, m.now())
	}
}

// MarkInactive flags the wiki as dormant.  No collaborator event; the
// closure that may follow carries one.
func (m *Mutator) MarkInactive() {
	if m.wiki.IsInactive() {
		return
	}
	ts := m.now()
	m.record("inactive_at", nil, ts)
	m.wiki.InactiveAt = &ts
}

// MarkExempt excludes the wiki from the inactivity sweep.
func (m *Mutator) MarkExempt(reason string) {
	if m.wiki.InactiveExempt {
		return
	}
	m.record("inactive_exempt", false, true)
	m.record("inactive_exempt_reason", deref(m.wiki.InactiveExemptReason), reason)
	m.wiki.InactiveExempt = true
	m.wiki.InactiveExemptReason = &reason
}

// ClearExempt re-enrolls the wiki in the inactivity sweep.
func (m *Mutator) ClearExempt() {
	if !m.wiki.InactiveExempt {
		return
	}
	m.record("inactive_exempt", true, false)
	m.record("inactive_exempt_reason", deref(m.wiki.InactiveExemptReason), nil)
	m.fields["inactive_exempt_reason"] = nil
	m.wiki.InactiveExempt = false
	m.wiki.InactiveExemptReason = nil
}

// Lock freezes the wiki pending operator review.
func (m *Mutator) Lock() {
	if m.wiki.IsLocked() {
		return
	}
	ts := m.now()
	m.record("locked_at", nil, ts)
	m.wiki.LockedAt = &ts
}

// Unlock reverses Lock.
func (m *Mutator) Unlock() {
	if !m.wiki.IsLocked() {
		return
	}
	m.record("locked_at", *m.wiki.LockedAt, nil)
	m.fields["locked_at"] = nil
	m.wiki.LockedAt = nil
}

// Delete soft-deletes the wiki, starting the removal grace period.  The
// closed flag clears; deleted supersedes it.
func (m *Mutator) Delete() {
	if m.wiki.IsDeleted() {
		return
	}
	ts := m.now()
	m.record("deleted_at", nil, ts)
	m.wiki.DeletedAt = &ts
	if m.wiki.IsClosed() {
		m.record("closed_at", *m.wiki.ClosedAt, nil)
		m.fields["closed_at"] = nil
		m.wiki.ClosedAt = nil
	}
	m.indexDirty = true
	m.deletedDirty = true
}

// Undelete cancels a pending removal.
func (m *Mutator) Undelete() {
	if !m.wiki.IsDeleted() {
		return
	}
	m.record("deleted_at", *m.wiki.DeletedAt, nil)
	m.fields["deleted_at"] = nil
	m.wiki.DeletedAt = nil
	m.indexDirty = true
	m.deletedDirty = true
}

// SetExperimental toggles the experimental-features flag.
func (m *Mutator) SetExperimental(on bool) {
	if on == m.wiki.IsExperimental() {
		return
	}
	if on {
		ts := m.now()
		m.record("experimental_at", nil, ts)
		m.wiki.ExperimentalAt = &ts
	} else {
		m.record("experimental_at", *m.wiki.ExperimentalAt, nil)
		m.fields["experimental_at"] = nil
		m.wiki.ExperimentalAt = nil
	}
}

func (m *Mutator) queueState(kind hook.StateKind, at time.Time) {
	m.events = append(m.events, hook.StateChanged{
		DBName: m.wiki.DBName,
		Kind:   kind,
		At:     at,
	})
}

//
// Commit
//

// Commit applies the accumulated change-set.  With an empty set it does
// nothing at all.  Event-listener and cache failures are logged, not
// rolled back; the UPDATE is the transaction boundary.
func (m *Mutator) Commit(ctx context.Context, actor string) error {
	if len(m.changes) == 0 {
		return nil
	}

	dbname := m.wiki.DBName
	if err := m.f.Store.UpdateFields(ctx, dbname, m.fields); err != nil {
		return err
	}

	// Eager bump: readers regenerate lazily from here on.
	if _, err := m.f.Counters.Bump(ctx, counter.WikiKey(dbname)); err != nil {
		zap.S().Errorw("counter bump failed", "dbname", dbname, "err", err)
	}
	if m.indexDirty {
		if _, err := m.f.Counters.Bump(ctx, counter.IndexKey()); err != nil {
			zap.S().Errorw("index counter bump failed", "err", err)
		}
	}
	if m.deletedDirty {
		if _, err := m.f.Counters.Bump(ctx, counter.DeletedKey()); err != nil {
			zap.S().Errorw("deleted counter bump failed", "err", err)
		}
	}

	for _, ev := range m.events {
		if err := m.f.Hooks.FireStateChanged(ev); err != nil {
			zap.S().Errorw("state-changed listener failed",
				"dbname", dbname, "kind", ev.Kind, "err", err)
		}
	}

	if m.f.Cache != nil {
		if !m.wiki.IsDeleted() {
			if _, err := m.f.Cache.RegenerateWiki(ctx, dbname); err != nil {
				zap.S().Errorw("wiki cache regen failed", "dbname", dbname, "err", err)
			}
		}
		if m.indexDirty {
			if _, err := m.f.Cache.RegenerateIndex(ctx); err != nil {
				zap.S().Errorw("index cache regen failed", "err", err)
			}
		}
		if m.deletedDirty {
			if _, err := m.f.Cache.RegenerateDeletedIndex(ctx); err != nil {
				zap.S().Errorw("deleted cache regen failed", "err", err)
			}
		}
	}

	action := m.action
	if action == "" {
		action = "settings"
	}
	if err := m.f.Store.AppendLog(ctx, dbname, action, actor, m.changeSummary()); err != nil {
		zap.S().Errorw("audit append failed", "dbname", dbname, "err", err)
	}

	// Reset so an accidental double Commit is a no-op.
	m.changes = make(map[string]Change)
	m.fields = make(map[string]any)
	m.events = nil
	m.indexDirty = false
	m.deletedDirty = false
	return nil
}

// changeSummary renders the changed-field list for the audit entry.
func (m *Mutator) changeSummary() string {
	cols := make([]string, 0, len(m.changes))
	for c := range m.changes {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return strings.Join(cols, ", ")
}

//
// Helpers
//

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func deref(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
