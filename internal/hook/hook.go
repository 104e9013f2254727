// internal/hook/hook.go
//
// Typed collaborator event points.
//
// Context
// -------
// Collaborating subsystems (file ACLs, notification delivery, heuristic
// review, and so on) observe the tenant lifecycle through a fixed set of
// named events, each with a strongly typed payload.  Listeners are held in
// ordered lists and invoked synchronously in registration order; a
// listener error is returned to the caller, which decides whether the
// event point is fatal (provisioning) or log-only (deferred work).
//
// Registration happens at boot, before any dispatch, so no locking is
// needed on the listener slices afterwards.
//
// Notes
// -----
//   - Extension queries (extra tables, extra cache fields, persisted extra
//     keys) are modelled as accumulating callbacks rather than events.
//   - Oxford commas, two spaces after periods.
package hook

import "time"

//
// Event payloads
//

// WikiCreated fires after a new wiki's registry row is committed.
type WikiCreated struct {
	DBName    string
	Sitename  string
	Language  string
	Private   bool
	Category  string
	Requester string
	Actor     string
	Reason    string
}

// WikiDeleted fires after a wiki's rows have been removed from the
// registry.  The physical database still exists.
type WikiDeleted struct {
	DBName string
}

// WikiRenamed fires after all referencing rows have moved to the new name.
type WikiRenamed struct {
	OldDBName string
	NewDBName string
}

// StateChanged fires on visibility and open/close transitions committed by
// the state mutator.  Kind is one of the StateKind constants.
type StateChanged struct {
	DBName string
	Kind   StateKind
	At     time.Time
}

// StateKind enumerates the state transitions collaborators may observe.
type StateKind string

const (
	StateOpened  StateKind = "opened"
	StateClosed  StateKind = "closed"
	StatePrivate StateKind = "private"
	StatePublic  StateKind = "public"
)

//
// Listener lists
//

type Hooks struct {
	wikiCreated  []func(WikiCreated) error
	wikiDeleted  []func(WikiDeleted) error
	wikiRenamed  []func(WikiRenamed) error
	stateChanged []func(StateChanged) error

	extraTables      []string
	extraFieldKeys   []string
	cacheBuilders    []CacheBuilder
	listContributors []ListContributor
	readyJobs        []ReadyJob
}

// ReadyJob is deferred post-create work contributed by a collaborator
// (ACL setup, main-page population, founder account).  The provisioner
// returns these in its outbox; they run after the registry commit.
type ReadyJob struct {
	Name string
	Fn   func(WikiCreated) error
}

// CacheBuilder lets a collaborator inject additional fields into a wiki's
// materialized snapshot before it is written.
type CacheBuilder func(dbname string, fields map[string]any)

// ListContributor returns extra named database lists to materialize next
// to the farm index, e.g. "private" → {dbname: …}.
type ListContributor func() (name string, databases map[string]any)

// New returns an empty hook set.  Boot code registers listeners, then the
// set is injected read-only into components.
func New() *Hooks { return &Hooks{} }

//
// Registration (boot only)
//

func (h *Hooks) OnWikiCreated(fn func(WikiCreated) error)   { h.wikiCreated = append(h.wikiCreated, fn) }
func (h *Hooks) OnWikiDeleted(fn func(WikiDeleted) error)   { h.wikiDeleted = append(h.wikiDeleted, fn) }
func (h *Hooks) OnWikiRenamed(fn func(WikiRenamed) error)   { h.wikiRenamed = append(h.wikiRenamed, fn) }
func (h *Hooks) OnStateChanged(fn func(StateChanged) error) { h.stateChanged = append(h.stateChanged, fn) }

// AddExtraTables declares tables keyed by dbname that deletes and renames
// must also touch.
func (h *Hooks) AddExtraTables(tables ...string) {
	h.extraTables = append(h.extraTables, tables...)
}

// AddExtraFieldKeys extends the whitelist of `extra` keys persisted at
// creation time.
func (h *Hooks) AddExtraFieldKeys(keys ...string) {
	h.extraFieldKeys = append(h.extraFieldKeys, keys...)
}

func (h *Hooks) AddCacheBuilder(fn CacheBuilder)       { h.cacheBuilders = append(h.cacheBuilders, fn) }
func (h *Hooks) AddListContributor(fn ListContributor) { h.listContributors = append(h.listContributors, fn) }

// OnWikiReady registers one named deferred post-create job.
func (h *Hooks) OnWikiReady(name string, fn func(WikiCreated) error) {
	h.readyJobs = append(h.readyJobs, ReadyJob{Name: name, Fn: fn})
}

//
// Dispatch
//

func (h *Hooks) FireWikiCreated(ev WikiCreated) error {
	for _, fn := range h.wikiCreated {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) FireWikiDeleted(ev WikiDeleted) error {
	for _, fn := range h.wikiDeleted {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) FireWikiRenamed(ev WikiRenamed) error {
	for _, fn := range h.wikiRenamed {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) FireStateChanged(ev StateChanged) error {
	for _, fn := range h.stateChanged {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

//
// Extension queries
//

// ExtraTables returns the collaborator-declared table list.  Callers must
// not mutate the result.
func (h *Hooks) ExtraTables() []string { return h.extraTables }

// ExtraFieldKeys returns the persisted-extra whitelist contributed by
// collaborators.
func (h *Hooks) ExtraFieldKeys() []string { return h.extraFieldKeys }

// WikiReadyJobs returns the collaborator deferred-work list in
// registration order.
func (h *Hooks) WikiReadyJobs() []ReadyJob { return h.readyJobs }

// RunCacheBuilders applies every registered builder to fields in order.
func (h *Hooks) RunCacheBuilders(dbname string, fields map[string]any) {
	for _, fn := range h.cacheBuilders {
		fn(dbname, fields)
	}
}

// ContributedLists collects extra named database lists.
func (h *Hooks) ContributedLists() map[string]map[string]any {
	out := make(map[string]map[string]any, len(h.listContributors))
	for _, fn := range h.listContributors {
		name, dbs := fn()
		out[name] = dbs
	}
	return out
}
