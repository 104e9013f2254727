// internal/provision/provisioner.go
//
// Tenant provisioning: create, delete, rename.
//
// Context
// -------
// The provisioner owns the two-database dance behind every wiki: the
// physical CREATE DATABASE on the placed cluster, the schema load, and
// the registry row whose existence *is* the authoritative definition of
// "this wiki exists."  Deletes and renames only ever touch registry rows
// and cache files; the physical database is never dropped or moved.
//
// Workflow (create)
// -----------------
//  1. Validate the name (user-facing string on violation).
//  2. Reject an existing dbname outright.
//  3. Place on the least-loaded cluster, create the physical database,
//     and apply the schema files.
//  4. Insert the registry row, with `extra` filtered against the
//     collaborator whitelist.
//  5. Bump counters, materialize the snapshot and farm index, fire the
//     creation event.
//  6. Return the deferred-work outbox; the caller runs it after the
//     primary transaction is safely committed.
//
// Notes
// -----
//   - A crash between step 3 and step 4 leaves an orphan physical
//     database: recoverable, and invisible to the farm, because only the
//     registry row makes a wiki exist.
//   - Deferred jobs fail independently and are logged, never rolled back.
//   - Oxford commas, two spaces after periods.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/wikigrove/farm/internal/cachegen"
	"github.com/wikigrove/farm/internal/config"
	"github.com/wikigrove/farm/internal/counter"
	"github.com/wikigrove/farm/internal/database"
	"github.com/wikigrove/farm/internal/hook"
	"github.com/wikigrove/farm/internal/metrics"
	"github.com/wikigrove/farm/internal/notify"
	"github.com/wikigrove/farm/internal/registry"
)

// ErrExists reports a create or rename targeting a dbname that already
// has a registry row.  Caller error, not user input error.
var ErrExists = errors.New("wiki already exists")

// ErrNotStaged reports a hard delete on a wiki that was never soft-marked
// deleted.  The grace period starts at the soft mark; skipping it is a
// caller bug.
var ErrNotStaged = errors.New("wiki is not marked deleted")

// Provisioner creates, deletes, and renames wikis.
type Provisioner struct {
	cfg      *config.Config
	store    *registry.Store
	counters counter.Store
	cache    *cachegen.Builder
	hooks    *hook.Hooks
	notifier notify.Notifier

	// Seams for tests: cluster pool opening and tie-break randomness.
	openDB  func(dsn string) (*sqlx.DB, error)
	randInt func(n int) int
}

// New wires a Provisioner with production defaults.
func New(cfg *config.Config, store *registry.Store, counters counter.Store,
	cache *cachegen.Builder, hooks *hook.Hooks, notifier notify.Notifier) *Provisioner {
	return &Provisioner{
		cfg:      cfg,
		store:    store,
		counters: counters,
		cache:    cache,
		hooks:    hooks,
		notifier: notifier,
		openDB:   database.Open,
		randInt:  defaultRandInt,
	}
}

//
// Create
//

// CreateParams carries everything a new wiki needs.
type CreateParams struct {
	DBName    string
	Sitename  string
	Language  string
	Private   bool
	Category  string
	Requester string
	Actor     string
	Reason    string
	Extra     map[string]any
}

// DeferredJob is one unit of post-create work, executed by the caller
// after Create returns.
type DeferredJob struct {
	Name string
	Run  func(ctx context.Context) error
}

// Create provisions a new wiki.  A non-empty userMsg means the request
// was rejected for a reason the end user must fix; err covers caller and
// infrastructure failures.  On success both are zero and the deferred
// outbox is returned.
func (p *Provisioner) Create(ctx context.Context, params CreateParams) (userMsg string, jobs []DeferredJob, err error) {
	dbname := params.DBName

	if msg := CheckNameSyntax(dbname, p.cfg.Farm.Suffix); msg != "" {
		return msg, nil, nil
	}

	exists, err := p.store.Exists(ctx, dbname)
	if err != nil {
		return "", nil, err
	}
	if exists {
		return "", nil, fmt.Errorf("create %q: %w", dbname, ErrExists)
	}

	cluster, placed, err := p.ClusterFor(ctx, dbname)
	if err != nil {
		return "", nil, err
	}
	clusterDSN := p.cfg.Registry.DSN
	clusterName := ""
	if placed {
		clusterDSN = cluster.DSN
		clusterName = cluster.Name
	}

	if err := p.createPhysical(ctx, clusterDSN, dbname); err != nil {
		return "", nil, fmt.Errorf("create database %q: %w", dbname, err)
	}

	now := time.Now()
	w := &registry.Wiki{
		DBName:    dbname,
		Sitename:  params.Sitename,
		Language:  params.Language,
		Cluster:   clusterName,
		Category:  params.Category,
		Extra:     p.filterExtra(params.Extra),
		CreatedAt: now,
	}
	if params.Private {
		w.PrivateAt = &now
	}
	if err := p.store.Insert(ctx, w); err != nil {
		return "", nil, fmt.Errorf("insert registry row %q: %w", dbname, err)
	}

	p.bump(ctx, counter.WikiKey(dbname), counter.IndexKey())
	if p.cache != nil {
		if _, err := p.cache.RegenerateWiki(ctx, dbname); err != nil {
			zap.S().Errorw("wiki cache regen failed", "dbname", dbname, "err", err)
		}
		if _, err := p.cache.RegenerateIndex(ctx); err != nil {
			zap.S().Errorw("index cache regen failed", "err", err)
		}
	}

	ev := hook.WikiCreated{
		DBName:    dbname,
		Sitename:  params.Sitename,
		Language:  params.Language,
		Private:   params.Private,
		Category:  params.Category,
		Requester: params.Requester,
		Actor:     params.Actor,
		Reason:    params.Reason,
	}
	if err := p.hooks.FireWikiCreated(ev); err != nil {
		zap.S().Errorw("wiki-created listener failed", "dbname", dbname, "err", err)
	}
	metrics.WikisCreatedTotal.Inc()

	jobs = p.deferredJobs(ev)
	return "", jobs, nil
}

// deferredJobs builds the post-create outbox: audit, notification, and
// every collaborator-registered ready job (ACL setup, main page, founder
// account, and so on).
func (p *Provisioner) deferredJobs(ev hook.WikiCreated) []DeferredJob {
	jobs := []DeferredJob{
		{
			Name: "audit-log",
			Run: func(ctx context.Context) error {
				return p.store.AppendLog(ctx, ev.DBName, "createwiki", ev.Actor, ev.Reason)
			},
		},
		{
			Name: "notify",
			Run: func(ctx context.Context) error {
				return p.notifier.Send(ctx, notify.Message{
					Category:   notify.CategoryWikiCreated,
					Recipients: []string{ev.Requester},
					Subject:    fmt.Sprintf("Your wiki %s is ready", ev.Sitename),
					Body:       fmt.Sprintf("The wiki %q has been created at %s.", ev.Sitename, ev.DBName),
				})
			},
		},
	}
	for _, rj := range p.hooks.WikiReadyJobs() {
		rj := rj
		jobs = append(jobs, DeferredJob{
			Name: rj.Name,
			Run:  func(ctx context.Context) error { return rj.Fn(ev) },
		})
	}
	return jobs
}

// RunDeferred executes the outbox.  Each job fails independently; the
// wiki already exists whatever happens here.
func RunDeferred(ctx context.Context, dbname string, jobs []DeferredJob) {
	for _, j := range jobs {
		if err := j.Run(ctx); err != nil {
			metrics.DeferredJobFailuresTotal.Inc()
			zap.S().Errorw("deferred job failed", "dbname", dbname, "job", j.Name, "err", err)
		}
	}
}

// createPhysical creates the database on the placed cluster and applies
// the schema files in lexical order.  dbname has already passed the
// charset check, so it is safe to splice into DDL.
func (p *Provisioner) createPhysical(ctx context.Context, clusterDSN, dbname string) error {
	admin, err := p.openDB(clusterDSN)
	if err != nil {
		return err
	}
	defer admin.Close()

	if _, err := admin.ExecContext(ctx,
		"CREATE DATABASE `"+dbname+"`"); err != nil {
		return err
	}

	schemaDir := filepath.Join(p.cfg.Paths.Root, "schema")
	entries, err := os.ReadDir(schemaDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // no schema files shipped, empty database is fine
		}
		return err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		ddl, err := os.ReadFile(filepath.Join(schemaDir, name))
		if err != nil {
			return err
		}
		if _, err := admin.ExecContext(ctx, "USE `"+dbname+"`"); err != nil {
			return err
		}
		if _, err := admin.ExecContext(ctx, string(ddl)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

// filterExtra keeps only whitelisted keys in the persisted extra blob.
func (p *Provisioner) filterExtra(extra map[string]any) []byte {
	allowed := map[string]bool{}
	for _, k := range p.hooks.ExtraFieldKeys() {
		allowed[k] = true
	}
	kept := map[string]any{}
	for k, v := range extra {
		if allowed[k] {
			kept[k] = v
		}
	}
	blob, err := json.Marshal(kept)
	if err != nil {
		return []byte("{}")
	}
	return blob
}

//
// Delete
//

// Delete removes every registry row referencing dbname.  The wiki must
// already be soft-deleted; without force the configured grace period must
// also have elapsed (userMsg explains when it has not).  The physical
// database is never dropped.
func (p *Provisioner) Delete(ctx context.Context, dbname string, force bool, actor string) (userMsg string, err error) {
	w, err := p.store.ByDBName(ctx, dbname)
	if err != nil {
		return "", err
	}
	if w.DeletedAt == nil {
		return "", fmt.Errorf("delete %q: %w", dbname, ErrNotStaged)
	}

	if !force {
		grace := time.Duration(p.cfg.Farm.DeletionGraceDays) * 24 * time.Hour
		if elapsed := time.Since(*w.DeletedAt); elapsed < grace {
			return fmt.Sprintf(
				"Wiki %q was marked deleted %d day(s) ago; the grace period is %d days.",
				dbname, int(elapsed.Hours()/24), p.cfg.Farm.DeletionGraceDays), nil
		}
	}

	if err := p.store.PurgeRows(ctx, dbname, p.hooks.ExtraTables()); err != nil {
		return "", fmt.Errorf("purge %q: %w", dbname, err)
	}

	p.bump(ctx, counter.WikiKey(dbname), counter.DeletedKey())
	if p.cache != nil {
		if err := p.cache.RemoveWiki(dbname); err != nil {
			zap.S().Errorw("snapshot remove failed", "dbname", dbname, "err", err)
		}
		if _, err := p.cache.RegenerateDeletedIndex(ctx); err != nil {
			zap.S().Errorw("deleted cache regen failed", "err", err)
		}
	}

	if err := p.hooks.FireWikiDeleted(hook.WikiDeleted{DBName: dbname}); err != nil {
		zap.S().Errorw("wiki-deleted listener failed", "dbname", dbname, "err", err)
	}
	if err := p.store.AppendLog(ctx, dbname, "deletewiki", actor, "registry rows removed"); err != nil {
		zap.S().Errorw("audit append failed", "dbname", dbname, "err", err)
	}
	metrics.WikisDeletedTotal.Inc()
	return "", nil
}

//
// Rename
//

// Rename moves every referencing row from oldName to newName and swaps
// the cache entries.  The physical database keeps its old name; only the
// registry's view changes.
func (p *Provisioner) Rename(ctx context.Context, oldName, newName, actor string) (userMsg string, err error) {
	if msg := CheckNameSyntax(newName, p.cfg.Farm.Suffix); msg != "" {
		return msg, nil
	}

	exists, err := p.store.Exists(ctx, newName)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("rename to %q: %w", newName, ErrExists)
	}
	if _, err := p.store.ByDBName(ctx, oldName); err != nil {
		return "", err
	}

	if err := p.store.RenameRows(ctx, oldName, newName, p.hooks.ExtraTables()); err != nil {
		return "", fmt.Errorf("rename rows %q -> %q: %w", oldName, newName, err)
	}

	p.bump(ctx, counter.WikiKey(oldName), counter.WikiKey(newName), counter.IndexKey())
	if p.cache != nil {
		if err := p.cache.RemoveWiki(oldName); err != nil {
			zap.S().Errorw("snapshot remove failed", "dbname", oldName, "err", err)
		}
		if _, err := p.cache.RegenerateWiki(ctx, newName); err != nil {
			zap.S().Errorw("wiki cache regen failed", "dbname", newName, "err", err)
		}
		if _, err := p.cache.RegenerateIndex(ctx); err != nil {
			zap.S().Errorw("index cache regen failed", "err", err)
		}
	}

	if err := p.hooks.FireWikiRenamed(hook.WikiRenamed{OldDBName: oldName, NewDBName: newName}); err != nil {
		zap.S().Errorw("wiki-renamed listener failed", "err", err)
	}
	if err := p.store.AppendLog(ctx, newName, "renamewiki", actor,
		fmt.Sprintf("renamed from %q", oldName)); err != nil {
		zap.S().Errorw("audit append failed", "dbname", newName, "err", err)
	}
	metrics.WikisRenamedTotal.Inc()
	return "", nil
}

//
// Helpers
//

func (p *Provisioner) bump(ctx context.Context, keys ...string) {
	for _, k := range keys {
		if _, err := p.counters.Bump(ctx, k); err != nil {
			zap.S().Errorw("counter bump failed", "key", k, "err", err)
		}
	}
}
