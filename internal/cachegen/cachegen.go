// internal/cachegen/cachegen.go
//
// Materialized registry snapshots.
//
// Context
// -------
// Serving a wiki page must not cost a registry round trip, so registry
// state is denormalized into flat JSON files: one snapshot per wiki, one
// farm-wide index, and one soft-deleted index.  Validity is governed by
// the counter store: every mutation bumps the relevant counter at commit,
// and a reader regenerates when the on-disk `mtime` is older than the
// counter (eager bump, lazy regenerate; mutations are rare relative to
// reads).
//
// Workflow
// --------
//  1. Readers call WikiView/Index, which compare mtime to the counter.
//  2. Stale or missing snapshots regenerate synchronously from the
//     registry, deduplicated through singleflight so concurrent readers
//     trigger one rebuild.
//  3. Writers marshal to a temp file in the cache directory and publish
//     via os.Rename, so no reader ever observes a half-written file.
//
// Notes
// -----
//   - Regeneration is idempotent from registry truth; concurrent rebuilds
//     are safe.
//   - Collaborators may inject snapshot fields (CacheBuilder) and extra
//     named lists (ListContributor).
//   - Oxford commas, two spaces after periods.
package cachegen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	"github.com/wikigrove/farm/internal/counter"
	"github.com/wikigrove/farm/internal/hook"
	"github.com/wikigrove/farm/internal/metrics"
	"github.com/wikigrove/farm/internal/registry"
)

const (
	indexFile   = "databases.json"
	deletedFile = "deleted.json"
)

// Builder materializes registry state into the cache directory.
type Builder struct {
	store    *registry.Store
	counters counter.Store
	hooks    *hook.Hooks
	dir      string
	sfg      singleflight.Group
}

// New returns a Builder rooted at dir, creating it if needed.
func New(store *registry.Store, counters counter.Store, hooks *hook.Hooks, dir string) (*Builder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Builder{store: store, counters: counters, hooks: hooks, dir: dir}, nil
}

//
// Snapshot shapes
//

// WikiView is one wiki's snapshot as read back from disk.  Collaborator-
// injected fields are ignored on read; they exist for external consumers.
type WikiView struct {
	Mtime    int64          `json:"mtime"`
	DBName   string         `json:"dbname"`
	Creation int64          `json:"creation"`
	Cluster  string         `json:"cluster"`
	Category string         `json:"category"`
	URL      any            `json:"url"` // custom url string, or false
	Core     WikiCore       `json:"core"`
	States   WikiStates     `json:"states"`
	Extra    map[string]any `json:"extra"`
}

type WikiCore struct {
	Sitename     string `json:"sitename"`
	LanguageCode string `json:"languageCode"`
}

type WikiStates struct {
	Private        bool `json:"private"`
	Closed         bool `json:"closed"`
	Inactive       bool `json:"inactive"`
	InactiveExempt bool `json:"inactiveExempt"`
	Deleted        bool `json:"deleted"`
	Locked         bool `json:"locked"`
	Experimental   bool `json:"experimental"`
}

// Index is the farm-wide snapshot.
type Index struct {
	Mtime     int64                 `json:"mtime"`
	Databases map[string]IndexEntry `json:"databases"`
}

type IndexEntry struct {
	Sitename string `json:"sitename"`
	Cluster  string `json:"cluster"`
	URL      string `json:"url,omitempty"`
}

//
// Readers
//

// WikiView returns the snapshot for dbname, regenerating it first when the
// invalidation counter is newer than the on-disk mtime (or the file is
// missing).  Concurrent readers share one rebuild via singleflight.
func (b *Builder) WikiView(ctx context.Context, dbname string) (*WikiView, error) {
	cur, err := b.counters.Current(ctx, counter.WikiKey(dbname))
	if err != nil {
		return nil, err
	}

	path := filepath.Join(b.dir, dbname+".json")
	if view, err := readJSON[WikiView](path); err == nil && view.Mtime >= cur {
		return view, nil
	}

	v, err, _ := b.sfg.Do("wiki/"+dbname, func() (any, error) {
		return b.RegenerateWiki(ctx, dbname)
	})
	if err != nil {
		return nil, err
	}
	return v.(*WikiView), nil
}

// FarmIndex returns the farm-wide index under the same validity protocol.
func (b *Builder) FarmIndex(ctx context.Context) (*Index, error) {
	cur, err := b.counters.Current(ctx, counter.IndexKey())
	if err != nil {
		return nil, err
	}

	path := filepath.Join(b.dir, indexFile)
	if idx, err := readJSON[Index](path); err == nil && idx.Mtime >= cur {
		return idx, nil
	}

	v, err, _ := b.sfg.Do("index", func() (any, error) {
		return b.RegenerateIndex(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Index), nil
}

//
// Regeneration
//

// RegenerateWiki rebuilds one wiki's snapshot from the registry and
// publishes it atomically.  The new mtime is the current counter value,
// so the snapshot is valid until the next mutation.
func (b *Builder) RegenerateWiki(ctx context.Context, dbname string) (*WikiView, error) {
	w, err := b.store.ByDBName(ctx, dbname)
	if err != nil {
		return nil, err
	}

	cur, err := b.counters.Current(ctx, counter.WikiKey(dbname))
	if err != nil {
		return nil, err
	}

	var url any = false
	if w.URL != nil {
		url = *w.URL
	}
	extra := map[string]any{}
	if len(w.Extra) > 0 {
		if err := json.Unmarshal(w.Extra, &extra); err != nil {
			return nil, fmt.Errorf("extra json for %q: %w", dbname, err)
		}
	}

	fields := map[string]any{
		"mtime":    cur,
		"dbname":   w.DBName,
		"creation": w.CreatedAt.Unix(),
		"cluster":  w.Cluster,
		"category": w.Category,
		"url":      url,
		"core": WikiCore{
			Sitename:     w.Sitename,
			LanguageCode: w.Language,
		},
		"states": WikiStates{
			Private:        w.IsPrivate(),
			Closed:         w.IsClosed(),
			Inactive:       w.IsInactive(),
			InactiveExempt: w.InactiveExempt,
			Deleted:        w.IsDeleted(),
			Locked:         w.IsLocked(),
			Experimental:   w.IsExperimental(),
		},
		"extra": extra,
	}
	b.hooks.RunCacheBuilders(dbname, fields)

	if err := b.writeAtomic(dbname+".json", fields); err != nil {
		return nil, err
	}
	metrics.CacheRebuildsTotal.WithLabelValues("wiki").Inc()

	path := filepath.Join(b.dir, dbname+".json")
	return readJSON[WikiView](path)
}

// RegenerateIndex rebuilds the farm index from every non-deleted wiki,
// plus any collaborator-contributed lists.
func (b *Builder) RegenerateIndex(ctx context.Context) (*Index, error) {
	wikis, err := b.store.AllActive(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := b.counters.Current(ctx, counter.IndexKey())
	if err != nil {
		return nil, err
	}

	idx := &Index{Mtime: cur, Databases: make(map[string]IndexEntry, len(wikis))}
	for i := range wikis {
		w := &wikis[i]
		e := IndexEntry{Sitename: w.Sitename, Cluster: w.Cluster}
		if w.URL != nil {
			e.URL = *w.URL
		}
		idx.Databases[w.DBName] = e
	}

	if err := b.writeAtomic(indexFile, idx); err != nil {
		return nil, err
	}
	metrics.CacheRebuildsTotal.WithLabelValues("index").Inc()

	for name, dbs := range b.hooks.ContributedLists() {
		list := map[string]any{"mtime": cur, "databases": dbs}
		if err := b.writeAtomic(name+".json", list); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// RegenerateDeletedIndex rebuilds the parallel soft-deleted index used by
// operator tooling.
func (b *Builder) RegenerateDeletedIndex(ctx context.Context) (*Index, error) {
	wikis, err := b.store.AllDeleted(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := b.counters.Current(ctx, counter.DeletedKey())
	if err != nil {
		return nil, err
	}

	idx := &Index{Mtime: cur, Databases: make(map[string]IndexEntry, len(wikis))}
	for i := range wikis {
		w := &wikis[i]
		idx.Databases[w.DBName] = IndexEntry{Sitename: w.Sitename, Cluster: w.Cluster}
	}

	if err := b.writeAtomic(deletedFile, idx); err != nil {
		return nil, err
	}
	metrics.CacheRebuildsTotal.WithLabelValues("deleted").Inc()
	return idx, nil
}

// RegenerateMissing rebuilds snapshots for active wikis that have no file
// on disk, then the two indexes.  Operator entry point for a fresh or
// partially wiped cache directory.
func (b *Builder) RegenerateMissing(ctx context.Context) (int, error) {
	wikis, err := b.store.AllActive(ctx)
	if err != nil {
		return 0, err
	}
	rebuilt := 0
	for i := range wikis {
		path := filepath.Join(b.dir, wikis[i].DBName+".json")
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if _, err := b.RegenerateWiki(ctx, wikis[i].DBName); err != nil {
			return rebuilt, err
		}
		rebuilt++
	}
	if _, err := b.RegenerateIndex(ctx); err != nil {
		return rebuilt, err
	}
	if _, err := b.RegenerateDeletedIndex(ctx); err != nil {
		return rebuilt, err
	}
	return rebuilt, nil
}

// RemoveWiki deletes a wiki's snapshot file, used after renames so the old
// name stops resolving.  Missing files are fine.
func (b *Builder) RemoveWiki(dbname string) error {
	err := os.Remove(filepath.Join(b.dir, dbname+".json"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

//
// Helpers
//

// writeAtomic marshals v and publishes it under name via temp file +
// rename, so readers never observe a partial write.
func (b *Builder) writeAtomic(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(b.dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(b.dir, name))
}

func readJSON[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
