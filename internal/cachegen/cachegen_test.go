// internal/cachegen/cachegen_test.go
//
// Snapshot-protocol tests: counter-driven regeneration, mtime validity,
// and flag denormalization.  The registry is mocked; the cache directory
// is a real temp dir so the atomic-rename write path is exercised.
//
// Run: go test ./internal/cachegen -v

package cachegen

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikigrove/farm/internal/counter"
	"github.com/wikigrove/farm/internal/hook"
	"github.com/wikigrove/farm/internal/registry"
)

func newBuilder(t *testing.T) (*Builder, sqlmock.Sqlmock, *counter.MemStore, *hook.Hooks) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	counters := counter.NewMemStore()
	hooks := hook.New()
	b, err := New(registry.New(sqlx.NewDb(db, "mysql")), counters, hooks, t.TempDir())
	require.NoError(t, err)
	return b, mock, counters, hooks
}

func expectWikiSelect(mock sqlmock.Sqlmock, dbname string, private bool) {
	now := time.Now()
	var privateAt any
	if private {
		privateAt = now
	}
	rows := sqlmock.NewRows([]string{
		"dbname", "sitename", "language", "dbcluster", "category", "url", "extra",
		"created_at", "private_at", "closed_at", "inactive_at", "inactive_exempt",
		"inactive_exempt_reason", "deleted_at", "locked_at", "experimental_at",
	}).AddRow(
		dbname, "Example", "en", "c1", "uncategorised", nil, []byte(`{"setting":1}`),
		now, privateAt, nil, nil, false, nil, nil, nil, nil,
	)
	mock.ExpectQuery("SELECT (.+) FROM wiki WHERE dbname").
		WithArgs(dbname).
		WillReturnRows(rows)
}

func TestWikiViewRegeneratesWhenCounterNewer(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	b, mock, counters, _ := newBuilder(t)

	// First read: no file on disk, counter at 1 → regenerate.
	_, err := counters.Bump(ctx, counter.WikiKey("examplewiki"))
	require.NoError(t, err)
	expectWikiSelect(mock, "examplewiki", false)

	view, err := b.WikiView(ctx, "examplewiki")
	require.NoError(t, err)
	assert.Equal("examplewiki", view.DBName)
	assert.False(view.States.Private)
	assert.GreaterOrEqual(view.Mtime, int64(1))

	// Second read: counter unchanged → served from disk, no registry hit.
	again, err := b.WikiView(ctx, "examplewiki")
	require.NoError(t, err)
	assert.Equal(view.Mtime, again.Mtime)
	assert.NoError(mock.ExpectationsWereMet())

	// Mutation bumps the counter → next read regenerates.
	_, err = counters.Bump(ctx, counter.WikiKey("examplewiki"))
	require.NoError(t, err)
	expectWikiSelect(mock, "examplewiki", true)

	fresh, err := b.WikiView(ctx, "examplewiki")
	require.NoError(t, err)
	assert.True(fresh.States.Private)
	assert.GreaterOrEqual(fresh.Mtime, int64(2))
	assert.NoError(mock.ExpectationsWereMet())
}

func TestWikiViewURLFalseWhenUnset(t *testing.T) {
	ctx := context.Background()
	b, mock, _, _ := newBuilder(t)

	expectWikiSelect(mock, "examplewiki", false)
	view, err := b.RegenerateWiki(ctx, "examplewiki")
	require.NoError(t, err)

	// JSON false round-trips as bool through the any-typed field.
	assert.Equal(t, false, view.URL)
	assert.Equal(t, "Example", view.Core.Sitename)
	assert.Equal(t, "en", view.Core.LanguageCode)
	assert.EqualValues(t, 1, view.Extra["setting"])
}

func TestFarmIndexListsActiveWikis(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	b, mock, _, _ := newBuilder(t)

	now := time.Now()
	url := "https://example.org"
	rows := sqlmock.NewRows([]string{
		"dbname", "sitename", "language", "dbcluster", "category", "url", "extra",
		"created_at", "private_at", "closed_at", "inactive_at", "inactive_exempt",
		"inactive_exempt_reason", "deleted_at", "locked_at", "experimental_at",
	}).
		AddRow("alphawiki", "Alpha", "en", "c1", "uncategorised", url, []byte(`{}`),
			now, nil, nil, nil, false, nil, nil, nil, nil).
		AddRow("betawiki", "Beta", "fr", "c2", "uncategorised", nil, []byte(`{}`),
			now, nil, nil, nil, false, nil, nil, nil, nil)
	mock.ExpectQuery("SELECT (.+) FROM wiki").
		WillReturnRows(rows)

	idx, err := b.RegenerateIndex(ctx)
	require.NoError(t, err)
	assert.Len(idx.Databases, 2)
	assert.Equal("Alpha", idx.Databases["alphawiki"].Sitename)
	assert.Equal("https://example.org", idx.Databases["alphawiki"].URL)
	assert.Equal("c2", idx.Databases["betawiki"].Cluster)
	assert.Empty(idx.Databases["betawiki"].URL)
}

func TestCacheBuilderHookInjectsFields(t *testing.T) {
	ctx := context.Background()
	b, mock, _, hooks := newBuilder(t)

	hooks.AddCacheBuilder(func(dbname string, fields map[string]any) {
		fields["announce"] = "https://meta.example.org/" + dbname
	})

	expectWikiSelect(mock, "examplewiki", false)
	_, err := b.RegenerateWiki(ctx, "examplewiki")
	require.NoError(t, err)

	// Re-read the raw file: injected fields survive the atomic write.
	raw, err := readJSON[map[string]any](b.dir + "/examplewiki.json")
	require.NoError(t, err)
	assert.Equal(t, "https://meta.example.org/examplewiki", (*raw)["announce"])
}
