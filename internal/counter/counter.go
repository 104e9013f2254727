// internal/counter/counter.go
//
// Invalidation counter store.
//
// Context
// -------
// Snapshot validity is governed by a monotonically increasing counter per
// cached artifact: one key per wiki plus one for the farm index and one
// for the deleted index.  Mutations Bump the relevant counter at commit;
// readers compare a snapshot's recorded mtime against Current and
// regenerate when the counter is newer.  The store itself is tiny on
// purpose: two operations, shared by every operator process.
//
// Implementations
// ---------------
//   - Redis  – production, shared across processes.
//   - Memory – tests and single-process deployments.
package counter

import "context"

// Store hands out monotonically increasing versions per key.  Current for
// a key that was never bumped is 0.
type Store interface {
	// Current returns the latest version for key.
	Current(ctx context.Context, key string) (int64, error)
	// Bump increments key and returns the new version.
	Bump(ctx context.Context, key string) (int64, error)
}

// Key builders.  Every component uses these, never raw strings, so the
// keyspace stays greppable.

const (
	indexKey   = "farm/databases"
	deletedKey = "farm/deleted"
)

// WikiKey returns the counter key for one wiki's snapshot.
func WikiKey(dbname string) string { return "farm/wiki/" + dbname }

// IndexKey returns the counter key for the farm-wide index.
func IndexKey() string { return indexKey }

// DeletedKey returns the counter key for the soft-deleted index.
func DeletedKey() string { return deletedKey }
