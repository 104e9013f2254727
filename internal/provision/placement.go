// internal/provision/placement.go
//
// Cluster placement.
//
// Context
// -------
// New wikis are spread across the configured database clusters by current
// load: count non-deleted wikis per cluster, pick the minimum, break ties
// randomly.  A wiki that already has a registry row always resolves to its
// recorded cluster.  With no clusters configured every wiki lands on the
// registry's own connection (single-server farms).
package provision

import (
	"context"
	"math/rand"

	"github.com/wikigrove/farm/internal/config"
)

// ClusterFor resolves the placement for dbname.  Existing wikis keep their
// recorded cluster; new ones go to the least-loaded shard.  ok is false
// when no clusters are configured, in which case callers fall back to the
// default connection.
func (p *Provisioner) ClusterFor(ctx context.Context, dbname string) (config.Cluster, bool, error) {
	if len(p.cfg.Clusters) == 0 {
		return config.Cluster{}, false, nil
	}

	if w, err := p.store.ByDBName(ctx, dbname); err == nil {
		for _, c := range p.cfg.Clusters {
			if c.Name == w.Cluster {
				return c, true, nil
			}
		}
		// Recorded cluster no longer configured; fall through to placement
		// so operators can migrate by editing config.
	}

	counts, err := p.store.ClusterCounts(ctx)
	if err != nil {
		return config.Cluster{}, false, err
	}

	best := make([]config.Cluster, 0, len(p.cfg.Clusters))
	min := -1
	for _, c := range p.cfg.Clusters {
		n := counts[c.Name]
		switch {
		case min == -1 || n < min:
			min = n
			best = best[:0]
			best = append(best, c)
		case n == min:
			best = append(best, c)
		}
	}
	return best[p.randInt(len(best))], true, nil
}

// defaultRandInt is rand.Intn; tests swap it for a deterministic pick.
func defaultRandInt(n int) int {
	if n <= 1 {
		return 0
	}
	return rand.Intn(n)
}
