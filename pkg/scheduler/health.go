package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/findings-scheduler/pkg/dispatch"
	"github.com/nimburion/findings-scheduler/pkg/health"
	"github.com/nimburion/findings-scheduler/pkg/lockstore"
)

const (
	defaultLockStoreHealthCheckName = "lock-store"
	defaultTargetHealthCheckName    = "dispatch-target"
	defaultStaleLockCheckName       = "stale-locks"
)

// NewLockStoreHealthChecker creates a health checker for the lock store.
func NewLockStoreHealthChecker(name string, store lockstore.Store, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultLockStoreHealthCheckName
	}
	return health.NewAdapterChecker(checkName, store, timeout)
}

// NewTargetHealthChecker creates a health checker for the dispatch target.
func NewTargetHealthChecker(name string, target dispatch.Target, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultTargetHealthCheckName + ":" + target.Name()
	}
	return health.NewAdapterChecker(checkName, target, timeout)
}

// NewStaleLockChecker reports degraded while held locks older than the
// reconciler's threshold exist. Those rows are released by the next cycle,
// so a persistent degraded status points at processors dying mid-task.
func NewStaleLockChecker(lister lockstore.Lister, reconciler *Reconciler) health.Checker {
	return health.NewCustomChecker(defaultStaleLockCheckName, func(ctx context.Context) (health.Status, string, error) {
		rows, err := lister.ListRecords(ctx)
		if err != nil {
			return health.StatusUnhealthy, "", err
		}
		now := reconciler.clock.Now()
		stale := 0
		for _, row := range rows {
			if row.Locked && reconciler.isStale(row, now) {
				stale++
			}
		}
		if stale > 0 {
			return health.StatusDegraded, fmt.Sprintf("%d of %d locks are stale", stale, len(rows)), nil
		}
		return health.StatusHealthy, fmt.Sprintf("%d locks, none stale", len(rows)), nil
	})
}
