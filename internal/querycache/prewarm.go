package querycache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// WarmTask seeds one high-value key during pre-warming. Compute runs
// only when the key is absent from both tiers.
type WarmTask struct {
	Key     string
	TTL     time.Duration
	Tags    []string
	Compute func(context.Context) (string, error)
}

// PreWarm seeds the given tasks at two priority tiers: the high tier
// completes before the low tier starts, and tasks within each tier run
// concurrently on a bounded worker pool. Individual task failures are
// logged and skipped. Returns how many keys were seeded.
func (qc *TieredQueryCache) PreWarm(ctx context.Context, high, low []WarmTask) (int, error) {
	pool, err := ants.NewPool(qc.opts.PreWarmWorkers)
	if err != nil {
		return 0, err
	}
	defer pool.Release()

	seeded := 0
	for _, tier := range []struct {
		tasks    []WarmTask
		priority Priority
	}{
		{high, PriorityHigh},
		{low, PriorityLow},
	} {
		seeded += qc.warmTier(ctx, pool, tier.tasks, tier.priority)
	}

	qc.logger.Info("query_cache_prewarm",
		slog.Int("seeded", seeded),
		slog.Int("tasks", len(high)+len(low)))
	return seeded, nil
}

func (qc *TieredQueryCache) warmTier(ctx context.Context, pool *ants.Pool, tasks []WarmTask, priority Priority) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	seeded := 0

	for _, task := range tasks {
		task := task
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if qc.warmOne(ctx, task, priority) {
				mu.Lock()
				seeded++
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			qc.logger.Warn("query_cache_prewarm_submit_failed",
				slog.String("key", task.Key), slog.String("error", err.Error()))
		}
	}
	wg.Wait()
	return seeded
}

func (qc *TieredQueryCache) warmOne(ctx context.Context, task WarmTask, priority Priority) bool {
	if qc.mem.Has(task.Key) {
		return false
	}
	if row := qc.persistentGet(ctx, task.Key); row != nil {
		return false
	}

	value, err := task.Compute(ctx)
	if err != nil {
		qc.logger.Warn("query_cache_prewarm_task_failed",
			slog.String("key", task.Key), slog.String("error", err.Error()))
		return false
	}
	qc.Set(ctx, task.Key, value, SetOptions{TTL: task.TTL, Tags: task.Tags, Priority: priority})
	return true
}
