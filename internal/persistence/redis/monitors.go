package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/notiq/notiq/internal/persistence"
)

// Monitors implements persistence.MonitorController. One hash per record
// holds the short counter fields beside "p" and "t"; increments ride on
// HINCRBY, so concurrent updates to the same key serialize server-side and
// the final counters always equal the sum of the applied deltas. A global
// sorted set keeps record keys in ascending order for marker listing.
type Monitors struct {
	c        *redis.Client
	messages *Messages
}

func (m *Monitors) Create(ctx context.Context, name, mtype, project string) error {
	key := persistence.MonitorKey(project, mtype, name)

	created, err := m.c.HSetNX(ctx, monitorKey+key, "p", project).Result()
	if err != nil {
		return fmt.Errorf("create monitor %s: %w", key, err)
	}
	if !created {
		return fmt.Errorf("monitor %s: %w", key, persistence.ErrMonitorAlreadyExist)
	}

	pipe := m.c.TxPipeline()
	pipe.HSet(ctx, monitorKey+key, "t", mtype)
	for short := range persistence.CounterNames(mtype) {
		pipe.HSetNX(ctx, monitorKey+key, short, 0)
	}
	pipe.ZAdd(ctx, monitorIdx, redis.Z{Score: 0, Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("init monitor %s: %w", key, err)
	}
	return nil
}

func (m *Monitors) Get(ctx context.Context, name, mtype, project string) (persistence.MonitorStats, error) {
	key := persistence.MonitorKey(project, mtype, name)
	raw, err := m.read(ctx, key)
	if err != nil {
		return persistence.MonitorStats{}, err
	}

	counters := persistence.NormalizeCounters(mtype, raw)
	if mtype == persistence.MonitorQueues {
		active, err := m.messages.Count(ctx, name, project)
		if err != nil {
			return persistence.MonitorStats{}, err
		}
		claimed, err := m.messages.ClaimedCount(ctx, name, project)
		if err != nil {
			return persistence.MonitorStats{}, err
		}
		delayed, err := m.messages.DelayedCount(ctx, name, project)
		if err != nil {
			return persistence.MonitorStats{}, err
		}
		persistence.DerivedQueueCounts(counters, raw, active, claimed, delayed)
	}

	return persistence.MonitorStats{Key: key, Counters: counters}, nil
}

func (m *Monitors) List(ctx context.Context, opts persistence.MonitorListOptions) ([]persistence.MonitorStats, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	stats := make([]persistence.MonitorStats, 0, limit)
	cursor := opts.Marker
	for len(stats) < limit {
		page, err := pageIndex(ctx, m.c, monitorIdx, cursor, 100)
		if err != nil {
			return nil, "", fmt.Errorf("list monitors: %w", err)
		}
		if len(page) == 0 {
			break
		}
		cursor = page[len(page)-1]

		for _, key := range page {
			project, mtype, _ := persistence.ParseMonitorKey(key)
			if opts.Type != "" && mtype != opts.Type {
				continue
			}
			if !opts.AllProjects && project != opts.Project {
				continue
			}

			raw, err := m.read(ctx, key)
			if err != nil {
				if isDoesNotExist(err) {
					m.c.ZRem(ctx, monitorIdx, key)
					continue
				}
				return nil, "", err
			}
			stats = append(stats, persistence.MonitorStats{
				Key:      key,
				Counters: persistence.NormalizeCounters(mtype, raw),
			})
			if len(stats) == limit {
				break
			}
		}
	}

	if len(stats) == limit {
		return stats, stats[len(stats)-1].Key, nil
	}
	return stats, "", nil
}

func (m *Monitors) Update(ctx context.Context, messages []persistence.Message, name, project string, countType persistence.CountType, success bool) error {
	n := int64(len(messages))
	bytes := persistence.BatchBytes(messages)
	mtype, fields, err := persistence.CounterDeltas(countType, success, n, bytes)
	if err != nil {
		return err
	}
	key := persistence.MonitorKey(project, mtype, name)

	// Create-then-retry-once on a missing record; a second miss is an error.
	for attempt := 0; ; attempt++ {
		exists, err := m.c.Exists(ctx, monitorKey+key).Result()
		if err != nil {
			return fmt.Errorf("check monitor %s: %w", key, err)
		}
		if exists > 0 {
			break
		}
		if attempt > 0 {
			return fmt.Errorf("monitor %s still missing after create: %w", key, persistence.ErrMonitorDoesNotExist)
		}
		if err := m.Create(ctx, name, mtype, project); err != nil && !errors.Is(err, persistence.ErrMonitorAlreadyExist) {
			return err
		}
	}

	pipe := m.c.TxPipeline()
	for short, delta := range fields {
		pipe.HIncrBy(ctx, monitorKey+key, short, delta)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update monitor %s: %w", key, err)
	}
	return nil
}

// read loads the raw short-name counters of one record.
func (m *Monitors) read(ctx context.Context, key string) (map[string]int64, error) {
	fields, err := m.c.HGetAll(ctx, monitorKey+key).Result()
	if err != nil {
		return nil, fmt.Errorf("get monitor %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("monitor %s: %w", key, persistence.ErrMonitorDoesNotExist)
	}

	raw := make(map[string]int64, len(fields))
	for field, value := range fields {
		if field == "p" || field == "t" {
			continue
		}
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("monitor %s field %s: %w", key, field, err)
		}
		raw[field] = v
	}
	return raw, nil
}
