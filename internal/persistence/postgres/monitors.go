package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/notiq/notiq/internal/persistence"
)

const monitorColumns = "key, project, type, mc, mb, bmc, bmb, cmc, cmb, tsmc, tsmb, smc, smb"

type monitorsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
	stats   persistence.QueueStatsSource
}

// NewMonitorsRepo creates a PostgreSQL-backed monitor controller. stats joins
// live queue counts into queue monitor reads and may be nil in tooling that
// has no message store at hand.
func NewMonitorsRepo(db *sqlx.DB, timeout time.Duration, stats persistence.QueueStatsSource) persistence.MonitorController {
	return &monitorsRepo{db: db, timeout: timeout, stats: stats}
}

type monitorRow struct {
	Key     string `db:"key"`
	Project string `db:"project"`
	Type    string `db:"type"`
	MC      int64  `db:"mc"`
	MB      int64  `db:"mb"`
	BMC     int64  `db:"bmc"`
	BMB     int64  `db:"bmb"`
	CMC     int64  `db:"cmc"`
	CMB     int64  `db:"cmb"`
	TSMC    int64  `db:"tsmc"`
	TSMB    int64  `db:"tsmb"`
	SMC     int64  `db:"smc"`
	SMB     int64  `db:"smb"`
}

func (row monitorRow) raw() map[string]int64 {
	return map[string]int64{
		"mc": row.MC, "mb": row.MB,
		"bmc": row.BMC, "bmb": row.BMB,
		"cmc": row.CMC, "cmb": row.CMB,
		"tsmc": row.TSMC, "tsmb": row.TSMB,
		"smc": row.SMC, "smb": row.SMB,
	}
}

func (r *monitorsRepo) Create(ctx context.Context, name, mtype, project string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO monitors (key, project, type)
		VALUES ($1, $2, $3)`

	key := persistence.MonitorKey(project, mtype, name)
	_, err := r.db.ExecContext(ctx, query, key, project, mtype)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return persistence.ErrMonitorAlreadyExist
		}
		return fmt.Errorf("failed to insert monitor: %w", err)
	}
	return nil
}

func (r *monitorsRepo) Get(ctx context.Context, name, mtype, project string) (persistence.MonitorStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + monitorColumns + `
		FROM monitors
		WHERE key = $1`

	key := persistence.MonitorKey(project, mtype, name)
	var row monitorRow
	err := r.db.QueryRowxContext(ctx, query, key).StructScan(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.MonitorStats{}, persistence.ErrMonitorDoesNotExist
		}
		return persistence.MonitorStats{}, fmt.Errorf("failed to get monitor: %w", err)
	}

	raw := row.raw()
	counters := persistence.NormalizeCounters(mtype, raw)

	if mtype == persistence.MonitorQueues && r.stats != nil {
		active, err := r.stats.Count(ctx, name, project)
		if err != nil {
			return persistence.MonitorStats{}, fmt.Errorf("failed to count active messages: %w", err)
		}
		claimed, err := r.stats.ClaimedCount(ctx, name, project)
		if err != nil {
			return persistence.MonitorStats{}, fmt.Errorf("failed to count claimed messages: %w", err)
		}
		delayed, err := r.stats.DelayedCount(ctx, name, project)
		if err != nil {
			return persistence.MonitorStats{}, fmt.Errorf("failed to count delayed messages: %w", err)
		}
		persistence.DerivedQueueCounts(counters, raw, active, claimed, delayed)
	}

	return persistence.MonitorStats{Key: key, Counters: counters}, nil
}

func (r *monitorsRepo) List(ctx context.Context, opts persistence.MonitorListOptions) ([]persistence.MonitorStats, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + monitorColumns + `
		FROM monitors
		WHERE key > $1`
	args := []interface{}{opts.Marker}
	idx := 2

	if !opts.AllProjects {
		query += fmt.Sprintf(" AND project = $%d", idx)
		args = append(args, opts.Project)
		idx++
	}
	if opts.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", idx)
		args = append(args, opts.Type)
		idx++
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	query += fmt.Sprintf(" ORDER BY key LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list monitors: %w", err)
	}
	defer rows.Close()

	var stats []persistence.MonitorStats
	for rows.Next() {
		var row monitorRow
		if err := rows.StructScan(&row); err != nil {
			return nil, "", fmt.Errorf("failed to scan monitor: %w", err)
		}
		stats = append(stats, persistence.MonitorStats{
			Key:      row.Key,
			Counters: persistence.NormalizeCounters(row.Type, row.raw()),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("failed to iterate monitors: %w", err)
	}

	next := ""
	if len(stats) == limit {
		next = stats[len(stats)-1].Key
	}
	return stats, next, nil
}

func (r *monitorsRepo) Update(ctx context.Context, messages []persistence.Message, name, project string, countType persistence.CountType, success bool) error {
	mtype, fields, err := persistence.CounterDeltas(countType, success, int64(len(messages)), persistence.BatchBytes(messages))
	if err != nil {
		return err
	}
	key := persistence.MonitorKey(project, mtype, name)

	// Deterministic column order keeps the generated SQL stable.
	shorts := make([]string, 0, len(fields))
	for s := range fields {
		shorts = append(shorts, s)
	}
	sort.Strings(shorts)

	sets := make([]string, 0, len(shorts))
	args := make([]interface{}, 0, len(shorts)+1)
	for i, s := range shorts {
		sets = append(sets, fmt.Sprintf("%s = %s + $%d", s, s, i+1))
		args = append(args, fields[s])
	}
	args = append(args, key)
	query := fmt.Sprintf("UPDATE monitors SET %s WHERE key = $%d", strings.Join(sets, ", "), len(args))

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// A missing record is created zero-initialized and the update retried
	// once; losing the create race to a concurrent writer is fine.
	for attempt := 0; attempt < 2; attempt++ {
		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update monitor counters: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read update result: %w", err)
		}
		if n > 0 {
			return nil
		}
		if attempt == 0 {
			if err := r.Create(ctx, name, mtype, project); err != nil && !errors.Is(err, persistence.ErrMonitorAlreadyExist) {
				return err
			}
		}
	}
	return fmt.Errorf("monitor %s still missing after create", key)
}
