package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/notiq/notiq/internal/config"
	"github.com/notiq/notiq/internal/persistence"
	"github.com/notiq/notiq/internal/persistence/postgres"
)

// Manager owns the control-plane database connection and hands out the
// controllers backed by it. The data plane (messages, claims) stays in
// redis; this covers topics, subscriptions, and monitors.
type Manager struct {
	db  *sqlx.DB
	cfg config.PostgresConfig
}

// NewManager opens the connection pool and verifies connectivity.
func NewManager(cfg config.PostgresConfig) (*Manager, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres control backend needs a dsn")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	db.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTime) * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Manager{db: db, cfg: cfg}, nil
}

// NewManagerWithDB wraps an existing connection. Tests use this with sqlmock.
func NewManagerWithDB(db *sqlx.DB, cfg config.PostgresConfig) *Manager {
	return &Manager{db: db, cfg: cfg}
}

// EnsureSchema applies the control-plane schema.
func (m *Manager) EnsureSchema(ctx context.Context) error {
	return postgres.EnsureSchema(ctx, m.db)
}

// Controllers builds the postgres-backed controller set. stats joins live
// queue counts into queue monitor reads; it comes from the redis data plane.
func (m *Manager) Controllers(stats persistence.QueueStatsSource) (persistence.TopicController, persistence.SubscriptionController, persistence.MonitorController) {
	timeout := time.Duration(m.cfg.QueryTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return postgres.NewTopicsRepo(m.db, timeout),
		postgres.NewSubscriptionsRepo(m.db, timeout),
		postgres.NewMonitorsRepo(m.db, timeout, stats)
}

// Ping reports database liveness.
func (m *Manager) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// Stats exposes connection pool statistics for diagnostics.
func (m *Manager) Stats() map[string]interface{} {
	stats := m.db.Stats()
	return map[string]interface{}{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
	}
}

// DB returns the underlying handle, for migrations and tooling.
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// Close releases the connection pool.
func (m *Manager) Close() error {
	return m.db.Close()
}
