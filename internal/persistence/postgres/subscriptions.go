package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/notiq/notiq/internal/persistence"
)

type subscriptionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSubscriptionsRepo creates a PostgreSQL-backed subscription controller
func NewSubscriptionsRepo(db *sqlx.DB, timeout time.Duration) persistence.SubscriptionController {
	return &subscriptionsRepo{db: db, timeout: timeout}
}

func (r *subscriptionsRepo) Create(ctx context.Context, project, topic, subscriber string, ttl int, options map[string]interface{}) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("failed to marshal subscription options: %w", err)
	}

	// Expired rows still hold the (project, topic, subscriber) slot, so
	// reap them first. A unique violation after that is a live duplicate.
	purge := `
		DELETE FROM subscriptions
		WHERE project = $1 AND topic = $2 AND expires_at <= now()`
	if _, err := r.db.ExecContext(ctx, purge, project, topic); err != nil {
		return "", fmt.Errorf("failed to reap expired subscriptions: %w", err)
	}

	id := uuid.New().String()
	query := `
		INSERT INTO subscriptions (id, project, topic, subscriber, options, ttl, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	expiresAt := time.Now().Add(time.Duration(ttl) * time.Second)
	_, err = r.db.ExecContext(ctx, query, id, project, topic, subscriber, opts, ttl, expiresAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return "", persistence.ErrSubscriptionAlreadyExist
		}
		return "", fmt.Errorf("failed to insert subscription: %w", err)
	}

	return id, nil
}

func (r *subscriptionsRepo) Get(ctx context.Context, project, topic, id string) (*persistence.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT subscriber, options, ttl, created_at
		FROM subscriptions
		WHERE id = $1 AND project = $2 AND topic = $3 AND expires_at > now()`

	var (
		subscriber string
		opts       []byte
		ttl        int
		createdAt  time.Time
	)
	err := r.db.QueryRowxContext(ctx, query, id, project, topic).Scan(&subscriber, &opts, &ttl, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrSubscriptionDoesNotExist
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub := &persistence.Subscription{
		ID:         id,
		Source:     topic,
		Project:    project,
		Subscriber: subscriber,
		TTL:        ttl,
		Age:        int(time.Since(createdAt).Seconds()),
	}
	if err := json.Unmarshal(opts, &sub.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription options: %w", err)
	}

	return sub, nil
}

func (r *subscriptionsRepo) List(ctx context.Context, project, topic, marker string, limit int) ([]persistence.Subscription, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, subscriber, options, ttl, created_at
		FROM subscriptions
		WHERE project = $1 AND topic = $2 AND id > $3 AND expires_at > now()
		ORDER BY id
		LIMIT $4`

	rows, err := r.db.QueryxContext(ctx, query, project, topic, marker, limit)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	subs, err := scanSubscriptions(rows, project, topic)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if limit > 0 && len(subs) == limit {
		next = subs[len(subs)-1].ID
	}
	return subs, next, nil
}

func (r *subscriptionsRepo) ListAll(ctx context.Context, project, topic string) ([]persistence.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, subscriber, options, ttl, created_at
		FROM subscriptions
		WHERE project = $1 AND topic = $2 AND expires_at > now()
		ORDER BY id`

	rows, err := r.db.QueryxContext(ctx, query, project, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	return scanSubscriptions(rows, project, topic)
}

func (r *subscriptionsRepo) Delete(ctx context.Context, project, topic, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		DELETE FROM subscriptions
		WHERE id = $1 AND project = $2 AND topic = $3`

	if _, err := r.db.ExecContext(ctx, query, id, project, topic); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

func scanSubscriptions(rows *sqlx.Rows, project, topic string) ([]persistence.Subscription, error) {
	var subs []persistence.Subscription
	for rows.Next() {
		var (
			sub       persistence.Subscription
			opts      []byte
			createdAt time.Time
		)
		if err := rows.Scan(&sub.ID, &sub.Subscriber, &opts, &sub.TTL, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		if err := json.Unmarshal(opts, &sub.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription options: %w", err)
		}
		sub.Source = topic
		sub.Project = project
		sub.Age = int(time.Since(createdAt).Seconds())
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}
	return subs, nil
}
