package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/notiq/notiq/internal/persistence"
)

type topicsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTopicsRepo creates a PostgreSQL-backed topic controller
func NewTopicsRepo(db *sqlx.DB, timeout time.Duration) persistence.TopicController {
	return &topicsRepo{db: db, timeout: timeout}
}

func (r *topicsRepo) Create(ctx context.Context, name, project string, metadata map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal topic metadata: %w", err)
	}

	query := `
		INSERT INTO topics (project, name, metadata)
		VALUES ($1, $2, $3)`

	_, err = r.db.ExecContext(ctx, query, project, name, meta)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return persistence.ErrTopicAlreadyExist
		}
		return fmt.Errorf("failed to insert topic: %w", err)
	}

	return nil
}

func (r *topicsRepo) Get(ctx context.Context, name, project string) (*persistence.Topic, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT metadata, counter, created_at, updated_at
		FROM topics
		WHERE project = $1 AND name = $2`

	var (
		meta      []byte
		counter   int64
		createdAt time.Time
		updatedAt time.Time
	)
	err := r.db.QueryRowxContext(ctx, query, project, name).Scan(&meta, &counter, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTopicDoesNotExist
		}
		return nil, fmt.Errorf("failed to get topic: %w", err)
	}

	topic := &persistence.Topic{
		Name:      name,
		Project:   project,
		Counter:   counter,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
	if err := json.Unmarshal(meta, &topic.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal topic metadata: %w", err)
	}

	return topic, nil
}

// Delete removes the topic and its subscriptions in one transaction.
func (r *topicsRepo) Delete(ctx context.Context, name, project string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin topic delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE project = $1 AND topic = $2`, project, name); err != nil {
		return fmt.Errorf("failed to delete topic subscriptions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM topics WHERE project = $1 AND name = $2`, project, name); err != nil {
		return fmt.Errorf("failed to delete topic: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit topic delete: %w", err)
	}
	return nil
}

func (r *topicsRepo) List(ctx context.Context, project, marker string, limit int) ([]persistence.Topic, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT name, metadata, counter, created_at, updated_at
		FROM topics
		WHERE project = $1 AND name > $2
		ORDER BY name
		LIMIT $3`

	rows, err := r.db.QueryxContext(ctx, query, project, marker, limit)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list topics: %w", err)
	}
	defer rows.Close()

	var topics []persistence.Topic
	for rows.Next() {
		var (
			t    persistence.Topic
			meta []byte
		)
		if err := rows.Scan(&t.Name, &meta, &t.Counter, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, "", fmt.Errorf("failed to scan topic: %w", err)
		}
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, "", fmt.Errorf("failed to unmarshal topic metadata: %w", err)
		}
		t.Project = project
		topics = append(topics, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("failed to iterate topics: %w", err)
	}

	next := ""
	if limit > 0 && len(topics) == limit {
		next = topics[len(topics)-1].Name
	}
	return topics, next, nil
}

func (r *topicsRepo) SetMetadata(ctx context.Context, name, project string, metadata map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal topic metadata: %w", err)
	}

	query := `
		UPDATE topics
		SET metadata = $1, updated_at = now()
		WHERE project = $2 AND name = $3`

	res, err := r.db.ExecContext(ctx, query, meta, project, name)
	if err != nil {
		return fmt.Errorf("failed to update topic metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return persistence.ErrTopicDoesNotExist
	}
	return nil
}

func (r *topicsRepo) IncrementCounter(ctx context.Context, name, project string, n int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE topics
		SET counter = counter + $1, updated_at = now()
		WHERE project = $2 AND name = $3
		RETURNING counter`

	var counter int64
	err := r.db.QueryRowxContext(ctx, query, n, project, name).Scan(&counter)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, persistence.ErrTopicDoesNotExist
		}
		return 0, fmt.Errorf("failed to increment topic counter: %w", err)
	}
	return counter, nil
}
