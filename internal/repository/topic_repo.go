package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/terminal-bench/studytrack/internal/errs"
	"github.com/terminal-bench/studytrack/internal/models"
)

// TopicRepo handles topic rows.
type TopicRepo struct {
	db *sql.DB
}

// NewTopicRepo creates a topic repository.
func NewTopicRepo(db *sql.DB) *TopicRepo {
	return &TopicRepo{db: db}
}

const topicColumns = `id, title, description, category, image_path, creator_id, is_archived, created_at, updated_at`

func scanTopic(row interface{ Scan(...any) error }) (*models.Topic, error) {
	var t models.Topic
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Category, &t.ImagePath,
		&t.CreatorID, &t.IsArchived, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts a topic and fills its id and timestamps.
func (r *TopicRepo) Create(ctx context.Context, t *models.Topic) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO topics (title, description, category, image_path, creator_id, is_archived, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, false, $6, $7)
		 RETURNING id`,
		t.Title, t.Description, t.Category, t.ImagePath, t.CreatorID, t.CreatedAt, t.UpdatedAt,
	).Scan(&t.ID)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// GetByID retrieves a topic. Archived topics stay reachable here; listings
// exclude them.
func (r *TopicRepo) GetByID(ctx context.Context, id int64) (*models.Topic, error) {
	t, err := scanTopic(r.db.QueryRowContext(ctx,
		`SELECT `+topicColumns+` FROM topics WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return t, nil
}

// List returns non-archived topics ordered by id.
func (r *TopicRepo) List(ctx context.Context) ([]models.Topic, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+topicColumns+` FROM topics WHERE is_archived = false ORDER BY id`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var topics []models.Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		topics = append(topics, *t)
	}
	return topics, rows.Err()
}

// Archive soft-deletes a topic. Sections are left alone: archiving a topic
// does not cascade to its children.
func (r *TopicRepo) Archive(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE topics SET is_archived = true, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res)
}

// PermanentDelete removes an archived topic for good. Deleting a live topic
// fails with ErrArchiveFirst.
func (r *TopicRepo) PermanentDelete(ctx context.Context, id int64) error {
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		var archived bool
		err := tx.QueryRowContext(ctx,
			`SELECT is_archived FROM topics WHERE id = $1`, id).Scan(&archived)
		if err != nil {
			return mapError(err)
		}
		if !archived {
			return errs.ErrArchiveFirst
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM topics WHERE id = $1`, id)
		return mapError(err)
	})
}

// requireAffected converts a zero-row update into ErrNotFound.
func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}
