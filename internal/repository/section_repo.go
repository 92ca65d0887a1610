package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/terminal-bench/studytrack/internal/models"
)

// SectionRepo handles section rows.
type SectionRepo struct {
	db *sql.DB
}

// NewSectionRepo creates a section repository.
func NewSectionRepo(db *sql.DB) *SectionRepo {
	return &SectionRepo{db: db}
}

const sectionColumns = `id, topic_id, title, sort_order, content, description, is_archived, created_at, updated_at`

func scanSection(row interface{ Scan(...any) error }) (*models.Section, error) {
	var s models.Section
	err := row.Scan(&s.ID, &s.TopicID, &s.Title, &s.Order, &s.Content, &s.Description,
		&s.IsArchived, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a section.
func (r *SectionRepo) Create(ctx context.Context, s *models.Section) error {
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO sections (topic_id, title, sort_order, content, description, is_archived, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, false, $6, $7)
		 RETURNING id`,
		s.TopicID, s.Title, s.Order, s.Content, s.Description, s.CreatedAt, s.UpdatedAt,
	).Scan(&s.ID)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// GetByID retrieves a section.
func (r *SectionRepo) GetByID(ctx context.Context, id int64) (*models.Section, error) {
	s, err := scanSection(r.db.QueryRowContext(ctx,
		`SELECT `+sectionColumns+` FROM sections WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return s, nil
}

// ListByTopic returns a topic's non-archived sections in display order.
// Sequential availability is defined over this ordering.
func (r *SectionRepo) ListByTopic(ctx context.Context, topicID int64) ([]models.Section, error) {
	return listSectionsByTopic(ctx, r.db, topicID)
}

func listSectionsByTopic(ctx context.Context, q queryer, topicID int64) ([]models.Section, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+sectionColumns+` FROM sections
		 WHERE topic_id = $1 AND is_archived = false
		 ORDER BY sort_order, id`, topicID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var sections []models.Section
	for rows.Next() {
		s, err := scanSection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan section: %w", err)
		}
		sections = append(sections, *s)
	}
	return sections, rows.Err()
}

// Archive soft-deletes a section.
func (r *SectionRepo) Archive(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sections SET is_archived = true, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res)
}
