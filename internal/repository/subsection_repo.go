package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/terminal-bench/studytrack/internal/models"
)

// SubsectionRepo handles subsection rows.
type SubsectionRepo struct {
	db *sql.DB
}

// NewSubsectionRepo creates a subsection repository.
func NewSubsectionRepo(db *sql.DB) *SubsectionRepo {
	return &SubsectionRepo{db: db}
}

const subsectionColumns = `id, section_id, title, sort_order, type, weight,
	required_time_minutes, min_time_seconds, content_path, is_archived, created_at, updated_at`

func scanSubsection(row interface{ Scan(...any) error }) (*models.Subsection, error) {
	var s models.Subsection
	err := row.Scan(&s.ID, &s.SectionID, &s.Title, &s.Order, &s.Type, &s.Weight,
		&s.RequiredTimeMinutes, &s.MinTimeSeconds, &s.ContentPath,
		&s.IsArchived, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a subsection.
func (r *SubsectionRepo) Create(ctx context.Context, s *models.Subsection) error {
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO subsections (section_id, title, sort_order, type, weight,
		    required_time_minutes, min_time_seconds, content_path, is_archived, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, $9, $10)
		 RETURNING id`,
		s.SectionID, s.Title, s.Order, s.Type, s.Weight,
		s.RequiredTimeMinutes, s.MinTimeSeconds, s.ContentPath, s.CreatedAt, s.UpdatedAt,
	).Scan(&s.ID)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// GetByID retrieves a subsection.
func (r *SubsectionRepo) GetByID(ctx context.Context, id int64) (*models.Subsection, error) {
	s, err := scanSubsection(r.db.QueryRowContext(ctx,
		`SELECT `+subsectionColumns+` FROM subsections WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return s, nil
}

// ListBySection returns a section's non-archived subsections in display order.
func (r *SubsectionRepo) ListBySection(ctx context.Context, sectionID int64) ([]models.Subsection, error) {
	return listSubsectionsBySection(ctx, r.db, sectionID)
}

// listSubsectionsBySection is shared with the aggregator's recompute
// transaction, which reads through a *sql.Tx.
func listSubsectionsBySection(ctx context.Context, q queryer, sectionID int64) ([]models.Subsection, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+subsectionColumns+` FROM subsections
		 WHERE section_id = $1 AND is_archived = false
		 ORDER BY sort_order, id`, sectionID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var subs []models.Subsection
	for rows.Next() {
		s, err := scanSubsection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subsection: %w", err)
		}
		subs = append(subs, *s)
	}
	return subs, rows.Err()
}

// Archive soft-deletes a subsection.
func (r *SubsectionRepo) Archive(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE subsections SET is_archived = true, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res)
}
