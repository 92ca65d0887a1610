package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/terminal-bench/studytrack/internal/models"
)

// QuestionRepo handles question bank rows and their test links.
type QuestionRepo struct {
	db *sql.DB
}

// NewQuestionRepo creates a question repository.
func NewQuestionRepo(db *sql.DB) *QuestionRepo {
	return &QuestionRepo{db: db}
}

const questionColumns = `id, topic_id, section_id, text, question_type, options,
	correct_answer, hint, is_final, created_by, is_archived, created_at, updated_at`

func scanQuestion(row interface{ Scan(...any) error }) (*models.Question, error) {
	var q models.Question
	err := row.Scan(&q.ID, &q.TopicID, &q.SectionID, &q.Text, &q.Type, &q.Options,
		&q.CorrectAnswer, &q.Hint, &q.IsFinal, &q.CreatedBy, &q.IsArchived,
		&q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// Create inserts a question.
func (r *QuestionRepo) Create(ctx context.Context, q *models.Question) error {
	now := time.Now().UTC()
	q.CreatedAt, q.UpdatedAt = now, now
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO questions (topic_id, section_id, text, question_type, options,
		    correct_answer, hint, is_final, created_by, is_archived, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, $10, $11)
		 RETURNING id`,
		q.TopicID, q.SectionID, q.Text, q.Type, q.Options,
		q.CorrectAnswer, q.Hint, q.IsFinal, q.CreatedBy, q.CreatedAt, q.UpdatedAt,
	).Scan(&q.ID)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// GetByID retrieves a question.
func (r *QuestionRepo) GetByID(ctx context.Context, id int64) (*models.Question, error) {
	q, err := scanQuestion(r.db.QueryRowContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return q, nil
}

// GetByIDs retrieves several questions at once, keyed by id. Archived rows
// are included: attempts frozen before an archive must still grade against
// the original questions. Missing ids are simply absent from the result.
func (r *QuestionRepo) GetByIDs(ctx context.Context, ids []int64) (map[int64]models.Question, error) {
	out := make(map[int64]models.Question, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions
		 WHERE id = ANY($1)`, pq.Int64Array(ids))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		out[q.ID] = *q
	}
	return out, rows.Err()
}

// Update rewrites the editable fields of a question.
func (r *QuestionRepo) Update(ctx context.Context, q *models.Question) error {
	q.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE questions
		 SET text = $1, question_type = $2, options = $3, correct_answer = $4,
		     hint = $5, is_final = $6, section_id = $7, updated_at = $8
		 WHERE id = $9`,
		q.Text, q.Type, q.Options, q.CorrectAnswer,
		q.Hint, q.IsFinal, q.SectionID, q.UpdatedAt, q.ID)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res)
}

// Archive soft-deletes a question. Archived questions stay resolvable for
// grading frozen attempts but leave the sampling pool.
func (r *QuestionRepo) Archive(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE questions SET is_archived = true, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res)
}

// Delete removes a question and all of its test links in one transaction.
func (r *QuestionRepo) Delete(ctx context.Context, id int64) error {
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM test_questions WHERE question_id = $1`, id); err != nil {
			return mapError(err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE id = $1`, id)
		if err != nil {
			return mapError(err)
		}
		return requireAffected(res)
	})
}

// ListByTopic returns a topic's non-archived bank questions, newest first.
func (r *QuestionRepo) ListByTopic(ctx context.Context, topicID int64) ([]models.Question, error) {
	return r.list(ctx,
		`SELECT `+questionColumns+` FROM questions
		 WHERE topic_id = $1 AND is_archived = false
		 ORDER BY id DESC`, topicID)
}

// ListBySection returns the non-archived bank questions pinned to a section.
func (r *QuestionRepo) ListBySection(ctx context.Context, sectionID int64) ([]models.Question, error) {
	return r.list(ctx,
		`SELECT `+questionColumns+` FROM questions
		 WHERE section_id = $1 AND is_archived = false
		 ORDER BY id DESC`, sectionID)
}

// PoolForTopic returns the sampling pool for a topic-scoped test: every
// non-archived question of the topic, in stable id order so seeded draws
// are reproducible.
func (r *QuestionRepo) PoolForTopic(ctx context.Context, topicID int64) ([]models.Question, error) {
	return r.list(ctx,
		`SELECT `+questionColumns+` FROM questions
		 WHERE topic_id = $1 AND is_archived = false
		 ORDER BY id`, topicID)
}

// PoolForSection returns the sampling pool for a section-scoped test.
func (r *QuestionRepo) PoolForSection(ctx context.Context, sectionID int64) ([]models.Question, error) {
	return r.list(ctx,
		`SELECT `+questionColumns+` FROM questions
		 WHERE section_id = $1 AND is_archived = false
		 ORDER BY id`, sectionID)
}

func (r *QuestionRepo) list(ctx context.Context, query string, args ...any) ([]models.Question, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var questions []models.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		questions = append(questions, *q)
	}
	return questions, rows.Err()
}
