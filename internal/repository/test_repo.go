package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/terminal-bench/studytrack/internal/models"
)

// TestRepo handles test rows and the test/question link table.
type TestRepo struct {
	db *sql.DB
}

// NewTestRepo creates a test repository.
func NewTestRepo(db *sql.DB) *TestRepo {
	return &TestRepo{db: db}
}

const testColumns = `id, title, type, section_id, topic_id, duration_seconds,
	max_attempts, completion_percentage, target_questions, is_archived, created_at, updated_at`

func scanTest(row interface{ Scan(...any) error }) (*models.Test, error) {
	var t models.Test
	err := row.Scan(&t.ID, &t.Title, &t.Type, &t.SectionID, &t.TopicID, &t.DurationSeconds,
		&t.MaxAttempts, &t.CompletionPercentage, &t.TargetQuestions, &t.IsArchived,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts a test.
func (r *TestRepo) Create(ctx context.Context, t *models.Test) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO tests (title, type, section_id, topic_id, duration_seconds,
		    max_attempts, completion_percentage, target_questions, is_archived, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, $9, $10)
		 RETURNING id`,
		t.Title, t.Type, t.SectionID, t.TopicID, t.DurationSeconds,
		t.MaxAttempts, t.CompletionPercentage, t.TargetQuestions, t.CreatedAt, t.UpdatedAt,
	).Scan(&t.ID)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// GetByID retrieves a test.
func (r *TestRepo) GetByID(ctx context.Context, id int64) (*models.Test, error) {
	t, err := scanTest(r.db.QueryRowContext(ctx,
		`SELECT `+testColumns+` FROM tests WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return t, nil
}

// ListBySection returns a section's non-archived tests.
func (r *TestRepo) ListBySection(ctx context.Context, sectionID int64) ([]models.Test, error) {
	return listTestsBySection(ctx, r.db, sectionID)
}

func listTestsBySection(ctx context.Context, q queryer, sectionID int64) ([]models.Test, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+testColumns+` FROM tests
		 WHERE section_id = $1 AND is_archived = false
		 ORDER BY id`, sectionID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var tests []models.Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan test: %w", err)
		}
		tests = append(tests, *t)
	}
	return tests, rows.Err()
}

// ListByTopic returns a topic's non-archived topic-scoped tests
// (global finals). Section tests are reached through their sections.
func (r *TestRepo) ListByTopic(ctx context.Context, topicID int64) ([]models.Test, error) {
	return r.list(ctx,
		`SELECT `+testColumns+` FROM tests
		 WHERE topic_id = $1 AND section_id IS NULL AND is_archived = false
		 ORDER BY id`, topicID)
}

// ListForSections returns the non-archived tests of several sections at once,
// grouped by section id. The aggregator uses it to avoid one query per section.
func (r *TestRepo) ListForSections(ctx context.Context, sectionIDs []int64) (map[int64][]models.Test, error) {
	out := make(map[int64][]models.Test, len(sectionIDs))
	if len(sectionIDs) == 0 {
		return out, nil
	}
	tests, err := r.list(ctx,
		`SELECT `+testColumns+` FROM tests
		 WHERE section_id = ANY($1) AND is_archived = false
		 ORDER BY id`, pq.Int64Array(sectionIDs))
	if err != nil {
		return nil, err
	}
	for _, t := range tests {
		if t.SectionID == nil {
			continue
		}
		out[*t.SectionID] = append(out[*t.SectionID], t)
	}
	return out, nil
}

// Archive soft-deletes a test together with its linked questions, in one
// transaction. Frozen attempt configs keep referencing the archived rows.
func (r *TestRepo) Archive(ctx context.Context, id int64) error {
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`UPDATE tests SET is_archived = true, updated_at = $1 WHERE id = $2`, now, id)
		if err != nil {
			return mapError(err)
		}
		if err := requireAffected(res); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE questions SET is_archived = true, updated_at = $1
			 WHERE id IN (SELECT question_id FROM test_questions WHERE test_id = $2)`, now, id)
		return mapError(err)
	})
}

// AddQuestion links a bank question into a test. Linking the same question
// twice yields ErrDuplicate from the composite primary key.
func (r *TestRepo) AddQuestion(ctx context.Context, testID, questionID, addedBy int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO test_questions (test_id, question_id, added_by, added_at)
		 VALUES ($1, $2, $3, $4)`,
		testID, questionID, addedBy, time.Now().UTC())
	return mapError(err)
}

// RemoveQuestion unlinks a question from a test. The question itself stays
// in the bank.
func (r *TestRepo) RemoveQuestion(ctx context.Context, testID, questionID int64) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM test_questions WHERE test_id = $1 AND question_id = $2`,
		testID, questionID)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res)
}

// ListQuestions returns the non-archived questions explicitly linked to a
// test, in stable link order.
func (r *TestRepo) ListQuestions(ctx context.Context, testID int64) ([]models.Question, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT q.id, q.topic_id, q.section_id, q.text, q.question_type, q.options,
		        q.correct_answer, q.hint, q.is_final, q.created_by, q.is_archived,
		        q.created_at, q.updated_at
		 FROM test_questions tq
		 JOIN questions q ON q.id = tq.question_id
		 WHERE tq.test_id = $1 AND q.is_archived = false
		 ORDER BY tq.added_at, q.id`, testID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var questions []models.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan linked question: %w", err)
		}
		questions = append(questions, *q)
	}
	return questions, rows.Err()
}

func (r *TestRepo) list(ctx context.Context, query string, args ...any) ([]models.Test, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var tests []models.Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan test: %w", err)
		}
		tests = append(tests, *t)
	}
	return tests, rows.Err()
}
