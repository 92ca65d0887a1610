package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/terminal-bench/studytrack/internal/errs"
	"github.com/terminal-bench/studytrack/internal/models"
)

// Constraint names the attempt table maps to domain errors.
const (
	attemptActiveConstraint = "test_attempts_active_uniq"
	attemptNumberConstraint = "test_attempts_number_uniq"
)

// AttemptRepo handles test attempt rows. All mutations of a live attempt go
// through a row-level lock so concurrent heartbeats, submits and cleanup
// passes serialize per attempt.
type AttemptRepo struct {
	db *sql.DB
}

// NewAttemptRepo creates an attempt repository.
func NewAttemptRepo(db *sql.DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

const attemptColumns = `id, user_id, test_id, attempt_number, status, started_at, expires_at,
	last_activity_at, last_save_at, completed_at, score, answers, draft_answers,
	auto_extend_count, randomized_config, created_at, updated_at`

func scanAttempt(row interface{ Scan(...any) error }) (*models.TestAttempt, error) {
	var a models.TestAttempt
	err := row.Scan(&a.ID, &a.UserID, &a.TestID, &a.AttemptNumber, &a.Status,
		&a.StartedAt, &a.ExpiresAt, &a.LastActivityAt, &a.LastSaveAt, &a.CompletedAt,
		&a.Score, &a.Answers, &a.DraftAnswers, &a.AutoExtendCount, &a.RandomizedConfig,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ComposeFunc builds the frozen question config for a freshly inserted
// attempt. It runs inside the Start transaction, after the row exists (the
// attempt id seeds the selection) and before it becomes visible.
type ComposeFunc func(ctx context.Context, attemptID int64, attemptNumber int) (models.RandomizedConfig, error)

// Start atomically creates the next attempt for (user, test). The attempt
// number is allocated from the current maximum, the attempt-limit check runs
// inside the same transaction, and the composed config is frozen before
// commit. A concurrent Start for the same pair loses with
// ErrAlreadyInProgress on the partial unique index.
func (r *AttemptRepo) Start(ctx context.Context, userID, testID int64, maxAttempts int, duration time.Duration, compose ComposeFunc) (*models.TestAttempt, error) {
	var attempt *models.TestAttempt
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		if maxAttempts > 0 {
			var used int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM test_attempts
				 WHERE user_id = $1 AND test_id = $2 AND status <> 'expired'`,
				userID, testID).Scan(&used)
			if err != nil {
				return mapError(err)
			}
			if used >= maxAttempts {
				return errs.ErrNoAttemptsLeft
			}
		}

		now := time.Now().UTC()
		var expiresAt *time.Time
		if duration > 0 {
			t := now.Add(duration)
			expiresAt = &t
		}

		var id int64
		var number int
		err := tx.QueryRowContext(ctx,
			`INSERT INTO test_attempts (user_id, test_id, attempt_number, status, started_at,
			    expires_at, last_activity_at, auto_extend_count, randomized_config, created_at, updated_at)
			 VALUES ($1, $2,
			    (SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM test_attempts
			     WHERE user_id = $1 AND test_id = $2),
			    'in_progress', $3, $4, $3, 0, '{}', $3, $3)
			 RETURNING id, attempt_number`,
			userID, testID, now, expiresAt).Scan(&id, &number)
		if err != nil {
			if isConstraint(err, attemptActiveConstraint) {
				return errs.ErrAlreadyInProgress
			}
			if isConstraint(err, attemptNumberConstraint) {
				return errs.ErrConflict
			}
			return mapError(err)
		}

		cfg, err := compose(ctx, id, number)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE test_attempts SET randomized_config = $1, updated_at = $2 WHERE id = $3`,
			cfg, now, id); err != nil {
			return mapError(err)
		}

		attempt = &models.TestAttempt{
			ID:               id,
			UserID:           userID,
			TestID:           testID,
			AttemptNumber:    number,
			Status:           models.AttemptInProgress,
			StartedAt:        now,
			ExpiresAt:        expiresAt,
			LastActivityAt:   now,
			RandomizedConfig: cfg,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return attempt, nil
}

// GetByID retrieves an attempt.
func (r *AttemptRepo) GetByID(ctx context.Context, id int64) (*models.TestAttempt, error) {
	a, err := scanAttempt(r.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM test_attempts WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return a, nil
}

// GetActive returns the user's in-progress attempt for a test, or
// ErrNotFound when none is open.
func (r *AttemptRepo) GetActive(ctx context.Context, userID, testID int64) (*models.TestAttempt, error) {
	a, err := scanAttempt(r.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM test_attempts
		 WHERE user_id = $1 AND test_id = $2 AND status = 'in_progress'`,
		userID, testID))
	if err != nil {
		return nil, mapError(err)
	}
	return a, nil
}

// lockAttempt loads an attempt under FOR UPDATE inside tx.
func lockAttempt(ctx context.Context, tx *sql.Tx, id int64) (*models.TestAttempt, error) {
	a, err := scanAttempt(tx.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM test_attempts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return a, nil
}

// Touch locks an attempt, applies mutate, and persists the heartbeat fields
// (activity timestamps, draft answers, deadline extension). The whole update
// applies or none of it does.
func (r *AttemptRepo) Touch(ctx context.Context, id int64, mutate func(a *models.TestAttempt) error) (*models.TestAttempt, error) {
	var out *models.TestAttempt
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		a, err := lockAttempt(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := mutate(a); err != nil {
			return err
		}
		a.UpdatedAt = time.Now().UTC()
		_, err = tx.ExecContext(ctx,
			`UPDATE test_attempts
			 SET last_activity_at = $1, last_save_at = $2, draft_answers = $3,
			     expires_at = $4, auto_extend_count = $5, updated_at = $6
			 WHERE id = $7`,
			a.LastActivityAt, a.LastSaveAt, a.DraftAnswers,
			a.ExpiresAt, a.AutoExtendCount, a.UpdatedAt, a.ID)
		if err != nil {
			return mapError(err)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Finish locks an attempt, applies mutate (validation and grading), and
// persists the terminal fields. A mutate error rolls everything back and the
// attempt stays exactly as it was.
func (r *AttemptRepo) Finish(ctx context.Context, id int64, mutate func(a *models.TestAttempt) error) (*models.TestAttempt, error) {
	var out *models.TestAttempt
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		a, err := lockAttempt(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := mutate(a); err != nil {
			return err
		}
		a.UpdatedAt = time.Now().UTC()
		_, err = tx.ExecContext(ctx,
			`UPDATE test_attempts
			 SET status = $1, score = $2, answers = $3, completed_at = $4,
			     last_activity_at = $5, updated_at = $6
			 WHERE id = $7`,
			a.Status, a.Score, a.Answers, a.CompletedAt,
			a.LastActivityAt, a.UpdatedAt, a.ID)
		if err != nil {
			return mapError(err)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteLast removes the user's most recent attempt for a test so numbering
// shrinks by one. Returns the deleted attempt.
func (r *AttemptRepo) DeleteLast(ctx context.Context, userID, testID int64) (*models.TestAttempt, error) {
	var out *models.TestAttempt
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		a, err := scanAttempt(tx.QueryRowContext(ctx,
			`SELECT `+attemptColumns+` FROM test_attempts
			 WHERE user_id = $1 AND test_id = $2
			 ORDER BY attempt_number DESC, created_at DESC
			 LIMIT 1
			 FOR UPDATE`, userID, testID))
		if err != nil {
			return mapError(err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM test_attempts WHERE id = $1`, a.ID); err != nil {
			return mapError(err)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListByUserAndTest returns the user's attempts for a test in attempt order.
func (r *AttemptRepo) ListByUserAndTest(ctx context.Context, userID, testID int64) ([]models.TestAttempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM test_attempts
		 WHERE user_id = $1 AND test_id = $2
		 ORDER BY attempt_number`, userID, testID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var attempts []models.TestAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// AttemptScope pairs an open attempt with the scope of its test. The
// material-access guard evaluates lock rules over these.
type AttemptScope struct {
	AttemptID int64
	TestID    int64
	TestType  models.TestType
	SectionID *int64
	TopicID   int64
}

// ListInProgressScopes returns the scopes of the user's open attempts. The
// topic id is resolved through the section for section-scoped tests.
func (r *AttemptRepo) ListInProgressScopes(ctx context.Context, userID int64) ([]AttemptScope, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT a.id, a.test_id, t.type, t.section_id, COALESCE(t.topic_id, s.topic_id)
		 FROM test_attempts a
		 JOIN tests t ON t.id = a.test_id
		 LEFT JOIN sections s ON s.id = t.section_id
		 WHERE a.user_id = $1 AND a.status = 'in_progress'`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var scopes []AttemptScope
	for rows.Next() {
		var s AttemptScope
		if err := rows.Scan(&s.AttemptID, &s.TestID, &s.TestType, &s.SectionID, &s.TopicID); err != nil {
			return nil, fmt.Errorf("failed to scan attempt scope: %w", err)
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

// BestScores returns the best completed score per test for a user, over the
// given tests. Tests without a completed attempt are absent from the map.
func (r *AttemptRepo) BestScores(ctx context.Context, userID int64, testIDs []int64) (map[int64]float64, error) {
	return bestScores(ctx, r.db, userID, testIDs)
}

func bestScores(ctx context.Context, q queryer, userID int64, testIDs []int64) (map[int64]float64, error) {
	out := make(map[int64]float64, len(testIDs))
	if len(testIDs) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx,
		`SELECT test_id, MAX(score) FROM test_attempts
		 WHERE user_id = $1 AND test_id = ANY($2)
		   AND status = 'completed' AND score IS NOT NULL
		 GROUP BY test_id`, userID, pq.Int64Array(testIDs))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var testID int64
		var best float64
		if err := rows.Scan(&testID, &best); err != nil {
			return nil, fmt.Errorf("failed to scan best score: %w", err)
		}
		out[testID] = best
	}
	return out, rows.Err()
}

// ExpireOverdue transitions in-progress attempts whose deadline has passed
// to expired. Returns the number of attempts expired.
func (r *AttemptRepo) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE test_attempts
		 SET status = 'expired', updated_at = $1
		 WHERE status = 'in_progress' AND expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

// ExtendNearDeadline pushes the deadline of attempts expiring within window
// by step, up to maxExtends extensions per attempt.
func (r *AttemptRepo) ExtendNearDeadline(ctx context.Context, now time.Time, window, step time.Duration, maxExtends int) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE test_attempts
		 SET expires_at = expires_at + make_interval(secs => $1),
		     auto_extend_count = auto_extend_count + 1,
		     updated_at = $2
		 WHERE status = 'in_progress' AND expires_at IS NOT NULL
		   AND expires_at > $2 AND expires_at <= $3
		   AND auto_extend_count < $4`,
		step.Seconds(), now, now.Add(window), maxExtends)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

// DeleteStaleStarted deletes legacy pre-state rows older than the cutoff.
func (r *AttemptRepo) DeleteStaleStarted(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM test_attempts WHERE status = 'started' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

// ExpireInactive expires in-progress attempts with no activity since the
// cutoff. Untimed attempts are reaped here too.
func (r *AttemptRepo) ExpireInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE test_attempts
		 SET status = 'expired', updated_at = $1
		 WHERE status = 'in_progress' AND last_activity_at < $2`,
		time.Now().UTC(), cutoff)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}
