package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/studytrack/internal/errs"
	"github.com/terminal-bench/studytrack/internal/models"
)

func newAttemptMock(t *testing.T) (*AttemptRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewAttemptRepo(db), mock
}

func attemptRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "test_id", "attempt_number", "status", "started_at", "expires_at",
		"last_activity_at", "last_save_at", "completed_at", "score", "answers", "draft_answers",
		"auto_extend_count", "randomized_config", "created_at", "updated_at",
	})
}

func addAttemptRow(rows *sqlmock.Rows, id int64, status models.AttemptStatus, expiresAt *time.Time) *sqlmock.Rows {
	now := time.Now().UTC()
	return rows.AddRow(id, int64(7), int64(42), 1, string(status), now, expiresAt,
		now, nil, nil, nil, nil, nil,
		0, []byte(`{"seed":1,"question_ids":[3,1]}`), now, now)
}

func TestAttemptRepoStart(t *testing.T) {
	ctx := context.Background()

	t.Run("composes config inside the transaction", func(t *testing.T) {
		repo, mock := newAttemptMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM test_attempts`).
			WithArgs(int64(7), int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectQuery(`INSERT INTO test_attempts`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "attempt_number"}).AddRow(int64(101), 2))
		mock.ExpectExec(`UPDATE test_attempts SET randomized_config`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		var composedFor int64
		attempt, err := repo.Start(ctx, 7, 42, 3, 30*time.Minute,
			func(_ context.Context, attemptID int64, attemptNumber int) (models.RandomizedConfig, error) {
				composedFor = attemptID
				assert.Equal(t, 2, attemptNumber)
				return models.RandomizedConfig{Seed: 99, QuestionIDs: []int64{5, 3}}, nil
			})
		require.NoError(t, err)

		assert.Equal(t, int64(101), composedFor)
		assert.Equal(t, int64(101), attempt.ID)
		assert.Equal(t, 2, attempt.AttemptNumber)
		assert.Equal(t, models.AttemptInProgress, attempt.Status)
		require.NotNil(t, attempt.ExpiresAt)
		assert.Equal(t, []int64{5, 3}, attempt.RandomizedConfig.QuestionIDs)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("untimed tests get no deadline", func(t *testing.T) {
		repo, mock := newAttemptMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO test_attempts`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "attempt_number"}).AddRow(int64(5), 1))
		mock.ExpectExec(`UPDATE test_attempts SET randomized_config`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		attempt, err := repo.Start(ctx, 7, 42, 0, 0,
			func(context.Context, int64, int) (models.RandomizedConfig, error) {
				return models.RandomizedConfig{Seed: 1}, nil
			})
		require.NoError(t, err)
		assert.Nil(t, attempt.ExpiresAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("limit reached", func(t *testing.T) {
		repo, mock := newAttemptMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM test_attempts`).
			WithArgs(int64(7), int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
		mock.ExpectRollback()

		_, err := repo.Start(ctx, 7, 42, 3, time.Minute,
			func(context.Context, int64, int) (models.RandomizedConfig, error) {
				t.Fatal("compose must not run")
				return models.RandomizedConfig{}, nil
			})
		assert.ErrorIs(t, err, errs.ErrNoAttemptsLeft)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("parallel start loses on the partial index", func(t *testing.T) {
		repo, mock := newAttemptMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM test_attempts`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery(`INSERT INTO test_attempts`).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "test_attempts_active_uniq"})
		mock.ExpectRollback()

		_, err := repo.Start(ctx, 7, 42, 3, time.Minute,
			func(context.Context, int64, int) (models.RandomizedConfig, error) {
				return models.RandomizedConfig{}, nil
			})
		assert.ErrorIs(t, err, errs.ErrAlreadyInProgress)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("compose failure rolls the insert back", func(t *testing.T) {
		repo, mock := newAttemptMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM test_attempts`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery(`INSERT INTO test_attempts`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "attempt_number"}).AddRow(int64(11), 1))
		mock.ExpectRollback()

		_, err := repo.Start(ctx, 7, 42, 3, time.Minute,
			func(context.Context, int64, int) (models.RandomizedConfig, error) {
				return models.RandomizedConfig{}, errs.ErrNoQuestions
			})
		assert.ErrorIs(t, err, errs.ErrNoQuestions)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAttemptRepoTouch(t *testing.T) {
	ctx := context.Background()

	t.Run("persists heartbeat fields", func(t *testing.T) {
		repo, mock := newAttemptMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT (.+) FROM test_attempts WHERE id = \$1 FOR UPDATE`).
			WithArgs(int64(11)).
			WillReturnRows(addAttemptRow(attemptRows(), 11, models.AttemptInProgress, nil))
		mock.ExpectExec(`UPDATE test_attempts`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		now := time.Now().UTC()
		out, err := repo.Touch(ctx, 11, func(a *models.TestAttempt) error {
			a.LastActivityAt = now
			a.AutoExtendCount++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, out.AutoExtendCount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mutate error rolls back", func(t *testing.T) {
		repo, mock := newAttemptMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT (.+) FROM test_attempts WHERE id = \$1 FOR UPDATE`).
			WithArgs(int64(11)).
			WillReturnRows(addAttemptRow(attemptRows(), 11, models.AttemptCompleted, nil))
		mock.ExpectRollback()

		_, err := repo.Touch(ctx, 11, func(a *models.TestAttempt) error {
			if a.Status.Terminal() {
				return errs.ErrAlreadySubmitted
			}
			return nil
		})
		assert.ErrorIs(t, err, errs.ErrAlreadySubmitted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAttemptRepoFinish(t *testing.T) {
	ctx := context.Background()
	repo, mock := newAttemptMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM test_attempts WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(11)).
		WillReturnRows(addAttemptRow(attemptRows(), 11, models.AttemptInProgress, nil))
	mock.ExpectExec(`UPDATE test_attempts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	score := 75.0
	out, err := repo.Finish(ctx, 11, func(a *models.TestAttempt) error {
		a.Status = models.AttemptCompleted
		a.Score = &score
		now := time.Now().UTC()
		a.CompletedAt = &now
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.AttemptCompleted, out.Status)
	require.NotNil(t, out.Score)
	assert.Equal(t, 75.0, *out.Score)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttemptRepoDeleteLast(t *testing.T) {
	ctx := context.Background()

	t.Run("removes the highest numbered attempt", func(t *testing.T) {
		repo, mock := newAttemptMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`ORDER BY attempt_number DESC, created_at DESC`).
			WithArgs(int64(7), int64(42)).
			WillReturnRows(addAttemptRow(attemptRows(), 33, models.AttemptInProgress, nil))
		mock.ExpectExec(`DELETE FROM test_attempts WHERE id = \$1`).
			WithArgs(int64(33)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		deleted, err := repo.DeleteLast(ctx, 7, 42)
		require.NoError(t, err)
		assert.Equal(t, int64(33), deleted.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nothing to delete", func(t *testing.T) {
		repo, mock := newAttemptMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`ORDER BY attempt_number DESC, created_at DESC`).
			WithArgs(int64(7), int64(42)).
			WillReturnRows(attemptRows())
		mock.ExpectRollback()

		_, err := repo.DeleteLast(ctx, 7, 42)
		assert.ErrorIs(t, err, errs.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAttemptRepoCleanupPasses(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("expire overdue", func(t *testing.T) {
		repo, mock := newAttemptMock(t)
		mock.ExpectExec(`UPDATE test_attempts`).
			WithArgs(now).
			WillReturnResult(sqlmock.NewResult(0, 4))

		n, err := repo.ExpireOverdue(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("extend near deadline", func(t *testing.T) {
		repo, mock := newAttemptMock(t)
		mock.ExpectExec(`auto_extend_count \+ 1`).
			WithArgs(float64(300), now, now.Add(2*time.Minute), 3).
			WillReturnResult(sqlmock.NewResult(0, 2))

		n, err := repo.ExtendNearDeadline(ctx, now, 2*time.Minute, 5*time.Minute, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("delete stale started", func(t *testing.T) {
		repo, mock := newAttemptMock(t)
		cutoff := now.Add(-24 * time.Hour)
		mock.ExpectExec(`DELETE FROM test_attempts WHERE status = 'started'`).
			WithArgs(cutoff).
			WillReturnResult(sqlmock.NewResult(0, 1))

		n, err := repo.DeleteStaleStarted(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expire inactive", func(t *testing.T) {
		repo, mock := newAttemptMock(t)
		cutoff := now.Add(-24 * time.Hour)
		mock.ExpectExec(`UPDATE test_attempts`).
			WithArgs(sqlmock.AnyArg(), cutoff).
			WillReturnResult(sqlmock.NewResult(0, 3))

		n, err := repo.ExpireInactive(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAttemptRepoBestScores(t *testing.T) {
	ctx := context.Background()
	repo, mock := newAttemptMock(t)

	mock.ExpectQuery(`SELECT test_id, MAX\(score\) FROM test_attempts`).
		WithArgs(int64(7), pq.Int64Array{42, 43}).
		WillReturnRows(sqlmock.NewRows([]string{"test_id", "max"}).
			AddRow(int64(42), 85.5))

	scores, err := repo.BestScores(ctx, 7, []int64{42, 43})
	require.NoError(t, err)
	assert.Equal(t, map[int64]float64{42: 85.5}, scores)
	assert.NoError(t, mock.ExpectationsWereMet())

	t.Run("empty input short-circuits", func(t *testing.T) {
		scores, err := repo.BestScores(ctx, 7, nil)
		require.NoError(t, err)
		assert.Empty(t, scores)
	})
}
