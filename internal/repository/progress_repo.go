package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/terminal-bench/studytrack/internal/models"
)

// ProgressRepo handles the per-user tracking rows: subsection progress plus
// the aggregated section and topic rows. Aggregated rows are written only
// through the Recompute methods, which lock the row, read the inputs in the
// same transaction, and write the result, so concurrent recomputes for one
// (user, section) serialize instead of losing updates.
type ProgressRepo struct {
	db *sql.DB
}

// NewProgressRepo creates a progress repository.
func NewProgressRepo(db *sql.DB) *ProgressRepo {
	return &ProgressRepo{db: db}
}

const subProgressColumns = `id, user_id, subsection_id, is_viewed, is_completed,
	time_spent_seconds, completion_percentage, session_start_at, last_activity_at,
	viewed_at, suspicious_activity, activity_sessions, created_at, updated_at`

func scanSubProgress(row interface{ Scan(...any) error }) (*models.SubsectionProgress, error) {
	var p models.SubsectionProgress
	err := row.Scan(&p.ID, &p.UserID, &p.SubsectionID, &p.IsViewed, &p.IsCompleted,
		&p.TimeSpentSeconds, &p.CompletionPercentage, &p.SessionStartAt, &p.LastActivityAt,
		&p.ViewedAt, &p.SuspiciousActivity, &p.ActivitySessions, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// StartSession creates the tracking row if absent and opens a session on it.
// Restarting an open session just moves the session start.
func (r *ProgressRepo) StartSession(ctx context.Context, userID, subsectionID int64) (*models.SubsectionProgress, error) {
	now := time.Now().UTC()
	p, err := scanSubProgress(r.db.QueryRowContext(ctx,
		`INSERT INTO subsection_progress
		    (user_id, subsection_id, is_viewed, is_completed, time_spent_seconds,
		     completion_percentage, session_start_at, last_activity_at,
		     suspicious_activity, activity_sessions, created_at, updated_at)
		 VALUES ($1, $2, false, false, 0, 0, $3, $3, false, '[]', $3, $3)
		 ON CONFLICT (user_id, subsection_id) DO UPDATE
		 SET session_start_at = EXCLUDED.session_start_at,
		     last_activity_at = EXCLUDED.last_activity_at,
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+subProgressColumns, userID, subsectionID, now))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

// Get retrieves the tracking row for (user, subsection).
func (r *ProgressRepo) Get(ctx context.Context, userID, subsectionID int64) (*models.SubsectionProgress, error) {
	p, err := scanSubProgress(r.db.QueryRowContext(ctx,
		`SELECT `+subProgressColumns+` FROM subsection_progress
		 WHERE user_id = $1 AND subsection_id = $2`, userID, subsectionID))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

// Update locks the tracking row, applies mutate, and persists every mutable
// tracking field. Heartbeat crediting and session closing both run through
// here; either the whole update applies or none of it does.
func (r *ProgressRepo) Update(ctx context.Context, userID, subsectionID int64, mutate func(p *models.SubsectionProgress) error) (*models.SubsectionProgress, error) {
	var out *models.SubsectionProgress
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		p, err := scanSubProgress(tx.QueryRowContext(ctx,
			`SELECT `+subProgressColumns+` FROM subsection_progress
			 WHERE user_id = $1 AND subsection_id = $2
			 FOR UPDATE`, userID, subsectionID))
		if err != nil {
			return mapError(err)
		}
		if err := mutate(p); err != nil {
			return err
		}
		p.UpdatedAt = time.Now().UTC()
		_, err = tx.ExecContext(ctx,
			`UPDATE subsection_progress
			 SET is_viewed = $1, is_completed = $2, time_spent_seconds = $3,
			     completion_percentage = $4, session_start_at = $5, last_activity_at = $6,
			     viewed_at = $7, suspicious_activity = $8, activity_sessions = $9,
			     updated_at = $10
			 WHERE id = $11`,
			p.IsViewed, p.IsCompleted, p.TimeSpentSeconds,
			p.CompletionPercentage, p.SessionStartAt, p.LastActivityAt,
			p.ViewedAt, p.SuspiciousActivity, p.ActivitySessions,
			p.UpdatedAt, p.ID)
		if err != nil {
			return mapError(err)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountActiveSessions counts the user's tracking rows with activity at or
// after since. The parallel-session limit is checked against this.
func (r *ProgressRepo) CountActiveSessions(ctx context.Context, userID int64, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subsection_progress
		 WHERE user_id = $1 AND last_activity_at >= $2`, userID, since).Scan(&n)
	if err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

// BySubsections returns the user's tracking rows for the given subsections,
// keyed by subsection id. Untouched subsections are absent.
func (r *ProgressRepo) BySubsections(ctx context.Context, userID int64, subsectionIDs []int64) (map[int64]models.SubsectionProgress, error) {
	return subProgressByIDs(ctx, r.db, userID, subsectionIDs)
}

func subProgressByIDs(ctx context.Context, q queryer, userID int64, subsectionIDs []int64) (map[int64]models.SubsectionProgress, error) {
	out := make(map[int64]models.SubsectionProgress, len(subsectionIDs))
	if len(subsectionIDs) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+subProgressColumns+` FROM subsection_progress
		 WHERE user_id = $1 AND subsection_id = ANY($2)`, userID, pq.Int64Array(subsectionIDs))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanSubProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subsection progress: %w", err)
		}
		out[p.SubsectionID] = *p
	}
	return out, rows.Err()
}

const sectionProgressColumns = `id, user_id, section_id, completion_percentage, status,
	last_accessed, created_at, updated_at`

func scanSectionProgress(row interface{ Scan(...any) error }) (*models.SectionProgress, error) {
	var p models.SectionProgress
	err := row.Scan(&p.ID, &p.UserID, &p.SectionID, &p.CompletionPercentage, &p.Status,
		&p.LastAccessed, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetSection retrieves the aggregated row for (user, section).
func (r *ProgressRepo) GetSection(ctx context.Context, userID, sectionID int64) (*models.SectionProgress, error) {
	p, err := scanSectionProgress(r.db.QueryRowContext(ctx,
		`SELECT `+sectionProgressColumns+` FROM section_progress
		 WHERE user_id = $1 AND section_id = $2`, userID, sectionID))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

// EnsureSection creates the aggregated row if it does not exist yet and
// returns it. The availability resolver bootstraps first sections through
// this once the access oracle grants the topic.
func (r *ProgressRepo) EnsureSection(ctx context.Context, userID, sectionID int64) (*models.SectionProgress, error) {
	now := time.Now().UTC()
	p, err := scanSectionProgress(r.db.QueryRowContext(ctx,
		`INSERT INTO section_progress
		    (user_id, section_id, completion_percentage, status, last_accessed, created_at, updated_at)
		 VALUES ($1, $2, 0, 'started', $3, $3, $3)
		 ON CONFLICT (user_id, section_id) DO UPDATE
		 SET last_accessed = EXCLUDED.last_accessed
		 RETURNING `+sectionProgressColumns, userID, sectionID, now))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

// SectionSnapshot is what the aggregator reads about one (user, section):
// the section's live subsections and tests, the user's tracking rows, and
// the user's best completed score per test.
type SectionSnapshot struct {
	Subsections []models.Subsection
	Progress    map[int64]models.SubsectionProgress
	Tests       []models.Test
	BestScores  map[int64]float64
}

// SectionResult is the aggregate the compute callback produces for storage.
type SectionResult struct {
	Percentage float64
	Status     models.ProgressStatus
}

// loadSectionSnapshot gathers the aggregator inputs through q, which is the
// recompute transaction or the plain pool for read-only use.
func loadSectionSnapshot(ctx context.Context, q queryer, userID, sectionID int64) (*SectionSnapshot, error) {
	subs, err := listSubsectionsBySection(ctx, q, sectionID)
	if err != nil {
		return nil, err
	}
	subIDs := make([]int64, len(subs))
	for i, s := range subs {
		subIDs[i] = s.ID
	}
	progress, err := subProgressByIDs(ctx, q, userID, subIDs)
	if err != nil {
		return nil, err
	}
	tests, err := listTestsBySection(ctx, q, sectionID)
	if err != nil {
		return nil, err
	}
	testIDs := make([]int64, len(tests))
	for i, t := range tests {
		testIDs[i] = t.ID
	}
	scores, err := bestScores(ctx, q, userID, testIDs)
	if err != nil {
		return nil, err
	}
	return &SectionSnapshot{
		Subsections: subs,
		Progress:    progress,
		Tests:       tests,
		BestScores:  scores,
	}, nil
}

// SectionSnapshot reads the aggregator inputs outside any transaction, for
// the read-only overview path.
func (r *ProgressRepo) SectionSnapshot(ctx context.Context, userID, sectionID int64) (*SectionSnapshot, error) {
	return loadSectionSnapshot(ctx, r.db, userID, sectionID)
}

// RecomputeSection recomputes and stores the aggregated section row. It
// creates the row when missing, locks it, reads the snapshot inside the same
// transaction, and writes what compute returns. Returns the stored row.
func (r *ProgressRepo) RecomputeSection(ctx context.Context, userID, sectionID int64, compute func(snap *SectionSnapshot) SectionResult) (*models.SectionProgress, error) {
	var out *models.SectionProgress
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO section_progress
			    (user_id, section_id, completion_percentage, status, last_accessed, created_at, updated_at)
			 VALUES ($1, $2, 0, 'started', $3, $3, $3)
			 ON CONFLICT (user_id, section_id) DO NOTHING`,
			userID, sectionID, now); err != nil {
			return mapError(err)
		}
		p, err := scanSectionProgress(tx.QueryRowContext(ctx,
			`SELECT `+sectionProgressColumns+` FROM section_progress
			 WHERE user_id = $1 AND section_id = $2
			 FOR UPDATE`, userID, sectionID))
		if err != nil {
			return mapError(err)
		}

		snap, err := loadSectionSnapshot(ctx, tx, userID, sectionID)
		if err != nil {
			return err
		}
		res := compute(snap)

		p.CompletionPercentage = res.Percentage
		p.Status = res.Status
		p.LastAccessed = now
		p.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE section_progress
			 SET completion_percentage = $1, status = $2, last_accessed = $3, updated_at = $4
			 WHERE id = $5`,
			p.CompletionPercentage, p.Status, p.LastAccessed, p.UpdatedAt, p.ID); err != nil {
			return mapError(err)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const topicProgressColumns = `id, user_id, topic_id, completion_percentage, status,
	last_accessed, created_at, updated_at`

func scanTopicProgress(row interface{ Scan(...any) error }) (*models.TopicProgress, error) {
	var p models.TopicProgress
	err := row.Scan(&p.ID, &p.UserID, &p.TopicID, &p.CompletionPercentage, &p.Status,
		&p.LastAccessed, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetTopic retrieves the aggregated row for (user, topic).
func (r *ProgressRepo) GetTopic(ctx context.Context, userID, topicID int64) (*models.TopicProgress, error) {
	p, err := scanTopicProgress(r.db.QueryRowContext(ctx,
		`SELECT `+topicProgressColumns+` FROM topic_progress
		 WHERE user_id = $1 AND topic_id = $2`, userID, topicID))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

// TopicSnapshot is what the aggregator reads about one (user, topic): the
// live sections and the stored per-section aggregates.
type TopicSnapshot struct {
	Sections []models.Section
	Progress map[int64]models.SectionProgress
}

func loadTopicSnapshot(ctx context.Context, q queryer, userID, topicID int64) (*TopicSnapshot, error) {
	sections, err := listSectionsByTopic(ctx, q, topicID)
	if err != nil {
		return nil, err
	}
	sectionIDs := make([]int64, len(sections))
	for i, s := range sections {
		sectionIDs[i] = s.ID
	}
	progress, err := sectionProgressByIDs(ctx, q, userID, sectionIDs)
	if err != nil {
		return nil, err
	}
	return &TopicSnapshot{Sections: sections, Progress: progress}, nil
}

func sectionProgressByIDs(ctx context.Context, q queryer, userID int64, sectionIDs []int64) (map[int64]models.SectionProgress, error) {
	out := make(map[int64]models.SectionProgress, len(sectionIDs))
	if len(sectionIDs) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+sectionProgressColumns+` FROM section_progress
		 WHERE user_id = $1 AND section_id = ANY($2)`, userID, pq.Int64Array(sectionIDs))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanSectionProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan section progress: %w", err)
		}
		out[p.SectionID] = *p
	}
	return out, rows.Err()
}

// BySections returns the stored section aggregates for the given sections,
// keyed by section id.
func (r *ProgressRepo) BySections(ctx context.Context, userID int64, sectionIDs []int64) (map[int64]models.SectionProgress, error) {
	return sectionProgressByIDs(ctx, r.db, userID, sectionIDs)
}

// TopicSnapshot reads the topic aggregator inputs outside any transaction.
func (r *ProgressRepo) TopicSnapshot(ctx context.Context, userID, topicID int64) (*TopicSnapshot, error) {
	return loadTopicSnapshot(ctx, r.db, userID, topicID)
}

// RecomputeTopic recomputes and stores the aggregated topic row, same
// locking discipline as RecomputeSection.
func (r *ProgressRepo) RecomputeTopic(ctx context.Context, userID, topicID int64, compute func(snap *TopicSnapshot) SectionResult) (*models.TopicProgress, error) {
	var out *models.TopicProgress
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO topic_progress
			    (user_id, topic_id, completion_percentage, status, last_accessed, created_at, updated_at)
			 VALUES ($1, $2, 0, 'started', $3, $3, $3)
			 ON CONFLICT (user_id, topic_id) DO NOTHING`,
			userID, topicID, now); err != nil {
			return mapError(err)
		}
		p, err := scanTopicProgress(tx.QueryRowContext(ctx,
			`SELECT `+topicProgressColumns+` FROM topic_progress
			 WHERE user_id = $1 AND topic_id = $2
			 FOR UPDATE`, userID, topicID))
		if err != nil {
			return mapError(err)
		}

		snap, err := loadTopicSnapshot(ctx, tx, userID, topicID)
		if err != nil {
			return err
		}
		res := compute(snap)

		p.CompletionPercentage = res.Percentage
		p.Status = res.Status
		p.LastAccessed = now
		p.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE topic_progress
			 SET completion_percentage = $1, status = $2, last_accessed = $3, updated_at = $4
			 WHERE id = $5`,
			p.CompletionPercentage, p.Status, p.LastAccessed, p.UpdatedAt, p.ID); err != nil {
			return mapError(err)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SectionTimes sums credited subsection time per section for a user.
func (r *ProgressRepo) SectionTimes(ctx context.Context, userID int64, sectionIDs []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(sectionIDs))
	if len(sectionIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.section_id, COALESCE(SUM(p.time_spent_seconds), 0)
		 FROM subsections s
		 JOIN subsection_progress p ON p.subsection_id = s.id AND p.user_id = $1
		 WHERE s.section_id = ANY($2)
		 GROUP BY s.section_id`, userID, pq.Int64Array(sectionIDs))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var sectionID, seconds int64
		if err := rows.Scan(&sectionID, &seconds); err != nil {
			return nil, fmt.Errorf("failed to scan section time: %w", err)
		}
		out[sectionID] = seconds
	}
	return out, rows.Err()
}
