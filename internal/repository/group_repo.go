package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/terminal-bench/studytrack/internal/models"
)

// GroupRepo handles groups, their student and topic assignments, and topic
// author grants. The access layer answers its oracle questions through it.
type GroupRepo struct {
	db *sql.DB
}

// NewGroupRepo creates a group repository.
func NewGroupRepo(db *sql.DB) *GroupRepo {
	return &GroupRepo{db: db}
}

// Create inserts a group.
func (r *GroupRepo) Create(ctx context.Context, g *models.Group) error {
	now := time.Now().UTC()
	g.CreatedAt, g.UpdatedAt = now, now
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO groups (name, is_active, is_archived, created_at, updated_at)
		 VALUES ($1, $2, false, $3, $4)
		 RETURNING id`,
		g.Name, g.IsActive, g.CreatedAt, g.UpdatedAt,
	).Scan(&g.ID)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// GetByID retrieves a group.
func (r *GroupRepo) GetByID(ctx context.Context, id int64) (*models.Group, error) {
	var g models.Group
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, is_active, is_archived, created_at, updated_at
		 FROM groups WHERE id = $1`, id).
		Scan(&g.ID, &g.Name, &g.IsActive, &g.IsArchived, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &g, nil
}

// SetActive toggles whether the group currently grants access.
func (r *GroupRepo) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE groups SET is_active = $1, updated_at = $2 WHERE id = $3`,
		active, time.Now().UTC(), id)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res)
}

// AddStudent enrolls a user into a group.
func (r *GroupRepo) AddStudent(ctx context.Context, groupID, userID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO group_students (group_id, user_id, added_at)
		 VALUES ($1, $2, $3)`, groupID, userID, time.Now().UTC())
	return mapError(err)
}

// RemoveStudent removes a user from a group.
func (r *GroupRepo) RemoveStudent(ctx context.Context, groupID, userID int64) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM group_students WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res)
}

// AssignTopic makes a topic available to a group.
func (r *GroupRepo) AssignTopic(ctx context.Context, groupID, topicID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO group_topics (group_id, topic_id, added_at)
		 VALUES ($1, $2, $3)`, groupID, topicID, time.Now().UTC())
	return mapError(err)
}

// UnassignTopic withdraws a topic from a group.
func (r *GroupRepo) UnassignTopic(ctx context.Context, groupID, topicID int64) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM group_topics WHERE group_id = $1 AND topic_id = $2`, groupID, topicID)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res)
}

// HasTopicAccess reports whether the user belongs to an active group the
// topic is assigned to.
func (r *GroupRepo) HasTopicAccess(ctx context.Context, userID, topicID int64) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		    SELECT 1
		    FROM group_students gs
		    JOIN groups g ON g.id = gs.group_id
		    JOIN group_topics gt ON gt.group_id = gs.group_id
		    WHERE gs.user_id = $1 AND gt.topic_id = $2
		      AND g.is_active = true AND g.is_archived = false
		 )`, userID, topicID).Scan(&ok)
	if err != nil {
		return false, mapError(err)
	}
	return ok, nil
}

// ListGroupTopics returns the non-archived topics assigned to a group.
func (r *GroupRepo) ListGroupTopics(ctx context.Context, groupID int64) ([]models.Topic, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT t.id, t.title, t.description, t.category, t.image_path, t.creator_id,
		        t.is_archived, t.created_at, t.updated_at
		 FROM group_topics gt
		 JOIN topics t ON t.id = gt.topic_id
		 WHERE gt.group_id = $1 AND t.is_archived = false
		 ORDER BY t.id`, groupID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var topics []models.Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group topic: %w", err)
		}
		topics = append(topics, *t)
	}
	return topics, rows.Err()
}

// AddAuthor grants a user management rights on a topic.
func (r *GroupRepo) AddAuthor(ctx context.Context, topicID, userID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO topic_authors (topic_id, user_id, added_at)
		 VALUES ($1, $2, $3)`, topicID, userID, time.Now().UTC())
	return mapError(err)
}

// RemoveAuthor revokes a user's management rights on a topic.
func (r *GroupRepo) RemoveAuthor(ctx context.Context, topicID, userID int64) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM topic_authors WHERE topic_id = $1 AND user_id = $2`, topicID, userID)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res)
}

// IsTopicAuthor reports whether the user is the topic's creator or a granted
// author.
func (r *GroupRepo) IsTopicAuthor(ctx context.Context, userID, topicID int64) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		    SELECT 1 FROM topics WHERE id = $2 AND creator_id = $1
		    UNION ALL
		    SELECT 1 FROM topic_authors WHERE topic_id = $2 AND user_id = $1
		 )`, userID, topicID).Scan(&ok)
	if err != nil {
		return false, mapError(err)
	}
	return ok, nil
}
