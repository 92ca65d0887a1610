package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// ProgressStatus is the coarse state of a section or topic for one user.
type ProgressStatus string

const (
	ProgressStarted    ProgressStatus = "started"
	ProgressInProgress ProgressStatus = "in_progress"
	ProgressCompleted  ProgressStatus = "completed"
)

// ActivitySession is one closed study interval on a subsection.
type ActivitySession struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Duration int64     `json:"duration"`
}

// ActivitySessions is the append-only session history stored as JSONB.
type ActivitySessions []ActivitySession

// Value implements driver.Valuer.
func (s ActivitySessions) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *ActivitySessions) Scan(src any) error {
	return scanJSON(src, s)
}

// SubsectionProgress is the per-(user, subsection) tracking row the activity
// tracker maintains. TimeSpentSeconds is monotone; IsCompleted never reverts.
type SubsectionProgress struct {
	ID                   int64            `json:"id" db:"id"`
	UserID               int64            `json:"user_id" db:"user_id"`
	SubsectionID         int64            `json:"subsection_id" db:"subsection_id"`
	IsViewed             bool             `json:"is_viewed" db:"is_viewed"`
	IsCompleted          bool             `json:"is_completed" db:"is_completed"`
	TimeSpentSeconds     int64            `json:"time_spent_seconds" db:"time_spent_seconds"`
	CompletionPercentage float64          `json:"completion_percentage" db:"completion_percentage"`
	SessionStartAt       *time.Time       `json:"session_start_at,omitempty" db:"session_start_at"`
	LastActivityAt       *time.Time       `json:"last_activity_at,omitempty" db:"last_activity_at"`
	ViewedAt             *time.Time       `json:"viewed_at,omitempty" db:"viewed_at"`
	SuspiciousActivity   bool             `json:"suspicious_activity" db:"suspicious_activity"`
	ActivitySessions     ActivitySessions `json:"activity_sessions" db:"activity_sessions"`
	CreatedAt            time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at" db:"updated_at"`
}

// SectionProgress is the aggregated per-(user, section) row. Only the
// progress aggregator writes it.
type SectionProgress struct {
	ID                   int64          `json:"id" db:"id"`
	UserID               int64          `json:"user_id" db:"user_id"`
	SectionID            int64          `json:"section_id" db:"section_id"`
	CompletionPercentage float64        `json:"completion_percentage" db:"completion_percentage"`
	Status               ProgressStatus `json:"status" db:"status"`
	LastAccessed         time.Time      `json:"last_accessed" db:"last_accessed"`
	CreatedAt            time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at" db:"updated_at"`
}

// TopicProgress is the aggregated per-(user, topic) row. Only the progress
// aggregator writes it.
type TopicProgress struct {
	ID                   int64          `json:"id" db:"id"`
	UserID               int64          `json:"user_id" db:"user_id"`
	TopicID              int64          `json:"topic_id" db:"topic_id"`
	CompletionPercentage float64        `json:"completion_percentage" db:"completion_percentage"`
	Status               ProgressStatus `json:"status" db:"status"`
	LastAccessed         time.Time      `json:"last_accessed" db:"last_accessed"`
	CreatedAt            time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at" db:"updated_at"`
}
