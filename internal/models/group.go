package models

import "time"

// Role classifies a platform user at the access boundary.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Group is a cohort of students. The core only reads groups to answer the
// topic-access question; group management lives outside the core.
type Group struct {
	ID         int64     `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	IsActive   bool      `json:"is_active" db:"is_active"`
	IsArchived bool      `json:"is_archived" db:"is_archived"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// GroupStudent enrolls a student into a group.
type GroupStudent struct {
	GroupID   int64     `json:"group_id" db:"group_id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	AddedAt   time.Time `json:"added_at" db:"added_at"`
}

// GroupTopic assigns a topic to a group.
type GroupTopic struct {
	GroupID   int64     `json:"group_id" db:"group_id"`
	TopicID   int64     `json:"topic_id" db:"topic_id"`
	AddedAt   time.Time `json:"added_at" db:"added_at"`
}

// TopicAuthor grants a teacher management rights on a topic beyond the
// creator row itself.
type TopicAuthor struct {
	TopicID int64     `json:"topic_id" db:"topic_id"`
	UserID  int64     `json:"user_id" db:"user_id"`
	AddedAt time.Time `json:"added_at" db:"added_at"`
}
