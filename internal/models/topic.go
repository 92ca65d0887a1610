package models

import "time"

// Topic is the top of the content hierarchy. A topic owns an ordered list of
// sections and a bank of questions.
type Topic struct {
	ID          int64      `json:"id" db:"id"`
	Title       string     `json:"title" db:"title"`
	Description string     `json:"description,omitempty" db:"description"`
	Category    string     `json:"category,omitempty" db:"category"`
	ImagePath   string     `json:"image_path,omitempty" db:"image_path"`
	CreatorID   int64      `json:"creator_id" db:"creator_id"`
	IsArchived  bool       `json:"is_archived" db:"is_archived"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Section groups subsections inside a topic. Order is the sort key; ties
// break by id ascending so listings are deterministic.
type Section struct {
	ID          int64     `json:"id" db:"id"`
	TopicID     int64     `json:"topic_id" db:"topic_id"`
	Title       string    `json:"title" db:"title"`
	Order       int       `json:"order" db:"sort_order"`
	Content     string    `json:"content,omitempty" db:"content"`
	Description string    `json:"description,omitempty" db:"description"`
	IsArchived  bool      `json:"is_archived" db:"is_archived"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// SubsectionType classifies the learning material of a subsection.
type SubsectionType string

const (
	SubsectionText         SubsectionType = "text"
	SubsectionPDF          SubsectionType = "pdf"
	SubsectionVideo        SubsectionType = "video"
	SubsectionPresentation SubsectionType = "presentation"
)

// DefaultWeight returns the completion weight used when a subsection does
// not carry an explicit one.
func (t SubsectionType) DefaultWeight() float64 {
	switch t {
	case SubsectionVideo:
		return 1.5
	case SubsectionPresentation:
		return 1.2
	default:
		return 1.0
	}
}

// Subsection is the unit learners actually study. Completion is credited by
// the activity tracker once time_spent reaches MinTimeSeconds.
type Subsection struct {
	ID                  int64          `json:"id" db:"id"`
	SectionID           int64          `json:"section_id" db:"section_id"`
	Title               string         `json:"title" db:"title"`
	Order               int            `json:"order" db:"sort_order"`
	Type                SubsectionType `json:"type" db:"type"`
	Weight              float64        `json:"weight" db:"weight"`
	RequiredTimeMinutes int            `json:"required_time_minutes" db:"required_time_minutes"`
	MinTimeSeconds      int            `json:"min_time_seconds" db:"min_time_seconds"`
	ContentPath         string         `json:"content_path,omitempty" db:"content_path"`
	IsArchived          bool           `json:"is_archived" db:"is_archived"`
	CreatedAt           time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at" db:"updated_at"`
}

// EffectiveWeight resolves the subsection weight, falling back to the
// per-type default when none is set.
func (s *Subsection) EffectiveWeight() float64 {
	if s.Weight > 0 {
		return s.Weight
	}
	return s.Type.DefaultWeight()
}

// EffectiveMinTime resolves the credit threshold in seconds, falling back to
// the configured default when the row carries none.
func (s *Subsection) EffectiveMinTime(defaultSeconds int) int {
	if s.MinTimeSeconds > 0 {
		return s.MinTimeSeconds
	}
	return defaultSeconds
}
