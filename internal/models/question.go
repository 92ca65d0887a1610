package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// QuestionType determines how an answer is checked at submission.
type QuestionType string

const (
	QuestionSingleChoice   QuestionType = "single_choice"
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionTextInput      QuestionType = "text_input"
)

// StringList is an ordered list of strings stored as JSONB.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	return scanJSON(src, l)
}

// JSONValue wraps an arbitrary JSON value (scalar or list) stored as JSONB.
// Question correct answers use it: a value for single_choice, a list of
// option indexes for multiple_choice.
type JSONValue struct {
	Raw json.RawMessage
}

// Value implements driver.Valuer.
func (v JSONValue) Value() (driver.Value, error) {
	if len(v.Raw) == 0 {
		return []byte("null"), nil
	}
	return []byte(v.Raw), nil
}

// Scan implements sql.Scanner.
func (v *JSONValue) Scan(src any) error {
	switch t := src.(type) {
	case nil:
		v.Raw = json.RawMessage("null")
		return nil
	case []byte:
		v.Raw = append(json.RawMessage(nil), t...)
		return nil
	case string:
		v.Raw = json.RawMessage(t)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONValue", src)
	}
}

// MarshalJSON implements json.Marshaler.
func (v JSONValue) MarshalJSON() ([]byte, error) {
	if len(v.Raw) == 0 {
		return []byte("null"), nil
	}
	return v.Raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *JSONValue) UnmarshalJSON(data []byte) error {
	v.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Question is a bank entry owned by a topic, optionally scoped to a section.
// Final-eligible questions (IsFinal) feed topic-final composition.
type Question struct {
	ID            int64        `json:"id" db:"id"`
	TopicID       int64        `json:"topic_id" db:"topic_id"`
	SectionID     *int64       `json:"section_id,omitempty" db:"section_id"`
	Text          string       `json:"text" db:"text"`
	Type          QuestionType `json:"question_type" db:"question_type"`
	Options       StringList   `json:"options" db:"options"`
	CorrectAnswer JSONValue    `json:"correct_answer" db:"correct_answer"`
	Hint          string       `json:"hint,omitempty" db:"hint"`
	IsFinal       bool         `json:"is_final" db:"is_final"`
	CreatedBy     int64        `json:"created_by" db:"created_by"`
	IsArchived    bool         `json:"is_archived" db:"is_archived"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}

// TestType scopes a test to a section or a topic and drives gating rules.
type TestType string

const (
	TestHinted       TestType = "hinted"
	TestSectionFinal TestType = "section_final"
	TestGlobalFinal  TestType = "global_final"
)

// GateWeight is the fixed contribution of a passed test to its section's
// display percentage. Finals weigh more than hinted practice tests.
func (t TestType) GateWeight() float64 {
	if t == TestHinted {
		return 1.0
	}
	return 2.0
}

// Test is an assessment scoped to exactly one section (hinted,
// section_final) or topic (global_final).
type Test struct {
	ID                   int64     `json:"id" db:"id"`
	Title                string    `json:"title" db:"title"`
	Type                 TestType  `json:"type" db:"type"`
	SectionID            *int64    `json:"section_id,omitempty" db:"section_id"`
	TopicID              *int64    `json:"topic_id,omitempty" db:"topic_id"`
	DurationSeconds      int       `json:"duration_seconds" db:"duration_seconds"`
	MaxAttempts          int       `json:"max_attempts" db:"max_attempts"`
	CompletionPercentage float64   `json:"completion_percentage" db:"completion_percentage"`
	TargetQuestions      *int      `json:"target_questions,omitempty" db:"target_questions"`
	IsArchived           bool      `json:"is_archived" db:"is_archived"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time `json:"updated_at" db:"updated_at"`
}

// Timed reports whether the test enforces a deadline.
func (t *Test) Timed() bool {
	return t.DurationSeconds > 0
}

// Duration is the attempt time limit, zero for untimed tests.
func (t *Test) Duration() time.Duration {
	return time.Duration(t.DurationSeconds) * time.Second
}

// PassThreshold is the score a completed attempt needs to count as passed.
// Defaults to 80 when the row carries no explicit threshold.
func (t *Test) PassThreshold() float64 {
	if t.CompletionPercentage > 0 {
		return t.CompletionPercentage
	}
	return 80
}

// TestQuestion links a question into a test. Composite primary key
// (test_id, question_id).
type TestQuestion struct {
	TestID     int64     `json:"test_id" db:"test_id"`
	QuestionID int64     `json:"question_id" db:"question_id"`
	AddedBy    int64     `json:"added_by" db:"added_by"`
	AddedAt    time.Time `json:"added_at" db:"added_at"`
}

// scanJSON unmarshals a JSONB column into dst, accepting the driver's []byte
// or string representations. NULL leaves dst untouched.
func scanJSON(src, dst any) error {
	switch t := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(t) == 0 {
			return nil
		}
		return json.Unmarshal(t, dst)
	case string:
		if t == "" {
			return nil
		}
		return json.Unmarshal([]byte(t), dst)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dst)
	}
}
