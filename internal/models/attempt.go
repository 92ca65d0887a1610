package models

import (
	"database/sql/driver"
	"encoding/json"
	"strconv"
	"time"
)

// AttemptStatus is the state of a test attempt.
type AttemptStatus string

const (
	// AttemptStarted is a legacy pre-state some older writers produced; the
	// cleanup scheduler deletes stale rows in it. Start never creates one.
	AttemptStarted    AttemptStatus = "started"
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptExpired    AttemptStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptCompleted || s == AttemptExpired
}

// Answers maps question ids (decimal strings, as JSON object keys) to the
// submitted answer value: a string for single_choice/text_input, a list of
// option indexes for multiple_choice.
type Answers map[string]JSONValue

// Value implements driver.Valuer.
func (a Answers) Value() (driver.Value, error) {
	if a == nil {
		return []byte("null"), nil
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner.
func (a *Answers) Scan(src any) error {
	return scanJSON(src, a)
}

// Get returns the answer for a question id, if present.
func (a Answers) Get(questionID int64) (JSONValue, bool) {
	v, ok := a[strconv.FormatInt(questionID, 10)]
	return v, ok
}

// RandomizedConfig is frozen at Start: the ordered question ids of the
// attempt and a per-question permutation of option indexes. It is never
// rewritten afterwards.
type RandomizedConfig struct {
	Seed        int64            `json:"seed"`
	QuestionIDs []int64          `json:"question_ids"`
	OptionOrder map[string][]int `json:"option_order,omitempty"`
}

// Value implements driver.Valuer.
func (c RandomizedConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements sql.Scanner.
func (c *RandomizedConfig) Scan(src any) error {
	return scanJSON(src, c)
}

// PermutedOptions applies the frozen option permutation for a question.
// Missing or malformed permutations fall back to the stored order, so bank
// edits after the freeze never panic a read.
func (c *RandomizedConfig) PermutedOptions(questionID int64, options []string) []string {
	order, ok := c.OptionOrder[strconv.FormatInt(questionID, 10)]
	if !ok || len(order) != len(options) {
		return options
	}
	out := make([]string, 0, len(options))
	for _, idx := range order {
		if idx < 0 || idx >= len(options) {
			return options
		}
		out = append(out, options[idx])
	}
	return out
}

// TestAttempt is one Start→Submit (or Start→Expire) cycle of a test by one
// user. Attempt numbers per (user, test) are a contiguous prefix 1..N.
type TestAttempt struct {
	ID               int64            `json:"id" db:"id"`
	UserID           int64            `json:"user_id" db:"user_id"`
	TestID           int64            `json:"test_id" db:"test_id"`
	AttemptNumber    int              `json:"attempt_number" db:"attempt_number"`
	Status           AttemptStatus    `json:"status" db:"status"`
	StartedAt        time.Time        `json:"started_at" db:"started_at"`
	ExpiresAt        *time.Time       `json:"expires_at,omitempty" db:"expires_at"`
	LastActivityAt   time.Time        `json:"last_activity_at" db:"last_activity_at"`
	LastSaveAt       *time.Time       `json:"last_save_at,omitempty" db:"last_save_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
	Score            *float64         `json:"score,omitempty" db:"score"`
	Answers          Answers          `json:"answers,omitempty" db:"answers"`
	DraftAnswers     Answers          `json:"draft_answers,omitempty" db:"draft_answers"`
	AutoExtendCount  int              `json:"auto_extend_count" db:"auto_extend_count"`
	RandomizedConfig RandomizedConfig `json:"randomized_config" db:"randomized_config"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}

// Remaining returns the seconds left before the deadline, zero when none
// remains, and -1 for untimed attempts.
func (a *TestAttempt) Remaining(now time.Time) int {
	if a.ExpiresAt == nil {
		return -1
	}
	d := int(a.ExpiresAt.Sub(now).Seconds())
	if d < 0 {
		return 0
	}
	return d
}
