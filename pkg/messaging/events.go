package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Learning event subjects.
const (
	EventSubsectionCompleted = "learning.subsection.completed"
	EventSectionCompleted    = "learning.section.completed"
	EventTopicCompleted      = "learning.topic.completed"

	EventAttemptStarted   = "learning.attempt.started"
	EventAttemptCompleted = "learning.attempt.completed"
	EventAttemptExpired   = "learning.attempt.expired"

	EventSuspiciousActivity = "learning.activity.suspicious"
)

// Event is the envelope every learning event travels in.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	UserID    int64           `json:"user_id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
}

// SubsectionCompletedEvent fires when credited time crosses the completion
// threshold for a subsection.
type SubsectionCompletedEvent struct {
	SubsectionID     int64 `json:"subsection_id"`
	SectionID        int64 `json:"section_id"`
	TopicID          int64 `json:"topic_id"`
	TimeSpentSeconds int64 `json:"time_spent_seconds"`
}

// SectionCompletedEvent fires when the aggregator marks a section completed.
type SectionCompletedEvent struct {
	SectionID  int64   `json:"section_id"`
	TopicID    int64   `json:"topic_id"`
	Percentage float64 `json:"percentage"`
}

// TopicCompletedEvent fires when the aggregator marks a topic completed.
type TopicCompletedEvent struct {
	TopicID    int64   `json:"topic_id"`
	Percentage float64 `json:"percentage"`
}

// AttemptEvent describes a test attempt transition.
type AttemptEvent struct {
	AttemptID     int64    `json:"attempt_id"`
	TestID        int64    `json:"test_id"`
	AttemptNumber int      `json:"attempt_number"`
	Status        string   `json:"status"`
	Score         *float64 `json:"score,omitempty"`
}

// SuspiciousActivityEvent fires when heartbeat intervals look machine-regular.
type SuspiciousActivityEvent struct {
	SubsectionID   int64   `json:"subsection_id"`
	IntervalStdev  float64 `json:"interval_stdev"`
	SampledBeats   int     `json:"sampled_beats"`
}

// NewEvent wraps a payload into the event envelope.
func NewEvent(eventType string, userID int64, data any) (*Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Source:    "studytrack",
		Data:      payload,
	}, nil
}

// ParseEventData unmarshals an event payload into T.
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
