// Package notify publishes learning events. Publishing is best-effort:
// failures are logged and never surface to the caller, so a broken broker
// cannot fail a committed write.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/terminal-bench/studytrack/pkg/messaging"
)

// Publisher is the transport events go out on. *messaging.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data any) error
}

// Notifier emits domain events. A nil Notifier or nil publisher silently
// drops everything, so callers never need to branch.
type Notifier struct {
	pub Publisher
	log *zap.Logger
}

// New creates a notifier. pub may be nil to disable publishing.
func New(pub Publisher, log *zap.Logger) *Notifier {
	return &Notifier{pub: pub, log: log}
}

func (n *Notifier) publish(ctx context.Context, subject string, userID int64, payload any) {
	if n == nil || n.pub == nil {
		return
	}
	event, err := messaging.NewEvent(subject, userID, payload)
	if err != nil {
		n.log.Warn("failed to build event",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := n.pub.Publish(ctx, subject, event); err != nil {
		n.log.Warn("failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}

// SubsectionCompleted emits a subsection completion.
func (n *Notifier) SubsectionCompleted(ctx context.Context, userID int64, ev messaging.SubsectionCompletedEvent) {
	n.publish(ctx, messaging.EventSubsectionCompleted, userID, ev)
}

// SectionCompleted emits a section completion.
func (n *Notifier) SectionCompleted(ctx context.Context, userID int64, ev messaging.SectionCompletedEvent) {
	n.publish(ctx, messaging.EventSectionCompleted, userID, ev)
}

// TopicCompleted emits a topic completion.
func (n *Notifier) TopicCompleted(ctx context.Context, userID int64, ev messaging.TopicCompletedEvent) {
	n.publish(ctx, messaging.EventTopicCompleted, userID, ev)
}

// AttemptStarted emits an attempt start.
func (n *Notifier) AttemptStarted(ctx context.Context, userID int64, ev messaging.AttemptEvent) {
	n.publish(ctx, messaging.EventAttemptStarted, userID, ev)
}

// AttemptCompleted emits a graded submission.
func (n *Notifier) AttemptCompleted(ctx context.Context, userID int64, ev messaging.AttemptEvent) {
	n.publish(ctx, messaging.EventAttemptCompleted, userID, ev)
}

// AttemptExpired emits a scheduler expiry.
func (n *Notifier) AttemptExpired(ctx context.Context, userID int64, ev messaging.AttemptEvent) {
	n.publish(ctx, messaging.EventAttemptExpired, userID, ev)
}

// SuspiciousActivity emits an anti-cheat flag.
func (n *Notifier) SuspiciousActivity(ctx context.Context, userID int64, ev messaging.SuspiciousActivityEvent) {
	n.publish(ctx, messaging.EventSuspiciousActivity, userID, ev)
}
